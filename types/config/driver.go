package config

import "fmt"

type StorageDriver int

const (
	Postgres StorageDriver = iota + 1
	Memory
)

// String converts the StorageDriver enum to a human-readable string.
func (d StorageDriver) String() string {
	switch d {
	case Postgres:
		return "postgres"
	case Memory:
		return "memory"
	}
	return "unknown"
}

func ParseStorageDriver(s string) (StorageDriver, error) {
	switch s {
	case "postgres":
		return Postgres, nil
	case "memory":
		return Memory, nil
	}
	return 0, fmt.Errorf("unknown storage driver %q", s)
}

type LockDriver int

const (
	PostgresLock LockDriver = iota + 1
	RedisLock
	LocalLock
)

func (d LockDriver) String() string {
	switch d {
	case PostgresLock:
		return "postgres"
	case RedisLock:
		return "redis"
	case LocalLock:
		return "local"
	}
	return "unknown"
}

func ParseLockDriver(s string) (LockDriver, error) {
	switch s {
	case "postgres":
		return PostgresLock, nil
	case "redis":
		return RedisLock, nil
	case "local":
		return LocalLock, nil
	}
	return 0, fmt.Errorf("unknown lock driver %q", s)
}

// CapacitySource says where the capacity configuration is read from.
type CapacitySource int

const (
	CapacityFromPostgres CapacitySource = iota + 1
	CapacityFromFile
)

func (s CapacitySource) String() string {
	switch s {
	case CapacityFromPostgres:
		return "postgres"
	case CapacityFromFile:
		return "file"
	}
	return "unknown"
}

func ParseCapacitySource(s string) (CapacitySource, error) {
	switch s {
	case "postgres":
		return CapacityFromPostgres, nil
	case "file":
		return CapacityFromFile, nil
	}
	return 0, fmt.Errorf("unknown capacity source %q", s)
}
