package config

import "time"

const (
	DefaultWorkerCount       = 1
	DefaultProcessBatchSize  = 20
	DefaultScheduleBatchSize = 50
	DefaultClaimTTL          = 15 * time.Minute
	DefaultChipType          = "whatsapp"
	DefaultMaxAttempts       = 3

	DefaultStorageDriver  = Postgres
	DefaultLockDriver     = PostgresLock
	DefaultCapacitySource = CapacityFromPostgres
	DefaultCapacityTTL    = time.Minute
	DefaultRedisLockTTL   = 5 * time.Minute

	DefaultScheduleSpec      = "@every 1m"
	DefaultProcessSpec       = "@every 30s"
	DefaultApprovalSpec      = "@every 10m"
	DefaultDailyResetSpec    = "0 0 * * *"
	DefaultSixHourResetSpec  = "0 */6 * * *"
	DefaultCadenceTimezone   = "UTC"
	DefaultGatewayTimeout    = 30 * time.Second
	DefaultJoinSubject       = "joinflow.gateway.join"
	DefaultMembershipSubject = "joinflow.gateway.memberships"
	DefaultIntakeBatchSize   = 100
	DefaultIntakeFlushEvery  = 5 * time.Second

	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"
)
