package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML layout of a joinflow config file.
type FileConfig struct {
	Instance string `yaml:"instance"`

	Worker struct {
		Count             int           `yaml:"count"`
		ProcessBatchSize  int           `yaml:"process_batch_size"`
		ScheduleBatchSize int           `yaml:"schedule_batch_size"`
		ClaimTTL          time.Duration `yaml:"claim_ttl"`
		ChipType          string        `yaml:"chip_type"`
		MaxAttempts       int           `yaml:"max_attempts"`
	} `yaml:"worker"`

	Cadence struct {
		Schedule     string `yaml:"schedule"`
		Process      string `yaml:"process"`
		Approval     string `yaml:"approval"`
		DailyReset   string `yaml:"daily_reset"`
		SixHourReset string `yaml:"six_hour_reset"`
		Timezone     string `yaml:"timezone"`
	} `yaml:"cadence"`

	Storage struct {
		Driver      string `yaml:"driver"`
		PostgresURL string `yaml:"postgres_url"`
	} `yaml:"storage"`

	Lock struct {
		Driver        string        `yaml:"driver"`
		RedisAddress  string        `yaml:"redis_address"`
		RedisPassword string        `yaml:"redis_password"`
		RedisDB       int           `yaml:"redis_db"`
		TTL           time.Duration `yaml:"ttl"`
	} `yaml:"lock"`

	Capacity struct {
		Source   string        `yaml:"source"`
		Path     string        `yaml:"path"`
		CacheTTL time.Duration `yaml:"cache_ttl"`
	} `yaml:"capacity"`

	NATS struct {
		URL               string        `yaml:"url"`
		JoinSubject       string        `yaml:"join_subject"`
		MembershipSubject string        `yaml:"membership_subject"`
		Timeout           time.Duration `yaml:"timeout"`
	} `yaml:"nats"`

	RabbitMQ *struct {
		URL        string        `yaml:"url"`
		Exchange   string        `yaml:"exchange"`
		Queue      string        `yaml:"queue"`
		RoutingKey string        `yaml:"routing_key"`
		BatchSize  int           `yaml:"batch_size"`
		FlushEvery time.Duration `yaml:"flush_every"`
	} `yaml:"rabbitmq"`

	Behavior struct {
		MinDelay time.Duration `yaml:"min_delay"`
		MaxDelay time.Duration `yaml:"max_delay"`
	} `yaml:"behavior"`

	Ops struct {
		Listen     string `yaml:"listen"`
		AdminToken string `yaml:"admin_token"`
	} `yaml:"ops"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// LoadFile reads a YAML config file and builds the config through the same options as code does.
// extra options are applied last, so command line flags win over the file.
func LoadFile(path string, extra ...ContainerOption) (*JoinflowConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data, extra...)
}

func Parse(data []byte, extra ...ContainerOption) (*JoinflowConfig, error) {
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	opts, err := fc.Options()
	if err != nil {
		return nil, err
	}
	return NewJoinflowConfig(fc.Instance, append(opts, extra...)...)
}

// Options translates the sections that are present into container options.
func (fc FileConfig) Options() ([]ContainerOption, error) {
	var opts []ContainerOption

	if fc.Storage.PostgresURL != "" {
		opts = append(opts, WithPostgresConfig(PostgresConfig{ConnectionUrl: fc.Storage.PostgresURL}))
	}
	if fc.Storage.Driver != "" {
		driver, err := ParseStorageDriver(fc.Storage.Driver)
		if err != nil {
			return nil, err
		}
		if driver == Memory {
			opts = append(opts, WithMemoryStorage())
		}
	}

	if fc.Lock.Driver != "" {
		driver, err := ParseLockDriver(fc.Lock.Driver)
		if err != nil {
			return nil, err
		}
		switch driver {
		case RedisLock:
			ttl := fc.Lock.TTL
			if ttl == 0 {
				ttl = DefaultRedisLockTTL
			}
			opts = append(opts, WithRedisLock(RedisConfig{
				Address:  fc.Lock.RedisAddress,
				Password: fc.Lock.RedisPassword,
				DB:       fc.Lock.RedisDB,
			}, ttl))
		case LocalLock:
			opts = append(opts, WithLocalLock())
		}
	}

	w := fc.Worker
	if w.Count != 0 {
		opts = append(opts, WithWorkerCount(w.Count))
	}
	if w.ProcessBatchSize != 0 || w.ScheduleBatchSize != 0 {
		process, schedule := w.ProcessBatchSize, w.ScheduleBatchSize
		if process == 0 {
			process = DefaultProcessBatchSize
		}
		if schedule == 0 {
			schedule = DefaultScheduleBatchSize
		}
		opts = append(opts, WithBatchSizes(process, schedule))
	}
	if w.ClaimTTL != 0 {
		opts = append(opts, WithClaimTTL(w.ClaimTTL))
	}
	if w.ChipType != "" {
		opts = append(opts, WithChipType(w.ChipType))
	}
	if w.MaxAttempts != 0 {
		opts = append(opts, WithMaxAttempts(w.MaxAttempts))
	}

	opts = append(opts, WithCadence(CadenceConfig(fc.Cadence)))

	if fc.Capacity.Source != "" {
		source, err := ParseCapacitySource(fc.Capacity.Source)
		if err != nil {
			return nil, err
		}
		if source == CapacityFromFile {
			opts = append(opts, WithCapacityFile(fc.Capacity.Path))
		}
	}
	if fc.Capacity.CacheTTL != 0 {
		opts = append(opts, WithCapacityCacheTTL(fc.Capacity.CacheTTL))
	}

	if fc.NATS.URL != "" {
		opts = append(opts, WithNATSConfig(NATSConfig(fc.NATS)))
	}
	if fc.RabbitMQ != nil {
		opts = append(opts, WithRabbitMQConfig(RabbitMQConfig(*fc.RabbitMQ)))
	}
	if fc.Behavior.MaxDelay != 0 {
		opts = append(opts, WithBehaviorDelay(fc.Behavior.MinDelay, fc.Behavior.MaxDelay))
	}
	if fc.Ops.Listen != "" {
		opts = append(opts, WithOpsServer(fc.Ops.Listen, fc.Ops.AdminToken))
	}
	if fc.Log.Level != "" || fc.Log.Format != "" {
		level, format := fc.Log.Level, fc.Log.Format
		if level == "" {
			level = DefaultLogLevel
		}
		if format == "" {
			format = DefaultLogFormat
		}
		opts = append(opts, WithLogConfig(level, format))
	}

	return opts, nil
}
