// Package config loads process configuration.
//
// Values are layered, later layers winning:
//  1. built-in defaults (Default),
//  2. a YAML file named by --config or SPACEBOOK_CONFIG,
//  3. SPACEBOOK_* environment variables, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	strs "spacebook/pkg/platform/strings"
)

const (
	envPrefix        = "SPACEBOOK_"
	ConfigPathEnv    = envPrefix + "CONFIG"
	DefaultEnvFile   = ".env"
	minSecretLength  = 32
	devTokenSecret   = "spacebook-development-attendance-secret"
	EnvDevelopment   = "development"
	EnvProduction    = "production"
	DriverMemory     = "memory"
	DriverPgx        = "pgx"
	DriverPostgres   = "postgres"
	NotifierLog      = "log"
	NotifierKafka    = "kafka"
	NotifierAMQP     = "amqp"
	LogFormatJSON    = "json"
	LogFormatText    = "text"
	defaultKafkaName = "spacebook"
)

type Config struct {
	Server        Server        `yaml:"server"`
	Reservation   Reservation   `yaml:"reservation"`
	Sweeper       Sweeper       `yaml:"sweeper"`
	Database      Database      `yaml:"database"`
	Redis         RedisConfig   `yaml:"redis"`
	Notifications Notifications `yaml:"notifications"`
}

// Server holds process level settings. Addr serves the ops endpoints.
type Server struct {
	Addr            string        `yaml:"addr"`
	Environment     string        `yaml:"environment"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type Reservation struct {
	MinCancellationNotice time.Duration `yaml:"min_cancellation_notice"`
	AttendanceGrace       time.Duration `yaml:"attendance_grace"`
	// AttendancePolicy is "confirm" or "complete".
	AttendancePolicy string `yaml:"attendance_policy"`
	TokenSecret      string `yaml:"token_secret"`
	TokenIssuer      string `yaml:"token_issuer"`
}

type Sweeper struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
	// LeaseTTL only applies when Redis is configured.
	LeaseTTL time.Duration `yaml:"lease_ttl"`
	LeaseKey string        `yaml:"lease_key"`
}

// Database selects the reservation store. Driver "memory" keeps everything
// in process; "pgx" and "postgres" pick the SQL driver for URL.
type Database struct {
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	MigrateOnStart  bool          `yaml:"migrate_on_start"`
}

// RedisConfig is optional; an empty URL disables Redis.
type RedisConfig struct {
	URL          string        `yaml:"url"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type Notifications struct {
	Driver string `yaml:"driver"`
	// BreakerThreshold is the number of consecutive broker failures after
	// which events are diverted to the log notifier.
	BreakerThreshold int         `yaml:"breaker_threshold"`
	Kafka            KafkaConfig `yaml:"kafka"`
	AMQP             AMQPConfig  `yaml:"amqp"`
}

type KafkaConfig struct {
	Brokers           []string `yaml:"brokers"`
	Topic             string   `yaml:"topic"`
	ClientID          string   `yaml:"client_id"`
	Partitions        int32    `yaml:"partitions"`
	ReplicationFactor int16    `yaml:"replication_factor"`
}

type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// Default returns the configuration used before any file or env is applied.
func Default() *Config {
	return &Config{
		Server: Server{
			Addr:            ":8080",
			Environment:     EnvDevelopment,
			LogLevel:        "info",
			LogFormat:       LogFormatText,
			ShutdownTimeout: 15 * time.Second,
		},
		Reservation: Reservation{
			MinCancellationNotice: 24 * time.Hour,
			AttendanceGrace:       30 * time.Minute,
			AttendancePolicy:      "confirm",
			TokenIssuer:           "spacebook",
		},
		Sweeper: Sweeper{
			Enabled:   true,
			Interval:  5 * time.Minute,
			BatchSize: 500,
			LeaseTTL:  time.Minute,
			LeaseKey:  "spacebook:sweeper:lease",
		},
		Database: Database{
			Driver:          DriverMemory,
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			MigrateOnStart:  true,
		},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Notifications: Notifications{
			Driver:           NotifierLog,
			BreakerThreshold: 5,
			Kafka: KafkaConfig{
				Topic:             "spacebook.reservations",
				ClientID:          defaultKafkaName,
				Partitions:        3,
				ReplicationFactor: 1,
			},
			AMQP: AMQPConfig{
				Exchange: "spacebook.reservations",
			},
		},
	}
}

// Load builds the configuration. path may be empty, in which case
// SPACEBOOK_CONFIG is consulted and, if unset, no file is read.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(DefaultEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", DefaultEnvFile, err)
	}

	cfg := Default()
	if path == "" {
		path = os.Getenv(ConfigPathEnv)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.Notifications.Kafka.Brokers = strs.DedupeAndTrim(cfg.Notifications.Kafka.Brokers)
	cfg.applyEnvironmentDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	str("ADDR", &c.Server.Addr)
	str("ENVIRONMENT", &c.Server.Environment)
	str("LOG_LEVEL", &c.Server.LogLevel)
	str("LOG_FORMAT", &c.Server.LogFormat)
	dur("SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)

	dur("MIN_CANCELLATION_NOTICE", &c.Reservation.MinCancellationNotice)
	dur("ATTENDANCE_GRACE", &c.Reservation.AttendanceGrace)
	str("ATTENDANCE_POLICY", &c.Reservation.AttendancePolicy)
	str("TOKEN_SECRET", &c.Reservation.TokenSecret)
	str("TOKEN_ISSUER", &c.Reservation.TokenIssuer)

	flag("SWEEPER_ENABLED", &c.Sweeper.Enabled)
	dur("SWEEPER_INTERVAL", &c.Sweeper.Interval)
	num("SWEEPER_BATCH_SIZE", &c.Sweeper.BatchSize)
	dur("SWEEPER_LEASE_TTL", &c.Sweeper.LeaseTTL)
	str("SWEEPER_LEASE_KEY", &c.Sweeper.LeaseKey)

	str("DATABASE_DRIVER", &c.Database.Driver)
	str("DATABASE_URL", &c.Database.URL)
	num("DATABASE_MAX_OPEN_CONNS", &c.Database.MaxOpenConns)
	num("DATABASE_MAX_IDLE_CONNS", &c.Database.MaxIdleConns)
	dur("DATABASE_CONN_MAX_LIFETIME", &c.Database.ConnMaxLifetime)
	flag("DATABASE_MIGRATE_ON_START", &c.Database.MigrateOnStart)

	str("REDIS_URL", &c.Redis.URL)
	num("REDIS_POOL_SIZE", &c.Redis.PoolSize)

	str("NOTIFIER", &c.Notifications.Driver)
	num("NOTIFIER_BREAKER_THRESHOLD", &c.Notifications.BreakerThreshold)
	if v, ok := lookup("KAFKA_BROKERS"); ok {
		c.Notifications.Kafka.Brokers = strs.SplitList(v)
	}
	str("KAFKA_TOPIC", &c.Notifications.Kafka.Topic)
	str("KAFKA_CLIENT_ID", &c.Notifications.Kafka.ClientID)
	str("AMQP_URL", &c.Notifications.AMQP.URL)
	str("AMQP_EXCHANGE", &c.Notifications.AMQP.Exchange)

	return errors.Join(errs...)
}

// applyEnvironmentDefaults fills values that only have a safe default
// outside production.
func (c *Config) applyEnvironmentDefaults() {
	if c.Server.Environment == EnvDevelopment && c.Reservation.TokenSecret == "" {
		c.Reservation.TokenSecret = devTokenSecret
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if !slices.Contains([]string{EnvDevelopment, EnvProduction}, c.Server.Environment) {
		errs = append(errs, fmt.Errorf("server.environment must be %q or %q", EnvDevelopment, EnvProduction))
	}
	if !slices.Contains([]string{LogFormatJSON, LogFormatText}, c.Server.LogFormat) {
		errs = append(errs, fmt.Errorf("server.log_format must be %q or %q", LogFormatJSON, LogFormatText))
	}

	if c.Reservation.MinCancellationNotice < 0 {
		errs = append(errs, errors.New("reservation.min_cancellation_notice cannot be negative"))
	}
	if c.Reservation.AttendanceGrace < 0 {
		errs = append(errs, errors.New("reservation.attendance_grace cannot be negative"))
	}
	if !slices.Contains([]string{"", "confirm", "complete"}, c.Reservation.AttendancePolicy) {
		errs = append(errs, fmt.Errorf("reservation.attendance_policy %q is not supported", c.Reservation.AttendancePolicy))
	}
	if len(c.Reservation.TokenSecret) < minSecretLength {
		errs = append(errs, fmt.Errorf("reservation.token_secret must be at least %d bytes", minSecretLength))
	}

	if c.Sweeper.Interval <= 0 {
		errs = append(errs, errors.New("sweeper.interval must be positive"))
	}
	if c.Sweeper.BatchSize <= 0 {
		errs = append(errs, errors.New("sweeper.batch_size must be positive"))
	}

	switch c.Database.Driver {
	case DriverMemory:
	case DriverPgx, DriverPostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for SQL drivers"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}

	switch c.Notifications.Driver {
	case NotifierLog:
	case NotifierKafka:
		if len(c.Notifications.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("notifications.kafka.brokers is required"))
		}
		if c.Notifications.Kafka.Topic == "" {
			errs = append(errs, errors.New("notifications.kafka.topic is required"))
		}
	case NotifierAMQP:
		if c.Notifications.AMQP.URL == "" {
			errs = append(errs, errors.New("notifications.amqp.url is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("notifications.driver %q is not supported", c.Notifications.Driver))
	}

	return errors.Join(errs...)
}

// UsesSQL reports whether the reservation store is backed by Postgres.
func (d Database) UsesSQL() bool {
	return d.Driver == DriverPgx || d.Driver == DriverPostgres
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}
