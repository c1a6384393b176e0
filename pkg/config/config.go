// Package config loads cnxnfactoryd's configuration: a .env file via
// godotenv for ambient service credentials, with os.Getenv-backed
// overrides, plus an optional YAML tunables file (github.com/goccy/go-yaml)
// for the factory's own numeric tuning knobs.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Config is the full process configuration: ambient service plumbing
// plus the factory's own tunables.
type Config struct {
	Factory  FactoryConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	SMTP     SMTPConfig
	Rollup   RollupConfig
	Alarm    AlarmConfig
}

// FactoryConfig holds the factory's recognized tuning keys.
type FactoryConfig struct {
	ListenAddr string
	Secure     bool

	SessionlessCnxnTimeout time.Duration
	NumSelectorThreads     int
	NumWorkerThreads       int
	DirectBufferBytes      int
	ShutdownTimeout        time.Duration
	MaxClientCnxns         int

	WorkerQueueDepth int
}

// tunablesFile mirrors FactoryConfig for YAML decoding, with the
// millisecond-suffixed fields typed as plain ints rather than
// time.Duration: unmarshaling a bare scalar like 1000 straight into a
// time.Duration reads it as 1000 nanoseconds, not 1000 milliseconds.
type tunablesFile struct {
	ListenAddr string `yaml:"listen_addr"`
	Secure     bool   `yaml:"secure"`

	SessionlessCnxnTimeoutMs int `yaml:"sessionless_cnxn_timeout_ms"`
	NumSelectorThreads       int `yaml:"num_selector_threads"`
	NumWorkerThreads         int `yaml:"num_worker_threads"`
	DirectBufferBytes        int `yaml:"direct_buffer_bytes"`
	ShutdownTimeoutMs        int `yaml:"shutdown_timeout_ms"`
	MaxClientCnxns           int `yaml:"max_client_cnxns"`

	WorkerQueueDepth int `yaml:"worker_queue_depth"`
}

// setDefaults treats every zero field as unset and fills in its default.
// As a result Load never yields 0 for NumWorkerThreads, DirectBufferBytes
// or MaxClientCnxns: inline I/O, disabled direct buffers and an unlimited
// per-peer cap are reachable only through a FactoryConfig built directly,
// not through env vars or the tunables file.
func (f *FactoryConfig) setDefaults() {
	cpus := runtime.NumCPU()

	if f.ListenAddr == "" {
		f.ListenAddr = ":2181"
	}
	if f.SessionlessCnxnTimeout == 0 {
		f.SessionlessCnxnTimeout = 10000 * time.Millisecond
	}
	if f.NumSelectorThreads == 0 {
		f.NumSelectorThreads = clampInt(isqrt(cpus/2), 1, 64)
	}
	if f.NumWorkerThreads == 0 {
		f.NumWorkerThreads = 2 * cpus
	}
	if f.DirectBufferBytes == 0 {
		f.DirectBufferBytes = 65536
	}
	if f.ShutdownTimeout == 0 {
		f.ShutdownTimeout = 5000 * time.Millisecond
	}
	if f.MaxClientCnxns == 0 {
		f.MaxClientCnxns = 60
	}
	if f.WorkerQueueDepth == 0 {
		f.WorkerQueueDepth = 256
	}
}

func (f *FactoryConfig) validate() []error {
	var errs []error
	if f.NumSelectorThreads < 1 {
		errs = append(errs, fmt.Errorf("num_selector_threads must be >= 1"))
	}
	if f.NumWorkerThreads < 0 {
		errs = append(errs, fmt.Errorf("num_worker_threads must be >= 0 (0 means inline I/O)"))
	}
	if f.MaxClientCnxns < 0 {
		errs = append(errs, fmt.Errorf("max_client_cnxns must be >= 0 (0 means unlimited)"))
	}
	return errs
}

// isqrt returns floor(sqrt(n)), or 1 for n <= 0, without pulling in
// math.Sqrt's float round-trip for what is always a small input (half
// the core count).
func isqrt(n int) int {
	if n <= 0 {
		return 1
	}
	r := 0
	for r*r <= n {
		r++
	}
	return r - 1
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func (d DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// KafkaConfig is the audit/alarm event bus: connection lifecycle events
// on TopicEvents, cap-breach alarms on TopicAlarms.
type KafkaConfig struct {
	Brokers       []string
	TopicEvents   string
	TopicAlarms   string
	NumPartitions int

	BatchSize    int
	BatchTimeout time.Duration
	Compression  string
	Async        bool
	MaxAttempts  int
	RequiredAcks int
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
}

// RollupConfig controls the periodic connection-count rollups,
// scheduled through the repurposed timer.TimerManager.
type RollupConfig struct {
	HourlyDelay time.Duration
	DailyTime   string
}

// AlarmConfig tunes the cap-breach alarm evaluator: how long after its
// first rejection a PENDING_ALARM peer must wait before it can promote to
// ALARMING, and how many rejections it must have accumulated by then.
type AlarmConfig struct {
	SustainWindow     time.Duration
	RejectionsToAlarm int
}

// Load reads .env for ambient service config, then an optional YAML
// tunables file (path from CNXNFACTORY_TUNABLES_FILE, default
// "tunables.yaml" if present) for the factory's own knobs, applying
// defaults and validating afterward.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "cnxnfactory_user"),
			Password: getEnv("DB_PASSWORD", "cnxnfactory_pass"),
			DBName:   getEnv("DB_NAME", "cnxnfactory_db"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers:       strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ","),
			TopicEvents:   getEnv("KAFKA_TOPIC_EVENTS", "cnxnfactory.lifecycle"),
			TopicAlarms:   getEnv("KAFKA_TOPIC_ALARMS", "cnxnfactory.alarms"),
			NumPartitions: getEnvAsInt("KAFKA_NUM_PARTITIONS", 10),
			BatchSize:     getEnvAsInt("KAFKA_BATCH_SIZE", 100),
			BatchTimeout:  getEnvAsDuration("KAFKA_BATCH_TIMEOUT", 100*time.Millisecond),
			Compression:   getEnv("KAFKA_COMPRESSION", "snappy"),
			Async:         getEnvAsBool("KAFKA_ASYNC", true),
			MaxAttempts:   getEnvAsInt("KAFKA_MAX_ATTEMPTS", 3),
			RequiredAcks:  getEnvAsInt("KAFKA_REQUIRED_ACKS", 1),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", "smtp.gmail.com"),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", "cnxnfactory@example.com"),
			To:       getEnv("SMTP_TO", "ops@example.com"),
		},
		Rollup: RollupConfig{
			HourlyDelay: getEnvAsDuration("ROLLUP_HOURLY_DELAY", 5*time.Minute),
			DailyTime:   getEnv("ROLLUP_DAILY_TIME", "00:05"),
		},
		Alarm: AlarmConfig{
			SustainWindow:     getEnvAsDuration("ALARM_SUSTAIN_WINDOW", 30*time.Second),
			RejectionsToAlarm: getEnvAsInt("ALARM_REJECTIONS_TO_ALARM", 5),
		},
		Factory: FactoryConfig{
			ListenAddr:             getEnv("FACTORY_LISTEN_ADDR", ""),
			Secure:                 getEnvAsBool("FACTORY_SECURE", false),
			SessionlessCnxnTimeout: getEnvAsDuration("FACTORY_SESSIONLESS_TIMEOUT", 0),
			NumSelectorThreads:     getEnvAsInt("FACTORY_NUM_SELECTORS", 0),
			NumWorkerThreads:       getEnvAsInt("FACTORY_NUM_WORKERS", 0),
			DirectBufferBytes:      getEnvAsInt("FACTORY_DIRECT_BUFFER_BYTES", 0),
			ShutdownTimeout:        getEnvAsDuration("FACTORY_SHUTDOWN_TIMEOUT", 0),
			MaxClientCnxns:         getEnvAsInt("FACTORY_MAX_CLIENT_CNXNS", 0),
		},
	}

	tunablesPath := getEnv("CNXNFACTORY_TUNABLES_FILE", "tunables.yaml")
	if err := applyTunablesFile(&cfg.Factory, tunablesPath); err != nil {
		return nil, err
	}

	cfg.Factory.setDefaults()
	if errs := cfg.Factory.validate(); len(errs) > 0 {
		return nil, fmt.Errorf("config: invalid factory tunables: %v", errs)
	}

	return cfg, nil
}

// applyTunablesFile merges YAML tunables over whatever env-derived
// values are already set, if the file exists. A missing file is not an
// error: tunables then fall back entirely to env vars and defaults.
func applyTunablesFile(f *FactoryConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read tunables file %s: %w", path, err)
	}

	var fromFile tunablesFile
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return fmt.Errorf("config: parse tunables file %s: %w", path, err)
	}

	mergeNonZero(f, &fromFile)
	return nil
}

func mergeNonZero(dst *FactoryConfig, src *tunablesFile) {
	if src.ListenAddr != "" {
		dst.ListenAddr = src.ListenAddr
	}
	if src.Secure {
		dst.Secure = src.Secure
	}
	if src.SessionlessCnxnTimeoutMs != 0 {
		dst.SessionlessCnxnTimeout = time.Duration(src.SessionlessCnxnTimeoutMs) * time.Millisecond
	}
	if src.NumSelectorThreads != 0 {
		dst.NumSelectorThreads = src.NumSelectorThreads
	}
	if src.NumWorkerThreads != 0 {
		dst.NumWorkerThreads = src.NumWorkerThreads
	}
	if src.DirectBufferBytes != 0 {
		dst.DirectBufferBytes = src.DirectBufferBytes
	}
	if src.ShutdownTimeoutMs != 0 {
		dst.ShutdownTimeout = time.Duration(src.ShutdownTimeoutMs) * time.Millisecond
	}
	if src.MaxClientCnxns != 0 {
		dst.MaxClientCnxns = src.MaxClientCnxns
	}
	if src.WorkerQueueDepth != 0 {
		dst.WorkerQueueDepth = src.WorkerQueueDepth
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
