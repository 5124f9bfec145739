// Package config loads service configuration from defaults, an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar names the environment variable pointing at a YAML config file.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPaths are searched when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{"config.yaml", "config.yml"}

// Storage backends.
const (
	BackendGCS    = "gcs"
	BackendLocal  = "local"
	BackendBadger = "badger"
	BackendRedis  = "redis"
	BackendMongo  = "mongo"
)

// Watcher sources.
const (
	SourceStorage = "storage"
	SourceMongo   = "mongo"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Poll     PollConfig     `koanf:"poll"`
	Pathe    PatheConfig    `koanf:"pathe"`
	Storage  StorageConfig  `koanf:"storage"`
	Watchers WatchersConfig `koanf:"watchers"`
	Delivery DeliveryConfig `koanf:"delivery"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig configures the operational HTTP server.
type ServerConfig struct {
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// PollConfig configures the watch cycle loop.
type PollConfig struct {
	Interval   time.Duration `koanf:"interval" validate:"gt=0"`
	Workers    int           `koanf:"workers" validate:"min=1,max=64"`
	RunOnStart bool          `koanf:"run_on_start"`
}

// PatheConfig configures the schedule provider and the cinema directory.
type PatheConfig struct {
	BaseURL           string        `koanf:"base_url" validate:"required,url"`
	APIKey            string        `koanf:"api_key" validate:"required"`
	Timeout           time.Duration `koanf:"timeout" validate:"gt=0"`
	RequestsPerSecond float64       `koanf:"requests_per_second" validate:"gt=0"`
	Burst             int           `koanf:"burst" validate:"min=1"`
	Breaker           BreakerConfig `koanf:"breaker"`
	CinemasURL        string        `koanf:"cinemas_url" validate:"required,url"`
	CinemasRefresh    time.Duration `koanf:"cinemas_refresh" validate:"gt=0"`
	TimeZone          string        `koanf:"time_zone" validate:"required"`
}

// BreakerConfig configures the circuit breaker around the Pathé API.
type BreakerConfig struct {
	MinRequests  uint32        `koanf:"min_requests" validate:"min=1"`
	FailureRatio float64       `koanf:"failure_ratio" validate:"gt=0,lte=1"`
	Interval     time.Duration `koanf:"interval" validate:"gt=0"`
	Timeout      time.Duration `koanf:"timeout" validate:"gt=0"`
}

// StorageConfig selects and configures the snapshot cache.
type StorageConfig struct {
	Backend    string      `koanf:"backend" validate:"omitempty,oneof=gcs local badger redis mongo"`
	Bucket     string      `koanf:"bucket"`
	LocalPath  string      `koanf:"local_path"`
	BadgerPath string      `koanf:"badger_path"`
	Redis      RedisConfig `koanf:"redis"`
	Mongo      MongoConfig `koanf:"mongo"`
}

// RedisConfig configures the Redis snapshot cache.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db" validate:"min=0"`
	Prefix   string `koanf:"prefix"`
}

// MongoConfig configures the MongoDB connection.
type MongoConfig struct {
	URI      string `koanf:"uri"`
	Database string `koanf:"database"`
}

// WatchersConfig selects where watchers and users are read from.
type WatchersConfig struct {
	Source string `koanf:"source" validate:"oneof=storage mongo"`
}

// DeliveryConfig configures notification channels.
type DeliveryConfig struct {
	EmailProvider     string `koanf:"email_provider" validate:"omitempty,oneof=gmail brevo mock"`
	GoogleCredentials string `koanf:"google_credentials"`
	BrevoAPIKey       string `koanf:"brevo_api_key"`
	FromAddr          string `koanf:"from_addr" validate:"omitempty,email"`
	FromName          string `koanf:"from_name"`
	SMSSender         string `koanf:"sms_sender" validate:"max=11"`
	PushURL           string `koanf:"push_url" validate:"omitempty,url"`
	PushToken         string `koanf:"push_token"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level string `koanf:"level" validate:"oneof=debug info warn error"`
}

// SlogLevel returns the configured level.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
		},
		Poll: PollConfig{
			Interval:   15 * time.Minute,
			Workers:    4,
			RunOnStart: true,
		},
		Pathe: PatheConfig{
			BaseURL:           "https://connect.pathe.nl",
			Timeout:           30 * time.Second,
			RequestsPerSecond: 2,
			Burst:             2,
			Breaker: BreakerConfig{
				MinRequests:  10,
				FailureRatio: 0.6,
				Interval:     10 * time.Minute,
				Timeout:      2 * time.Minute,
			},
			CinemasURL:     "https://www.pathe.nl/bioscopen",
			CinemasRefresh: 24 * time.Hour,
			TimeZone:       "Europe/Amsterdam",
		},
		Storage: StorageConfig{
			BadgerPath: "./data/badger",
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "movienotifier:",
			},
			Mongo: MongoConfig{
				Database: "movienotifier",
			},
		},
		Watchers: WatchersConfig{
			Source: SourceStorage,
		},
		Delivery: DeliveryConfig{
			FromName:  "Movie Notifier",
			SMSSender: "MovieAlert",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load layers defaults, the optional YAML file and environment variables, then validates.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	cfg.applyDerivedDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate configuration: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envMappings maps environment variables to config paths.
var envMappings = map[string]string{
	"port":                    "server.port",
	"shutdown_timeout":        "server.shutdown_timeout",
	"poll_interval":           "poll.interval",
	"poll_workers":            "poll.workers",
	"poll_on_start":           "poll.run_on_start",
	"pathe_base_url":          "pathe.base_url",
	"pathe_api_key":           "pathe.api_key",
	"pathe_timeout":           "pathe.timeout",
	"pathe_rps":               "pathe.requests_per_second",
	"pathe_burst":             "pathe.burst",
	"pathe_breaker_min":       "pathe.breaker.min_requests",
	"pathe_breaker_ratio":     "pathe.breaker.failure_ratio",
	"pathe_breaker_interval":  "pathe.breaker.interval",
	"pathe_breaker_timeout":   "pathe.breaker.timeout",
	"pathe_cinemas_url":       "pathe.cinemas_url",
	"pathe_cinemas_refresh":   "pathe.cinemas_refresh",
	"time_zone":               "pathe.time_zone",
	"storage_backend":         "storage.backend",
	"storage_bucket":          "storage.bucket",
	"local_storage":           "storage.local_path",
	"badger_path":             "storage.badger_path",
	"redis_addr":              "storage.redis.addr",
	"redis_password":          "storage.redis.password",
	"redis_db":                "storage.redis.db",
	"redis_prefix":            "storage.redis.prefix",
	"mongo_uri":               "storage.mongo.uri",
	"mongo_database":          "storage.mongo.database",
	"watcher_source":          "watchers.source",
	"email_provider":          "delivery.email_provider",
	"google_credentials_json": "delivery.google_credentials",
	"brevo_api_key":           "delivery.brevo_api_key",
	"email_from":              "delivery.from_addr",
	"email_from_name":         "delivery.from_name",
	"sms_sender":              "delivery.sms_sender",
	"push_url":                "delivery.push_url",
	"push_token":              "delivery.push_token",
	"log_level":               "logging.level",
}

// envTransformFunc maps a known environment variable to its config path.
// Unknown variables map to "" and are ignored.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}

// applyDerivedDefaults fills settings that depend on other settings.
func (c *Config) applyDerivedDefaults() {
	// No bucket means local development mode
	if c.Storage.Bucket == "" && c.Storage.LocalPath == "" {
		c.Storage.LocalPath = "./data"
	}
	if c.Storage.Backend == "" {
		if c.Storage.LocalPath != "" {
			c.Storage.Backend = BackendLocal
		} else {
			c.Storage.Backend = BackendGCS
		}
	}
	if c.Delivery.EmailProvider == "" {
		switch {
		case c.Delivery.GoogleCredentials != "":
			c.Delivery.EmailProvider = "gmail"
		case c.Delivery.BrevoAPIKey != "":
			c.Delivery.EmailProvider = "brevo"
		default:
			c.Delivery.EmailProvider = "mock"
		}
	}
}

// ObjectStoreLocal reports whether the object store lives on the local filesystem.
// An explicit local path wins over a bucket.
func (c *Config) ObjectStoreLocal() bool {
	return c.Storage.LocalPath != ""
}

// UsesMongo reports whether any component needs a MongoDB connection.
func (c *Config) UsesMongo() bool {
	return c.Storage.Backend == BackendMongo || c.Watchers.Source == SourceMongo
}

// UsesObjectStore reports whether any component needs the GCS/local object store.
func (c *Config) UsesObjectStore() bool {
	return c.Storage.Backend == BackendGCS || c.Storage.Backend == BackendLocal || c.Watchers.Source == SourceStorage
}

// Validate checks field constraints and cross-field requirements.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	var errs []error
	if _, err := time.LoadLocation(c.Pathe.TimeZone); err != nil {
		errs = append(errs, fmt.Errorf("pathe.time_zone: %w", err))
	}
	switch c.Storage.Backend {
	case BackendGCS:
		if c.Storage.Bucket == "" || c.ObjectStoreLocal() {
			errs = append(errs, errors.New("storage.bucket is required and storage.local_path must be unset for the gcs backend"))
		}
	case BackendBadger:
		if c.Storage.BadgerPath == "" {
			errs = append(errs, errors.New("storage.badger_path is required for the badger backend"))
		}
	case BackendRedis:
		if c.Storage.Redis.Addr == "" {
			errs = append(errs, errors.New("storage.redis.addr is required for the redis backend"))
		}
	}
	if c.UsesMongo() && (c.Storage.Mongo.URI == "" || c.Storage.Mongo.Database == "") {
		errs = append(errs, errors.New("storage.mongo.uri and storage.mongo.database are required for mongo"))
	}
	switch c.Delivery.EmailProvider {
	case "brevo":
		if c.Delivery.BrevoAPIKey == "" || c.Delivery.FromAddr == "" {
			errs = append(errs, errors.New("delivery.brevo_api_key and delivery.from_addr are required for brevo email"))
		}
	}
	return errors.Join(errs...)
}
