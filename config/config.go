// Package config resolves runtime configuration for the server, worker and
// starter binaries. Values are resolved in order: defaults, YAML file,
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StoreLevelDB  = "leveldb"
	StorePostgres = "postgres"
)

type Config struct {
	ServiceName string
	HTTPAddr    string
	HealthPort  int
	GRPCPort    int

	StoreDriver string
	DatabaseURL string
	MaxDBConns  int
	LevelDBPath string

	RedisURL          string
	CatalogueCacheTTL time.Duration
	CatalogueURL      string
	CatalogueFile     string
	CatalogueTimeout  time.Duration
	DefaultCurrency   string

	GatewayURL         string
	GatewayKeyID       string
	GatewayKeySecret   string
	GatewayTimeout     time.Duration
	ConfirmWithGateway bool
	PendingGrace       time.Duration
	SigningSecret      string

	TokenDefaultTTL time.Duration
	TokenMaxTTL     time.Duration

	KafkaBrokers []string
	KafkaTopic   string
	// KafkaTopics routes individual event types to their own topic
	KafkaTopics map[string]string

	JWTSecret string

	TemporalHost      string
	TemporalNamespace string
	TaskQueue         string
	EncryptionEnabled bool
	// EncryptionKeys holds "id:base64key" entries; the first one encrypts
	EncryptionKeys []string

	NotifyURL      string
	SweepCron      string
	SweepRetention time.Duration

	LogLevel  string
	LogFormat string
}

type fileConfig struct {
	Service struct {
		Name       string `yaml:"name"`
		HTTPAddr   string `yaml:"http_addr"`
		HealthPort int    `yaml:"health_port"`
		GRPCPort   int    `yaml:"grpc_port"`
	} `yaml:"service"`
	Store struct {
		Driver      string `yaml:"driver"`
		DatabaseURL string `yaml:"database_url"`
		MaxConns    int    `yaml:"max_conns"`
		LevelDBPath string `yaml:"leveldb_path"`
	} `yaml:"store"`
	Catalogue struct {
		URL             string        `yaml:"url"`
		File            string        `yaml:"file"`
		Timeout         time.Duration `yaml:"timeout"`
		RedisURL        string        `yaml:"redis_url"`
		CacheTTL        time.Duration `yaml:"cache_ttl"`
		DefaultCurrency string        `yaml:"default_currency"`
	} `yaml:"catalogue"`
	Gateway struct {
		URL          string        `yaml:"url"`
		KeyID        string        `yaml:"key_id"`
		KeySecret    string        `yaml:"key_secret"`
		Timeout      time.Duration `yaml:"timeout"`
		Confirm      *bool         `yaml:"confirm"`
		PendingGrace time.Duration `yaml:"pending_grace"`
	} `yaml:"gateway"`
	Tokens struct {
		DefaultTTL time.Duration `yaml:"default_ttl"`
		MaxTTL     time.Duration `yaml:"max_ttl"`
	} `yaml:"tokens"`
	Kafka struct {
		Brokers []string          `yaml:"brokers"`
		Topic   string            `yaml:"topic"`
		Topics  map[string]string `yaml:"topics"`
	} `yaml:"kafka"`
	Temporal struct {
		Host      string `yaml:"host"`
		Namespace string `yaml:"namespace"`
		TaskQueue string `yaml:"task_queue"`
		NotifyURL string `yaml:"notify_url"`
		Sweep     struct {
			Cron      string        `yaml:"cron"`
			Retention time.Duration `yaml:"retention"`
		} `yaml:"sweep"`
	} `yaml:"temporal"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func defaults() Config {
	return Config{
		ServiceName:       "secure-delivery",
		HTTPAddr:          ":8080",
		HealthPort:        8090,
		GRPCPort:          9090,
		StoreDriver:       StoreLevelDB,
		MaxDBConns:        20,
		CatalogueCacheTTL: 5 * time.Minute,
		CatalogueTimeout:  5 * time.Second,
		DefaultCurrency:   "INR",
		GatewayTimeout:    10 * time.Second,
		TokenDefaultTTL:   24 * time.Hour,
		TokenMaxTTL:       7 * 24 * time.Hour,
		KafkaTopic:        "secure-delivery.events",
		TemporalHost:      "localhost:7233",
		TemporalNamespace: "default",
		TaskQueue:         "secure-delivery-queue",
		SweepCron:         "0 * * * *",
		SweepRetention:    24 * time.Hour,
		LogLevel:          "info",
		LogFormat:         "json",
	}
}

// Load reads path when it exists and applies environment overrides on top.
// A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			var f fileConfig
			if err := yaml.Unmarshal(raw, &f); err != nil {
				return Config{}, fmt.Errorf("parse config file: %w", err)
			}
			cfg.applyFile(f)
		case !errors.Is(err, os.ErrNotExist):
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(f fileConfig) {
	setString(&c.ServiceName, f.Service.Name)
	setString(&c.HTTPAddr, f.Service.HTTPAddr)
	setInt(&c.HealthPort, f.Service.HealthPort)
	setInt(&c.GRPCPort, f.Service.GRPCPort)

	setString(&c.StoreDriver, f.Store.Driver)
	setString(&c.DatabaseURL, f.Store.DatabaseURL)
	setInt(&c.MaxDBConns, f.Store.MaxConns)
	setString(&c.LevelDBPath, f.Store.LevelDBPath)

	setString(&c.CatalogueURL, f.Catalogue.URL)
	setString(&c.CatalogueFile, f.Catalogue.File)
	setDuration(&c.CatalogueTimeout, f.Catalogue.Timeout)
	setString(&c.RedisURL, f.Catalogue.RedisURL)
	setDuration(&c.CatalogueCacheTTL, f.Catalogue.CacheTTL)
	setString(&c.DefaultCurrency, f.Catalogue.DefaultCurrency)

	setString(&c.GatewayURL, f.Gateway.URL)
	setString(&c.GatewayKeyID, f.Gateway.KeyID)
	setString(&c.GatewayKeySecret, f.Gateway.KeySecret)
	setDuration(&c.GatewayTimeout, f.Gateway.Timeout)
	if f.Gateway.Confirm != nil {
		c.ConfirmWithGateway = *f.Gateway.Confirm
	}
	setDuration(&c.PendingGrace, f.Gateway.PendingGrace)

	setDuration(&c.TokenDefaultTTL, f.Tokens.DefaultTTL)
	setDuration(&c.TokenMaxTTL, f.Tokens.MaxTTL)

	if len(f.Kafka.Brokers) > 0 {
		c.KafkaBrokers = f.Kafka.Brokers
	}
	setString(&c.KafkaTopic, f.Kafka.Topic)
	if len(f.Kafka.Topics) > 0 {
		c.KafkaTopics = f.Kafka.Topics
	}

	setString(&c.TemporalHost, f.Temporal.Host)
	setString(&c.TemporalNamespace, f.Temporal.Namespace)
	setString(&c.TaskQueue, f.Temporal.TaskQueue)
	setString(&c.NotifyURL, f.Temporal.NotifyURL)
	setString(&c.SweepCron, f.Temporal.Sweep.Cron)
	setDuration(&c.SweepRetention, f.Temporal.Sweep.Retention)

	setString(&c.LogLevel, f.Log.Level)
	setString(&c.LogFormat, f.Log.Format)
}

func (c *Config) applyEnv() {
	c.HTTPAddr = envOrDefault("SD_HTTP_ADDR", c.HTTPAddr)
	c.HealthPort = envInt("HEALTH_PORT", c.HealthPort)
	c.GRPCPort = envInt("SD_GRPC_PORT", c.GRPCPort)

	c.StoreDriver = strings.ToLower(envOrDefault("SD_STORE_DRIVER", c.StoreDriver))
	c.DatabaseURL = envOrDefault("SD_DATABASE_URL", c.DatabaseURL)
	c.MaxDBConns = envInt("SD_DB_MAX_CONNS", c.MaxDBConns)
	c.LevelDBPath = envOrDefault("SD_LEVELDB_PATH", c.LevelDBPath)

	c.RedisURL = envOrDefault("SD_REDIS_URL", c.RedisURL)
	c.CatalogueCacheTTL = envDuration("SD_CATALOGUE_CACHE_TTL", c.CatalogueCacheTTL)
	c.CatalogueURL = envOrDefault("SD_CATALOGUE_URL", c.CatalogueURL)
	c.CatalogueFile = envOrDefault("SD_CATALOGUE_FILE", c.CatalogueFile)
	c.CatalogueTimeout = envDuration("SD_CATALOGUE_TIMEOUT", c.CatalogueTimeout)
	c.DefaultCurrency = strings.ToUpper(envOrDefault("SD_DEFAULT_CURRENCY", c.DefaultCurrency))

	c.GatewayURL = envOrDefault("SD_GATEWAY_URL", c.GatewayURL)
	c.GatewayKeyID = envOrDefault("SD_GATEWAY_KEY_ID", c.GatewayKeyID)
	c.GatewayKeySecret = envOrDefault("SD_GATEWAY_KEY_SECRET", c.GatewayKeySecret)
	c.GatewayTimeout = envDuration("SD_GATEWAY_TIMEOUT", c.GatewayTimeout)
	c.ConfirmWithGateway = envBool("SD_GATEWAY_CONFIRM", c.ConfirmWithGateway)
	c.PendingGrace = envDuration("SD_PENDING_GRACE", c.PendingGrace)
	c.SigningSecret = envOrDefault("SD_SIGNING_SECRET", c.SigningSecret)

	c.TokenDefaultTTL = envDuration("SD_TOKEN_TTL", c.TokenDefaultTTL)
	c.TokenMaxTTL = envDuration("SD_TOKEN_MAX_TTL", c.TokenMaxTTL)

	c.KafkaBrokers = envCSV("SD_KAFKA_BROKERS", c.KafkaBrokers)
	c.KafkaTopic = envOrDefault("SD_KAFKA_TOPIC", c.KafkaTopic)

	c.JWTSecret = envOrDefault("SD_JWT_SECRET", c.JWTSecret)

	c.TemporalHost = envOrDefault("TEMPORAL_HOST", c.TemporalHost)
	c.TemporalNamespace = envOrDefault("SD_TEMPORAL_NAMESPACE", c.TemporalNamespace)
	c.TaskQueue = envOrDefault("SD_TASK_QUEUE", c.TaskQueue)
	c.EncryptionEnabled = envBool("ENCRYPTION_ENABLED", c.EncryptionEnabled)
	c.EncryptionKeys = envCSV("SD_ENCRYPTION_KEYS", c.EncryptionKeys)

	c.NotifyURL = envOrDefault("SD_NOTIFY_URL", c.NotifyURL)
	c.SweepCron = envOrDefault("SD_SWEEP_CRON", c.SweepCron)
	c.SweepRetention = envDuration("SD_SWEEP_RETENTION", c.SweepRetention)

	c.LogLevel = envOrDefault("SD_LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOrDefault("SD_LOG_FORMAT", c.LogFormat)
}

// Validate checks the settings every binary depends on
func (c Config) Validate() error {
	switch c.StoreDriver {
	case StoreLevelDB:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("missing SD_DATABASE_URL for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	if c.CatalogueURL == "" && c.CatalogueFile == "" {
		return fmt.Errorf("missing SD_CATALOGUE_URL or SD_CATALOGUE_FILE")
	}
	if c.GatewayURL == "" {
		return fmt.Errorf("missing SD_GATEWAY_URL")
	}
	if len(c.SigningSecret) < 16 {
		return fmt.Errorf("SD_SIGNING_SECRET must be at least 16 bytes")
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("gateway timeout must be positive")
	}
	if c.TokenDefaultTTL <= 0 || c.TokenMaxTTL < c.TokenDefaultTTL {
		return fmt.Errorf("token ttl %s must be positive and not exceed max ttl %s", c.TokenDefaultTTL, c.TokenMaxTTL)
	}
	if c.EncryptionEnabled && len(c.EncryptionKeys) == 0 {
		return fmt.Errorf("missing SD_ENCRYPTION_KEYS while ENCRYPTION_ENABLED is set")
	}
	return nil
}

// RequireJWT is checked by binaries that serve the public API
func (c Config) RequireJWT() error {
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("SD_JWT_SECRET must be at least 32 bytes")
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

// envDuration accepts Go duration strings ("90s", "24h")
func envDuration(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envBool(name string, fallback bool) bool {
	switch os.Getenv(name) {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return fallback
	}
}

func envCSV(name string, fallback []string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	parts := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	if len(parts) == 0 {
		return fallback
	}
	return parts
}
