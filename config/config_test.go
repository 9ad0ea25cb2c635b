package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func minimalEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SD_CATALOGUE_FILE", "catalogue.yaml")
	t.Setenv("SD_GATEWAY_URL", "http://gateway.local")
	t.Setenv("SD_SIGNING_SECRET", "0123456789abcdef0123")
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	minimalEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, StoreLevelDB, cfg.StoreDriver)
	assert.Equal(t, 10*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, 24*time.Hour, cfg.TokenDefaultTTL)
	assert.Equal(t, "localhost:7233", cfg.TemporalHost)
	assert.Equal(t, "secure-delivery-queue", cfg.TaskQueue)
	assert.False(t, cfg.ConfirmWithGateway)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  driver: postgres
  database_url: postgres://file/db
catalogue:
  url: http://catalogue.local
  cache_ttl: 30s
gateway:
  url: http://gateway.local
  timeout: 3s
  confirm: true
tokens:
  default_ttl: 2h
kafka:
  brokers: [kafka-1:9092, kafka-2:9092]
  topics:
    payment.signature_invalid: security.events
temporal:
  sweep:
    cron: "*/15 * * * *"
`), 0o600))

	t.Setenv("SD_SIGNING_SECRET", "0123456789abcdef0123")
	t.Setenv("SD_DATABASE_URL", "postgres://env/db")
	t.Setenv("SD_TOKEN_MAX_TTL", "48h")
	t.Setenv("TEMPORAL_HOST", "temporal:7233")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, StorePostgres, cfg.StoreDriver)
	assert.Equal(t, "postgres://env/db", cfg.DatabaseURL)
	assert.Equal(t, 30*time.Second, cfg.CatalogueCacheTTL)
	assert.Equal(t, 3*time.Second, cfg.GatewayTimeout)
	assert.True(t, cfg.ConfirmWithGateway)
	assert.Equal(t, 2*time.Hour, cfg.TokenDefaultTTL)
	assert.Equal(t, 48*time.Hour, cfg.TokenMaxTTL)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "security.events", cfg.KafkaTopics["payment.signature_invalid"])
	assert.Equal(t, "*/15 * * * *", cfg.SweepCron)
	assert.Equal(t, "temporal:7233", cfg.TemporalHost)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store: [unclosed"), 0o600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "parse config file")
}

func TestValidate(t *testing.T) {
	valid := defaults()
	valid.CatalogueFile = "catalogue.yaml"
	valid.GatewayURL = "http://gateway.local"
	valid.SigningSecret = "0123456789abcdef0123"
	require.NoError(t, valid.Validate())

	cases := map[string]func(c *Config){
		"short signing secret": func(c *Config) { c.SigningSecret = "short" },
		"no catalogue":         func(c *Config) { c.CatalogueFile = "" },
		"no gateway":           func(c *Config) { c.GatewayURL = "" },
		"postgres without url": func(c *Config) { c.StoreDriver = StorePostgres },
		"unknown driver":       func(c *Config) { c.StoreDriver = "sqlite" },
		"ttl above max":        func(c *Config) { c.TokenDefaultTTL = c.TokenMaxTTL + time.Hour },
		"encryption no keys":   func(c *Config) { c.EncryptionEnabled = true },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestRequireJWT(t *testing.T) {
	c := defaults()
	assert.Error(t, c.RequireJWT())
	c.JWTSecret = "0123456789abcdef0123456789abcdef"
	assert.NoError(t, c.RequireJWT())
}

func TestEnvHelpersFallBackOnGarbage(t *testing.T) {
	t.Setenv("SD_TEST_INT", "abc")
	t.Setenv("SD_TEST_DURATION", "soon")
	t.Setenv("SD_TEST_BOOL", "maybe")
	t.Setenv("SD_TEST_CSV", " , ")

	assert.Equal(t, 7, envInt("SD_TEST_INT", 7))
	assert.Equal(t, time.Minute, envDuration("SD_TEST_DURATION", time.Minute))
	assert.True(t, envBool("SD_TEST_BOOL", true))
	assert.Equal(t, []string{"x"}, envCSV("SD_TEST_CSV", []string{"x"}))
}
