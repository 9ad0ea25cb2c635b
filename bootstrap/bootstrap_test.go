package bootstrap

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aswathylr-builds/secure-delivery/config"
	"github.com/aswathylr-builds/secure-delivery/models"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	catPath := filepath.Join(dir, "catalogue.yaml")
	require.NoError(t, os.WriteFile(catPath, []byte(`
items:
  - id: notes-1
    access_classification: free
    storage_reference: notes/1.pdf
  - id: course-1
    access_classification: paid
    price: 4900
    storage_reference: courses/1.zip
`), 0o600))

	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(gw.Close)

	t.Setenv("SD_STORE_DRIVER", config.StoreLevelDB)
	t.Setenv("SD_LEVELDB_PATH", filepath.Join(dir, "ldb"))
	t.Setenv("SD_CATALOGUE_FILE", catPath)
	t.Setenv("SD_GATEWAY_URL", gw.URL)
	t.Setenv("SD_SIGNING_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("SD_JWT_SECRET", strings.Repeat("j", 32))
	t.Setenv("ENCRYPTION_ENABLED", "false")

	cfg, err := config.Load(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	return cfg
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewAssemblesService(t *testing.T) {
	cfg := testConfig(t)
	app, err := New(context.Background(), cfg, discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	ent, err := app.Service.GetEntitlement(context.Background(), "course-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionDenied, ent.Decision)
	assert.Equal(t, int64(4900), ent.Price)
}

func TestHTTPHandlerServesAPIAndHealth(t *testing.T) {
	cfg := testConfig(t)
	app, err := New(context.Background(), cfg, discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	hs := app.Health(0, nil)
	handler, err := app.HTTPHandler(hs.Handler())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/content/notes-1/entitlement", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "allow_direct")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"store"`)
	assert.Contains(t, rec.Body.String(), `"gateway"`)
}

func TestHTTPHandlerRequiresJWTSecret(t *testing.T) {
	cfg := testConfig(t)
	app, err := New(context.Background(), cfg, discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	app.Config.JWTSecret = ""
	_, err = app.HTTPHandler(nil)
	assert.Error(t, err)
}

func TestNewRejectsUnknownStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.StoreDriver = "sqlite"

	app, err := New(context.Background(), cfg, discard())
	assert.Error(t, err)
	assert.Nil(t, app)
}

func TestTemporalOptions(t *testing.T) {
	cfg := testConfig(t)

	opts, err := TemporalOptions(cfg, discard())
	require.NoError(t, err)
	assert.Equal(t, cfg.TemporalHost, opts.HostPort)
	assert.Nil(t, opts.DataConverter)
	assert.NotNil(t, opts.Logger)

	cfg.EncryptionEnabled = true
	cfg.EncryptionKeys = []string{"k1:" + base64.StdEncoding.EncodeToString(make([]byte, 32))}
	opts, err = TemporalOptions(cfg, discard())
	require.NoError(t, err)
	assert.NotNil(t, opts.DataConverter)

	cfg.EncryptionKeys = []string{"k1:" + base64.StdEncoding.EncodeToString([]byte("short"))}
	_, err = TemporalOptions(cfg, discard())
	assert.Error(t, err)
}
