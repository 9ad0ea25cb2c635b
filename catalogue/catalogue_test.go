package catalogue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aswathylr-builds/secure-delivery/models"
)

func TestHTTPCatalogueItem(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/items/paid-1":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id":                    "paid-1",
				"access_classification": "PAID",
				"price":                 4900,
				"storage_reference":     "bucket/paid-1.pdf",
			})
		case "/items/bogus":
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "bogus", "access_classification": "public"})
		case "/items/broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	c := NewHTTPCatalogue(server.URL+"/", "inr", time.Second)
	ctx := context.Background()

	item, err := c.Item(ctx, "paid-1")
	require.NoError(t, err)
	assert.Equal(t, models.AccessPaid, item.Access)
	assert.Equal(t, "INR", item.Currency)
	assert.Equal(t, int64(4900), item.Price)

	_, err = c.Item(ctx, "bogus")
	assert.ErrorIs(t, err, models.ErrValidationFailed)

	_, err = c.Item(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrContentNotFound)

	_, err = c.Item(ctx, "broken")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, models.ErrContentNotFound)
}

func TestLoadStatic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalogue.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
currency: usd
items:
  - id: notes-1
    access_classification: free
    storage_reference: notes/1.pdf
  - id: course-1
    access_classification: paid
    price: 1500
    storage_reference: courses/1.zip
  - id: vault-1
    access_classification: vault_restricted
    external_vault_reference: https://vault.example.com/v/1
`), 0o600))

	s, err := LoadStatic(path, "INR")
	require.NoError(t, err)

	course, err := s.Item(context.Background(), "course-1")
	require.NoError(t, err)
	assert.Equal(t, "USD", course.Currency)

	vault, err := s.Item(context.Background(), "vault-1")
	require.NoError(t, err)
	assert.Equal(t, models.AccessVaultRestricted, vault.Access)

	_, err = s.Item(context.Background(), "nope")
	assert.ErrorIs(t, err, models.ErrContentNotFound)
}

func TestNewStaticRejectsInvalidItems(t *testing.T) {
	_, err := NewStatic("INR", models.ContentItem{ID: "x", Access: "premium"})
	assert.ErrorIs(t, err, models.ErrValidationFailed)

	_, err = NewStatic("INR",
		models.ContentItem{ID: "x", Access: models.AccessFree},
		models.ContentItem{ID: "x", Access: models.AccessFree},
	)
	assert.ErrorIs(t, err, models.ErrValidationFailed)
}

func TestCachedFallsBackToOriginWhenRedisIsDown(t *testing.T) {
	origin, err := NewStatic("INR", models.ContentItem{ID: "notes-1", Access: models.AccessFree, StorageReference: "notes/1.pdf"})
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	c := NewCached(origin, client, time.Minute, nil)
	item, err := c.Item(context.Background(), "notes-1")
	require.NoError(t, err)
	assert.Equal(t, "notes/1.pdf", item.StorageReference)

	_, err = c.Item(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrContentNotFound)
}
