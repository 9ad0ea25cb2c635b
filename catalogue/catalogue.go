// Package catalogue resolves content items from the catalogue collaborator.
// Every implementation re-validates the access classification of what it
// returns; an item with an unknown class is never handed to callers.
package catalogue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aswathylr-builds/secure-delivery/models"
)

// Catalogue returns the read-only view of a content item
type Catalogue interface {
	Item(ctx context.Context, id string) (models.ContentItem, error)
}

// normalize fills the default currency and validates the item
func normalize(item models.ContentItem, defaultCurrency string) (models.ContentItem, error) {
	class, err := models.ParseAccessClass(string(item.Access))
	if err != nil {
		return models.ContentItem{}, err
	}
	item.Access = class
	if item.Access == models.AccessPaid && item.Currency == "" {
		item.Currency = defaultCurrency
	}
	item.Currency = strings.ToUpper(item.Currency)
	if err := item.Validate(); err != nil {
		return models.ContentItem{}, err
	}
	return item, nil
}

// HTTPCatalogue reads items from the catalogue service over HTTP
type HTTPCatalogue struct {
	HTTPClient      *http.Client
	BaseURL         string
	DefaultCurrency string
}

// NewHTTPCatalogue creates a new catalogue client
func NewHTTPCatalogue(baseURL, defaultCurrency string, timeout time.Duration) *HTTPCatalogue {
	return &HTTPCatalogue{
		HTTPClient:      &http.Client{Timeout: timeout},
		BaseURL:         strings.TrimRight(baseURL, "/"),
		DefaultCurrency: defaultCurrency,
	}
}

func (c *HTTPCatalogue) Item(ctx context.Context, id string) (models.ContentItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/items/"+url.PathEscape(id), nil)
	if err != nil {
		return models.ContentItem{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return models.ContentItem{}, fmt.Errorf("failed to call catalogue service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.ContentItem{}, fmt.Errorf("failed to read response body: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return models.ContentItem{}, fmt.Errorf("%w: %s", models.ErrContentNotFound, id)
	case resp.StatusCode != http.StatusOK:
		return models.ContentItem{}, fmt.Errorf("catalogue service returned status %d: %s", resp.StatusCode, string(bytes.TrimSpace(body)))
	}

	var item models.ContentItem
	if err := json.Unmarshal(body, &item); err != nil {
		return models.ContentItem{}, fmt.Errorf("failed to unmarshal catalogue item: %w", err)
	}
	if item.ID != id {
		return models.ContentItem{}, fmt.Errorf("%w: catalogue returned item %q for %q", models.ErrValidationFailed, item.ID, id)
	}
	return normalize(item, c.DefaultCurrency)
}

// Static is a fixed catalogue, seeded from YAML for local runs and tests
type Static struct {
	items map[string]models.ContentItem
}

type staticFile struct {
	Currency string               `yaml:"currency"`
	Items    []models.ContentItem `yaml:"items"`
}

// NewStatic validates items and indexes them by id
func NewStatic(defaultCurrency string, items ...models.ContentItem) (*Static, error) {
	s := &Static{items: make(map[string]models.ContentItem, len(items))}
	for _, item := range items {
		normalized, err := normalize(item, defaultCurrency)
		if err != nil {
			return nil, err
		}
		if _, dup := s.items[normalized.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate content item %s", models.ErrValidationFailed, normalized.ID)
		}
		s.items[normalized.ID] = normalized
	}
	return s, nil
}

// LoadStatic reads a YAML seed file of the form {currency, items: [...]}
func LoadStatic(path, defaultCurrency string) (*Static, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalogue file: %w", err)
	}
	var file staticFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse catalogue file: %w", err)
	}
	if file.Currency != "" {
		defaultCurrency = file.Currency
	}
	return NewStatic(defaultCurrency, file.Items...)
}

func (s *Static) Item(_ context.Context, id string) (models.ContentItem, error) {
	item, ok := s.items[id]
	if !ok {
		return models.ContentItem{}, fmt.Errorf("%w: %s", models.ErrContentNotFound, id)
	}
	return item, nil
}
