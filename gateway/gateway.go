// Package gateway talks to the third-party payment gateway.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aswathylr-builds/secure-delivery/models"
)

// ErrPaymentNotFound is returned when the gateway has no record of a payment
var ErrPaymentNotFound = errors.New("payment not found at gateway")

// Gateway is the subset of the payment provider API the ledger needs
type Gateway interface {
	CreateOrder(ctx context.Context, req models.GatewayOrderRequest) (models.GatewayOrder, error)
	FetchPayment(ctx context.Context, paymentRef string) (models.GatewayPayment, error)
}

// Client is an HTTP gateway client using basic auth with the key id and secret
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
	KeyID      string
	KeySecret  string
}

// NewClient creates a gateway client whose every call is bounded by timeout
func NewClient(baseURL, keyID, keySecret string, timeout time.Duration) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: timeout},
		BaseURL:    strings.TrimRight(baseURL, "/"),
		KeyID:      keyID,
		KeySecret:  keySecret,
	}
}

func (c *Client) CreateOrder(ctx context.Context, req models.GatewayOrderRequest) (models.GatewayOrder, error) {
	var order models.GatewayOrder
	if err := c.do(ctx, http.MethodPost, "/orders", req, &order); err != nil {
		return models.GatewayOrder{}, fmt.Errorf("create gateway order: %w", err)
	}
	if order.ID == "" {
		return models.GatewayOrder{}, fmt.Errorf("create gateway order: %w: empty order id", models.ErrUpstreamTimeout)
	}
	return order, nil
}

func (c *Client) FetchPayment(ctx context.Context, paymentRef string) (models.GatewayPayment, error) {
	var payment models.GatewayPayment
	if err := c.do(ctx, http.MethodGet, "/payments/"+url.PathEscape(paymentRef), nil, &payment); err != nil {
		return models.GatewayPayment{}, fmt.Errorf("fetch gateway payment: %w", err)
	}
	return payment, nil
}

// do performs one request. Transport failures, timeouts and 5xx replies are
// reported as models.ErrUpstreamTimeout so callers can treat them uniformly.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		jsonData, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(c.KeyID, c.KeySecret)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrUpstreamTimeout, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read response body: %v", models.ErrUpstreamTimeout, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrPaymentNotFound
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: gateway returned status %d", models.ErrUpstreamTimeout, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, string(bytes.TrimSpace(respBody)))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal gateway response: %w", err)
	}
	return nil
}
