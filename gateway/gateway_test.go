package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aswathylr-builds/secure-delivery/models"
)

func TestCreateOrderSendsBasicAuth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "key_id", user)
		assert.Equal(t, "key_secret", pass)
		assert.Equal(t, "/orders", r.URL.Path)

		var req models.GatewayOrderRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, int64(4900), req.Amount)

		_ = json.NewEncoder(w).Encode(models.GatewayOrder{ID: "order_1", Amount: req.Amount, Currency: req.Currency, Receipt: req.Receipt, Status: "created"})
	}))
	defer server.Close()

	c := NewClient(server.URL, "key_id", "key_secret", time.Second)
	order, err := c.CreateOrder(context.Background(), models.GatewayOrderRequest{Amount: 4900, Currency: "INR", Receipt: "o-1"})
	require.NoError(t, err)
	assert.Equal(t, "order_1", order.ID)
}

func TestGatewayTimeoutIsUpstreamTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	c := NewClient(server.URL, "k", "s", 50*time.Millisecond)
	_, err := c.CreateOrder(context.Background(), models.GatewayOrderRequest{Amount: 1, Currency: "INR"})
	assert.ErrorIs(t, err, models.ErrUpstreamTimeout)
}

func TestFetchPaymentStatuses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/payments/pay_1":
			_ = json.NewEncoder(w).Encode(models.GatewayPayment{ID: "pay_1", OrderID: "order_1", Amount: 4900, Currency: "INR", Status: models.PaymentCaptured})
		case "/payments/pay_500":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/payments/pay_400":
			w.WriteHeader(http.StatusBadRequest)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	c := NewClient(server.URL, "k", "s", time.Second)
	ctx := context.Background()

	payment, err := c.FetchPayment(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCaptured, payment.Status)

	_, err = c.FetchPayment(ctx, "pay_500")
	assert.ErrorIs(t, err, models.ErrUpstreamTimeout)

	_, err = c.FetchPayment(ctx, "pay_400")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, models.ErrUpstreamTimeout)

	_, err = c.FetchPayment(ctx, "pay_missing")
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}
