package activities

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/aswathylr-builds/secure-delivery/ledger"
	"github.com/aswathylr-builds/secure-delivery/models"
)

// Fulfiller is the part of the delivery service the worker drives
type Fulfiller interface {
	CompletePayment(ctx context.Context, providerOrderRef, providerPaymentRef, signature string) (ledger.Completion, error)
	EnsureToken(ctx context.Context, order models.Order, client models.ClientInfo) (models.DownloadToken, error)
	SweepExpiredTokens(ctx context.Context, retention time.Duration) (int64, error)
}

// FulfillmentActivities contains the activities of the fulfillment and sweep workflows
type FulfillmentActivities struct {
	Service    Fulfiller
	HTTPClient *http.Client
	NotifyURL  string
}

// NewFulfillmentActivities creates a new instance of FulfillmentActivities.
// An empty notifyURL disables link-ready notifications.
func NewFulfillmentActivities(service Fulfiller, notifyURL string) *FulfillmentActivities {
	return &FulfillmentActivities{
		Service: service,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		NotifyURL: notifyURL,
	}
}

// ConfirmPayment verifies the callback and completes the order
func (a *FulfillmentActivities) ConfirmPayment(ctx context.Context, cb models.PaymentCallback) (*models.ConfirmedPayment, error) {
	if activity.IsActivity(ctx) {
		logger := activity.GetLogger(ctx)
		logger.Info("Confirming payment", "provider_order_id", cb.ProviderOrderRef)
	}

	done, err := a.Service.CompletePayment(ctx, cb.ProviderOrderRef, cb.ProviderPaymentRef, cb.Signature)
	if err != nil {
		return nil, asActivityError(fmt.Errorf("failed to confirm payment: %w", err))
	}

	// the signature stays in the store, not in workflow history
	done.Order.ProviderSignature = ""
	if activity.IsActivity(ctx) {
		logger := activity.GetLogger(ctx)
		logger.Info("Payment confirmed", "order_id", done.Order.ID, "replayed", done.Replayed)
	}
	return &models.ConfirmedPayment{Order: done.Order, Replayed: done.Replayed}, nil
}

// EnsureToken makes sure the buyer of a completed order holds a live token.
// The token secret is never returned into workflow history.
func (a *FulfillmentActivities) EnsureToken(ctx context.Context, req models.IssueForOrder) (*models.IssuedLink, error) {
	if activity.IsActivity(ctx) {
		logger := activity.GetLogger(ctx)
		logger.Info("Ensuring download token", "order_id", req.Order.ID)
	}

	token, err := a.Service.EnsureToken(ctx, req.Order, req.Client)
	if err != nil {
		return nil, asActivityError(fmt.Errorf("failed to issue token: %w", err))
	}

	if activity.IsActivity(ctx) {
		logger := activity.GetLogger(ctx)
		logger.Info("Download token ready", "order_id", req.Order.ID, "token_id", token.ID)
	}
	return &models.IssuedLink{TokenID: token.ID, OrderID: token.OrderID, ExpiresAt: token.ExpiresAt}, nil
}

// NotifyLinkReady tells the notification service that a paid link exists
func (a *FulfillmentActivities) NotifyLinkReady(ctx context.Context, note models.LinkReadyNotification) (*models.NotificationResponse, error) {
	if a.NotifyURL == "" {
		return &models.NotificationResponse{Accepted: false, Message: "notifications disabled"}, nil
	}
	if activity.IsActivity(ctx) {
		logger := activity.GetLogger(ctx)
		logger.Info("Sending link-ready notification", "order_id", note.OrderID)
	}

	jsonData, err := json.Marshal(note)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.NotifyURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call notification service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError {
		return nil, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("notification service rejected request with status %d", resp.StatusCode), "NotificationRejected", nil)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("notification service returned status %d: %s", resp.StatusCode, string(body))
	}

	var out models.NotificationResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal notification response: %w", err)
	}

	if activity.IsActivity(ctx) {
		logger := activity.GetLogger(ctx)
		logger.Info("Notification sent", "order_id", note.OrderID, "accepted", out.Accepted)
	}
	return &out, nil
}

// SweepTokens deletes tokens that expired more than retention ago
func (a *FulfillmentActivities) SweepTokens(ctx context.Context, retention time.Duration) (int64, error) {
	removed, err := a.Service.SweepExpiredTokens(ctx, retention)
	if err != nil {
		return 0, asActivityError(fmt.Errorf("failed to sweep tokens: %w", err))
	}
	if activity.IsActivity(ctx) {
		logger := activity.GetLogger(ctx)
		logger.Info("Expired tokens swept", "removed", removed)
	}
	return removed, nil
}

// Application error types for failures that must not be retried
const (
	ErrTypeSignatureInvalid  = "SignatureInvalid"
	ErrTypeInvalidTransition = "InvalidTransition"
	ErrTypeValidationFailed  = "ValidationFailed"
	ErrTypePolicyDenied      = "PolicyDenied"
)

// asActivityError marks terminal domain failures as non-retryable. Everything
// else is left for the retry policy.
func asActivityError(err error) error {
	var errType string
	switch {
	case errors.Is(err, models.ErrSignatureInvalid):
		errType = ErrTypeSignatureInvalid
	case errors.Is(err, models.ErrInvalidTransition):
		errType = ErrTypeInvalidTransition
	case errors.Is(err, models.ErrValidationFailed):
		errType = ErrTypeValidationFailed
	case errors.Is(err, models.ErrPolicyDenied):
		errType = ErrTypePolicyDenied
	default:
		return err
	}
	return temporal.NewNonRetryableApplicationError(err.Error(), errType, err)
}
