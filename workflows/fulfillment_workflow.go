package workflows

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/aswathylr-builds/secure-delivery/models"
)

// RetryPolicy configuration
type RetryPolicy = temporal.RetryPolicy

const (
	FulfillmentWorkflowName = "FulfillmentWorkflow"
	SweepWorkflowName       = "SweepWorkflow"
	StatusQuery             = "getStatus"
)

// FulfillmentWorkflowID is one id per provider order, so redelivered
// callbacks join the running fulfillment instead of starting another.
func FulfillmentWorkflowID(providerOrderRef string) string {
	return fmt.Sprintf("fulfillment-%s", providerOrderRef)
}

// FulfillmentWorkflow completes a paid order from a gateway callback, makes
// sure the buyer holds a live download token and notifies them.
func FulfillmentWorkflow(ctx workflow.Context, cb models.PaymentCallback) (*models.FulfillmentStatus, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Fulfillment workflow started", "provider_order_id", cb.ProviderOrderRef)

	state := &models.FulfillmentStatus{
		ProviderOrderRef: cb.ProviderOrderRef,
		Stage:            models.StageConfirm,
		LastUpdated:      workflow.Now(ctx),
	}

	err := workflow.SetQueryHandler(ctx, StatusQuery, func() (*models.FulfillmentStatus, error) {
		return state, nil
	})
	if err != nil {
		logger.Error("Failed to register query handler", "error", err)
		return nil, err
	}

	fail := func(err error) (*models.FulfillmentStatus, error) {
		state.Stage = models.StageFailed
		state.Error = err.Error()
		state.LastUpdated = workflow.Now(ctx)
		return nil, err
	}

	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout:    30 * time.Second,
		ScheduleToStartTimeout: time.Minute,
		RetryPolicy: &RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    10,
		},
	}
	actCtx := workflow.WithActivityOptions(ctx, activityOptions)

	// Step 1: verify the callback and complete the order
	var confirmed models.ConfirmedPayment
	err = workflow.ExecuteActivity(actCtx, "ConfirmPayment", cb).Get(ctx, &confirmed)
	if err != nil {
		logger.Error("Payment confirmation failed", "provider_order_id", cb.ProviderOrderRef, "error", err)
		return fail(err)
	}
	state.OrderID = confirmed.Order.ID
	state.Replayed = confirmed.Replayed

	// Step 2: issuance is idempotent per order, so retries are safe
	state.Stage = models.StageIssue
	state.LastUpdated = workflow.Now(ctx)

	var link models.IssuedLink
	err = workflow.ExecuteActivity(actCtx, "EnsureToken", models.IssueForOrder{
		Order:  confirmed.Order,
		Client: cb.Client,
	}).Get(ctx, &link)
	if err != nil {
		logger.Error("Token issuance failed", "order_id", confirmed.Order.ID, "error", err)
		return fail(err)
	}
	state.Link = &link

	// Step 3: notify the buyer; a failed notification does not fail fulfillment
	state.Stage = models.StageNotify
	state.LastUpdated = workflow.Now(ctx)

	notifyCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 15 * time.Second,
		RetryPolicy: &RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    10 * time.Second,
			MaximumAttempts:    3,
		},
	})
	var notified models.NotificationResponse
	err = workflow.ExecuteActivity(notifyCtx, "NotifyLinkReady", models.LinkReadyNotification{
		OrderID:       confirmed.Order.ID,
		RequesterID:   confirmed.Order.RequesterID,
		ContentItemID: confirmed.Order.ContentItemID,
		TokenID:       link.TokenID,
		ExpiresAt:     link.ExpiresAt,
	}).Get(ctx, &notified)
	if err != nil {
		logger.Warn("Notification failed but order fulfilled", "order_id", confirmed.Order.ID, "error", err)
	}
	state.Notified = err == nil && notified.Accepted

	state.Stage = models.StageCompleted
	state.LastUpdated = workflow.Now(ctx)
	logger.Info("Fulfillment workflow completed", "order_id", confirmed.Order.ID, "token_id", link.TokenID)
	return state, nil
}
