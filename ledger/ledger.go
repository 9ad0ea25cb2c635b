// Package ledger drives the purchase lifecycle of paid content: it opens
// gateway orders, verifies payment callbacks and records refunds. The store's
// conditional writes decide every race; the ledger keeps no state of its own.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aswathylr-builds/secure-delivery/events"
	"github.com/aswathylr-builds/secure-delivery/gateway"
	"github.com/aswathylr-builds/secure-delivery/models"
	"github.com/aswathylr-builds/secure-delivery/store"
)

type Config struct {
	SigningSecret []byte
	// ConfirmWithGateway makes VerifyAndComplete fetch the payment from the gateway
	// before completing the order.
	ConfirmWithGateway bool
	GatewayTimeout     time.Duration
	// PendingGrace is how long a pending order may exist without a gateway
	// reference before it is treated as abandoned.
	PendingGrace time.Duration
}

type Dependencies struct {
	Config  Config
	Orders  store.Orders
	Gateway gateway.Gateway
	Events  events.Publisher
	Logger  *slog.Logger
	Now     func() time.Time
}

type Ledger struct {
	cfg     Config
	orders  store.Orders
	gateway gateway.Gateway
	events  events.Publisher
	logger  *slog.Logger
	nowFn   func() time.Time
}

// CreateResult is the outcome of opening a purchase
type CreateResult struct {
	Order           models.Order
	AlreadyEntitled bool
	// Reused is set when an existing pending order was returned.
	Reused bool
}

// Completion is the outcome of a verified payment
type Completion struct {
	Order    models.Order
	Replayed bool
}

func New(deps Dependencies) (*Ledger, error) {
	if len(deps.Config.SigningSecret) == 0 {
		return nil, fmt.Errorf("%w: payment signing secret is required", models.ErrValidationFailed)
	}
	if deps.Orders == nil || deps.Gateway == nil {
		return nil, fmt.Errorf("%w: ledger requires an order store and a gateway", models.ErrValidationFailed)
	}
	cfg := deps.Config
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 10 * time.Second
	}
	if cfg.PendingGrace <= 0 {
		cfg.PendingGrace = 2 * cfg.GatewayTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := deps.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &Ledger{
		cfg:     cfg,
		orders:  deps.Orders,
		gateway: deps.Gateway,
		events:  deps.Events,
		logger:  logger.With("module", "ledger"),
		nowFn:   nowFn,
	}, nil
}

// CreateOrder opens a purchase of item for requesterID, or returns the order
// that already settles or is settling that purchase.
func (l *Ledger) CreateOrder(ctx context.Context, requesterID string, item models.ContentItem) (CreateResult, error) {
	if err := item.Validate(); err != nil {
		return CreateResult{}, err
	}
	if item.Access != models.AccessPaid {
		return CreateResult{}, fmt.Errorf("%w: content item %s is not sold", models.ErrValidationFailed, item.ID)
	}
	if requesterID == "" {
		return CreateResult{}, fmt.Errorf("%w: requester is required", models.ErrValidationFailed)
	}
	logger := l.logger.With("operation", "create_order", "content_item_id", item.ID)

	for attempt := 0; attempt < 2; attempt++ {
		existing, done, err := l.existingPurchase(ctx, requesterID, item.ID)
		if err != nil || done {
			return existing, err
		}

		now := l.nowFn()
		order := models.Order{
			ID:            uuid.NewString(),
			RequesterID:   requesterID,
			ContentItemID: item.ID,
			Amount:        item.Price,
			Currency:      item.Currency,
			Status:        models.OrderPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		err = l.orders.CreateOrder(ctx, order)
		if errors.Is(err, store.ErrDuplicate) {
			// a concurrent creator won the pending slot; read its order
			logger.InfoContext(ctx, "pending order race lost", "outcome", "retry")
			continue
		}
		if err != nil {
			return CreateResult{}, fmt.Errorf("create order: %w", err)
		}
		return l.openAtGateway(ctx, order, logger)
	}
	return CreateResult{}, fmt.Errorf("%w: order creation in progress", models.ErrUpstreamTimeout)
}

// existingPurchase resolves an order that already answers the purchase request.
// done is false when a fresh order must be created.
func (l *Ledger) existingPurchase(ctx context.Context, requesterID, itemID string) (CreateResult, bool, error) {
	completed, err := l.orders.FindOrder(ctx, requesterID, itemID, models.OrderCompleted)
	if err == nil {
		return CreateResult{Order: completed, AlreadyEntitled: true}, true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return CreateResult{}, true, fmt.Errorf("find completed order: %w", err)
	}

	pending, err := l.orders.FindOrder(ctx, requesterID, itemID, models.OrderPending)
	if errors.Is(err, store.ErrNotFound) {
		return CreateResult{}, false, nil
	}
	if err != nil {
		return CreateResult{}, true, fmt.Errorf("find pending order: %w", err)
	}
	if pending.ProviderOrderRef != "" {
		return CreateResult{Order: pending, Reused: true}, true, nil
	}
	if l.nowFn().Sub(pending.CreatedAt) < l.cfg.PendingGrace {
		return CreateResult{}, true, fmt.Errorf("%w: order creation in progress", models.ErrUpstreamTimeout)
	}
	// the creator never reached the gateway; release the pair
	if _, err := l.fail(ctx, pending, "abandoned before gateway order"); err != nil && !errors.Is(err, store.ErrStale) {
		return CreateResult{}, true, err
	}
	return CreateResult{}, false, nil
}

func (l *Ledger) openAtGateway(ctx context.Context, order models.Order, logger *slog.Logger) (CreateResult, error) {
	gwCtx, cancel := context.WithTimeout(ctx, l.cfg.GatewayTimeout)
	defer cancel()

	gwOrder, err := l.gateway.CreateOrder(gwCtx, models.GatewayOrderRequest{
		Amount:   order.Amount,
		Currency: order.Currency,
		Receipt:  order.ID,
		Notes:    map[string]string{"content_item_id": order.ContentItemID},
	})
	if err != nil {
		logger.WarnContext(ctx, "gateway order failed", "outcome", "failure", "order_id", order.ID, "error", err)
		l.failQuietly(ctx, logger, order, "gateway order failed")
		return CreateResult{}, fmt.Errorf("%w: create gateway order", models.ErrUpstreamTimeout)
	}

	assigned, err := l.orders.AssignProviderRef(ctx, order.ID, gwOrder.ID, l.nowFn())
	if err != nil {
		l.failQuietly(ctx, logger, order, "provider reference rejected")
		return CreateResult{}, fmt.Errorf("assign provider reference: %w", err)
	}

	logger.InfoContext(ctx, "order created", "outcome", "success", "order_id", assigned.ID, "provider_order_id", assigned.ProviderOrderRef)
	events.Emit(ctx, l.events, l.logger, events.New(events.OrderCreated, assigned.ID, assigned.CreatedAt, map[string]string{
		"order_id":          assigned.ID,
		"provider_order_id": assigned.ProviderOrderRef,
		"content_item_id":   assigned.ContentItemID,
	}))
	return CreateResult{Order: assigned}, nil
}

// VerifyAndComplete checks a payment callback and completes the order it names.
// Any mismatch against a pending order fails that order permanently.
func (l *Ledger) VerifyAndComplete(ctx context.Context, providerOrderRef, providerPaymentRef, signature string) (Completion, error) {
	logger := l.logger.With("operation", "verify_and_complete", "provider_order_id", providerOrderRef)

	if providerOrderRef == "" {
		return Completion{}, fmt.Errorf("%w: missing provider order reference", models.ErrSignatureInvalid)
	}
	order, err := l.orders.GetOrderByProviderRef(ctx, providerOrderRef)
	if errors.Is(err, store.ErrNotFound) {
		logger.WarnContext(ctx, "payment callback for unknown order", "outcome", "rejected", "security", true)
		return Completion{}, models.ErrSignatureInvalid
	}
	if err != nil {
		return Completion{}, fmt.Errorf("load order: %w", err)
	}

	valid := VerifySignature(l.cfg.SigningSecret, providerOrderRef, providerPaymentRef, signature)

	for attempt := 0; attempt < 2; attempt++ {
		switch order.Status {
		case models.OrderCompleted:
			if valid && providerPaymentRef == order.ProviderPaymentRef {
				logger.InfoContext(ctx, "payment callback replayed", "outcome", "replayed", "order_id", order.ID)
				return Completion{Order: order, Replayed: true}, nil
			}
			l.securityEvent(ctx, logger, order, "mismatched callback against completed order")
			return Completion{}, models.ErrSignatureInvalid

		case models.OrderFailed, models.OrderRefunded:
			return Completion{}, fmt.Errorf("%w: order is %s", models.ErrInvalidTransition, order.Status)

		case models.OrderPending:
			if !valid {
				l.securityEvent(ctx, logger, order, "signature mismatch")
				l.failQuietly(ctx, logger, order, "signature mismatch")
				return Completion{}, models.ErrSignatureInvalid
			}

			gatewayStatus, err := l.confirm(ctx, logger, order, providerPaymentRef)
			if err != nil {
				return Completion{}, err
			}

			change := models.OrderChange{
				ProviderPaymentRef: providerPaymentRef,
				ProviderSignature:  signature,
				At:                 l.nowFn(),
			}
			if gatewayStatus != "" {
				change.Metadata = map[string]string{models.MetaGatewayStatus: gatewayStatus}
			}
			completed, err := l.orders.TransitionOrder(ctx, order.ID, models.OrderPending, models.OrderCompleted, change)
			if errors.Is(err, store.ErrStale) {
				// another callback settled the order first; judge against its result
				if order, err = l.orders.GetOrder(ctx, order.ID); err != nil {
					return Completion{}, fmt.Errorf("reload order: %w", err)
				}
				continue
			}
			if err != nil {
				return Completion{}, fmt.Errorf("complete order: %w", err)
			}

			logger.InfoContext(ctx, "order completed", "outcome", "success", "order_id", completed.ID)
			events.Emit(ctx, l.events, l.logger, events.New(events.PaymentCompleted, completed.ID, change.At, map[string]string{
				"order_id":            completed.ID,
				"provider_order_id":   completed.ProviderOrderRef,
				"provider_payment_id": completed.ProviderPaymentRef,
				"content_item_id":     completed.ContentItemID,
			}))
			return Completion{Order: completed}, nil
		}
	}
	return Completion{}, fmt.Errorf("%w: order state changed concurrently", models.ErrInvalidTransition)
}

// confirm asks the gateway whether the payment is captured against order.
// It returns the gateway status, or "" when confirmation is disabled.
func (l *Ledger) confirm(ctx context.Context, logger *slog.Logger, order models.Order, paymentRef string) (string, error) {
	if !l.cfg.ConfirmWithGateway {
		return "", nil
	}
	gwCtx, cancel := context.WithTimeout(ctx, l.cfg.GatewayTimeout)
	defer cancel()

	payment, err := l.gateway.FetchPayment(gwCtx, paymentRef)
	switch {
	case err == nil:
	case errors.Is(err, gateway.ErrPaymentNotFound):
		l.securityEvent(ctx, logger, order, "payment unknown to gateway")
		l.failQuietly(ctx, logger, order, "payment unknown to gateway")
		return "", models.ErrSignatureInvalid
	default:
		logger.WarnContext(ctx, "gateway confirmation failed", "outcome", "failure", "order_id", order.ID, "error", err)
		l.failQuietly(ctx, logger, order, "gateway confirmation unavailable")
		return "", fmt.Errorf("%w: confirm payment", models.ErrUpstreamTimeout)
	}

	if payment.Status != models.PaymentCaptured ||
		payment.OrderID != order.ProviderOrderRef ||
		payment.Amount != order.Amount ||
		!strings.EqualFold(payment.Currency, order.Currency) {
		l.securityEvent(ctx, logger, order, "gateway payment does not match order")
		l.failQuietly(ctx, logger, order, "gateway payment mismatch")
		return "", models.ErrSignatureInvalid
	}
	return payment.Status, nil
}

// Refund moves a completed order to refunded. Tokens already issued are left alone.
func (l *Ledger) Refund(ctx context.Context, orderID, actor, reason string) (models.Order, error) {
	if actor == "" {
		return models.Order{}, fmt.Errorf("%w: refund actor is required", models.ErrValidationFailed)
	}
	order, err := l.Order(ctx, orderID)
	if err != nil {
		return models.Order{}, err
	}
	if !order.Status.CanTransition(models.OrderRefunded) {
		return models.Order{}, fmt.Errorf("%w: cannot refund a %s order", models.ErrInvalidTransition, order.Status)
	}

	refunded, err := l.orders.TransitionOrder(ctx, order.ID, models.OrderCompleted, models.OrderRefunded, models.OrderChange{
		Metadata: map[string]string{
			models.MetaRefundedBy:   actor,
			models.MetaRefundReason: reason,
		},
		At: l.nowFn(),
	})
	if errors.Is(err, store.ErrStale) {
		return models.Order{}, fmt.Errorf("%w: order changed during refund", models.ErrInvalidTransition)
	}
	if err != nil {
		return models.Order{}, fmt.Errorf("refund order: %w", err)
	}

	l.logger.InfoContext(ctx, "order refunded", "operation", "refund", "outcome", "success", "order_id", refunded.ID, "actor", actor)
	events.Emit(ctx, l.events, l.logger, events.New(events.OrderRefunded, refunded.ID, refunded.UpdatedAt, map[string]string{
		"order_id":    refunded.ID,
		"refunded_by": actor,
	}))
	return refunded, nil
}

// Order reads one order by id
func (l *Ledger) Order(ctx context.Context, orderID string) (models.Order, error) {
	order, err := l.orders.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Order{}, models.ErrOrderNotFound
	}
	if err != nil {
		return models.Order{}, fmt.Errorf("load order: %w", err)
	}
	return order, nil
}

// CompletedOrder returns the order that entitles requesterID to itemID
func (l *Ledger) CompletedOrder(ctx context.Context, requesterID, itemID string) (models.Order, error) {
	order, err := l.orders.FindOrder(ctx, requesterID, itemID, models.OrderCompleted)
	if errors.Is(err, store.ErrNotFound) {
		return models.Order{}, fmt.Errorf("%w: no completed purchase", models.ErrPolicyDenied)
	}
	if err != nil {
		return models.Order{}, fmt.Errorf("find completed order: %w", err)
	}
	return order, nil
}

func (l *Ledger) fail(ctx context.Context, order models.Order, reason string) (models.Order, error) {
	failed, err := l.orders.TransitionOrder(ctx, order.ID, models.OrderPending, models.OrderFailed, models.OrderChange{
		Metadata: map[string]string{models.MetaFailureReason: reason},
		At:       l.nowFn(),
	})
	if err != nil {
		return models.Order{}, err
	}
	events.Emit(ctx, l.events, l.logger, events.New(events.OrderFailed, failed.ID, failed.UpdatedAt, map[string]string{
		"order_id":       failed.ID,
		"failure_reason": reason,
	}))
	return failed, nil
}

func (l *Ledger) failQuietly(ctx context.Context, logger *slog.Logger, order models.Order, reason string) {
	if _, err := l.fail(ctx, order, reason); err != nil && !errors.Is(err, store.ErrStale) {
		logger.ErrorContext(ctx, "mark order failed", "order_id", order.ID, "error", err)
	}
}

func (l *Ledger) securityEvent(ctx context.Context, logger *slog.Logger, order models.Order, reason string) {
	logger.WarnContext(ctx, "payment verification rejected",
		"outcome", "rejected",
		"security", true,
		"order_id", order.ID,
		"reason", reason,
	)
	event := events.New(events.PaymentSignatureInvalid, order.ID, l.nowFn(), map[string]string{
		"order_id":          order.ID,
		"provider_order_id": order.ProviderOrderRef,
		"reason":            reason,
	})
	event.Security = true
	events.Emit(ctx, l.events, l.logger, event)
}
