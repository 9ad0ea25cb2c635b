package models

import (
	"fmt"
	"time"
)

// OrderStatus is the lifecycle state of a purchase attempt
type OrderStatus string

// Order statuses
const (
	OrderPending   OrderStatus = "pending"
	OrderCompleted OrderStatus = "completed"
	OrderFailed    OrderStatus = "failed"
	OrderRefunded  OrderStatus = "refunded"
)

// Metadata keys recorded on orders
const (
	MetaFailureReason = "failure_reason"
	MetaRefundedBy    = "refunded_by"
	MetaRefundReason  = "refund_reason"
	MetaGatewayStatus = "gateway_status"
)

// ParseOrderStatus maps a stored status string onto the closed set of order statuses
func ParseOrderStatus(raw string) (OrderStatus, error) {
	switch s := OrderStatus(raw); s {
	case OrderPending, OrderCompleted, OrderFailed, OrderRefunded:
		return s, nil
	}
	return "", fmt.Errorf("%w: unknown order status %q", ErrValidationFailed, raw)
}

// CanTransition reports whether moving from s to next is a legal order transition.
// Only pending->completed, pending->failed and completed->refunded exist.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	switch s {
	case OrderPending:
		return next == OrderCompleted || next == OrderFailed
	case OrderCompleted:
		return next == OrderRefunded
	}
	return false
}

// Terminal reports whether no further transition is possible
func (s OrderStatus) Terminal() bool {
	return s == OrderFailed || s == OrderRefunded
}

// Order represents a purchase of a single paid content item by a requester
type Order struct {
	ID                 string            `json:"id"`
	RequesterID        string            `json:"requester_id"`
	ContentItemID      string            `json:"content_item_id"`
	ProviderOrderRef   string            `json:"provider_order_id,omitempty"`
	ProviderPaymentRef string            `json:"provider_payment_id,omitempty"`
	ProviderSignature  string            `json:"provider_signature,omitempty"`
	Amount             int64             `json:"amount"`
	Currency           string            `json:"currency"`
	Status             OrderStatus       `json:"status"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// OrderChange carries the fields written alongside a status transition
type OrderChange struct {
	ProviderPaymentRef string
	ProviderSignature  string
	Metadata           map[string]string
	At                 time.Time
}

// Apply returns a copy of o moved to status with the change applied
func (o Order) Apply(status OrderStatus, change OrderChange) Order {
	out := o
	out.Status = status
	if change.ProviderPaymentRef != "" {
		out.ProviderPaymentRef = change.ProviderPaymentRef
	}
	if change.ProviderSignature != "" {
		out.ProviderSignature = change.ProviderSignature
	}
	if len(change.Metadata) > 0 {
		merged := make(map[string]string, len(o.Metadata)+len(change.Metadata))
		for k, v := range o.Metadata {
			merged[k] = v
		}
		for k, v := range change.Metadata {
			merged[k] = v
		}
		out.Metadata = merged
	}
	if !change.At.IsZero() {
		out.UpdatedAt = change.At
	}
	return out
}
