package models

import "time"

// PaymentCallback is the verified-payment input of the fulfillment workflow
type PaymentCallback struct {
	ProviderOrderRef   string     `json:"provider_order_id"`
	ProviderPaymentRef string     `json:"provider_payment_id"`
	Signature          string     `json:"signature"`
	Client             ClientInfo `json:"client"`
}

// FulfillmentStage names the step a fulfillment workflow is in
type FulfillmentStage string

const (
	StageConfirm   FulfillmentStage = "confirm"
	StageIssue     FulfillmentStage = "issue"
	StageNotify    FulfillmentStage = "notify"
	StageCompleted FulfillmentStage = "completed"
	StageFailed    FulfillmentStage = "failed"
)

// ConfirmedPayment is the order a verified callback completed
type ConfirmedPayment struct {
	Order    Order `json:"order"`
	Replayed bool  `json:"replayed"`
}

// IssueForOrder asks for the live token of a completed order
type IssueForOrder struct {
	Order  Order      `json:"order"`
	Client ClientInfo `json:"client"`
}

// IssuedLink describes a download token without carrying its secret
type IssuedLink struct {
	TokenID   string    `json:"token_id"`
	OrderID   string    `json:"order_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// FulfillmentStatus is returned by the fulfillment workflow and its status query
type FulfillmentStatus struct {
	ProviderOrderRef string           `json:"provider_order_id"`
	OrderID          string           `json:"order_id,omitempty"`
	Stage            FulfillmentStage `json:"stage"`
	Replayed         bool             `json:"replayed"`
	Link             *IssuedLink      `json:"link,omitempty"`
	Notified         bool             `json:"notified"`
	Error            string           `json:"error,omitempty"`
	LastUpdated      time.Time        `json:"last_updated"`
}
