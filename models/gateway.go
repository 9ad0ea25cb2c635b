package models

import "time"

// GatewayOrderRequest is sent to the payment gateway to open a provider order
type GatewayOrderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

// GatewayOrder is the gateway's view of an opened order
type GatewayOrder struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

// GatewayPayment is the gateway's view of a payment against an order
type GatewayPayment struct {
	ID       string `json:"id"`
	OrderID  string `json:"order_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

// Gateway payment statuses
const (
	PaymentCaptured   = "captured"
	PaymentAuthorized = "authorized"
	PaymentFailed     = "failed"
)

// LinkReadyNotification is posted to the notification service once a paid link exists
type LinkReadyNotification struct {
	OrderID       string    `json:"order_id"`
	RequesterID   string    `json:"requester_id"`
	ContentItemID string    `json:"content_item_id"`
	TokenID       string    `json:"token_id"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// NotificationResponse is the notification service reply
type NotificationResponse struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message"`
}
