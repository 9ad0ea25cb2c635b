package api

import (
	"net/url"
	"time"

	"github.com/aswathylr-builds/secure-delivery/access"
	"github.com/aswathylr-builds/secure-delivery/models"
)

// Responses never expose the provider signature, issuance client details or
// the requester id of anything but the caller's own records.

type orderResponse struct {
	OrderID          string             `json:"order_id"`
	ContentItemID    string             `json:"content_item_id"`
	Amount           int64              `json:"amount"`
	Currency         string             `json:"currency"`
	Status           models.OrderStatus `json:"status"`
	ProviderOrderRef string             `json:"provider_order_id,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

func toOrderResponse(o models.Order) orderResponse {
	return orderResponse{
		OrderID:          o.ID,
		ContentItemID:    o.ContentItemID,
		Amount:           o.Amount,
		Currency:         o.Currency,
		Status:           o.Status,
		ProviderOrderRef: o.ProviderOrderRef,
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
	}
}

type linkResponse struct {
	TokenID       string    `json:"token_id"`
	Token         string    `json:"token"`
	ContentItemID string    `json:"content_item_id"`
	OrderID       string    `json:"order_id,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
	RedeemURL     string    `json:"redeem_url"`
}

func toLinkResponse(t models.DownloadToken) linkResponse {
	return linkResponse{
		TokenID:       t.ID,
		Token:         t.Secret,
		ContentItemID: t.ContentItemID,
		OrderID:       t.OrderID,
		ExpiresAt:     t.ExpiresAt,
		RedeemURL:     "/v1/downloads/" + url.PathEscape(t.Secret) + "/redeem",
	}
}

type confirmRequest struct {
	ProviderOrderRef   string `json:"provider_order_id"`
	ProviderPaymentRef string `json:"provider_payment_id"`
	Signature          string `json:"signature"`
}

type confirmResponse struct {
	Order    orderResponse `json:"order"`
	Link     linkResponse  `json:"link"`
	Replayed bool          `json:"replayed"`
}

func toConfirmResponse(c access.Confirmation) confirmResponse {
	return confirmResponse{
		Order:    toOrderResponse(c.Order),
		Link:     toLinkResponse(c.Token),
		Replayed: c.Replayed,
	}
}

type linkRequest struct {
	TTLSeconds int64 `json:"ttl_seconds"`
}

type refundRequest struct {
	Reason string `json:"reason"`
}

type sweepRequest struct {
	RetentionSeconds int64 `json:"retention_seconds"`
}

type sweepResponse struct {
	Removed int64 `json:"removed"`
}
