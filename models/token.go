package models

import "time"

// DownloadToken is a single-use, time-boxed capability to download one content item
type DownloadToken struct {
	ID                string     `json:"id"`
	Secret            string     `json:"token"`
	RequesterID       string     `json:"requester_id"`
	ContentItemID     string     `json:"content_item_id"`
	OrderID           string     `json:"order_id,omitempty"`
	ExpiresAt         time.Time  `json:"expires_at"`
	Used              bool       `json:"used"`
	UsedAt            *time.Time `json:"used_at,omitempty"`
	IssuedIP          string     `json:"issued_ip,omitempty"`
	IssuedUserAgent   string     `json:"issued_user_agent,omitempty"`
	RedeemedIP        string     `json:"redeemed_ip,omitempty"`
	RedeemedUserAgent string     `json:"redeemed_user_agent,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Expired reports whether the token window has closed at now
func (t DownloadToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Redeemable reports whether the token may still be consumed at now
func (t DownloadToken) Redeemable(now time.Time) bool {
	return !t.Used && !t.Expired(now)
}

// ClientInfo is the network identity captured at issuance and redemption
type ClientInfo struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// DeliveryPointer is what the delivery adapter needs to stream bytes
type DeliveryPointer struct {
	ContentItemID    string `json:"content_item_id"`
	StorageReference string `json:"storage_reference"`
	TokenID          string `json:"token_id"`
}
