package pgstore

import (
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/aswathylr-builds/secure-delivery/models"
)

type orderModel struct {
	OrderID            string            `gorm:"column:order_id;type:uuid;primaryKey"`
	RequesterID        string            `gorm:"column:requester_id"`
	ContentItemID      string            `gorm:"column:content_item_id"`
	ProviderOrderRef   *string           `gorm:"column:provider_order_ref"`
	ProviderPaymentRef string            `gorm:"column:provider_payment_ref"`
	ProviderSignature  string            `gorm:"column:provider_signature"`
	Amount             int64             `gorm:"column:amount"`
	Currency           string            `gorm:"column:currency"`
	Status             string            `gorm:"column:status"`
	Metadata           datatypes.JSONMap `gorm:"column:metadata;type:jsonb"`
	CreatedAt          time.Time         `gorm:"column:created_at"`
	UpdatedAt          time.Time         `gorm:"column:updated_at"`
}

func (orderModel) TableName() string { return "orders" }

type tokenModel struct {
	TokenID           string     `gorm:"column:token_id;type:uuid;primaryKey"`
	Secret            string     `gorm:"column:secret"`
	RequesterID       string     `gorm:"column:requester_id"`
	ContentItemID     string     `gorm:"column:content_item_id"`
	OrderID           *string    `gorm:"column:order_id;type:uuid"`
	ExpiresAt         time.Time  `gorm:"column:expires_at"`
	Used              bool       `gorm:"column:used"`
	UsedAt            *time.Time `gorm:"column:used_at"`
	IssuedIP          string     `gorm:"column:issued_ip"`
	IssuedUserAgent   string     `gorm:"column:issued_user_agent"`
	RedeemedIP        string     `gorm:"column:redeemed_ip"`
	RedeemedUserAgent string     `gorm:"column:redeemed_user_agent"`
	CreatedAt         time.Time  `gorm:"column:created_at"`
}

func (tokenModel) TableName() string { return "download_tokens" }

func toOrderModel(o models.Order) orderModel {
	return orderModel{
		OrderID:            o.ID,
		RequesterID:        o.RequesterID,
		ContentItemID:      o.ContentItemID,
		ProviderOrderRef:   nullableString(o.ProviderOrderRef),
		ProviderPaymentRef: o.ProviderPaymentRef,
		ProviderSignature:  o.ProviderSignature,
		Amount:             o.Amount,
		Currency:           o.Currency,
		Status:             string(o.Status),
		Metadata:           toJSONMap(o.Metadata),
		CreatedAt:          o.CreatedAt,
		UpdatedAt:          o.UpdatedAt,
	}
}

func fromOrderModel(m orderModel) (models.Order, error) {
	status, err := models.ParseOrderStatus(m.Status)
	if err != nil {
		return models.Order{}, err
	}
	out := models.Order{
		ID:                 m.OrderID,
		RequesterID:        m.RequesterID,
		ContentItemID:      m.ContentItemID,
		ProviderPaymentRef: m.ProviderPaymentRef,
		ProviderSignature:  m.ProviderSignature,
		Amount:             m.Amount,
		Currency:           strings.TrimSpace(m.Currency),
		Status:             status,
		Metadata:           fromJSONMap(m.Metadata),
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
	if m.ProviderOrderRef != nil {
		out.ProviderOrderRef = *m.ProviderOrderRef
	}
	return out, nil
}

func toTokenModel(t models.DownloadToken) tokenModel {
	return tokenModel{
		TokenID:           t.ID,
		Secret:            t.Secret,
		RequesterID:       t.RequesterID,
		ContentItemID:     t.ContentItemID,
		OrderID:           nullableString(t.OrderID),
		ExpiresAt:         t.ExpiresAt,
		Used:              t.Used,
		UsedAt:            t.UsedAt,
		IssuedIP:          t.IssuedIP,
		IssuedUserAgent:   t.IssuedUserAgent,
		RedeemedIP:        t.RedeemedIP,
		RedeemedUserAgent: t.RedeemedUserAgent,
		CreatedAt:         t.CreatedAt,
	}
}

func fromTokenModel(m tokenModel) models.DownloadToken {
	out := models.DownloadToken{
		ID:                m.TokenID,
		Secret:            m.Secret,
		RequesterID:       m.RequesterID,
		ContentItemID:     m.ContentItemID,
		ExpiresAt:         m.ExpiresAt,
		Used:              m.Used,
		UsedAt:            m.UsedAt,
		IssuedIP:          m.IssuedIP,
		IssuedUserAgent:   m.IssuedUserAgent,
		RedeemedIP:        m.RedeemedIP,
		RedeemedUserAgent: m.RedeemedUserAgent,
		CreatedAt:         m.CreatedAt,
	}
	if m.OrderID != nil {
		out.OrderID = *m.OrderID
	}
	return out
}

func toJSONMap(in map[string]string) datatypes.JSONMap {
	out := make(datatypes.JSONMap, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func fromJSONMap(in datatypes.JSONMap) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func nullableString(v string) *string {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

// isUniqueViolation matches the translated GORM error and the raw pgx one,
// since TranslateError is skipped on some Exec paths.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
