package pgstore

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/aswathylr-builds/secure-delivery/models"
)

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(gorm.ErrDuplicatedKey))
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("boom")))
}

func TestOrderModelKeepsUnassignedRefNull(t *testing.T) {
	row := toOrderModel(models.Order{ID: "o", Status: models.OrderPending})
	assert.Nil(t, row.ProviderOrderRef)
	assert.NotNil(t, row.Metadata)

	row.ProviderOrderRef = nullableString("order_1")
	row.Currency = "INR"
	row.Metadata["failure_reason"] = "gateway timeout"
	row.Metadata["attempts"] = 3

	order, err := fromOrderModel(row)
	require.NoError(t, err)
	assert.Equal(t, "order_1", order.ProviderOrderRef)
	assert.Equal(t, map[string]string{"failure_reason": "gateway timeout"}, order.Metadata)
}

func TestFromOrderModelRejectsUnknownStatus(t *testing.T) {
	_, err := fromOrderModel(orderModel{OrderID: "o", Status: "settled"})
	assert.ErrorIs(t, err, models.ErrValidationFailed)
}

func TestTokenModelOrderLink(t *testing.T) {
	now := time.Now().UTC()
	free := toTokenModel(models.DownloadToken{ID: "t", Secret: "s", ExpiresAt: now})
	assert.Nil(t, free.OrderID)

	paid := fromTokenModel(tokenModel{TokenID: "t", Secret: "s", OrderID: nullableString("o-1"), ExpiresAt: now})
	assert.Equal(t, "o-1", paid.OrderID)
}
