package entitlement

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/aswathylr-builds/secure-delivery/models"
	"github.com/aswathylr-builds/secure-delivery/store"
)

type mockOrders struct {
	mock.Mock
}

func (m *mockOrders) FindOrder(ctx context.Context, requesterID, contentItemID string, status models.OrderStatus) (models.Order, error) {
	args := m.Called(ctx, requesterID, contentItemID, status)
	return args.Get(0).(models.Order), args.Error(1)
}

var (
	freeItem  = models.ContentItem{ID: "free-1", Access: models.AccessFree, StorageReference: "f"}
	vaultItem = models.ContentItem{ID: "vault-1", Access: models.AccessVaultRestricted, VaultReference: "https://vault/1"}
	paidItem  = models.ContentItem{ID: "paid-1", Access: models.AccessPaid, Price: 4900, Currency: "INR", StorageReference: "p"}
)

func TestFreeAndVaultNeverTouchOrders(t *testing.T) {
	orders := new(mockOrders)
	c := NewClassifier(orders)

	for _, requester := range []string{"", "user-1", "guest:abcdefabcdefabcdef"} {
		d, err := c.Classify(context.Background(), freeItem, requester)
		require.NoError(t, err)
		assert.Equal(t, models.DecisionAllowDirect, d)

		d, err = c.Classify(context.Background(), vaultItem, requester)
		require.NoError(t, err)
		assert.Equal(t, models.DecisionAllowViaExternalVault, d)
	}
	orders.AssertNotCalled(t, "FindOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestPaidRequiresCompletedOrder(t *testing.T) {
	ctx := context.Background()
	orders := new(mockOrders)
	orders.On("FindOrder", ctx, "buyer", "paid-1", models.OrderCompleted).Return(models.Order{ID: "o-1", Status: models.OrderCompleted}, nil)
	orders.On("FindOrder", ctx, "browser", "paid-1", models.OrderCompleted).Return(models.Order{}, store.ErrNotFound)
	c := NewClassifier(orders)

	d, err := c.Classify(ctx, paidItem, "buyer")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionAllowDirect, d)

	d, err = c.Classify(ctx, paidItem, "browser")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionDenied, d)

	d, err = c.Classify(ctx, paidItem, "")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionDenied, d)

	orders.AssertExpectations(t)
}

func TestStoreFailureIsNotADecision(t *testing.T) {
	ctx := context.Background()
	orders := new(mockOrders)
	orders.On("FindOrder", ctx, "buyer", "paid-1", models.OrderCompleted).Return(models.Order{}, errors.New("connection reset"))

	_, err := NewClassifier(orders).Classify(ctx, paidItem, "buyer")
	assert.Error(t, err)
}

func TestInvalidClassificationIsRejected(t *testing.T) {
	orders := new(mockOrders)
	c := NewClassifier(orders)

	for _, item := range []models.ContentItem{
		{ID: "x", Access: "public"},
		{ID: "x", Access: "Free"},
		{ID: "x", Access: models.AccessFree, Price: 100},
	} {
		d, err := c.Classify(context.Background(), item, "user-1")
		assert.ErrorIs(t, err, models.ErrValidationFailed)
		assert.NotEqual(t, models.DecisionAllowDirect, d)
	}
}
