// Package entitlement decides whether a requester may reach a content item.
package entitlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/aswathylr-builds/secure-delivery/models"
	"github.com/aswathylr-builds/secure-delivery/store"
)

// OrderLookup finds an order for a requester and item in a given status
type OrderLookup interface {
	FindOrder(ctx context.Context, requesterID, contentItemID string, status models.OrderStatus) (models.Order, error)
}

// Classifier is stateless and safe for concurrent use
type Classifier struct {
	orders OrderLookup
}

func NewClassifier(orders OrderLookup) *Classifier {
	return &Classifier{orders: orders}
}

// Classify returns the access decision for requesterID on item. Only a
// Completed order entitles a Paid item; Refunded and Pending do not.
func (c *Classifier) Classify(ctx context.Context, item models.ContentItem, requesterID string) (models.Decision, error) {
	if err := item.Validate(); err != nil {
		return "", err
	}

	switch item.Access {
	case models.AccessFree:
		return models.DecisionAllowDirect, nil
	case models.AccessVaultRestricted:
		return models.DecisionAllowViaExternalVault, nil
	case models.AccessPaid:
		if requesterID == "" {
			return models.DecisionDenied, nil
		}
		_, err := c.orders.FindOrder(ctx, requesterID, item.ID, models.OrderCompleted)
		switch {
		case err == nil:
			return models.DecisionAllowDirect, nil
		case errors.Is(err, store.ErrNotFound):
			return models.DecisionDenied, nil
		default:
			return "", fmt.Errorf("classify %s: %w", item.ID, err)
		}
	}
	return "", fmt.Errorf("%w: unknown access classification %q", models.ErrValidationFailed, item.Access)
}
