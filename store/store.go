// Package store defines the durable record of orders and download tokens.
// Every decision about money or token consumption is taken by a conditional
// write inside an implementation of these interfaces.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/aswathylr-builds/secure-delivery/models"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")

	// ErrStale is returned by conditional writes whose precondition no longer holds.
	ErrStale = errors.New("record state changed")
)

// Orders persists purchase attempts. Orders are never deleted.
type Orders interface {
	// CreateOrder inserts a pending order. At most one pending order may exist per
	// requester and content item; a second insert returns ErrDuplicate.
	CreateOrder(ctx context.Context, order models.Order) error
	// AssignProviderRef records the gateway reference on a pending order that has none.
	AssignProviderRef(ctx context.Context, orderID, providerRef string, at time.Time) (models.Order, error)
	GetOrder(ctx context.Context, orderID string) (models.Order, error)
	GetOrderByProviderRef(ctx context.Context, providerRef string) (models.Order, error)
	// FindOrder returns the most recent order for the pair in the given status.
	FindOrder(ctx context.Context, requesterID, contentItemID string, status models.OrderStatus) (models.Order, error)
	// TransitionOrder moves an order from one status to another only if it is
	// still in from; otherwise it returns ErrStale.
	TransitionOrder(ctx context.Context, orderID string, from, to models.OrderStatus, change models.OrderChange) (models.Order, error)
}

// Tokens persists download tokens.
type Tokens interface {
	// CreateToken inserts a token; a secret that already exists returns ErrDuplicate.
	CreateToken(ctx context.Context, token models.DownloadToken) error
	GetToken(ctx context.Context, secret string) (models.DownloadToken, error)
	// FindActiveToken returns an unused, unexpired token minted for the order.
	FindActiveToken(ctx context.Context, orderID string, now time.Time) (models.DownloadToken, error)
	// ConsumeToken atomically marks the token used if it is unused and unexpired
	// at now and returns the updated row. Any other state returns ErrStale.
	ConsumeToken(ctx context.Context, secret string, now time.Time, client models.ClientInfo) (models.DownloadToken, error)
	// DeleteExpired removes tokens that expired before cutoff.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store bundles both record types behind one connection.
type Store interface {
	Orders
	Tokens
	Ping(ctx context.Context) error
	Close() error
}
