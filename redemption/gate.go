// Package redemption turns a download token into a delivery pointer. It is the
// only code path that consumes tokens.
package redemption

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aswathylr-builds/secure-delivery/catalogue"
	"github.com/aswathylr-builds/secure-delivery/events"
	"github.com/aswathylr-builds/secure-delivery/models"
	"github.com/aswathylr-builds/secure-delivery/store"
)

type Dependencies struct {
	Tokens    store.Tokens
	Catalogue catalogue.Catalogue
	Events    events.Publisher
	Logger    *slog.Logger
	Now       func() time.Time
}

type Gate struct {
	tokens    store.Tokens
	catalogue catalogue.Catalogue
	events    events.Publisher
	logger    *slog.Logger
	nowFn     func() time.Time
}

func NewGate(deps Dependencies) *Gate {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := deps.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &Gate{
		tokens:    deps.Tokens,
		catalogue: deps.Catalogue,
		events:    deps.Events,
		logger:    logger.With("module", "redemption"),
		nowFn:     nowFn,
	}
}

// Redeem consumes the token named by secret and returns where its bytes live.
// The token is only consumed once the content item is known to be deliverable.
func (g *Gate) Redeem(ctx context.Context, secret, ip, userAgent string) (models.DeliveryPointer, error) {
	logger := g.logger.With("operation", "redeem")
	if secret == "" {
		return models.DeliveryPointer{}, models.ErrTokenNotFound
	}
	now := g.nowFn()

	// non-authoritative read; the consume below decides
	token, err := g.tokens.GetToken(ctx, secret)
	if errors.Is(err, store.ErrNotFound) {
		logger.InfoContext(ctx, "unknown download token", "outcome", "not_found")
		return models.DeliveryPointer{}, models.ErrTokenNotFound
	}
	if err != nil {
		return models.DeliveryPointer{}, fmt.Errorf("load token: %w", err)
	}
	if err := classify(token, now); err != nil {
		logger.InfoContext(ctx, "download token rejected", "outcome", "rejected", "token_id", token.ID, "error", err)
		return models.DeliveryPointer{}, err
	}

	item, err := g.catalogue.Item(ctx, token.ContentItemID)
	if err != nil {
		return models.DeliveryPointer{}, fmt.Errorf("resolve content item: %w", err)
	}
	if !item.Deliverable() {
		logger.WarnContext(ctx, "content item no longer deliverable", "outcome", "rejected", "token_id", token.ID, "content_item_id", item.ID)
		return models.DeliveryPointer{}, fmt.Errorf("%w: content item %s is not directly deliverable", models.ErrValidationFailed, item.ID)
	}

	consumed, err := g.tokens.ConsumeToken(ctx, secret, now, models.ClientInfo{IP: ip, UserAgent: userAgent})
	if errors.Is(err, store.ErrStale) {
		return models.DeliveryPointer{}, g.lost(ctx, logger, secret, now)
	}
	if err != nil {
		return models.DeliveryPointer{}, fmt.Errorf("consume token: %w", err)
	}

	if mismatch := clientMismatch(consumed); mismatch != "" {
		logger.WarnContext(ctx, "token redeemed from a different client",
			"security", true,
			"token_id", consumed.ID,
			"mismatch", mismatch,
		)
		event := events.New(events.TokenClientMismatch, consumed.ID, now, map[string]string{
			"token_id":        consumed.ID,
			"content_item_id": consumed.ContentItemID,
			"mismatch":        mismatch,
		})
		event.Security = true
		events.Emit(ctx, g.events, g.logger, event)
	}

	logger.InfoContext(ctx, "download token redeemed", "outcome", "success", "token_id", consumed.ID, "content_item_id", item.ID)
	events.Emit(ctx, g.events, g.logger, events.New(events.TokenRedeemed, consumed.ID, now, map[string]string{
		"token_id":        consumed.ID,
		"content_item_id": consumed.ContentItemID,
		"order_id":        consumed.OrderID,
	}))
	return models.DeliveryPointer{
		ContentItemID:    item.ID,
		StorageReference: item.StorageReference,
		TokenID:          consumed.ID,
	}, nil
}

// lost explains why the conditional consume updated nothing
func (g *Gate) lost(ctx context.Context, logger *slog.Logger, secret string, now time.Time) error {
	token, err := g.tokens.GetToken(ctx, secret)
	if errors.Is(err, store.ErrNotFound) {
		return models.ErrTokenNotFound
	}
	if err != nil {
		return fmt.Errorf("reload token: %w", err)
	}
	if err := classify(token, now); err != nil {
		logger.InfoContext(ctx, "download token redemption lost", "outcome", "rejected", "token_id", token.ID, "error", err)
		return err
	}
	return models.ErrTokenAlreadyUsed
}

// classify maps a token that cannot be redeemed at now onto its error.
// Expiry wins over use.
func classify(token models.DownloadToken, now time.Time) error {
	switch {
	case token.Expired(now):
		return models.ErrTokenExpired
	case token.Used:
		return models.ErrTokenAlreadyUsed
	}
	return nil
}

func clientMismatch(t models.DownloadToken) string {
	ipDiffers := t.IssuedIP != "" && t.RedeemedIP != t.IssuedIP
	uaDiffers := t.IssuedUserAgent != "" && t.RedeemedUserAgent != t.IssuedUserAgent
	switch {
	case ipDiffers && uaDiffers:
		return "ip,user_agent"
	case ipDiffers:
		return "ip"
	case uaDiffers:
		return "user_agent"
	}
	return ""
}
