// Package tokens mints single-use, time-boxed download tokens.
package tokens

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aswathylr-builds/secure-delivery/events"
	"github.com/aswathylr-builds/secure-delivery/models"
	"github.com/aswathylr-builds/secure-delivery/store"
)

// SecretBytes is the entropy of every token secret
const SecretBytes = 32

const (
	DefaultTTL = 24 * time.Hour
	DefaultMax = 7 * 24 * time.Hour
)

type Config struct {
	DefaultTTL time.Duration
	MaxTTL     time.Duration
}

type Dependencies struct {
	Config Config
	Tokens store.Tokens
	Orders store.Orders
	Events events.Publisher
	Logger *slog.Logger
	Now    func() time.Time
	// Rand is the secret source; crypto/rand when nil.
	Rand io.Reader
}

type Issuer struct {
	cfg    Config
	tokens store.Tokens
	orders store.Orders
	events events.Publisher
	logger *slog.Logger
	nowFn  func() time.Time
	rand   io.Reader
}

// IssueRequest describes the token to mint. OrderID is required for paid
// items and must be empty for free ones.
type IssueRequest struct {
	RequesterID string
	Item        models.ContentItem
	OrderID     string
	TTL         time.Duration
	Client      models.ClientInfo
}

func NewIssuer(deps Dependencies) *Issuer {
	cfg := deps.Config
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = DefaultMax
	}
	if cfg.MaxTTL < cfg.DefaultTTL {
		cfg.MaxTTL = cfg.DefaultTTL
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := deps.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	src := deps.Rand
	if src == nil {
		src = rand.Reader
	}
	return &Issuer{
		cfg:    cfg,
		tokens: deps.Tokens,
		orders: deps.Orders,
		events: deps.Events,
		logger: logger.With("module", "tokens"),
		nowFn:  nowFn,
		rand:   src,
	}
}

// Issue mints a token. For paid items without an explicit req.TTL the live
// token already minted for req.OrderID is returned instead; an explicit TTL
// always mints a fresh token with that lifetime.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (models.DownloadToken, error) {
	if err := req.Item.Validate(); err != nil {
		return models.DownloadToken{}, err
	}
	if req.RequesterID == "" {
		return models.DownloadToken{}, fmt.Errorf("%w: requester is required", models.ErrValidationFailed)
	}
	ttl, err := i.ttl(req.TTL)
	if err != nil {
		return models.DownloadToken{}, err
	}
	now := i.nowFn()

	switch req.Item.Access {
	case models.AccessVaultRestricted:
		return models.DownloadToken{}, fmt.Errorf("%w: vault restricted content is served by the vault reference", models.ErrValidationFailed)
	case models.AccessFree:
		if req.OrderID != "" {
			return models.DownloadToken{}, fmt.Errorf("%w: free content has no order", models.ErrValidationFailed)
		}
	case models.AccessPaid:
		if err := i.checkOrder(ctx, req); err != nil {
			return models.DownloadToken{}, err
		}
		if req.TTL == 0 {
			existing, err := i.tokens.FindActiveToken(ctx, req.OrderID, now)
			if err == nil {
				return existing, nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return models.DownloadToken{}, fmt.Errorf("find active token: %w", err)
			}
		}
	}

	token := models.DownloadToken{
		ID:              uuid.NewString(),
		RequesterID:     req.RequesterID,
		ContentItemID:   req.Item.ID,
		OrderID:         req.OrderID,
		ExpiresAt:       now.Add(ttl),
		IssuedIP:        req.Client.IP,
		IssuedUserAgent: req.Client.UserAgent,
		CreatedAt:       now,
	}
	for attempt := 0; ; attempt++ {
		if token.Secret, err = i.secret(); err != nil {
			return models.DownloadToken{}, err
		}
		err = i.tokens.CreateToken(ctx, token)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrDuplicate) {
			return models.DownloadToken{}, fmt.Errorf("create token: %w", err)
		}
		if attempt == 1 {
			i.logger.ErrorContext(ctx, "token secret collided twice", "operation", "issue", "outcome", "failure")
			return models.DownloadToken{}, models.ErrTokenCollision
		}
	}

	i.logger.InfoContext(ctx, "download token issued",
		"operation", "issue",
		"outcome", "success",
		"token_id", token.ID,
		"content_item_id", token.ContentItemID,
		"order_id", token.OrderID,
		"expires_at", token.ExpiresAt,
	)
	events.Emit(ctx, i.events, i.logger, events.New(events.TokenIssued, token.ID, now, map[string]string{
		"token_id":        token.ID,
		"content_item_id": token.ContentItemID,
		"order_id":        token.OrderID,
		"expires_at":      token.ExpiresAt.Format(time.RFC3339),
	}))
	return token, nil
}

func (i *Issuer) ttl(requested time.Duration) (time.Duration, error) {
	switch {
	case requested == 0:
		return i.cfg.DefaultTTL, nil
	case requested < 0:
		return 0, fmt.Errorf("%w: token lifetime must be positive", models.ErrValidationFailed)
	case requested > i.cfg.MaxTTL:
		return 0, fmt.Errorf("%w: token lifetime exceeds %s", models.ErrValidationFailed, i.cfg.MaxTTL)
	}
	return requested, nil
}

// checkOrder requires a completed order for the same requester and item
func (i *Issuer) checkOrder(ctx context.Context, req IssueRequest) error {
	if req.OrderID == "" {
		return fmt.Errorf("%w: paid content requires a completed purchase", models.ErrPolicyDenied)
	}
	order, err := i.orders.GetOrder(ctx, req.OrderID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: paid content requires a completed purchase", models.ErrPolicyDenied)
	}
	if err != nil {
		return fmt.Errorf("load order: %w", err)
	}
	if order.RequesterID != req.RequesterID || order.ContentItemID != req.Item.ID {
		return fmt.Errorf("%w: order does not cover this content", models.ErrPolicyDenied)
	}
	if order.Status != models.OrderCompleted {
		return fmt.Errorf("%w: order is %s", models.ErrPolicyDenied, order.Status)
	}
	return nil
}

func (i *Issuer) secret() (string, error) {
	buf := make([]byte, SecretBytes)
	if _, err := io.ReadFull(i.rand, buf); err != nil {
		return "", fmt.Errorf("generate token secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Sweep deletes tokens that expired more than retention ago
func (i *Issuer) Sweep(ctx context.Context, retention time.Duration) (int64, error) {
	if retention < 0 {
		return 0, fmt.Errorf("%w: retention must not be negative", models.ErrValidationFailed)
	}
	now := i.nowFn()
	removed, err := i.tokens.DeleteExpired(ctx, now.Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("sweep tokens: %w", err)
	}
	i.logger.InfoContext(ctx, "expired tokens swept", "operation", "sweep", "outcome", "success", "removed", removed)
	events.Emit(ctx, i.events, i.logger, events.New(events.TokensSwept, "sweep", now, map[string]string{
		"removed": fmt.Sprint(removed),
	}))
	return removed, nil
}
