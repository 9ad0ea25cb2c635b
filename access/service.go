// Package access exposes the public operations of secure content delivery:
// entitlement checks, purchases, payment confirmation, link issuance,
// redemption and refunds. It orchestrates the classifier, ledger, issuer and
// redemption gate and owns no state.
package access

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aswathylr-builds/secure-delivery/catalogue"
	"github.com/aswathylr-builds/secure-delivery/entitlement"
	"github.com/aswathylr-builds/secure-delivery/events"
	"github.com/aswathylr-builds/secure-delivery/ledger"
	"github.com/aswathylr-builds/secure-delivery/models"
	"github.com/aswathylr-builds/secure-delivery/redemption"
	"github.com/aswathylr-builds/secure-delivery/tokens"
)

type Dependencies struct {
	Catalogue  catalogue.Catalogue
	Classifier *entitlement.Classifier
	Ledger     *ledger.Ledger
	Issuer     *tokens.Issuer
	Gate       *redemption.Gate
	Events     events.Publisher
	Logger     *slog.Logger
	Now        func() time.Time
}

type Service struct {
	catalogue  catalogue.Catalogue
	classifier *entitlement.Classifier
	ledger     *ledger.Ledger
	issuer     *tokens.Issuer
	gate       *redemption.Gate
	events     events.Publisher
	logger     *slog.Logger
	nowFn      func() time.Time
}

func NewService(deps Dependencies) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := deps.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		catalogue:  deps.Catalogue,
		classifier: deps.Classifier,
		ledger:     deps.Ledger,
		issuer:     deps.Issuer,
		gate:       deps.Gate,
		events:     deps.Events,
		logger:     logger.With("module", "access"),
		nowFn:      nowFn,
	}
}

// Entitlement is the answer to "may this requester have this item".
// VaultReference is only set for vault hand-offs; Price and Currency only
// when the requester is denied and may pay.
type Entitlement struct {
	Decision       models.Decision `json:"decision"`
	ContentItemID  string          `json:"content_item_id"`
	VaultReference string          `json:"external_vault_reference,omitempty"`
	Price          int64           `json:"price,omitempty"`
	Currency       string          `json:"currency,omitempty"`
}

type PurchaseResult struct {
	OrderID          string             `json:"order_id"`
	ProviderOrderRef string             `json:"provider_order_id,omitempty"`
	Amount           int64              `json:"amount"`
	Currency         string             `json:"currency"`
	Status           models.OrderStatus `json:"status"`
	AlreadyEntitled  bool               `json:"already_entitled"`
}

type Confirmation struct {
	Order    models.Order         `json:"order"`
	Token    models.DownloadToken `json:"token"`
	Replayed bool                 `json:"replayed"`
}

type LinkOptions struct {
	TTL    time.Duration
	Client models.ClientInfo
}

func (s *Service) item(ctx context.Context, itemID string) (models.ContentItem, error) {
	if itemID == "" {
		return models.ContentItem{}, fmt.Errorf("%w: content item id is required", models.ErrValidationFailed)
	}
	return s.catalogue.Item(ctx, itemID)
}

func (s *Service) GetEntitlement(ctx context.Context, itemID, requesterID string) (Entitlement, error) {
	item, err := s.item(ctx, itemID)
	if err != nil {
		return Entitlement{}, err
	}
	decision, err := s.classifier.Classify(ctx, item, requesterID)
	if err != nil {
		return Entitlement{}, err
	}

	out := Entitlement{Decision: decision, ContentItemID: item.ID}
	switch decision {
	case models.DecisionAllowViaExternalVault:
		out.VaultReference = item.VaultReference
		s.logger.InfoContext(ctx, "vault hand-off", "operation", "get_entitlement", "outcome", "vault", "content_item_id", item.ID)
		events.Emit(ctx, s.events, s.logger, events.New(events.VaultHandoff, item.ID, s.nowFn(), map[string]string{
			"content_item_id": item.ID,
		}))
	case models.DecisionDenied:
		out.Price = item.Price
		out.Currency = item.Currency
	}
	return out, nil
}

func (s *Service) InitiatePurchase(ctx context.Context, itemID, requesterID string) (PurchaseResult, error) {
	item, err := s.item(ctx, itemID)
	if err != nil {
		return PurchaseResult{}, err
	}
	res, err := s.ledger.CreateOrder(ctx, requesterID, item)
	if err != nil {
		return PurchaseResult{}, err
	}
	return PurchaseResult{
		OrderID:          res.Order.ID,
		ProviderOrderRef: res.Order.ProviderOrderRef,
		Amount:           res.Order.Amount,
		Currency:         res.Order.Currency,
		Status:           res.Order.Status,
		AlreadyEntitled:  res.AlreadyEntitled,
	}, nil
}

// ConfirmPayment verifies a gateway callback and makes sure the buyer holds a
// live token. Redelivered callbacks return the same token while it is unused.
func (s *Service) ConfirmPayment(ctx context.Context, providerOrderRef, providerPaymentRef, signature string, client models.ClientInfo) (Confirmation, error) {
	done, err := s.CompletePayment(ctx, providerOrderRef, providerPaymentRef, signature)
	if err != nil {
		return Confirmation{}, err
	}
	token, err := s.EnsureToken(ctx, done.Order, client)
	if err != nil {
		return Confirmation{}, err
	}
	return Confirmation{Order: done.Order, Token: token, Replayed: done.Replayed}, nil
}

// CompletePayment verifies a callback and completes its order without
// issuing a token. The fulfillment workflow issues in a separate step.
func (s *Service) CompletePayment(ctx context.Context, providerOrderRef, providerPaymentRef, signature string) (ledger.Completion, error) {
	return s.ledger.VerifyAndComplete(ctx, providerOrderRef, providerPaymentRef, signature)
}

// EnsureToken returns the live token for a completed order, minting one if needed
func (s *Service) EnsureToken(ctx context.Context, order models.Order, client models.ClientInfo) (models.DownloadToken, error) {
	item, err := s.item(ctx, order.ContentItemID)
	if err != nil {
		return models.DownloadToken{}, fmt.Errorf("resolve purchased item: %w", err)
	}
	return s.issuer.Issue(ctx, tokens.IssueRequest{
		RequesterID: order.RequesterID,
		Item:        item,
		OrderID:     order.ID,
		Client:      client,
	})
}

func (s *Service) IssueDownloadLink(ctx context.Context, itemID, requesterID string, opts LinkOptions) (models.DownloadToken, error) {
	item, err := s.item(ctx, itemID)
	if err != nil {
		return models.DownloadToken{}, err
	}
	req := tokens.IssueRequest{
		RequesterID: requesterID,
		Item:        item,
		TTL:         opts.TTL,
		Client:      opts.Client,
	}
	switch item.Access {
	case models.AccessVaultRestricted:
		return models.DownloadToken{}, fmt.Errorf("%w: use the external vault reference", models.ErrValidationFailed)
	case models.AccessPaid:
		order, err := s.ledger.CompletedOrder(ctx, requesterID, item.ID)
		if err != nil {
			return models.DownloadToken{}, err
		}
		req.OrderID = order.ID
	}
	return s.issuer.Issue(ctx, req)
}

func (s *Service) RedeemDownloadLink(ctx context.Context, secret, ip, userAgent string) (models.DeliveryPointer, error) {
	return s.gate.Redeem(ctx, secret, ip, userAgent)
}

// RefundOrder is administrative. Tokens issued before the refund stay redeemable.
func (s *Service) RefundOrder(ctx context.Context, orderID, actor, reason string) (models.Order, error) {
	return s.ledger.Refund(ctx, orderID, actor, reason)
}

func (s *Service) SweepExpiredTokens(ctx context.Context, retention time.Duration) (int64, error) {
	return s.issuer.Sweep(ctx, retention)
}

// Order reads one order for the requester that placed it
func (s *Service) Order(ctx context.Context, orderID, requesterID string) (models.Order, error) {
	order, err := s.ledger.Order(ctx, orderID)
	if err != nil {
		return models.Order{}, err
	}
	if order.RequesterID != requesterID {
		// indistinguishable from a missing order
		return models.Order{}, models.ErrOrderNotFound
	}
	return order, nil
}

