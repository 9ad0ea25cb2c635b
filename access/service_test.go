package access

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aswathylr-builds/secure-delivery/catalogue"
	"github.com/aswathylr-builds/secure-delivery/entitlement"
	"github.com/aswathylr-builds/secure-delivery/events"
	"github.com/aswathylr-builds/secure-delivery/ledger"
	"github.com/aswathylr-builds/secure-delivery/models"
	"github.com/aswathylr-builds/secure-delivery/redemption"
	"github.com/aswathylr-builds/secure-delivery/store/ldbstore"
	"github.com/aswathylr-builds/secure-delivery/tokens"
)

var secret = []byte("webhook-secret")

type stubGateway struct {
	n atomic.Int64
}

func (g *stubGateway) CreateOrder(_ context.Context, req models.GatewayOrderRequest) (models.GatewayOrder, error) {
	return models.GatewayOrder{ID: fmt.Sprintf("order_%d", g.n.Add(1)), Amount: req.Amount, Currency: req.Currency}, nil
}

func (g *stubGateway) FetchPayment(context.Context, string) (models.GatewayPayment, error) {
	return models.GatewayPayment{}, fmt.Errorf("not used")
}

type harness struct {
	svc    *Service
	events *events.Recorder
	now    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := ldbstore.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	cat, err := catalogue.NewStatic("INR",
		models.ContentItem{ID: "notes-1", Access: models.AccessFree, StorageReference: "notes/1.pdf"},
		models.ContentItem{ID: "course-1", Access: models.AccessPaid, Price: 4900, StorageReference: "courses/1.zip"},
		models.ContentItem{ID: "vault-1", Access: models.AccessVaultRestricted, VaultReference: "https://vault.example.com/1"},
	)
	require.NoError(t, err)

	h := &harness{events: &events.Recorder{}, now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	now := func() time.Time { return h.now }

	l, err := ledger.New(ledger.Dependencies{
		Config:  ledger.Config{SigningSecret: secret},
		Orders:  s,
		Gateway: &stubGateway{},
		Events:  h.events,
		Now:     now,
	})
	require.NoError(t, err)

	h.svc = NewService(Dependencies{
		Catalogue:  cat,
		Classifier: entitlement.NewClassifier(s),
		Ledger:     l,
		Issuer:     tokens.NewIssuer(tokens.Dependencies{Tokens: s, Orders: s, Events: h.events, Now: now}),
		Gate:       redemption.NewGate(redemption.Dependencies{Tokens: s, Catalogue: cat, Events: h.events, Now: now}),
		Events:     h.events,
		Now:        now,
	})
	return h
}

// buy runs a purchase through to a confirmed payment
func (h *harness) buy(t *testing.T, requester string) Confirmation {
	t.Helper()
	ctx := context.Background()
	purchase, err := h.svc.InitiatePurchase(ctx, "course-1", requester)
	require.NoError(t, err)
	payment := "pay_" + purchase.OrderID
	conf, err := h.svc.ConfirmPayment(ctx, purchase.ProviderOrderRef, payment, ledger.Sign(secret, purchase.ProviderOrderRef, payment), models.ClientInfo{})
	require.NoError(t, err)
	return conf
}

func TestFreeIsAlwaysAllowDirect(t *testing.T) {
	h := newHarness(t)
	for _, requester := range []string{"", "user-1", "guest:0123456789abcdef"} {
		ent, err := h.svc.GetEntitlement(context.Background(), "notes-1", requester)
		require.NoError(t, err)
		assert.Equal(t, models.DecisionAllowDirect, ent.Decision)
		assert.Empty(t, ent.VaultReference)
	}
}

func TestVaultHandOffReturnsReferenceWithoutToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ent, err := h.svc.GetEntitlement(ctx, "vault-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionAllowViaExternalVault, ent.Decision)
	assert.Equal(t, "https://vault.example.com/1", ent.VaultReference)
	assert.Len(t, h.events.OfType(events.VaultHandoff), 1)

	_, err = h.svc.IssueDownloadLink(ctx, "vault-1", "user-1", LinkOptions{})
	assert.ErrorIs(t, err, models.ErrValidationFailed)
	assert.Empty(t, h.events.OfType(events.TokenIssued))
}

func TestPaidDeniedUntilPaymentConfirmed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ent, err := h.svc.GetEntitlement(ctx, "course-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionDenied, ent.Decision)
	assert.Equal(t, int64(4900), ent.Price)
	assert.Equal(t, "INR", ent.Currency)

	_, err = h.svc.IssueDownloadLink(ctx, "course-1", "user-1", LinkOptions{})
	assert.ErrorIs(t, err, models.ErrPolicyDenied)

	conf := h.buy(t, "user-1")
	assert.Equal(t, models.OrderCompleted, conf.Order.Status)
	assert.NotEmpty(t, conf.Token.Secret)

	ent, err = h.svc.GetEntitlement(ctx, "course-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionAllowDirect, ent.Decision)
	assert.Zero(t, ent.Price)

	other, err := h.svc.GetEntitlement(ctx, "course-1", "user-2")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionDenied, other.Decision)
}

func TestInitiatePurchaseIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.InitiatePurchase(ctx, "course-1", "user-1")
	require.NoError(t, err)
	second, err := h.svc.InitiatePurchase(ctx, "course-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, first.ProviderOrderRef, second.ProviderOrderRef)

	_, err = h.svc.InitiatePurchase(ctx, "notes-1", "user-1")
	assert.ErrorIs(t, err, models.ErrValidationFailed)
	_, err = h.svc.InitiatePurchase(ctx, "nope", "user-1")
	assert.ErrorIs(t, err, models.ErrContentNotFound)
}

func TestPurchaseAfterCompletionIsAlreadyEntitled(t *testing.T) {
	h := newHarness(t)
	conf := h.buy(t, "user-1")

	again, err := h.svc.InitiatePurchase(context.Background(), "course-1", "user-1")
	require.NoError(t, err)
	assert.True(t, again.AlreadyEntitled)
	assert.Equal(t, conf.Order.ID, again.OrderID)
}

func TestConfirmPaymentIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conf := h.buy(t, "user-1")

	ref, pay := conf.Order.ProviderOrderRef, conf.Order.ProviderPaymentRef
	again, err := h.svc.ConfirmPayment(ctx, ref, pay, ledger.Sign(secret, ref, pay), models.ClientInfo{})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, conf.Order.ID, again.Order.ID)
	assert.Equal(t, conf.Token.Secret, again.Token.Secret)
	assert.Len(t, h.events.OfType(events.TokenIssued), 1)
}

func TestTamperedSignatureFailsOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	purchase, err := h.svc.InitiatePurchase(ctx, "course-1", "user-1")
	require.NoError(t, err)

	sig := []byte(ledger.Sign(secret, purchase.ProviderOrderRef, "pay_1"))
	sig[len(sig)-1] ^= 0x01

	_, err = h.svc.ConfirmPayment(ctx, purchase.ProviderOrderRef, "pay_1", string(sig), models.ClientInfo{})
	assert.ErrorIs(t, err, models.ErrSignatureInvalid)

	order, err := h.svc.Order(ctx, purchase.OrderID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderFailed, order.Status)

	ent, err := h.svc.GetEntitlement(ctx, "course-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionDenied, ent.Decision)
}

func TestNonCanonicalSignatureFailsOrder(t *testing.T) {
	for name, mangle := range map[string]func(string) string{
		"letter case flipped": func(sig string) string {
			b := []byte(sig)
			b[strings.IndexAny(sig, "abcdef")] ^= 0x20
			return string(b)
		},
		"padded with spaces": func(sig string) string { return " " + sig + " " },
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			purchase, err := h.svc.InitiatePurchase(ctx, "course-1", "user-1")
			require.NoError(t, err)

			sig := ledger.Sign(secret, purchase.ProviderOrderRef, "pay_1")
			require.True(t, strings.ContainsAny(sig, "abcdef"))

			_, err = h.svc.ConfirmPayment(ctx, purchase.ProviderOrderRef, "pay_1", mangle(sig), models.ClientInfo{})
			assert.ErrorIs(t, err, models.ErrSignatureInvalid)

			order, err := h.svc.Order(ctx, purchase.OrderID, "user-1")
			require.NoError(t, err)
			assert.Equal(t, models.OrderFailed, order.Status)

			_, err = h.svc.IssueDownloadLink(ctx, "course-1", "user-1", LinkOptions{})
			assert.ErrorIs(t, err, models.ErrPolicyDenied)
		})
	}
}

func TestIssueRedeemOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	token, err := h.svc.IssueDownloadLink(ctx, "notes-1", "guest:0123456789abcdef", LinkOptions{})
	require.NoError(t, err)

	ptr, err := h.svc.RedeemDownloadLink(ctx, token.Secret, "", "")
	require.NoError(t, err)
	assert.Equal(t, "notes/1.pdf", ptr.StorageReference)
	assert.Equal(t, token.ID, ptr.TokenID)

	_, err = h.svc.RedeemDownloadLink(ctx, token.Secret, "", "")
	assert.ErrorIs(t, err, models.ErrTokenAlreadyUsed)
}

func TestExpiredLinkCannotBeRedeemed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	token, err := h.svc.IssueDownloadLink(ctx, "notes-1", "user-1", LinkOptions{TTL: time.Minute})
	require.NoError(t, err)

	h.now = h.now.Add(time.Minute + time.Second)
	_, err = h.svc.RedeemDownloadLink(ctx, token.Secret, "", "")
	assert.ErrorIs(t, err, models.ErrTokenExpired)
}

func TestConcurrentRedemptionsOfPaidLink(t *testing.T) {
	h := newHarness(t)
	conf := h.buy(t, "user-1")

	const n = 10
	var (
		wg     sync.WaitGroup
		ok     atomic.Int64
		reused atomic.Int64
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.RedeemDownloadLink(context.Background(), conf.Token.Secret, "", "")
			switch {
			case err == nil:
				ok.Add(1)
			case assert.ErrorIs(t, err, models.ErrTokenAlreadyUsed):
				reused.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), ok.Load())
	assert.Equal(t, int64(n-1), reused.Load())
}

func TestRefundIsNotRetroactive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conf := h.buy(t, "user-1")

	refunded, err := h.svc.RefundOrder(ctx, conf.Order.ID, "admin-1", "chargeback")
	require.NoError(t, err)
	assert.Equal(t, models.OrderRefunded, refunded.Status)

	ent, err := h.svc.GetEntitlement(ctx, "course-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionDenied, ent.Decision)

	_, err = h.svc.IssueDownloadLink(ctx, "course-1", "user-1", LinkOptions{})
	assert.ErrorIs(t, err, models.ErrPolicyDenied)

	// the token issued before the refund still redeems once
	_, err = h.svc.RedeemDownloadLink(ctx, conf.Token.Secret, "", "")
	require.NoError(t, err)

	_, err = h.svc.RefundOrder(ctx, conf.Order.ID, "admin-1", "again")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestOrderIsScopedToRequester(t *testing.T) {
	h := newHarness(t)
	conf := h.buy(t, "user-1")

	_, err := h.svc.Order(context.Background(), conf.Order.ID, "user-2")
	assert.ErrorIs(t, err, models.ErrOrderNotFound)
}

func TestSweepExpiredTokens(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.IssueDownloadLink(ctx, "notes-1", "user-1", LinkOptions{TTL: time.Hour})
	require.NoError(t, err)

	h.now = h.now.Add(48 * time.Hour)
	removed, err := h.svc.SweepExpiredTokens(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}
