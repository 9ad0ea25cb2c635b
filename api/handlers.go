package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aswathylr-builds/secure-delivery/access"
	"github.com/aswathylr-builds/secure-delivery/models"
)

// Service is the set of public operations the HTTP layer drives
type Service interface {
	GetEntitlement(ctx context.Context, itemID, requesterID string) (access.Entitlement, error)
	InitiatePurchase(ctx context.Context, itemID, requesterID string) (access.PurchaseResult, error)
	ConfirmPayment(ctx context.Context, providerOrderRef, providerPaymentRef, signature string, client models.ClientInfo) (access.Confirmation, error)
	IssueDownloadLink(ctx context.Context, itemID, requesterID string, opts access.LinkOptions) (models.DownloadToken, error)
	RedeemDownloadLink(ctx context.Context, secret, ip, userAgent string) (models.DeliveryPointer, error)
	RefundOrder(ctx context.Context, orderID, actor, reason string) (models.Order, error)
	SweepExpiredTokens(ctx context.Context, retention time.Duration) (int64, error)
	Order(ctx context.Context, orderID, requesterID string) (models.Order, error)
}

type Dependencies struct {
	Service    Service
	Auth       *Authenticator
	Authorizer *Authorizer
	// Health serves /health, /health/live and /health/ready when set
	Health         http.Handler
	SweepRetention time.Duration
	Logger         *slog.Logger
}

type Handler struct {
	svc            Service
	auth           *Authenticator
	authz          *Authorizer
	health         http.Handler
	sweepRetention time.Duration
	logger         *slog.Logger
}

func NewHandler(deps Dependencies) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retention := deps.SweepRetention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Handler{
		svc:            deps.Service,
		auth:           deps.Auth,
		authz:          deps.Authorizer,
		health:         deps.Health,
		sweepRetention: retention,
		logger:         logger.With("module", "api"),
	}
}

const maxBodyBytes = 64 << 10

// decodeBody reads an optional JSON body into dst
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: invalid json body", models.ErrValidationFailed)
	}
	return nil
}

func clientInfo(r *http.Request) models.ClientInfo {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return models.ClientInfo{IP: ip, UserAgent: r.UserAgent()}
}

// requester returns the caller's id, or "" for anonymous calls
func requester(r *http.Request) string {
	if p, ok := principalFromContext(r.Context()); ok {
		return p.ID
	}
	return ""
}

func (h *Handler) getEntitlement(w http.ResponseWriter, r *http.Request) {
	ent, err := h.svc.GetEntitlement(r.Context(), chi.URLParam(r, "item_id"), requester(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, ent)
}

func (h *Handler) initiatePurchase(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.InitiatePurchase(r.Context(), chi.URLParam(r, "item_id"), requester(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.AlreadyEntitled {
		status = http.StatusOK
	}
	writeSuccess(w, status, res)
}

func (h *Handler) confirmPayment(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.ProviderOrderRef == "" || req.ProviderPaymentRef == "" || req.Signature == "" {
		h.fail(w, r, fmt.Errorf("%w: provider_order_id, provider_payment_id and signature are required", models.ErrValidationFailed))
		return
	}
	conf, err := h.svc.ConfirmPayment(r.Context(), req.ProviderOrderRef, req.ProviderPaymentRef, req.Signature, clientInfo(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	// the payment stands either way; only the buyer sees the order and link
	if conf.Order.RequesterID != requester(r) {
		h.fail(w, r, models.ErrOrderNotFound)
		return
	}
	writeSuccess(w, http.StatusOK, toConfirmResponse(conf))
}

func (h *Handler) issueLink(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	opts := access.LinkOptions{Client: clientInfo(r)}
	if req.TTLSeconds != 0 {
		p, _ := principalFromContext(r.Context())
		allowed, err := h.authz.Allowed(p.Role, PermCustomLinkTTL)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if !allowed {
			h.fail(w, r, models.ErrForbidden)
			return
		}
		ttl, err := secondsDuration("ttl_seconds", req.TTLSeconds)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		opts.TTL = ttl
	}
	token, err := h.svc.IssueDownloadLink(r.Context(), chi.URLParam(r, "item_id"), requester(r), opts)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, toLinkResponse(token))
}

// secondsDuration converts a positive count of seconds, rejecting values
// that would overflow time.Duration.
func secondsDuration(field string, seconds int64) (time.Duration, error) {
	if seconds <= 0 || seconds > math.MaxInt64/int64(time.Second) {
		return 0, fmt.Errorf("%w: %s must be a positive number of seconds", models.ErrValidationFailed, field)
	}
	return time.Duration(seconds) * time.Second, nil
}

func (h *Handler) redeem(w http.ResponseWriter, r *http.Request) {
	client := clientInfo(r)
	ptr, err := h.svc.RedeemDownloadLink(r.Context(), chi.URLParam(r, "secret"), client.IP, client.UserAgent)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, ptr)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.svc.Order(r.Context(), chi.URLParam(r, "order_id"), requester(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) refundOrder(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		h.fail(w, r, fmt.Errorf("%w: reason is required", models.ErrValidationFailed))
		return
	}
	order, err := h.svc.RefundOrder(r.Context(), chi.URLParam(r, "order_id"), requester(r), req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) sweepTokens(w http.ResponseWriter, r *http.Request) {
	var req sweepRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	retention := h.sweepRetention
	if req.RetentionSeconds != 0 {
		var err error
		if retention, err = secondsDuration("retention_seconds", req.RetentionSeconds); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	removed, err := h.svc.SweepExpiredTokens(r.Context(), retention)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, sweepResponse{Removed: removed})
}
