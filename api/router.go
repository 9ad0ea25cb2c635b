// Package api serves the public delivery operations over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestIDMiddleware)
	r.Use(h.recoverMiddleware)
	r.Use(h.loggingMiddleware)

	if h.health != nil {
		r.Handle("/health", h.health)
		r.Handle("/health/*", h.health)
	}

	r.Route("/v1", func(r chi.Router) {
		// the secret is the credential
		r.Post("/downloads/{secret}/redeem", h.redeem)

		r.With(h.authMiddleware(false)).Get("/content/{item_id}/entitlement", h.getEntitlement)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware(true))
			r.Post("/content/{item_id}/purchase", h.initiatePurchase)
			r.Post("/content/{item_id}/links", h.issueLink)
			r.Post("/payments/confirm", h.confirmPayment)
			r.Get("/orders/{order_id}", h.getOrder)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.authMiddleware(true))
			r.With(h.require(PermRefundOrder)).Post("/orders/{order_id}/refund", h.refundOrder)
			r.With(h.require(PermSweepTokens)).Post("/tokens/sweep", h.sweepTokens)
		})
	})
	return r
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" || len(reqID) > 128 {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, reqID)))
	})
}

func (h *Handler) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.fail(w, r, fmt.Errorf("panic: %v", rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// loggingMiddleware logs one line per request. Redeem paths carry a bearer
// secret, so only route patterns are logged.
func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		h.logger.InfoContext(r.Context(), "http request",
			"request_id", requestIDFromContext(r.Context()),
			"method", r.Method,
			"route", route,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
