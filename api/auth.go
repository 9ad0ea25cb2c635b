package api

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aswathylr-builds/secure-delivery/models"
)

// GuestPrefix namespaces client-generated guest identifiers so they never
// collide with authenticated subjects.
const GuestPrefix = "guest:"

const (
	RoleGuest = "guest"
	RoleUser  = "user"
)

var guestIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{16,128}$`)

// Principal is the requester behind an HTTP call
type Principal struct {
	ID    string
	Role  string
	Guest bool
}

type claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens issued by the authentication
// service and accepts X-Guest-Id headers when no bearer token is sent.
type Authenticator struct {
	secret []byte
	nowFn  func() time.Time
}

func NewAuthenticator(secret []byte) (*Authenticator, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 bytes")
	}
	return &Authenticator{secret: secret, nowFn: time.Now}, nil
}

// Authenticate returns the principal for r. ok is false when r carries no
// credentials at all.
func (a *Authenticator) Authenticate(r *http.Request) (Principal, bool, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		raw, err := bearerTokenFromHeader(header)
		if err != nil {
			return Principal{}, false, err
		}
		p, err := a.verify(raw)
		if err != nil {
			return Principal{}, false, err
		}
		return p, true, nil
	}
	if guest := r.Header.Get("X-Guest-Id"); guest != "" {
		if !guestIDPattern.MatchString(guest) {
			return Principal{}, false, fmt.Errorf("%w: malformed guest id", models.ErrUnauthorized)
		}
		return Principal{ID: GuestPrefix + guest, Role: RoleGuest, Guest: true}, true, nil
	}
	return Principal{}, false, nil
}

func (a *Authenticator) verify(raw string) (Principal, error) {
	parsed, err := jwt.ParseWithClaims(raw, &claims{}, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.nowFn),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", models.ErrUnauthorized, err)
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid || c.Subject == "" {
		return Principal{}, models.ErrUnauthorized
	}
	// a bearer subject may not pose as a guest
	if strings.HasPrefix(c.Subject, GuestPrefix) {
		return Principal{}, fmt.Errorf("%w: reserved subject", models.ErrUnauthorized)
	}
	role := c.Role
	if role == "" || role == RoleGuest {
		role = RoleUser
	}
	return Principal{ID: c.Subject, Role: role}, nil
}

// Sign issues a bearer token for subject. It backs local tooling and tests;
// production tokens come from the authentication service.
func (a *Authenticator) Sign(subject, role string, ttl time.Duration) (string, error) {
	now := a.nowFn()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func bearerTokenFromHeader(header string) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", models.ErrUnauthorized
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", models.ErrUnauthorized
	}
	return token, nil
}

type ctxKey string

const (
	ctxKeyRequestID ctxKey = "request_id"
	ctxKeyPrincipal ctxKey = "principal"
)

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKeyPrincipal).(Principal)
	return p, ok
}

func requestIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return s
	}
	return ""
}

// authMiddleware attaches the principal. With required set, anonymous calls
// are rejected; invalid credentials are always rejected.
func (h *Handler) authMiddleware(required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok, err := h.auth.Authenticate(r)
			if err == nil && !ok && required {
				err = models.ErrUnauthorized
			}
			if err != nil {
				h.fail(w, r, err)
				return
			}
			ctx := r.Context()
			if ok {
				ctx = context.WithValue(ctx, ctxKeyPrincipal, p)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
