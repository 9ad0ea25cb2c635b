package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"

	"github.com/aswathylr-builds/secure-delivery/models"
)

// Permissions checked by the HTTP layer, written as object:action
const (
	PermRefundOrder   = "orders:refund"
	PermSweepTokens   = "tokens:sweep"
	PermCustomLinkTTL = "links:issue_custom_ttl"
)

const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
)

const rbacModelDefinition = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && r.obj == p.obj && r.act == p.act
`

// Authorizer answers role/permission questions with a casbin RBAC enforcer.
// Admins inherit every operator permission.
type Authorizer struct {
	enforcer *casbin.Enforcer
}

func NewAuthorizer() (*Authorizer, error) {
	m, err := model.NewModelFromString(rbacModelDefinition)
	if err != nil {
		return nil, fmt.Errorf("failed to parse rbac model: %w", err)
	}
	enforcer, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize rbac enforcer: %w", err)
	}

	policies := [][]string{
		{RoleAdmin, "orders", "refund"},
		{RoleAdmin, "tokens", "sweep"},
		{RoleOperator, "links", "issue_custom_ttl"},
	}
	for _, p := range policies {
		if _, err := enforcer.AddPolicy(p[0], p[1], p[2]); err != nil {
			return nil, fmt.Errorf("failed to add policy %v: %w", p, err)
		}
	}
	if _, err := enforcer.AddGroupingPolicy(RoleAdmin, RoleOperator); err != nil {
		return nil, fmt.Errorf("failed to add role inheritance: %w", err)
	}
	return &Authorizer{enforcer: enforcer}, nil
}

// Allowed reports whether role holds permission
func (a *Authorizer) Allowed(role, permission string) (bool, error) {
	obj, act, ok := strings.Cut(permission, ":")
	if !ok {
		return false, fmt.Errorf("malformed permission %q", permission)
	}
	allowed, err := a.enforcer.Enforce(role, obj, act)
	if err != nil {
		return false, fmt.Errorf("rbac permission check failed: %w", err)
	}
	return allowed, nil
}

// require rejects principals whose role lacks permission. It must run after
// authMiddleware(true).
func (h *Handler) require(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := principalFromContext(r.Context())
			if !ok {
				h.fail(w, r, models.ErrUnauthorized)
				return
			}
			allowed, err := h.authz.Allowed(p.Role, permission)
			if err != nil {
				h.fail(w, r, err)
				return
			}
			if !allowed {
				h.logger.WarnContext(r.Context(), "permission denied",
					"operation", "authorize",
					"outcome", "forbidden",
					"requester_id", p.ID,
					"permission", permission,
				)
				h.fail(w, r, models.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
