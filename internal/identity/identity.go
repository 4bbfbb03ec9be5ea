package identity

import (
	"context"
	"net/http"
	"strings"

	"examhub/internal/app/apiresp"

	"github.com/google/uuid"
)

// Identity describes an already-authenticated caller. Authentication itself
// happens upstream (gateway middleware); this service only trusts the
// forwarded descriptor.
type Identity struct {
	UserID     uuid.UUID
	TenantID   uuid.UUID
	ActiveRole string
}

const (
	RoleTeacher = "teacher"
	RoleStudent = "student"
	RoleAdmin   = "admin"
)

const (
	headerUserID = "X-User-Id"
	headerTenant = "X-Tenant-Id"
	headerRole   = "X-Role"
)

type contextKey string

const identityContextKey contextKey = "identity"

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(Identity)
	return id, ok
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// Require resolves the caller descriptor from the gateway headers and rejects
// requests that carry none or a malformed one.
func Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := uuid.Parse(strings.TrimSpace(r.Header.Get(headerUserID)))
		if err != nil {
			apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		tenantID, err := uuid.Parse(strings.TrimSpace(r.Header.Get(headerTenant)))
		if err != nil {
			apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		role := strings.TrimSpace(strings.ToLower(r.Header.Get(headerRole)))
		switch role {
		case RoleTeacher, RoleStudent, RoleAdmin:
		default:
			apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}

		id := Identity{UserID: userID, TenantID: tenantID, ActiveRole: role}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func RequireRoles(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := FromContext(r.Context())
			if !ok {
				apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}
			if _, ok := allowed[id.ActiveRole]; !ok {
				apiresp.WriteError(w, r, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
