package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ComUnity/abuse-gateway/internal/models"
	"github.com/ComUnity/abuse-gateway/internal/service"
)

// AdminVerifier is satisfied by *service.RoleVerifier.
type AdminVerifier interface {
	Verify(ctx context.Context, token string, meta models.RequestMeta) (models.VerifyResult, error)
}

// BearerToken returns the token from "Authorization: Bearer <token>", or "".
func BearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// RequestMetaFrom builds the caller details recorded with admin attempts.
func RequestMetaFrom(x *IdentityExtractor, r *http.Request) models.RequestMeta {
	return models.RequestMeta{
		IP:        x.ClientIP(r),
		UserAgent: sanitizeHeader(r.UserAgent(), 512),
	}
}

// RequireAdmin re-verifies admin membership for every request it guards.
// 401 without a valid session, 403 for non-admins, 500 when the role store
// cannot answer. The role is never taken from the request itself.
func RequireAdmin(v AdminVerifier, x *IdentityExtractor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := v.Verify(r.Context(), BearerToken(r), RequestMetaFrom(x, r))
			switch {
			case errors.Is(err, service.ErrUnauthenticated):
				writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthenticated", "isAdmin": false})
				return
			case err != nil:
				writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "role_lookup_failed", "isAdmin": false})
				return
			case !res.IsAdmin:
				writeJSON(w, http.StatusForbidden, map[string]any{"error": "forbidden", "isAdmin": false})
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminKey, res)))
		})
	}
}

// AdminFromContext returns the verification result stored by RequireAdmin.
func AdminFromContext(ctx context.Context) (models.VerifyResult, bool) {
	res, ok := ctx.Value(adminKey).(models.VerifyResult)
	return res, ok
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
