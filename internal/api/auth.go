package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

type contextKey string

const workspaceKey contextKey = "workspace_id"

// RequireAuth verifies an HS256 bearer token and stashes its workspace_id
// claim on the request context. Tokens are issued by the platform's auth
// layer; this middleware only checks signature and expiry.
func RequireAuth(secret string) func(http.Handler) http.Handler {
	keyFunc := func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			raw, found := strings.CutPrefix(header, "Bearer ")
			if !found || raw == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(raw, claims, keyFunc)
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}

			if ws, ok := claims["workspace_id"].(string); ok && ws != "" {
				r = r.WithContext(context.WithValue(r.Context(), workspaceKey, ws))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WorkspaceFromContext returns the authenticated workspace id, empty when
// auth is disabled or the token carried no workspace claim.
func WorkspaceFromContext(ctx context.Context) string {
	ws, _ := ctx.Value(workspaceKey).(string)
	return ws
}
