package middleware

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/eventdesk/assistant/internal/aierr"
	"github.com/eventdesk/assistant/pkg/contracts"
	pkgmw "github.com/eventdesk/assistant/pkg/middleware"
)

// AuthMiddleware authenticates requests using the AuthProviderChain and
// stores the resulting Identity and the client IP in the context.
//
// Anonymous requests pass through unless requireAuth is set; the assistant
// pipeline fails closed on its own when no identity is present.
type AuthMiddleware struct {
	chain       contracts.AuthProviderChain
	requireAuth bool
}

// NewAuthMiddleware creates the auth middleware.
func NewAuthMiddleware(chain contracts.AuthProviderChain, requireAuth bool) *AuthMiddleware {
	return &AuthMiddleware{chain: chain, requireAuth: requireAuth}
}

// Handler returns the HTTP handler middleware that authenticates requests.
func (am *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := pkgmw.SetClientIP(r.Context(), clientIP(r))

		if isAuthPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		identity, err := am.chain.Authenticate(ctx, r)
		if err != nil {
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("Authentication failed")
			unauthorized(w, "Invalid credentials")
			return
		}
		if identity == nil && am.requireAuth {
			unauthorized(w, "Authentication required. Set Authorization: Bearer <token> or X-API-Key.")
			return
		}

		next.ServeHTTP(w, r.WithContext(pkgmw.SetIdentity(ctx, identity)))
	})
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="eventdesk"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"code":    string(aierr.CodeUnauthorized),
			"message": message,
		},
	})
}

// clientIP strips the port from RemoteAddr. chi's RealIP middleware has
// already applied X-Forwarded-For / X-Real-IP.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isAuthPublicPath returns true for paths that skip authentication.
func isAuthPublicPath(path string) bool {
	switch path {
	case "/health", "/version":
		return true
	}
	return false
}
