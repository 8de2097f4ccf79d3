package middleware

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/welldanyogia/sse-gateway/internal/auth"
	appctx "github.com/welldanyogia/sse-gateway/internal/context"
)

// ErrorResponse represents the standard error response format
type ErrorResponse struct {
	Success   bool        `json:"success"`
	Error     ErrorDetail `json:"error"`
	Timestamp time.Time   `json:"timestamp"`
}

// ErrorDetail contains error information
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMiddleware resolves the caller's principal from a bearer token
type AuthMiddleware struct {
	tokenService *auth.TokenService
}

// NewAuthMiddleware creates a new AuthMiddleware instance
func NewAuthMiddleware(tokenService *auth.TokenService) *AuthMiddleware {
	return &AuthMiddleware{
		tokenService: tokenService,
	}
}

// Optional attaches the principal when a valid token is present. Requests without
// a token continue as anonymous. A token that is present but invalid is rejected.
// With no secret configured every request is anonymous.
func (m *AuthMiddleware) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.tokenService.Enabled() {
			next.ServeHTTP(w, r.WithContext(appctx.WithPrincipal(r.Context(), appctx.AnonymousPrincipal)))
			return
		}

		tokenString, ok := bearerToken(r)
		if !ok {
			next.ServeHTTP(w, r.WithContext(appctx.WithPrincipal(r.Context(), appctx.AnonymousPrincipal)))
			return
		}

		claims, err := m.tokenService.ValidateAccessToken(tokenString)
		if err != nil {
			m.writeError(w, http.StatusUnauthorized, "AUTH_TOKEN_INVALID", "Invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(appctx.WithPrincipal(r.Context(), claims.Principal())))
	})
}

// Authenticate requires a valid token. It is used for the publish endpoint when auth is enabled.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.tokenService.Enabled() {
			next.ServeHTTP(w, r.WithContext(appctx.WithPrincipal(r.Context(), appctx.AnonymousPrincipal)))
			return
		}

		if r.Header.Get("Authorization") == "" && r.URL.Query().Get("token") == "" {
			m.writeError(w, http.StatusUnauthorized, "AUTH_TOKEN_MISSING", "Authorization header is required")
			return
		}
		tokenString, ok := bearerToken(r)
		if !ok {
			m.writeError(w, http.StatusUnauthorized, "AUTH_TOKEN_INVALID", "Invalid authorization header format")
			return
		}

		claims, err := m.tokenService.ValidateAccessToken(tokenString)
		if err != nil {
			m.writeError(w, http.StatusUnauthorized, "AUTH_TOKEN_INVALID", "Invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(appctx.WithPrincipal(r.Context(), claims.Principal())))
	})
}

// bearerToken reads the Authorization header, falling back to the token query
// parameter because EventSource cannot set headers.
func bearerToken(r *http.Request) (string, bool) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, true
	}
	return "", false
}

// writeError writes a JSON error response
func (m *AuthMiddleware) writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Success: false,
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
		Timestamp: time.Now().UTC(),
	}

	json.NewEncoder(w).Encode(response)
}
