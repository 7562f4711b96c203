// Package auth extracts the learner's course service token from requests.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/drallgood/course-progress-sync/internal/logger"
)

type contextKey string

const tokenContextKey contextKey = "course_token"

// DefaultCookieName is the cookie checked when no Authorization header is sent
const DefaultCookieName = "course_token"

// Middleware forwards bearer tokens to the handlers through the request context
type Middleware struct {
	cookieName    string
	fallbackToken string
}

// NewMiddleware creates the middleware. fallbackToken is used for requests
// that carry no token; it may be empty.
func NewMiddleware(cookieName, fallbackToken string) *Middleware {
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	return &Middleware{
		cookieName:    cookieName,
		fallbackToken: strings.TrimSpace(fallbackToken),
	}
}

// Bearer stores the request token in the context. Requests without a token
// pass through; progress operations then become no-ops.
func (m *Middleware) Bearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := m.tokenFromRequest(r)
		if token == "" {
			token = m.fallbackToken
		}
		if token != "" {
			r = r.WithContext(context.WithValue(r.Context(), tokenContextKey, token))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireToken rejects requests that carry no token
func (m *Middleware) RequireToken(next http.Handler) http.Handler {
	return m.Bearer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if TokenFromContext(r.Context()) == "" {
			logger.FromContext(r.Context()).Debug("Rejecting request without token", map[string]interface{}{
				"path": r.URL.Path,
			})
			writeJSONError(w, http.StatusUnauthorized, &AuthError{Code: "no_token", Message: "No authentication token provided"})
			return
		}
		next.ServeHTTP(w, r)
	}))
}

func (m *Middleware) tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
			return strings.TrimSpace(h[7:])
		}
	}
	if cookie, err := r.Cookie(m.cookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return ""
}

// TokenFromContext returns the token stored by Bearer
func TokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenContextKey).(string)
	return token
}

// CORSMiddleware handles CORS headers
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AuthError represents an authentication error
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *AuthError) Error() string {
	return e.Message
}

func writeJSONError(w http.ResponseWriter, status int, authErr *AuthError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	response := map[string]interface{}{
		"success": false,
		"error":   authErr.Message,
		"code":    authErr.Code,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Get().Error("Failed to encode middleware error response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
