package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

// UserIDKey is the context key for the tenant user id.
const UserIDKey contextKey = "user_id"

// UserExtractor resolves the tenant user for the request. It checks the
// X-User-Id header, then the user query parameter, and falls back to
// "default". The admin surface sits behind the platform's auth proxy,
// which sets the header after verifying the session.
func UserExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := ""

		if h := r.Header.Get("X-User-Id"); h != "" {
			user = strings.TrimSpace(h)
		}
		if user == "" {
			if q := r.URL.Query().Get("user"); q != "" {
				user = strings.TrimSpace(q)
			}
		}
		if user == "" {
			user = "default"
		}

		ctx := context.WithValue(r.Context(), UserIDKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUserID retrieves the tenant user id from the request context.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDKey).(string); ok {
		return v
	}
	return "default"
}
