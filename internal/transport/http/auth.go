package http

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"e2ee-session/internal/observability/middleware"
	"e2ee-session/internal/tokens"
)

type claimsKey struct{}

// RequireDevice rejects requests without a valid bearer token and stores the
// token claims in the request context.
func RequireDevice(signer *tokens.Signer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := middleware.RequestIDFromContext(r.Context())
			traceID := middleware.TraceIDFromContext(r.Context())
			raw := r.Header.Get("Authorization")
			if !strings.HasPrefix(strings.ToLower(raw), "bearer ") {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				slog.Warn("directory auth missing bearer", "request_id", reqID, "trace_id", traceID)
				return
			}
			claims, err := signer.Verify(strings.TrimSpace(raw[len("Bearer "):]))
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				slog.Warn("directory auth invalid token", "error", err, "request_id", reqID, "trace_id", traceID)
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func ClaimsFrom(ctx context.Context) (*tokens.Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*tokens.Claims)
	return c, ok
}
