package middleware

import (
	"log/slog"
	"net/http"

	"github.com/DrorGr/amesaFE-sub002/pkg/logger"
)

// RequestLogger stores a request-scoped logger carrying correlation_id,
// user_id and trace fields in the context. Mount it after RequestLogging,
// Tracing and JWTAuth; handlers read it back with logger.FromContext.
func RequestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if userID := UserIDFromContext(ctx); userID != "" {
				ctx = logger.WithUserID(ctx, userID)
			}
			ctx = logger.NewContext(ctx, logger.WithContext(ctx, base))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
