// logging.go -- Request-scoped logging helpers.
//
// Every line carries the chi request id, client IP, method and path, plus
// the user id once RequireAuth has run.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

func reqAttrs(r *http.Request) []any {
	attrs := make([]any, 0, 12)
	if id := middleware.GetReqID(r.Context()); id != "" {
		attrs = append(attrs, "request_id", id)
	}
	attrs = append(attrs,
		"ip", clientIP(r),
		"method", r.Method,
		"path", r.URL.Path,
	)
	if userID, ok := UserIDFromContext(r.Context()); ok {
		attrs = append(attrs, "session_user", userID)
	}
	return attrs
}

func logAt(r *http.Request, level slog.Level, msg string, args []any) {
	ctx := r.Context()
	if !slog.Default().Enabled(ctx, level) {
		return
	}
	slog.Log(ctx, level, msg, append(reqAttrs(r), args...)...)
}

func logDebug(r *http.Request, msg string, args ...any) { logAt(r, slog.LevelDebug, msg, args) }
func logInfo(r *http.Request, msg string, args ...any)  { logAt(r, slog.LevelInfo, msg, args) }
func logWarn(r *http.Request, msg string, args ...any)  { logAt(r, slog.LevelWarn, msg, args) }

// logError also records the user agent, which is mostly noise on the happy path.
func logError(r *http.Request, msg string, args ...any) {
	logAt(r, slog.LevelError, msg, append([]any{"user_agent", r.UserAgent()}, args...))
}
