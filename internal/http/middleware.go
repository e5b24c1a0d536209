package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/example/faceattend/internal/application"
)

// AdminKeyHeader carries the enrollment admin key.
const AdminKeyHeader = "X-Admin-Key"

// KeyVerifier checks admin keys.
type KeyVerifier interface {
	Enabled() bool
	Verify(key string) error
}

// RequireAdminKey rejects requests whose X-Admin-Key does not verify. A
// nil or disabled verifier lets every request through.
func RequireAdminKey(verifier KeyVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	responder := newResponder(logger)

	return func(next http.Handler) http.Handler {
		if verifier == nil || !verifier.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			err := verifier.Verify(strings.TrimSpace(r.Header.Get(AdminKeyHeader)))
			if err != nil {
				if !errors.Is(err, application.ErrUnauthorized) {
					err = errors.Join(application.ErrUnauthorized, err)
				}
				responder.writeErrno(r.Context(), w, http.StatusUnauthorized, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CORS sets the permissive headers browsers need to post enrollment forms
// from another origin and answers preflight requests.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", http.MethodPost)
		h.Set("Access-Control-Allow-Headers", "x-prototype-version,x-requested-with,"+strings.ToLower(AdminKeyHeader))
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequestLogger attaches a numbered logger to every request.
func RequestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = slog.Default()
	}
	var counter atomic.Uint64

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := counter.Add(1)
			logger := base.With(
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
			)

			ctx := ContextWithRequestID(ContextWithLogger(r.Context(), logger), id)
			start := time.Now()
			logger.DebugContext(ctx, "request started", "remote_addr", r.RemoteAddr)
			next.ServeHTTP(w, r.WithContext(ctx))
			logger.InfoContext(ctx, "request completed", "duration", time.Since(start))
		})
	}
}
