// SPDX-License-Identifier: MIT

package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	xlog "github.com/fleetsafe/estopd/internal/log"
)

const requestIDHeader = "X-Request-Id"

// RequestID attaches a correlation ID to the request context, honoring one
// supplied by the caller.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := xlog.ContextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Recoverer converts handler panics into 500 responses. It is the outermost
// safety net of the stack.
func Recoverer(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error().
						Str("event", "api.panic").
						Str("path", r.URL.Path).
						Interface("panic", rec).
						Msg("handler panicked")
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
