// Package middleware provides HTTP middleware for SyncHub.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/Strob0t/synchub/internal/logger"
)

// HeaderRequestID carries the request id on HTTP and is copied onto
// bridge messages.
const HeaderRequestID = "X-Request-ID"

// RequestID takes X-Request-ID from the request or generates one, stores it
// in the context and echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}

		ctx := logger.WithRequestID(r.Context(), id)
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
