package server

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/telhawk-systems/transferpipe/pkg/logging"
)

const requestIDHeader = "X-Request-ID"

// RequestID stamps every request with a correlation ID, reusing the caller's
// X-Request-ID when present so cross-service traces line up.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.WithCorrelationID(r.Context(), id)))
	})
}
