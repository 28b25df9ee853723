package middleware

import (
	"net/http"

	"github.com/hooktrap/hooktrap/internal/ident"
)

// RequestIDHeader correlates a recorded event with the caller's logs.
const RequestIDHeader = "X-Request-ID"

const requestIDLength = 16

// RequestID propagates an inbound X-Request-ID or stamps a fresh one,
// and echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = "req_" + ident.New(requestIDLength)
			r.Header.Set(RequestIDHeader, id)
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}
