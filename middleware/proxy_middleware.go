// Package middleware carries the request plumbing that runs before the
// webhook pipeline: client identity resolution, auth, request ids and
// response hardening headers.
package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

const (
	xForwardedForHeader = "X-Forwarded-For"
	xRealIPHeader       = "X-Real-Ip"
)

// ClientIPMiddleware resolves the client address once, up front, and
// rewrites r.RemoteAddr to the bare IP every later stage keys on. When
// proxy headers are trusted, the left-most forwarded address wins, but
// only if it is a syntactically valid IP literal. A request whose
// client cannot be identified is rejected with a fixed 400.
type ClientIPMiddleware struct {
	trustProxy bool

	next http.Handler
}

func NewClientIPMiddleware(trustProxy bool, next http.Handler) *ClientIPMiddleware {
	return &ClientIPMiddleware{
		trustProxy: trustProxy,
		next:       next,
	}
}

func (m *ClientIPMiddleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip, ok := m.clientIP(r)
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, `{"error":%q}`, "Cannot identify client address")
		return
	}
	r.RemoteAddr = ip
	m.next.ServeHTTP(w, r)
}

func (m *ClientIPMiddleware) clientIP(r *http.Request) (string, bool) {
	if m.trustProxy {
		if fwd := r.Header.Get(xForwardedForHeader); fwd != "" {
			return validIPLiteral(leftmostAddr(fwd))
		}
		if fwd := r.Header.Get(xRealIPHeader); fwd != "" {
			return validIPLiteral(leftmostAddr(fwd))
		}
	}
	return socketIP(r.RemoteAddr)
}

func socketIP(remoteAddr string) (string, bool) {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return validIPLiteral(host)
}

func leftmostAddr(ipList string) string {
	if i := strings.IndexByte(ipList, ','); i != -1 {
		ipList = ipList[:i]
	}
	return strings.TrimSpace(ipList)
}

func validIPLiteral(s string) (string, bool) {
	if net.ParseIP(s) == nil {
		return "", false
	}
	return s, true
}
