package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureHandler struct {
	timesCalled int
	remoteAddr  string
}

func (h *captureHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.timesCalled++
	h.remoteAddr = r.RemoteAddr
}

func TestClientIPMiddleware(t *testing.T) {
	testCases := []struct {
		name       string
		trustProxy bool
		remoteAddr string
		headers    map[string]string
		expectedIP string
		expectedOK bool
	}{
		{
			name:       "socket address without proxy",
			trustProxy: false,
			remoteAddr: "192.0.2.10:61234",
			expectedIP: "192.0.2.10",
			expectedOK: true,
		},
		{
			name:       "forwarded header ignored when proxy not trusted",
			trustProxy: false,
			remoteAddr: "192.0.2.10:61234",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.7"},
			expectedIP: "192.0.2.10",
			expectedOK: true,
		},
		{
			name:       "forwarded header wins when proxy trusted",
			trustProxy: true,
			remoteAddr: "192.0.2.10:61234",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.7"},
			expectedIP: "203.0.113.7",
			expectedOK: true,
		},
		{
			name:       "leftmost forwarded address wins",
			trustProxy: true,
			remoteAddr: "192.0.2.10:61234",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1, 10.0.0.2"},
			expectedIP: "203.0.113.7",
			expectedOK: true,
		},
		{
			name:       "real ip fallback",
			trustProxy: true,
			remoteAddr: "192.0.2.10:61234",
			headers:    map[string]string{"X-Real-Ip": "198.51.100.3"},
			expectedIP: "198.51.100.3",
			expectedOK: true,
		},
		{
			name:       "forwarded-for beats real ip",
			trustProxy: true,
			remoteAddr: "192.0.2.10:61234",
			headers: map[string]string{
				"X-Forwarded-For": "203.0.113.7",
				"X-Real-Ip":       "198.51.100.3",
			},
			expectedIP: "203.0.113.7",
			expectedOK: true,
		},
		{
			name:       "trusted proxy without headers falls back to socket",
			trustProxy: true,
			remoteAddr: "192.0.2.10:61234",
			expectedIP: "192.0.2.10",
			expectedOK: true,
		},
		{
			name:       "garbage forwarded value is rejected",
			trustProxy: true,
			remoteAddr: "192.0.2.10:61234",
			headers:    map[string]string{"X-Forwarded-For": "not-an-ip"},
			expectedOK: false,
		},
		{
			name:       "forwarded address with port is rejected",
			trustProxy: true,
			remoteAddr: "192.0.2.10:61234",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.7:443"},
			expectedOK: false,
		},
		{
			name:       "ipv6 forwarded literal",
			trustProxy: true,
			remoteAddr: "192.0.2.10:61234",
			headers:    map[string]string{"X-Forwarded-For": "2001:db8::1"},
			expectedIP: "2001:db8::1",
			expectedOK: true,
		},
		{
			name:       "ipv6 socket address",
			trustProxy: false,
			remoteAddr: "[2001:db8::1]:443",
			expectedIP: "2001:db8::1",
			expectedOK: true,
		},
		{
			name:       "unidentifiable socket address",
			trustProxy: false,
			remoteAddr: "@",
			expectedOK: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			next := &captureHandler{}
			m := NewClientIPMiddleware(tc.trustProxy, next)

			req := httptest.NewRequest("POST", "http://localhost/webhook/w1", nil)
			req.RemoteAddr = tc.remoteAddr
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			rw := httptest.NewRecorder()
			m.ServeHTTP(rw, req)

			if !tc.expectedOK {
				require.Equal(t, 0, next.timesCalled)
				assert.Equal(t, http.StatusBadRequest, rw.Code)
				assert.JSONEq(t, `{"error":"Cannot identify client address"}`, rw.Body.String())
				return
			}
			require.Equal(t, 1, next.timesCalled)
			assert.Equal(t, tc.expectedIP, next.remoteAddr)
		})
	}
}
