package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/hooktrap/hooktrap/internal/registry"
	"github.com/hooktrap/hooktrap/store"
)

func TestWebhookRecordsDelivery(t *testing.T) {
	g := newTestGateway(t, `
hooks:
  url_count: 1
  default_response_headers:
    X-Powered-By: hooktrap
`)
	srv := httptest.NewServer(g.newRouter())
	defer srv.Close()
	id := firstWebhookID(t, g)

	sub, err := g.hub.Subscribe("")
	require.NoError(t, err)
	defer sub.Close()

	body := `{"b":2,"a":1}`
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/webhook/"+id+"?source=ci&source=dup&attempt=7", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("User-Agent", "hooktrap-test/1.0")
	req.Header.Set("X-Request-ID", "req_fixed0000000001")
	req.Header.Set("Authorization", "Bearer sneaky")
	req.Header.Set("Cookie", "session=abc")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "OK", string(respBody))
	require.Equal(t, "hooktrap", resp.Header.Get("X-Powered-By"))
	require.Equal(t, "req_fixed0000000001", resp.Header.Get("X-Request-ID"))

	ev := awaitEvent(t, sub.Events())
	require.True(t, strings.HasPrefix(ev.ID, "evt_"), "id %q", ev.ID)
	require.Len(t, ev.ID, len("evt_")+17)
	require.Equal(t, id, ev.WebhookID)
	require.Equal(t, http.MethodPost, ev.Method)
	require.Equal(t, "/webhook/"+id, ev.Path)
	require.Equal(t, map[string]string{"source": "ci", "attempt": "7"}, ev.Query)
	require.Equal(t, "{\n  \"a\": 1,\n  \"b\": 2\n}", ev.Body)
	require.Equal(t, "json", ev.BodyEncoding)
	require.Equal(t, "application/json; charset=utf-8", ev.ContentType)
	require.Equal(t, int64(len(body)), ev.SizeBytes)
	require.Equal(t, "127.0.0.1", ev.RemoteIP)
	require.Equal(t, "hooktrap-test/1.0", ev.UserAgent)
	require.Equal(t, "req_fixed0000000001", ev.RequestID)
	require.Equal(t, maskSentinel, ev.Headers["authorization"])
	require.Equal(t, maskSentinel, ev.Headers["cookie"])
	require.Equal(t, "hooktrap-test/1.0", ev.Headers["user-agent"])
	require.Equal(t, 200, ev.StatusCode)
	require.Equal(t, "OK", ev.ResponseBody)
	require.Equal(t, "hooktrap", ev.ResponseHeaders["X-Powered-By"])
	require.Nil(t, ev.SignatureValid)
	require.GreaterOrEqual(t, ev.ProcessingTimeMs, int64(0))
}

func TestWebhookUnknownEndpoint(t *testing.T) {
	g := newTestGateway(t, "hooks:\n  url_count: 1\n")
	srv := httptest.NewServer(g.newRouter())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/webhook/wh_nope", "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	var out struct {
		Error string `json:"error"`
		ID    string `json:"id"`
	}
	readJSONBody(t, resp, &out)
	require.Equal(t, "Webhook not found or expired", out.Error)
	require.Equal(t, "wh_nope", out.ID)
}

func TestWebhookRecursionGuard(t *testing.T) {
	g := newTestGateway(t, "hooks:\n  url_count: 1\n")
	srv := httptest.NewServer(g.newRouter())
	defer srv.Close()
	id := firstWebhookID(t, g)

	post := func(runID string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/webhook/"+id, strings.NewReader("x"))
		require.NoError(t, err)
		req.Header.Set(forwardedByRunHeader, runID)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	// own forwards bounce, other instances' pass through
	resp := post(g.instanceID)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var out struct {
		Error string `json:"error"`
	}
	readJSONBody(t, resp, &out)
	require.Equal(t, "Refusing to process a request forwarded by this instance", out.Error)

	resp = post("run_someother")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestWebhookAuth(t *testing.T) {
	g := newTestGateway(t, "hooks:\n  url_count: 1\n  auth_key: sekret\n")
	srv := httptest.NewServer(g.newRouter())
	defer srv.Close()
	id := firstWebhookID(t, g)

	testCases := []struct {
		name       string
		url        string
		auth       string
		wantStatus int
		wantError  string
	}{
		{"missing", "", "", http.StatusUnauthorized, "authorization required"},
		{"wrong bearer", "", "Bearer nope", http.StatusUnauthorized, "invalid authorization key"},
		{"malformed", "", "sekret", http.StatusUnauthorized, "invalid authorization key"},
		{"bearer", "", "Bearer sekret", http.StatusOK, ""},
		{"legacy query key", "?key=sekret", "", http.StatusOK, ""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodPost, srv.URL+"/webhook/"+id+tc.url, strings.NewReader("x"))
			require.NoError(t, err)
			if tc.auth != "" {
				req.Header.Set("Authorization", tc.auth)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			require.Equal(t, tc.wantStatus, resp.StatusCode)
			if tc.wantError == "" {
				resp.Body.Close()
				return
			}
			var out struct {
				Error string `json:"error"`
			}
			readJSONBody(t, resp, &out)
			require.Equal(t, tc.wantError, out.Error)
		})
	}
}

func TestWebhookIPWhitelist(t *testing.T) {
	blocked := newTestGateway(t, "hooks:\n  url_count: 1\n  allowed_ips: [\"203.0.113.0/24\"]\n")
	srv := httptest.NewServer(blocked.newRouter())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/webhook/"+firstWebhookID(t, blocked), "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	var out struct {
		Error string `json:"error"`
	}
	readJSONBody(t, resp, &out)
	require.Contains(t, out.Error, "not allowed")

	allowed := newTestGateway(t, "hooks:\n  url_count: 1\n  allowed_ips: [\"127.0.0.0/8\"]\n")
	srv2 := httptest.NewServer(allowed.newRouter())
	defer srv2.Close()

	resp, err = http.Post(srv2.URL+"/webhook/"+firstWebhookID(t, allowed), "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

// plainReader hides the concrete reader type so the client cannot set
// Content-Length and sends the body chunked instead.
type plainReader struct{ io.Reader }

func TestWebhookPayloadCap(t *testing.T) {
	g := newTestGateway(t, "hooks:\n  url_count: 1\n  max_payload_size: 1KB\n")
	srv := httptest.NewServer(g.newRouter())
	defer srv.Close()
	id := firstWebhookID(t, g)

	big := strings.Repeat("a", 2048)

	testCases := []struct {
		name string
		body io.Reader
	}{
		{"content length over cap", strings.NewReader(big)},
		{"chunked body over cap", plainReader{strings.NewReader(big)}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodPost, srv.URL+"/webhook/"+id, tc.body)
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
			var out struct {
				Error string `json:"error"`
			}
			readJSONBody(t, resp, &out)
			require.Equal(t, "Payload too large, the maximum allowed size is 1024 bytes", out.Error)
		})
	}

	// exactly at the cap still passes
	resp, err := http.Post(srv.URL+"/webhook/"+id, "text/plain", strings.NewReader(strings.Repeat("a", 1024)))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestWebhookGzipBody(t *testing.T) {
	g := newTestGateway(t, "hooks:\n  url_count: 1\n  max_payload_size: 1KB\n")
	srv := httptest.NewServer(g.newRouter())
	defer srv.Close()
	id := firstWebhookID(t, g)

	gzipped := func(payload string) *bytes.Buffer {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, err := zw.Write([]byte(payload))
		require.NoError(t, err)
		require.NoError(t, zw.Close())
		return &buf
	}

	post := func(body io.Reader, contentType string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/webhook/"+id, body)
		require.NoError(t, err)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Content-Encoding", "gzip")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	t.Run("inflates and parses", func(t *testing.T) {
		sub, err := g.hub.Subscribe("")
		require.NoError(t, err)
		defer sub.Close()

		resp := post(gzipped(`{"zipped":true}`), "application/json")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()

		ev := awaitEvent(t, sub.Events())
		require.Equal(t, "{\n  \"zipped\": true\n}", ev.Body)
		require.Equal(t, "json", ev.BodyEncoding)
		require.Equal(t, int64(len(`{"zipped":true}`)), ev.SizeBytes)
	})

	t.Run("cap applies to the decoded length", func(t *testing.T) {
		resp := post(gzipped(strings.Repeat("a", 4096)), "text/plain")
		require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
		var out struct {
			Error string `json:"error"`
		}
		readJSONBody(t, resp, &out)
		require.Contains(t, out.Error, "1024")
	})

	t.Run("broken stream", func(t *testing.T) {
		resp := post(strings.NewReader("this is not gzip"), "text/plain")
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		var out struct {
			Error string `json:"error"`
		}
		readJSONBody(t, resp, &out)
		require.Contains(t, out.Error, "cannot read gzip body")
	})
}

func TestWebhookStatusOverride(t *testing.T) {
	g := newTestGateway(t, "hooks:\n  url_count: 1\n")
	srv := httptest.NewServer(g.newRouter())
	defer srv.Close()
	id := firstWebhookID(t, g)

	resp, err := http.Post(srv.URL+"/webhook/"+id+"?__status=503", "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var out struct {
		Message   string `json:"message"`
		WebhookID string `json:"webhookId"`
	}
	readJSONBody(t, resp, &out)
	require.Equal(t, "Configured response status 503", out.Message)
	require.Equal(t, id, out.WebhookID)

	// out-of-range and junk values fall back to the configured status
	for _, v := range []string{"99", "600", "junk"} {
		resp, err = http.Post(srv.URL+"/webhook/"+id+"?__status="+v, "text/plain", strings.NewReader("x"))
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode, "status %q", v)
		resp.Body.Close()
	}
}

func TestWebhookSchemaValidation(t *testing.T) {
	g := newTestGateway(t, `
hooks:
  url_count: 1
  json_schema: |
    {"type":"object","required":["kind"],"properties":{"kind":{"type":"string"}}}
`)
	srv := httptest.NewServer(g.newRouter())
	defer srv.Close()
	id := firstWebhookID(t, g)

	// violating payloads are rejected and never recorded
	resp, err := http.Post(srv.URL+"/webhook/"+id, "application/json", strings.NewReader(`{"n":1}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var out struct {
		Error   string   `json:"error"`
		Details []string `json:"details"`
	}
	readJSONBody(t, resp, &out)
	require.Equal(t, "Payload does not match the configured JSON schema", out.Error)
	require.NotEmpty(t, out.Details)

	sub, err := g.hub.Subscribe("")
	require.NoError(t, err)
	defer sub.Close()

	resp, err = http.Post(srv.URL+"/webhook/"+id, "application/json", strings.NewReader(`{"kind":"ping"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	ev := awaitEvent(t, sub.Events())
	awaitPersisted(t, g, id, ev.ID)

	events, err := g.store.Query(context.Background(), store.Query{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, ev.ID, events[0].ID)

	// the schema only applies to declared JSON payloads
	resp, err = http.Post(srv.URL+"/webhook/"+id, "text/plain", strings.NewReader("hello"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestWebhookSignatureVerification(t *testing.T) {
	secret := "shhh"
	g := newTestGateway(t, fmt.Sprintf(`
hooks:
  url_count: 1
  signature_verification:
    provider: shopify
    secret: %s
`, secret))
	srv := httptest.NewServer(g.newRouter())
	defer srv.Close()
	id := firstWebhookID(t, g)

	body := []byte(`{"order":1}`)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	goodSig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	post := func(sig string) *store.Event {
		sub, err := g.hub.Subscribe("")
		require.NoError(t, err)
		defer sub.Close()

		req, err := http.NewRequest(http.MethodPost, srv.URL+"/webhook/"+id, bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		if sig != "" {
			req.Header.Set("X-Shopify-Hmac-Sha256", sig)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		// a failed check never blocks ingestion
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
		return awaitEvent(t, sub.Events())
	}

	ev := post(goodSig)
	require.NotNil(t, ev.SignatureValid)
	require.True(t, *ev.SignatureValid)
	require.Equal(t, "shopify", ev.SignatureProvider)
	require.Empty(t, ev.SignatureError)

	ev = post(base64.StdEncoding.EncodeToString([]byte("bogus")))
	require.NotNil(t, ev.SignatureValid)
	require.False(t, *ev.SignatureValid)
	require.Equal(t, "Signature mismatch", ev.SignatureError)

	ev = post("")
	require.NotNil(t, ev.SignatureValid)
	require.False(t, *ev.SignatureValid)
	require.Equal(t, "Signature header missing", ev.SignatureError)
}

func TestWebhookMaskingDisabled(t *testing.T) {
	g := newTestGateway(t, "hooks:\n  url_count: 1\n  mask_sensitive_data: false\n")
	srv := httptest.NewServer(g.newRouter())
	defer srv.Close()
	id := firstWebhookID(t, g)

	sub, err := g.hub.Subscribe("")
	require.NoError(t, err)
	defer sub.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/webhook/"+id, strings.NewReader("x"))
	require.NoError(t, err)
	req.Header.Set("X-Api-Key", "plain-visible")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	ev := awaitEvent(t, sub.Events())
	require.Equal(t, "plain-visible", ev.Headers["x-api-key"])
}

func TestWebhookScriptTransform(t *testing.T) {
	testCases := []struct {
		name       string
		script     string
		wantStatus int
		wantBody   bool
	}{
		{
			name: "rewrites the response",
			script: `event.responseBody = "scripted for " .. req.webhookId
event.statusCode = 201
event.responseHeaders = {["X-From-Script"] = "yes"}`,
			wantStatus: http.StatusCreated,
			wantBody:   true,
		},
		{
			name:       "result of the wrong shape is discarded",
			script:     `event.statusCode = "oops"`,
			wantStatus: http.StatusOK,
		},
		{
			name:       "runtime error is discarded",
			script:     `error("kaboom")`,
			wantStatus: http.StatusOK,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			doc := "hooks:\n  url_count: 1\n  custom_script: |\n"
			for _, line := range strings.Split(tc.script, "\n") {
				doc += "    " + line + "\n"
			}
			g := newTestGateway(t, doc)
			srv := httptest.NewServer(g.newRouter())
			defer srv.Close()
			id := firstWebhookID(t, g)

			resp, err := http.Post(srv.URL+"/webhook/"+id, "text/plain", strings.NewReader("x"))
			require.NoError(t, err)
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			resp.Body.Close()

			require.Equal(t, tc.wantStatus, resp.StatusCode)
			if tc.wantBody {
				require.Equal(t, "scripted for "+id, string(body))
				require.Equal(t, "yes", resp.Header.Get("X-From-Script"))
			} else {
				require.Equal(t, "OK", string(body))
			}
		})
	}
}

func TestWebhookScriptTimeout(t *testing.T) {
	g := newTestGateway(t, `
script_timeout: 50ms
hooks:
  url_count: 1
  custom_script: |
    while true do end
`)
	srv := httptest.NewServer(g.newRouter())
	defer srv.Close()
	id := firstWebhookID(t, g)

	start := time.Now()
	resp, err := http.Post(srv.URL+"/webhook/"+id, "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "OK", string(body))
}

func TestWebhookEndpointOverrides(t *testing.T) {
	g := newTestGateway(t, "hooks:\n  url_count: 1\n")
	srv := httptest.NewServer(g.newRouter())
	defer srv.Close()
	id := firstWebhookID(t, g)

	require.True(t, g.registry.SetOverrides(id, &registry.Overrides{
		ResponseCode:    http.StatusTeapot,
		ResponseBody:    `{"short":"stout"}`,
		ResponseHeaders: map[string]string{"X-Teapot": "yes"},
	}))

	resp, err := http.Post(srv.URL+"/webhook/"+id, "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusTeapot, resp.StatusCode)
	require.Equal(t, `{"short":"stout"}`, string(body))
	require.Equal(t, "yes", resp.Header.Get("X-Teapot"))
	require.Contains(t, resp.Header.Get("Content-Type"), "application/json")

	// a delay override holds the response back
	require.True(t, g.registry.SetOverrides(id, &registry.Overrides{ResponseDelayMs: 80}))
	start := time.Now()
	resp, err = http.Post(srv.URL+"/webhook/"+id, "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	resp.Body.Close()
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebhookEndpointOverridesFromConfig(t *testing.T) {
	g := newTestGateway(t, "hooks:\n  url_count: 1\n")
	srv := httptest.NewServer(g.newRouter())
	defer srv.Close()
	id := firstWebhookID(t, g)

	cfg := testConfig(t, fmt.Sprintf("hooks:\n  url_count: 1\n  endpoints:\n    %s:\n      response_code: 202\n", id))
	require.True(t, g.applyConfig(cfg))

	resp, err := http.Post(srv.URL+"/webhook/"+id, "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestWebhookResponseDelay(t *testing.T) {
	g := newTestGateway(t, "hooks:\n  url_count: 1\n  response_delay_ms: 100\n")
	srv := httptest.NewServer(g.newRouter())
	defer srv.Close()

	start := time.Now()
	resp, err := http.Post(srv.URL+"/webhook/"+firstWebhookID(t, g), "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	resp.Body.Close()
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestWebhookBodyRendering(t *testing.T) {
	g := newTestGateway(t, "hooks:\n  url_count: 1\n")
	srv := httptest.NewServer(g.newRouter())
	defer srv.Close()
	id := firstWebhookID(t, g)

	post := func(contentType string, body []byte) *store.Event {
		sub, err := g.hub.Subscribe("")
		require.NoError(t, err)
		defer sub.Close()
		resp, err := http.Post(srv.URL+"/webhook/"+id, contentType, bytes.NewReader(body))
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
		return awaitEvent(t, sub.Events())
	}

	t.Run("malformed json is kept raw", func(t *testing.T) {
		ev := post("application/json", []byte(`{"broken":`))
		require.Equal(t, `{"broken":`, ev.Body)
		require.Equal(t, "text", ev.BodyEncoding)
	})

	t.Run("binary is base64 encoded", func(t *testing.T) {
		raw := []byte{0x00, 0x01, 0xff, 0xfe}
		ev := post("application/octet-stream", raw)
		require.Equal(t, "base64", ev.BodyEncoding)
		decoded, err := base64.StdEncoding.DecodeString(ev.Body)
		require.NoError(t, err)
		require.Equal(t, raw, decoded)
	})

	t.Run("empty body", func(t *testing.T) {
		ev := post("text/plain", nil)
		require.Empty(t, ev.Body)
		require.Empty(t, ev.BodyEncoding)
		require.Zero(t, ev.SizeBytes)
	})
}

func TestWebhookParsingDisabled(t *testing.T) {
	g := newTestGateway(t, "hooks:\n  url_count: 1\n  enable_json_parsing: false\n")
	srv := httptest.NewServer(g.newRouter())
	defer srv.Close()

	sub, err := g.hub.Subscribe("")
	require.NoError(t, err)
	defer sub.Close()

	resp, err := http.Post(srv.URL+"/webhook/"+firstWebhookID(t, g), "application/json", strings.NewReader(`{"n": 1}`))
	require.NoError(t, err)
	resp.Body.Close()

	ev := awaitEvent(t, sub.Events())
	require.Equal(t, `{"n": 1}`, ev.Body)
	require.Equal(t, "text", ev.BodyEncoding)
}
