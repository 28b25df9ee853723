package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hooktrap/hooktrap/internal/ssrf"
	"github.com/hooktrap/hooktrap/log"
	"github.com/hooktrap/hooktrap/middleware"
	"github.com/hooktrap/hooktrap/store"
)

const (
	replayHeader            = "X-Apify-Replay"
	originalWebhookIDHeader = "X-Original-Webhook-Id"
	idempotencyKeyHeader    = "Idempotency-Key"
	strippedHeadersHeader   = "X-Replay-Stripped-Headers"
)

// replayBodyCap bounds how much of the target's answer is echoed back.
const replayBodyCap = 64 * 1024

// replayStripHeaders are withheld when a recorded event is replayed;
// the transport owns them on the new connection. Keys are lowercase.
var replayStripHeaders = map[string]struct{}{
	"content-length":      {},
	"content-encoding":    {},
	"transfer-encoding":   {},
	"host":                {},
	"connection":          {},
	"keep-alive":          {},
	"proxy-authorization": {},
	"te":                  {},
	"trailer":             {},
	"upgrade":             {},
}

func (g *gateway) handleReplay(rw http.ResponseWriter, r *http.Request, webhookID, itemID string) {
	snap := g.snap()

	if err := middleware.Authenticate(r, snap.AuthKey); err != nil {
		writeJSONError(rw, http.StatusUnauthorized, err.Error())
		return
	}

	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		writeJSONError(rw, http.StatusBadRequest, "url query parameter is required")
		return
	}

	target, err := g.checker.Validate(r.Context(), rawURL)
	if err != nil {
		var verr *ssrf.ValidationError
		if errors.As(err, &verr) {
			ssrfBlocked.With(prometheus.Labels{"code": string(verr.Code)}).Inc()
			log.Errorf("replay: SSRF blocked for url %q: %s", rawURL, err)
			writeJSONError(rw, http.StatusBadRequest, verr.Message)
			return
		}
		respondWith(rw, err, http.StatusInternalServerError)
		return
	}

	ev, err := g.findEvent(r.Context(), webhookID, itemID)
	if err != nil {
		if errors.Is(err, store.ErrMissing) {
			writeJSONError(rw, http.StatusNotFound, "Event not found")
			return
		}
		respondWith(rw, fmt.Errorf("cannot look up event %q: %s", itemID, err), http.StatusInternalServerError)
		return
	}

	body, err := eventBodyBytes(ev)
	if err != nil {
		respondWith(rw, fmt.Errorf("cannot decode stored body of event %q: %s", ev.ID, err), http.StatusInternalServerError)
		return
	}
	header, stripped := replayHeaders(ev)

	method := ev.Method
	if method == "" {
		method = http.MethodPost
	}

	res, err := g.forward.replay(method, target, header, body, snap.ReplayTimeout, snap.ReplayMaxRetries)
	if err != nil {
		replayErrors.Inc()
		if isTimeout(err) {
			writeJSONError(rw, http.StatusGatewayTimeout,
				fmt.Sprintf("Replay target did not answer within %v after %d attempt(s)", snap.ReplayTimeout, res.attempts))
			return
		}
		respondWith(rw, fmt.Errorf("replay of event %q to %q failed: %s", ev.ID, target.Href, err), http.StatusInternalServerError)
		return
	}

	replaySum.Inc()
	log.Debugf("replay: event %q delivered to %q after %d attempt(s), target answered %d", ev.ID, target.Href, res.attempts, res.statusCode)

	if len(stripped) > 0 {
		rw.Header().Set(strippedHeadersHeader, strings.Join(stripped, ", "))
	}
	out := map[string]interface{}{
		"status":             "Replayed",
		"targetUrl":          target.Href,
		"targetResponseCode": res.statusCode,
		"targetResponseBody": res.body,
	}
	if len(stripped) > 0 {
		out["strippedHeaders"] = stripped
	}
	writeJSON(rw, http.StatusOK, out)
}

// findEvent resolves itemID against the store: exact id match first,
// then as a timestamp when the id lookup misses.
func (g *gateway) findEvent(ctx context.Context, webhookID, itemID string) (*store.Event, error) {
	ev, err := g.store.FindByID(ctx, webhookID, itemID)
	if err == nil {
		return ev, nil
	}
	if !errors.Is(err, store.ErrMissing) {
		return nil, err
	}

	ts, ok := parseEventTimestamp(itemID)
	if !ok {
		return nil, store.ErrMissing
	}
	return g.store.FindByTimestamp(ctx, webhookID, ts)
}

// parseEventTimestamp accepts RFC3339 (with or without fractions) and
// unix milliseconds.
func parseEventTimestamp(s string) (time.Time, bool) {
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, true
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 0 {
		return time.UnixMilli(ms).UTC(), true
	}
	return time.Time{}, false
}

func eventBodyBytes(ev *store.Event) ([]byte, error) {
	if ev.BodyEncoding == "base64" {
		return base64.StdEncoding.DecodeString(ev.Body)
	}
	return []byte(ev.Body), nil
}

// replayHeaders rebuilds the outbound set from the recorded one. Both
// transport-owned names and values still carrying the mask sentinel are
// withheld; the caller reports which.
func replayHeaders(ev *store.Event) (http.Header, []string) {
	out := http.Header{}
	var stripped []string
	for name, value := range ev.Headers {
		if _, skip := replayStripHeaders[name]; skip {
			stripped = append(stripped, name)
			continue
		}
		if value == maskSentinel {
			stripped = append(stripped, name)
			continue
		}
		out.Set(name, value)
	}
	sort.Strings(stripped)

	out.Set(replayHeader, "true")
	out.Set(originalWebhookIDHeader, ev.WebhookID)
	out.Set(idempotencyKeyHeader, ev.ID)
	return out, stripped
}

type replayResult struct {
	statusCode int
	body       string
	attempts   int
}

// replay sends a reconstructed request, retrying transient failures the
// same way forwarding does but on the dynamic config's budget. Any
// answer from the target completes the replay, whatever its status.
func (f *forwarder) replay(method string, target *ssrf.Target, header http.Header, body []byte, timeout time.Duration, maxAttempts int) (*replayResult, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.retryInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	res := &replayResult{}
	op := func() error {
		res.attempts++
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, method, target.Href, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header = header.Clone()
		req.Host = target.Host

		resp, err := f.client.Do(req)
		if err != nil {
			if isTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		defer resp.Body.Close()

		b, _ := io.ReadAll(io.LimitReader(resp.Body, replayBodyCap))
		res.statusCode = resp.StatusCode
		res.body = string(b)
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Debugf("replay: attempt %d to %q failed, retrying in %v: %s", res.attempts, target.Href, wait, err)
	}

	if err := backoff.RetryNotify(op, backoff.WithMaxRetries(bo, uint64(maxAttempts-1)), notify); err != nil {
		return res, err
	}
	return res, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
