package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hooktrap/hooktrap/internal/ident"
	"github.com/hooktrap/hooktrap/internal/ssrf"
	"github.com/hooktrap/hooktrap/log"
	"github.com/hooktrap/hooktrap/store"
)

// serviceName identifies this service in the X-Forwarded-By stamp.
const serviceName = "hooktrap"

const (
	forwardedByHeader    = "X-Forwarded-By"
	forwardedByRunHeader = "X-Forwarded-By-Run"
)

// forwardStripHeaders are never copied onto forwarded requests, either
// because they are sensitive or because the transport owns them. Keys
// are lowercase.
var forwardStripHeaders = map[string]struct{}{
	"authorization":     {},
	"cookie":            {},
	"set-cookie":        {},
	"x-api-key":         {},
	"api-key":           {},
	"content-length":    {},
	"host":              {},
	"connection":        {},
	"transfer-encoding": {},
	"keep-alive":        {},
	"proxy-connection":  {},
	"upgrade":           {},
}

// forwarder pushes recorded deliveries to downstream targets. One
// instance is shared by all requests; per-call state stays on the stack.
type forwarder struct {
	client        *http.Client
	timeout       time.Duration
	maxAttempts   int
	retryInterval time.Duration
	instanceID    string
}

func newForwarder(timeout time.Duration, maxAttempts int, instanceID string) *forwarder {
	return &forwarder{
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout:       timeout,
		maxAttempts:   maxAttempts,
		retryInterval: time.Second,
		instanceID:    instanceID,
	}
}

// forwardEvent pushes one delivery to targetURL. The URL goes through
// the SSRF gate first; a blocked target is never contacted and produces
// no synthetic record. Retry exhaustion does.
func (g *gateway) forwardEvent(d *delivery, targetURL string, copyHeaders bool) {
	target, err := g.checker.Validate(context.Background(), targetURL)
	if err != nil {
		code := ssrf.CodeInvalidURL
		var verr *ssrf.ValidationError
		if errors.As(err, &verr) {
			code = verr.Code
		}
		ssrfBlocked.With(prometheus.Labels{"code": string(code)}).Inc()
		log.Errorf("forward: SSRF blocked for url %q: %s", targetURL, err)
		return
	}

	header := g.forward.headersFor(d.headers, copyHeaders)
	attempts, err := g.forward.deliver(d.method, target, header, d.rawBody)
	if err == nil {
		forwardSum.Inc()
		log.Debugf("forward: event %q delivered to %q after %d attempt(s)", d.event.ID, target.Href, attempts)
		return
	}

	transient := isTransient(err)
	forwardErrors.With(prometheus.Labels{"transient": strconv.FormatBool(transient)}).Inc()
	log.Errorf("forward: cannot deliver event %q to %q after %d attempt(s): %s", d.event.ID, target.Href, attempts, err)
	g.recordForwardError(d, target.Href, attempts, err, transient)
}

// recordForwardError writes the synthetic forward_error event so the
// failure shows up in the sink and on the live stream like any other
// record.
func (g *gateway) recordForwardError(d *delivery, targetURL string, attempts int, lastErr error, transient bool) {
	detail, _ := json.MarshalIndent(map[string]interface{}{
		"url":           targetURL,
		"transient":     transient,
		"attempts":      attempts,
		"lastError":     lastErr.Error(),
		"sourceEventId": d.event.ID,
	}, "", "  ")

	ev := &store.Event{
		ID:           "evt_" + ident.New(eventIDLength),
		Type:         store.EventTypeForwardError,
		WebhookID:    d.event.WebhookID,
		Timestamp:    time.Now().UTC(),
		RequestID:    d.event.RequestID,
		Body:         string(detail),
		BodyEncoding: "json",
		Error:        fmt.Sprintf("cannot forward event to %s after %d attempt(s): %s", targetURL, attempts, lastErr),
	}

	g.hub.Emit(ev)
	g.persistEvent(ev)
	g.alertEvent(d.snap, ev)
}

// headersFor builds the outbound header set: the inbound headers minus
// the strip set when copying is on, just the content type when off,
// plus the forwarding stamps.
func (f *forwarder) headersFor(inbound http.Header, copyAll bool) http.Header {
	out := http.Header{}
	if copyAll {
		for name, values := range inbound {
			if _, skip := forwardStripHeaders[strings.ToLower(name)]; skip {
				continue
			}
			for _, v := range values {
				out.Add(name, v)
			}
		}
	} else if ct := inbound.Get("Content-Type"); ct != "" {
		out.Set("Content-Type", ct)
	}
	out.Set(forwardedByHeader, serviceName)
	out.Set(forwardedByRunHeader, f.instanceID)
	return out
}

// deliver sends the payload, retrying transient failures with
// exponential backoff. Returns how many attempts were made.
func (f *forwarder) deliver(method string, target *ssrf.Target, header http.Header, body []byte) (int, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.retryInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	attempts := 0
	op := func() error {
		attempts++
		err := f.attempt(method, target, header, body)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Debugf("forward: attempt %d to %q failed, retrying in %v: %s", attempts, target.Href, wait, err)
	}

	err := backoff.RetryNotify(op, backoff.WithMaxRetries(bo, uint64(f.maxAttempts-1)), notify)
	return attempts, err
}

func (f *forwarder) attempt(method string, target *ssrf.Target, header http.Header, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target.Href, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header = header.Clone()
	req.Host = target.Host

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// drain a little so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 16*1024))

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("target answered %s", resp.Status)
	}
	return nil
}

// isTransient classifies an outbound failure as worth retrying:
// timeouts, connection aborts and resets, unreachable networks or hosts
// and unresolvable or temporarily failing DNS.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary || dnsErr.IsNotFound
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNABORTED, syscall.ECONNRESET, syscall.ETIMEDOUT,
			syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
