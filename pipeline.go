package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/xeipuuv/gojsonschema"

	"github.com/hooktrap/hooktrap/config"
	"github.com/hooktrap/hooktrap/internal/ident"
	"github.com/hooktrap/hooktrap/internal/script"
	"github.com/hooktrap/hooktrap/log"
	"github.com/hooktrap/hooktrap/middleware"
	"github.com/hooktrap/hooktrap/store"
)

// statusOverrideParam lets a caller pick the response status per request,
// within the valid range.
const statusOverrideParam = "__status"

// maskSentinel replaces sensitive header values in recorded events.
// The replay engine refuses to send any header still carrying it.
const maskSentinel = "[MASKED]"

const eventIDLength = 17

// sensitiveHeaders are masked in recorded events and never copied onto
// forwarded requests. Keys are lowercase.
var sensitiveHeaders = map[string]struct{}{
	"authorization": {},
	"cookie":        {},
	"set-cookie":    {},
	"x-api-key":     {},
	"api-key":       {},
}

// pipelineError maps a rejected request onto its HTTP answer. The
// message is always safe to show to the caller.
type pipelineError struct {
	reason  string
	code    int
	message string
	details map[string]interface{}
}

func (e *pipelineError) Error() string { return e.message }

func (e *pipelineError) write(rw http.ResponseWriter) {
	body := make(map[string]interface{}, len(e.details)+1)
	body["error"] = e.message
	for k, v := range e.details {
		body[k] = v
	}
	writeJSON(rw, e.code, body)
}

func reject(reason string, code int, format string, args ...interface{}) *pipelineError {
	return &pipelineError{reason: reason, code: code, message: fmt.Sprintf(format, args...)}
}

func payloadTooLarge(max int64) *pipelineError {
	return reject("payload_too_large", http.StatusRequestEntityTooLarge,
		"Payload too large, the maximum allowed size is %d bytes", max)
}

func (g *gateway) handleWebhook(rw http.ResponseWriter, r *http.Request, webhookID string) {
	start := time.Now()

	// the whole request runs against one runtime bundle
	run := g.runtime.Load()

	if perr := g.serveWebhook(rw, r, webhookID, run, start); perr != nil {
		webhookRejects.With(prometheus.Labels{"reason": perr.reason}).Inc()
		perr.write(rw)
	}
}

func (g *gateway) serveWebhook(rw http.ResponseWriter, r *http.Request, webhookID string, run *rt, start time.Time) *pipelineError {
	snap := run.snap

	// Requests stamped with this instance's own forwarding id would loop
	// through the pipeline forever.
	if got := r.Header.Get(forwardedByRunHeader); got != "" && got == g.instanceID {
		log.Infof("webhook %q: rejecting request forwarded by this instance, recursion guard", webhookID)
		return reject("recursion", http.StatusUnprocessableEntity,
			"Refusing to process a request forwarded by this instance")
	}

	if !g.registry.IsValid(webhookID) {
		return &pipelineError{
			reason:  "not_found",
			code:    http.StatusNotFound,
			message: "Webhook not found or expired",
			details: map[string]interface{}{"id": webhookID},
		}
	}

	if !snap.AllowedNets.Contains(r.RemoteAddr) {
		return reject("ip_blocked", http.StatusForbidden, "requests from %s are not allowed", r.RemoteAddr)
	}

	if err := middleware.Authenticate(r, snap.AuthKey); err != nil {
		return reject("unauthorized", http.StatusUnauthorized, "%s", err)
	}

	if r.ContentLength > snap.MaxPayloadBytes {
		return payloadTooLarge(snap.MaxPayloadBytes)
	}
	raw, perr := readBody(rw, r, snap.MaxPayloadBytes)
	if perr != nil {
		return perr
	}

	contentType := r.Header.Get("Content-Type")
	isJSON := isJSONContentType(contentType)

	var parsed interface{}
	parsedOK := false
	if snap.EnableJSONParsing && isJSON && len(raw) > 0 {
		if err := json.Unmarshal(raw, &parsed); err != nil {
			log.Debugf("webhook %q: body declared as %q does not parse, recording it raw: %s", webhookID, contentType, err)
		} else {
			parsedOK = true
		}
	}

	if run.schema != nil && isJSON {
		res, err := run.schema.Validate(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return reject("schema_invalid", http.StatusBadRequest, "cannot validate payload against the configured schema: %s", err)
		}
		if !res.Valid() {
			details := make([]string, 0, len(res.Errors()))
			for _, e := range res.Errors() {
				details = append(details, e.String())
			}
			return &pipelineError{
				reason:  "schema_invalid",
				code:    http.StatusBadRequest,
				message: "Payload does not match the configured JSON schema",
				details: map[string]interface{}{"details": details},
			}
		}
	}

	ev := &store.Event{
		ID:          "evt_" + ident.New(eventIDLength),
		WebhookID:   webhookID,
		Timestamp:   time.Now().UTC(),
		Method:      r.Method,
		Path:        r.URL.Path,
		Query:       flattenQuery(r.URL.Query()),
		ContentType: contentType,
		SizeBytes:   int64(len(raw)),
		RemoteIP:    r.RemoteAddr,
		UserAgent:   r.UserAgent(),
		RequestID:   r.Header.Get(middleware.RequestIDHeader),
	}

	// A failed signature never blocks ingestion; the recorded outcome is
	// the evidence.
	if snap.Signature != nil {
		outcome := g.verifier.Verify(snap.Signature, raw, r.Header)
		ev.SignatureValid = &outcome.Valid
		ev.SignatureProvider = outcome.Provider
		ev.SignatureError = outcome.Err
		result := "valid"
		if !outcome.Valid {
			result = "invalid"
		}
		signatureChecks.With(prometheus.Labels{"provider": outcome.Provider, "outcome": result}).Inc()
	}

	headers := flattenHeader(r.Header)
	if snap.MaskSensitiveData {
		for k := range headers {
			if _, sensitive := sensitiveHeaders[k]; sensitive {
				headers[k] = maskSentinel
			}
		}
	}
	ev.Headers = headers

	switch {
	case parsedOK:
		pretty, _ := json.MarshalIndent(parsed, "", "  ")
		ev.Body = string(pretty)
		ev.BodyEncoding = "json"
	case len(raw) > 0:
		ev.Body, ev.BodyEncoding = renderBody(raw)
	}

	ov := g.registry.GetData(webhookID)

	status := snap.DefaultResponseCode
	respBody := snap.DefaultResponseBody
	delay := snap.ResponseDelay
	respHeaders := make(map[string]string, len(snap.DefaultResponseHeaders)+2)
	for k, v := range snap.DefaultResponseHeaders {
		respHeaders[k] = v
	}
	if ov != nil {
		if ov.ResponseCode != 0 {
			status = ov.ResponseCode
		}
		if ov.ResponseBody != "" {
			respBody = ov.ResponseBody
		}
		for k, v := range ov.ResponseHeaders {
			respHeaders[k] = v
		}
		if ov.ResponseDelayMs > 0 {
			delay = time.Duration(ov.ResponseDelayMs) * time.Millisecond
		}
	}
	if v := r.URL.Query().Get(statusOverrideParam); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 100 && n < 600 {
			status = n
		}
	}
	ev.StatusCode = status
	ev.ResponseBody = respBody
	if len(respHeaders) > 0 {
		ev.ResponseHeaders = respHeaders
	}

	if run.script != nil {
		g.transform(ev, run.script)
	}

	// overrides may predate the current clamp
	if delay > config.SafeResponseDelayMax {
		delay = config.SafeResponseDelayMax
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
		}
	}

	g.respond(rw, ev)
	ev.ProcessingTimeMs = time.Since(start).Milliseconds()
	eventsRecorded.Inc()

	d := &delivery{
		event:     ev,
		snap:      snap,
		overrides: ov,
		method:    r.Method,
		rawBody:   raw,
		headers:   r.Header.Clone(),
	}
	g.bg.Add(1)
	go g.runBackground(d)

	return nil
}

// readBody drains the request body under the payload cap, transparently
// inflating gzip bodies. The cap applies to the decoded length.
func readBody(rw http.ResponseWriter, r *http.Request, max int64) ([]byte, *pipelineError) {
	r.Body = &statReadCloser{
		ReadCloser: r.Body,
		bytesRead:  requestBodyBytes,
	}
	var src io.Reader = http.MaxBytesReader(rw, r.Body, max)

	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(src)
		if err != nil {
			return nil, reject("bad_request", http.StatusBadRequest, "cannot read gzip body: %s", err)
		}
		defer zr.Close()
		src = io.LimitReader(zr, max+1)
	}

	raw, err := io.ReadAll(src)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, payloadTooLarge(max)
		}
		return nil, reject("bad_request", http.StatusBadRequest, "cannot read request body: %s", err)
	}
	if int64(len(raw)) > max {
		return nil, payloadTooLarge(max)
	}
	return raw, nil
}

// transform runs the custom script against the event. Failures leave the
// event untouched; the pipeline never fails because of a script.
func (g *gateway) transform(ev *store.Event, s *script.Script) {
	outcome := func(o string) {
		scriptRuns.With(prometheus.Labels{"outcome": o}).Inc()
	}

	eventDoc, err := eventToDoc(ev)
	if err != nil {
		log.Errorf("script: cannot expose event %q: %s", ev.ID, err)
		outcome("error")
		return
	}
	reqDoc := map[string]interface{}{
		"method":    ev.Method,
		"path":      ev.Path,
		"webhookId": ev.WebhookID,
		"headers":   stringMapToDoc(ev.Headers),
		"query":     stringMapToDoc(ev.Query),
	}

	out, err := s.Run(eventDoc, reqDoc, time.Duration(g.cfg.ScriptTimeout))
	if err != nil {
		log.Errorf("script: event %q left unmodified: %s", ev.ID, err)
		outcome("error")
		return
	}
	if err := applyDoc(ev, out); err != nil {
		log.Errorf("script: result for event %q does not shape an event, left unmodified: %s", ev.ID, err)
		outcome("error")
		return
	}
	outcome("success")
}

func eventToDoc(ev *store.Event) (map[string]interface{}, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// applyDoc copies the script's view of the event back onto ev. The
// fields identifying the record cannot be scripted away.
func applyDoc(ev *store.Event, doc map[string]interface{}) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	next := &store.Event{}
	if err := json.Unmarshal(b, next); err != nil {
		return err
	}
	next.ID = ev.ID
	next.WebhookID = ev.WebhookID
	next.Timestamp = ev.Timestamp
	next.RequestID = ev.RequestID
	*ev = *next
	return nil
}

func stringMapToDoc(m map[string]string) map[string]interface{} {
	doc := make(map[string]interface{}, len(m))
	for k, v := range m {
		doc[k] = v
	}
	return doc
}

func (g *gateway) respond(rw http.ResponseWriter, ev *store.Event) {
	h := rw.Header()
	for k, v := range ev.ResponseHeaders {
		h.Set(k, v)
	}

	body := ev.ResponseBody
	if ev.StatusCode >= 400 && (body == "" || body == "OK") {
		writeJSON(rw, ev.StatusCode, map[string]string{
			"message":   fmt.Sprintf("Configured response status %d", ev.StatusCode),
			"webhookId": ev.WebhookID,
		})
		return
	}

	if h.Get("Content-Type") == "" {
		if looksLikeJSON(body) {
			h.Set("Content-Type", "application/json; charset=utf-8")
		} else {
			h.Set("Content-Type", "text/plain; charset=utf-8")
		}
	}
	rw.WriteHeader(ev.StatusCode)
	if _, err := rw.Write([]byte(body)); err != nil {
		log.Debugf("webhook %q: cannot write response: %s", ev.WebhookID, err)
	}
}

func looksLikeJSON(s string) bool {
	t := strings.TrimSpace(s)
	if t == "" || (t[0] != '{' && t[0] != '[') {
		return false
	}
	return json.Valid([]byte(t))
}
