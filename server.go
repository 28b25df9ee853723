package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xeipuuv/gojsonschema"

	"github.com/hooktrap/hooktrap/config"
	"github.com/hooktrap/hooktrap/internal/ratelimit"
	"github.com/hooktrap/hooktrap/internal/registry"
	"github.com/hooktrap/hooktrap/internal/script"
	"github.com/hooktrap/hooktrap/internal/signature"
	"github.com/hooktrap/hooktrap/internal/ssrf"
	"github.com/hooktrap/hooktrap/internal/stream"
	"github.com/hooktrap/hooktrap/log"
	"github.com/hooktrap/hooktrap/middleware"
	"github.com/hooktrap/hooktrap/store"
)

// readinessProbeHeader short-circuits the dashboard route with a plain
// OK before auth, so the hosting platform can probe a locked-down
// instance.
const readinessProbeHeader = "X-Apify-Container-Server-Readiness-Probe"

const maxLogsLimit = 1000
const defaultLogsLimit = 100

// rt bundles the dynamic config snapshot with the artifacts compiled
// from it. The bundle is swapped as one unit, so a request never sees a
// snapshot paired with a stale schema or script.
type rt struct {
	snap   *config.Snapshot
	schema *gojsonschema.Schema
	script *script.Script
}

// urlChecker vets outbound destinations before anything connects to them.
type urlChecker interface {
	Validate(ctx context.Context, rawURL string) (*ssrf.Target, error)
}

type gateway struct {
	cfg        *config.Config
	instanceID string
	startedAt  time.Time

	store    store.Store
	registry *registry.Registry
	limiter  *ratelimit.Limiter
	hub      *stream.Hub
	verifier *signature.Verifier
	checker  urlChecker
	forward  *forwarder
	alert    *alerter

	runtime     atomic.Pointer[rt]
	metricsNets atomic.Value

	// serializes reloads; triggers observed mid-reload are dropped
	reloadMu sync.Mutex

	// post-response background work, drained bounded on shutdown
	bg sync.WaitGroup
}

func newGateway(cfg *config.Config, st store.Store) (*gateway, error) {
	limiter, err := ratelimit.New(0, time.Duration(cfg.RateLimitWindow), cfg.RateLimitMaxEntries)
	if err != nil {
		return nil, fmt.Errorf("cannot build rate limiter: %s", err)
	}

	g := &gateway{
		cfg:        cfg,
		instanceID: cfg.InstanceID,
		startedAt:  time.Now(),
		store:      st,
		registry:   registry.New(st),
		limiter:    limiter,
		hub:        stream.NewHub(cfg.StreamMaxSubscribers, cfg.StreamQueueSize),
		verifier:   signature.New(),
		checker:    ssrf.New(),
	}
	if g.instanceID == "" {
		g.instanceID = "run_" + uuid.NewString()
	}
	g.forward = newForwarder(time.Duration(cfg.ForwardTimeout), cfg.MaxForwardRetries, g.instanceID)
	g.alert = newAlerter(g.checker)
	g.metricsNets.Store(&cfg.Metrics.AllowedNetworks)

	g.applyHooks(&cfg.Hooks)
	return g, nil
}

func (g *gateway) snap() *config.Snapshot {
	return g.runtime.Load().snap
}

// applyHooks coerces the dynamic config into a snapshot, rebuilds the
// compiled artifacts whose sources changed and publishes the bundle.
// A compile failure clears that artifact and the reload proceeds.
func (g *gateway) applyHooks(h *config.Hooks) {
	snap, warnings := h.Snapshot()
	for _, w := range warnings {
		log.Infof("config: %s", w)
	}

	prev := g.runtime.Load()
	next := &rt{snap: snap}

	switch {
	case snap.SchemaSource == "":
	case prev != nil && prev.snap.SchemaSource == snap.SchemaSource:
		next.schema = prev.schema
	default:
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(snap.SchemaSource))
		if err != nil {
			log.Errorf("config: cannot compile json schema, validation disabled: %s", err)
		} else {
			next.schema = schema
		}
	}

	if prev != nil && prev.snap.ScriptSource == snap.ScriptSource {
		next.script = prev.script
	} else {
		var prevScript *script.Script
		if prev != nil {
			prevScript = prev.script
		}
		compiled, err := script.Recompile(prevScript, snap.ScriptSource)
		if err != nil {
			log.Errorf("config: cannot compile transform script, transform disabled: %s", err)
		} else {
			next.script = compiled
		}
	}

	g.runtime.Store(next)
	g.reconcile(snap)
}

// reconcile pushes the published snapshot into the stateful
// collaborators. Registry changes are grow-only.
func (g *gateway) reconcile(snap *config.Snapshot) {
	g.limiter.UpdateLimit(snap.RateLimitPerMinute)

	created, err := g.registry.EnsureCount(snap.URLCount, snap.RetentionHours)
	if err != nil {
		log.Errorf("config: cannot scale webhook pool: %s", err)
	} else if len(created) > 0 {
		log.Infof("config: created %d webhook endpoint(s)", len(created))
	}
	g.registry.ExtendRetention(snap.RetentionHours)

	for id, o := range snap.Endpoints {
		ov := &registry.Overrides{
			ResponseCode:    o.ResponseCode,
			ResponseBody:    o.ResponseBody,
			ResponseHeaders: o.ResponseHeaders,
			ResponseDelayMs: o.ResponseDelay.Milliseconds(),
			ForwardURL:      o.ForwardURL,
			ForwardHeaders:  o.ForwardHeaders,
		}
		if !g.registry.SetOverrides(id, ov) {
			log.Infof("config: endpoints.%s ignored, no such webhook", id)
		}
	}
}

// reloadHooks runs one dynamic-config reload. Only one reload runs at a
// time; triggers arriving while one is in progress are dropped.
func (g *gateway) reloadHooks(h *config.Hooks) bool {
	if !g.reloadMu.TryLock() {
		log.Debugf("config: reload already in progress, trigger dropped")
		configReloads.With(prometheus.Labels{"outcome": "dropped"}).Inc()
		return false
	}
	defer g.reloadMu.Unlock()

	g.applyHooks(h)
	configReloads.With(prometheus.Labels{"outcome": "success"}).Inc()

	snap := g.snap()
	log.Infof("config: reload complete; url_count=%d rate_limit_per_minute=%d max_payload_bytes=%d forward_url=%q signature=%v alerts=%v",
		snap.URLCount, snap.RateLimitPerMinute, snap.MaxPayloadBytes, snap.ForwardURL,
		snap.Signature != nil, snap.AlertsConfigured())
	return true
}

// applyConfig re-applies a full config document at runtime. Listeners
// and storage cannot change; the dynamic section, debug logging and the
// metrics network gate can. Reports whether the reload ran.
func (g *gateway) applyConfig(cfg *config.Config) bool {
	log.SetDebug(cfg.LogDebug)
	g.metricsNets.Store(&cfg.Metrics.AllowedNetworks)
	return g.reloadHooks(&cfg.Hooks)
}

// close tears the gateway down in dependency order: no new stream
// frames, no sweeps, then a bounded wait for in-flight background work,
// then a final registry persist.
func (g *gateway) close() {
	_ = g.hub.Close()
	_ = g.limiter.Close()

	done := make(chan struct{})
	go func() {
		g.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Duration(g.cfg.ShutdownTimeout)):
		log.Errorf("shutdown: background tasks still running after %s, exiting anyway", time.Duration(g.cfg.ShutdownTimeout))
	}

	_ = g.registry.Close()
	if err := g.store.Close(); err != nil {
		log.Errorf("shutdown: cannot close store: %s", err)
	}
}

func (g *gateway) handleInfo(rw http.ResponseWriter, r *http.Request) {
	snap := g.snap()
	if err := middleware.Authenticate(r, snap.AuthKey); err != nil {
		writeJSONError(rw, http.StatusUnauthorized, err.Error())
		return
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	type webhookInfo struct {
		ID        string    `json:"id"`
		URL       string    `json:"url"`
		ExpiresAt time.Time `json:"expiresAt"`
	}
	webhooks := make([]webhookInfo, 0, 8)
	for _, info := range g.registry.List() {
		webhooks = append(webhooks, webhookInfo{
			ID:        info.ID,
			URL:       fmt.Sprintf("%s://%s/webhook/%s", scheme, r.Host, info.ID),
			ExpiresAt: info.ExpiresAt,
		})
	}

	stats := g.store.Stats()
	writeJSON(rw, http.StatusOK, map[string]interface{}{
		"instanceId":    g.instanceID,
		"startedAt":     g.startedAt.UTC(),
		"uptimeSeconds": int64(time.Since(g.startedAt).Seconds()),
		"webhooks":      webhooks,
		"events": map[string]uint64{
			"items":     stats.Items,
			"sizeBytes": stats.Size,
		},
		"streamSubscribers": g.hub.SubscriberCount(),
		"rateLimit": map[string]int{
			"perMinute":   g.limiter.Limit(),
			"trackedKeys": g.limiter.Len(),
		},
	})
}

func (g *gateway) handleLogs(rw http.ResponseWriter, r *http.Request) {
	snap := g.snap()
	if err := middleware.Authenticate(r, snap.AuthKey); err != nil {
		writeJSONError(rw, http.StatusUnauthorized, err.Error())
		return
	}

	params := r.URL.Query()
	q := store.Query{
		WebhookID: params.Get("webhookId"),
		Limit:     defaultLogsLimit,
	}
	if v := params.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSONError(rw, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
			return
		}
		if n > maxLogsLimit {
			n = maxLogsLimit
		}
		q.Limit = n
	}
	for name, dst := range map[string]*time.Time{"since": &q.Since, "until": &q.Until} {
		if v := params.Get(name); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeJSONError(rw, http.StatusBadRequest, fmt.Sprintf("invalid %s %q, want RFC3339", name, v))
				return
			}
			*dst = ts
		}
	}

	events, err := g.store.Query(r.Context(), q)
	if err != nil {
		respondWith(rw, fmt.Errorf("cannot query events: %s", err), http.StatusInternalServerError)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]interface{}{
		"count":  len(events),
		"events": events,
	})
}

func (g *gateway) handleStream(rw http.ResponseWriter, r *http.Request) {
	snap := g.snap()
	if err := middleware.Authenticate(r, snap.AuthKey); err != nil {
		writeJSONError(rw, http.StatusUnauthorized, err.Error())
		return
	}

	flusher, ok := rw.(http.Flusher)
	if !ok {
		respondWith(rw, fmt.Errorf("streaming unsupported by the underlying writer"), http.StatusInternalServerError)
		return
	}

	sub, err := g.hub.Subscribe(r.URL.Query().Get("webhookId"))
	if err != nil {
		writeJSONError(rw, http.StatusServiceUnavailable, err.Error())
		return
	}
	defer sub.Close()
	streamSubscribers.Inc()
	defer streamSubscribers.Dec()

	// the server-wide read and write deadlines would sever a long-lived stream
	rc := http.NewResponseController(rw)
	if err := rc.SetReadDeadline(time.Time{}); err != nil {
		log.Debugf("stream: cannot clear read deadline: %s", err)
	}
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		log.Debugf("stream: cannot clear write deadline: %s", err)
	}

	h := rw.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	rw.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(time.Duration(g.cfg.HeartbeatInterval))
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(rw, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				log.Errorf("stream: cannot marshal event %q: %s", ev.ID, err)
				continue
			}
			if _, err := fmt.Fprintf(rw, "data: %s\n\n", b); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (g *gateway) handleDashboard(rw http.ResponseWriter, r *http.Request) {
	if r.Header.Get(readinessProbeHeader) != "" {
		rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(rw, "OK")
		return
	}

	snap := g.snap()
	if err := middleware.Authenticate(r, snap.AuthKey); err != nil {
		writeJSONError(rw, http.StatusUnauthorized, err.Error())
		return
	}

	rw.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(rw, dashboardHTML, g.instanceID, len(g.registry.List()), g.store.Stats().Items)
}

const dashboardHTML = `<!DOCTYPE html>
<html>
<head><title>hooktrap</title></head>
<body>
<h1>hooktrap</h1>
<p>instance %s</p>
<ul>
<li>%d live webhook endpoint(s), see <a href="/info">/info</a></li>
<li>%d recorded event(s), see <a href="/logs">/logs</a></li>
<li>live feed at <a href="/log-stream">/log-stream</a></li>
</ul>
</body>
</html>
`

var promHandler = promhttp.Handler()

func (g *gateway) handleMetrics(rw http.ResponseWriter, r *http.Request) {
	an := g.metricsNets.Load().(*config.Networks)
	if !an.Contains(r.RemoteAddr) {
		err := fmt.Errorf("connections to /metrics are not allowed from %s", r.RemoteAddr)
		rw.Header().Set("Connection", "close")
		writeJSONError(rw, http.StatusForbidden, err.Error())
		return
	}
	promHandler.ServeHTTP(rw, r)
}
