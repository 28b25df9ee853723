package main

import (
	"context"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hooktrap/hooktrap/config"
	"github.com/hooktrap/hooktrap/internal/registry"
	"github.com/hooktrap/hooktrap/log"
	"github.com/hooktrap/hooktrap/store"
)

// datasetPushTimeout bounds one event persist.
const datasetPushTimeout = 5 * time.Second

// delivery carries everything the background stage needs once the
// response has gone out. headers is the unmasked inbound set; the
// recorded event carries the masked one.
type delivery struct {
	event     *store.Event
	snap      *config.Snapshot
	overrides *registry.Overrides
	method    string
	rawBody   []byte
	headers   http.Header
}

// runBackground publishes, persists, forwards and alerts for one
// delivery. The deadline only bounds how long this watchdog waits;
// subtasks that outlive it run to completion under their own timeouts.
func (g *gateway) runBackground(d *delivery) {
	done := make(chan struct{})
	go func() {
		defer g.bg.Done()
		defer close(done)
		defer func() {
			if p := recover(); p != nil {
				log.Errorf("background: panic for event %q: %v\n%s", d.event.ID, p, debug.Stack())
			}
		}()

		g.hub.Emit(d.event)
		g.persistEvent(d.event)
		g.forwardDelivery(d)
		g.alertEvent(d.snap, d.event)
	}()

	deadline := time.Duration(g.cfg.BackgroundDeadline)
	select {
	case <-done:
	case <-time.After(deadline):
		log.Errorf("[TIMEOUT] background tasks exceeded %v for event %q", deadline, d.event.ID)
		backgroundTimeouts.Inc()
	}
}

// persistEvent writes the event to the sink. Failures are advisory and
// never reach the client; platform-limit conditions get their own label.
func (g *gateway) persistEvent(ev *store.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), datasetPushTimeout)
	defer cancel()

	err := g.store.Push(ctx, ev)
	if err == nil {
		return
	}
	if isPlatformLimit(err) {
		persistErrors.With(prometheus.Labels{"class": "platform_limit"}).Inc()
		log.Infof("dataset: event %q dropped by a platform limit: %s", ev.ID, err)
		return
	}
	persistErrors.With(prometheus.Labels{"class": "generic"}).Inc()
	log.Errorf("dataset: cannot persist event %q: %s", ev.ID, err)
}

// isPlatformLimit spots sink rejections caused by account or dataset
// limits rather than by transport trouble.
func isPlatformLimit(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"dataset", "quota", "limit"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// forwardDelivery resolves the effective forward target, per-webhook
// override first, and hands off to the forwarder.
func (g *gateway) forwardDelivery(d *delivery) {
	targetURL := d.snap.ForwardURL
	copyHeaders := d.snap.ForwardHeaders
	if d.overrides != nil {
		if d.overrides.ForwardURL != "" {
			targetURL = d.overrides.ForwardURL
		}
		if d.overrides.ForwardHeaders != nil {
			copyHeaders = *d.overrides.ForwardHeaders
		}
	}
	if targetURL == "" {
		return
	}
	g.forwardEvent(d, targetURL, copyHeaders)
}
