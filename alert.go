package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/slack-go/slack"
	"golang.org/x/time/rate"

	"github.com/hooktrap/hooktrap/config"
	"github.com/hooktrap/hooktrap/log"
	"github.com/hooktrap/hooktrap/store"
)

// alertTimeout bounds one notification send.
const alertTimeout = 5 * time.Second

// Flood cap across all channels, so a webhook storm cannot turn into a
// notification storm.
const (
	alertsPerMinute = 10
	alertBurst      = 5
)

// alertTriggers in evaluation order; the first enabled match wins, so an
// event produces at most one notification per channel.
var alertTriggers = []struct {
	name  string
	match func(*store.Event) bool
}{
	{"error", func(ev *store.Event) bool { return ev.Error != "" }},
	{"4xx", func(ev *store.Event) bool { return ev.StatusCode >= 400 && ev.StatusCode < 500 }},
	{"5xx", func(ev *store.Event) bool { return ev.StatusCode >= 500 }},
	{"timeout", func(ev *store.Event) bool { return strings.Contains(strings.ToLower(ev.Error), "timeout") }},
	{"signature_invalid", func(ev *store.Event) bool { return ev.SignatureValid != nil && !*ev.SignatureValid }},
}

// shouldAlert returns the first enabled trigger the event matches.
func shouldAlert(snap *config.Snapshot, ev *store.Event) (string, bool) {
	for _, t := range alertTriggers {
		if snap.AlertsOn(t.name) && t.match(ev) {
			return t.name, true
		}
	}
	return "", false
}

type alerter struct {
	checker urlChecker
	client  *http.Client
	flood   *rate.Limiter
}

func newAlerter(checker urlChecker) *alerter {
	return &alerter{
		checker: checker,
		client:  &http.Client{Timeout: alertTimeout},
		flood:   rate.NewLimiter(rate.Every(time.Minute/alertsPerMinute), alertBurst),
	}
}

// alertEvent notifies every configured channel when the event matches an
// enabled trigger. Failures are logged and never propagate.
func (g *gateway) alertEvent(snap *config.Snapshot, ev *store.Event) {
	if !snap.AlertsConfigured() {
		return
	}
	trigger, ok := shouldAlert(snap, ev)
	if !ok {
		return
	}
	if !g.alert.flood.Allow() {
		log.Debugf("alert: flood cap reached, alert for event %q dropped", ev.ID)
		return
	}

	if snap.SlackWebhookURL != "" {
		g.alert.notify("slack", snap.SlackWebhookURL, trigger, ev, g.alert.sendSlack)
	}
	if snap.DiscordWebhookURL != "" {
		g.alert.notify("discord", snap.DiscordWebhookURL, trigger, ev, g.alert.sendDiscord)
	}
}

// notify wraps one channel send with the SSRF gate and the metrics.
func (a *alerter) notify(channel, rawURL, trigger string, ev *store.Event, send func(ctx context.Context, href, trigger string, ev *store.Event) error) {
	ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
	defer cancel()

	target, err := a.checker.Validate(ctx, rawURL)
	if err != nil {
		alertErrors.With(prometheus.Labels{"channel": channel}).Inc()
		log.Errorf("alert: SSRF blocked %s webhook url: %s", channel, err)
		return
	}
	if err := send(ctx, target.Href, trigger, ev); err != nil {
		alertErrors.With(prometheus.Labels{"channel": channel}).Inc()
		log.Errorf("alert: cannot notify %s about event %q: %s", channel, ev.ID, err)
		return
	}
	alertsSent.With(prometheus.Labels{"channel": channel}).Inc()
}

func (a *alerter) sendSlack(ctx context.Context, href, trigger string, ev *store.Event) error {
	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, "*Webhook*\n"+orDash(ev.WebhookID), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, "*Event*\n"+ev.ID, false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Status*\n%d", ev.StatusCode), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, "*Method*\n"+orDash(ev.Method), false, false),
	}
	if ev.Error != "" {
		fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType, "*Error*\n"+truncate(ev.Error, 256), false, false))
	}
	if ev.SignatureError != "" {
		fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType, "*Signature*\n"+ev.SignatureError, false, false))
	}

	msg := &slack.WebhookMessage{
		Blocks: &slack.Blocks{
			BlockSet: []slack.Block{
				slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, "Webhook alert: "+trigger, false, false)),
				slack.NewSectionBlock(nil, fields, nil),
				slack.NewContextBlock("", slack.NewTextBlockObject(slack.MarkdownType, ev.Timestamp.Format(time.RFC3339), false, false)),
			},
		},
	}
	return slack.PostWebhookCustomHTTPContext(ctx, href, a.client, msg)
}

// sendDiscord posts a single embed. Discord's webhook API is plain JSON,
// no SDK needed.
func (a *alerter) sendDiscord(ctx context.Context, href, trigger string, ev *store.Event) error {
	embed := map[string]interface{}{
		"title":     "Webhook alert: " + trigger,
		"color":     0xED4245,
		"timestamp": ev.Timestamp.Format(time.RFC3339),
		"fields": []map[string]interface{}{
			{"name": "Webhook", "value": orDash(ev.WebhookID), "inline": true},
			{"name": "Event", "value": ev.ID, "inline": true},
			{"name": "Status", "value": strconv.Itoa(ev.StatusCode), "inline": true},
		},
	}
	if ev.Error != "" {
		embed["description"] = truncate(ev.Error, 1024)
	}
	payload, err := json.Marshal(map[string]interface{}{"embeds": []interface{}{embed}})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, href, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("discord answered %s", resp.Status)
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
