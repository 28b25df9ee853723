package config

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Hard bounds enforced by the normalizer regardless of input.
const (
	MaxPayloadHardCap = 100 * MB

	// SafeResponseDelayMax caps artificial response delays so a hostile
	// config cannot pin connections open indefinitely.
	SafeResponseDelayMax = 30 * time.Second

	maxURLCount           = 100
	maxRetentionHours     = 720
	maxRateLimitPerMinute = 10000
	maxReplayRetries      = 10
	minReplayTimeout      = 100 * time.Millisecond
	maxReplayTimeout      = time.Minute

	defaultToleranceSeconds = 300
)

var knownAlertTriggers = map[string]struct{}{
	"error":             {},
	"4xx":               {},
	"5xx":               {},
	"timeout":           {},
	"signature_invalid": {},
}

var knownSignatureProviders = map[string]struct{}{
	"stripe":  {},
	"shopify": {},
	"github":  {},
	"slack":   {},
	"custom":  {},
}

// Snapshot is the immutable, fully-coerced form of the dynamic config.
// A snapshot is built once per reload, published by pointer swap and never
// mutated afterwards; requests in flight keep whichever snapshot they
// started with.
type Snapshot struct {
	AuthKey     string
	AllowedNets Networks

	MaxPayloadBytes   int64
	EnableJSONParsing bool

	DefaultResponseCode    int
	DefaultResponseBody    string
	DefaultResponseHeaders map[string]string
	ResponseDelay          time.Duration

	ForwardURL     string
	ForwardHeaders bool

	SchemaSource string
	ScriptSource string

	MaskSensitiveData bool

	Signature *SignatureVerification

	SlackWebhookURL   string
	DiscordWebhookURL string
	AlertOn           []string

	RateLimitPerMinute int
	URLCount           int
	RetentionHours     float64

	ReplayMaxRetries int
	ReplayTimeout    time.Duration

	Endpoints map[string]EndpointOverride
}

// EndpointOverride is the per-webhook response override bag held by a
// snapshot. Zero values mean "inherit the global setting".
type EndpointOverride struct {
	ResponseCode    int
	ResponseBody    string
	ResponseHeaders map[string]string
	ResponseDelay   time.Duration
	ForwardURL      string
	ForwardHeaders  *bool
}

// AlertsConfigured reports whether at least one alert channel is set.
func (s *Snapshot) AlertsConfigured() bool {
	return s.SlackWebhookURL != "" || s.DiscordWebhookURL != ""
}

// AlertsOn reports whether the given trigger is enabled.
func (s *Snapshot) AlertsOn(trigger string) bool {
	for _, t := range s.AlertOn {
		if t == trigger {
			return true
		}
	}
	return false
}

// Endpoint returns the override bag for id, or nil.
func (s *Snapshot) Endpoint(id string) *EndpointOverride {
	if o, ok := s.Endpoints[id]; ok {
		return &o
	}
	return nil
}

// Snapshot coerces the dynamic config into an immutable Snapshot.
// Out-of-range values are clamped, invalid entries dropped; every such
// adjustment is reported in the returned warning list. The same input
// always produces an identical snapshot.
func (h *Hooks) Snapshot() (*Snapshot, []string) {
	var warnings []string
	warnf := func(format string, args ...interface{}) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	}

	s := &Snapshot{
		AuthKey:             h.AuthKey,
		EnableJSONParsing:   h.EnableJSONParsing,
		DefaultResponseBody: h.DefaultResponseBody,
		ForwardURL:          h.ForwardURL,
		ForwardHeaders:      h.ForwardHeaders,
		SchemaSource:        strings.TrimSpace(h.JSONSchema),
		ScriptSource:        strings.TrimSpace(h.CustomScript),
		MaskSensitiveData:   h.MaskSensitiveData,
	}

	s.URLCount = int(h.URLCount)
	if s.URLCount < 0 {
		warnf("url_count %d is negative; using 0", s.URLCount)
		s.URLCount = 0
	} else if s.URLCount > maxURLCount {
		warnf("url_count %d exceeds %d; clamped", s.URLCount, maxURLCount)
		s.URLCount = maxURLCount
	}

	s.RetentionHours = h.RetentionHours
	if math.IsNaN(s.RetentionHours) || math.IsInf(s.RetentionHours, 0) || s.RetentionHours <= 0 {
		warnf("retention_hours %v is not a positive finite number; using %v", h.RetentionHours, defaultHooks.RetentionHours)
		s.RetentionHours = defaultHooks.RetentionHours
	} else if s.RetentionHours > maxRetentionHours {
		warnf("retention_hours %v exceeds %d; clamped", s.RetentionHours, maxRetentionHours)
		s.RetentionHours = maxRetentionHours
	}

	for _, entry := range h.AllowedIPs {
		ipnet, err := stringToIPnet(entry)
		if err != nil {
			warnf("allowed_ips entry dropped: %s", err)
			continue
		}
		s.AllowedNets = append(s.AllowedNets, ipnet)
	}

	s.RateLimitPerMinute = int(h.RateLimitPerMinute)
	if s.RateLimitPerMinute < 0 {
		warnf("rate_limit_per_minute %d is negative; limiting disabled", s.RateLimitPerMinute)
		s.RateLimitPerMinute = 0
	} else if s.RateLimitPerMinute > maxRateLimitPerMinute {
		warnf("rate_limit_per_minute %d exceeds %d; clamped", s.RateLimitPerMinute, maxRateLimitPerMinute)
		s.RateLimitPerMinute = maxRateLimitPerMinute
	}

	s.MaxPayloadBytes = int64(h.MaxPayloadSize)
	if s.MaxPayloadBytes <= 0 {
		s.MaxPayloadBytes = int64(defaultHooks.MaxPayloadSize)
	} else if s.MaxPayloadBytes > int64(MaxPayloadHardCap) {
		warnf("max_payload_size %d exceeds the hard cap of %d bytes; clamped", s.MaxPayloadBytes, int64(MaxPayloadHardCap))
		s.MaxPayloadBytes = int64(MaxPayloadHardCap)
	}

	s.DefaultResponseCode = int(h.DefaultResponseCode)
	if s.DefaultResponseCode < 100 || s.DefaultResponseCode > 599 {
		warnf("default_response_code %d is outside 100..599; using %d", s.DefaultResponseCode, int(defaultHooks.DefaultResponseCode))
		s.DefaultResponseCode = int(defaultHooks.DefaultResponseCode)
	}

	if len(h.DefaultResponseHeaders) > 0 {
		s.DefaultResponseHeaders = make(map[string]string, len(h.DefaultResponseHeaders))
		for k, v := range h.DefaultResponseHeaders {
			s.DefaultResponseHeaders[k] = v
		}
	}

	s.ResponseDelay = clampDelay(time.Duration(h.ResponseDelayMs)*time.Millisecond, "response_delay_ms", warnf)

	if h.SignatureVerification != nil && h.SignatureVerification.Provider != "" {
		s.Signature = normalizeSignature(h.SignatureVerification, warnf)
	}

	if h.Alerts != nil {
		if h.Alerts.Slack != nil {
			s.SlackWebhookURL = h.Alerts.Slack.WebhookURL
		}
		if h.Alerts.Discord != nil {
			s.DiscordWebhookURL = h.Alerts.Discord.WebhookURL
		}
	}

	seen := make(map[string]struct{}, len(h.AlertOn))
	for _, trigger := range h.AlertOn {
		t := strings.ToLower(strings.TrimSpace(trigger))
		if _, ok := knownAlertTriggers[t]; !ok {
			warnf("alert_on entry %q is not a known trigger; dropped", trigger)
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		s.AlertOn = append(s.AlertOn, t)
	}
	sort.Strings(s.AlertOn)

	s.ReplayMaxRetries = int(h.ReplayMaxRetries)
	if s.ReplayMaxRetries < 1 {
		warnf("replay_max_retries %d is below 1; using 1", s.ReplayMaxRetries)
		s.ReplayMaxRetries = 1
	} else if s.ReplayMaxRetries > maxReplayRetries {
		warnf("replay_max_retries %d exceeds %d; clamped", s.ReplayMaxRetries, maxReplayRetries)
		s.ReplayMaxRetries = maxReplayRetries
	}

	s.ReplayTimeout = time.Duration(h.ReplayTimeoutMs) * time.Millisecond
	if s.ReplayTimeout <= 0 {
		warnf("replay_timeout_ms %d is not positive; using %d", int(h.ReplayTimeoutMs), int(defaultHooks.ReplayTimeoutMs))
		s.ReplayTimeout = time.Duration(defaultHooks.ReplayTimeoutMs) * time.Millisecond
	} else if s.ReplayTimeout < minReplayTimeout {
		warnf("replay_timeout_ms %d is below %v; clamped", int(h.ReplayTimeoutMs), minReplayTimeout)
		s.ReplayTimeout = minReplayTimeout
	} else if s.ReplayTimeout > maxReplayTimeout {
		warnf("replay_timeout_ms %d exceeds %v; clamped", int(h.ReplayTimeoutMs), maxReplayTimeout)
		s.ReplayTimeout = maxReplayTimeout
	}

	if len(h.Endpoints) > 0 {
		s.Endpoints = make(map[string]EndpointOverride, len(h.Endpoints))
		for id, e := range h.Endpoints {
			o := EndpointOverride{
				ResponseBody: e.ResponseBody,
				ForwardURL:   e.ForwardURL,
			}
			if e.ForwardHeaders != nil {
				v := *e.ForwardHeaders
				o.ForwardHeaders = &v
			}
			code := int(e.ResponseCode)
			switch {
			case code == 0:
				// inherit
			case code < 100 || code > 599:
				warnf("endpoints.%s.response_code %d is outside 100..599; ignored", id, code)
			default:
				o.ResponseCode = code
			}
			if len(e.ResponseHeaders) > 0 {
				o.ResponseHeaders = make(map[string]string, len(e.ResponseHeaders))
				for k, v := range e.ResponseHeaders {
					o.ResponseHeaders[k] = v
				}
			}
			o.ResponseDelay = clampDelay(time.Duration(e.ResponseDelayMs)*time.Millisecond, "endpoints."+id+".response_delay_ms", warnf)
			s.Endpoints[id] = o
		}
	}

	return s, warnings
}

func clampDelay(d time.Duration, field string, warnf func(string, ...interface{})) time.Duration {
	if d < 0 {
		warnf("%s is negative; using 0", field)
		return 0
	}
	if d > SafeResponseDelayMax {
		warnf("%s %v exceeds the safe maximum %v; clamped", field, d, SafeResponseDelayMax)
		return SafeResponseDelayMax
	}
	return d
}

func normalizeSignature(in *SignatureVerification, warnf func(string, ...interface{})) *SignatureVerification {
	out := *in

	out.Provider = strings.ToLower(strings.TrimSpace(out.Provider))
	if _, ok := knownSignatureProviders[out.Provider]; !ok {
		warnf("signature_verification.provider %q is unknown; verification disabled", in.Provider)
		return nil
	}

	switch strings.ToLower(out.Algorithm) {
	case "":
		out.Algorithm = "sha256"
	case "sha1", "sha256":
		out.Algorithm = strings.ToLower(out.Algorithm)
	default:
		warnf("signature_verification.algorithm %q is unsupported; using sha256", in.Algorithm)
		out.Algorithm = "sha256"
	}

	switch strings.ToLower(out.Encoding) {
	case "":
		out.Encoding = "hex"
	case "hex", "base64":
		out.Encoding = strings.ToLower(out.Encoding)
	default:
		warnf("signature_verification.encoding %q is unsupported; using hex", in.Encoding)
		out.Encoding = "hex"
	}

	if out.ToleranceSeconds <= 0 {
		out.ToleranceSeconds = defaultToleranceSeconds
	}

	return &out
}
