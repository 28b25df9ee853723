package main

import "github.com/prometheus/client_golang/prometheus"

var (
	requestSum  *prometheus.CounterVec
	statusCodes *prometheus.CounterVec

	webhookRejects  *prometheus.CounterVec
	signatureChecks *prometheus.CounterVec
	scriptRuns      *prometheus.CounterVec
	forwardErrors   *prometheus.CounterVec
	persistErrors   *prometheus.CounterVec
	ssrfBlocked     *prometheus.CounterVec
	alertsSent      *prometheus.CounterVec
	alertErrors     *prometheus.CounterVec
	configReloads   *prometheus.CounterVec

	eventsRecorded     prometheus.Counter
	forwardSum         prometheus.Counter
	replaySum          prometheus.Counter
	replayErrors       prometheus.Counter
	rateLimited        prometheus.Counter
	backgroundTimeouts prometheus.Counter
	requestBodyBytes   prometheus.Counter
	responseBodyBytes  prometheus.Counter

	streamSubscribers prometheus.Gauge
)

func init() {
	requestSum = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "request_sum",
			Help: "Total number of received requests",
		},
		[]string{"route"},
	)

	statusCodes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "status_codes",
			Help: "Distribution by status codes counter",
		},
		[]string{"route", "code"},
	)

	webhookRejects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_rejects",
			Help: "Number of webhook requests rejected before an event was recorded",
		},
		[]string{"reason"},
	)

	signatureChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signature_checks",
			Help: "Number of payload signature verifications",
		},
		[]string{"provider", "outcome"},
	)

	scriptRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "script_runs",
			Help: "Number of transform script executions",
		},
		[]string{"outcome"},
	)

	forwardErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forward_errors",
			Help: "Number of forward attempts that failed",
		},
		[]string{"transient"},
	)

	persistErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persist_errors",
			Help: "Number of failed event persists by failure class",
		},
		[]string{"class"},
	)

	ssrfBlocked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ssrf_blocked",
			Help: "Number of outbound URLs rejected by the safety check",
		},
		[]string{"code"},
	)

	alertsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_sent",
			Help: "Number of alert notifications sent",
		},
		[]string{"channel"},
	)

	alertErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_errors",
			Help: "Number of alert notifications that failed",
		},
		[]string{"channel"},
	)

	configReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "config_reloads",
			Help: "Number of dynamic config reload attempts",
		},
		[]string{"outcome"},
	)

	eventsRecorded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "events_recorded",
		Help: "Total number of webhook events recorded",
	})

	forwardSum = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "forward_sum",
		Help: "Total number of forward attempts",
	})

	replaySum = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replay_sum",
		Help: "Total number of replay requests",
	})

	replayErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replay_errors",
		Help: "Total number of replays that did not reach the target",
	})

	rateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rate_limited",
		Help: "Total number of requests rejected by the rate limiter",
	})

	backgroundTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "background_timeouts",
		Help: "Number of times post-response work outlived its deadline",
	})

	requestBodyBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "request_body_bytes",
		Help: "Total size of read request bodies",
	})

	responseBodyBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "response_body_bytes",
		Help: "Total size of written response bodies",
	})

	streamSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stream_subscribers",
		Help: "Current number of live event-stream subscribers",
	})

	prometheus.MustRegister(requestSum, statusCodes, webhookRejects, signatureChecks,
		scriptRuns, forwardErrors, persistErrors, ssrfBlocked, alertsSent, alertErrors,
		configReloads, eventsRecorded, forwardSum, replaySum, replayErrors, rateLimited,
		backgroundTimeouts, requestBodyBytes, responseBodyBytes, streamSubscribers)
}
