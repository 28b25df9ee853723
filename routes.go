package main

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hooktrap/hooktrap/internal/ratelimit"
	"github.com/hooktrap/hooktrap/log"
	"github.com/hooktrap/hooktrap/middleware"
)

// newRouter wires the HTTP surface. The rate-limit gate runs per route,
// so a webhook flood cannot starve the admin endpoints of their own
// budget and the stream route stays uncompressed for low-latency frames.
func (g *gateway) newRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(g.observe)
	r.Use(recoverPanic)
	r.Use(func(next http.Handler) http.Handler {
		return middleware.NewClientIPMiddleware(g.cfg.TrustProxy, next)
	})
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))
	r.Use(middleware.RequestID)

	r.HandleFunc("/webhook/{id}", func(rw http.ResponseWriter, req *http.Request) {
		if !g.admit(rw, req) {
			return
		}
		g.handleWebhook(rw, req, chi.URLParam(req, "id"))
	})

	replay := func(rw http.ResponseWriter, req *http.Request) {
		if !g.admit(rw, req) {
			return
		}
		g.handleReplay(rw, req, chi.URLParam(req, "webhookId"), chi.URLParam(req, "itemId"))
	}
	r.Get("/replay/{webhookId}/{itemId}", replay)
	r.Post("/replay/{webhookId}/{itemId}", replay)

	r.Get("/log-stream", g.handleStream)

	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return gzhttp.GzipHandler(next)
		})
		r.Get("/logs", g.handleLogs)
		r.Get("/info", g.handleInfo)
		r.With(middleware.SecurityHeaders).Get("/", g.handleDashboard)
	})

	r.Get("/metrics", g.handleMetrics)

	return r
}

// observe counts every request under its matched route pattern, so the
// label set stays bounded however many webhook ids exist.
func (g *gateway) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		srw := &statResponseWriter{ResponseWriter: rw, bytesWritten: responseBodyBytes}
		next.ServeHTTP(srw, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		if srw.statusCode == 0 {
			srw.statusCode = http.StatusOK
		}
		requestSum.With(prometheus.Labels{"route": route}).Inc()
		statusCodes.With(prometheus.Labels{"route": route, "code": strconv.Itoa(srw.statusCode)}).Inc()
	})
}

func recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		defer func() {
			p := recover()
			if p == nil {
				return
			}
			if p == http.ErrAbortHandler {
				panic(p)
			}
			log.Errorf("panic while serving %s %s: %v\n%s", r.Method, r.URL.Path, p, debug.Stack())
			writeJSONError(rw, http.StatusInternalServerError, "Internal Server Error")
		}()
		next.ServeHTTP(rw, r)
	})
}

// admit applies the per-client rate limit. The key is the client IP,
// already reduced to a bare address by the identity middleware.
func (g *gateway) admit(rw http.ResponseWriter, r *http.Request) bool {
	res := g.limiter.Check(r.RemoteAddr)
	if res.Allowed {
		return true
	}

	rateLimited.Inc()
	log.Debugf("rate limiter: rejected %s, retry in %v", ratelimit.MaskKey(r.RemoteAddr), res.RetryAfter)

	retryMs := res.RetryAfter.Milliseconds()
	if retryMs < 1 {
		retryMs = 1
	}
	secs := int64((res.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	rw.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	writeJSON(rw, http.StatusTooManyRequests, map[string]interface{}{
		"error":        "Too Many Requests",
		"message":      fmt.Sprintf("Rate limit of %d requests per %d ms exceeded", res.Limit, res.Window.Milliseconds()),
		"retryAfterMs": retryMs,
	})
	return false
}
