// Package ratelimit admits requests per key over a sliding window. The
// key table is bounded: when full, the least recently used key is evicted
// so a scan across many source addresses cannot grow memory without
// limit.
package ratelimit

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hooktrap/hooktrap/log"
)

const sweepInterval = 30 * time.Second

// Result of one admission check.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
	Limit      int
	Window     time.Duration
}

type entry struct {
	// admission times in ascending order, pruned lazily to the window
	stamps []time.Time
}

// Limiter is a sliding-window rate limiter over an LRU-bounded key table.
// The limit can be swapped at runtime by the reload controller; window
// and capacity are fixed at construction.
type Limiter struct {
	limit  atomic.Int64
	window time.Duration

	mu       sync.Mutex
	entries  *lru.Cache[string, *entry]
	sweeping bool

	now func() time.Time

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New starts a limiter and its background sweeper. limit 0 admits
// everything until UpdateLimit raises it.
func New(limit int, window time.Duration, maxEntries int) (*Limiter, error) {
	if limit < 0 {
		return nil, fmt.Errorf("`limit` must not be negative")
	}
	if window <= 0 {
		return nil, fmt.Errorf("`window` must be positive")
	}
	if maxEntries <= 0 {
		return nil, fmt.Errorf("`maxEntries` must be positive")
	}

	l := &Limiter{
		window: window,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	l.limit.Store(int64(limit))

	cache, err := lru.NewWithEvict[string, *entry](maxEntries, func(key string, _ *entry) {
		// the sweeper removes idle keys; only report pressure evictions
		if !l.sweeping {
			log.Infof("rate limiter: evicted least recently used key %q", MaskKey(key))
		}
	})
	if err != nil {
		return nil, err
	}
	l.entries = cache

	l.wg.Add(1)
	go func() {
		log.Debugf("rate limiter: sweeper start")
		l.sweeper()
		log.Debugf("rate limiter: sweeper stop")
		l.wg.Done()
	}()

	return l, nil
}

// Close stops the sweeper.
func (l *Limiter) Close() error {
	close(l.stopCh)
	l.wg.Wait()
	return nil
}

// UpdateLimit swaps the admission limit; negative values disable limiting.
func (l *Limiter) UpdateLimit(limit int) {
	if limit < 0 {
		limit = 0
	}
	l.limit.Store(int64(limit))
}

// Limit returns the current admission limit.
func (l *Limiter) Limit() int {
	return int(l.limit.Load())
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries.Len()
}

// Check admits or rejects one request for key. On rejection, RetryAfter
// says how long until the oldest counted admission leaves the window.
func (l *Limiter) Check(key string) Result {
	limit := int(l.limit.Load())
	if limit <= 0 {
		return Result{Allowed: true, Limit: limit, Window: l.window}
	}

	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries.Get(key)
	if !ok {
		e = &entry{}
		l.entries.Add(key, e)
	}

	keep := e.stamps[:0]
	for _, ts := range e.stamps {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	e.stamps = keep

	if len(e.stamps) >= limit {
		return Result{
			Allowed:    false,
			RetryAfter: e.stamps[0].Sub(cutoff),
			Limit:      limit,
			Window:     l.window,
		}
	}

	e.stamps = append(e.stamps, now)
	return Result{Allowed: true, Limit: limit, Window: l.window}
}

func (l *Limiter) sweeper() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stopCh:
			return
		}
	}
}

// sweep removes keys whose admissions have all left the window, without
// disturbing LRU order for live keys.
func (l *Limiter) sweep() {
	cutoff := l.now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweeping = true
	defer func() { l.sweeping = false }()

	for _, key := range l.entries.Keys() {
		e, ok := l.entries.Peek(key)
		if !ok {
			continue
		}
		expired := true
		for _, ts := range e.stamps {
			if ts.After(cutoff) {
				expired = false
				break
			}
		}
		if expired {
			l.entries.Remove(key)
		}
	}
}

// MaskKey redacts a rate-limiter key for logging: the last octet of an
// IPv4 address and the last six groups of an IPv6 address are replaced
// with ****. Non-address keys lose their second half.
func MaskKey(key string) string {
	host := key
	if h, _, err := net.SplitHostPort(key); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		if len(host) <= 4 {
			return "****"
		}
		return host[:len(host)/2] + "****"
	}
	if v4 := ip.To4(); v4 != nil {
		parts := strings.Split(v4.String(), ".")
		return strings.Join(parts[:3], ".") + ".****"
	}
	b := ip.To16()
	return fmt.Sprintf("%x:%x:****", uint16(b[0])<<8|uint16(b[1]), uint16(b[2])<<8|uint16(b[3]))
}
