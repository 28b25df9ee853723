// Package registry tracks the live webhook endpoints: which ids exist,
// when they expire and their per-endpoint response overrides. Expiry is
// the only way a record ever leaves the registry; scaling the pool down
// merely stops creating new ids.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/mohae/deepcopy"

	"github.com/hooktrap/hooktrap/internal/ident"
	"github.com/hooktrap/hooktrap/log"
	"github.com/hooktrap/hooktrap/store"
)

const persistKey = "webhook-registry"
const persistTimeout = 5 * time.Second
const sweepInterval = time.Minute
const idLength = 17

// Overrides adjust the response behavior of a single webhook endpoint.
// Zero values inherit the global defaults.
type Overrides struct {
	ResponseCode    int               `json:"responseCode,omitempty"`
	ResponseBody    string            `json:"responseBody,omitempty"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	ResponseDelayMs int64             `json:"responseDelayMs,omitempty"`
	ForwardURL      string            `json:"forwardUrl,omitempty"`
	ForwardHeaders  *bool             `json:"forwardHeaders,omitempty"`
}

// Record is the persisted state of one webhook endpoint.
type Record struct {
	ExpiresAt time.Time  `json:"expiresAt"`
	Overrides *Overrides `json:"overrides,omitempty"`
}

// Info is one entry of a List snapshot.
type Info struct {
	ID        string
	ExpiresAt time.Time
	Overrides *Overrides
}

// Registry is the single writer for webhook records. All mutations run
// under one mutex; persistence is best-effort through the kv store.
type Registry struct {
	kv store.KeyValueStore

	mu      sync.Mutex
	records map[string]*Record

	now func() time.Time

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New loads any persisted registry state from kv and starts the expiry
// sweeper. A missing or unreadable document starts empty; the registry
// must come up even when the store is unhappy.
func New(kv store.KeyValueStore) *Registry {
	r := &Registry{
		kv:      kv,
		records: make(map[string]*Record),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	raw, err := kv.GetValue(ctx, persistKey)
	switch {
	case err == store.ErrMissing:
	case err != nil:
		log.Errorf("registry: cannot load persisted state: %s", err)
	default:
		if err := json.Unmarshal(raw, &r.records); err != nil {
			log.Errorf("registry: persisted state is unreadable, starting empty: %s", err)
			r.records = make(map[string]*Record)
		} else {
			log.Infof("registry: loaded %d persisted webhook(s)", len(r.records))
		}
	}

	r.wg.Add(1)
	go func() {
		log.Debugf("registry: sweeper start")
		r.sweeper()
		log.Debugf("registry: sweeper stop")
		r.wg.Done()
	}()

	return r
}

// Close stops the sweeper and persists a final snapshot.
func (r *Registry) Close() error {
	close(r.stopCh)
	r.wg.Wait()
	r.Persist()
	return nil
}

// Generate creates count new records expiring retentionHours from now
// and returns their ids.
func (r *Registry) Generate(count int, retentionHours float64) ([]string, error) {
	if count < 0 {
		return nil, fmt.Errorf("count must not be negative, got %d", count)
	}
	if !(retentionHours > 0) || math.IsInf(retentionHours, 0) {
		return nil, fmt.Errorf("retention hours must be a positive finite number, got %v", retentionHours)
	}

	expiresAt := r.now().Add(retention(retentionHours))

	r.mu.Lock()
	ids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		id := ident.New(idLength)
		for {
			if _, exists := r.records[id]; !exists {
				break
			}
			id = ident.New(idLength)
		}
		r.records[id] = &Record{ExpiresAt: expiresAt}
		ids = append(ids, id)
	}
	r.mu.Unlock()

	if len(ids) > 0 {
		r.Persist()
	}
	return ids, nil
}

// EnsureCount creates records until target non-expired ones exist.
// Shrinking the target never deletes anything.
func (r *Registry) EnsureCount(target int, retentionHours float64) ([]string, error) {
	missing := target - r.Count()
	if missing <= 0 {
		return nil, nil
	}
	return r.Generate(missing, retentionHours)
}

// IsValid reports whether id exists and has not expired.
func (r *Registry) IsValid(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	return ok && r.now().Before(rec.ExpiresAt)
}

// GetData returns a copy of the override bag for id, or nil.
func (r *Registry) GetData(id string) *Overrides {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || rec.Overrides == nil {
		return nil
	}
	return deepcopy.Copy(rec.Overrides).(*Overrides)
}

// SetOverrides replaces the override bag of an existing record. Returns
// false when id is unknown.
func (r *Registry) SetOverrides(id string, o *Overrides) bool {
	r.mu.Lock()
	_, ok := r.records[id]
	if ok {
		if o != nil {
			o = deepcopy.Copy(o).(*Overrides)
		}
		r.records[id].Overrides = o
	}
	r.mu.Unlock()

	if ok {
		r.Persist()
	}
	return ok
}

// ExtendRetention raises every record's expiry to at least now+h.
// Retention is monotone upward; nothing ever shrinks.
func (r *Registry) ExtendRetention(h float64) {
	if !(h > 0) || math.IsInf(h, 0) {
		return
	}
	floor := r.now().Add(retention(h))

	r.mu.Lock()
	changed := false
	for _, rec := range r.records {
		if rec.ExpiresAt.Before(floor) {
			rec.ExpiresAt = floor
			changed = true
		}
	}
	r.mu.Unlock()

	if changed {
		r.Persist()
	}
}

// Sweep removes expired records. It is the sole destructor.
func (r *Registry) Sweep() {
	now := r.now()

	r.mu.Lock()
	var removed []string
	for id, rec := range r.records {
		if !now.Before(rec.ExpiresAt) {
			delete(r.records, id)
			removed = append(removed, id)
		}
	}
	r.mu.Unlock()

	if len(removed) > 0 {
		log.Infof("registry: swept %d expired webhook(s)", len(removed))
		r.Persist()
	}
}

// Count returns the number of non-expired records.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	n := 0
	for _, rec := range r.records {
		if now.Before(rec.ExpiresAt) {
			n++
		}
	}
	return n
}

// List returns a sorted snapshot of all non-expired records.
func (r *Registry) List() []Info {
	r.mu.Lock()
	now := r.now()
	infos := make([]Info, 0, len(r.records))
	for id, rec := range r.records {
		if !now.Before(rec.ExpiresAt) {
			continue
		}
		info := Info{ID: id, ExpiresAt: rec.ExpiresAt}
		if rec.Overrides != nil {
			info.Overrides = deepcopy.Copy(rec.Overrides).(*Overrides)
		}
		infos = append(infos, info)
	}
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Persist writes the current state to the kv store. Failures are logged
// and swallowed; registry state must never be lost to a slow store while
// the process is alive.
func (r *Registry) Persist() {
	r.mu.Lock()
	snapshot := make(map[string]*Record, len(r.records))
	for id, rec := range r.records {
		snapshot[id] = &Record{ExpiresAt: rec.ExpiresAt, Overrides: rec.Overrides}
	}
	r.mu.Unlock()

	raw, err := json.Marshal(snapshot)
	if err != nil {
		log.Errorf("registry: cannot marshal state: %s", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.kv.SetValue(ctx, persistKey, raw); err != nil {
		log.Errorf("registry: cannot persist state: %s", err)
	}
}

func (r *Registry) sweeper() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-r.stopCh:
			return
		}
	}
}

func retention(hours float64) time.Duration {
	return time.Duration(hours * float64(time.Hour))
}
