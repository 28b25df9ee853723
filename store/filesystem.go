package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hooktrap/hooktrap/log"
)

var safeNameRegexp = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// fileSystemStore keeps the registry document and per-webhook event logs
// as plain files: kv documents under kv/, events as append-only ndjson
// under events/, one file per webhook id. An in-memory offset index per
// file answers id and timestamp lookups without scanning.
type fileSystemStore struct {
	dir string

	mu      sync.Mutex
	indexes map[string]*eventIndex

	stats Stats
}

type eventIndex struct {
	entries []indexEntry
	byID    map[string]int
}

// indexEntry locates one ndjson line. Entries are kept in append order,
// which is also timestamp order, so timestamp lookups can binary-search.
type indexEntry struct {
	id     string
	ts     time.Time
	offset int64
	length int64
}

// NewFileSystem opens (or creates) a file-backed store rooted at dir and
// indexes any event logs already present.
func NewFileSystem(dir string) (Store, error) {
	if len(dir) == 0 {
		return nil, fmt.Errorf("`dir` cannot be empty")
	}

	s := &fileSystemStore{
		dir:     dir,
		indexes: make(map[string]*eventIndex),
	}

	for _, sub := range []string{"kv", "events"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o700); err != nil {
			return nil, fmt.Errorf("cannot create %q: %w", filepath.Join(dir, sub), err)
		}
	}

	if err := s.loadIndexes(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *fileSystemStore) Close() error {
	return nil
}

func (s *fileSystemStore) Stats() Stats {
	var st Stats
	st.Size = atomic.LoadUint64(&s.stats.Size)
	st.Items = atomic.LoadUint64(&s.stats.Items)
	return st
}

func (s *fileSystemStore) kvPath(key string) (string, error) {
	if !safeNameRegexp.MatchString(key) {
		return "", fmt.Errorf("invalid kv key %q", key)
	}
	return filepath.Join(s.dir, "kv", key+".json"), nil
}

func (s *fileSystemStore) eventsPath(webhookID string) (string, error) {
	if !safeNameRegexp.MatchString(webhookID) {
		return "", fmt.Errorf("invalid webhook id %q", webhookID)
	}
	return filepath.Join(s.dir, "events", webhookID+".ndjson"), nil
}

func (s *fileSystemStore) GetValue(_ context.Context, key string) ([]byte, error) {
	path, err := s.kvPath(key)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrMissing
	}
	return b, err
}

// SetValue writes through a temporary file and renames it into place, so
// a concurrent reader never observes a torn document.
func (s *fileSystemStore) SetValue(_ context.Context, key string, value []byte) error {
	path, err := s.kvPath(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value, 0o600); err != nil {
		return fmt.Errorf("cannot write %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("cannot rename %q to %q: %w", tmp, path, err)
	}
	return nil
}

func (s *fileSystemStore) Push(_ context.Context, ev *Event) error {
	path, err := s.eventsPath(ev.WebhookID)
	if err != nil {
		return err
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("cannot marshal event %q: %w", ev.ID, err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("cannot open %q: %w", path, err)
	}
	defer f.Close()

	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("cannot append to %q: %w", path, err)
	}

	idx := s.indexes[ev.WebhookID]
	if idx == nil {
		idx = &eventIndex{byID: make(map[string]int)}
		s.indexes[ev.WebhookID] = idx
	}
	idx.byID[ev.ID] = len(idx.entries)
	idx.entries = append(idx.entries, indexEntry{
		id:     ev.ID,
		ts:     ev.Timestamp,
		offset: offset,
		length: int64(len(line)),
	})

	atomic.AddUint64(&s.stats.Items, 1)
	atomic.AddUint64(&s.stats.Size, uint64(len(line)))
	return nil
}

func (s *fileSystemStore) FindByID(_ context.Context, webhookID, eventID string) (*Event, error) {
	s.mu.Lock()
	idx := s.indexes[webhookID]
	if idx == nil {
		s.mu.Unlock()
		return nil, ErrMissing
	}
	pos, ok := idx.byID[eventID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrMissing
	}
	entry := idx.entries[pos]
	s.mu.Unlock()

	return s.readEntry(webhookID, entry)
}

func (s *fileSystemStore) FindByTimestamp(_ context.Context, webhookID string, ts time.Time) (*Event, error) {
	s.mu.Lock()
	idx := s.indexes[webhookID]
	if idx == nil {
		s.mu.Unlock()
		return nil, ErrMissing
	}
	// entries are in timestamp order; binary-search the first candidate
	i := sort.Search(len(idx.entries), func(i int) bool {
		return !idx.entries[i].ts.Before(ts)
	})
	if i >= len(idx.entries) || !idx.entries[i].ts.Equal(ts) {
		s.mu.Unlock()
		return nil, ErrMissing
	}
	entry := idx.entries[i]
	s.mu.Unlock()

	return s.readEntry(webhookID, entry)
}

func (s *fileSystemStore) Query(_ context.Context, q Query) ([]*Event, error) {
	s.mu.Lock()
	var picked []struct {
		webhookID string
		entry     indexEntry
	}
	for webhookID, idx := range s.indexes {
		if q.WebhookID != "" && webhookID != q.WebhookID {
			continue
		}
		for _, e := range idx.entries {
			if !q.Since.IsZero() && e.ts.Before(q.Since) {
				continue
			}
			if !q.Until.IsZero() && e.ts.After(q.Until) {
				continue
			}
			picked = append(picked, struct {
				webhookID string
				entry     indexEntry
			}{webhookID, e})
		}
	}
	s.mu.Unlock()

	sort.Slice(picked, func(i, j int) bool {
		return picked[i].entry.ts.Before(picked[j].entry.ts)
	})
	if q.Limit > 0 && len(picked) > q.Limit {
		picked = picked[len(picked)-q.Limit:]
	}

	events := make([]*Event, 0, len(picked))
	for _, p := range picked {
		ev, err := s.readEntry(p.webhookID, p.entry)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// readEntry reads one ndjson line by its recorded offset. Event files are
// append-only, so offsets stay valid without holding the lock.
func (s *fileSystemStore) readEntry(webhookID string, entry indexEntry) (*Event, error) {
	path, err := s.eventsPath(webhookID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open %q: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, entry.length)
	if _, err := f.ReadAt(buf, entry.offset); err != nil {
		return nil, fmt.Errorf("cannot read %q at %d: %w", path, entry.offset, err)
	}

	ev := &Event{}
	if err := json.Unmarshal(buf, ev); err != nil {
		return nil, fmt.Errorf("corrupted event record in %q at %d: %w", path, entry.offset, err)
	}
	return ev, nil
}

// loadIndexes scans every events file once at startup. A line that
// doesn't parse (torn by a crash mid-append) is skipped with a warning;
// the index simply never references those bytes.
func (s *fileSystemStore) loadIndexes() error {
	eventsDir := filepath.Join(s.dir, "events")
	des, err := os.ReadDir(eventsDir)
	if err != nil {
		return fmt.Errorf("cannot read %q: %w", eventsDir, err)
	}

	for _, de := range des {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".ndjson") {
			continue
		}
		webhookID := strings.TrimSuffix(name, ".ndjson")
		idx, size, err := loadIndex(filepath.Join(eventsDir, name))
		if err != nil {
			return err
		}
		s.indexes[webhookID] = idx
		atomic.AddUint64(&s.stats.Items, uint64(len(idx.entries)))
		atomic.AddUint64(&s.stats.Size, size)
	}
	return nil
}

func loadIndex(path string) (*eventIndex, uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("cannot open %q: %w", path, err)
	}
	defer f.Close()

	idx := &eventIndex{byID: make(map[string]int)}
	r := bufio.NewReader(f)
	var offset int64
	var size uint64
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			var ev Event
			if jsonErr := json.Unmarshal(line, &ev); jsonErr != nil {
				log.Errorf("skipping unparsable event record in %q at offset %d: %s", path, offset, jsonErr)
			} else {
				idx.byID[ev.ID] = len(idx.entries)
				idx.entries = append(idx.entries, indexEntry{
					id:     ev.ID,
					ts:     ev.Timestamp,
					offset: offset,
					length: int64(len(line)),
				})
				size += uint64(len(line))
			}
			offset += int64(len(line))
		}
		if err != nil {
			break
		}
	}
	return idx, size, nil
}
