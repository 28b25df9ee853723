package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hooktrap/hooktrap/config"
	"github.com/hooktrap/hooktrap/log"
	"github.com/hooktrap/hooktrap/store"
)

const kvReadTimeout = 5 * time.Second

// watcher drives dynamic-config reloads from one of two sources: the
// config file itself, re-read on change, or a document polled from the
// key-value store. An unchanged document is a no-op either way.
type watcher struct {
	g    *gateway
	cfg  config.Reload
	path string
	kv   store.KeyValueStore

	// last successfully applied document, normalized
	lastRaw []byte

	wg     sync.WaitGroup
	stopCh chan struct{}
}

func newWatcher(g *gateway, path string, kv store.KeyValueStore) *watcher {
	w := &watcher{
		g:      g,
		cfg:    g.cfg.Reload,
		path:   path,
		kv:     kv,
		stopCh: make(chan struct{}),
	}

	// the file's current content is already applied at startup
	if w.cfg.Source == "file" {
		if raw, err := os.ReadFile(path); err == nil {
			w.lastRaw = normalizeRaw(raw)
		}
	}
	return w
}

func (w *watcher) Start() {
	w.wg.Add(1)
	go func() {
		log.Debugf("config watcher: start, %s source", w.cfg.Source)
		if w.cfg.Source == "kv" {
			w.poll()
		} else {
			w.watchFile()
		}
		log.Debugf("config watcher: stop")
		w.wg.Done()
	}()
}

func (w *watcher) Close() error {
	close(w.stopCh)
	w.wg.Wait()
	return nil
}

// watchFile re-reads the config file after a quiet period follows a
// change. The watch sits on the directory because editors and config
// management tools replace the file, which would orphan an inode watch.
func (w *watcher) watchFile() {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Errorf("config watcher: cannot start file watcher, hot reload disabled: %s", err)
		return
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		log.Errorf("config watcher: cannot watch %q, hot reload disabled: %s", dir, err)
		return
	}

	debounce := time.NewTimer(time.Duration(w.cfg.Debounce))
	if !debounce.Stop() {
		<-debounce.C
	}
	armed := false

	target := filepath.Clean(w.path)
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if !armed {
				debounce.Reset(time.Duration(w.cfg.Debounce))
				armed = true
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			log.Errorf("config watcher: %s", err)
		case <-debounce.C:
			armed = false
			w.reloadFromFile()
		}
	}
}

func (w *watcher) reloadFromFile() {
	raw, err := os.ReadFile(w.path)
	if err != nil {
		log.Errorf("config watcher: cannot read %q: %s", w.path, err)
		return
	}
	norm := normalizeRaw(raw)
	if bytes.Equal(norm, w.lastRaw) {
		log.Debugf("config watcher: document unchanged, reload skipped")
		return
	}

	cfg, err := config.Parse(raw)
	if err != nil {
		configReloads.With(prometheus.Labels{"outcome": "invalid"}).Inc()
		log.Errorf("config watcher: cannot parse %q, keeping the previous config: %s", w.path, err)
		return
	}

	if w.g.applyConfig(cfg) {
		w.lastRaw = norm
	}
}

func (w *watcher) poll() {
	ticker := time.NewTicker(time.Duration(w.cfg.PollInterval))
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.pollKV()
		}
	}
}

func (w *watcher) pollKV() {
	ctx, cancel := context.WithTimeout(context.Background(), kvReadTimeout)
	defer cancel()

	raw, err := w.kv.GetValue(ctx, w.cfg.KVKey)
	if err != nil {
		// nothing published yet is normal
		if !errors.Is(err, store.ErrMissing) {
			log.Errorf("config watcher: cannot read key %q: %s", w.cfg.KVKey, err)
		}
		return
	}
	norm := normalizeRaw(raw)
	if bytes.Equal(norm, w.lastRaw) {
		return
	}

	h, err := config.ParseHooks(raw)
	if err != nil {
		configReloads.With(prometheus.Labels{"outcome": "invalid"}).Inc()
		log.Errorf("config watcher: invalid document under key %q, keeping the previous config: %s", w.cfg.KVKey, err)
		return
	}

	if w.g.reloadHooks(h) {
		w.lastRaw = norm
	}
}

func normalizeRaw(raw []byte) []byte {
	return bytes.TrimSpace(raw)
}
