package config

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"slotwatch/pkg/logx"
)

// PolicyWatcher re-reads the config file on change and reports the
// booking policy flag. Everything else in the config stays load-once:
// edits to other fields are logged and ignored until restart.
type PolicyWatcher struct {
	path string
	log  logx.Logger

	mu       sync.Mutex
	lastHash uint64

	onToggle func(enabled bool)
}

func NewPolicyWatcher(path string, initial *Config, log logx.Logger, onToggle func(enabled bool)) *PolicyWatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &PolicyWatcher{
		path:     path,
		log:      log,
		lastHash: hashConfig(initial),
		onToggle: onToggle,
	}
}

// Watch blocks until ctx is done. The watcher self-heals: if fsnotify
// breaks it is recreated with a capped backoff.
func (w *PolicyWatcher) Watch(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	file := filepath.Base(w.path)

	const (
		backoffBase = 250 * time.Millisecond
		backoffMax  = 5 * time.Second
	)
	backoff := backoffBase

	// Debounce so editors that write in several steps trigger one reload.
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() { w.reload() })
	}

	wait := func() bool {
		d := backoff
		if backoff < backoffMax {
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		fw, err := fsnotify.NewWatcher()
		if err != nil {
			w.log.Warn("config watch init failed", logx.Err(err), logx.String("dir", dir))
			if !wait() {
				return nil
			}
			continue
		}
		if err := fw.Add(dir); err != nil {
			_ = fw.Close()
			w.log.Warn("config watch add failed", logx.Err(err), logx.String("dir", dir))
			if !wait() {
				return nil
			}
			continue
		}
		backoff = backoffBase

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = fw.Close()
				return nil
			case ev, ok := <-fw.Events:
				if !ok {
					broken = true
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) &&
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
					debounce()
				}
			case err, ok := <-fw.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				w.log.Warn("config watch error", logx.Err(err), logx.String("dir", dir))
				if strings.Contains(strings.ToLower(err.Error()), "closed") {
					broken = true
				}
			}
		}

		_ = fw.Close()
		if ctx.Err() != nil {
			return nil
		}
		if !wait() {
			return nil
		}
	}
}

func (w *PolicyWatcher) reload() {
	cfg, err := parseFile(w.path)
	if err != nil {
		w.log.Warn("config reload parse failed; keeping current settings",
			logx.String("path", w.path), logx.Err(err))
		return
	}
	if err := cfg.validate(); err != nil {
		w.log.Warn("config reload rejected", logx.String("path", w.path), logx.Err(err))
		return
	}

	h := hashConfig(cfg)
	w.mu.Lock()
	unchanged := h != 0 && h == w.lastHash
	if !unchanged {
		w.lastHash = h
	}
	w.mu.Unlock()
	if unchanged {
		return
	}

	w.log.Info("config changed on disk; applying booking policy flag only",
		logx.Bool("booking_enabled", cfg.Booking.Enabled))
	if w.onToggle != nil {
		w.onToggle(cfg.Booking.Enabled)
	}
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
