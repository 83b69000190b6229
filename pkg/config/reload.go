package config

import (
	"context"
	"os"
	"sync"
	"time"

	"ecu-core/pkg/log"
)

// Applier installs a validated configuration on the running engine.
// changed lists the reloadable sections that differ.
type Applier func(next EngineConfig, changed []string) error

// ReloadResult describes one reload attempt.
type ReloadResult struct {
	// Changed lists every section that differs from the running config.
	Changed []string
	// Restart lists changed sections that only take effect after a
	// restart.
	Restart []string
	Applied bool
	Err     error
}

// Watcher polls a configuration file and reapplies it when it changes.
type Watcher struct {
	mu       sync.Mutex
	path     string
	interval time.Duration
	modTime  time.Time
	size     int64
	current  *Config
	apply    Applier
	done     func(ReloadResult)
	log      *log.Logger
}

// NewWatcher watches path. current is the configuration the engine was
// started with.
func NewWatcher(path string, current *Config, apply Applier) (*Watcher, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     path,
		interval: time.Second,
		modTime:  info.ModTime(),
		size:     info.Size(),
		current:  current,
		apply:    apply,
		log:      log.GetLogger("config"),
	}, nil
}

// SetInterval sets the polling interval used by Run.
func (w *Watcher) SetInterval(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.interval = d
}

// OnReload registers a callback run after every attempt.
func (w *Watcher) OnReload(fn func(ReloadResult)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.done = fn
}

// Current returns the configuration last applied.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Check reloads if the file's size or modification time changed. It
// reports whether a reload was attempted.
func (w *Watcher) Check() (ReloadResult, bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		return ReloadResult{Err: err}, false
	}
	w.mu.Lock()
	same := info.ModTime().Equal(w.modTime) && info.Size() == w.size
	if !same {
		w.modTime, w.size = info.ModTime(), info.Size()
	}
	w.mu.Unlock()
	if same {
		return ReloadResult{}, false
	}
	return w.Reload(), true
}

// Reload re-reads the file unconditionally. On any error the running
// configuration is kept.
func (w *Watcher) Reload() ReloadResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	res := w.reloadLocked()
	switch {
	case res.Err != nil:
		w.log.WithError(res.Err).Error("configuration reload rejected")
	case len(res.Changed) == 0:
		w.log.Debug("configuration unchanged")
	default:
		w.log.WithFields(log.Fields{"changed": res.Changed, "applied": res.Applied}).Info("configuration reloaded")
		if len(res.Restart) > 0 {
			w.log.WithField("sections", res.Restart).Warn("changes take effect after restart")
		}
	}
	if w.done != nil {
		w.done(res)
	}
	return res
}

func (w *Watcher) reloadLocked() ReloadResult {
	next, err := Load(w.path)
	if err != nil {
		return ReloadResult{Err: err}
	}
	e, err := FromConfig(next)
	if err != nil {
		return ReloadResult{Err: err}
	}

	res := ReloadResult{Changed: ChangedSections(w.current, next)}
	var live []string
	for _, name := range res.Changed {
		if ReloadableSections[name] {
			live = append(live, name)
		} else {
			res.Restart = append(res.Restart, name)
		}
	}
	if len(live) > 0 && w.apply != nil {
		if err := w.apply(e, live); err != nil {
			res.Err = err
			return res
		}
		res.Applied = true
	}
	w.current = next
	return res
}

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	w.mu.Lock()
	interval := w.interval
	w.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check()
		}
	}
}
