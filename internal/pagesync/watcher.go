package pagesync

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

type WatcherOptions struct {
	// Debounce is how long a path must stay quiet before it is published.
	Debounce time.Duration
	// ResyncInterval runs a full SyncOnce periodically when positive.
	ResyncInterval time.Duration
	// ResyncJitter spreads resyncs by up to this ratio of the interval.
	ResyncJitter float64
	Logger       Logger
}

// Watcher republishes documents as they change on disk. Publishes run on
// the watcher's own goroutine, one at a time.
type Watcher struct {
	syncer         *Syncer
	debounce       time.Duration
	resyncInterval time.Duration
	resyncJitter   float64
	logger         Logger
	rng            *rand.Rand

	// Test hooks: ready fires once the tree is watched, published after
	// every publish attempt.
	ready     func()
	published func(path string, result Result, err error)
}

func NewWatcher(syncer *Syncer, opts WatcherOptions) (*Watcher, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer is required")
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		syncer:         syncer,
		debounce:       debounce,
		resyncInterval: opts.ResyncInterval,
		resyncJitter:   ClampJitterRatio(opts.ResyncJitter),
		logger:         opts.Logger,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Run watches the syncer's local root until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	if err := w.addTree(fsw, w.syncer.LocalRoot()); err != nil {
		return err
	}
	w.logf("watching %s", w.syncer.LocalRoot())
	if w.ready != nil {
		w.ready()
	}

	tick := w.debounce / 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	// resync stays nil, and never fires, unless an interval is set.
	var resync <-chan time.Time
	var resyncTimer *time.Timer
	if w.resyncInterval > 0 {
		resyncTimer = time.NewTimer(w.nextResync())
		defer resyncTimer.Stop()
		resync = resyncTimer.C
	}

	pending := map[string]time.Time{}
	for {
		select {
		case <-ctx.Done():
			w.logf("watch stopping: %v", ctx.Err())
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return fmt.Errorf("fsnotify event channel closed")
			}
			w.handleEvent(fsw, event, pending)

		case err, ok := <-fsw.Errors:
			if !ok {
				return fmt.Errorf("fsnotify error channel closed")
			}
			w.logf("watch error: %v", err)

		case now := <-ticker.C:
			w.flush(ctx, pending, now)

		case <-resync:
			summary, err := w.syncer.SyncOnce(ctx)
			if err != nil {
				w.logf("resync failed: %v", err)
			} else {
				w.logf("resync completed: %d created, %d updated", summary.Created, summary.Updated)
			}
			resyncTimer.Reset(w.nextResync())
		}
	}
}

func (w *Watcher) handleEvent(fsw *fsnotify.Watcher, event fsnotify.Event, pending map[string]time.Time) {
	switch {
	case event.Has(fsnotify.Create):
		info, err := os.Stat(event.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if strings.HasPrefix(filepath.Base(event.Name), ".") {
				return
			}
			if err := w.addTree(fsw, event.Name); err != nil {
				w.logf("watch %s failed: %v", event.Name, err)
			}
			// Files may land in a new directory before it is watched.
			w.queueTree(event.Name, pending)
			return
		}
		w.queue(event.Name, pending)
	case event.Has(fsnotify.Write):
		w.queue(event.Name, pending)
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// Remote pages are never deleted; a rename shows up as a create.
		delete(pending, event.Name)
	}
}

func (w *Watcher) queue(path string, pending map[string]time.Time) {
	if !w.syncer.Includes(path) {
		return
	}
	pending[path] = time.Now()
}

func (w *Watcher) queueTree(dir string, pending map[string]time.Time) {
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			w.queue(path, pending)
		}
		return nil
	})
}

func (w *Watcher) flush(ctx context.Context, pending map[string]time.Time, now time.Time) {
	var ready []string
	for path, changed := range pending {
		if now.Sub(changed) >= w.debounce {
			ready = append(ready, path)
		}
	}
	sort.Strings(ready)
	for _, path := range ready {
		delete(pending, path)
		if ctx.Err() != nil {
			return
		}
		result, err := w.syncer.PublishFile(ctx, path)
		if err != nil {
			w.logf("publish %s failed: %v", path, err)
		} else {
			w.logf("published %s (%s)", path, result.Action)
		}
		if w.published != nil {
			w.published(path, result, err)
		}
	}
}

func (w *Watcher) addTree(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := fsw.Add(path); err != nil {
			return fmt.Errorf("failed to watch directory %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) nextResync() time.Duration {
	return JitteredInterval(w.resyncInterval, w.resyncJitter, w.rng.Float64())
}

func (w *Watcher) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}

// ClampJitterRatio bounds a resync jitter ratio to [0, 1].
func ClampJitterRatio(ratio float64) float64 {
	return min(max(ratio, 0), 1)
}

// JitteredInterval spreads base over [base*(1-ratio), base*(1+ratio)].
// sample in [0, 1] picks the point: 0 is the shortest, 0.5 is base itself.
// The result is never below a millisecond.
func JitteredInterval(base time.Duration, ratio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	ratio = ClampJitterRatio(ratio)
	if ratio == 0 {
		return base
	}
	offset := (2*min(max(sample, 0), 1) - 1) * ratio
	return max(time.Duration(float64(base)*(1+offset)), time.Millisecond)
}
