package inbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// IngestFunc stores the borg output in one file.
type IngestFunc func(ctx context.Context, path string) error

// Config configures a Watcher.
type Config struct {
	// Dir is the inbox directory.
	Dir string

	// Patterns are file name globs to ingest, e.g. "*.log".
	Patterns []string

	// Rescan is a cron spec for periodic full scans; empty disables them.
	Rescan string

	// Settle is how long a file must go without writes before it is ingested.
	Settle time.Duration
}

// Watcher ingests files that appear in an inbox directory. A file is
// ingested again only when its modification time changes.
type Watcher struct {
	cfg    Config
	ingest IngestFunc
	logger zerolog.Logger

	// processMu serializes ingests so a rescan and an event never race on
	// one file.
	processMu sync.Mutex
	seen      map[string]time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
	wg     sync.WaitGroup
}

// New validates cfg and creates a watcher.
func New(cfg Config, ingest IngestFunc, logger zerolog.Logger) (*Watcher, error) {
	if ingest == nil {
		return nil, errors.New("ingest function is required")
	}
	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open inbox: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("inbox %s is not a directory", cfg.Dir)
	}
	if len(cfg.Patterns) == 0 {
		return nil, errors.New("at least one file pattern is required")
	}
	for _, p := range cfg.Patterns {
		if _, err := filepath.Match(p, ""); err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
	}
	if cfg.Rescan != "" {
		if _, err := cron.ParseStandard(cfg.Rescan); err != nil {
			return nil, fmt.Errorf("invalid rescan schedule %q: %w", cfg.Rescan, err)
		}
	}

	return &Watcher{
		cfg:    cfg,
		ingest: ingest,
		logger: logger.With().Str("component", "inbox").Str("dir", cfg.Dir).Logger(),
		seen:   make(map[string]time.Time),
		timers: make(map[string]*time.Timer),
	}, nil
}

// Matches reports whether a file name matches one of the patterns.
func (w *Watcher) Matches(name string) bool {
	base := filepath.Base(name)
	for _, p := range w.cfg.Patterns {
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
	}
	return false
}

// Scan ingests every matching file that is new or changed since it was last
// ingested. It returns how many files were ingested and the ingest errors.
func (w *Watcher) Scan(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read inbox: %w", err)
	}

	var (
		count int
		errs  []error
	)
	for _, entry := range entries {
		if entry.IsDir() || !w.Matches(entry.Name()) {
			continue
		}
		ok, err := w.process(ctx, filepath.Join(w.cfg.Dir, entry.Name()))
		if err != nil {
			errs = append(errs, err)
		}
		if ok {
			count++
		}
	}
	return count, errors.Join(errs...)
}

// process ingests path unless it was already ingested at its current
// modification time.
func (w *Watcher) process(ctx context.Context, path string) (bool, error) {
	w.processMu.Lock()
	defer w.processMu.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if last, ok := w.seen[path]; ok && last.Equal(info.ModTime()) {
		return false, nil
	}

	if err := w.ingest(ctx, path); err != nil {
		w.logger.Error().Err(err).Str("file", path).Msg("Failed to ingest file")
		return false, fmt.Errorf("%s: %w", path, err)
	}
	w.seen[path] = info.ModTime()
	w.logger.Info().Str("file", path).Msg("Ingested file")
	return true, nil
}

// schedule ingests path once it has been quiet for the settle period.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok && t.Stop() {
		t.Reset(w.cfg.Settle)
		return
	}

	w.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(w.cfg.Settle, func() {
		defer w.wg.Done()
		w.mu.Lock()
		if w.timers[path] == t {
			delete(w.timers, path)
		}
		w.mu.Unlock()

		_, _ = w.process(ctx, path)
	})
	w.timers[path] = t
}

// stopTimers cancels pending ingests and waits for running ones.
func (w *Watcher) stopTimers() {
	w.mu.Lock()
	for path, t := range w.timers {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.timers, path)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

// Run scans the inbox, then ingests files as they are written and on the
// rescan schedule until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.cfg.Dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.cfg.Dir, err)
	}

	if n, err := w.Scan(ctx); err != nil {
		w.logger.Warn().Err(err).Int("ingested", n).Msg("Initial scan had failures")
	}

	if w.cfg.Rescan != "" {
		scheduler := cron.New()
		if _, err := scheduler.AddFunc(w.cfg.Rescan, func() {
			n, err := w.Scan(ctx)
			if err != nil {
				w.logger.Warn().Err(err).Int("ingested", n).Msg("Rescan had failures")
				return
			}
			w.logger.Debug().Int("ingested", n).Msg("Rescan completed")
		}); err != nil {
			return fmt.Errorf("failed to schedule rescan: %w", err)
		}
		scheduler.Start()
		defer func() { <-scheduler.Stop().Done() }()
	}

	w.logger.Info().
		Strs("patterns", w.cfg.Patterns).
		Str("rescan", w.cfg.Rescan).
		Msg("Watching inbox")

	defer w.stopTimers()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if w.Matches(event.Name) {
				w.schedule(ctx, event.Name)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("File watcher error")
		}
	}
}
