// Package inbox triggers narration jobs for text files dropped into a
// directory.
package inbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Extension of the files picked up from the inbox
const Extension = ".txt"

// Handler processes one inbox file
type Handler func(ctx context.Context, path string) error

// Watcher calls a handler for every text file created or rewritten in a
// directory. It uses fsnotify and keeps a polling ticker running alongside
// it; when fsnotify is unavailable it polls only.
type Watcher struct {
	dir          string
	handler      Handler
	logger       zerolog.Logger
	PollInterval time.Duration
	Settle       time.Duration // wait after an event so the write completes

	mu   sync.Mutex
	seen map[string]time.Time // path to the mod time last handled
}

// NewWatcher creates a watcher for dir
func NewWatcher(dir string, handler Handler, logger zerolog.Logger) *Watcher {
	return &Watcher{
		dir:          dir,
		handler:      handler,
		logger:       logger.With().Str("inbox", dir).Logger(),
		PollInterval: time.Second,
		Settle:       50 * time.Millisecond,
		seen:         make(map[string]time.Time),
	}
}

// Run handles files already in the directory, then watches it until ctx is
// done
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create inbox: %w", err)
	}
	w.Scan(ctx)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn().Err(err).Msg("fsnotify not available, falling back to polling")
		return w.poll(ctx)
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			w.logger.Error().Err(err).Msg("Failed to close watcher")
		}
	}()

	if err := watcher.Add(w.dir); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to watch inbox, falling back to polling")
		return w.poll(ctx)
	}

	w.logger.Info().Msg("Inbox watcher started (using fsnotify)")

	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				w.logger.Info().Msg("fsnotify watcher closed, switching to polling")
				return w.poll(ctx)
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isInboxFile(event.Name) {
				continue
			}
			if !w.wait(ctx, w.Settle) {
				return nil
			}
			w.process(ctx, event.Name)

		case <-ticker.C:
			w.Scan(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				w.logger.Info().Msg("fsnotify error channel closed, switching to polling")
				return w.poll(ctx)
			}
			w.logger.Error().Err(err).Msg("Inbox watcher error")
		}
	}
}

func (w *Watcher) poll(ctx context.Context) error {
	w.logger.Info().Dur("interval", w.PollInterval).Msg("Inbox watcher started (using polling)")

	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Scan(ctx)
		}
	}
}

// Scan handles every inbox file that is new or changed since it was last
// handled and returns how many were handled
func (w *Watcher) Scan(ctx context.Context) int {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to read inbox")
		return 0
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isInboxFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	handled := 0
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		if w.process(ctx, filepath.Join(w.dir, name)) {
			handled++
		}
	}
	return handled
}

// process runs the handler unless the file's current version was handled
func (w *Watcher) process(ctx context.Context, path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}

	w.mu.Lock()
	last, ok := w.seen[path]
	if ok && !info.ModTime().After(last) {
		w.mu.Unlock()
		return false
	}
	w.seen[path] = info.ModTime()
	w.mu.Unlock()

	w.logger.Info().Str("file", filepath.Base(path)).Msg("Inbox file received")
	if err := w.handler(ctx, path); err != nil {
		w.logger.Error().Err(err).Str("file", filepath.Base(path)).Msg("Inbox job failed")
	}
	return true
}

func (w *Watcher) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func isInboxFile(name string) bool {
	return strings.EqualFold(filepath.Ext(name), Extension)
}

// OutputPath returns where the narration of an inbox file is written
func OutputPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".wav"
}
