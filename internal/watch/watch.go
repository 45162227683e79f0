// Package watch keeps the index in step with a corpus directory.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"groundedqa/internal/service"
)

// Ingester applies file changes to the index.
type Ingester interface {
	IngestFiles(ctx context.Context, root string, paths []string) (*service.BuildReport, error)
	RemoveFiles(ctx context.Context, root string, paths []string) (int, error)
}

// Watcher turns file system events under root into ingest and remove calls.
// Bursts of events for one path collapse into a single call once the path
// has been quiet for the debounce interval; whether the file still exists
// then decides between ingest and remove.
type Watcher struct {
	fs       *fsnotify.Watcher
	root     string
	ing      Ingester
	accept   func(path string) bool
	debounce time.Duration
	log      zerolog.Logger

	pending map[string]time.Time
}

// New watches root and every directory below it. accept filters the files
// worth reacting to.
func New(root string, ing Ingester, accept func(path string) bool, debounce time.Duration, log zerolog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	w := &Watcher{
		fs:       fw,
		root:     root,
		ing:      ing,
		accept:   accept,
		debounce: debounce,
		log:      log,
		pending:  make(map[string]time.Time),
	}
	if err := w.addTree(root); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.fs.Add(path)
	})
}

// Run processes events until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	tick := time.NewTicker(max(w.debounce/4, 10*time.Millisecond))
	defer tick.Stop()
	w.log.Info().Str("dir", w.root).Dur("debounce", w.debounce).Msg("watching corpus")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("watch error")
		case now := <-tick.C:
			w.flush(ctx, now)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				w.log.Warn().Err(err).Str("dir", ev.Name).Msg("cannot watch new directory")
			}
			return
		}
	}
	if !w.accept(ev.Name) {
		return
	}
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
		return
	}
	w.pending[ev.Name] = time.Now().Add(w.debounce)
}

func (w *Watcher) flush(ctx context.Context, now time.Time) {
	var ingest, remove []string
	for path, due := range w.pending {
		if now.Before(due) {
			continue
		}
		delete(w.pending, path)
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			remove = append(remove, path)
		} else {
			ingest = append(ingest, path)
		}
	}
	sort.Strings(ingest)
	sort.Strings(remove)

	if len(remove) > 0 {
		n, err := w.ing.RemoveFiles(ctx, w.root, remove)
		if err != nil {
			w.log.Error().Err(err).Strs("files", remove).Msg("remove failed")
		} else {
			w.log.Info().Strs("files", remove).Int("entries", n).Msg("removed")
		}
	}
	if len(ingest) > 0 {
		report, err := w.ing.IngestFiles(ctx, w.root, ingest)
		if err != nil {
			w.log.Error().Err(err).Strs("files", ingest).Msg("ingest failed")
			return
		}
		w.log.Info().Strs("files", ingest).Int("indexed", report.Indexed).Int("failed", len(report.Failed)).Msg("ingested")
	}
}

func (w *Watcher) Close() error {
	return w.fs.Close()
}
