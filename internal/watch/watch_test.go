package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"groundedqa/internal/service"
)

type recordingIngester struct {
	mu       sync.Mutex
	ingested []string
	removed  []string
	calls    int
}

func (r *recordingIngester) IngestFiles(_ context.Context, _ string, paths []string) (*service.BuildReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.ingested = append(r.ingested, paths...)
	return &service.BuildReport{Indexed: len(paths)}, nil
}

func (r *recordingIngester) RemoveFiles(_ context.Context, _ string, paths []string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.removed = append(r.removed, paths...)
	return len(paths), nil
}

func (r *recordingIngester) snapshot() (ingested, removed []string, calls int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ingested...), append([]string(nil), r.removed...), r.calls
}

func txtOnly(path string) bool { return strings.HasSuffix(path, ".txt") }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("timed out waiting for watcher")
}

func startWatcher(t *testing.T, dir string, ing Ingester) {
	t.Helper()
	w, err := New(dir, ing, txtOnly, 50*time.Millisecond, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		w.Close()
	})
}

func TestWatcherDebouncesWrites(t *testing.T) {
	dir := t.TempDir()
	ing := &recordingIngester{}
	startWatcher(t, dir, ing)

	path := filepath.Join(dir, "notes.txt")
	for i := 0; i < 5; i++ {
		os.WriteFile(path, []byte(strings.Repeat("x", i+1)), 0o644)
	}
	os.WriteFile(filepath.Join(dir, "skip.bin"), []byte("x"), 0o644)

	waitFor(t, func() bool { got, _, _ := ing.snapshot(); return len(got) > 0 })
	time.Sleep(150 * time.Millisecond)
	got, _, calls := ing.snapshot()
	if len(got) != 1 || got[0] != path || calls != 1 {
		t.Fatalf("ingested = %v after %d calls", got, calls)
	}
}

func TestWatcherRemovesDeletedFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "old.txt")
	os.WriteFile(path, []byte("old"), 0o644)
	ing := &recordingIngester{}
	startWatcher(t, dir, ing)

	os.Remove(path)
	waitFor(t, func() bool { _, removed, _ := ing.snapshot(); return len(removed) == 1 })
	if _, removed, _ := ing.snapshot(); removed[0] != path {
		t.Fatalf("removed = %v", removed)
	}
}

func TestWatcherFollowsNewDirectories(t *testing.T) {
	dir := t.TempDir()
	ing := &recordingIngester{}
	startWatcher(t, dir, ing)

	sub := filepath.Join(dir, "sub")
	os.Mkdir(sub, 0o755)
	time.Sleep(100 * time.Millisecond)
	path := filepath.Join(sub, "deep.txt")
	os.WriteFile(path, []byte("deep"), 0o644)
	waitFor(t, func() bool {
		got, _, _ := ing.snapshot()
		for _, p := range got {
			if p == path {
				return true
			}
		}
		return false
	})
}
