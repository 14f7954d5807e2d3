package illustration

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/katsacademy/kats-core/internal/config"
)

type fakeGenerator struct {
	mu    sync.Mutex
	url   string
	err   error
	calls int
}

func (g *fakeGenerator) GenerateIllustration(ctx context.Context, description string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return "", g.err
	}
	return g.url, nil
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.IllustrationConfig{
		CacheDir:    filepath.Join(t.TempDir(), "cache"),
		ServePrefix: "/cached-illustrations",
	}
	store, err := NewStore(cfg, newLogger())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func newImageServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "missing") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("jpeg-bytes"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStoreSaveAndLookup(t *testing.T) {
	store := newTestStore(t)
	srv := newImageServer(t)

	if _, ok := store.Lookup("Matt and Sam", 0); ok {
		t.Fatal("expected cache miss before save")
	}

	url, err := store.SaveFromURL(context.Background(), "Matt and Sam", 0, srv.URL+"/image")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if url != "/cached-illustrations/matt-and-sam-page-0.jpg" {
		t.Fatalf("unexpected local URL %q", url)
	}

	got, ok := store.Lookup("Matt and Sam", 0)
	if !ok || got != url {
		t.Fatalf("expected cache hit at %q, got %q (%v)", url, got, ok)
	}

	data, err := os.ReadFile(filepath.Join(store.Dir(), "matt-and-sam-page-0.jpg"))
	if err != nil {
		t.Fatalf("read cached file: %v", err)
	}
	if string(data) != "jpeg-bytes" {
		t.Fatalf("unexpected cached bytes %q", data)
	}
}

func TestStoreSaveRejectsBadStatus(t *testing.T) {
	store := newTestStore(t)
	srv := newImageServer(t)

	if _, err := store.SaveFromURL(context.Background(), "Matt and Sam", 0, srv.URL+"/missing"); err == nil {
		t.Fatal("expected error for 404 download")
	}
	if _, ok := store.Lookup("Matt and Sam", 0); ok {
		t.Fatal("failed download must not create a cache entry")
	}
}

func TestResolveGeneratesOnceThenServesCache(t *testing.T) {
	store := newTestStore(t)
	srv := newImageServer(t)
	gen := &fakeGenerator{url: srv.URL + "/image"}
	r := NewResolver(store, gen, newLogger())

	first := r.Resolve(context.Background(), "Matt and Sam", 0, "two friends on a farm")
	if first != "/cached-illustrations/matt-and-sam-page-0.jpg" {
		t.Fatalf("unexpected URL %q", first)
	}
	if gen.callCount() != 1 {
		t.Fatalf("expected one generation, got %d", gen.callCount())
	}

	second := r.Resolve(context.Background(), "Matt and Sam", 0, "two friends on a farm")
	if second != first {
		t.Fatalf("expected identical URL, got %q then %q", first, second)
	}
	if gen.callCount() != 1 {
		t.Fatalf("cache hit must not regenerate, got %d calls", gen.callCount())
	}
}

func TestResolveFallsBackToPlaceholder(t *testing.T) {
	store := newTestStore(t)
	gen := &fakeGenerator{err: errors.New("no api key")}
	r := NewResolver(store, gen, newLogger())

	got := r.Resolve(context.Background(), "Matt and Sam", 2, "two friends on a farm")
	want := PagePlaceholderURL("Matt and Sam", 2)
	if got != want {
		t.Fatalf("expected placeholder %q, got %q", want, got)
	}
	if _, ok := store.Lookup("Matt and Sam", 2); ok {
		t.Fatal("placeholder must not be cached")
	}
}

func TestResolveMemoizesPlaceholder(t *testing.T) {
	store := newTestStore(t)
	gen := &fakeGenerator{err: errors.New("no api key")}
	r := NewResolver(store, gen, newLogger())

	first := r.Resolve(context.Background(), "Matt and Sam", 2, "two friends on a farm")
	second := r.Resolve(context.Background(), "Matt and Sam", 2, "two friends on a farm")
	if first != second {
		t.Fatalf("expected identical URL, got %q then %q", first, second)
	}
	if gen.callCount() != 1 {
		t.Fatalf("revisiting a resolved page must not regenerate, got %d calls", gen.callCount())
	}
}

func TestResolveServesRemoteWhenCacheWriteFails(t *testing.T) {
	store := newTestStore(t)
	srv := newImageServer(t)
	remote := srv.URL + "/missing"
	gen := &fakeGenerator{url: remote}
	r := NewResolver(store, gen, newLogger())

	got := r.Resolve(context.Background(), "Matt and Sam", 0, "two friends on a farm")
	if got != remote {
		t.Fatalf("expected remote URL %q, got %q", remote, got)
	}
}

func TestPrefetchBook(t *testing.T) {
	store := newTestStore(t)
	srv := newImageServer(t)
	gen := &fakeGenerator{url: srv.URL + "/image"}
	r := NewResolver(store, gen, newLogger())

	var pauses int
	r.sleep = func(ctx context.Context, d time.Duration) { pauses++ }

	// Page 1 is already cached.
	if _, err := store.SaveFromURL(context.Background(), "Matt and Sam", 1, srv.URL+"/image"); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	pages := []string{"page zero", "page one", "page two"}
	sum := r.PrefetchBook(context.Background(), "Matt and Sam", pages, 2*time.Second)
	if sum.Generated != 2 || sum.Skipped != 1 || sum.Errored != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if pauses != 2 {
		t.Fatalf("expected a pause after each generation, got %d", pauses)
	}
	for i := range pages {
		if _, ok := store.Lookup("Matt and Sam", i); !ok {
			t.Fatalf("expected page %d cached", i)
		}
	}
}

func TestPrefetchBookCountsErrors(t *testing.T) {
	store := newTestStore(t)
	gen := &fakeGenerator{err: errors.New("rate limited")}
	r := NewResolver(store, gen, newLogger())
	r.sleep = func(ctx context.Context, d time.Duration) {}

	sum := r.PrefetchBook(context.Background(), "Matt and Sam", []string{"a page", "another"}, 0)
	if sum.Errored != 2 || sum.Generated != 0 || sum.Skipped != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
}
