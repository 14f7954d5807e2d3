package illustration

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/katsacademy/kats-core/internal/provider"
)

// Resolver turns a page request into a usable image URL: cached file if one
// exists, freshly generated and cached otherwise, deterministic placeholder
// when generation is unavailable. Resolve never returns an error; the reader
// always gets a picture.
//
// Resolved URLs are memoized per key, so a page that fell back to a
// placeholder is not regenerated on every revisit. Concurrent resolutions of
// the same key may both reach the generator; the store's last write wins.
type Resolver struct {
	store *Store
	gen   provider.ImageGenerator
	log   *slog.Logger

	mu       sync.Mutex
	resolved map[string]string

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration)
}

func NewResolver(store *Store, gen provider.ImageGenerator, log *slog.Logger) *Resolver {
	return &Resolver{
		store:    store,
		gen:      gen,
		log:      log.With(slog.String("component", "illustration")),
		resolved: make(map[string]string),
		sleep:    sleepCtx,
	}
}

func (r *Resolver) Resolve(ctx context.Context, bookTitle string, pageIndex int, description string) string {
	key := Key(bookTitle, pageIndex)

	r.mu.Lock()
	if url, ok := r.resolved[key]; ok {
		r.mu.Unlock()
		return url
	}
	r.mu.Unlock()

	url := r.resolve(ctx, bookTitle, pageIndex, description)

	r.mu.Lock()
	r.resolved[key] = url
	r.mu.Unlock()
	return url
}

func (r *Resolver) resolve(ctx context.Context, bookTitle string, pageIndex int, description string) string {
	if url, ok := r.store.Lookup(bookTitle, pageIndex); ok {
		return url
	}

	remote, err := r.gen.GenerateIllustration(ctx, description)
	if err != nil {
		r.log.Warn("illustration generation failed, using placeholder",
			slog.String("key", Key(bookTitle, pageIndex)), slogError(err))
		return PagePlaceholderURL(bookTitle, pageIndex)
	}

	local, err := r.store.SaveFromURL(ctx, bookTitle, pageIndex, remote)
	if err != nil {
		// The generated image still exists upstream; serve it directly
		// and let a later request retry the cache write.
		r.log.Warn("illustration cache write failed, serving remote URL",
			slog.String("key", Key(bookTitle, pageIndex)), slogError(err))
		return remote
	}
	return local
}

// PrefetchSummary reports the outcome of a bulk cache warm-up.
type PrefetchSummary struct {
	Generated int
	Skipped   int
	Errored   int
}

// PrefetchBook generates and caches every missing page of a book, pausing
// between generations to stay under provider rate limits. Failed pages are
// counted and skipped; one bad page never aborts the run.
func (r *Resolver) PrefetchBook(ctx context.Context, bookTitle string, pages []string, delay time.Duration) PrefetchSummary {
	var sum PrefetchSummary
	for i, description := range pages {
		if ctx.Err() != nil {
			return sum
		}
		if _, ok := r.store.Lookup(bookTitle, i); ok {
			sum.Skipped++
			continue
		}

		remote, err := r.gen.GenerateIllustration(ctx, description)
		if err != nil {
			r.log.Warn("prefetch generation failed",
				slog.String("key", Key(bookTitle, i)), slogError(err))
			sum.Errored++
			r.sleep(ctx, delay)
			continue
		}
		if _, err := r.store.SaveFromURL(ctx, bookTitle, i, remote); err != nil {
			r.log.Warn("prefetch cache write failed",
				slog.String("key", Key(bookTitle, i)), slogError(err))
			sum.Errored++
			r.sleep(ctx, delay)
			continue
		}
		sum.Generated++
		r.sleep(ctx, delay)
	}
	return sum
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
