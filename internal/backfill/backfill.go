// Package backfill re-embeds interactions that were stored without a vector,
// typically because the embedding provider was down at commit time. It runs
// on demand, triggered from the CLI or the API.
package backfill

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/engram/internal/storage"
)

// Embedder converts text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Report summarizes one backfill run.
type Report struct {
	Scanned  int `json:"scanned"`
	Embedded int `json:"embedded"`
	Failed   int `json:"failed"`
}

// Runner embeds missing vectors with bounded concurrency.
type Runner struct {
	store       *storage.Store
	embedder    Embedder
	concurrency int
}

// NewRunner creates a Runner. If concurrency is <= 0, it defaults to 4.
func NewRunner(store *storage.Store, embedder Embedder, concurrency int) *Runner {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Runner{store: store, embedder: embedder, concurrency: concurrency}
}

// Run embeds up to limit interactions missing a vector, across all users.
// Individual failures are counted and logged but do not abort the run; only
// a store error or context cancellation does.
func (r *Runner) Run(ctx context.Context, limit int) (Report, error) {
	missing, err := r.store.FindMissingEmbedding(ctx, limit)
	if err != nil {
		return Report{}, err
	}

	var embedded, failed atomic.Int64
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for _, item := range missing {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			text := "User: " + item.UserInput + " | AI: " + item.AIOutput
			vec, err := r.embedder.Embed(gCtx, text)
			if err != nil {
				failed.Add(1)
				slog.Warn("backfill: embedding failed", "id", item.ID, "error", err)
				return nil
			}
			if err := r.store.SetEmbedding(gCtx, item.UserID, item.ID, vec); err != nil {
				return err
			}
			embedded.Add(1)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return Report{}, err
	}
	return Report{
		Scanned:  len(missing),
		Embedded: int(embedded.Load()),
		Failed:   int(failed.Load()),
	}, nil
}
