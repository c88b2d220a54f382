// Package embedding provides the text-embedding capability consumed by the
// retrieval and feedback engines. The default provider calls a local Ollama
// instance with a bounded request timeout; a ristretto read-through cache
// avoids re-embedding repeated texts.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/engram/internal/ollama"
)

// ErrUnavailable marks embedding failures that are recoverable: retrieval
// degrades to lexical-only search, commit stores a NULL embedding.
var ErrUnavailable = errors.New("embedding provider unavailable")

// Provider converts text into a fixed-length vector, or fails.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OllamaProvider embeds text through a local Ollama model. Every call is
// bounded by the configured timeout so a stalled backend degrades retrieval
// instead of blocking the request.
type OllamaProvider struct {
	client  *ollama.Client
	model   string
	timeout time.Duration
}

// NewOllamaProvider creates a provider using the given client and model name.
// If timeout is <= 0, it defaults to 10s.
func NewOllamaProvider(client *ollama.Client, model string, timeout time.Duration) *OllamaProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &OllamaProvider{client: client, model: model, timeout: timeout}
}

// Embed returns the embedding vector for a single text.
func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	vec, err := p.client.Embed(ctx, p.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", errors.Join(ErrUnavailable, err))
	}
	return vec, nil
}

// Cached wraps a Provider with a ristretto read-through cache keyed by the
// exact input text. Identical queries (common with short follow-up prompts)
// skip the Ollama round-trip entirely.
type Cached struct {
	inner Provider
	cache *ristretto.Cache
}

// NewCached creates a caching provider holding up to maxBytes of vectors.
// If maxBytes is <= 0, it defaults to 16MB.
func NewCached(inner Provider, maxBytes int64) (*Cached, error) {
	if maxBytes <= 0 {
		maxBytes = 16 << 20
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1 << 16,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedding cache: %w", err)
	}
	return &Cached{inner: inner, cache: cache}, nil
}

// Embed returns the cached vector when present, otherwise delegates to the
// inner provider and caches the result. Failures are never cached.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		if vec, ok := v.([]float32); ok {
			return vec, nil
		}
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(text, vec, int64(len(vec)*4))
	return vec, nil
}

// Wait blocks until buffered cache writes have been applied.
func (c *Cached) Wait() {
	c.cache.Wait()
}

// EmbedBatch embeds multiple texts concurrently with bounded parallelism.
// Returns nil (not error) for empty input; any single failure fails the batch.
func EmbedBatch(ctx context.Context, p Provider, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to avoid overwhelming the backend.

	for i, text := range texts {
		g.Go(func() error {
			vec, err := p.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
