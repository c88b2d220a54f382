package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/engram/internal/ollama"
)

type countingProvider struct {
	calls atomic.Int64
	vec   []float32
	err   error
}

func (p *countingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.calls.Add(1)
	return p.vec, p.err
}

func TestCachedReadThrough(t *testing.T) {
	inner := &countingProvider{vec: []float32{1, 2, 3}}
	c, err := NewCached(inner, 1<<20)
	if err != nil {
		t.Fatalf("NewCached: %v", err)
	}
	ctx := context.Background()

	first, err := c.Embed(ctx, "same text")
	if err != nil {
		t.Fatalf("first Embed: %v", err)
	}
	c.Wait()

	second, err := c.Embed(ctx, "same text")
	if err != nil {
		t.Fatalf("second Embed: %v", err)
	}

	if inner.calls.Load() != 1 {
		t.Errorf("inner calls = %d, want 1 (second hit from cache)", inner.calls.Load())
	}
	if len(first) != 3 || len(second) != 3 {
		t.Errorf("vectors = %v / %v, want len 3", first, second)
	}
}

func TestCachedDistinctTexts(t *testing.T) {
	inner := &countingProvider{vec: []float32{1}}
	c, err := NewCached(inner, 1<<20)
	if err != nil {
		t.Fatalf("NewCached: %v", err)
	}
	ctx := context.Background()

	c.Embed(ctx, "alpha")
	c.Embed(ctx, "beta")

	if inner.calls.Load() != 2 {
		t.Errorf("inner calls = %d, want 2", inner.calls.Load())
	}
}

// TestCachedFailureNotCached verifies errors go through every time instead of
// being stored.
func TestCachedFailureNotCached(t *testing.T) {
	inner := &countingProvider{err: errors.New("backend down")}
	c, err := NewCached(inner, 1<<20)
	if err != nil {
		t.Fatalf("NewCached: %v", err)
	}
	ctx := context.Background()

	if _, err := c.Embed(ctx, "text"); err == nil {
		t.Fatal("expected error from inner provider")
	}
	c.Wait()
	if _, err := c.Embed(ctx, "text"); err == nil {
		t.Fatal("expected error on repeat call")
	}
	if inner.calls.Load() != 2 {
		t.Errorf("inner calls = %d, want 2 (failures never cached)", inner.calls.Load())
	}
}

func TestOllamaProviderSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string][][]float32{
			"embeddings": {{0.5, 0.6}},
		})
	}))
	defer srv.Close()

	p := NewOllamaProvider(ollama.New(srv.URL), "nomic-embed-text", time.Second)
	vec, err := p.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 2 {
		t.Errorf("vec = %v, want 2 floats", vec)
	}
}

func TestOllamaProviderUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewOllamaProvider(ollama.New(srv.URL), "nomic-embed-text", time.Second)
	_, err := p.Embed(context.Background(), "hello")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestEmbedBatch(t *testing.T) {
	inner := &countingProvider{vec: []float32{1, 2}}

	results, err := EmbedBatch(context.Background(), inner, []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("len = %d, want 3", len(results))
	}
	for i, vec := range results {
		if len(vec) != 2 {
			t.Errorf("results[%d] = %v, want 2 floats", i, vec)
		}
	}
	if inner.calls.Load() != 3 {
		t.Errorf("inner calls = %d, want 3", inner.calls.Load())
	}
}

func TestEmbedBatchEmpty(t *testing.T) {
	results, err := EmbedBatch(context.Background(), &countingProvider{}, nil)
	if err != nil {
		t.Fatalf("EmbedBatch(nil): %v", err)
	}
	if results != nil {
		t.Errorf("results = %v, want nil", results)
	}
}

func TestEmbedBatchFailure(t *testing.T) {
	inner := &countingProvider{err: errors.New("down")}
	if _, err := EmbedBatch(context.Background(), inner, []string{"a", "b"}); err == nil {
		t.Fatal("expected batch failure")
	}
}
