package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/engram/internal/storage"
)

type stubEmbedder struct {
	vec []float32
	err error
}

func (s stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return s.vec, s.err
}

type stubTokenizer struct {
	keywords []string
}

func (s stubTokenizer) Extract(text string) []string {
	return s.keywords
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:): %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedInteraction(t *testing.T, s *storage.Store, i storage.Interaction) string {
	t.Helper()
	var id string
	err := s.WithTx(context.Background(), func(tx *storage.Tx) error {
		var err error
		id, err = tx.AppendInteraction(context.Background(), &i)
		return err
	})
	if err != nil {
		t.Fatalf("seeding interaction: %v", err)
	}
	return id
}

func seedEntity(t *testing.T, s *storage.Store, e storage.Entity) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx *storage.Tx) error {
		return tx.PutEntity(context.Background(), e)
	})
	if err != nil {
		t.Fatalf("seeding entity: %v", err)
	}
}

func TestCosineSimilarity(t *testing.T) {
	cases := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"zero magnitude", []float32{0, 0}, []float32{1, 1}, 0},
		{"dimension mismatch", []float32{1, 2, 3}, []float32{1, 2}, 0},
		{"both empty", nil, nil, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := CosineSimilarity(tc.a, tc.b)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("CosineSimilarity(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
			}
		})
	}
}

func TestCosineSimilaritySymmetric(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{4, 5, 6}
	ab := CosineSimilarity(a, b)
	ba := CosineSimilarity(b, a)
	if ab != ba {
		t.Errorf("CosineSimilarity(a, b) = %v, CosineSimilarity(b, a) = %v, want equal", ab, ba)
	}
	if ab <= 0 || ab >= 1 {
		t.Errorf("CosineSimilarity(%v, %v) = %v, want in (0, 1)", a, b, ab)
	}
}

func TestRenderLine(t *testing.T) {
	i := storage.Interaction{
		CreatedAt: time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC),
		UserInput: "where's my bike",
		AIOutput:  "locked at the station",
	}
	want := "[2026-04-02 09:30] User: where's my bike | AI: locked at the station"
	if got := RenderLine(i); got != want {
		t.Errorf("RenderLine = %q, want %q", got, want)
	}
}

// TestRecallEmptyStore returns the sentinel and no IDs.
func TestRecallEmptyStore(t *testing.T) {
	store := openTestStore(t)
	e := NewEngine(store, stubEmbedder{vec: []float32{1, 0}}, stubTokenizer{}, Params{
		VectorTopK: 5, HybridAlpha: 0.7, ContextTokenBudget: 100, ForcedRecent: 2,
	})

	result, err := e.Recall(context.Background(), "u1", "hello")
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if result.Context != NoMemoriesSentinel {
		t.Errorf("context = %q, want sentinel", result.Context)
	}
	if len(result.UsedIDs) != 0 {
		t.Errorf("used_ids = %v, want empty", result.UsedIDs)
	}
}

// TestRecallSemanticRanking seeds embedded interactions and verifies the most
// similar one ranks ahead of forced recents in usedIds only when recency
// doesn't claim it first.
func TestRecallSemanticRanking(t *testing.T) {
	store := openTestStore(t)
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	aligned := seedInteraction(t, store, storage.Interaction{
		UserID: "u1", CreatedAt: base, UserInput: "aligned", AIOutput: "a",
		Embedding: []float32{1, 0},
	})
	seedInteraction(t, store, storage.Interaction{
		UserID: "u1", CreatedAt: base.Add(time.Minute), UserInput: "orthogonal", AIOutput: "b",
		Embedding: []float32{0, 1},
	})
	recent := seedInteraction(t, store, storage.Interaction{
		UserID: "u1", CreatedAt: base.Add(2 * time.Minute), UserInput: "latest", AIOutput: "c",
		Embedding: []float32{0, -1},
	})

	e := NewEngine(store, stubEmbedder{vec: []float32{1, 0}}, stubTokenizer{}, Params{
		VectorTopK: 3, HybridAlpha: 1.0, ContextTokenBudget: 1000, ForcedRecent: 1,
	})

	result, err := e.Recall(context.Background(), "u1", "query")
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}

	// Forced recent comes first, then the best semantic match.
	if len(result.UsedIDs) < 2 {
		t.Fatalf("used_ids = %v, want at least 2", result.UsedIDs)
	}
	if result.UsedIDs[0] != recent {
		t.Errorf("used_ids[0] = %s, want forced recent %s", result.UsedIDs[0], recent)
	}
	if result.UsedIDs[1] != aligned {
		t.Errorf("used_ids[1] = %s, want best semantic match %s", result.UsedIDs[1], aligned)
	}
}

// TestRecallLexicalOnly verifies keyword retrieval through the entity index
// when the embedder is down.
func TestRecallLexicalOnly(t *testing.T) {
	store := openTestStore(t)
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	hit := seedInteraction(t, store, storage.Interaction{
		UserID: "u1", CreatedAt: base, UserInput: "I love climbing", AIOutput: "noted",
		Keywords: []string{"climb"}, RelevanceScore: 2,
	})
	seedInteraction(t, store, storage.Interaction{
		UserID: "u1", CreatedAt: base.Add(time.Minute), UserInput: "unrelated", AIOutput: "ok",
		Keywords: []string{"other"}, RelevanceScore: 2,
	})
	seedEntity(t, store, storage.Entity{
		UserID: "u1", Key: "climb", Name: "climbing",
		MentionedIn: []string{hit}, CreatedAt: base, UpdatedAt: base,
	})

	e := NewEngine(store, stubEmbedder{err: errors.New("down")}, stubTokenizer{keywords: []string{"climb"}}, Params{
		VectorTopK: 5, HybridAlpha: 0.7, ContextTokenBudget: 1000, ForcedRecent: 0,
	})

	result, err := e.Recall(context.Background(), "u1", "climbing trip")
	if err != nil {
		t.Fatalf("Recall in degraded mode: %v", err)
	}
	if len(result.UsedIDs) != 1 || result.UsedIDs[0] != hit {
		t.Errorf("used_ids = %v, want [%s]", result.UsedIDs, hit)
	}
	if !strings.Contains(result.Context, "I love climbing") {
		t.Errorf("context missing hit: %q", result.Context)
	}
}

// TestRecallBudget verifies packing stops before exceeding the word budget.
func TestRecallBudget(t *testing.T) {
	store := openTestStore(t)
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		seedInteraction(t, store, storage.Interaction{
			UserID: "u1", CreatedAt: base.Add(time.Duration(i) * time.Minute),
			UserInput: fmt.Sprintf("message number %d with some padding words", i),
			AIOutput:  "a reasonably long reply with several words in it",
			Embedding: []float32{1, 0},
		})
	}

	budget := 30
	e := NewEngine(store, stubEmbedder{vec: []float32{1, 0}}, stubTokenizer{}, Params{
		VectorTopK: 5, HybridAlpha: 1, ContextTokenBudget: budget, ForcedRecent: 5,
	})

	result, err := e.Recall(context.Background(), "u1", "query")
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if got := len(strings.Fields(result.Context)); got > budget {
		t.Errorf("context has %d words, budget %d", got, budget)
	}
	if len(result.UsedIDs) == 0 {
		t.Error("expected at least one interaction within budget")
	}
	if len(result.UsedIDs) >= 5 {
		t.Errorf("expected budget to exclude some items, used %d", len(result.UsedIDs))
	}
}

// TestRecallForcedRecentChronological verifies forced recents appear oldest
// first in the packed context.
func TestRecallForcedRecentChronological(t *testing.T) {
	store := openTestStore(t)
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	older := seedInteraction(t, store, storage.Interaction{
		UserID: "u1", CreatedAt: base, UserInput: "first", AIOutput: "x",
	})
	newer := seedInteraction(t, store, storage.Interaction{
		UserID: "u1", CreatedAt: base.Add(time.Minute), UserInput: "second", AIOutput: "y",
	})

	e := NewEngine(store, stubEmbedder{err: errors.New("down")}, stubTokenizer{}, Params{
		VectorTopK: 5, HybridAlpha: 0.7, ContextTokenBudget: 1000, ForcedRecent: 2,
	})

	result, err := e.Recall(context.Background(), "u1", "anything")
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(result.UsedIDs) != 2 || result.UsedIDs[0] != older || result.UsedIDs[1] != newer {
		t.Errorf("used_ids = %v, want [%s %s]", result.UsedIDs, older, newer)
	}
}

func TestFuseScoring(t *testing.T) {
	e := NewEngine(nil, nil, nil, Params{HybridAlpha: 0.6})

	semantic := map[string]float64{"a": 0.9, "b": 0.2}
	lexical := map[string]float64{"b": 5, "c": 20}

	ranked := e.fuse(semantic, lexical)
	if len(ranked) != 3 {
		t.Fatalf("ranked = %v, want 3 ids", ranked)
	}

	score := func(id string) float64 {
		return 0.6*semantic[id] + 0.4*math.Tanh(lexical[id]/10)
	}
	for i := 1; i < len(ranked); i++ {
		if score(ranked[i-1]) < score(ranked[i]) {
			t.Errorf("ranking not descending: %v", ranked)
		}
	}

	// Semantic-only id scores alpha*sem; lexical-only id scores (1-alpha)*tanh(kw/10).
	if got, want := score("a"), 0.6*0.9; math.Abs(got-want) > 1e-9 {
		t.Errorf("semantic-only score = %v, want %v", got, want)
	}
	if got, want := score("c"), 0.4*math.Tanh(2); math.Abs(got-want) > 1e-9 {
		t.Errorf("lexical-only score = %v, want %v", got, want)
	}
}

func TestFuseTieBreakByID(t *testing.T) {
	e := NewEngine(nil, nil, nil, Params{HybridAlpha: 1})

	ranked := e.fuse(map[string]float64{"b": 0.5, "a": 0.5, "c": 0.5}, nil)
	want := []string{"a", "b", "c"}
	for i := range want {
		if ranked[i] != want[i] {
			t.Fatalf("ranked = %v, want %v", ranked, want)
		}
	}
}

// TestTopKStrictReplacement verifies equal scores keep the earlier candidate.
func TestTopKStrictReplacement(t *testing.T) {
	store := openTestStore(t)
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	first := seedInteraction(t, store, storage.Interaction{
		UserID: "u1", CreatedAt: base, UserInput: "one", AIOutput: "x",
		Embedding: []float32{1, 0},
	})
	seedInteraction(t, store, storage.Interaction{
		UserID: "u1", CreatedAt: base.Add(time.Minute), UserInput: "two", AIOutput: "y",
		Embedding: []float32{1, 0},
	})

	e := NewEngine(store, stubEmbedder{vec: []float32{1, 0}}, stubTokenizer{}, Params{
		VectorTopK: 1, HybridAlpha: 1, ContextTokenBudget: 1000, ForcedRecent: 0,
	})

	scores, items, err := e.semanticCandidates(context.Background(), "u1", "query")
	if err != nil {
		t.Fatalf("semanticCandidates: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
	if items[0].ID != first {
		t.Errorf("kept %s, want earlier candidate %s on tie", items[0].ID, first)
	}
	if _, ok := scores[first]; !ok {
		t.Errorf("scores missing %s: %v", first, scores)
	}
}
