package feedback

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/kalambet/engram/internal/storage"
	"github.com/kalambet/engram/internal/tokenizer"
)

type stubEmbedder struct {
	vec []float32
	err error
}

func (s stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return s.vec, s.err
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

func testParams() Params {
	return Params{
		InitialScore:          1.0,
		RewardScore:           0.5,
		DecayScore:            0.1,
		TopicDecayModifier:    0.5,
		NoveltyBonus:          0.3,
		RelationshipIncrement: 0.1,
		PruningThreshold:      100,
	}
}

func newTestEngine(t *testing.T, store *storage.Store, embedder Embedder, params Params) *Engine {
	t.Helper()
	return NewEngine(store, embedder, tokenizer.New(), params)
}

func scoreOf(t *testing.T, s *storage.Store, userID, id string) float64 {
	t.Helper()
	i, err := s.GetInteraction(context.Background(), userID, id)
	if err != nil {
		t.Fatalf("GetInteraction(%s): %v", id, err)
	}
	return i.RelevanceScore
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// TestCommitFirstExchange stores the interaction, creates entities for its
// keywords, and grants the novelty bonus.
func TestCommitFirstExchange(t *testing.T) {
	store := openTestStore(t)
	e := newTestEngine(t, store, stubEmbedder{vec: []float32{1, 2}}, testParams())
	ctx := context.Background()

	id, err := e.Commit(ctx, "u1", "I love hiking near Bergen", "sounds great", nil)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := store.GetInteraction(ctx, "u1", id)
	if err != nil {
		t.Fatalf("GetInteraction: %v", err)
	}
	// Every keyword is new, so the novelty bonus applies on top of the
	// initial score.
	if want := 1.0 + 0.3; !almostEqual(got.RelevanceScore, want) {
		t.Errorf("score = %v, want %v", got.RelevanceScore, want)
	}
	if len(got.Embedding) != 2 {
		t.Errorf("embedding = %v, want stored vector", got.Embedding)
	}
	if len(got.Keywords) == 0 {
		t.Fatal("expected extracted keywords")
	}

	ent, err := store.GetEntity(ctx, "u1", "hike")
	if err != nil {
		t.Fatalf("GetEntity(hike): %v", err)
	}
	if ent.AccessCount != 1 {
		t.Errorf("access_count = %d, want 1", ent.AccessCount)
	}
	if !almostEqual(ent.RelevanceScore, 0.5) {
		t.Errorf("entity score = %v, want reward 0.5", ent.RelevanceScore)
	}
	if !ent.Mentions(id) {
		t.Errorf("entity not mentioning %s: %v", id, ent.MentionedIn)
	}
	if ent.Name != "hiking" {
		t.Errorf("entity display name = %q, want surface form hiking", ent.Name)
	}
}

// TestCommitEmbeddingFailure stores the interaction without a vector instead
// of failing the commit.
func TestCommitEmbeddingFailure(t *testing.T) {
	store := openTestStore(t)
	e := newTestEngine(t, store, stubEmbedder{err: errors.New("ollama down")}, testParams())
	ctx := context.Background()

	id, err := e.Commit(ctx, "u1", "remember the tickets", "will do", nil)
	if err != nil {
		t.Fatalf("Commit with failing embedder: %v", err)
	}

	got, _ := store.GetInteraction(ctx, "u1", id)
	if got.Embedding != nil {
		t.Errorf("embedding = %v, want nil", got.Embedding)
	}

	missing, err := store.FindMissingEmbedding(ctx, 10)
	if err != nil {
		t.Fatalf("FindMissingEmbedding: %v", err)
	}
	if len(missing) != 1 || missing[0].ID != id {
		t.Errorf("backfill queue = %v, want [%s]", missing, id)
	}
}

// TestCommitRewardAndTopicDecay verifies used interactions are rewarded and
// topic-related interactions decay at the reduced rate.
func TestCommitRewardAndTopicDecay(t *testing.T) {
	store := openTestStore(t)
	e := newTestEngine(t, store, stubEmbedder{vec: []float32{1}}, testParams())
	ctx := context.Background()

	first, err := e.Commit(ctx, "u1", "planning a climbing trip", "nice", nil)
	if err != nil {
		t.Fatalf("first Commit: %v", err)
	}
	// 1.0 initial + 0.3 novelty.
	firstScore := scoreOf(t, store, "u1", first)
	if !almostEqual(firstScore, 1.3) {
		t.Fatalf("first score = %v, want 1.3", firstScore)
	}

	// Second commit uses the first: reward + reduced decay (topic-related
	// through its own keywords).
	_, err = e.Commit(ctx, "u1", "what gear for the trip?", "rope and shoes", []string{first})
	if err != nil {
		t.Fatalf("second Commit: %v", err)
	}

	want := 1.3 + 0.5 - 0.1*0.5
	if got := scoreOf(t, store, "u1", first); !almostEqual(got, want) {
		t.Errorf("first score after reward+topic decay = %v, want %v", got, want)
	}

	got, _ := store.GetInteraction(ctx, "u1", first)
	if got.LastAccessed == nil {
		t.Error("last_accessed not stamped on used interaction")
	}
}

// TestCommitFullDecayOffTopic verifies untouched, unrelated interactions
// decay at the full rate.
func TestCommitFullDecayOffTopic(t *testing.T) {
	store := openTestStore(t)
	e := newTestEngine(t, store, stubEmbedder{vec: []float32{1}}, testParams())
	ctx := context.Background()

	offTopic, err := e.Commit(ctx, "u1", "favorite pizza toppings", "mushrooms", nil)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	onTopic, err := e.Commit(ctx, "u1", "training for marathons", "impressive", nil)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	offTopicScore := scoreOf(t, store, "u1", offTopic)
	onTopicScore := scoreOf(t, store, "u1", onTopic)

	// Third commit uses onTopic: offTopic shares no keywords with the topic
	// so it takes the full decay.
	if _, err := e.Commit(ctx, "u1", "marathon training progress", "keep going", []string{onTopic}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if got, want := scoreOf(t, store, "u1", offTopic), offTopicScore-0.1; !almostEqual(got, want) {
		t.Errorf("off-topic score = %v, want full decay to %v", got, want)
	}
	if got, want := scoreOf(t, store, "u1", onTopic), onTopicScore+0.5-0.1*0.5; !almostEqual(got, want) {
		t.Errorf("on-topic score = %v, want reward plus reduced decay %v", got, want)
	}
}

// TestCommitNoNoveltyOnRepeat verifies a repeat of known keywords gets no
// novelty bonus and bumps the entity counters.
func TestCommitNoNoveltyOnRepeat(t *testing.T) {
	store := openTestStore(t)
	e := newTestEngine(t, store, stubEmbedder{vec: []float32{1}}, testParams())
	ctx := context.Background()

	if _, err := e.Commit(ctx, "u1", "espresso", "noted", nil); err != nil {
		t.Fatalf("first Commit: %v", err)
	}
	second, err := e.Commit(ctx, "u1", "espresso", "again", nil)
	if err != nil {
		t.Fatalf("second Commit: %v", err)
	}

	// Initial score only; no novelty.
	if got := scoreOf(t, store, "u1", second); !almostEqual(got, 1.0) {
		t.Errorf("repeat score = %v, want 1.0", got)
	}

	ent, err := store.GetEntity(ctx, "u1", "espresso")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if ent.AccessCount != 2 {
		t.Errorf("access_count = %d, want 2", ent.AccessCount)
	}
	if !almostEqual(ent.RelevanceScore, 1.0) {
		t.Errorf("entity score = %v, want 1.0 (two rewards)", ent.RelevanceScore)
	}
	if len(ent.MentionedIn) != 2 {
		t.Errorf("mentioned_in = %v, want 2 entries", ent.MentionedIn)
	}
}

// TestCommitRelationships verifies symmetric co-occurrence edges between
// keywords of one exchange.
func TestCommitRelationships(t *testing.T) {
	store := openTestStore(t)
	e := newTestEngine(t, store, stubEmbedder{vec: []float32{1}}, testParams())
	ctx := context.Background()

	if _, err := e.Commit(ctx, "u1", "espresso machine", "which brand?", nil); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	espresso, err := store.GetEntity(ctx, "u1", "espresso")
	if err != nil {
		t.Fatalf("GetEntity(espresso): %v", err)
	}
	machine, err := store.GetEntity(ctx, "u1", "machin")
	if err != nil {
		t.Fatalf("GetEntity(machin): %v", err)
	}

	if !almostEqual(espresso.Relationships["machin"], 0.1) {
		t.Errorf("espresso->machin = %v, want 0.1", espresso.Relationships["machin"])
	}
	if !almostEqual(machine.Relationships["espresso"], 0.1) {
		t.Errorf("machin->espresso = %v, want 0.1", machine.Relationships["espresso"])
	}
	if _, ok := espresso.Relationships["espresso"]; ok {
		t.Error("self-edge must not exist")
	}
}

// TestCommitPruning verifies the store never exceeds the threshold after a
// commit, and the lowest-scoring rows go first.
func TestCommitPruning(t *testing.T) {
	store := openTestStore(t)
	params := testParams()
	params.PruningThreshold = 2
	e := newTestEngine(t, store, stubEmbedder{vec: []float32{1}}, params)
	ctx := context.Background()

	for _, input := range []string{"alpha topic", "beta topic", "gamma topic"} {
		if _, err := e.Commit(ctx, "u1", input, "ok", nil); err != nil {
			t.Fatalf("Commit(%q): %v", input, err)
		}
	}

	count, err := store.CountInteractions(ctx, "u1")
	if err != nil {
		t.Fatalf("CountInteractions: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want pruned to 2", count)
	}
}

// TestCommitNoKeywords stores an exchange of pure stop-words without creating
// entities.
func TestCommitNoKeywords(t *testing.T) {
	store := openTestStore(t)
	e := newTestEngine(t, store, stubEmbedder{vec: []float32{1}}, testParams())
	ctx := context.Background()

	id, err := e.Commit(ctx, "u1", "is it so", "yes", nil)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, _ := store.GetInteraction(ctx, "u1", id)
	if len(got.Keywords) != 0 {
		t.Errorf("keywords = %v, want none", got.Keywords)
	}
	// No novelty without keywords.
	if !almostEqual(got.RelevanceScore, 1.0) {
		t.Errorf("score = %v, want 1.0", got.RelevanceScore)
	}

	entities, err := store.ListEntities(ctx, "u1", 10, 0)
	if err != nil {
		t.Fatalf("ListEntities: %v", err)
	}
	if len(entities) != 0 {
		t.Errorf("entities = %v, want none", entities)
	}
}
