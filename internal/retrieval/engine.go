// Package retrieval assembles recall context from a user's stored
// interactions: vector similarity candidates, keyword candidates through the
// entity index, hybrid score fusion, forced-recency inclusion, and
// budget-constrained packing.
package retrieval

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/engram/internal/storage"
)

// Sentinel returned when no stored interaction qualifies for the context.
const NoMemoriesSentinel = "No relevant memories found."

// Embedder converts text into a vector; failures degrade recall to
// lexical-only search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Tokenizer extracts normalized keyword stems from text. Extraction is
// deterministic and never fails; an empty result skips lexical search.
type Tokenizer interface {
	Extract(text string) []string
}

// Params holds the retrieval tuning knobs.
type Params struct {
	// VectorTopK bounds the semantic candidate set.
	VectorTopK int
	// HybridAlpha weighs semantic against keyword relevance, in [0,1].
	HybridAlpha float64
	// ContextTokenBudget caps the packed context size, approximated in words.
	ContextTokenBudget int
	// ForcedRecent is the number of most recent interactions always included
	// ahead of the fused ranking.
	ForcedRecent int
}

// Result is the outcome of one recall: the packed context string and the IDs
// of every interaction it includes.
type Result struct {
	Context string   `json:"context"`
	UsedIDs []string `json:"used_ids"`
}

// Engine performs hybrid memory retrieval over the per-user store.
type Engine struct {
	store     *storage.Store
	embedder  Embedder
	tokenizer Tokenizer
	params    Params
}

// NewEngine creates a retrieval engine with the given capabilities and params.
func NewEngine(store *storage.Store, embedder Embedder, tokenizer Tokenizer, params Params) *Engine {
	return &Engine{store: store, embedder: embedder, tokenizer: tokenizer, params: params}
}

// Recall returns the most relevant stored exchanges for userInput, packed
// into the context budget. Embedding failure degrades to keyword-only
// retrieval; only storage errors fail the call.
func (e *Engine) Recall(ctx context.Context, userID, userInput string) (Result, error) {
	var (
		semantic   map[string]float64
		lexical    map[string]float64
		candidates = make(map[string]storage.Interaction)
		semItems   []storage.Interaction
		lexItems   []storage.Interaction
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		semantic, semItems, err = e.semanticCandidates(gCtx, userID, userInput)
		return err
	})
	g.Go(func() error {
		var err error
		lexical, lexItems, err = e.lexicalCandidates(gCtx, userID, userInput)
		return err
	})
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	for _, i := range semItems {
		candidates[i.ID] = i
	}
	for _, i := range lexItems {
		candidates[i.ID] = i
	}

	ranked := e.fuse(semantic, lexical)

	forced, err := e.store.FindRecent(ctx, userID, e.params.ForcedRecent)
	if err != nil {
		return Result{}, fmt.Errorf("loading recent interactions: %w", err)
	}
	// FindRecent is newest-first; forced inclusion preserves chronology.
	reverse(forced)

	return e.pack(forced, ranked, candidates), nil
}

// semanticCandidates embeds the query and scores every stored embedding by
// cosine similarity, keeping the top K. Returns nil maps on degraded mode.
func (e *Engine) semanticCandidates(ctx context.Context, userID, userInput string) (map[string]float64, []storage.Interaction, error) {
	queryVec, err := e.embedder.Embed(ctx, userInput)
	if err != nil {
		slog.Warn("recall: embedding unavailable, using keyword retrieval only", "error", err)
		return nil, nil, nil
	}

	pool, err := e.store.FindWithEmbedding(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading embedded interactions: %w", err)
	}

	// Min-heap keeps the top-K; replacement only on strictly greater score,
	// so equal scores retain the earlier candidate in scan order.
	h := &scoredHeap{}
	heap.Init(h)
	for _, item := range pool {
		score := CosineSimilarity(queryVec, item.Embedding)
		if h.Len() < e.params.VectorTopK {
			heap.Push(h, scoredInteraction{Interaction: item, Score: score})
		} else if h.Len() > 0 && score > (*h)[0].Score {
			(*h)[0] = scoredInteraction{Interaction: item, Score: score}
			heap.Fix(h, 0)
		}
	}

	scores := make(map[string]float64, h.Len())
	items := make([]storage.Interaction, 0, h.Len())
	for h.Len() > 0 {
		si := heap.Pop(h).(scoredInteraction)
		scores[si.ID] = si.Score
		items = append(items, si.Interaction)
	}
	return scores, items, nil
}

// lexicalCandidates tokenizes the query and collects interactions through
// the entity index, scored by their current relevance.
func (e *Engine) lexicalCandidates(ctx context.Context, userID, userInput string) (map[string]float64, []storage.Interaction, error) {
	keywords := e.tokenizer.Extract(userInput)
	if len(keywords) == 0 {
		return nil, nil, nil
	}

	entities, err := e.store.GetEntitiesByKeys(ctx, userID, keywords)
	if err != nil {
		return nil, nil, fmt.Errorf("loading entities: %w", err)
	}

	seen := make(map[string]struct{})
	var ids []string
	for _, ent := range entities {
		for _, id := range ent.MentionedIn {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, nil, nil
	}

	items, err := e.store.GetInteractions(ctx, userID, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("loading keyword candidates: %w", err)
	}

	scores := make(map[string]float64, len(items))
	for _, item := range items {
		scores[item.ID] = item.RelevanceScore
	}
	return scores, items, nil
}

// fuse combines semantic and keyword scores into one descending ranking:
// alpha*semantic + (1-alpha)*tanh(keyword/10), with 0 substituted for a
// missing side. Equal fused scores order by ID ascending.
func (e *Engine) fuse(semantic, lexical map[string]float64) []string {
	type fused struct {
		id    string
		score float64
	}

	union := make(map[string]struct{}, len(semantic)+len(lexical))
	for id := range semantic {
		union[id] = struct{}{}
	}
	for id := range lexical {
		union[id] = struct{}{}
	}

	alpha := e.params.HybridAlpha
	ranking := make([]fused, 0, len(union))
	for id := range union {
		ranking = append(ranking, fused{
			id:    id,
			score: alpha*semantic[id] + (1-alpha)*math.Tanh(lexical[id]/10),
		})
	}

	sort.Slice(ranking, func(i, j int) bool {
		if ranking[i].score != ranking[j].score {
			return ranking[i].score > ranking[j].score
		}
		return ranking[i].id < ranking[j].id
	})

	ids := make([]string, len(ranking))
	for i, f := range ranking {
		ids[i] = f.id
	}
	return ids
}

// pack walks forced-recent items first (chronological), then the fused
// ranking, appending rendered lines until the next item would exceed the
// word budget.
func (e *Engine) pack(forced []storage.Interaction, ranked []string, candidates map[string]storage.Interaction) Result {
	var (
		lines    []string
		usedIDs  []string
		used     = make(map[string]struct{})
		tokens   int
		budget   = e.params.ContextTokenBudget
		appendIt = func(item storage.Interaction) bool {
			line := RenderLine(item)
			w := len(strings.Fields(line))
			if tokens+w > budget {
				return false
			}
			tokens += w
			lines = append(lines, line)
			usedIDs = append(usedIDs, item.ID)
			used[item.ID] = struct{}{}
			return true
		}
	)

	// Packing stops at the first item that would overflow the budget.
	full := false
	for _, item := range forced {
		if !appendIt(item) {
			full = true
			break
		}
	}
	if !full {
		for _, id := range ranked {
			if _, ok := used[id]; ok {
				continue
			}
			item, ok := candidates[id]
			if !ok {
				continue
			}
			if !appendIt(item) {
				break
			}
		}
	}

	if len(usedIDs) == 0 {
		return Result{Context: NoMemoriesSentinel, UsedIDs: []string{}}
	}
	return Result{Context: strings.Join(lines, "\n"), UsedIDs: usedIDs}
}

// RenderLine renders one interaction as a single context line: timestamp,
// original user input, and stored assistant output, verbatim.
func RenderLine(i storage.Interaction) string {
	return fmt.Sprintf("[%s] User: %s | AI: %s",
		i.CreatedAt.UTC().Format("2006-01-02 15:04"), i.UserInput, i.AIOutput)
}

// CosineSimilarity returns dot(a,b) / (|a|*|b|), or 0 when either vector has
// zero magnitude or the dimensions mismatch.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, aNormSq, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		aNormSq += float64(a[i]) * float64(a[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	if aNormSq == 0 || bNormSq == 0 {
		return 0
	}
	return dot / (math.Sqrt(aNormSq) * math.Sqrt(bNormSq))
}

func reverse(items []storage.Interaction) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}

// scoredInteraction pairs an interaction with its similarity score during
// the top-K scan.
type scoredInteraction struct {
	storage.Interaction
	Score float64
}

// scoredHeap is a min-heap of scoredInteraction ordered by Score.
type scoredHeap []scoredInteraction

func (h scoredHeap) Len() int           { return len(h) }
func (h scoredHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h scoredHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *scoredHeap) Push(x any)        { *h = append(*h, x.(scoredInteraction)) }
func (h *scoredHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
