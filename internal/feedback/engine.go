// Package feedback applies the write-side of the memory loop: rewarding the
// interactions that informed a reply, decaying the rest with topic awareness,
// persisting the new exchange, maintaining the entity co-occurrence graph,
// and pruning once the store outgrows its threshold.
package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/engram/internal/storage"
	"github.com/kalambet/engram/internal/tokenizer"
)

// Embedder converts text into a vector. A failure here is tolerated: the new
// interaction is stored without an embedding and picked up by backfill later.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Tokenizer extracts keyword terms from text.
type Tokenizer interface {
	Terms(text string) []tokenizer.Term
}

// Params holds the feedback tuning knobs.
type Params struct {
	// InitialScore is the relevance assigned to a freshly stored interaction.
	InitialScore float64
	// RewardScore is added to interactions that were used in a reply, and to
	// every entity mentioned in the new exchange.
	RewardScore float64
	// DecayScore is subtracted from interactions on every commit.
	DecayScore float64
	// TopicDecayModifier scales the decay for interactions related to the
	// current topic, in [0,1]. They fade slower than off-topic memories.
	TopicDecayModifier float64
	// NoveltyBonus is added to an interaction that introduced at least one
	// previously unseen entity.
	NoveltyBonus float64
	// RelationshipIncrement strengthens the edge between two entities each
	// time they co-occur in an exchange.
	RelationshipIncrement float64
	// PruningThreshold is the per-user interaction count above which the
	// lowest-scoring rows are deleted.
	PruningThreshold int
}

// Engine runs the transactional commit sequence against the store.
type Engine struct {
	store     *storage.Store
	embedder  Embedder
	tokenizer Tokenizer
	params    Params
}

// NewEngine creates a feedback engine with the given capabilities and params.
func NewEngine(store *storage.Store, embedder Embedder, tokenizer Tokenizer, params Params) *Engine {
	return &Engine{store: store, embedder: embedder, tokenizer: tokenizer, params: params}
}

// Commit records one completed exchange and returns the new interaction ID.
// Network-bound work (embedding) happens before the transaction opens; every
// store mutation then lands in a single transaction, so a failure leaves no
// partial reward, decay, or insert behind.
func (e *Engine) Commit(ctx context.Context, userID, userInput, aiOutput string, usedIDs []string) (string, error) {
	embedding := e.embedExchange(ctx, userInput, aiOutput)
	terms := e.tokenizer.Terms(userInput)

	now := time.Now().UTC()
	var newID string

	err := e.store.WithTx(ctx, func(tx *storage.Tx) error {
		if err := e.reward(ctx, tx, userID, usedIDs, now); err != nil {
			return err
		}
		if err := e.decay(ctx, tx, userID, usedIDs); err != nil {
			return err
		}

		id, err := e.persist(ctx, tx, userID, userInput, aiOutput, embedding, terms, usedIDs, now)
		if err != nil {
			return err
		}
		newID = id

		if err := e.updateEntityGraph(ctx, tx, userID, id, terms, now); err != nil {
			return err
		}
		return e.prune(ctx, tx, userID)
	})
	if err != nil {
		return "", err
	}
	return newID, nil
}

// embedExchange embeds the combined exchange text. On failure the interaction
// is stored without a vector; backfill re-embeds it once the provider recovers.
func (e *Engine) embedExchange(ctx context.Context, userInput, aiOutput string) []float32 {
	vec, err := e.embedder.Embed(ctx, "User: "+userInput+" | AI: "+aiOutput)
	if err != nil {
		slog.Warn("commit: embedding unavailable, storing interaction without vector", "error", err)
		return nil
	}
	return vec
}

// reward boosts the interactions that informed the reply and stamps their
// last-accessed time.
func (e *Engine) reward(ctx context.Context, tx *storage.Tx, userID string, usedIDs []string, now time.Time) error {
	if len(usedIDs) == 0 {
		return nil
	}
	if err := tx.AdjustScores(ctx, userID, usedIDs, e.params.RewardScore); err != nil {
		return fmt.Errorf("rewarding used interactions: %w", err)
	}
	if err := tx.TouchLastAccessed(ctx, userID, usedIDs, now); err != nil {
		return fmt.Errorf("stamping last access: %w", err)
	}
	return nil
}

// decay fades every stored interaction, slower for those sharing keywords
// with the current topic. The topic is the union of the used interactions'
// keyword sets; related interactions are resolved through the entity index.
func (e *Engine) decay(ctx context.Context, tx *storage.Tx, userID string, usedIDs []string) error {
	related, err := e.topicRelatedIDs(ctx, tx, userID, usedIDs)
	if err != nil {
		return err
	}
	if len(related) > 0 {
		reduced := -e.params.DecayScore * e.params.TopicDecayModifier
		if err := tx.AdjustScores(ctx, userID, related, reduced); err != nil {
			return fmt.Errorf("applying topic decay: %w", err)
		}
	}
	if err := tx.AdjustScoresExcept(ctx, userID, related, -e.params.DecayScore); err != nil {
		return fmt.Errorf("applying decay: %w", err)
	}
	return nil
}

// topicRelatedIDs returns the IDs of every interaction mentioned by an entity
// whose key appears in the used interactions' keyword sets.
func (e *Engine) topicRelatedIDs(ctx context.Context, tx *storage.Tx, userID string, usedIDs []string) ([]string, error) {
	if len(usedIDs) == 0 {
		return nil, nil
	}
	used, err := tx.GetInteractions(ctx, userID, usedIDs)
	if err != nil {
		return nil, fmt.Errorf("loading used interactions: %w", err)
	}

	topicSet := make(map[string]struct{})
	var topic []string
	for _, i := range used {
		for _, kw := range i.Keywords {
			if _, ok := topicSet[kw]; ok {
				continue
			}
			topicSet[kw] = struct{}{}
			topic = append(topic, kw)
		}
	}
	if len(topic) == 0 {
		return nil, nil
	}

	entities, err := tx.GetEntitiesByKeys(ctx, userID, topic)
	if err != nil {
		return nil, fmt.Errorf("loading topic entities: %w", err)
	}

	seen := make(map[string]struct{})
	var related []string
	for _, ent := range entities {
		for _, id := range ent.MentionedIn {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			related = append(related, id)
		}
	}
	return related, nil
}

// persist inserts the new interaction at the initial relevance score.
func (e *Engine) persist(ctx context.Context, tx *storage.Tx, userID, userInput, aiOutput string, embedding []float32, terms []tokenizer.Term, usedIDs []string, now time.Time) (string, error) {
	keywords := make([]string, len(terms))
	for i, t := range terms {
		keywords[i] = t.Key
	}

	item := storage.Interaction{
		UserID:         userID,
		CreatedAt:      now,
		UserInput:      userInput,
		AIOutput:       aiOutput,
		Embedding:      embedding,
		Keywords:       keywords,
		RelevanceScore: e.params.InitialScore,
		ContextUsedIDs: usedIDs,
	}
	id, err := tx.AppendInteraction(ctx, &item)
	if err != nil {
		return "", fmt.Errorf("persisting interaction: %w", err)
	}
	return id, nil
}

// updateEntityGraph upserts one entity per keyword, records the mention,
// strengthens co-occurrence edges between every keyword pair, and grants the
// novelty bonus when the exchange introduced a previously unseen entity.
func (e *Engine) updateEntityGraph(ctx context.Context, tx *storage.Tx, userID, newID string, terms []tokenizer.Term, now time.Time) error {
	if len(terms) == 0 {
		return nil
	}

	keys := make([]string, len(terms))
	for i, t := range terms {
		keys[i] = t.Key
	}
	existing, err := tx.GetEntitiesByKeys(ctx, userID, keys)
	if err != nil {
		return fmt.Errorf("loading entities: %w", err)
	}
	byKey := make(map[string]storage.Entity, len(existing))
	for _, ent := range existing {
		byKey[ent.Key] = ent
	}

	novel := false
	for _, t := range terms {
		ent, ok := byKey[t.Key]
		if !ok {
			novel = true
			ent = storage.Entity{
				UserID:         userID,
				Key:            t.Key,
				Name:           t.Display,
				RelevanceScore: 0,
				CreatedAt:      now,
			}
		}
		ent.AccessCount++
		ent.RelevanceScore += e.params.RewardScore
		if !ent.Mentions(newID) {
			ent.MentionedIn = append(ent.MentionedIn, newID)
		}
		ent.UpdatedAt = now
		byKey[t.Key] = ent
	}

	// Co-occurrence edges, both directions.
	for _, a := range terms {
		for _, b := range terms {
			if a.Key == b.Key {
				continue
			}
			ent := byKey[a.Key]
			ent.AddRelationship(b.Key, e.params.RelationshipIncrement)
			byKey[a.Key] = ent
		}
	}

	for _, t := range terms {
		if err := tx.PutEntity(ctx, byKey[t.Key]); err != nil {
			return fmt.Errorf("upserting entity %q: %w", t.Key, err)
		}
	}

	if novel {
		if err := tx.AdjustScores(ctx, userID, []string{newID}, e.params.NoveltyBonus); err != nil {
			return fmt.Errorf("applying novelty bonus: %w", err)
		}
	}
	return nil
}

// prune deletes the lowest-scoring interactions once the per-user count
// exceeds the threshold. Entity mentions of pruned interactions are left in
// place; they point at nothing and drop out of retrieval naturally.
func (e *Engine) prune(ctx context.Context, tx *storage.Tx, userID string) error {
	if e.params.PruningThreshold <= 0 {
		return nil
	}
	count, err := tx.CountInteractions(ctx, userID)
	if err != nil {
		return fmt.Errorf("counting interactions: %w", err)
	}
	if count <= e.params.PruningThreshold {
		return nil
	}
	deleted, err := tx.DeleteLowestScoring(ctx, userID, count-e.params.PruningThreshold)
	if err != nil {
		return fmt.Errorf("pruning interactions: %w", err)
	}
	slog.Debug("pruned low-relevance interactions", "user", userID, "deleted", deleted)
	return nil
}
