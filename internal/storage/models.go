package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Interaction is one stored user/assistant exchange. Embedding is nil when
// the embedding call failed at commit time; such interactions remain
// reachable through keyword search and can be re-embedded later.
type Interaction struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	CreatedAt      time.Time  `json:"created_at"`
	UserInput      string     `json:"user_input"`
	AIOutput       string     `json:"ai_output"`
	Embedding      []float32  `json:"-"`
	Keywords       []string   `json:"keywords"`
	RelevanceScore float64    `json:"relevance_score"`
	ContextUsedIDs []string   `json:"context_used_ids"`
	LastAccessed   *time.Time `json:"last_accessed,omitempty"`
}

// Entity is a tracked keyword/topic node. MentionedIn holds the IDs of
// interactions whose keyword set produced this entity; Relationships maps
// co-mentioned entity keys to accumulated edge weights.
type Entity struct {
	UserID         string             `json:"user_id"`
	Key            string             `json:"key"`
	Name           string             `json:"name"`
	AccessCount    int                `json:"access_count"`
	RelevanceScore float64            `json:"relevance_score"`
	MentionedIn    []string           `json:"mentioned_in"`
	Relationships  map[string]float64 `json:"relationships"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Mentions reports whether the entity already references the interaction.
func (e *Entity) Mentions(interactionID string) bool {
	for _, id := range e.MentionedIn {
		if id == interactionID {
			return true
		}
	}
	return false
}

// AddRelationship increments the co-mention edge weight towards another
// entity key. Self-edges are never created.
func (e *Entity) AddRelationship(otherKey string, delta float64) {
	if otherKey == e.Key {
		return
	}
	if e.Relationships == nil {
		e.Relationships = make(map[string]float64)
	}
	e.Relationships[otherKey] += delta
}
