// Package memory exposes the two public operations of the engine, Recall and
// Commit, composing the retrieval and feedback engines behind one façade.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/engram/internal/retrieval"
)

// ErrInvalidInput marks requests rejected before touching the store, such as
// an empty user ID or empty input text.
var ErrInvalidInput = errors.New("invalid input")

// Recaller produces recall context for a query.
type Recaller interface {
	Recall(ctx context.Context, userID, userInput string) (retrieval.Result, error)
}

// Committer records a completed exchange.
type Committer interface {
	Commit(ctx context.Context, userID, userInput, aiOutput string, usedIDs []string) (string, error)
}

// Engine is the public entry point: recall before inference, commit after.
type Engine struct {
	retrieval Recaller
	feedback  Committer
}

// NewEngine composes a retrieval and a feedback engine.
func NewEngine(r Recaller, f Committer) *Engine {
	return &Engine{retrieval: r, feedback: f}
}

// Recall returns the packed memory context for userInput together with the
// IDs of the interactions it includes. An empty store or a fully degraded
// retrieval still succeeds with the sentinel context and no IDs.
func (e *Engine) Recall(ctx context.Context, userID, userInput string) (retrieval.Result, error) {
	if strings.TrimSpace(userID) == "" {
		return retrieval.Result{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(userInput) == "" {
		return retrieval.Result{}, fmt.Errorf("%w: user input is required", ErrInvalidInput)
	}
	return e.retrieval.Recall(ctx, userID, userInput)
}

// Commit records one exchange and its feedback effects, returning the new
// interaction ID. usedIDs should be the ID list from the preceding Recall;
// it may be empty when no memories were used.
func (e *Engine) Commit(ctx context.Context, userID, userInput, aiOutput string, usedIDs []string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(userInput) == "" {
		return "", fmt.Errorf("%w: user input is required", ErrInvalidInput)
	}
	return e.feedback.Commit(ctx, userID, userInput, aiOutput, usedIDs)
}
