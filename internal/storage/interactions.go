package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const interactionColumns = `id, user_id, created_at, user_input, ai_output, embedding, keywords, relevance_score, context_used_ids, last_accessed`

// AppendInteraction inserts a new interaction, assigning its ID, and returns
// the assigned ID.
func (t *Tx) AppendInteraction(ctx context.Context, i *Interaction) (string, error) {
	id := uuid.New().String()

	keywordsJSON, err := json.Marshal(emptyIfNil(i.Keywords))
	if err != nil {
		return "", fmt.Errorf("marshalling keywords: %w", err)
	}
	usedJSON, err := json.Marshal(emptyIfNil(i.ContextUsedIDs))
	if err != nil {
		return "", fmt.Errorf("marshalling context_used_ids: %w", err)
	}

	var lastAccessed any
	if i.LastAccessed != nil {
		lastAccessed = i.LastAccessed.UTC().Format(time.RFC3339Nano)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO interactions (`+interactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, i.UserID, i.CreatedAt.UTC().Format(time.RFC3339Nano), i.UserInput, i.AIOutput,
		encodeFloat32s(i.Embedding), string(keywordsJSON), i.RelevanceScore, string(usedJSON), lastAccessed,
	)
	if err != nil {
		return "", fmt.Errorf("inserting interaction: %w", err)
	}

	i.ID = id
	return id, nil
}

// GetInteraction returns a single interaction by ID, scoped to the user.
func (s *Store) GetInteraction(ctx context.Context, userID, id string) (Interaction, error) {
	return getInteraction(ctx, s.db, userID, id)
}

func getInteraction(ctx context.Context, q querier, userID, id string) (Interaction, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+interactionColumns+` FROM interactions
		WHERE user_id = ? AND id = ?`, userID, id)

	i, err := scanInteractionRow(row)
	if err == sql.ErrNoRows {
		return Interaction{}, ErrNotFound
	}
	if err != nil {
		return Interaction{}, err
	}
	return i, nil
}

// GetInteractions returns interactions matching the given IDs, scoped to the
// user. Missing IDs are silently skipped.
func (s *Store) GetInteractions(ctx context.Context, userID string, ids []string) ([]Interaction, error) {
	return getInteractions(ctx, s.db, userID, ids)
}

// GetInteractions is the transactional variant of Store.GetInteractions.
func (t *Tx) GetInteractions(ctx context.Context, userID string, ids []string) ([]Interaction, error) {
	return getInteractions(ctx, t.tx, userID, ids)
}

func getInteractions(ctx context.Context, q querier, userID string, ids []string) ([]Interaction, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(ids)+1)
	args = append(args, userID)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT `+interactionColumns+` FROM interactions
		WHERE user_id = ? AND id IN (?`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying interactions by IDs: %w", err)
	}
	defer rows.Close()

	return scanInteractions(rows)
}

// FindWithEmbedding returns all interactions for the user that carry an
// embedding, in insertion order. This is the candidate pool for vector search.
func (s *Store) FindWithEmbedding(ctx context.Context, userID string) ([]Interaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+interactionColumns+` FROM interactions
		WHERE user_id = ? AND embedding IS NOT NULL
		ORDER BY rowid ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying embedded interactions: %w", err)
	}
	defer rows.Close()

	return scanInteractions(rows)
}

// FindMissingEmbedding returns up to limit interactions, across all users,
// whose embedding call failed at commit time. Used by backfill.
func (s *Store) FindMissingEmbedding(ctx context.Context, limit int) ([]Interaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+interactionColumns+` FROM interactions
		WHERE embedding IS NULL
		ORDER BY rowid ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying unembedded interactions: %w", err)
	}
	defer rows.Close()

	return scanInteractions(rows)
}

// SetEmbedding stores an embedding for an existing interaction.
func (s *Store) SetEmbedding(ctx context.Context, userID, id string, embedding []float32) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE interactions SET embedding = ? WHERE user_id = ? AND id = ?`,
		encodeFloat32s(embedding), userID, id)
	if err != nil {
		return fmt.Errorf("setting embedding: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FindRecent returns the n most recent interactions for the user, newest first.
func (s *Store) FindRecent(ctx context.Context, userID string, n int) ([]Interaction, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+interactionColumns+` FROM interactions
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, userID, n)
	if err != nil {
		return nil, fmt.Errorf("querying recent interactions: %w", err)
	}
	defer rows.Close()

	return scanInteractions(rows)
}

// ListInteractions returns a page of interactions, newest first.
func (s *Store) ListInteractions(ctx context.Context, userID string, limit, offset int) ([]Interaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+interactionColumns+` FROM interactions
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing interactions: %w", err)
	}
	defer rows.Close()

	return scanInteractions(rows)
}

// CountInteractions returns the number of interactions stored for the user.
func (s *Store) CountInteractions(ctx context.Context, userID string) (int, error) {
	return countInteractions(ctx, s.db, userID)
}

// CountInteractions is the transactional variant of Store.CountInteractions.
func (t *Tx) CountInteractions(ctx context.Context, userID string) (int, error) {
	return countInteractions(ctx, t.tx, userID)
}

func countInteractions(ctx context.Context, q querier, userID string) (int, error) {
	var count int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM interactions WHERE user_id = ?`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting interactions: %w", err)
	}
	return count, nil
}

// AdjustScores atomically adds delta to the relevance score of every listed
// interaction. A no-op for an empty ID set.
func (t *Tx) AdjustScores(ctx context.Context, userID string, ids []string, delta float64) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+2)
	args = append(args, delta, userID)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := t.tx.ExecContext(ctx, `
		UPDATE interactions SET relevance_score = relevance_score + ?
		WHERE user_id = ? AND id IN (?`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return fmt.Errorf("adjusting scores: %w", err)
	}
	return nil
}

// AdjustScoresExcept adds delta to the relevance score of every interaction
// of the user NOT in the given ID set.
func (t *Tx) AdjustScoresExcept(ctx context.Context, userID string, ids []string, delta float64) error {
	if len(ids) == 0 {
		_, err := t.tx.ExecContext(ctx, `
			UPDATE interactions SET relevance_score = relevance_score + ?
			WHERE user_id = ?`, delta, userID)
		if err != nil {
			return fmt.Errorf("adjusting scores: %w", err)
		}
		return nil
	}

	args := make([]any, 0, len(ids)+2)
	args = append(args, delta, userID)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := t.tx.ExecContext(ctx, `
		UPDATE interactions SET relevance_score = relevance_score + ?
		WHERE user_id = ? AND id NOT IN (?`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return fmt.Errorf("adjusting scores: %w", err)
	}
	return nil
}

// TouchLastAccessed stamps the given interactions with an access timestamp.
func (t *Tx) TouchLastAccessed(ctx context.Context, userID string, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+2)
	args = append(args, at.UTC().Format(time.RFC3339Nano), userID)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := t.tx.ExecContext(ctx, `
		UPDATE interactions SET last_accessed = ?
		WHERE user_id = ? AND id IN (?`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return fmt.Errorf("touching last_accessed: %w", err)
	}
	return nil
}

// DeleteLowestScoring removes the n interactions with the smallest relevance
// score for the user. Ties break by ID ascending so pruning is deterministic.
func (t *Tx) DeleteLowestScoring(ctx context.Context, userID string, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	res, err := t.tx.ExecContext(ctx, `
		DELETE FROM interactions WHERE id IN (
			SELECT id FROM interactions WHERE user_id = ?
			ORDER BY relevance_score ASC, id ASC LIMIT ?
		)`, userID, n)
	if err != nil {
		return 0, fmt.Errorf("pruning interactions: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(deleted), nil
}

// scanInteractions drains rows into a slice.
func scanInteractions(rows *sql.Rows) ([]Interaction, error) {
	var results []Interaction
	for rows.Next() {
		i, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, i)
	}
	return results, rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanInteractionRow(row *sql.Row) (Interaction, error) {
	return scanInteractionFrom(row)
}

func scanInteraction(rows *sql.Rows) (Interaction, error) {
	return scanInteractionFrom(rows)
}

func scanInteractionFrom(sc rowScanner) (Interaction, error) {
	var i Interaction
	var createdAt string
	var blob []byte
	var keywordsJSON, usedJSON string
	var lastAccessed sql.NullString

	err := sc.Scan(&i.ID, &i.UserID, &createdAt, &i.UserInput, &i.AIOutput,
		&blob, &keywordsJSON, &i.RelevanceScore, &usedJSON, &lastAccessed)
	if err != nil {
		return Interaction{}, err
	}

	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Interaction{}, fmt.Errorf("parsing created_at for %s: %w", i.ID, err)
	}
	i.CreatedAt = t

	if i.Embedding, err = decodeFloat32s(blob); err != nil {
		return Interaction{}, fmt.Errorf("decoding embedding for %s: %w", i.ID, err)
	}
	if err := json.Unmarshal([]byte(keywordsJSON), &i.Keywords); err != nil {
		return Interaction{}, fmt.Errorf("parsing keywords for %s: %w", i.ID, err)
	}
	if err := json.Unmarshal([]byte(usedJSON), &i.ContextUsedIDs); err != nil {
		return Interaction{}, fmt.Errorf("parsing context_used_ids for %s: %w", i.ID, err)
	}
	if lastAccessed.Valid {
		la, err := time.Parse(time.RFC3339Nano, lastAccessed.String)
		if err != nil {
			return Interaction{}, fmt.Errorf("parsing last_accessed for %s: %w", i.ID, err)
		}
		i.LastAccessed = &la
	}
	return i, nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
