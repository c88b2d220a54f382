package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const entityColumns = `user_id, entity_key, name, access_count, relevance_score, mentioned_in, relationships, created_at, updated_at`

// GetEntity returns a single entity by key, scoped to the user.
func (s *Store) GetEntity(ctx context.Context, userID, key string) (Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE user_id = ? AND entity_key = ?`, userID, key)

	e, err := scanEntityFrom(row)
	if err == sql.ErrNoRows {
		return Entity{}, ErrNotFound
	}
	if err != nil {
		return Entity{}, err
	}
	return e, nil
}

// GetEntitiesByKeys returns entities matching the given keys, scoped to the
// user. Keys with no entity are silently skipped.
func (s *Store) GetEntitiesByKeys(ctx context.Context, userID string, keys []string) ([]Entity, error) {
	return getEntitiesByKeys(ctx, s.db, userID, keys)
}

// GetEntitiesByKeys is the transactional variant of Store.GetEntitiesByKeys.
func (t *Tx) GetEntitiesByKeys(ctx context.Context, userID string, keys []string) ([]Entity, error) {
	return getEntitiesByKeys(ctx, t.tx, userID, keys)
}

func getEntitiesByKeys(ctx context.Context, q querier, userID string, keys []string) ([]Entity, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(keys)+1)
	args = append(args, userID)
	for _, k := range keys {
		args = append(args, k)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE user_id = ? AND entity_key IN (?`+placeholders(len(keys))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying entities by keys: %w", err)
	}
	defer rows.Close()

	return scanEntities(rows)
}

// ListEntities returns a page of entities ordered by relevance score
// descending, then key.
func (s *Store) ListEntities(ctx context.Context, userID string, limit, offset int) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE user_id = ?
		ORDER BY relevance_score DESC, entity_key ASC LIMIT ? OFFSET ?`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing entities: %w", err)
	}
	defer rows.Close()

	return scanEntities(rows)
}

// PutEntity inserts or fully replaces an entity row.
func (t *Tx) PutEntity(ctx context.Context, e Entity) error {
	mentionedJSON, err := json.Marshal(emptyIfNil(e.MentionedIn))
	if err != nil {
		return fmt.Errorf("marshalling mentioned_in: %w", err)
	}
	relationships := e.Relationships
	if relationships == nil {
		relationships = map[string]float64{}
	}
	relJSON, err := json.Marshal(relationships)
	if err != nil {
		return fmt.Errorf("marshalling relationships: %w", err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO entities (`+entityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, entity_key) DO UPDATE SET
			name = excluded.name,
			access_count = excluded.access_count,
			relevance_score = excluded.relevance_score,
			mentioned_in = excluded.mentioned_in,
			relationships = excluded.relationships,
			updated_at = excluded.updated_at`,
		e.UserID, e.Key, e.Name, e.AccessCount, e.RelevanceScore,
		string(mentionedJSON), string(relJSON),
		e.CreatedAt.UTC().Format(time.RFC3339Nano), e.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upserting entity %s: %w", e.Key, err)
	}
	return nil
}

func scanEntities(rows *sql.Rows) ([]Entity, error) {
	var results []Entity
	for rows.Next() {
		e, err := scanEntityFrom(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

func scanEntityFrom(sc rowScanner) (Entity, error) {
	var e Entity
	var mentionedJSON, relJSON string
	var createdAt, updatedAt string

	err := sc.Scan(&e.UserID, &e.Key, &e.Name, &e.AccessCount, &e.RelevanceScore,
		&mentionedJSON, &relJSON, &createdAt, &updatedAt)
	if err != nil {
		return Entity{}, err
	}

	if err := json.Unmarshal([]byte(mentionedJSON), &e.MentionedIn); err != nil {
		return Entity{}, fmt.Errorf("parsing mentioned_in for %s: %w", e.Key, err)
	}
	if err := json.Unmarshal([]byte(relJSON), &e.Relationships); err != nil {
		return Entity{}, fmt.Errorf("parsing relationships for %s: %w", e.Key, err)
	}
	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Entity{}, fmt.Errorf("parsing created_at for %s: %w", e.Key, err)
	}
	if e.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return Entity{}, fmt.Errorf("parsing updated_at for %s: %w", e.Key, err)
	}
	return e, nil
}
