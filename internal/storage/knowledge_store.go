package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cognitivecities/neuralhub/internal/core"
)

// KnowledgeStore persists the current value of each knowledge item
type KnowledgeStore struct {
	db *DB
}

// NewKnowledgeStore creates a new knowledge store
func NewKnowledgeStore(db *DB) *KnowledgeStore {
	return &KnowledgeStore{db: db}
}

// Put inserts or replaces an item
func (s *KnowledgeStore) Put(ctx context.Context, item core.KnowledgeItem) error {
	tags, err := json.Marshal(nonNil(item.Tags))
	if err != nil {
		return err
	}

	_, err = s.db.conn.ExecContext(ctx, `
		INSERT INTO knowledge_items (
		    id, kind, content, tags, confidence, version, hash, source, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    kind = excluded.kind,
		    content = excluded.content,
		    tags = excluded.tags,
		    confidence = excluded.confidence,
		    version = excluded.version,
		    hash = excluded.hash,
		    source = excluded.source,
		    created_at = excluded.created_at,
		    updated_at = excluded.updated_at
	`,
		item.ID, item.Kind, item.Content, string(tags), item.Confidence,
		int64(item.Version), item.Hash, item.Source,
		core.UnixMillis(item.CreatedAt), core.UnixMillis(item.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put knowledge %q: %w", item.ID, err)
	}
	return nil
}

// All returns every stored item ordered by id
func (s *KnowledgeStore) All(ctx context.Context) ([]core.KnowledgeItem, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT id, kind, content, tags, confidence, version, hash, source, created_at, updated_at
		FROM knowledge_items
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []core.KnowledgeItem
	for rows.Next() {
		var item core.KnowledgeItem
		var tags string
		var version, createdAt, updatedAt int64
		if err := rows.Scan(
			&item.ID, &item.Kind, &item.Content, &tags, &item.Confidence,
			&version, &item.Hash, &item.Source, &createdAt, &updatedAt,
		); err != nil {
			return nil, err
		}
		item.Version = uint64(version)
		item.CreatedAt = core.FromMillis(createdAt)
		item.UpdatedAt = core.FromMillis(updatedAt)
		json.Unmarshal([]byte(tags), &item.Tags)
		items = append(items, item)
	}
	return items, rows.Err()
}

// Delete removes an item. Deleting a missing item is not an error.
func (s *KnowledgeStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.conn.ExecContext(ctx, `DELETE FROM knowledge_items WHERE id = ?`, id)
	return err
}
