package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mmynk/tabsplit/internal/models"
	"github.com/mmynk/tabsplit/internal/storage"
)

// GetExtraction returns a cached extraction result by image hash.
func (s *SQLiteStore) GetExtraction(ctx context.Context, hash string) (*models.BillData, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM extraction_cache WHERE hash = ?", hash).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cached extraction: %w", err)
	}
	var data models.BillData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("failed to decode cached extraction: %w", err)
	}
	return &data, nil
}

// PutExtraction stores an extraction result, replacing any previous entry.
func (s *SQLiteStore) PutExtraction(ctx context.Context, hash string, data *models.BillData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode extraction: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO extraction_cache (hash, data, created_at) VALUES (?, ?, ?) ON CONFLICT(hash) DO UPDATE SET data = excluded.data",
		hash, string(raw), s.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to cache extraction: %w", err)
	}
	return nil
}
