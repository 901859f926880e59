package firestore

import (
	"context"
	"fmt"
	"time"

	"github.com/mmynk/tabsplit/internal/models"
)

type cacheEntry struct {
	Data      *models.BillData `json:"data"`
	CreatedAt time.Time        `json:"createdAt"`
}

// GetExtraction returns a cached extraction result by image hash.
func (s *Store) GetExtraction(ctx context.Context, hash string) (*models.BillData, error) {
	entry, err := decodeSnapshot[cacheEntry](s.client.Collection(cacheCollection).Doc(hash).Get(ctx))
	if err != nil {
		return nil, err
	}
	return entry.Data, nil
}

// PutExtraction stores an extraction result, replacing any previous entry.
func (s *Store) PutExtraction(ctx context.Context, hash string, data *models.BillData) error {
	doc, err := toDoc(cacheEntry{Data: data, CreatedAt: s.now()})
	if err != nil {
		return err
	}
	if _, err := s.client.Collection(cacheCollection).Doc(hash).Set(ctx, doc); err != nil {
		return fmt.Errorf("failed to cache extraction: %w", err)
	}
	return nil
}
