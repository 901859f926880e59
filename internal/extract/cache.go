package extract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/mmynk/tabsplit/internal/metrics"
	"github.com/mmynk/tabsplit/internal/models"
	"github.com/mmynk/tabsplit/internal/storage"
)

// CachingExtractor remembers results by image content and collapses
// concurrent extractions of the same image into one call.
type CachingExtractor struct {
	inner Extractor
	cache storage.ExtractionCache
	group singleflight.Group
	log   *slog.Logger
}

var _ Extractor = (*CachingExtractor)(nil)

// NewCachingExtractor wraps inner with cache.
func NewCachingExtractor(inner Extractor, cache storage.ExtractionCache, logger *slog.Logger) *CachingExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachingExtractor{inner: inner, cache: cache, log: logger}
}

// ImageHash is the cache key for an image.
func ImageHash(image []byte) string {
	sum := sha256.Sum256(image)
	return hex.EncodeToString(sum[:])
}

// Extract returns a cached result or calls the wrapped extractor. Failures are not cached.
func (c *CachingExtractor) Extract(ctx context.Context, image []byte, mimeType string) (*models.BillData, error) {
	if err := ValidateImage(image, mimeType); err != nil {
		metrics.Extractions.WithLabelValues(string(InvalidImage)).Inc()
		return nil, err
	}
	hash := ImageHash(image)

	cached, err := c.cache.GetExtraction(ctx, hash)
	switch {
	case err == nil:
		metrics.Extractions.WithLabelValues("cache_hit").Inc()
		return cached, nil
	case !errors.Is(err, storage.ErrNotFound):
		c.log.Warn("Failed to read extraction cache", "hash", hash, "error", err)
	}

	v, err, _ := c.group.Do(hash, func() (any, error) {
		data, err := c.inner.Extract(ctx, image, mimeType)
		if err != nil {
			return nil, err
		}
		if err := c.cache.PutExtraction(ctx, hash, data); err != nil {
			c.log.Warn("Failed to cache extraction", "hash", hash, "error", err)
		}
		return data, nil
	})
	if err != nil {
		metrics.Extractions.WithLabelValues(string(KindOf(err))).Inc()
		return nil, err
	}
	metrics.Extractions.WithLabelValues("ok").Inc()

	// Callers share the singleflight result; hand each its own copy.
	data := *v.(*models.BillData)
	data.Items = append([]models.BillDataItem(nil), data.Items...)
	return &data, nil
}
