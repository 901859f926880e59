// Package blob stores receipt images outside the document store.
package blob

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned when deleting or reading a key that does not exist.
var ErrNotFound = errors.New("blob not found")

// Store uploads and deletes opaque blobs by key.
type Store interface {
	// Put stores data under key and returns a URL that serves it.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)

	// Delete removes the blob. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Key returns a fresh per-owner key for a receipt image of the given content type.
func Key(ownerID, contentType string) string {
	return fmt.Sprintf("receipts/%s/%s%s", ownerID, uuid.New().String(), extension(contentType))
}

func extension(contentType string) string {
	switch strings.ToLower(contentType) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/heic":
		return ".heic"
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
