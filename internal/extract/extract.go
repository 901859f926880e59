// Package extract turns receipt images into best-effort bill data.
package extract

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/mmynk/tabsplit/internal/models"
)

// Kind classifies extraction failures.
type Kind string

const (
	// Unauthenticated means the caller or the service credentials were rejected.
	Unauthenticated Kind = "unauthenticated"
	// InvalidImage means the input is empty or not an image.
	InvalidImage Kind = "invalid_image"
	// ExtractionFailed covers everything else, including unusable model output.
	ExtractionFailed Kind = "extraction_failed"
)

// Error is a classified extraction failure. Bill state is never touched on failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of an extraction error, or ExtractionFailed for any other error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ExtractionFailed
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Extractor reads line items, tax and tip from a receipt image.
type Extractor interface {
	Extract(ctx context.Context, image []byte, mimeType string) (*models.BillData, error)
}

// ValidateImage rejects empty or non-image input.
func ValidateImage(image []byte, mimeType string) error {
	if len(image) == 0 {
		return newError(InvalidImage, "image is empty")
	}
	if !strings.HasPrefix(strings.ToLower(mimeType), "image/") {
		return newError(InvalidImage, "unsupported content type %q", mimeType)
	}
	return nil
}

// DecodeDataURI parses data:<mime>;base64,<payload>.
func DecodeDataURI(uri string) ([]byte, string, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return nil, "", newError(InvalidImage, "not a data URI")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", newError(InvalidImage, "data URI has no payload")
	}
	mimeType, ok := strings.CutSuffix(meta, ";base64")
	if !ok {
		return nil, "", newError(InvalidImage, "data URI is not base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", &Error{Kind: InvalidImage, Err: fmt.Errorf("failed to decode data URI: %w", err)}
	}
	if err := ValidateImage(data, mimeType); err != nil {
		return nil, "", err
	}
	return data, mimeType, nil
}
