// Package firestore provides a Cloud Firestore implementation of the storage.Store interface.
//
// Layout:
//
//	users/{owner}                    {activeSessionId}
//	users/{owner}/sessions/{id}      private sessions
//	users/{owner}/friends/{id}       friend directory
//	users/{owner}/squads/{id}        squads
//	collabSessions/{id}              collaborative sessions
//	receiptCache/{hash}              extraction results
//
// Documents are written by converting the JSON form of the models into Firestore
// maps, so money values keep their exact decimal string representation.
package firestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mmynk/tabsplit/internal/storage"
)

// Ensure Store implements storage.Store
var _ storage.Store = (*Store)(nil)

const (
	usersCollection    = "users"
	sessionsCollection = "sessions"
	friendsCollection  = "friends"
	squadsCollection   = "squads"
	collabCollection   = "collabSessions"
	cacheCollection    = "receiptCache"

	// Numeric copies of timestamps used for range queries and ordering.
	savedAtNanosField      = "savedAtNanos"
	updatedAtNanosField    = "updatedAtNanos"
	lastActivityNanosField = "lastActivityNanos"

	activeSessionField = "activeSessionId"
)

// Store implements storage.Store on Cloud Firestore.
type Store struct {
	client *firestore.Client
	now    func() time.Time
}

// New connects to the Firestore database of the given project.
func New(ctx context.Context, projectID string, opts ...option.ClientOption) (*Store, error) {
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	return &Store{client: client, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the client connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) userDoc(ownerID string) *firestore.DocumentRef {
	return s.client.Collection(usersCollection).Doc(ownerID)
}

func (s *Store) sessionDoc(ownerID, sessionID string) *firestore.DocumentRef {
	return s.userDoc(ownerID).Collection(sessionsCollection).Doc(sessionID)
}

func (s *Store) collabDoc(sessionID string) *firestore.DocumentRef {
	return s.client.Collection(collabCollection).Doc(sessionID)
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// toDoc converts a model into a Firestore map through its JSON form.
func toDoc(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return doc, nil
}

// toValue converts a single field value the same way toDoc converts documents.
func toValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode field: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to encode field: %w", err)
	}
	return out, nil
}

// fromDoc decodes Firestore data into a model. Index fields are ignored.
func fromDoc(data map[string]any, v any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	return nil
}

func decodeSnapshot[T any](snap *firestore.DocumentSnapshot, err error) (*T, error) {
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	if !snap.Exists() {
		return nil, storage.ErrNotFound
	}
	var v T
	if err := fromDoc(snap.Data(), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func unixNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
