package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"

	"github.com/mmynk/tabsplit/internal/models"
	"github.com/mmynk/tabsplit/internal/storage"
)

func sessionData(session *models.Session) (map[string]any, error) {
	data, err := toDoc(session)
	if err != nil {
		return nil, err
	}
	data[savedAtNanosField] = unixNanos(session.SavedAt)
	data[updatedAtNanosField] = session.UpdatedAt.UnixNano()
	return data, nil
}

// activeID reads the owner's active session pointer inside tx.
func (s *Store) activeID(tx *firestore.Transaction, ownerID string) (string, error) {
	snap, err := tx.Get(s.userDoc(ownerID))
	if isNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get owner: %w", err)
	}
	id, _ := snap.Data()[activeSessionField].(string)
	return id, nil
}

// activeSession reads the owner's active session inside tx. It returns nil
// without error when nothing is active.
func (s *Store) activeSession(tx *firestore.Transaction, ownerID string) (*models.Session, error) {
	id, err := s.activeID(tx, ownerID)
	if err != nil || id == "" {
		return nil, err
	}
	session, err := decodeSnapshot[models.Session](tx.Get(s.sessionDoc(ownerID, id)))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return session, err
}

func (s *Store) putSession(tx *firestore.Transaction, session *models.Session) error {
	data, err := sessionData(session)
	if err != nil {
		return err
	}
	return tx.Set(s.sessionDoc(session.OwnerID, session.ID), data)
}

func (s *Store) setActive(tx *firestore.Transaction, ownerID, sessionID string) error {
	var value any = sessionID
	if sessionID == "" {
		value = firestore.Delete
	}
	return tx.Set(s.userDoc(ownerID), map[string]any{activeSessionField: value}, firestore.MergeAll)
}

// GetActiveSession returns the owner's active session.
func (s *Store) GetActiveSession(ctx context.Context, ownerID string) (*models.Session, error) {
	var session *models.Session
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var err error
		session, err = s.activeSession(tx, ownerID)
		return err
	}, firestore.ReadOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to get active session: %w", err)
	}
	if session == nil {
		return nil, storage.ErrNotFound
	}
	return session, nil
}

// GetSession retrieves one session by owner and ID.
func (s *Store) GetSession(ctx context.Context, ownerID, sessionID string) (*models.Session, error) {
	return decodeSnapshot[models.Session](s.sessionDoc(ownerID, sessionID).Get(ctx))
}

// ListSavedSessions returns saved sessions, most recently saved first.
func (s *Store) ListSavedSessions(ctx context.Context, ownerID string) ([]*models.Session, error) {
	q := s.userDoc(ownerID).Collection(sessionsCollection).
		Where("status", "==", string(models.SessionSaved)).
		OrderBy(savedAtNanosField, firestore.Desc)
	return listDocs[models.Session](ctx, q)
}

// ListIdleActiveSessions returns active sessions of every owner not updated since cutoff.
func (s *Store) ListIdleActiveSessions(ctx context.Context, cutoff time.Time) ([]*models.Session, error) {
	q := s.client.CollectionGroup(sessionsCollection).
		Where("status", "==", string(models.SessionActive)).
		Where(updatedAtNanosField, "<", cutoff.UnixNano())
	return listDocs[models.Session](ctx, q)
}

func listDocs[T any](ctx context.Context, q firestore.Query) ([]*T, error) {
	snaps, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	out := make([]*T, 0, len(snaps))
	for _, snap := range snaps {
		var v T
		if err := fromDoc(snap.Data(), &v); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, nil
}

// UpsertActiveSession applies fn to the active session in one transaction.
// The owner document's active pointer is read in the same transaction, so two
// racing creators contend on it and the loser retries against the winner.
func (s *Store) UpsertActiveSession(ctx context.Context, ownerID string, fn storage.SessionMutation) (*models.Session, error) {
	var result *models.Session
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		current, err := s.activeSession(tx, ownerID)
		if err != nil {
			return err
		}

		next, err := fn(current.Clone())
		if err != nil {
			return err
		}
		if next == nil {
			result = current
			return nil
		}

		now := s.now()
		next.OwnerID = ownerID
		next.Status = models.SessionActive
		next.SavedAt = nil
		next.UpdatedAt = now
		if current == nil {
			if next.ID == "" {
				next.ID = uuid.New().String()
			}
			next.CreatedAt = now
		} else {
			next.ID = current.ID
			next.CreatedAt = current.CreatedAt
		}

		if err := s.putSession(tx, next); err != nil {
			return err
		}
		if current == nil {
			if err := s.setActive(tx, ownerID, next.ID); err != nil {
				return err
			}
		}
		result = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) archive(tx *firestore.Transaction, session *models.Session) error {
	now := s.now()
	session.Status = models.SessionSaved
	session.SavedAt = &now
	session.UpdatedAt = now
	return s.putSession(tx, session)
}

// ArchiveActiveSession marks the latest active session as saved.
func (s *Store) ArchiveActiveSession(ctx context.Context, ownerID string) (*models.Session, error) {
	return s.archiveActive(ctx, ownerID, time.Time{})
}

// ArchiveIdleSession marks the active session as saved if it was not updated since cutoff.
func (s *Store) ArchiveIdleSession(ctx context.Context, ownerID string, cutoff time.Time) (*models.Session, error) {
	return s.archiveActive(ctx, ownerID, cutoff)
}

func (s *Store) archiveActive(ctx context.Context, ownerID string, cutoff time.Time) (*models.Session, error) {
	var result *models.Session
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		current, err := s.activeSession(tx, ownerID)
		if err != nil {
			return err
		}
		if current == nil {
			return storage.ErrNotFound
		}
		if !cutoff.IsZero() && !current.UpdatedAt.Before(cutoff) {
			return storage.ErrNotFound
		}
		if err := s.archive(tx, current); err != nil {
			return err
		}
		result = current
		return s.setActive(tx, ownerID, "")
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ResumeSession archives the active session and activates sessionID atomically.
func (s *Store) ResumeSession(ctx context.Context, ownerID, sessionID string) (*models.Session, error) {
	var result *models.Session
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		target, err := decodeSnapshot[models.Session](tx.Get(s.sessionDoc(ownerID, sessionID)))
		if err != nil {
			return err
		}
		current, err := s.activeSession(tx, ownerID)
		if err != nil {
			return err
		}
		if target.Status == models.SessionActive {
			result = target
			return nil
		}

		if current != nil {
			if err := s.archive(tx, current); err != nil {
				return err
			}
		}
		target.Status = models.SessionActive
		target.SavedAt = nil
		target.UpdatedAt = s.now()
		if err := s.putSession(tx, target); err != nil {
			return err
		}
		result = target
		return s.setActive(tx, ownerID, target.ID)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteSession removes a session and returns the deleted document.
func (s *Store) DeleteSession(ctx context.Context, ownerID, sessionID string) (*models.Session, error) {
	var result *models.Session
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref := s.sessionDoc(ownerID, sessionID)
		session, err := decodeSnapshot[models.Session](tx.Get(ref))
		if err != nil {
			return err
		}
		activeID, err := s.activeID(tx, ownerID)
		if err != nil {
			return err
		}
		if err := tx.Delete(ref); err != nil {
			return err
		}
		if activeID == sessionID {
			if err := s.setActive(tx, ownerID, ""); err != nil {
				return err
			}
		}
		result = session
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
