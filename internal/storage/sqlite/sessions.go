package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mmynk/tabsplit/internal/models"
	"github.com/mmynk/tabsplit/internal/storage"
)

// querier is implemented by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanSession(row interface{ Scan(...any) error }) (*models.Session, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	var session models.Session
	if err := json.Unmarshal([]byte(doc), &session); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &session, nil
}

func getActive(ctx context.Context, q querier, ownerID string) (*models.Session, error) {
	return scanSession(q.QueryRowContext(ctx,
		"SELECT doc FROM sessions WHERE owner_id = ? AND status = 'active'",
		ownerID,
	))
}

func getSession(ctx context.Context, q querier, ownerID, sessionID string) (*models.Session, error) {
	return scanSession(q.QueryRowContext(ctx,
		"SELECT doc FROM sessions WHERE owner_id = ? AND id = ?",
		ownerID, sessionID,
	))
}

func insertSession(ctx context.Context, q querier, session *models.Session) error {
	doc, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	_, err = q.ExecContext(ctx,
		"INSERT INTO sessions (id, owner_id, status, saved_at, updated_at, doc) VALUES (?, ?, ?, ?, ?, ?)",
		session.ID, session.OwnerID, session.Status, nullableUnix(session.SavedAt), session.UpdatedAt.UnixNano(), string(doc),
	)
	if isUniqueViolation(err) {
		return storage.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// updateSession writes session if its stored status still equals expected.
func updateSession(ctx context.Context, q querier, session *models.Session, expected models.SessionStatus) error {
	doc, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	res, err := q.ExecContext(ctx,
		"UPDATE sessions SET status = ?, saved_at = ?, updated_at = ?, doc = ? WHERE owner_id = ? AND id = ? AND status = ?",
		session.Status, nullableUnix(session.SavedAt), session.UpdatedAt.UnixNano(), string(doc),
		session.OwnerID, session.ID, expected,
	)
	if isUniqueViolation(err) {
		return storage.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n == 0 {
		return storage.ErrConflict
	}
	return nil
}

// GetActiveSession returns the owner's active session.
func (s *SQLiteStore) GetActiveSession(ctx context.Context, ownerID string) (*models.Session, error) {
	return getActive(ctx, s.db, ownerID)
}

// GetSession retrieves one session by owner and ID.
func (s *SQLiteStore) GetSession(ctx context.Context, ownerID, sessionID string) (*models.Session, error) {
	return getSession(ctx, s.db, ownerID, sessionID)
}

// ListSavedSessions returns saved sessions, most recently saved first.
func (s *SQLiteStore) ListSavedSessions(ctx context.Context, ownerID string) ([]*models.Session, error) {
	return s.listSessions(ctx,
		"SELECT doc FROM sessions WHERE owner_id = ? AND status = 'saved' ORDER BY saved_at DESC",
		ownerID,
	)
}

// ListIdleActiveSessions returns active sessions not updated since cutoff.
func (s *SQLiteStore) ListIdleActiveSessions(ctx context.Context, cutoff time.Time) ([]*models.Session, error) {
	return s.listSessions(ctx,
		"SELECT doc FROM sessions WHERE status = 'active' AND updated_at < ? ORDER BY updated_at",
		cutoff.UnixNano(),
	)
}

func (s *SQLiteStore) listSessions(ctx context.Context, query string, args ...any) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}

// UpsertActiveSession applies fn to the active session in one transaction,
// creating the session when the owner has none.
func (s *SQLiteStore) UpsertActiveSession(ctx context.Context, ownerID string, fn storage.SessionMutation) (*models.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := getActive(ctx, tx, ownerID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return current, nil
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
		err = insertSession(ctx, tx, next)
	} else {
		next.ID = current.ID
		next.CreatedAt = current.CreatedAt
		err = updateSession(ctx, tx, next, models.SessionActive)
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return next, nil
}

func (s *SQLiteStore) archive(ctx context.Context, q querier, session *models.Session) error {
	now := s.now()
	session.Status = models.SessionSaved
	session.SavedAt = &now
	session.UpdatedAt = now
	return updateSession(ctx, q, session, models.SessionActive)
}

// ArchiveActiveSession marks the latest active session as saved.
func (s *SQLiteStore) ArchiveActiveSession(ctx context.Context, ownerID string) (*models.Session, error) {
	return s.archiveActive(ctx, ownerID, time.Time{})
}

// ArchiveIdleSession marks the active session as saved if it was not updated since cutoff.
func (s *SQLiteStore) ArchiveIdleSession(ctx context.Context, ownerID string, cutoff time.Time) (*models.Session, error) {
	return s.archiveActive(ctx, ownerID, cutoff)
}

// archiveActive archives the active session. A non-zero cutoff skips
// sessions updated at or after it.
func (s *SQLiteStore) archiveActive(ctx context.Context, ownerID string, cutoff time.Time) (*models.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := getActive(ctx, tx, ownerID)
	if err != nil {
		return nil, err
	}
	if !cutoff.IsZero() && !current.UpdatedAt.Before(cutoff) {
		return nil, storage.ErrNotFound
	}
	if err := s.archive(ctx, tx, current); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return current, nil
}

// ResumeSession archives the active session and activates sessionID atomically.
func (s *SQLiteStore) ResumeSession(ctx context.Context, ownerID, sessionID string) (*models.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	target, err := getSession(ctx, tx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	if target.Status == models.SessionActive {
		return target, nil
	}

	current, err := getActive(ctx, tx, ownerID)
	switch {
	case err == nil:
		if err := s.archive(ctx, tx, current); err != nil {
			return nil, err
		}
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	target.Status = models.SessionActive
	target.SavedAt = nil
	target.UpdatedAt = s.now()
	if err := updateSession(ctx, tx, target, models.SessionSaved); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return target, nil
}

// DeleteSession removes a session and returns the deleted document.
func (s *SQLiteStore) DeleteSession(ctx context.Context, ownerID, sessionID string) (*models.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	session, err := getSession(ctx, tx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE owner_id = ? AND id = ?", ownerID, sessionID); err != nil {
		return nil, fmt.Errorf("failed to delete session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return session, nil
}
