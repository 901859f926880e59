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

func scanCollab(row interface{ Scan(...any) error }) (*models.CollaborativeSession, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan collaborative session: %w", err)
	}
	var cs models.CollaborativeSession
	if err := json.Unmarshal([]byte(doc), &cs); err != nil {
		return nil, fmt.Errorf("failed to decode collaborative session: %w", err)
	}
	return &cs, nil
}

func getCollab(ctx context.Context, q querier, sessionID string) (*models.CollaborativeSession, error) {
	return scanCollab(q.QueryRowContext(ctx, "SELECT doc FROM collab_sessions WHERE id = ?", sessionID))
}

func writeCollab(ctx context.Context, q querier, cs *models.CollaborativeSession) error {
	doc, err := json.Marshal(cs)
	if err != nil {
		return fmt.Errorf("failed to encode collaborative session: %w", err)
	}
	_, err = q.ExecContext(ctx,
		"UPDATE collab_sessions SET status = ?, last_activity = ?, doc = ? WHERE id = ?",
		cs.Status, cs.LastActivity.UnixNano(), string(doc), cs.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update collaborative session: %w", err)
	}
	return nil
}

// CreateCollabSession persists a new collaborative session.
func (s *SQLiteStore) CreateCollabSession(ctx context.Context, cs *models.CollaborativeSession) error {
	if cs.ID == "" {
		cs.ID = uuid.New().String()
	}
	now := s.now()
	if cs.CreatedAt.IsZero() {
		cs.CreatedAt = now
	}
	cs.LastActivity = now

	doc, err := json.Marshal(cs)
	if err != nil {
		return fmt.Errorf("failed to encode collaborative session: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO collab_sessions (id, share_code, status, last_activity, doc) VALUES (?, ?, ?, ?, ?)",
		cs.ID, cs.ShareCode, cs.Status, cs.LastActivity.UnixNano(), string(doc),
	)
	if isUniqueViolation(err) {
		return storage.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert collaborative session: %w", err)
	}
	return nil
}

// GetCollabSession retrieves a collaborative session by ID.
func (s *SQLiteStore) GetCollabSession(ctx context.Context, sessionID string) (*models.CollaborativeSession, error) {
	return getCollab(ctx, s.db, sessionID)
}

// FindCollabSessionByCode returns the newest active session with the share code.
func (s *SQLiteStore) FindCollabSessionByCode(ctx context.Context, shareCode string) (*models.CollaborativeSession, error) {
	return scanCollab(s.db.QueryRowContext(ctx,
		"SELECT doc FROM collab_sessions WHERE share_code = ? AND status = 'active' ORDER BY last_activity DESC LIMIT 1",
		shareCode,
	))
}

// mutateCollab runs fn against the latest document inside a transaction and
// publishes the committed result.
func (s *SQLiteStore) mutateCollab(ctx context.Context, sessionID string, fn func(cs *models.CollaborativeSession) error) (*models.CollaborativeSession, error) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	cs, err := getCollab(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := fn(cs); err != nil {
		return nil, err
	}
	if err := writeCollab(ctx, tx, cs); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.hub.Publish(cs)
	return cs, nil
}

// AppendMember appends a member record. Membership is append-only.
func (s *SQLiteStore) AppendMember(ctx context.Context, sessionID string, member models.SessionMember) (*models.CollaborativeSession, error) {
	return s.mutateCollab(ctx, sessionID, func(cs *models.CollaborativeSession) error {
		if cs.Ended() {
			return storage.ErrSessionEnded
		}
		if member.JoinedAt.IsZero() {
			member.JoinedAt = s.now()
		}
		cs.Members = append(cs.Members, member)
		cs.LastActivity = s.now()
		return nil
	})
}

// UpdateCollabFields writes only the fields present in u.
func (s *SQLiteStore) UpdateCollabFields(ctx context.Context, sessionID string, u storage.EditUpdate, at time.Time) (*models.CollaborativeSession, error) {
	return s.mutateCollab(ctx, sessionID, func(cs *models.CollaborativeSession) error {
		if cs.Ended() {
			return storage.ErrSessionEnded
		}
		u.Apply(&cs.EditState)
		cs.LastActivity = at
		return nil
	})
}

// EndCollabSession sets the session status to ended.
func (s *SQLiteStore) EndCollabSession(ctx context.Context, sessionID string, at time.Time) (*models.CollaborativeSession, error) {
	return s.mutateCollab(ctx, sessionID, func(cs *models.CollaborativeSession) error {
		cs.Status = models.CollabEnded
		cs.LastActivity = at
		return nil
	})
}

// ListIdleCollabSessions returns active sessions without activity since cutoff.
func (s *SQLiteStore) ListIdleCollabSessions(ctx context.Context, cutoff time.Time) ([]*models.CollaborativeSession, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT doc FROM collab_sessions WHERE status = 'active' AND last_activity < ? ORDER BY last_activity",
		cutoff.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list collaborative sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.CollaborativeSession
	for rows.Next() {
		cs, err := scanCollab(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate collaborative sessions: %w", err)
	}
	return out, nil
}

// ctxSubscription closes the hub subscription when its context is done.
type ctxSubscription struct {
	storage.Subscription
	stop func() bool
}

func (c *ctxSubscription) Close() error {
	c.stop()
	return c.Subscription.Close()
}

// SubscribeCollabSession delivers the current document and every later commit
// until the subscription is closed or ctx is done.
func (s *SQLiteStore) SubscribeCollabSession(ctx context.Context, sessionID string) (storage.Subscription, error) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	cs, err := getCollab(ctx, s.db, sessionID)
	if err != nil {
		return nil, err
	}
	sub := s.hub.Subscribe(cs)
	stop := context.AfterFunc(ctx, func() { sub.Close() })
	return &ctxSubscription{Subscription: sub, stop: stop}, nil
}
