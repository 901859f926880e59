package firestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mmynk/tabsplit/internal/models"
	"github.com/mmynk/tabsplit/internal/storage"
)

func collabData(cs *models.CollaborativeSession) (map[string]any, error) {
	data, err := toDoc(cs)
	if err != nil {
		return nil, err
	}
	data[lastActivityNanosField] = cs.LastActivity.UnixNano()
	return data, nil
}

// collabUpdates converts the fields present in u into Firestore field updates.
func collabUpdates(u storage.EditUpdate) ([]firestore.Update, error) {
	fields := map[string]any{}
	if u.ClearBill {
		fields["bill"] = nil
	}
	if u.Bill != nil {
		fields["bill"] = u.Bill
	}
	if u.SetAssignments {
		fields["assignments"] = u.Assignments
	}
	if u.SetPeople {
		fields["people"] = u.People
	}
	if u.CustomTip != nil {
		fields["customTip"] = *u.CustomTip
	}
	if u.CustomTax != nil {
		fields["customTax"] = *u.CustomTax
	}
	if u.AssignmentMode != nil {
		fields["assignmentMode"] = string(*u.AssignmentMode)
	}
	if u.SplitEvenly != nil {
		fields["splitEvenly"] = *u.SplitEvenly
	}

	updates := make([]firestore.Update, 0, len(fields)+2)
	for path, v := range fields {
		value, err := toValue(v)
		if err != nil {
			return nil, err
		}
		updates = append(updates, firestore.Update{Path: path, Value: value})
	}
	return updates, nil
}

func activityUpdates(at time.Time) []firestore.Update {
	return []firestore.Update{
		{Path: "lastActivity", Value: at.Format(time.RFC3339Nano)},
		{Path: lastActivityNanosField, Value: at.UnixNano()},
	}
}

// CreateCollabSession persists a new collaborative session.
func (s *Store) CreateCollabSession(ctx context.Context, cs *models.CollaborativeSession) error {
	if cs.ID == "" {
		cs.ID = uuid.New().String()
	}
	now := s.now()
	if cs.CreatedAt.IsZero() {
		cs.CreatedAt = now
	}
	cs.LastActivity = now

	data, err := collabData(cs)
	if err != nil {
		return err
	}
	if _, err := s.collabDoc(cs.ID).Create(ctx, data); err != nil {
		return fmt.Errorf("failed to create collaborative session: %w", err)
	}
	return nil
}

// GetCollabSession retrieves a collaborative session by ID.
func (s *Store) GetCollabSession(ctx context.Context, sessionID string) (*models.CollaborativeSession, error) {
	return decodeSnapshot[models.CollaborativeSession](s.collabDoc(sessionID).Get(ctx))
}

// FindCollabSessionByCode returns the most recently active session with the share code.
func (s *Store) FindCollabSessionByCode(ctx context.Context, shareCode string) (*models.CollaborativeSession, error) {
	q := s.client.Collection(collabCollection).
		Where("shareCode", "==", shareCode).
		Where("status", "==", string(models.CollabActive)).
		OrderBy(lastActivityNanosField, firestore.Desc).
		Limit(1)
	found, err := listDocs[models.CollaborativeSession](ctx, q)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, storage.ErrNotFound
	}
	return found[0], nil
}

// mutateCollab reads the session in a transaction, lets check reject the
// write, then applies updates. It returns the document as committed.
func (s *Store) mutateCollab(ctx context.Context, sessionID string, build func(cs *models.CollaborativeSession) ([]firestore.Update, error)) (*models.CollaborativeSession, error) {
	ref := s.collabDoc(sessionID)
	var result *models.CollaborativeSession
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		cs, err := decodeSnapshot[models.CollaborativeSession](tx.Get(ref))
		if err != nil {
			return err
		}
		updates, err := build(cs)
		if err != nil {
			return err
		}
		if err := tx.Update(ref, updates); err != nil {
			return err
		}
		result = cs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AppendMember appends a member record. Membership is append-only and not
// deduplicated, so the whole array is rewritten rather than unioned.
func (s *Store) AppendMember(ctx context.Context, sessionID string, member models.SessionMember) (*models.CollaborativeSession, error) {
	return s.mutateCollab(ctx, sessionID, func(cs *models.CollaborativeSession) ([]firestore.Update, error) {
		if cs.Ended() {
			return nil, storage.ErrSessionEnded
		}
		now := s.now()
		if member.JoinedAt.IsZero() {
			member.JoinedAt = now
		}
		cs.Members = append(cs.Members, member)
		cs.LastActivity = now
		members, err := toValue(cs.Members)
		if err != nil {
			return nil, err
		}
		return append(activityUpdates(now), firestore.Update{Path: "members", Value: members}), nil
	})
}

// UpdateCollabFields writes only the fields present in u. Fields a concurrent
// writer changed and u does not carry are left as that writer set them.
func (s *Store) UpdateCollabFields(ctx context.Context, sessionID string, u storage.EditUpdate, at time.Time) (*models.CollaborativeSession, error) {
	return s.mutateCollab(ctx, sessionID, func(cs *models.CollaborativeSession) ([]firestore.Update, error) {
		if cs.Ended() {
			return nil, storage.ErrSessionEnded
		}
		updates, err := collabUpdates(u)
		if err != nil {
			return nil, err
		}
		u.Apply(&cs.EditState)
		cs.LastActivity = at
		return append(updates, activityUpdates(at)...), nil
	})
}

// EndCollabSession sets the session status to ended.
func (s *Store) EndCollabSession(ctx context.Context, sessionID string, at time.Time) (*models.CollaborativeSession, error) {
	return s.mutateCollab(ctx, sessionID, func(cs *models.CollaborativeSession) ([]firestore.Update, error) {
		cs.Status = models.CollabEnded
		cs.LastActivity = at
		return append(activityUpdates(at), firestore.Update{Path: "status", Value: string(models.CollabEnded)}), nil
	})
}

// ListIdleCollabSessions returns active sessions without activity since cutoff.
func (s *Store) ListIdleCollabSessions(ctx context.Context, cutoff time.Time) ([]*models.CollaborativeSession, error) {
	q := s.client.Collection(collabCollection).
		Where("status", "==", string(models.CollabActive)).
		Where(lastActivityNanosField, "<", cutoff.UnixNano())
	return listDocs[models.CollaborativeSession](ctx, q)
}

// snapshotSubscription adapts a Firestore snapshot listener to storage.Subscription.
type snapshotSubscription struct {
	ch     chan *models.CollaborativeSession
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *snapshotSubscription) Updates() <-chan *models.CollaborativeSession { return s.ch }

func (s *snapshotSubscription) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}

// listenerFailed reports whether a snapshot iterator stopped for a reason other
// than the subscription being closed.
func listenerFailed(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return false
	}
	return status.Code(err) != codes.Canceled
}

// SubscribeCollabSession streams the document through a Firestore snapshot
// listener. The first snapshot is the current document.
func (s *Store) SubscribeCollabSession(ctx context.Context, sessionID string) (storage.Subscription, error) {
	if _, err := s.GetCollabSession(ctx, sessionID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &snapshotSubscription{
		ch:     make(chan *models.CollaborativeSession, 16),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	it := s.collabDoc(sessionID).Snapshots(ctx)

	go func() {
		defer close(sub.done)
		defer close(sub.ch)
		defer it.Stop()
		for {
			snap, err := it.Next()
			if err != nil {
				if listenerFailed(ctx, err) {
					slog.Warn("Collaborative session listener stopped", "session_id", sessionID, "error", err)
				}
				return
			}
			if !snap.Exists() {
				continue
			}
			var cs models.CollaborativeSession
			if err := fromDoc(snap.Data(), &cs); err != nil {
				slog.Warn("Skipping undecodable collaborative session snapshot", "session_id", sessionID, "error", err)
				continue
			}
			select {
			case sub.ch <- &cs:
			case <-ctx.Done():
				return
			}
		}
	}()
	return sub, nil
}
