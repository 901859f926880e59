// Package collab manages collaborative sessions: creation behind a share code,
// joining, ending, and the per-member sync client.
package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmynk/tabsplit/internal/metrics"
	"github.com/mmynk/tabsplit/internal/models"
	"github.com/mmynk/tabsplit/internal/storage"
)

var (
	// ErrInvalidShareCode is returned when a share code is malformed or does not match the session.
	ErrInvalidShareCode = errors.New("invalid share code")

	// ErrSessionEnded is returned for edits and joins after the creator ended the session.
	ErrSessionEnded = storage.ErrSessionEnded

	// ErrNotCreator is returned when someone other than the creator tries to end a session.
	ErrNotCreator = errors.New("only the creator can end the session")
)

const anonymousName = "Guest"

// Participant identifies the caller. An empty UserID is an anonymous user.
type Participant struct {
	UserID string
	Name   string
}

// Anonymous reports whether the participant has no stable identity.
func (p Participant) Anonymous() bool { return p.UserID == "" }

func (p Participant) member(displayName string) models.SessionMember {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = strings.TrimSpace(displayName)
	}
	if name == "" {
		name = anonymousName
	}
	return models.SessionMember{UserID: p.UserID, Name: name, IsAnonymous: p.Anonymous()}
}

// Create stores a fresh collaborative session with the creator as first member.
func Create(ctx context.Context, store storage.CollabStore, creator Participant, initial models.EditState) (*models.CollaborativeSession, error) {
	code, err := NewShareCode()
	if err != nil {
		return nil, err
	}
	cs := &models.CollaborativeSession{
		ShareCode: code,
		Members:   []models.SessionMember{creator.member("")},
		Status:    models.CollabActive,
		CreatorID: creator.UserID,
		EditState: initial.Clone(),
	}
	if err := store.CreateCollabSession(ctx, cs); err != nil {
		return nil, fmt.Errorf("failed to create collaborative session: %w", err)
	}
	return cs, nil
}

// Share copies a private session's edit state into a new collaborative session.
// The private session is left as it is.
func Share(ctx context.Context, store storage.CollabStore, creator Participant, private *models.Session) (*models.CollaborativeSession, error) {
	var state models.EditState
	if private != nil {
		state = private.EditState
	}
	return Create(ctx, store, creator, state)
}

// Join validates the share code and appends the participant as a member.
// Membership is append-only; joining twice adds two records.
func Join(ctx context.Context, store storage.CollabStore, sessionID, shareCode string, p Participant, displayName string) (*models.CollaborativeSession, error) {
	cs, err := store.GetCollabSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if NormalizeShareCode(shareCode) != cs.ShareCode {
		return nil, ErrInvalidShareCode
	}
	if cs.Ended() {
		return nil, ErrSessionEnded
	}
	joined, err := store.AppendMember(ctx, sessionID, p.member(displayName))
	if err != nil {
		return nil, err
	}
	return joined, nil
}

// FindByShareCode discovers an active session by its code alone.
func FindByShareCode(ctx context.Context, store storage.CollabStore, shareCode string) (*models.CollaborativeSession, error) {
	code := NormalizeShareCode(shareCode)
	if !ValidShareCode(code) {
		return nil, ErrInvalidShareCode
	}
	return store.FindCollabSessionByCode(ctx, code)
}

// End marks the session ended. Only the identified creator may end it, so a
// session created anonymously can only end through idle expiry.
func End(ctx context.Context, store storage.CollabStore, sessionID, userID string, at time.Time) (*models.CollaborativeSession, error) {
	cs, err := store.GetCollabSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if userID == "" || userID != cs.CreatorID {
		return nil, ErrNotCreator
	}
	if cs.Ended() {
		return cs, nil
	}
	ended, err := store.EndCollabSession(ctx, sessionID, at)
	if err != nil {
		return nil, fmt.Errorf("failed to end collaborative session: %w", err)
	}
	metrics.SessionTransitions.WithLabelValues("end").Inc()
	return ended, nil
}
