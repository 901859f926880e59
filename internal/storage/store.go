// Package storage provides abstractions for persistent session storage.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/mmynk/tabsplit/internal/models"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an atomic operation lost a race, e.g. a second
	// active session would have been created for the same owner.
	ErrConflict = errors.New("concurrent update conflict")

	// ErrSessionEnded is returned for writes to an ended collaborative session.
	ErrSessionEnded = errors.New("collaborative session has ended")
)

// SessionMutation edits the current active session inside an atomic
// read-modify-write. current is nil when the owner has no active session; the
// returned session is what gets written.
type SessionMutation func(current *models.Session) (*models.Session, error)

// SessionStore persists private sessions keyed by (ownerID, sessionID).
// Implementations guarantee at most one active session per owner.
type SessionStore interface {
	// GetActiveSession returns the owner's active session or ErrNotFound.
	GetActiveSession(ctx context.Context, ownerID string) (*models.Session, error)

	// GetSession returns one session or ErrNotFound.
	GetSession(ctx context.Context, ownerID, sessionID string) (*models.Session, error)

	// ListSavedSessions returns saved sessions, most recently saved first.
	ListSavedSessions(ctx context.Context, ownerID string) ([]*models.Session, error)

	// ListIdleActiveSessions returns every owner's active session not updated since the cutoff.
	ListIdleActiveSessions(ctx context.Context, cutoff time.Time) ([]*models.Session, error)

	// UpsertActiveSession atomically reads the active session, applies fn and
	// writes the result, creating the session when none exists. A racing
	// creation yields ErrConflict and nothing is written.
	UpsertActiveSession(ctx context.Context, ownerID string, fn SessionMutation) (*models.Session, error)

	// ArchiveActiveSession flips the latest active document to saved with a
	// store-assigned timestamp. Returns ErrNotFound when nothing is active.
	ArchiveActiveSession(ctx context.Context, ownerID string) (*models.Session, error)

	// ArchiveIdleSession archives the active session only if it was last
	// updated before cutoff, checked inside the same transaction. Returns
	// ErrNotFound when nothing is active or the session is no longer idle.
	ArchiveIdleSession(ctx context.Context, ownerID string, cutoff time.Time) (*models.Session, error)

	// ResumeSession archives the current active session (if any) and activates
	// the saved session in one transaction.
	ResumeSession(ctx context.Context, ownerID, sessionID string) (*models.Session, error)

	// DeleteSession removes the document and returns what was deleted.
	DeleteSession(ctx context.Context, ownerID, sessionID string) (*models.Session, error)
}

// Subscription delivers every committed version of one collaborative session.
// Close releases it; Updates is closed afterwards.
type Subscription interface {
	Updates() <-chan *models.CollaborativeSession
	Close() error
}

// CollabStore persists collaborative sessions keyed by ID and discoverable by share code.
type CollabStore interface {
	CreateCollabSession(ctx context.Context, s *models.CollaborativeSession) error
	GetCollabSession(ctx context.Context, sessionID string) (*models.CollaborativeSession, error)
	FindCollabSessionByCode(ctx context.Context, shareCode string) (*models.CollaborativeSession, error)

	// AppendMember atomically appends a member; fails with ErrSessionEnded after the end.
	AppendMember(ctx context.Context, sessionID string, member models.SessionMember) (*models.CollaborativeSession, error)

	// UpdateCollabFields writes only the fields set in u and stamps lastActivity.
	// Fails with ErrSessionEnded after the end.
	UpdateCollabFields(ctx context.Context, sessionID string, u EditUpdate, at time.Time) (*models.CollaborativeSession, error)

	// EndCollabSession sets the status to ended.
	EndCollabSession(ctx context.Context, sessionID string, at time.Time) (*models.CollaborativeSession, error)

	// ListIdleCollabSessions returns active sessions with no activity since the cutoff.
	ListIdleCollabSessions(ctx context.Context, cutoff time.Time) ([]*models.CollaborativeSession, error)

	// SubscribeCollabSession pushes the current document and every later commit.
	SubscribeCollabSession(ctx context.Context, sessionID string) (Subscription, error)
}

// FriendStore is the Squad/Friends address book.
type FriendStore interface {
	CreateFriend(ctx context.Context, f *models.Friend) error
	ListFriends(ctx context.Context, ownerID string) ([]*models.Friend, error)
	UpdateFriend(ctx context.Context, f *models.Friend) error
	DeleteFriend(ctx context.Context, ownerID, friendID string) error
	CreateSquad(ctx context.Context, s *models.Squad) error
	ListSquads(ctx context.Context, ownerID string) ([]*models.Squad, error)
	DeleteSquad(ctx context.Context, ownerID, squadID string) error
}

// ExtractionCache stores receipt extraction results keyed by image content hash.
type ExtractionCache interface {
	GetExtraction(ctx context.Context, hash string) (*models.BillData, error)
	PutExtraction(ctx context.Context, hash string, data *models.BillData) error
}

// Store is everything a backend provides.
type Store interface {
	SessionStore
	CollabStore
	FriendStore
	ExtractionCache

	// Close releases any resources held by the store.
	Close() error
}
