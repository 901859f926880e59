package models

import (
	"slices"
	"time"
)

// CollabStatus is the lifecycle state of a collaborative session.
type CollabStatus string

const (
	CollabActive CollabStatus = "active"
	CollabEnded  CollabStatus = "ended"
)

// SessionMember is one participant who joined a collaborative session.
// Membership is append-only.
type SessionMember struct {
	UserID      string    `json:"userId,omitempty"`
	Name        string    `json:"name"`
	IsAnonymous bool      `json:"isAnonymous"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// CollaborativeSession is a workspace shared by everyone holding its share code.
// No single member owns the document after creation; any member may edit the
// shared fields until the creator ends it.
type CollaborativeSession struct {
	ID string `json:"id"`

	// ShareCode gates joining. Fixed length, human-enterable.
	ShareCode string `json:"shareCode"`

	Members []SessionMember `json:"members"`

	Status CollabStatus `json:"status"`

	// CreatorID is empty when an anonymous user created the session.
	CreatorID string `json:"creatorId,omitempty"`

	IsPublic bool `json:"isPublic"`

	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`

	EditState
}

// Ended reports whether the session is a read-only historical artifact.
func (s *CollaborativeSession) Ended() bool {
	return s.Status == CollabEnded
}

// Clone returns a deep copy.
func (s *CollaborativeSession) Clone() *CollaborativeSession {
	if s == nil {
		return nil
	}
	c := *s
	c.Members = slices.Clone(s.Members)
	c.EditState = s.EditState.Clone()
	return &c
}
