package models

import (
	"slices"
	"time"
)

// AssignmentMode is the presentation preference for assigning items.
type AssignmentMode string

const (
	// AssignByItem picks people for each item.
	AssignByItem AssignmentMode = "item"
	// AssignByPerson picks items for each person.
	AssignByPerson AssignmentMode = "person"
)

// SessionStatus is the lifecycle state of a private session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionSaved  SessionStatus = "saved"
)

// EditState holds the fields shared by private and collaborative sessions.
// The Bill Edit Model mutates it; the session managers persist it.
type EditState struct {
	Bill           *Bill          `json:"bill"`
	Assignments    Assignments    `json:"assignments"`
	People         []Person       `json:"people"`
	CustomTip      string         `json:"customTip"`
	CustomTax      string         `json:"customTax"`
	AssignmentMode AssignmentMode `json:"assignmentMode"`
	SplitEvenly    bool           `json:"splitEvenly"`
}

// Clone returns a deep copy of the edit state.
func (s EditState) Clone() EditState {
	c := s
	c.Bill = s.Bill.Clone()
	c.Assignments = s.Assignments.Clone()
	c.People = slices.Clone(s.People)
	return c
}

// ReceiptImageRef points at the uploaded receipt image blob.
type ReceiptImageRef struct {
	URL        string `json:"url"`
	StorageKey string `json:"storageKey"`
}

// Session is a private workspace owned by exactly one user.
//
// At most one session per owner is active; any number may be saved.
type Session struct {
	// ID is the unique identifier for the session (UUID format).
	ID string `json:"id"`

	// OwnerID is the identity that exclusively owns the session.
	OwnerID string `json:"ownerId"`

	Status SessionStatus `json:"status"`

	// SavedAt is assigned by the store when the session is archived.
	SavedAt *time.Time `json:"savedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	EditState

	ReceiptImage *ReceiptImageRef `json:"receiptImageRef,omitempty"`
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.EditState = s.EditState.Clone()
	if s.SavedAt != nil {
		t := *s.SavedAt
		c.SavedAt = &t
	}
	if s.ReceiptImage != nil {
		r := *s.ReceiptImage
		c.ReceiptImage = &r
	}
	return &c
}
