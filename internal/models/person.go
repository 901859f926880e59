package models

import "slices"

// Person represents someone splitting the bill: the owner, an invited participant,
// or a member of a collaborative session.
type Person struct {
	// ID is unique within a session.
	ID string `json:"id"`

	// Name is the display name. Never empty.
	Name string `json:"name"`

	// VenmoID is the optional Venmo handle used for charge links.
	VenmoID string `json:"venmoId,omitempty"`
}

// PersonTotal is one person's calculated share of a bill.
// It is always recomputed from the bill and assignments, never persisted.
type PersonTotal struct {
	PersonID      string `json:"personId"`
	Name          string `json:"name"`
	ItemsSubtotal Money  `json:"itemsSubtotal"`
	Tax           Money  `json:"tax"`
	Tip           Money  `json:"tip"`
	Total         Money  `json:"total"`
}

// Assignments maps an item ID to the set of person IDs paying for it.
// The slice is a set: duplicates are invalid and order is irrelevant.
// A missing key or an empty slice means the item is unassigned.
type Assignments map[string][]string

// Has reports whether personID is assigned to itemID.
func (a Assignments) Has(itemID, personID string) bool {
	return slices.Contains(a[itemID], personID)
}

// Add assigns personID to itemID. Adding an existing assignee is a no-op.
func (a Assignments) Add(itemID, personID string) {
	if a.Has(itemID, personID) {
		return
	}
	a[itemID] = append(a[itemID], personID)
}

// Remove unassigns personID from itemID. Removing an absent assignee is a no-op.
func (a Assignments) Remove(itemID, personID string) {
	ids, ok := a[itemID]
	if !ok {
		return
	}
	ids = slices.DeleteFunc(slices.Clone(ids), func(id string) bool { return id == personID })
	if len(ids) == 0 {
		delete(a, itemID)
		return
	}
	a[itemID] = ids
}

// Clone returns a deep copy.
func (a Assignments) Clone() Assignments {
	if a == nil {
		return nil
	}
	c := make(Assignments, len(a))
	for k, v := range a {
		c[k] = slices.Clone(v)
	}
	return c
}
