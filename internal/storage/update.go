package storage

import (
	"slices"

	"github.com/mmynk/tabsplit/internal/models"
)

// EditUpdate lists the edit fields a client changed. Unset fields are left
// untouched so concurrent edits to different fields both survive.
type EditUpdate struct {
	Bill           *models.Bill
	ClearBill      bool
	Assignments    models.Assignments
	SetAssignments bool
	People         []models.Person
	SetPeople      bool
	CustomTip      *string
	CustomTax      *string
	AssignmentMode *models.AssignmentMode
	SplitEvenly    *bool
}

// Empty reports whether the update carries no field.
func (u EditUpdate) Empty() bool {
	return u.Bill == nil && !u.ClearBill && !u.SetAssignments && !u.SetPeople &&
		u.CustomTip == nil && u.CustomTax == nil && u.AssignmentMode == nil && u.SplitEvenly == nil
}

// Apply writes the update's fields onto state.
func (u EditUpdate) Apply(state *models.EditState) {
	if u.ClearBill {
		state.Bill = nil
	}
	if u.Bill != nil {
		state.Bill = u.Bill.Clone()
	}
	if u.SetAssignments {
		state.Assignments = u.Assignments.Clone()
	}
	if u.SetPeople {
		state.People = append([]models.Person(nil), u.People...)
	}
	if u.CustomTip != nil {
		state.CustomTip = *u.CustomTip
	}
	if u.CustomTax != nil {
		state.CustomTax = *u.CustomTax
	}
	if u.AssignmentMode != nil {
		state.AssignmentMode = *u.AssignmentMode
	}
	if u.SplitEvenly != nil {
		state.SplitEvenly = *u.SplitEvenly
	}
}

// Merge overlays next onto u; fields set in next win.
func (u *EditUpdate) Merge(next EditUpdate) {
	if next.ClearBill {
		u.Bill, u.ClearBill = nil, true
	}
	if next.Bill != nil {
		u.Bill, u.ClearBill = next.Bill.Clone(), false
	}
	if next.SetAssignments {
		u.Assignments, u.SetAssignments = next.Assignments.Clone(), true
	}
	if next.SetPeople {
		u.People, u.SetPeople = slices.Clone(next.People), true
	}
	if next.CustomTip != nil {
		u.CustomTip = next.CustomTip
	}
	if next.CustomTax != nil {
		u.CustomTax = next.CustomTax
	}
	if next.AssignmentMode != nil {
		u.AssignmentMode = next.AssignmentMode
	}
	if next.SplitEvenly != nil {
		u.SplitEvenly = next.SplitEvenly
	}
}

// Diff returns the update that turns before into after.
func Diff(before, after models.EditState) EditUpdate {
	var u EditUpdate
	if !billEqual(before.Bill, after.Bill) {
		if after.Bill == nil {
			u.ClearBill = true
		} else {
			u.Bill = after.Bill.Clone()
		}
	}
	if !assignmentsEqual(before.Assignments, after.Assignments) {
		u.Assignments, u.SetAssignments = after.Assignments.Clone(), true
	}
	if !slices.Equal(before.People, after.People) {
		u.People, u.SetPeople = slices.Clone(after.People), true
	}
	if before.CustomTip != after.CustomTip {
		tip := after.CustomTip
		u.CustomTip = &tip
	}
	if before.CustomTax != after.CustomTax {
		tax := after.CustomTax
		u.CustomTax = &tax
	}
	if before.AssignmentMode != after.AssignmentMode {
		mode := after.AssignmentMode
		u.AssignmentMode = &mode
	}
	if before.SplitEvenly != after.SplitEvenly {
		even := after.SplitEvenly
		u.SplitEvenly = &even
	}
	return u
}

func billEqual(a, b *models.Bill) bool {
	if a == nil || b == nil {
		return a == b
	}
	if !a.Tax.Equal(b.Tax) || !a.Tip.Equal(b.Tip) || len(a.Items) != len(b.Items) {
		return false
	}
	for i := range a.Items {
		x, y := a.Items[i], b.Items[i]
		if x.ID != y.ID || x.Name != y.Name || !x.Price.Equal(y.Price) {
			return false
		}
	}
	return true
}

func assignmentsEqual(a, b models.Assignments) bool {
	if len(a) != len(b) {
		return false
	}
	for itemID, people := range a {
		other, ok := b[itemID]
		if !ok || !slices.Equal(people, other) {
			return false
		}
	}
	return true
}
