// Package billedit implements the Bill Edit Model: every mutation of a bill under
// construction goes through an Editor, which keeps the bill totals and the
// assignment map consistent with the item and person lists.
//
// The same Editor is used for private and collaborative sessions.
package billedit

import (
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/mmynk/tabsplit/internal/calculator"
	"github.com/mmynk/tabsplit/internal/models"
)

// Editor mutates an EditState in place.
type Editor struct {
	state *models.EditState
	newID func() string
}

// New returns an Editor over state. A nil assignment map is initialised.
func New(state *models.EditState) *Editor {
	if state.Assignments == nil {
		state.Assignments = models.Assignments{}
	}
	return &Editor{state: state, newID: uuid.NewString}
}

// WithIDGenerator overrides the ID generator (used by tests for stable IDs).
func (e *Editor) WithIDGenerator(gen func() string) *Editor {
	e.newID = gen
	return e
}

// State returns the state being edited.
func (e *Editor) State() *models.EditState { return e.state }

func (e *Editor) bill() *models.Bill {
	if e.state.Bill == nil {
		e.state.Bill = &models.Bill{}
	}
	return e.state.Bill
}

func validateItem(name, price string) (string, models.Money, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", models.Zero, invalid(InvalidName, "name", "item name is required")
	}
	p, err := models.ParseMoney(price)
	if err != nil {
		return "", models.Zero, invalid(InvalidPrice, "price", "price must be a number of at least 0")
	}
	return name, p, nil
}

// AddItem appends a new item and recomputes the bill totals.
func (e *Editor) AddItem(name, price string) (models.BillItem, error) {
	n, p, err := validateItem(name, price)
	if err != nil {
		return models.BillItem{}, err
	}
	item := models.BillItem{ID: e.newID(), Name: n, Price: p}
	b := e.bill()
	b.Items = append(b.Items, item)
	b.Recalculate()
	e.reapplySplitEvenly()
	return item, nil
}

// EditItem replaces an item's name and price in place, keeping its ID, position
// and assignments.
func (e *Editor) EditItem(itemID, name, price string) error {
	n, p, err := validateItem(name, price)
	if err != nil {
		return err
	}
	b := e.bill()
	i := b.ItemIndex(itemID)
	if i < 0 {
		return invalid(NotFound, "itemId", "item %s not found", itemID)
	}
	b.Items[i].Name = n
	b.Items[i].Price = p
	b.Recalculate()
	return nil
}

// DeleteItem removes an item and its assignments. Deleting a missing item is a no-op.
func (e *Editor) DeleteItem(itemID string) {
	delete(e.state.Assignments, itemID)
	if e.state.Bill == nil {
		return
	}
	b := e.state.Bill
	b.Items = slices.DeleteFunc(b.Items, func(it models.BillItem) bool { return it.ID == itemID })
	b.Recalculate()
}

// SetTax sets the bill's tax amount.
func (e *Editor) SetTax(amount string) error {
	v, err := models.ParseMoney(amount)
	if err != nil {
		return invalid(InvalidAmount, "tax", "tax must be a number of at least 0")
	}
	b := e.bill()
	b.Tax = v
	b.Recalculate()
	return nil
}

// SetTip sets the bill's tip amount.
func (e *Editor) SetTip(amount string) error {
	v, err := models.ParseMoney(amount)
	if err != nil {
		return invalid(InvalidAmount, "tip", "tip must be a number of at least 0")
	}
	b := e.bill()
	b.Tip = v
	b.Recalculate()
	return nil
}

// SetCustomTip stores the free-text tip override. The text is kept as typed and
// interpreted on every recompute by EffectiveTip.
func (e *Editor) SetCustomTip(text string) { e.state.CustomTip = text }

// SetCustomTax stores the free-text tax override.
func (e *Editor) SetCustomTax(text string) { e.state.CustomTax = text }

// SetAssignmentMode switches the assignment presentation.
func (e *Editor) SetAssignmentMode(mode models.AssignmentMode) { e.state.AssignmentMode = mode }

// AddPerson adds a participant.
func (e *Editor) AddPerson(name, venmoID string) (models.Person, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Person{}, invalid(InvalidName, "name", "person name is required")
	}
	p := models.Person{ID: e.newID(), Name: name, VenmoID: strings.TrimSpace(venmoID)}
	e.state.People = append(e.state.People, p)
	e.reapplySplitEvenly()
	return p, nil
}

// AddFriends adds directory entries as people, reusing their names and Venmo handles.
func (e *Editor) AddFriends(friends []models.Friend) []models.Person {
	added := make([]models.Person, 0, len(friends))
	for _, f := range friends {
		p, err := e.AddPerson(f.Name, f.VenmoID)
		if err != nil {
			continue
		}
		added = append(added, p)
	}
	return added
}

// RemovePerson removes a participant and every assignment that references them.
func (e *Editor) RemovePerson(personID string) {
	e.state.People = slices.DeleteFunc(e.state.People, func(p models.Person) bool { return p.ID == personID })
	for itemID := range e.state.Assignments {
		e.state.Assignments.Remove(itemID, personID)
	}
	e.reapplySplitEvenly()
}

func (e *Editor) hasPerson(personID string) bool {
	return slices.ContainsFunc(e.state.People, func(p models.Person) bool { return p.ID == personID })
}

// SetAssignment adds or removes personID from an item's assignees. It is idempotent.
// A manual assignment ends split-evenly mode.
func (e *Editor) SetAssignment(itemID, personID string, included bool) error {
	if e.state.Bill == nil || e.state.Bill.ItemIndex(itemID) < 0 {
		return invalid(NotFound, "itemId", "item %s not found", itemID)
	}
	if included && !e.hasPerson(personID) {
		return invalid(NotFound, "personId", "person %s not found", personID)
	}
	e.state.SplitEvenly = false
	if included {
		e.state.Assignments.Add(itemID, personID)
	} else {
		e.state.Assignments.Remove(itemID, personID)
	}
	return nil
}

// SetSplitEvenly toggles split-evenly mode. While it is on, every item is
// assigned to every person, and the fan-out is re-applied whenever items or
// people change.
func (e *Editor) SetSplitEvenly(on bool) {
	e.state.SplitEvenly = on
	if on {
		e.AssignEveryoneToAllItems()
	}
}

// AssignEveryoneToAllItems sets every item's assignees to the full person list.
func (e *Editor) AssignEveryoneToAllItems() {
	assignments := models.Assignments{}
	if e.state.Bill != nil && len(e.state.People) > 0 {
		for _, item := range e.state.Bill.Items {
			ids := make([]string, len(e.state.People))
			for i, p := range e.state.People {
				ids[i] = p.ID
			}
			assignments[item.ID] = ids
		}
	}
	e.state.Assignments = assignments
}

func (e *Editor) reapplySplitEvenly() {
	if e.state.SplitEvenly {
		e.AssignEveryoneToAllItems()
	}
}

// LoadBillData replaces the bill with an extraction result. Items get fresh IDs
// and existing assignments are cleared; people are kept.
func (e *Editor) LoadBillData(data models.BillData) {
	b := &models.Bill{Tax: data.Tax, Tip: data.Tip}
	for _, it := range data.Items {
		name := strings.TrimSpace(it.Name)
		if name == "" || it.Price.IsNegative() {
			continue
		}
		b.Items = append(b.Items, models.BillItem{ID: e.newID(), Name: name, Price: it.Price})
	}
	b.Recalculate()
	e.state.Bill = b
	e.state.Assignments = models.Assignments{}
	e.reapplySplitEvenly()
}

// EffectiveTip is the custom tip when valid, otherwise the bill's tip.
func (e *Editor) EffectiveTip() models.Money {
	extracted := models.Zero
	if e.state.Bill != nil {
		extracted = e.state.Bill.Tip
	}
	return calculator.EffectiveAmount(e.state.CustomTip, extracted)
}

// EffectiveTax is the custom tax when valid, otherwise the bill's tax.
func (e *Editor) EffectiveTax() models.Money {
	extracted := models.Zero
	if e.state.Bill != nil {
		extracted = e.state.Bill.Tax
	}
	return calculator.EffectiveAmount(e.state.CustomTax, extracted)
}

// AllItemsAssigned reports whether totals are meaningful yet.
func (e *Editor) AllItemsAssigned() bool {
	return calculator.AllItemsAssigned(e.state.Bill, e.state.Assignments)
}

// Totals recomputes per-person totals from the current state.
func (e *Editor) Totals() []models.PersonTotal {
	return calculator.ComputeTotals(e.state.Bill, e.state.People, e.state.Assignments, e.EffectiveTip(), e.EffectiveTax())
}
