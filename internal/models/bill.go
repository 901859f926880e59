package models

import "slices"

// BillItem represents a single line item on a bill.
type BillItem struct {
	// ID is unique within a bill.
	ID string `json:"id"`

	// Name is the label printed on the receipt (e.g., "Pizza"). Never empty.
	Name string `json:"name"`

	// Price is the pre-tax price of the whole item.
	Price Money `json:"price"`
}

// Bill represents one receipt.
//
// Subtotal and Total are derived from Items, Tax and Tip. Every mutation must be
// followed by Recalculate so they are never stale.
type Bill struct {
	// Items keep insertion order for display. Order does not affect calculation.
	Items []BillItem `json:"items"`

	// Subtotal is the sum of all item prices.
	Subtotal Money `json:"subtotal"`

	// Tax is the tax amount printed on (or extracted from) the receipt.
	Tax Money `json:"tax"`

	// Tip is the tip amount printed on (or extracted from) the receipt.
	Tip Money `json:"tip"`

	// Total is Subtotal + Tax + Tip.
	Total Money `json:"total"`
}

// Recalculate restores the subtotal and total invariants.
func (b *Bill) Recalculate() {
	subtotal := Zero
	for _, item := range b.Items {
		subtotal = subtotal.Add(item.Price)
	}
	b.Subtotal = subtotal
	b.Total = subtotal.Add(b.Tax).Add(b.Tip)
}

// ItemIndex returns the position of the item with the given ID, or -1.
func (b *Bill) ItemIndex(itemID string) int {
	return slices.IndexFunc(b.Items, func(it BillItem) bool { return it.ID == itemID })
}

// Clone returns a deep copy of the bill.
func (b *Bill) Clone() *Bill {
	if b == nil {
		return nil
	}
	c := *b
	c.Items = slices.Clone(b.Items)
	return &c
}

// BillData is the best-effort result of receipt extraction.
type BillData struct {
	Items    []BillDataItem `json:"items"`
	Subtotal Money          `json:"subtotal"`
	Tax      Money          `json:"tax"`
	Tip      Money          `json:"tip"`
	Total    Money          `json:"total"`
}

// BillDataItem is an extracted line item, before it receives an ID.
type BillDataItem struct {
	Name  string `json:"name"`
	Price Money  `json:"price"`
}
