// Package calculator turns a bill and its item assignments into per-person totals.
//
// Everything here is pure: no I/O and no shared mutable state.
package calculator

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mmynk/tabsplit/internal/models"
)

// AllItemsAssigned reports whether every item on the bill has at least one assignee.
// A nil bill or a bill without items has nothing left to assign.
func AllItemsAssigned(bill *models.Bill, assignments models.Assignments) bool {
	if bill == nil {
		return true
	}
	for _, item := range bill.Items {
		if len(assignments[item.ID]) == 0 {
			return false
		}
	}
	return true
}

// Precision is the number of decimal places of every amount ComputeTotals
// returns. Shares are carried as exact fractions and rounded once, here;
// presentation rounds again to cents.
const Precision = 16

// ComputeTotals computes how much each person owes.
//
// Algorithm:
//   - each item's price is split evenly among its assignees
//   - person_tax = person_subtotal × tax / total_assigned (same for tip); zero when nothing is assigned
//   - person_total = person_subtotal + person_tax + person_tip
//
// Only people with a positive total are returned, in the order of people.
// The result is empty whenever any item is still unassigned; callers must check
// AllItemsAssigned before trusting (or showing) totals.
func ComputeTotals(bill *models.Bill, people []models.Person, assignments models.Assignments, tip, tax models.Money) []models.PersonTotal {
	if bill == nil || !AllItemsAssigned(bill, assignments) {
		return []models.PersonTotal{}
	}

	known := make(map[string]bool, len(people))
	for _, p := range people {
		known[p.ID] = true
	}

	subtotals := make(map[string]*big.Rat, len(people))
	totalAssigned := new(big.Rat)
	for _, item := range bill.Items {
		assignees := assignments[item.ID]
		if len(assignees) == 0 {
			continue
		}
		share := new(big.Rat).Quo(item.Price.Rat(), big.NewRat(int64(len(assignees)), 1))
		for _, personID := range assignees {
			if !known[personID] {
				continue
			}
			if subtotals[personID] == nil {
				subtotals[personID] = new(big.Rat)
			}
			subtotals[personID].Add(subtotals[personID], share)
			totalAssigned.Add(totalAssigned, share)
		}
	}

	totals := make([]models.PersonTotal, 0, len(people))
	for _, p := range people {
		sub := subtotals[p.ID]
		if sub == nil {
			sub = new(big.Rat)
		}
		personTax, personTip := new(big.Rat), new(big.Rat)
		if totalAssigned.Sign() != 0 {
			personTax.Quo(personTax.Mul(sub, tax.Rat()), totalAssigned)
			personTip.Quo(personTip.Mul(sub, tip.Rat()), totalAssigned)
		}
		total := new(big.Rat).Add(sub, personTax)
		total.Add(total, personTip)
		if total.Sign() <= 0 {
			continue
		}
		totals = append(totals, models.PersonTotal{
			PersonID:      p.ID,
			Name:          p.Name,
			ItemsSubtotal: toMoney(sub),
			Tax:           toMoney(personTax),
			Tip:           toMoney(personTip),
			Total:         toMoney(total),
		})
	}
	return totals
}

func toMoney(r *big.Rat) models.Money {
	return decimal.NewFromBigRat(r, Precision)
}

// EffectiveAmount returns the custom override when it parses to a valid
// non-negative number, otherwise the extracted amount.
//
// Interim typing states such as "", "-" or "1.2.3" fall back to the extracted
// value instead of being read as zero.
func EffectiveAmount(custom string, extracted models.Money) models.Money {
	if strings.TrimSpace(custom) == "" {
		return extracted
	}
	v, err := models.ParseMoney(custom)
	if err != nil {
		return extracted
	}
	return v
}
