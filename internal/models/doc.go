// Package models defines the core domain models for tabsplit.
//
// # Bill models
//
//   - Bill: the line items of one receipt plus tax, tip, subtotal and total
//   - BillItem: a single line item
//   - Person: someone paying for part of the bill
//   - Assignments: which people pay for which item
//   - PersonTotal: calculated share for one person (derived, never stored)
//
// # Session models
//
//   - Session: a private, single-owner workspace (one active at a time, many saved)
//   - CollaborativeSession: a workspace shared through a share code
//   - EditState: the edit fields both session kinds have in common
//
// # Directory models
//
//   - Friend and Squad: reusable people for quickly starting a new bill
//
// # Design Principles
//
//  1. Money is decimal.Decimal, never float64. Rounding happens in FormatMoney only.
//  2. Documents are plain JSON records; the json tags are the store format.
//  3. Relationships use ID strings instead of pointers.
package models
