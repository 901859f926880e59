package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Money is a non-negative decimal amount.
type Money = decimal.Decimal

// ErrNegativeAmount is returned by ParseMoney for amounts below zero.
var ErrNegativeAmount = errors.New("amount must not be negative")

// Zero is the zero amount.
var Zero = decimal.Zero

// ParseMoney parses user-entered text such as "12.50", " 3 " or "$4.99".
func ParseMoney(s string) (Money, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "$")
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, fmt.Errorf("empty amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return Zero, ErrNegativeAmount
	}
	return d, nil
}

// MustMoney parses s and panics on failure. Intended for tests and constants.
func MustMoney(s string) Money {
	d, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return d
}

// FormatMoney renders an amount with two decimal places.
func FormatMoney(m Money) string {
	return m.StringFixed(2)
}

// SumMoney adds up amounts exactly.
func SumMoney(amounts ...Money) Money {
	total := Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
