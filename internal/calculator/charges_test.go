package calculator

import (
	"net/url"
	"testing"

	"github.com/mmynk/tabsplit/internal/models"
)

func TestCharges(t *testing.T) {
	people := []models.Person{
		{ID: "p1", Name: "Alice", VenmoID: "alice"},
		{ID: "p2", Name: "Bob", VenmoID: "bob-v"},
		{ID: "p3", Name: "Carol"},
	}
	totals := []models.PersonTotal{
		{PersonID: "p1", Name: "Alice", Total: m("20")},
		{PersonID: "p2", Name: "Bob", Total: m("10.333")},
		{PersonID: "p3", Name: "Carol", Total: m("5")},
	}

	charges := Charges(totals, people, "p1", "Dinner")
	if len(charges) != 2 {
		t.Fatalf("expected 2 charges (payer excluded), got %d", len(charges))
	}

	bob := charges[0]
	if bob.PersonID != "p2" || !bob.Amount.Equal(m("10.33")) {
		t.Errorf("Bob charge = %+v", bob)
	}
	u, err := url.Parse(bob.Link)
	if err != nil {
		t.Fatalf("invalid link %q: %v", bob.Link, err)
	}
	q := u.Query()
	if u.Scheme != "venmo" || q.Get("recipients") != "bob-v" || q.Get("amount") != "10.33" || q.Get("note") != "Dinner" {
		t.Errorf("unexpected link %q", bob.Link)
	}

	if charges[1].Link != "" {
		t.Errorf("expected no link without a Venmo handle, got %q", charges[1].Link)
	}
}

func TestVenmoChargeLinkFormatsTwoDecimals(t *testing.T) {
	link := VenmoChargeLink("h", m("5"), "x")
	u, _ := url.Parse(link)
	if got := u.Query().Get("amount"); got != "5.00" {
		t.Errorf("amount = %q, want 5.00", got)
	}
}
