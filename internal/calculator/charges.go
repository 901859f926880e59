package calculator

import (
	"fmt"
	"net/url"

	"github.com/mmynk/tabsplit/internal/models"
)

// Charge is a request for one person to pay the payer their share.
type Charge struct {
	PersonID string
	Name     string
	VenmoID  string
	Amount   models.Money

	// Link is a Venmo charge deep link, empty when the person has no Venmo handle.
	Link string
}

// Charges builds one charge per person in totals except the payer.
// The payer already covered the whole bill, so they are owed everyone else's total.
func Charges(totals []models.PersonTotal, people []models.Person, payerID, note string) []Charge {
	handles := make(map[string]string, len(people))
	for _, p := range people {
		handles[p.ID] = p.VenmoID
	}

	var charges []Charge
	for _, t := range totals {
		if t.PersonID == payerID {
			continue
		}
		c := Charge{
			PersonID: t.PersonID,
			Name:     t.Name,
			VenmoID:  handles[t.PersonID],
			Amount:   t.Total.Round(2),
		}
		if c.VenmoID != "" {
			c.Link = VenmoChargeLink(c.VenmoID, c.Amount, note)
		}
		charges = append(charges, c)
	}
	return charges
}

// VenmoChargeLink builds a Venmo deep link charging handle the given amount.
// The amount is always rendered with two decimals.
func VenmoChargeLink(handle string, amount models.Money, note string) string {
	q := url.Values{}
	q.Set("txn", "charge")
	q.Set("recipients", handle)
	q.Set("amount", models.FormatMoney(amount))
	q.Set("note", note)
	return fmt.Sprintf("venmo://paycharge?%s", q.Encode())
}
