package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mmynk/tabsplit/internal/billedit"
	"github.com/mmynk/tabsplit/internal/calculator"
	"github.com/mmynk/tabsplit/internal/models"
)

var (
	splitEven  bool
	splitPayer string
	splitNote  string
)

func init() {
	splitCmd.Flags().BoolVar(&splitEven, "even", false, "Assign everyone to every item")
	splitCmd.Flags().StringVar(&splitPayer, "payer", "", "Person (name or id) who paid; prints Venmo charges for everyone else")
	splitCmd.Flags().StringVar(&splitNote, "note", "tabsplit", "Note for Venmo charges")
	rootCmd.AddCommand(splitCmd)
}

var splitCmd = &cobra.Command{
	Use:   "split <bill.json>",
	Short: "Compute per-person totals for a bill offline",
	Long: `Reads an edit state (bill, people, assignments and optional customTip/customTax)
and prints what everyone owes. Tax and tip are shared in proportion to each
person's items.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open bill: %w", err)
		}
		defer f.Close()
		return runSplit(f, cmd.OutOrStdout(), splitEven, splitPayer, splitNote)
	},
}

var errUnassigned = errors.New("every item needs at least one person")

func runSplit(in io.Reader, out io.Writer, even bool, payer, note string) error {
	var state models.EditState
	if err := json.NewDecoder(in).Decode(&state); err != nil {
		return fmt.Errorf("decode bill: %w", err)
	}
	if state.Bill != nil {
		state.Bill.Recalculate()
	}

	e := billedit.New(&state)
	if even {
		e.SetSplitEvenly(true)
	}
	if !e.AllItemsAssigned() {
		return errUnassigned
	}
	totals := e.Totals()

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tITEMS\tTAX\tTIP\tTOTAL")
	for _, t := range totals {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			t.Name,
			models.FormatMoney(t.ItemsSubtotal),
			models.FormatMoney(t.Tax),
			models.FormatMoney(t.Tip),
			models.FormatMoney(t.Total),
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if payer == "" {
		return nil
	}
	payerID := ""
	for _, p := range state.People {
		if p.ID == payer || p.Name == payer {
			payerID = p.ID
			break
		}
	}
	if payerID == "" {
		return fmt.Errorf("payer %q is not on the bill", payer)
	}

	fmt.Fprintln(out)
	for _, c := range calculator.Charges(totals, state.People, payerID, note) {
		if c.Link == "" {
			fmt.Fprintf(out, "%s owes %s\n", c.Name, models.FormatMoney(c.Amount))
			continue
		}
		fmt.Fprintf(out, "%s owes %s: %s\n", c.Name, models.FormatMoney(c.Amount), c.Link)
	}
	return nil
}
