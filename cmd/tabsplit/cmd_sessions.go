package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mmynk/tabsplit/internal/models"
	"github.com/mmynk/tabsplit/internal/storage"
)

var sessionsOwner string

func init() {
	sessionsListCmd.Flags().StringVar(&sessionsOwner, "owner", "", "Owner user id (required)")
	_ = sessionsListCmd.MarkFlagRequired("owner")
	sessionsCmd.AddCommand(sessionsListCmd)
	rootCmd.AddCommand(sessionsCmd)
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect private sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List an owner's active and saved sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		var list []*models.Session
		active, err := store.GetActiveSession(ctx, sessionsOwner)
		switch {
		case err == nil:
			list = append(list, active)
		case !errors.Is(err, storage.ErrNotFound):
			return fmt.Errorf("get active session: %w", err)
		}
		saved, err := store.ListSavedSessions(ctx, sessionsOwner)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		list = append(list, saved...)

		if len(list) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tITEMS\tTOTAL\tUPDATED")
		for _, s := range list {
			items, total := 0, models.Zero
			if s.Bill != nil {
				items, total = len(s.Bill.Items), s.Bill.Total
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				s.ID,
				s.Status,
				items,
				models.FormatMoney(total),
				s.UpdatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}
