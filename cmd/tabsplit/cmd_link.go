package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mmynk/tabsplit/internal/auth"
	"github.com/mmynk/tabsplit/internal/collab"
)

var (
	linkBaseURL string
	tokenName   string
	tokenTTL    time.Duration
)

func init() {
	linkCmd.Flags().StringVar(&linkBaseURL, "base-url", "", "Public base URL (defaults to TABSPLIT_PUBLIC_BASE_URL)")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "Display name carried in the token")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	rootCmd.AddCommand(linkCmd, tokenCmd)
}

var linkCmd = &cobra.Command{
	Use:   "link <session-id> <share-code>",
	Short: "Print the join link for a collaborative session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		code := collab.NormalizeShareCode(args[1])
		if !collab.ValidShareCode(code) {
			return collab.ErrInvalidShareCode
		}
		base := linkBaseURL
		if base == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			base = cfg.PublicBaseURL
		}
		fmt.Fprintln(cmd.OutOrStdout(), collab.ShareLink(base, args[0], code))
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue a bearer token for local development",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.RequireSecret(); err != nil {
			return err
		}
		token, err := auth.NewJWTManager(cfg.JWTSecret, tokenTTL).Generate(args[0], tokenName)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}
