package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mmynk/tabsplit/pkg/logging"
)

var rootCmd = &cobra.Command{
	Use:   "tabsplit",
	Short: "Split restaurant bills by item, privately or together",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Setup()
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
