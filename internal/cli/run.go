package cli

import (
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bot service on the configured schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run every cycle step once and print the report",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Cycle(cmd.Context())
	},
}
