package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"botfleet/internal/app"
)

var simulateOpts app.SimulateOptions

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Send a synthetic farm alert to the operator channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateOpts.Agent == "" {
			return errors.New("--agent is required")
		}
		if simulateOpts.Score <= 0 {
			return errors.New("--score must be greater than 0")
		}
		return getApp().SimulateAlert(cmd.Context(), simulateOpts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateOpts.Agent, "agent", "", "Agent name shown in the alert")
	simulateCmd.Flags().IntVar(&simulateOpts.Score, "score", 90, "Suspicion score")
	simulateCmd.Flags().Float64Var(&simulateOpts.Velocity, "velocity", 150000, "Views per hour")
	simulateCmd.Flags().Int64Var(&simulateOpts.Views, "views", 200000, "Total views")
	simulateCmd.Flags().StringVar(&simulateOpts.Window, "window", "1h", "Velocity window label")
}
