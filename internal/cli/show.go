package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"botfleet/internal/app"
)

var (
	velocityWindow time.Duration
	velocityTop    int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display active platform, bans and rate-limit usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Status(cmd.Context())
	},
}

var velocityCmd = &cobra.Command{
	Use:   "velocity",
	Short: "Display the fastest climbers over a window",
	RunE: func(cmd *cobra.Command, args []string) error {
		if velocityWindow <= 0 {
			return fmt.Errorf("--window must be greater than zero")
		}
		if velocityTop <= 0 {
			return fmt.Errorf("--top must be greater than zero")
		}
		return getApp().Velocity(cmd.Context(), app.VelocityOptions{Window: velocityWindow, Top: velocityTop})
	},
}

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Display velocity high scores per window",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Records(cmd.Context())
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Capture one leaderboard snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Snapshot(cmd.Context())
	},
}

func init() {
	velocityCmd.Flags().DurationVar(&velocityWindow, "window", time.Hour, "Comparison window")
	velocityCmd.Flags().IntVar(&velocityTop, "top", 10, "Number of climbers to display")
}
