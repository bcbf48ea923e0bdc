package cli

import (
	"github.com/spf13/cobra"
)

var (
	trackSignal string
	trackPostID string
)

var huntCmd = &cobra.Command{
	Use:   "hunt",
	Short: "Follow accounts that promise to follow back",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Hunt(cmd.Context())
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Settle pending follow-back promises",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Sweep(cmd.Context())
	},
}

var trackCmd = &cobra.Command{
	Use:   "track <username>",
	Short: "Follow an account and wait for it to follow back",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Track(cmd.Context(), args[0], trackSignal, trackPostID)
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <username>",
	Short: "Forget an account in every follow-back list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Reset(cmd.Context(), args[0])
	},
}

var engageCmd = &cobra.Command{
	Use:   "engage",
	Short: "Answer notifications once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Engage(cmd.Context())
	},
}

func init() {
	trackCmd.Flags().StringVar(&trackSignal, "signal", "manual", "Phrase or reason recorded with the promise")
	trackCmd.Flags().StringVar(&trackPostID, "post", "", "Post the promise was made in")
}
