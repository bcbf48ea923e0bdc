package cli

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"
)

var (
	banReason    string
	postPlatform string
)

var switchCmd = &cobra.Command{
	Use:   "switch <platform>",
	Short: "Make a platform the active one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Switch(cmd.Context(), args[0])
	},
}

var banCmd = &cobra.Command{
	Use:   "ban <platform>",
	Short: "Mark a platform banned and fail over",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Ban(cmd.Context(), args[0], banReason)
	},
}

var unbanCmd = &cobra.Command{
	Use:   "unban <platform>",
	Short: "Clear a platform's ban flag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Unban(cmd.Context(), args[0])
	},
}

var postCmd = &cobra.Command{
	Use:   "post <content>",
	Short: "Publish a post through the dispatcher",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content := strings.TrimSpace(strings.Join(args, " "))
		if content == "" {
			return errors.New("content must not be empty")
		}
		return getApp().Post(cmd.Context(), content, postPlatform)
	},
}

func init() {
	banCmd.Flags().StringVar(&banReason, "reason", "manual", "Reason recorded in the ban history")
	postCmd.Flags().StringVar(&postPlatform, "platform", "", "Target platform (defaults to the active one)")
}
