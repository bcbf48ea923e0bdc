package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"botfleet/internal/anomaly"
)

var scoreMetrics anomaly.Metrics

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Score the leaderboard for sybil accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Analyze(cmd.Context())
	},
}

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score one account from raw counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		m := scoreMetrics
		if m.Followers < 0 || m.Views < 0 || m.Likes < 0 || m.Posts < 0 {
			return fmt.Errorf("counters cannot be negative")
		}
		return getApp().Score(m)
	},
}

func init() {
	scoreCmd.Flags().Int64Var(&scoreMetrics.Followers, "followers", 0, "Follower count")
	scoreCmd.Flags().Int64Var(&scoreMetrics.Views, "views", 0, "Total views")
	scoreCmd.Flags().Int64Var(&scoreMetrics.Likes, "likes", 0, "Total likes received")
	scoreCmd.Flags().Int64Var(&scoreMetrics.Posts, "posts", 0, "Total posts")
}
