package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"botfleet/internal/app"
	"botfleet/internal/storage"
)

var (
	exportAgent     string
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export an agent's leaderboard series as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			Agent:     exportAgent,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		if exportFrom != "" {
			from, ok := storage.ParseTimestamp(exportFrom)
			if !ok {
				return fmt.Errorf("invalid --from value %q", exportFrom)
			}
			opts.From = &from
		}

		if exportTo != "" {
			to, ok := storage.ParseTimestamp(exportTo)
			if !ok {
				return fmt.Errorf("invalid --to value %q", exportTo)
			}
			opts.To = &to
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportAgent, "agent", "", "Agent to export (defaults to the bot's own account)")
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End timestamp (RFC3339, exclusive)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
}
