package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"botfleet/internal/dispatch"
	"botfleet/internal/ratelimit"
	"botfleet/internal/velocity"
)

// Status prints platform state plus per-action budget usage.
func (a *App) Status(ctx context.Context) error {
	return a.with(ctx, func(b *bot) error {
		status := b.dispatcher.Status(ctx)
		usages := make([]ratelimit.Usage, 0, len(status.Platforms))
		for _, p := range status.Platforms {
			usage, err := b.limiter.Usage(ctx, p.Name)
			if err != nil {
				return err
			}
			usages = append(usages, usage)
		}
		a.renderStatus(status, usages)
		return nil
	})
}

func (a *App) renderStatus(status dispatch.Status, usages []ratelimit.Usage) {
	fmt.Fprintf(a.Out, "Active platform: %s (%s)\n", status.Active, status.Source)
	if status.DryRun {
		fmt.Fprintln(a.Out, "Dry run: on")
	}
	if status.LastSwitch != nil {
		fmt.Fprintf(a.Out, "Last switch: %s\n", status.LastSwitch.UTC().Format(time.RFC3339))
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "\nPlatform\tState\tDay\tRamp\tMin delay")
	for i, p := range status.Platforms {
		state := "ok"
		switch {
		case p.Banned:
			state = "banned"
		case p.Active:
			state = "active"
		}
		u := usages[i]
		fmt.Fprintf(writer, "%s\t%s\t%d\t%s%%\t%s\n",
			p.Name, state, u.Day, u.Multiplier.Mul(decimal.NewFromInt(100)).StringFixed(0), u.MinDelay)
	}
	writer.Flush()

	for _, u := range usages {
		if len(u.Actions) == 0 {
			continue
		}
		fmt.Fprintf(a.Out, "\n%s usage (last hour)\n", u.Platform)
		writer = tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Action\tUsed\tLimit\tPercent\tLevel")
		for _, act := range u.Actions {
			fmt.Fprintf(writer, "%s\t%d\t%d\t%.0f%%\t%s\n", act.Action, act.Count, act.Limit, act.Percent, act.Level)
		}
		writer.Flush()
	}

	if n := len(status.BanHistory); n > 0 {
		last := status.BanHistory[n-1]
		fmt.Fprintf(a.Out, "\nLast ban: %s at %s (%s)\n",
			last.Platform, last.Timestamp.UTC().Format(time.RFC3339), sanitizeInline(last.Reason))
	}
}

// Velocity prints the fastest climbers over opts.Window.
func (a *App) Velocity(ctx context.Context, opts VelocityOptions) error {
	return a.with(ctx, func(b *bot) error {
		report, err := b.velocity.Report(ctx, opts.Window, opts.Top, b.dispatcher.Self(ctx))
		if err != nil {
			return err
		}
		a.renderVelocity(report)
		return nil
	})
}

func (a *App) renderVelocity(report velocity.Report) {
	if len(report.FastestClimbers) == 0 {
		fmt.Fprintln(a.Out, "not enough snapshots for this window")
		return
	}
	fmt.Fprintf(a.Out, "Window %s, %.1fh compared, %d agents tracked\n",
		velocity.WindowLabel(report.Window), report.HoursCompared, report.TotalTracked)

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "#\tAgent\tViews/hr\tGained\tViews\tRank\tChange")
	for i, r := range report.FastestClimbers {
		fmt.Fprintf(writer, "%d\t%s\t%.1f\t%d\t%d\t%d\t%+d\n",
			i+1, r.Name, r.Velocity, r.ViewsGained, r.CurrentViews, r.CurrentRank, r.RankChange)
	}
	writer.Flush()

	if report.Self != nil {
		fmt.Fprintf(a.Out, "\nself: %s %.1f views/hr, rank %d (%+d)\n",
			report.Self.Name, report.Self.Velocity, report.Self.CurrentRank, report.Self.RankChange)
	}
}

// Records prints the stored high scores per window.
func (a *App) Records(ctx context.Context) error {
	return a.with(ctx, func(b *bot) error {
		records, err := b.velocity.Records(ctx)
		if err != nil {
			return err
		}
		a.renderRecords(records)
		return nil
	})
}

func (a *App) renderRecords(records map[string][]velocity.HighScore) {
	if len(records) == 0 {
		fmt.Fprintln(a.Out, "no records yet")
		return
	}
	labels := make([]string, 0, len(records))
	for label := range records {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	for _, label := range labels {
		fmt.Fprintf(a.Out, "Window %s\n", label)
		writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "#\tAgent\tViews/hr\tGained\tRecorded (UTC)")
		for i, hs := range records[label] {
			fmt.Fprintf(writer, "%d\t%s\t%.1f\t%d\t%s\n",
				i+1, hs.Name, hs.Velocity, hs.ViewsGained, hs.RecordedAt.UTC().Format(time.RFC3339))
		}
		writer.Flush()
	}
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
