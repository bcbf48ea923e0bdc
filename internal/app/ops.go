package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"botfleet/internal/anomaly"
	"botfleet/internal/dispatch"
)

// ErrActionFailed is returned by one-shot actions the platform did not accept.
var ErrActionFailed = errors.New("action failed")

// with opens the bot graph for a single command.
func (a *App) with(ctx context.Context, fn func(b *bot) error) error {
	b, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer b.close(a.Logger)
	return fn(b)
}

func (a *App) printJSON(v any) error {
	enc := json.NewEncoder(a.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Cycle runs every service step once and prints the report.
func (a *App) Cycle(ctx context.Context) error {
	return a.with(ctx, func(b *bot) error {
		report, err := a.newService(b, nil).RunCycle(ctx)
		if err != nil {
			return err
		}
		return a.printJSON(report)
	})
}

// Snapshot appends one leaderboard snapshot.
func (a *App) Snapshot(ctx context.Context) error {
	return a.with(ctx, func(b *bot) error {
		res, err := b.velocity.TakeSnapshot(ctx)
		if err != nil {
			return err
		}
		return a.printJSON(res)
	})
}

// Analyze runs the sybil analysis and prints the lists.
func (a *App) Analyze(ctx context.Context) error {
	return a.with(ctx, func(b *bot) error {
		res, err := b.analyzer.Analyze(ctx)
		if err != nil {
			return err
		}
		return a.printJSON(res)
	})
}

// ScoreReport combines the sybil assessment with the quality score.
type ScoreReport struct {
	Metrics    anomaly.Metrics      `json:"metrics"`
	Assessment anomaly.Assessment   `json:"assessment"`
	Quality    anomaly.QualityScore `json:"quality"`
}

// Score evaluates raw counters against the configured thresholds. It touches
// neither state nor network.
func (a *App) Score(m anomaly.Metrics) error {
	return a.printJSON(ScoreReport{
		Metrics:    m,
		Assessment: anomaly.Score(m, anomaly.ThresholdsFromConfig(a.Config.Anomaly)),
		Quality:    anomaly.Quality(m),
	})
}

// Switch makes name the active platform.
func (a *App) Switch(ctx context.Context, name string) error {
	return a.with(ctx, func(b *bot) error {
		if err := b.dispatcher.Switch(ctx, name); err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "active platform: %s\n", name)
		return nil
	})
}

// Ban marks name banned.
func (a *App) Ban(ctx context.Context, name, reason string) error {
	return a.with(ctx, func(b *bot) error {
		if err := b.dispatcher.MarkBanned(ctx, name, reason); err != nil {
			return err
		}
		active, _ := b.dispatcher.ActivePlatform(ctx)
		fmt.Fprintf(a.Out, "%s marked banned; active platform: %s\n", name, active)
		return nil
	})
}

// Unban clears name's ban flag.
func (a *App) Unban(ctx context.Context, name string) error {
	return a.with(ctx, func(b *bot) error {
		if err := b.dispatcher.MarkUnbanned(ctx, name); err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "%s unbanned\n", name)
		return nil
	})
}

// Post publishes content on platform, or the active one when empty.
func (a *App) Post(ctx context.Context, content, platform string) error {
	return a.with(ctx, func(b *bot) error {
		out := b.dispatcher.Post(ctx, content, dispatch.CallOptions{Platform: platform})
		return a.printOutcome(out)
	})
}

func (a *App) printOutcome(out dispatch.Outcome) error {
	if err := a.printJSON(out); err != nil {
		return err
	}
	if !out.OK && !out.DryRun {
		reason := out.Reason
		if reason == "" {
			reason = out.Error
		}
		return fmt.Errorf("%w: %s", ErrActionFailed, reason)
	}
	return nil
}

// Hunt scans the feed for follow-back promises.
func (a *App) Hunt(ctx context.Context) error {
	return a.with(ctx, func(b *bot) error {
		res, err := b.recip.Hunt(ctx)
		if err != nil {
			return err
		}
		return a.printJSON(res)
	})
}

// Sweep settles pending follow-back promises.
func (a *App) Sweep(ctx context.Context) error {
	return a.with(ctx, func(b *bot) error {
		res, err := b.recip.Sweep(ctx)
		if err != nil {
			return err
		}
		return a.printJSON(res)
	})
}

// Track follows username and records the promise.
func (a *App) Track(ctx context.Context, username, signal, postID string) error {
	return a.with(ctx, func(b *bot) error {
		res, err := b.recip.Track(ctx, username, signal, postID)
		if err != nil {
			return err
		}
		return a.printJSON(res)
	})
}

// Reset forgets username in every reciprocity list.
func (a *App) Reset(ctx context.Context, username string) error {
	return a.with(ctx, func(b *bot) error {
		removed, err := b.recip.Reset(ctx, username)
		if err != nil {
			return err
		}
		if removed {
			fmt.Fprintf(a.Out, "%s forgotten\n", username)
		} else {
			fmt.Fprintf(a.Out, "%s was not tracked\n", username)
		}
		return nil
	})
}

// Engage answers notifications once.
func (a *App) Engage(ctx context.Context) error {
	return a.with(ctx, func(b *bot) error {
		res, err := b.engage.Run(ctx)
		if err != nil {
			return err
		}
		return a.printJSON(res)
	})
}
