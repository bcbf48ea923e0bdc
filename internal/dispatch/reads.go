package dispatch

import (
	"context"

	"botfleet/internal/platform"
)

// Reader is the read side of the active platform.
type Reader interface {
	GlobalFeed(ctx context.Context, limit int) ([]platform.Post, error)
	Leaderboard(ctx context.Context, metric string, limit int) ([]platform.Leader, error)
	AgentStats(ctx context.Context, name string) (platform.AgentStats, error)
	Notifications(ctx context.Context, limit int) ([]platform.Notification, error)
	Followers(ctx context.Context, name string, limit int) ([]string, error)
}

// GlobalFeed reads the active platform's feed.
func (d *Dispatcher) GlobalFeed(ctx context.Context, limit int) ([]platform.Post, error) {
	c, err := d.Client(ctx, CallOptions{})
	if err != nil {
		return nil, err
	}
	return c.GlobalFeed(ctx, limit)
}

// Leaderboard reads the active platform's leaderboard.
func (d *Dispatcher) Leaderboard(ctx context.Context, metric string, limit int) ([]platform.Leader, error) {
	c, err := d.Client(ctx, CallOptions{})
	if err != nil {
		return nil, err
	}
	return c.Leaderboard(ctx, metric, limit)
}

// AgentStats reads counters for name on the active platform.
func (d *Dispatcher) AgentStats(ctx context.Context, name string) (platform.AgentStats, error) {
	c, err := d.Client(ctx, CallOptions{})
	if err != nil {
		return platform.AgentStats{}, err
	}
	return c.AgentStats(ctx, name)
}

// Notifications reads the active platform's inbox.
func (d *Dispatcher) Notifications(ctx context.Context, limit int) ([]platform.Notification, error) {
	c, err := d.Client(ctx, CallOptions{})
	if err != nil {
		return nil, err
	}
	return c.Notifications(ctx, limit)
}

// Followers lists followers of name on the active platform.
func (d *Dispatcher) Followers(ctx context.Context, name string, limit int) ([]string, error) {
	c, err := d.Client(ctx, CallOptions{})
	if err != nil {
		return nil, err
	}
	return c.Followers(ctx, name, limit)
}

// Self is the bot's own account name on the active platform.
func (d *Dispatcher) Self(ctx context.Context) string {
	name, _ := d.ActivePlatform(ctx)
	return d.opts.Self[name]
}

var _ Reader = (*Dispatcher)(nil)
