package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"botfleet/internal/config"
	"botfleet/internal/platform"
	"botfleet/internal/ratelimit"
	"botfleet/internal/storage"
)

// Outcome labels passed to an Observer.
const (
	OutcomeOK          = "ok"
	OutcomeFailed      = "failed"
	OutcomeRateLimited = "rate_limited"
	OutcomeDryRun      = "dry_run"
	OutcomeError       = "error"
)

const dryRunError = "dry run"

// Limiter is the budget the dispatcher reserves from before acting.
type Limiter interface {
	Reserve(ctx context.Context, platform, action string) (ratelimit.Decision, *ratelimit.Reservation, error)
	Release(ctx context.Context, res *ratelimit.Reservation) error
	MinDelay(platform string) time.Duration
}

// Observer receives one call per dispatched action.
type Observer interface {
	ObserveAction(platform, action, outcome string)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Options configure a Dispatcher.
type Options struct {
	DefaultPlatform      string
	DryRun               bool
	BanAfterAuthFailures int
	Retries              int
	Clock                func() time.Time
	Sleep                Sleeper
	Getenv               func(string) string
	Observer             Observer
	// Self maps platform name onto the bot's own account there.
	Self map[string]string
}

// CallOptions select a platform for a single call; empty means active.
type CallOptions struct {
	Platform string
}

// Outcome wraps the platform result with dispatch bookkeeping. Recorded is
// true only when the action succeeded and its budget was spent.
type Outcome struct {
	platform.Result
	Platform    string `json:"platform"`
	Action      string `json:"action"`
	RateLimited bool   `json:"rate_limited,omitempty"`
	DryRun      bool   `json:"dry_run,omitempty"`
	Recorded    bool   `json:"recorded"`
	Reason      string `json:"reason,omitempty"`
}

// Dispatcher routes logical actions to the resolved platform client.
type Dispatcher struct {
	registry *platform.Registry
	limiter  Limiter
	store    storage.StateStore
	opts     Options
	logger   zerolog.Logger

	mu           sync.Mutex
	authFailures map[string]int
}

// OptionsFromConfig maps runtime configuration onto dispatcher options.
func OptionsFromConfig(cfg *config.Config) Options {
	self := make(map[string]string, len(cfg.Platforms))
	for name, p := range cfg.Platforms {
		self[name] = p.Self
	}
	return Options{
		DefaultPlatform:      cfg.Dispatch.DefaultPlatform,
		DryRun:               cfg.Dispatch.DryRun,
		BanAfterAuthFailures: cfg.Dispatch.BanAfterAuthFailures,
		Retries:              cfg.State.UpdateRetries,
		Self:                 self,
	}
}

// New wires a dispatcher and registers it as the registry's auth observer.
func New(registry *platform.Registry, limiter Limiter, store storage.StateStore, opts Options, logger zerolog.Logger) *Dispatcher {
	if opts.BanAfterAuthFailures <= 0 {
		opts.BanAfterAuthFailures = 1
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Getenv == nil {
		opts.Getenv = defaultGetenv
	}
	d := &Dispatcher{
		registry:     registry,
		limiter:      limiter,
		store:        store,
		opts:         opts,
		logger:       logger.With().Str("component", "dispatcher").Logger(),
		authFailures: make(map[string]int),
	}
	registry.SetAuthObserver(d)
	return d
}

// Post publishes content.
func (d *Dispatcher) Post(ctx context.Context, content string, opts CallOptions) Outcome {
	return d.dispatch(ctx, opts, platform.ActionPost, func(c platform.Client) platform.Result {
		return c.Post(ctx, content)
	})
}

// Reply answers postID.
func (d *Dispatcher) Reply(ctx context.Context, postID, content string, opts CallOptions) Outcome {
	return d.dispatch(ctx, opts, platform.ActionReply, func(c platform.Client) platform.Result {
		return c.Reply(ctx, postID, content)
	})
}

// Like likes postID.
func (d *Dispatcher) Like(ctx context.Context, postID string, opts CallOptions) Outcome {
	return d.dispatch(ctx, opts, platform.ActionLike, func(c platform.Client) platform.Result {
		return c.Like(ctx, postID)
	})
}

// Repost reposts postID.
func (d *Dispatcher) Repost(ctx context.Context, postID string, opts CallOptions) Outcome {
	return d.dispatch(ctx, opts, platform.ActionRepost, func(c platform.Client) platform.Result {
		return c.Repost(ctx, postID)
	})
}

// Follow follows name.
func (d *Dispatcher) Follow(ctx context.Context, name string, opts CallOptions) Outcome {
	return d.dispatch(ctx, opts, platform.ActionFollow, func(c platform.Client) platform.Result {
		return c.Follow(ctx, name)
	})
}

// Unfollow removes a follow. It waits out the follow spacing but has no
// budget of its own and is never recorded.
func (d *Dispatcher) Unfollow(ctx context.Context, name string, opts CallOptions) Outcome {
	return d.dispatch(ctx, opts, platform.ActionUnfollow, func(c platform.Client) platform.Result {
		return c.Unfollow(ctx, name)
	})
}

// Client returns the client for the resolved platform, for read calls.
func (d *Dispatcher) Client(ctx context.Context, opts CallOptions) (platform.Client, error) {
	name := opts.Platform
	if name == "" {
		name, _ = d.ActivePlatform(ctx)
	}
	client, ok := d.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, name)
	}
	return client, nil
}

// DryRun reports whether actions are suppressed.
func (d *Dispatcher) DryRun() bool { return d.opts.DryRun }

func (d *Dispatcher) dispatch(ctx context.Context, opts CallOptions, action string, call func(platform.Client) platform.Result) Outcome {
	name := opts.Platform
	if name == "" {
		name, _ = d.ActivePlatform(ctx)
	}
	out := Outcome{Platform: name, Action: action}
	logger := d.logger.With().Str("platform", name).Str("action", action).Logger()

	client, ok := d.registry.Get(name)
	if !ok {
		out.Error = fmt.Sprintf("%v: %s", ErrUnknownPlatform, name)
		return d.finish(out, OutcomeError)
	}

	if d.opts.DryRun {
		out.DryRun = true
		out.Error = dryRunError
		logger.Info().Msg("dry run, action skipped")
		return d.finish(out, OutcomeDryRun)
	}

	var reservation *ratelimit.Reservation
	if action != platform.ActionUnfollow {
		decision, res, err := d.limiter.Reserve(ctx, name, action)
		if err != nil {
			logger.Error().Err(err).Msg("rate limit check failed")
			out.Error = fmt.Sprintf("rate limit check: %v", err)
			return d.finish(out, OutcomeError)
		}
		out.Reason = decision.Reason
		if !decision.Allowed {
			out.RateLimited = true
			out.Error = decision.Reason
			logger.Info().Str("reason", decision.Reason).Msg("rate limited")
			return d.finish(out, OutcomeRateLimited)
		}
		reservation = res
	}

	if err := d.opts.Sleep(ctx, d.limiter.MinDelay(name)); err != nil {
		d.release(ctx, logger, reservation)
		out.Error = err.Error()
		return d.finish(out, OutcomeError)
	}

	res := call(client)
	out.Result = res
	if !res.OK {
		d.release(ctx, logger, reservation)
		logger.Warn().Int("status", res.StatusCode).Str("error", res.Error).Msg("action failed")
		return d.finish(out, OutcomeFailed)
	}

	out.Recorded = reservation != nil
	logger.Debug().Str("id", res.ID).Msg("action done")
	return d.finish(out, OutcomeOK)
}

// release uses a detached context so a cancelled run still returns the slot.
func (d *Dispatcher) release(ctx context.Context, logger zerolog.Logger, res *ratelimit.Reservation) {
	if res == nil {
		return
	}
	if err := d.limiter.Release(context.WithoutCancel(ctx), res); err != nil {
		logger.Error().Err(err).Msg("failed to release rate limit reservation")
	}
}

func (d *Dispatcher) finish(out Outcome, label string) Outcome {
	if d.opts.Observer != nil {
		d.opts.Observer.ObserveAction(out.Platform, out.Action, label)
	}
	return out
}

// ObserveStatus implements platform.AuthObserver. Consecutive 401/403
// responses past the threshold ban the platform; any 2xx resets the count.
func (d *Dispatcher) ObserveStatus(ctx context.Context, name string, status int) {
	switch {
	case platform.IsAuthStatus(status):
	case status >= 200 && status < 300:
		d.resetAuthFailures(name)
		return
	default:
		return
	}

	d.mu.Lock()
	d.authFailures[name]++
	count := d.authFailures[name]
	d.mu.Unlock()

	if count < d.opts.BanAfterAuthFailures {
		return
	}
	d.resetAuthFailures(name)
	if d.IsBanned(ctx, name) {
		return
	}
	reason := fmt.Sprintf("HTTP %d after %d consecutive auth failures", status, count)
	if err := d.MarkBanned(ctx, name, reason); err != nil {
		d.logger.Error().Err(err).Str("platform", name).Msg("failed to persist ban")
	}
}

func (d *Dispatcher) resetAuthFailures(name string) {
	d.mu.Lock()
	delete(d.authFailures, name)
	d.mu.Unlock()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ platform.AuthObserver = (*Dispatcher)(nil)
