package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"botfleet/internal/config"
	"botfleet/internal/storage"
)

// StandardActions are the budgets every platform has.
var StandardActions = []string{"posts", "replies", "likes", "reposts", "follows"}

// Usage levels for the status report.
const (
	LevelOK     = "OK"
	LevelActive = "ACTIVE"
	LevelMaxed  = "MAXED"
)

// Clock returns the current time.
type Clock func() time.Time

// PlatformLimits are the hourly base limits and action spacing for one platform.
type PlatformLimits struct {
	Base     map[string]int
	MinDelay time.Duration
}

// Options configure a Limiter.
type Options struct {
	Platforms    map[string]PlatformLimits
	Window       time.Duration
	MaxEntries   int
	DefaultLimit int
	Ramp         RampPolicy
	Clock        Clock
	Retries      int
}

// Decision is the outcome of CanDo.
type Decision struct {
	Allowed bool
	Current int
	Limit   int
	Reason  string
}

// ActionUsage is one row of the usage report.
type ActionUsage struct {
	Action  string  `json:"action"`
	Count   int     `json:"count"`
	Limit   int     `json:"limit"`
	Percent float64 `json:"percent"`
	Level   string  `json:"level"`
}

// Usage summarises a platform's budget consumption.
type Usage struct {
	Platform   string          `json:"platform"`
	Day        int             `json:"day"`
	Multiplier decimal.Decimal `json:"multiplier"`
	MinDelay   time.Duration   `json:"min_delay"`
	Actions    []ActionUsage   `json:"actions"`
}

// Limiter is a sliding-window rate limiter persisted in a StateStore.
type Limiter struct {
	store  storage.StateStore
	opts   Options
	logger zerolog.Logger
	mu     sync.Mutex
}

// OptionsFromConfig maps runtime configuration onto limiter options.
func OptionsFromConfig(cfg *config.Config) Options {
	platforms := make(map[string]PlatformLimits, len(cfg.Platforms))
	for name, p := range cfg.Platforms {
		platforms[name] = PlatformLimits{Base: p.Limits, MinDelay: p.MinDelay}
	}
	var ramp RampPolicy = NoRamp{}
	if cfg.RateLimit.RampEnabled {
		ramp = NewStepRamp(cfg.RateLimit.RampMultipliers)
	}
	return Options{
		Platforms:    platforms,
		Window:       cfg.RateLimit.Window,
		MaxEntries:   cfg.RateLimit.MaxEntries,
		DefaultLimit: cfg.RateLimit.DefaultLimit,
		Ramp:         ramp,
		Retries:      cfg.State.UpdateRetries,
	}
}

// New constructs a Limiter.
func New(store storage.StateStore, opts Options, logger zerolog.Logger) *Limiter {
	if opts.Window <= 0 {
		opts.Window = time.Hour
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 1000
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 100
	}
	if opts.Ramp == nil {
		opts.Ramp = NewStepRamp(DefaultSteps)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Limiter{
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "ratelimit").Logger(),
	}
}

// Reservation is a budget slot taken by Reserve. Release gives it back.
type Reservation struct {
	Platform string
	Action   string
	At       time.Time
	joined   bool
}

// CanDo reports whether one more action fits in the trailing window. It
// takes nothing; callers about to act should use Reserve.
func (l *Limiter) CanDo(ctx context.Context, platform, action string) (Decision, error) {
	ledger, err := l.load(ctx)
	if err != nil {
		return Decision{}, err
	}
	return l.decide(ledger[platform], platform, action, l.opts.Clock()), nil
}

func (l *Limiter) decide(activity *Activity, platform, action string, now time.Time) Decision {
	current := activity.CountSince(action, now.Add(-l.opts.Window))
	limit := l.EffectiveLimit(platform, action, daysSince(activity, now))

	if current >= limit {
		return Decision{
			Current: current,
			Limit:   limit,
			Reason:  fmt.Sprintf("Rate limit: %d/%d %s/hr", current, limit, action),
		}
	}
	return Decision{
		Allowed: true,
		Current: current,
		Limit:   limit,
		Reason:  fmt.Sprintf("%d/%d %s/hr", current, limit, action),
	}
}

// Reserve checks the budget and, when there is room, appends the action in
// the same ledger update. Concurrent callers, in this process or another one
// sharing the store, cannot both take the last slot. The reservation is nil
// when the action is not allowed.
func (l *Limiter) Reserve(ctx context.Context, platform, action string) (Decision, *Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var decision Decision
	var res *Reservation
	_, err := storage.UpdateJSON(ctx, l.store, LedgerKey, newLedger, l.opts.Retries, func(ledger *Ledger) error {
		if *ledger == nil {
			*ledger = newLedger()
		}
		now := l.opts.Clock().UTC()
		res = nil
		decision = l.decide((*ledger)[platform], platform, action, now)
		if !decision.Allowed {
			return storage.ErrNoChange
		}
		joined := l.append(*ledger, platform, action, now)
		res = &Reservation{Platform: platform, Action: action, At: now, joined: joined}
		return nil
	})
	if err != nil {
		return Decision{}, nil, fmt.Errorf("reserve %s/%s: %w", platform, action, err)
	}
	return decision, res, nil
}

// Release removes a reservation whose action did not go through, so a
// failed action spends no budget.
func (l *Limiter) Release(ctx context.Context, res *Reservation) error {
	if res == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := storage.UpdateJSON(ctx, l.store, LedgerKey, newLedger, l.opts.Retries, func(ledger *Ledger) error {
		activity := (*ledger)[res.Platform]
		if activity == nil {
			return storage.ErrNoChange
		}
		entries := activity.Actions[res.Action]
		idx := -1
		for i, ts := range entries {
			if ts.Equal(res.At) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return storage.ErrNoChange
		}
		activity.Actions[res.Action] = append(entries[:idx:idx], entries[idx+1:]...)
		if res.joined && activity.JoinedAt != nil && activity.JoinedAt.Equal(res.At) && activity.empty() {
			activity.JoinedAt = nil
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("release %s/%s: %w", res.Platform, res.Action, err)
	}
	return nil
}

// Record appends a successful action, capping the per-action history and
// stamping joined_at on the platform's first ever action.
func (l *Limiter) Record(ctx context.Context, platform, action string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := storage.UpdateJSON(ctx, l.store, LedgerKey, newLedger, l.opts.Retries, func(ledger *Ledger) error {
		if *ledger == nil {
			*ledger = newLedger()
		}
		l.append(*ledger, platform, action, l.opts.Clock().UTC())
		return nil
	})
	if err != nil {
		return fmt.Errorf("record %s/%s: %w", platform, action, err)
	}
	return nil
}

// append reports whether it stamped joined_at.
func (l *Limiter) append(ledger Ledger, platform, action string, now time.Time) bool {
	activity := ledger.platform(platform)
	joined := false
	if activity.JoinedAt == nil {
		ts := now
		activity.JoinedAt = &ts
		joined = true
	}
	entries := append(activity.Actions[action], now)
	if over := len(entries) - l.opts.MaxEntries; over > 0 {
		entries = append([]time.Time(nil), entries[over:]...)
	}
	activity.Actions[action] = entries
	return joined
}

// EffectiveLimit is floor(base * ramp(days)).
func (l *Limiter) EffectiveLimit(platform, action string, days int) int {
	base := decimal.NewFromInt(int64(l.BaseLimit(platform, action)))
	return int(base.Mul(l.opts.Ramp.Multiplier(days)).Floor().IntPart())
}

// BaseLimit is the configured hourly limit before ramping.
func (l *Limiter) BaseLimit(platform, action string) int {
	if p, ok := l.opts.Platforms[platform]; ok {
		if limit, ok := p.Base[action]; ok {
			return limit
		}
	}
	return l.opts.DefaultLimit
}

// MinDelay is the spacing enforced between two actions on platform.
func (l *Limiter) MinDelay(platform string) time.Duration {
	if p, ok := l.opts.Platforms[platform]; ok && p.MinDelay > 0 {
		return p.MinDelay
	}
	return time.Second
}

// DaysOnPlatform counts whole days since the platform's first action.
func (l *Limiter) DaysOnPlatform(ctx context.Context, platform string) (int, error) {
	ledger, err := l.load(ctx)
	if err != nil {
		return 0, err
	}
	return daysSince(ledger[platform], l.opts.Clock()), nil
}

// Usage reports consumption for every budget the platform has.
func (l *Limiter) Usage(ctx context.Context, platform string) (Usage, error) {
	ledger, err := l.load(ctx)
	if err != nil {
		return Usage{}, err
	}
	now := l.opts.Clock()
	activity := ledger[platform]
	days := daysSince(activity, now)

	usage := Usage{
		Platform:   platform,
		Day:        days,
		Multiplier: l.opts.Ramp.Multiplier(days),
		MinDelay:   l.MinDelay(platform),
	}
	cutoff := now.Add(-l.opts.Window)
	for _, action := range l.actions(platform) {
		count := activity.CountSince(action, cutoff)
		limit := l.EffectiveLimit(platform, action, days)
		pct := 0.0
		if limit > 0 {
			pct = float64(count) / float64(limit) * 100
		}
		usage.Actions = append(usage.Actions, ActionUsage{
			Action:  action,
			Count:   count,
			Limit:   limit,
			Percent: pct,
			Level:   level(pct),
		})
	}
	return usage, nil
}

func (l *Limiter) actions(platform string) []string {
	p, ok := l.opts.Platforms[platform]
	if !ok || len(p.Base) == 0 {
		return StandardActions
	}
	actions := make([]string, 0, len(p.Base))
	for action := range p.Base {
		actions = append(actions, action)
	}
	sort.Strings(actions)
	return actions
}

func (l *Limiter) load(ctx context.Context) (Ledger, error) {
	ledger, _, err := storage.LoadJSON(ctx, l.store, LedgerKey, newLedger)
	if err != nil {
		if storage.IsCorrupt(err) {
			l.logger.Warn().Err(err).Msg("activity ledger unreadable, starting empty")
			return newLedger(), nil
		}
		return nil, err
	}
	if ledger == nil {
		ledger = newLedger()
	}
	return ledger, nil
}

func daysSince(activity *Activity, now time.Time) int {
	if activity == nil || activity.JoinedAt == nil {
		return 0
	}
	days := int(now.Sub(*activity.JoinedAt) / (24 * time.Hour))
	if days < 0 {
		return 0
	}
	return days
}

func level(pct float64) string {
	switch {
	case pct >= 90:
		return LevelMaxed
	case pct >= 50:
		return LevelActive
	default:
		return LevelOK
	}
}
