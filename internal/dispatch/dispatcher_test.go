package dispatch

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botfleet/internal/platform"
	"botfleet/internal/platform/platformtest"
	"botfleet/internal/ratelimit"
	"botfleet/internal/storage"
)

type harness struct {
	d       *Dispatcher
	moltx   *platformtest.Fake
	pinch   *platformtest.Fake
	limiter *ratelimit.Limiter
	store   storage.StateStore
	sleeps  []time.Duration
	env     map[string]string

	mu     sync.Mutex
	labels []string
}

func (h *harness) ObserveAction(_, _, outcome string) {
	h.mu.Lock()
	h.labels = append(h.labels, outcome)
	h.mu.Unlock()
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		moltx: platformtest.New("moltx"),
		pinch: platformtest.New("pinch"),
		store: store,
		env:   map[string]string{},
	}
	h.limiter = ratelimit.New(store, ratelimit.Options{
		Platforms: map[string]ratelimit.PlatformLimits{
			"moltx": {Base: map[string]int{"posts": 2, "likes": 10, "follows": 5}, MinDelay: 500 * time.Millisecond},
			"pinch": {Base: map[string]int{"posts": 1}, MinDelay: 2 * time.Second},
		},
		Ramp: ratelimit.NoRamp{},
	}, zerolog.Nop())

	opts := Options{
		DefaultPlatform: "moltx",
		Sleep: func(_ context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return nil
		},
		Getenv:   func(k string) string { return h.env[k] },
		Observer: h,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.d = New(platform.NewRegistry(h.moltx, h.pinch), h.limiter, store, opts, zerolog.Nop())
	return h
}

func TestDispatchRecordsSuccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	out := h.d.Post(ctx, "hello", CallOptions{})
	require.True(t, out.OK)
	assert.True(t, out.Recorded)
	assert.Equal(t, "moltx", out.Platform)
	assert.Equal(t, []time.Duration{500 * time.Millisecond}, h.sleeps)
	assert.Equal(t, "0/2 posts/hr", out.Reason)

	d, err := h.limiter.CanDo(ctx, "moltx", "posts")
	require.NoError(t, err)
	assert.Equal(t, 1, d.Current)
}

func TestDispatchRateLimitedSkipsPlatform(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	require.True(t, h.d.Post(ctx, "1", CallOptions{}).OK)
	require.True(t, h.d.Post(ctx, "2", CallOptions{}).OK)

	out := h.d.Post(ctx, "3", CallOptions{})
	assert.False(t, out.OK)
	assert.True(t, out.RateLimited)
	assert.False(t, out.Recorded)
	assert.Equal(t, "Rate limit: 2/2 posts/hr", out.Error)
	assert.Len(t, h.moltx.CallsFor(platform.ActionPost), 2)
	assert.Len(t, h.sleeps, 2)
	assert.Equal(t, []string{OutcomeOK, OutcomeOK, OutcomeRateLimited}, h.labels)
}

func TestFailedActionDoesNotSpendBudget(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.moltx.Respond = func(string, string) platform.Result {
		return platform.Result{StatusCode: http.StatusInternalServerError, Error: "boom"}
	}

	out := h.d.Like(ctx, "p1", CallOptions{})
	assert.False(t, out.OK)
	assert.False(t, out.Recorded)
	assert.False(t, out.RateLimited)
	assert.Equal(t, "boom", out.Error)

	d, err := h.limiter.CanDo(ctx, "moltx", "likes")
	require.NoError(t, err)
	assert.Equal(t, 0, d.Current)
}

func TestDryRunTouchesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *Options) { o.DryRun = true })

	out := h.d.Follow(ctx, "alice", CallOptions{})
	assert.False(t, out.OK)
	assert.True(t, out.DryRun)
	assert.Equal(t, "dry run", out.Error)
	assert.Empty(t, h.moltx.Calls())
	assert.Empty(t, h.sleeps)
}

func TestUnfollowIsNotBudgeted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	out := h.d.Unfollow(ctx, "alice", CallOptions{})
	require.True(t, out.OK)
	assert.False(t, out.Recorded)
	assert.Len(t, h.sleeps, 1)
}

func TestActivePlatformResolutionOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	name, src := h.d.ActivePlatform(ctx)
	assert.Equal(t, "moltx", name)
	assert.Equal(t, SourceDefault, src)

	require.NoError(t, h.d.Switch(ctx, "pinch"))
	name, src = h.d.ActivePlatform(ctx)
	assert.Equal(t, "pinch", name)
	assert.Equal(t, SourceConfig, src)

	h.env[EnvActivePlatform] = "moltx"
	name, src = h.d.ActivePlatform(ctx)
	assert.Equal(t, "moltx", name)
	assert.Equal(t, SourceEnv, src)

	h.env[EnvActivePlatform] = "nowhere"
	name, _ = h.d.ActivePlatform(ctx)
	assert.Equal(t, "pinch", name)

	err := h.d.Switch(ctx, "nowhere")
	assert.True(t, errors.Is(err, ErrUnknownPlatform))
}

func TestExplicitPlatformOverridesActive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	out := h.d.Post(ctx, "x", CallOptions{Platform: "pinch"})
	require.True(t, out.OK)
	assert.Equal(t, "pinch", out.Platform)
	assert.Len(t, h.pinch.Calls(), 1)
	assert.Empty(t, h.moltx.Calls())
	assert.Equal(t, []time.Duration{2 * time.Second}, h.sleeps)
}

func TestAuthFailureBansAndSwitches(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.moltx.Respond = func(string, string) platform.Result {
		return platform.Result{StatusCode: http.StatusForbidden, Error: "banned"}
	}

	out := h.d.Post(ctx, "x", CallOptions{})
	assert.False(t, out.OK)

	st := h.d.Status(ctx)
	assert.Equal(t, "pinch", st.Active)
	require.Len(t, st.BanHistory, 1)
	assert.Equal(t, "moltx", st.BanHistory[0].Platform)
	assert.NotEmpty(t, st.BanHistory[0].ID)
	assert.True(t, h.d.IsBanned(ctx, "moltx"))

	// a further 403 while banned does not add history
	h.d.ObserveStatus(ctx, "moltx", http.StatusForbidden)
	assert.Len(t, h.d.Status(ctx).BanHistory, 1)

	require.NoError(t, h.d.MarkUnbanned(ctx, "moltx"))
	assert.False(t, h.d.IsBanned(ctx, "moltx"))
	assert.Equal(t, "pinch", h.d.Status(ctx).Active)
}

func TestBanThresholdCountsConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *Options) { o.BanAfterAuthFailures = 3 })

	h.d.ObserveStatus(ctx, "moltx", http.StatusUnauthorized)
	h.d.ObserveStatus(ctx, "moltx", http.StatusUnauthorized)
	h.d.ObserveStatus(ctx, "moltx", http.StatusOK)
	h.d.ObserveStatus(ctx, "moltx", http.StatusUnauthorized)
	h.d.ObserveStatus(ctx, "moltx", http.StatusNotFound)
	h.d.ObserveStatus(ctx, "moltx", http.StatusUnauthorized)
	assert.False(t, h.d.IsBanned(ctx, "moltx"))

	h.d.ObserveStatus(ctx, "moltx", http.StatusUnauthorized)
	assert.True(t, h.d.IsBanned(ctx, "moltx"))
}

func TestBanWithNoAlternativeKeepsActive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	require.NoError(t, h.d.MarkBanned(ctx, "pinch", "manual"))
	require.NoError(t, h.d.MarkBanned(ctx, "moltx", "manual"))

	st := h.d.Status(ctx)
	assert.Equal(t, "moltx", st.Active)
	for _, p := range st.Platforms {
		assert.True(t, p.Banned, p.Name)
	}
}

func TestCancelledSleepAbortsAction(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Sleep = sleepContext })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := h.d.Like(ctx, "p1", CallOptions{})
	assert.False(t, out.OK)
	assert.Empty(t, h.moltx.Calls())
}

func TestConcurrentDispatchNeverOverspendsBudget(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *Options) {
		o.Sleep = func(context.Context, time.Duration) error {
			time.Sleep(5 * time.Millisecond)
			return nil
		}
	})

	var wg sync.WaitGroup
	outs := make([]Outcome, 8)
	for i := range outs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i] = h.d.Post(ctx, "p", CallOptions{})
		}(i)
	}
	wg.Wait()

	limited := 0
	for _, out := range outs {
		if out.RateLimited {
			limited++
		}
	}
	assert.Len(t, h.moltx.CallsFor(platform.ActionPost), 2)
	assert.Equal(t, 6, limited)

	d, err := h.limiter.CanDo(ctx, "moltx", "posts")
	require.NoError(t, err)
	assert.Equal(t, 2, d.Current)
}

func TestCancelledDelayReleasesBudget(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *Options) {
		o.Sleep = func(context.Context, time.Duration) error { return context.Canceled }
	})

	out := h.d.Post(ctx, "p", CallOptions{})
	assert.False(t, out.OK)
	assert.False(t, out.Recorded)
	assert.Empty(t, h.moltx.CallsFor(platform.ActionPost))

	d, err := h.limiter.CanDo(ctx, "moltx", "posts")
	require.NoError(t, err)
	assert.Equal(t, 0, d.Current)
}
