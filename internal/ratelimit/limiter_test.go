package ratelimit

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botfleet/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newLimiter(t *testing.T, base int, ramp RampPolicy) (*Limiter, *fakeClock, storage.StateStore) {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := New(store, Options{
		Platforms: map[string]PlatformLimits{
			"A": {Base: map[string]int{"posts": base, "likes": 80}, MinDelay: 2 * time.Second},
		},
		Ramp:  ramp,
		Clock: clock.Now,
	}, zerolog.Nop())
	return l, clock, store
}

func TestSlowBurnScenario(t *testing.T) {
	ctx := context.Background()
	l, clock, _ := newLimiter(t, 20, NewStepRamp(DefaultSteps))

	for i := 0; i < 12; i++ {
		d, err := l.CanDo(ctx, "A", "posts")
		require.NoError(t, err)
		require.True(t, d.Allowed, "post %d should be allowed: %s", i, d.Reason)
		require.NoError(t, l.Record(ctx, "A", "posts"))
		clock.Advance(time.Minute)
	}

	d, err := l.CanDo(ctx, "A", "posts")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 12, d.Current)
	assert.Equal(t, 12, d.Limit)
	assert.Equal(t, "Rate limit: 12/12 posts/hr", d.Reason)

	clock.Advance(61 * time.Minute)
	d, err = l.CanDo(ctx, "A", "posts")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, "0/12 posts/hr", d.Reason)
}

func TestCanDoIgnoresEntriesOutsideWindow(t *testing.T) {
	ctx := context.Background()
	l, clock, _ := newLimiter(t, 5, NoRamp{})

	// old entries well outside the trailing hour
	for i := 0; i < 50; i++ {
		require.NoError(t, l.Record(ctx, "A", "posts"))
	}
	clock.Advance(2 * time.Hour)

	for n := 0; n < 5; n++ {
		d, err := l.CanDo(ctx, "A", "posts")
		require.NoError(t, err)
		assert.Equal(t, n, d.Current)
		assert.True(t, d.Allowed, "n=%d", n)
		require.NoError(t, l.Record(ctx, "A", "posts"))
	}

	d, err := l.CanDo(ctx, "A", "posts")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 5, d.Current)
}

func TestEffectiveLimitRamp(t *testing.T) {
	l, _, _ := newLimiter(t, 20, NewStepRamp(DefaultSteps))

	assert.Equal(t, 12, l.EffectiveLimit("A", "posts", 0))
	assert.Equal(t, 16, l.EffectiveLimit("A", "posts", 1))
	assert.Equal(t, 20, l.EffectiveLimit("A", "posts", 2))
	assert.Equal(t, 20, l.EffectiveLimit("A", "posts", 30))

	for _, action := range []string{"posts", "likes", "unknown"} {
		prev := -1
		for day := 0; day < 5; day++ {
			limit := l.EffectiveLimit("A", action, day)
			assert.GreaterOrEqual(t, limit, prev, "%s day %d", action, day)
			prev = limit
		}
		assert.Less(t, l.EffectiveLimit("A", action, 0), l.EffectiveLimit("A", action, 2), action)
	}
}

func TestEffectiveLimitFallsBackToDefault(t *testing.T) {
	l, _, _ := newLimiter(t, 20, NoRamp{})
	assert.Equal(t, 100, l.EffectiveLimit("A", "reposts", 0))
	assert.Equal(t, 100, l.EffectiveLimit("B", "posts", 0))
	assert.Equal(t, 2*time.Second, l.MinDelay("A"))
	assert.Equal(t, time.Second, l.MinDelay("B"))
}

func TestRecordSetsJoinedAtOnce(t *testing.T) {
	ctx := context.Background()
	l, clock, _ := newLimiter(t, 20, NewStepRamp(DefaultSteps))

	days, err := l.DaysOnPlatform(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 0, days)

	require.NoError(t, l.Record(ctx, "A", "likes"))
	clock.Advance(25 * time.Hour)
	require.NoError(t, l.Record(ctx, "A", "posts"))

	days, err = l.DaysOnPlatform(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 1, days)
	assert.Equal(t, 16, l.EffectiveLimit("A", "posts", days))
}

func TestRecordCapsHistory(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	l := New(store, Options{MaxEntries: 3, Ramp: NoRamp{}}, zerolog.Nop())

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Record(ctx, "A", "posts"))
	}
	ledger, _, err := storage.LoadJSON(ctx, store, LedgerKey, newLedger)
	require.NoError(t, err)
	assert.Len(t, ledger["A"].Actions["posts"], 3)
}

func TestLedgerReadsLegacyTimestamps(t *testing.T) {
	dir := t.TempDir()
	body := `{"A": {"posts": ["2026-03-01T11:30:00", "garbage"], "likes": [], "joined_at": "2026-02-27T12:00:00+00:00"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, LedgerKey+".json"), []byte(body), 0o644))

	store, err := storage.NewFileStore(dir)
	require.NoError(t, err)
	ledger, _, err := storage.LoadJSON(context.Background(), store, LedgerKey, newLedger)
	require.NoError(t, err)

	require.NotNil(t, ledger["A"].JoinedAt)
	assert.Len(t, ledger["A"].Actions["posts"], 1)
	assert.Empty(t, ledger["A"].Actions["likes"])
}

func TestUsageLevels(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLimiter(t, 10, NoRamp{})

	for i := 0; i < 9; i++ {
		require.NoError(t, l.Record(ctx, "A", "posts"))
	}
	for i := 0; i < 40; i++ {
		require.NoError(t, l.Record(ctx, "A", "likes"))
	}

	usage, err := l.Usage(ctx, "A")
	require.NoError(t, err)
	require.Len(t, usage.Actions, 2)

	byAction := map[string]ActionUsage{}
	for _, a := range usage.Actions {
		byAction[a.Action] = a
	}
	assert.Equal(t, LevelMaxed, byAction["posts"].Level)
	assert.Equal(t, LevelActive, byAction["likes"].Level)
	assert.Equal(t, 2*time.Second, usage.MinDelay)
}

func TestConcurrentRecordsAreNotLost(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLimiter(t, 1000, NoRamp{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Record(ctx, "A", "likes"))
		}()
	}
	wg.Wait()

	d, err := l.CanDo(ctx, "A", "likes")
	require.NoError(t, err)
	assert.Equal(t, 20, d.Current)
}

func TestStepRampEdges(t *testing.T) {
	assert.True(t, NewStepRamp(nil).Multiplier(0).Equal(NoRamp{}.Multiplier(0)))
	r := NewStepRamp([]float64{0.5, 1})
	assert.Equal(t, "0.5", r.Multiplier(-3).String())
	assert.Equal(t, "1", r.Multiplier(9).String())
}

func TestReserveTakesSlotAtomically(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLimiter(t, 3, NoRamp{})

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, res, err := l.Reserve(ctx, "A", "posts")
			assert.NoError(t, err)
			if d.Allowed {
				assert.NotNil(t, res)
				mu.Lock()
				granted++
				mu.Unlock()
			} else {
				assert.Nil(t, res)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, granted)
	d, err := l.CanDo(ctx, "A", "posts")
	require.NoError(t, err)
	assert.Equal(t, 3, d.Current)
	assert.False(t, d.Allowed)
}

func TestReserveReportsCountBeforeSlot(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLimiter(t, 1, NoRamp{})

	d, res, err := l.Reserve(ctx, "A", "posts")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "0/1 posts/hr", d.Reason)

	d, res, err = l.Reserve(ctx, "A", "posts")
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.False(t, d.Allowed)
	assert.Equal(t, "Rate limit: 1/1 posts/hr", d.Reason)
}

func TestReleaseReturnsSlotAndFirstJoin(t *testing.T) {
	ctx := context.Background()
	l, clock, store := newLimiter(t, 2, NoRamp{})

	_, res, err := l.Reserve(ctx, "A", "posts")
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, res))

	ledger, _, err := storage.LoadJSON(ctx, store, LedgerKey, newLedger)
	require.NoError(t, err)
	assert.Nil(t, ledger["A"].JoinedAt)
	assert.Empty(t, ledger["A"].Actions["posts"])

	require.NoError(t, l.Record(ctx, "A", "likes"))
	clock.Advance(time.Minute)
	_, res, err = l.Reserve(ctx, "A", "posts")
	require.NoError(t, err)
	_, second, err := l.Reserve(ctx, "A", "posts")
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, res))

	ledger, _, err = storage.LoadJSON(ctx, store, LedgerKey, newLedger)
	require.NoError(t, err)
	require.NotNil(t, ledger["A"].JoinedAt)
	assert.Len(t, ledger["A"].Actions["posts"], 1)
	assert.Len(t, ledger["A"].Actions["likes"], 1)

	require.NoError(t, l.Release(ctx, second))
	require.NoError(t, l.Release(ctx, second))
	require.NoError(t, l.Release(ctx, nil))
}
