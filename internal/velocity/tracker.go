package velocity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"botfleet/internal/config"
	"botfleet/internal/platform"
	"botfleet/internal/storage"
)

// UnrankedPosition is the rank of an agent missing from a snapshot.
const UnrankedPosition = 999

// ErrNoData is returned when the leaderboard fetch yields nothing.
var ErrNoData = errors.New("velocity: leaderboard returned no agents")

// LeaderboardSource supplies the ranked metric.
type LeaderboardSource interface {
	Leaderboard(ctx context.Context, metric string, limit int) ([]platform.Leader, error)
}

// Options configure a Tracker.
type Options struct {
	Metric       string
	Limit        int
	MaxSnapshots int
	MinElapsed   time.Duration
	RecordsSize  int
	RecordsTopN  int
	Retries      int
	Clock        func() time.Time
}

// Record is the per-agent movement between two snapshots.
type Record struct {
	Name         string  `json:"name"`
	CurrentViews int64   `json:"current_views"`
	OldViews     int64   `json:"old_views"`
	ViewsGained  int64   `json:"views_gained"`
	Velocity     float64 `json:"velocity"`
	CurrentRank  int     `json:"current_rank"`
	RankChange   int     `json:"rank_change"`
	HoursTracked float64 `json:"hours_tracked"`
}

// SnapshotResult summarises TakeSnapshot.
type SnapshotResult struct {
	Timestamp      time.Time `json:"timestamp"`
	AgentsTracked  int       `json:"agents_tracked"`
	TotalSnapshots int       `json:"total_snapshots"`
}

// Report is the fastest-climber view of one window.
type Report struct {
	Window          time.Duration `json:"window"`
	FastestClimbers []Record      `json:"fastest_climbers"`
	Self            *Record       `json:"self,omitempty"`
	TotalTracked    int           `json:"total_tracked"`
	HoursCompared   float64       `json:"hours_compared"`
}

// Point is one sample of an agent's series.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     int64     `json:"value"`
}

// Tracker maintains the snapshot series.
type Tracker struct {
	store  storage.StateStore
	source LeaderboardSource
	opts   Options
	logger zerolog.Logger
}

// OptionsFromConfig maps runtime configuration onto tracker options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Metric:       cfg.Velocity.Metric,
		Limit:        cfg.Velocity.Limit,
		MaxSnapshots: cfg.Velocity.MaxSnapshots,
		MinElapsed:   cfg.Velocity.MinElapsed,
		RecordsSize:  cfg.Velocity.RecordsSize,
		RecordsTopN:  cfg.Velocity.RecordsTopN,
		Retries:      cfg.State.UpdateRetries,
	}
}

// New constructs a Tracker.
func New(store storage.StateStore, source LeaderboardSource, opts Options, logger zerolog.Logger) *Tracker {
	if opts.Metric == "" {
		opts.Metric = "views"
	}
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	if opts.MaxSnapshots < 2 {
		opts.MaxSnapshots = 50
	}
	if opts.MinElapsed <= 0 {
		opts.MinElapsed = 36 * time.Second
	}
	if opts.RecordsSize <= 0 {
		opts.RecordsSize = 20
	}
	if opts.RecordsTopN <= 0 {
		opts.RecordsTopN = 5
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Tracker{
		store:  store,
		source: source,
		opts:   opts,
		logger: logger.With().Str("component", "velocity").Logger(),
	}
}

// TakeSnapshot captures the leaderboard and appends it, evicting the oldest
// snapshots past the cap. A failed or empty fetch appends nothing.
func (t *Tracker) TakeSnapshot(ctx context.Context) (SnapshotResult, error) {
	leaders, err := t.source.Leaderboard(ctx, t.opts.Metric, t.opts.Limit)
	if err != nil {
		return SnapshotResult{}, fmt.Errorf("fetch leaderboard: %w", err)
	}
	agents := make(map[string]int64, len(leaders))
	for _, l := range leaders {
		if l.Name != "" {
			agents[l.Name] = l.Value
		}
	}
	if len(agents) == 0 {
		return SnapshotResult{}, ErrNoData
	}

	snap := Snapshot{Timestamp: t.opts.Clock().UTC(), Agents: agents}
	doc, err := storage.UpdateJSON(ctx, t.store, DocumentKey, newDocument, t.opts.Retries, func(doc *Document) error {
		doc.MaxSnapshots = t.opts.MaxSnapshots
		doc.Snapshots = append(doc.Snapshots, snap)
		if over := len(doc.Snapshots) - doc.MaxSnapshots; over > 0 {
			doc.Snapshots = append([]Snapshot(nil), doc.Snapshots[over:]...)
		}
		return nil
	})
	if err != nil {
		return SnapshotResult{}, fmt.Errorf("save snapshot: %w", err)
	}

	res := SnapshotResult{
		Timestamp:      snap.Timestamp,
		AgentsTracked:  len(agents),
		TotalSnapshots: len(doc.Snapshots),
	}
	t.logger.Info().Int("agents", res.AgentsTracked).Int("snapshots", res.TotalSnapshots).Msg("snapshot taken")
	return res, nil
}

// Calculate diffs the latest snapshot against the one closest to
// window ago. Fewer than two snapshots, or a baseline too close in time,
// yields an empty result.
func (t *Tracker) Calculate(ctx context.Context, window time.Duration) ([]Record, error) {
	doc, err := t.load(ctx)
	if err != nil {
		return nil, err
	}
	return Compute(doc.Snapshots, window, t.opts.MinElapsed), nil
}

// Compute is the pure core of Calculate.
func Compute(snapshots []Snapshot, window, minElapsed time.Duration) []Record {
	if len(snapshots) < 2 {
		return nil
	}
	current := snapshots[len(snapshots)-1]
	target := current.Timestamp.Add(-window)

	baseline := snapshots[0]
	best := absDuration(baseline.Timestamp.Sub(target))
	for _, snap := range snapshots[1 : len(snapshots)-1] {
		if diff := absDuration(snap.Timestamp.Sub(target)); diff < best {
			best = diff
			baseline = snap
		}
	}

	elapsed := current.Timestamp.Sub(baseline.Timestamp)
	if elapsed < minElapsed {
		return nil
	}
	hours := elapsed.Hours()

	currentRanks := ranks(current.Agents)
	baselineRanks := ranks(baseline.Agents)

	out := make([]Record, 0, len(current.Agents))
	for name, views := range current.Agents {
		old := baseline.Agents[name]
		gained := views - old

		currentRank, ok := currentRanks[name]
		if !ok {
			currentRank = UnrankedPosition
		}
		oldRank, ok := baselineRanks[name]
		if !ok {
			oldRank = UnrankedPosition
		}

		out = append(out, Record{
			Name:         name,
			CurrentViews: views,
			OldViews:     old,
			ViewsGained:  gained,
			Velocity:     round(float64(gained)/hours, 1),
			CurrentRank:  currentRank,
			RankChange:   oldRank - currentRank,
			HoursTracked: round(hours, 2),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Velocity != out[j].Velocity {
			return out[i].Velocity > out[j].Velocity
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// UpdateRecords folds the top velocities into the hall of fame for label.
// Existing names are only replaced by a strictly higher velocity.
func (t *Tracker) UpdateRecords(ctx context.Context, velocities []Record, label string) ([]HighScore, error) {
	if len(velocities) == 0 {
		return nil, nil
	}
	now := t.opts.Clock().UTC()
	key := RecordKey(label)

	doc, err := storage.UpdateJSON(ctx, t.store, DocumentKey, newDocument, t.opts.Retries, func(doc *Document) error {
		if doc.Records == nil {
			doc.Records = map[string][]HighScore{}
		}
		doc.Records[key] = MergeRecords(doc.Records[key], velocities, now, t.opts.RecordsTopN, t.opts.RecordsSize)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update records %s: %w", label, err)
	}
	return doc.Records[key], nil
}

// MergeRecords applies the top-N candidates to records and keeps the best size.
func MergeRecords(records []HighScore, velocities []Record, now time.Time, topN, size int) []HighScore {
	out := append([]HighScore(nil), records...)
	if len(velocities) > topN {
		velocities = velocities[:topN]
	}
	for _, v := range velocities {
		if v.Velocity <= 0 {
			continue
		}
		found := false
		for i := range out {
			if out[i].Name != v.Name {
				continue
			}
			found = true
			if v.Velocity > out[i].Velocity {
				out[i].Velocity = v.Velocity
				out[i].ViewsGained = v.ViewsGained
				out[i].RecordedAt = now
			}
		}
		if !found {
			out = append(out, HighScore{Name: v.Name, Velocity: v.Velocity, ViewsGained: v.ViewsGained, RecordedAt: now})
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].Velocity > out[j].Velocity })
		if len(out) > size {
			out = out[:size]
		}
	}
	if out == nil {
		out = []HighScore{}
	}
	return out
}

// Records returns every hall of fame.
func (t *Tracker) Records(ctx context.Context) (map[string][]HighScore, error) {
	doc, err := t.load(ctx)
	if err != nil {
		return nil, err
	}
	return doc.Records, nil
}

// Report returns the topN fastest climbers and self's own entry.
func (t *Tracker) Report(ctx context.Context, window time.Duration, topN int, self string) (Report, error) {
	velocities, err := t.Calculate(ctx, window)
	if err != nil {
		return Report{}, err
	}
	rep := Report{Window: window, TotalTracked: len(velocities)}
	if len(velocities) == 0 {
		return rep, nil
	}
	rep.HoursCompared = velocities[0].HoursTracked
	for i := range velocities {
		if velocities[i].Name == self {
			v := velocities[i]
			rep.Self = &v
			break
		}
	}
	if topN > 0 && len(velocities) > topN {
		velocities = velocities[:topN]
	}
	rep.FastestClimbers = velocities
	return rep, nil
}

// Series returns name's metric across stored snapshots, oldest first.
func (t *Tracker) Series(ctx context.Context, name string) ([]Point, error) {
	doc, err := t.load(ctx)
	if err != nil {
		return nil, err
	}
	var points []Point
	for _, snap := range doc.Snapshots {
		if v, ok := snap.Agents[name]; ok {
			points = append(points, Point{Timestamp: snap.Timestamp, Value: v})
		}
	}
	return points, nil
}

// Snapshots returns the stored series.
func (t *Tracker) Snapshots(ctx context.Context) ([]Snapshot, error) {
	doc, err := t.load(ctx)
	if err != nil {
		return nil, err
	}
	return doc.Snapshots, nil
}

func (t *Tracker) load(ctx context.Context) (Document, error) {
	doc, _, err := storage.LoadJSON(ctx, t.store, DocumentKey, newDocument)
	if err != nil {
		if storage.IsCorrupt(err) {
			t.logger.Warn().Err(err).Msg("velocity document unreadable, starting empty")
			return newDocument(), nil
		}
		return Document{}, err
	}
	return doc, nil
}

// ranks orders agents by value descending, ties broken by name.
func ranks(agents map[string]int64) map[string]int {
	names := make([]string, 0, len(agents))
	for name := range agents {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if agents[names[i]] != agents[names[j]] {
			return agents[names[i]] > agents[names[j]]
		}
		return names[i] < names[j]
	})
	out := make(map[string]int, len(names))
	for i, name := range names {
		out[name] = i + 1
	}
	return out
}

func round(v float64, places int32) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return v
	}
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
