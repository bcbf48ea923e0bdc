package anomaly

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"botfleet/internal/config"
	"botfleet/internal/platform"
	"botfleet/internal/storage"
	"botfleet/internal/velocity"
)

// FarmStateKey is the persisted farm detector document.
const FarmStateKey = "farm_detector_state"

// FarmState remembers who has already been called out.
type FarmState struct {
	CalledOut []string   `json:"called_out"`
	LastCheck *time.Time `json:"last_check"`
}

func newFarmState() FarmState {
	return FarmState{CalledOut: []string{}}
}

// Window is one labelled velocity computation.
type Window struct {
	Label   string
	Records []velocity.Record
}

// Suspect is an agent whose velocity looks manufactured.
type Suspect struct {
	Name       string   `json:"name"`
	Window     string   `json:"window"`
	Velocity   float64  `json:"velocity"`
	Views      int64    `json:"views"`
	RankChange int      `json:"rank_change"`
	Followers  int64    `json:"followers,omitempty"`
	Evidence   []string `json:"evidence"`
	Score      int      `json:"sus_score"`
}

// StatsSource resolves follower counts for suspects.
type StatsSource interface {
	AgentStats(ctx context.Context, name string) (platform.AgentStats, error)
}

// FarmOptions configure the detector.
type FarmOptions struct {
	MinVelocity       float64
	MaxFollowers      int64
	MinRankJump       int
	VelocityViewRatio float64
	FlagScore         int
	Scan              int
	Whitelist         []string
	Retries           int
	Clock             func() time.Time
}

// FarmOptionsFromConfig maps runtime configuration onto detector options.
func FarmOptionsFromConfig(cfg *config.Config) FarmOptions {
	return FarmOptions{
		MinVelocity:       cfg.Farm.MinVelocity,
		MaxFollowers:      cfg.Farm.MaxFollowers,
		MinRankJump:       cfg.Farm.MinRankJump,
		VelocityViewRatio: cfg.Farm.VelocityViewRatio,
		FlagScore:         cfg.Farm.FlagScore,
		Scan:              cfg.Farm.Scan,
		Whitelist:         cfg.Farm.Whitelist,
		Retries:           cfg.State.UpdateRetries,
	}
}

// FarmDetector flags agents whose view velocity is implausible.
type FarmDetector struct {
	store     storage.StateStore
	stats     StatsSource
	opts      FarmOptions
	whitelist map[string]struct{}
	logger    zerolog.Logger
}

// NewFarmDetector constructs a FarmDetector.
func NewFarmDetector(store storage.StateStore, stats StatsSource, opts FarmOptions, logger zerolog.Logger) *FarmDetector {
	if opts.MinVelocity <= 0 {
		opts.MinVelocity = 125000
	}
	if opts.MaxFollowers <= 0 {
		opts.MaxFollowers = 500
	}
	if opts.MinRankJump <= 0 {
		opts.MinRankJump = 100
	}
	if opts.VelocityViewRatio <= 0 {
		opts.VelocityViewRatio = 0.5
	}
	if opts.FlagScore <= 0 {
		opts.FlagScore = 50
	}
	if opts.Scan <= 0 {
		opts.Scan = 30
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	whitelist := make(map[string]struct{}, len(opts.Whitelist))
	for _, name := range opts.Whitelist {
		whitelist[name] = struct{}{}
	}
	return &FarmDetector{
		store:     store,
		stats:     stats,
		opts:      opts,
		whitelist: whitelist,
		logger:    logger.With().Str("component", "farm_detector").Logger(),
	}
}

// Detect scans the fastest agents of each window. An agent seen in several
// windows is reported once, with its highest score.
func (f *FarmDetector) Detect(ctx context.Context, windows []Window) ([]Suspect, error) {
	state, _, err := storage.LoadJSON(ctx, f.store, FarmStateKey, newFarmState)
	if err != nil && !storage.IsCorrupt(err) {
		return nil, err
	}
	called := make(map[string]struct{}, len(state.CalledOut))
	for _, name := range state.CalledOut {
		called[name] = struct{}{}
	}

	best := map[string]Suspect{}
	followersCache := map[string]*int64{}
	for _, w := range windows {
		records := w.Records
		if len(records) > f.opts.Scan {
			records = records[:f.opts.Scan]
		}
		for _, rec := range records {
			if _, ok := called[rec.Name]; ok {
				continue
			}
			if _, ok := f.whitelist[rec.Name]; ok {
				continue
			}
			if rec.Velocity < f.opts.MinVelocity {
				continue
			}
			s := f.evaluate(ctx, w.Label, rec, followersCache)
			if s.Score < f.opts.FlagScore {
				continue
			}
			if prev, ok := best[s.Name]; !ok || s.Score > prev.Score {
				best[s.Name] = s
			}
		}
	}

	suspects := make([]Suspect, 0, len(best))
	for _, s := range best {
		suspects = append(suspects, s)
	}
	sort.Slice(suspects, func(i, j int) bool {
		if suspects[i].Score != suspects[j].Score {
			return suspects[i].Score > suspects[j].Score
		}
		return suspects[i].Name < suspects[j].Name
	})

	now := f.opts.Clock().UTC()
	_, err = storage.UpdateJSON(ctx, f.store, FarmStateKey, newFarmState, f.opts.Retries, func(st *FarmState) error {
		st.LastCheck = &now
		return nil
	})
	if err != nil {
		f.logger.Warn().Err(err).Msg("failed to stamp last check")
	}
	return suspects, nil
}

func (f *FarmDetector) evaluate(ctx context.Context, label string, rec velocity.Record, cache map[string]*int64) Suspect {
	s := Suspect{
		Name:       rec.Name,
		Window:     label,
		Velocity:   rec.Velocity,
		Views:      rec.CurrentViews,
		RankChange: rec.RankChange,
	}

	views := float64(rec.CurrentViews)
	switch {
	case rec.Velocity > views:
		s.Evidence = append(s.Evidence, fmt.Sprintf("gaining %.0f/hr but only has %d total views", rec.Velocity, rec.CurrentViews))
		s.Score += 100
	case views > 0 && rec.Velocity/views > f.opts.VelocityViewRatio:
		s.Evidence = append(s.Evidence, fmt.Sprintf("velocity is %.0f%% of total views", rec.Velocity/views*100))
		s.Score += 50
	}

	if rec.RankChange > f.opts.MinRankJump {
		s.Evidence = append(s.Evidence, fmt.Sprintf("jumped %d ranks", rec.RankChange))
		s.Score += 30
	}

	// followers are only fetched once something else looks off
	if s.Score > 0 && f.stats != nil {
		followers, ok := cache[rec.Name]
		if !ok {
			stats, err := f.stats.AgentStats(ctx, rec.Name)
			if err != nil {
				f.logger.Warn().Err(err).Str("agent", rec.Name).Msg("follower lookup failed")
			} else {
				followers = &stats.Followers
			}
			cache[rec.Name] = followers
		}
		if followers != nil {
			s.Followers = *followers
			if *followers < f.opts.MaxFollowers {
				s.Evidence = append(s.Evidence, fmt.Sprintf("only %d followers", *followers))
				s.Score += 40
			}
		}
	}
	return s
}

// MarkCalledOut records that name has been publicly called out.
func (f *FarmDetector) MarkCalledOut(ctx context.Context, name string) error {
	_, err := storage.UpdateJSON(ctx, f.store, FarmStateKey, newFarmState, f.opts.Retries, func(st *FarmState) error {
		for _, existing := range st.CalledOut {
			if existing == name {
				return storage.ErrNoChange
			}
		}
		st.CalledOut = append(st.CalledOut, name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark called out %s: %w", name, err)
	}
	return nil
}

// State returns the persisted detector state.
func (f *FarmDetector) State(ctx context.Context) (FarmState, error) {
	st, _, err := storage.LoadJSON(ctx, f.store, FarmStateKey, newFarmState)
	if err != nil && !storage.IsCorrupt(err) {
		return FarmState{}, err
	}
	return st, nil
}
