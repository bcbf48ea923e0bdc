package anomaly

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"botfleet/internal/config"
	"botfleet/internal/platform"
	"botfleet/internal/storage"
)

// AnalysisKey is the persisted analysis document.
const AnalysisKey = "leaderboard_analysis"

// ErrNoLeaderboard is returned when the views leaderboard is empty.
var ErrNoLeaderboard = errors.New("anomaly: views leaderboard unavailable")

// Source is what the analyzer reads from the platform.
type Source interface {
	Leaderboard(ctx context.Context, metric string, limit int) ([]platform.Leader, error)
	AgentStats(ctx context.Context, name string) (platform.AgentStats, error)
}

// AgentReport is one scored agent.
type AgentReport struct {
	Name         string   `json:"name"`
	Followers    int64    `json:"followers"`
	Views        int64    `json:"views"`
	Likes        int64    `json:"likes_received"`
	Posts        int64    `json:"posts"`
	OfficialRank int      `json:"official_rank,omitempty"`
	VPF          float64  `json:"vpf"`
	LPP          float64  `json:"lpp"`
	VPP          float64  `json:"vpp"`
	QualityScore int64    `json:"quality_score"`
	SybilScore   int      `json:"sybil_score"`
	Evidence     []string `json:"evidence,omitempty"`
}

// TrackedAgent is the running history of one agent.
type TrackedAgent struct {
	FirstSeen   time.Time   `json:"first_seen"`
	LastUpdated time.Time   `json:"last_updated"`
	Latest      AgentReport `json:"latest"`
}

// AnalysisStats are lifetime counters.
type AnalysisStats struct {
	AnalysesRun        int `json:"analyses_run"`
	TotalAgentsTracked int `json:"total_agents_tracked"`
	SybilsDetected     int `json:"sybils_detected"`
}

// AnalysisDocument is the persisted output of Analyze.
type AnalysisDocument struct {
	SybilWatchList []AgentReport           `json:"sybil_watch_list"`
	OfficialTop10  []AgentReport           `json:"official_top_10"`
	RealTop10      []AgentReport           `json:"real_top_10"`
	AllAgents      map[string]TrackedAgent `json:"all_agents"`
	Stats          AnalysisStats           `json:"stats"`
	LastUpdated    *time.Time              `json:"last_updated"`
}

func newAnalysisDocument() AnalysisDocument {
	return AnalysisDocument{
		SybilWatchList: []AgentReport{},
		OfficialTop10:  []AgentReport{},
		RealTop10:      []AgentReport{},
		AllAgents:      map[string]TrackedAgent{},
	}
}

// AnalysisResult summarises one Analyze call.
type AnalysisResult struct {
	OfficialTop10 []AgentReport `json:"official_top_10"`
	RealTop10     []AgentReport `json:"real_top_10"`
	WatchList     []AgentReport `json:"sybil_watch_list"`
	SybilCount    int           `json:"sybil_count"`
	TotalAnalyzed int           `json:"total_analyzed"`
}

// AnalyzerOptions configure an Analyzer.
type AnalyzerOptions struct {
	Thresholds            Thresholds
	WatchCutoff           int
	WatchListSize         int
	MinViewsForStats      int64
	SybilScanMinFollowers int64
	SybilScanMaxVPF       float64
	LeaderboardLimit      int
	TopN                  int
	Retries               int
	Clock                 func() time.Time
}

// AnalyzerOptionsFromConfig maps runtime configuration onto analyzer options.
func AnalyzerOptionsFromConfig(cfg *config.Config) AnalyzerOptions {
	return AnalyzerOptions{
		Thresholds:            ThresholdsFromConfig(cfg.Anomaly),
		WatchCutoff:           cfg.Anomaly.WatchCutoff,
		WatchListSize:         cfg.Anomaly.WatchListSize,
		MinViewsForStats:      cfg.Anomaly.MinViewsForStats,
		SybilScanMinFollowers: cfg.Anomaly.SybilScanMinFollowers,
		LeaderboardLimit:      cfg.Anomaly.LeaderboardLimit,
		Retries:               cfg.State.UpdateRetries,
	}
}

// Analyzer scores the leaderboard and maintains the sybil watch list.
type Analyzer struct {
	store  storage.StateStore
	source Source
	opts   AnalyzerOptions
	logger zerolog.Logger
}

// NewAnalyzer constructs an Analyzer.
func NewAnalyzer(store storage.StateStore, source Source, opts AnalyzerOptions, logger zerolog.Logger) *Analyzer {
	if len(opts.Thresholds.VPFBands) == 0 {
		opts.Thresholds = DefaultThresholds()
	}
	if opts.WatchCutoff <= 0 {
		opts.WatchCutoff = 70
	}
	if opts.WatchListSize <= 0 {
		opts.WatchListSize = 20
	}
	if opts.MinViewsForStats <= 0 {
		opts.MinViewsForStats = 1000
	}
	if opts.SybilScanMinFollowers <= 0 {
		opts.SybilScanMinFollowers = 100
	}
	if opts.SybilScanMaxVPF <= 0 {
		opts.SybilScanMaxVPF = 5
	}
	if opts.LeaderboardLimit <= 0 {
		opts.LeaderboardLimit = 100
	}
	if opts.TopN <= 0 {
		opts.TopN = 10
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Analyzer{
		store:  store,
		source: source,
		opts:   opts,
		logger: logger.With().Str("component", "analyzer").Logger(),
	}
}

// Analyze fetches the views and followers leaderboards, scores every agent
// and persists the official and adjusted top lists plus the watch list.
func (a *Analyzer) Analyze(ctx context.Context) (AnalysisResult, error) {
	viewsBoard, err := a.source.Leaderboard(ctx, "views", a.opts.LeaderboardLimit)
	if err != nil {
		return AnalysisResult{}, fmt.Errorf("fetch views leaderboard: %w", err)
	}
	if len(viewsBoard) == 0 {
		return AnalysisResult{}, ErrNoLeaderboard
	}
	followersBoard, err := a.source.Leaderboard(ctx, "followers", a.opts.LeaderboardLimit)
	if err != nil {
		a.logger.Warn().Err(err).Msg("followers leaderboard unavailable, scoring without it")
		followersBoard = nil
	}

	followersByName := make(map[string]int64, len(followersBoard))
	for _, l := range followersBoard {
		followersByName[l.Name] = l.Value
	}
	viewsByName := make(map[string]int64, len(viewsBoard))
	for _, l := range viewsBoard {
		viewsByName[l.Name] = l.Value
	}

	var sybils []AgentReport
	for _, l := range followersBoard {
		if l.Value < a.opts.SybilScanMinFollowers {
			continue
		}
		m := Metrics{Followers: l.Value, Views: viewsByName[l.Name]}
		assessment := Score(m, a.opts.Thresholds)
		if assessment.Score >= a.opts.WatchCutoff && assessment.VPF < a.opts.SybilScanMaxVPF {
			r := report(l.Name, 0, m, assessment)
			// no engagement data from the follower scan, nothing to rank on
			r.QualityScore = 0
			sybils = append(sybils, r)
			a.logger.Info().Str("agent", l.Name).Int64("followers", m.Followers).Int64("views", m.Views).Msg("sybil flagged")
		}
	}

	var analyzed []AgentReport
	for _, l := range viewsBoard {
		m := Metrics{Followers: followersByName[l.Name], Views: l.Value}
		if l.Value < a.opts.MinViewsForStats {
			continue
		}
		stats, err := a.source.AgentStats(ctx, l.Name)
		if err != nil {
			a.logger.Warn().Err(err).Str("agent", l.Name).Msg("agent stats unavailable")
		} else {
			m.Likes = stats.Likes
			m.Posts = stats.Posts
		}
		r := report(l.Name, l.Rank, m, Score(m, a.opts.Thresholds))
		analyzed = append(analyzed, r)
		if r.SybilScore >= a.opts.WatchCutoff {
			sybils = append(sybils, r)
		}
	}

	official := append([]AgentReport(nil), analyzed...)
	sort.SliceStable(official, func(i, j int) bool { return official[i].Views > official[j].Views })

	var adjusted []AgentReport
	for _, r := range analyzed {
		if r.SybilScore < a.opts.WatchCutoff {
			adjusted = append(adjusted, r)
		}
	}
	sort.SliceStable(adjusted, func(i, j int) bool { return adjusted[i].QualityScore > adjusted[j].QualityScore })

	watch := watchList(sybils, a.opts.WatchListSize)
	res := AnalysisResult{
		OfficialTop10: head(official, a.opts.TopN),
		RealTop10:     head(adjusted, a.opts.TopN),
		WatchList:     watch,
		SybilCount:    len(dedupe(sybils)),
		TotalAnalyzed: len(analyzed),
	}

	now := a.opts.Clock().UTC()
	_, err = storage.UpdateJSON(ctx, a.store, AnalysisKey, newAnalysisDocument, a.opts.Retries, func(doc *AnalysisDocument) error {
		if doc.AllAgents == nil {
			doc.AllAgents = map[string]TrackedAgent{}
		}
		doc.Stats.AnalysesRun++
		for _, r := range analyzed {
			tracked, ok := doc.AllAgents[r.Name]
			if !ok {
				tracked.FirstSeen = now
				doc.Stats.TotalAgentsTracked++
			}
			tracked.Latest = r
			tracked.LastUpdated = now
			doc.AllAgents[r.Name] = tracked
		}
		doc.OfficialTop10 = res.OfficialTop10
		doc.RealTop10 = res.RealTop10
		doc.SybilWatchList = res.WatchList
		doc.Stats.SybilsDetected = res.SybilCount
		doc.LastUpdated = &now
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("save analysis: %w", err)
	}

	a.logger.Info().Int("analyzed", res.TotalAnalyzed).Int("sybils", res.SybilCount).Msg("analysis complete")
	return res, nil
}

// Document returns the last persisted analysis.
func (a *Analyzer) Document(ctx context.Context) (AnalysisDocument, error) {
	doc, _, err := storage.LoadJSON(ctx, a.store, AnalysisKey, newAnalysisDocument)
	if err != nil && !storage.IsCorrupt(err) {
		return AnalysisDocument{}, err
	}
	return doc, nil
}

func report(name string, rank int, m Metrics, assessment Assessment) AgentReport {
	q := Quality(m)
	r := AgentReport{
		Name:         name,
		Followers:    m.Followers,
		Views:        m.Views,
		Likes:        m.Likes,
		Posts:        m.Posts,
		OfficialRank: rank,
		VPF:          q.VPF,
		LPP:          q.LPP,
		VPP:          q.VPP,
		QualityScore: q.Total,
		SybilScore:   assessment.Score,
		Evidence:     assessment.Evidence,
	}
	return r
}

// watchList keeps each agent's highest score, sorted, capped at size.
func watchList(sybils []AgentReport, size int) []AgentReport {
	out := dedupe(sybils)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SybilScore != out[j].SybilScore {
			return out[i].SybilScore > out[j].SybilScore
		}
		return out[i].Name < out[j].Name
	})
	return head(out, size)
}

func dedupe(reports []AgentReport) []AgentReport {
	index := make(map[string]int, len(reports))
	out := make([]AgentReport, 0, len(reports))
	for _, r := range reports {
		if i, ok := index[r.Name]; ok {
			if r.SybilScore > out[i].SybilScore {
				out[i] = r
			}
			continue
		}
		index[r.Name] = len(out)
		out = append(out, r)
	}
	return out
}

func head(reports []AgentReport, n int) []AgentReport {
	if reports == nil {
		return []AgentReport{}
	}
	if len(reports) > n {
		return reports[:n]
	}
	return reports
}
