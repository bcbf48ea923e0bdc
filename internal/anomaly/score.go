package anomaly

import (
	"fmt"

	"github.com/shopspring/decimal"

	"botfleet/internal/config"
)

// Metrics are one agent's aggregate counters.
type Metrics struct {
	Followers int64 `json:"followers"`
	Views     int64 `json:"views"`
	Likes     int64 `json:"likes_received"`
	Posts     int64 `json:"posts"`
}

// FarmBand flags sustained view farming: at least MinPosts posts averaging
// at least MinVPP views each.
type FarmBand struct {
	MinPosts int64
	MinVPP   float64
	Score    int
}

// VPFBand scores views-per-follower strictly below Below.
type VPFBand struct {
	Below float64
	Score int
}

// Thresholds parameterise Score. Bands are checked in order.
type Thresholds struct {
	FarmBands             []FarmBand
	VPFBands              []VPFBand
	FloorScore            int
	ZeroViewsMinFollowers int64
}

// Assessment is the result of Score.
type Assessment struct {
	Score    int      `json:"sybil_score"`
	VPF      float64  `json:"vpf"`
	VPP      float64  `json:"vpp"`
	Evidence []string `json:"evidence,omitempty"`
}

// DefaultThresholds are the bands observed to separate farms on MoltX.
func DefaultThresholds() Thresholds {
	return Thresholds{
		FarmBands: []FarmBand{
			{MinPosts: 500, MinVPP: 2000, Score: 95},
			{MinPosts: 300, MinVPP: 3000, Score: 90},
			{MinPosts: 200, MinVPP: 5000, Score: 90},
			{MinPosts: 100, MinVPP: 8000, Score: 85},
		},
		VPFBands: []VPFBand{
			{Below: 5, Score: 95},
			{Below: 10, Score: 85},
			{Below: 25, Score: 70},
			{Below: 50, Score: 50},
			{Below: 100, Score: 30},
			{Below: 200, Score: 15},
		},
		FloorScore:            5,
		ZeroViewsMinFollowers: 50,
	}
}

// ThresholdsFromConfig converts configured bands; empty lists keep defaults.
func ThresholdsFromConfig(cfg config.AnomalyConfig) Thresholds {
	th := DefaultThresholds()
	if len(cfg.FarmBands) > 0 {
		th.FarmBands = th.FarmBands[:0:0]
		for _, b := range cfg.FarmBands {
			th.FarmBands = append(th.FarmBands, FarmBand{MinPosts: int64(b.MinPosts), MinVPP: b.MinVPP, Score: b.Score})
		}
	}
	if len(cfg.VPFBands) > 0 {
		th.VPFBands = th.VPFBands[:0:0]
		for _, b := range cfg.VPFBands {
			th.VPFBands = append(th.VPFBands, VPFBand{Below: b.Below, Score: b.Score})
		}
	}
	if cfg.FloorScore > 0 {
		th.FloorScore = cfg.FloorScore
	}
	if cfg.ZeroViewsMinFollowers > 0 {
		th.ZeroViewsMinFollowers = int64(cfg.ZeroViewsMinFollowers)
	}
	return th
}

// Score rates how likely m belongs to a sybil or view farm, 0 to 100.
func Score(m Metrics, th Thresholds) Assessment {
	if m.Followers <= 0 {
		return Assessment{Evidence: []string{"no followers to judge against"}}
	}

	vpf := float64(m.Views) / float64(m.Followers)
	posts := m.Posts
	if posts < 1 {
		posts = 1
	}
	vpp := float64(m.Views) / float64(posts)
	a := Assessment{VPF: vpf, VPP: vpp}

	if m.Views == 0 && m.Followers > th.ZeroViewsMinFollowers {
		a.Score = 100
		a.Evidence = []string{fmt.Sprintf("%d followers but zero views", m.Followers)}
		return a
	}

	for _, band := range th.FarmBands {
		if m.Posts >= band.MinPosts && vpp >= band.MinVPP {
			a.Score = band.Score
			a.Evidence = []string{fmt.Sprintf("%d posts averaging %.0f views/post", m.Posts, vpp)}
			return a
		}
	}

	for _, band := range th.VPFBands {
		if vpf < band.Below {
			a.Score = band.Score
			a.Evidence = []string{fmt.Sprintf("%.1f views per follower (below %.0f)", vpf, band.Below)}
			return a
		}
	}

	a.Score = th.FloorScore
	a.Evidence = []string{fmt.Sprintf("%.1f views per follower", vpf)}
	return a
}

// QualityScore is the composite ranking used for the adjusted top list.
type QualityScore struct {
	VPF          float64 `json:"vpf"`
	LPP          float64 `json:"lpp"`
	VPP          float64 `json:"vpp"`
	VPFComponent int64   `json:"vpf_component"`
	LPPComponent int64   `json:"lpp_component"`
	VPPComponent int64   `json:"vpp_component"`
	Total        int64   `json:"quality_score"`
}

var (
	vpfWeight = decimal.NewFromInt(1000)
	lppWeight = decimal.NewFromInt(10000)
	vppWeight = decimal.NewFromInt(100)
)

// Quality scores engagement: 1000 points per view-per-follower (rounded to
// one decimal first), 10000 per like-per-post and 100 per view-per-post.
func Quality(m Metrics) QualityScore {
	views := decimal.NewFromInt(m.Views)
	likes := decimal.NewFromInt(m.Likes)
	posts := decimal.NewFromInt(max(m.Posts, 1))

	vpf := decimal.Zero
	if m.Followers > 0 {
		vpf = views.DivRound(decimal.NewFromInt(m.Followers), 1)
	}
	lpp := likes.Div(posts)
	vpp := views.Div(posts)

	q := QualityScore{
		VPF:          vpf.InexactFloat64(),
		LPP:          lpp.Round(2).InexactFloat64(),
		VPP:          vpp.Round(1).InexactFloat64(),
		VPFComponent: vpf.Mul(vpfWeight).IntPart(),
		LPPComponent: lpp.Mul(lppWeight).IntPart(),
		VPPComponent: vpp.Mul(vppWeight).IntPart(),
	}
	q.Total = max(q.VPFComponent+q.LPPComponent+q.VPPComponent, 0)
	return q
}
