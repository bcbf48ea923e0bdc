package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botfleet/internal/alerting"
	"botfleet/internal/anomaly"
	"botfleet/internal/engage"
	"botfleet/internal/reciprocity"
	"botfleet/internal/velocity"
)

type stubVelocity struct {
	snapErr error
	recs    map[time.Duration][]velocity.Record
	updated []string
}

func (v *stubVelocity) TakeSnapshot(context.Context) (velocity.SnapshotResult, error) {
	if v.snapErr != nil {
		return velocity.SnapshotResult{}, v.snapErr
	}
	return velocity.SnapshotResult{AgentsTracked: 3, TotalSnapshots: 2}, nil
}

func (v *stubVelocity) Calculate(_ context.Context, w time.Duration) ([]velocity.Record, error) {
	return v.recs[w], nil
}

func (v *stubVelocity) UpdateRecords(_ context.Context, _ []velocity.Record, label string) ([]velocity.HighScore, error) {
	v.updated = append(v.updated, label)
	return nil, nil
}

type stubFarm struct {
	suspects []anomaly.Suspect
	called   []string
}

func (f *stubFarm) Detect(context.Context, []anomaly.Window) ([]anomaly.Suspect, error) {
	return f.suspects, nil
}

func (f *stubFarm) MarkCalledOut(_ context.Context, name string) error {
	f.called = append(f.called, name)
	return nil
}

type stubAnalyzer struct {
	runs  int
	watch []anomaly.AgentReport
}

func (a *stubAnalyzer) Analyze(context.Context) (anomaly.AnalysisResult, error) {
	a.runs++
	return anomaly.AnalysisResult{WatchList: a.watch}, nil
}

type stubReciprocity struct {
	sweepErr error
	hunted   int
	calls    []string
}

func (r *stubReciprocity) Sweep(context.Context) (reciprocity.SweepResult, error) {
	r.calls = append(r.calls, "sweep")
	return reciprocity.SweepResult{Pending: 2}, r.sweepErr
}

func (r *stubReciprocity) Hunt(context.Context) (reciprocity.HuntResult, error) {
	r.calls = append(r.calls, "hunt")
	r.hunted++
	return reciprocity.HuntResult{Followed: []string{"x"}}, nil
}

type stubEngage struct{ runs int }

func (e *stubEngage) Run(context.Context) (engage.Result, error) {
	e.runs++
	return engage.Result{Replied: 1}, nil
}

type platformName string

func (p platformName) ActivePlatform(context.Context) (string, string) { return string(p), "config" }

type alertSink struct {
	alerts []alerting.Alert
	err    error
}

func (s *alertSink) Notify(_ context.Context, a alerting.Alert) error {
	s.alerts = append(s.alerts, a)
	return s.err
}

type recorder struct {
	steps    map[string]int
	failed   map[string]int
	cycles   int
	suspects int
	pending  int
}

func newRecorder() *recorder { return &recorder{steps: map[string]int{}, failed: map[string]int{}} }

func (r *recorder) ObserveStep(step string, _ time.Duration, err error) {
	r.steps[step]++
	if err != nil {
		r.failed[step]++
	}
}
func (r *recorder) ObserveCycle(time.Time)  { r.cycles++ }
func (r *recorder) SetSuspects(n int)       { r.suspects = n }
func (r *recorder) SetWatchList(int)        {}
func (r *recorder) SetPendingFollows(n int) { r.pending = n }

type locker struct {
	acquired bool
	err      error
	unlocked int
}

func (l *locker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	return func() { l.unlocked++ }, l.acquired, l.err
}

func TestRunCycleRunsEveryStep(t *testing.T) {
	vel := &stubVelocity{recs: map[time.Duration][]velocity.Record{
		time.Hour: {{Name: "fast", Velocity: 300000, CurrentViews: 1000}},
	}}
	farm := &stubFarm{suspects: []anomaly.Suspect{{Name: "fast", Score: 170, Window: "1h"}}}
	analyzer := &stubAnalyzer{watch: []anomaly.AgentReport{{Name: "ghost", SybilScore: 100}}}
	recip := &stubReciprocity{}
	eng := &stubEngage{}
	alerts := &alertSink{}
	callout := &alertSink{}
	rec := newRecorder()

	svc := New(nil, Components{
		Velocity:    vel,
		Farm:        farm,
		Analyzer:    analyzer,
		Reciprocity: recip,
		Engage:      eng,
		Platform:    platformName("moltx"),
		Alerts:      alerts,
		Callout:     callout,
		Metrics:     rec,
	}, Options{}, zerolog.Nop())

	report, err := svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, report.ID)
	assert.Equal(t, "moltx", report.Platform)
	assert.Empty(t, report.Errors)
	require.NotNil(t, report.Snapshot)
	assert.Contains(t, report.Velocities, "1h")
	assert.NotContains(t, report.Velocities, "30m")
	assert.Equal(t, []string{"1h"}, vel.updated)

	require.Len(t, report.Suspects, 1)
	assert.Equal(t, []string{"fast"}, farm.called)
	require.Len(t, alerts.alerts, 2)
	assert.Equal(t, alerting.KindFarm, alerts.alerts[0].Kind)
	assert.Equal(t, "moltx", alerts.alerts[0].Platform)
	assert.Equal(t, alerting.KindSybil, alerts.alerts[1].Kind)
	assert.Len(t, callout.alerts, 1)

	assert.Equal(t, 1, analyzer.runs)
	assert.Equal(t, 1, recip.hunted)
	assert.Equal(t, 1, eng.runs)
	assert.Equal(t, 1, rec.cycles)
	assert.Equal(t, 1, rec.suspects)
	assert.Equal(t, 3, rec.pending)
	assert.Equal(t, 1, rec.steps[StepEngage])

	// same watch list again: no repeat alert
	_, err = svc.RunCycle(context.Background())
	require.NoError(t, err)
	sybil := 0
	for _, a := range alerts.alerts {
		if a.Kind == alerting.KindSybil {
			sybil++
		}
	}
	assert.Equal(t, 1, sybil)
}

func TestStepFailureDoesNotStopCycle(t *testing.T) {
	vel := &stubVelocity{snapErr: errors.New("leaderboard down")}
	recip := &stubReciprocity{sweepErr: reciprocity.ErrFollowersUnavailable}
	eng := &stubEngage{}
	rec := newRecorder()

	svc := New(nil, Components{Velocity: vel, Reciprocity: recip, Engage: eng, Metrics: rec}, Options{}, zerolog.Nop())
	report, err := svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Contains(t, report.Errors[StepSnapshot], "leaderboard down")
	assert.Contains(t, report.Errors[StepReciprocity], "followers unavailable")
	assert.Equal(t, 1, recip.hunted)
	assert.Equal(t, 1, eng.runs)
	assert.Equal(t, 1, rec.failed[StepSnapshot])
}

func TestReciprocitySweepsBeforeHunting(t *testing.T) {
	recip := &stubReciprocity{}
	rec := newRecorder()
	svc := New(nil, Components{Reciprocity: recip, Metrics: rec}, Options{}, zerolog.Nop())

	report, err := svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"sweep", "hunt"}, recip.calls)
	require.NotNil(t, report.Sweep)
	require.NotNil(t, report.Hunt)
	assert.Equal(t, 3, rec.pending)
}

func TestAnalyzeEvery(t *testing.T) {
	analyzer := &stubAnalyzer{}
	svc := New(nil, Components{Analyzer: analyzer}, Options{AnalyzeEvery: 3}, zerolog.Nop())
	for i := 0; i < 7; i++ {
		_, err := svc.RunCycle(context.Background())
		require.NoError(t, err)
	}
	// cycles 1, 4 and 7
	assert.Equal(t, 3, analyzer.runs)
}

func TestCalloutFailureIsNotRecorded(t *testing.T) {
	vel := &stubVelocity{recs: map[time.Duration][]velocity.Record{time.Hour: {{Name: "fast"}}}}
	farm := &stubFarm{suspects: []anomaly.Suspect{{Name: "fast", Score: 100}}}
	callout := &alertSink{err: alerting.ErrCalloutNotPosted}

	svc := New(nil, Components{Velocity: vel, Farm: farm, Callout: callout}, Options{}, zerolog.Nop())
	_, err := svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, farm.called)
}

func TestAdvisoryLock(t *testing.T) {
	eng := &stubEngage{}
	busy := &locker{acquired: false}
	svc := New(nil, Components{Engage: eng, Locker: busy}, Options{LockKey: 42}, zerolog.Nop())
	report, err := svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Zero(t, eng.runs)

	free := &locker{acquired: true}
	svc = New(nil, Components{Engage: eng, Locker: free}, Options{LockKey: 42}, zerolog.Nop())
	_, err = svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, eng.runs)
	assert.Equal(t, 1, free.unlocked)

	broken := &locker{err: errors.New("conn reset")}
	svc = New(nil, Components{Engage: eng, Locker: broken}, Options{LockKey: 42}, zerolog.Nop())
	_, err = svc.RunCycle(context.Background())
	require.Error(t, err)

	svc = New(nil, Components{Engage: eng, Locker: busy}, Options{}, zerolog.Nop())
	_, err = svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, eng.runs)
}

func TestRunRequiresScheduler(t *testing.T) {
	svc := New(nil, Components{}, Options{}, zerolog.Nop())
	require.Error(t, svc.Run(context.Background()))
}
