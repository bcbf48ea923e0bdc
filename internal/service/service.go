package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"botfleet/internal/alerting"
	"botfleet/internal/anomaly"
	"botfleet/internal/engage"
	"botfleet/internal/reciprocity"
	"botfleet/internal/scheduler"
	"botfleet/internal/storage"
	"botfleet/internal/velocity"
)

// Step names used in logs, metrics and CycleReport.Errors.
const (
	StepSnapshot    = "snapshot"
	StepVelocity    = "velocity"
	StepFarm        = "farm"
	StepAnalyze     = "analyze"
	StepReciprocity = "reciprocity"
	StepEngage      = "engage"
)

// Velocity is the snapshot engine.
type Velocity interface {
	TakeSnapshot(ctx context.Context) (velocity.SnapshotResult, error)
	Calculate(ctx context.Context, window time.Duration) ([]velocity.Record, error)
	UpdateRecords(ctx context.Context, velocities []velocity.Record, label string) ([]velocity.HighScore, error)
}

// FarmDetector flags implausible velocity.
type FarmDetector interface {
	Detect(ctx context.Context, windows []anomaly.Window) ([]anomaly.Suspect, error)
	MarkCalledOut(ctx context.Context, name string) error
}

// Analyzer scores the leaderboard.
type Analyzer interface {
	Analyze(ctx context.Context) (anomaly.AnalysisResult, error)
}

// Reciprocity runs the follow-back tracker.
type Reciprocity interface {
	Sweep(ctx context.Context) (reciprocity.SweepResult, error)
	Hunt(ctx context.Context) (reciprocity.HuntResult, error)
}

// Engager answers notifications.
type Engager interface {
	Run(ctx context.Context) (engage.Result, error)
}

// PlatformResolver names the active platform.
type PlatformResolver interface {
	ActivePlatform(ctx context.Context) (string, string)
}

// Recorder receives cycle metrics.
type Recorder interface {
	ObserveStep(step string, d time.Duration, err error)
	ObserveCycle(at time.Time)
	SetSuspects(n int)
	SetWatchList(n int)
	SetPendingFollows(n int)
}

// Components are the collaborators of one cycle. Nil optional members
// skip their step.
type Components struct {
	Velocity    Velocity
	Farm        FarmDetector
	Analyzer    Analyzer
	Reciprocity Reciprocity
	Engage      Engager
	Platform    PlatformResolver
	Alerts      alerting.Notifier
	Callout     alerting.Notifier
	Metrics     Recorder
	Locker      storage.AdvisoryLocker
}

// Options tune the cycle.
type Options struct {
	Windows      []time.Duration
	AnalyzeEvery int
	LockKey      int64
	Clock        func() time.Time
}

// CycleReport summarises one cycle.
type CycleReport struct {
	ID         string                       `json:"id"`
	Started    time.Time                    `json:"started"`
	Duration   time.Duration                `json:"duration"`
	Platform   string                       `json:"platform"`
	Skipped    bool                         `json:"skipped,omitempty"`
	Snapshot   *velocity.SnapshotResult     `json:"snapshot,omitempty"`
	Velocities map[string][]velocity.Record `json:"velocities,omitempty"`
	Suspects   []anomaly.Suspect            `json:"suspects,omitempty"`
	Analysis   *anomaly.AnalysisResult      `json:"analysis,omitempty"`
	Sweep      *reciprocity.SweepResult     `json:"sweep,omitempty"`
	Hunt       *reciprocity.HuntResult      `json:"hunt,omitempty"`
	Engagement *engage.Result               `json:"engagement,omitempty"`
	Errors     map[string]string            `json:"errors,omitempty"`
}

// Service orchestrates one bot cycle per scheduler tick.
type Service struct {
	scheduler *scheduler.Scheduler
	c         Components
	opts      Options
	logger    zerolog.Logger

	mu      sync.Mutex
	cycles  int
	alerted map[string]int
}

// New constructs the service.
func New(sched *scheduler.Scheduler, c Components, opts Options, logger zerolog.Logger) *Service {
	if len(opts.Windows) == 0 {
		opts.Windows = []time.Duration{time.Hour, 30 * time.Minute}
	}
	if opts.AnalyzeEvery <= 0 {
		opts.AnalyzeEvery = 1
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Service{
		scheduler: sched,
		c:         c,
		opts:      opts,
		logger:    logger.With().Str("component", "service").Logger(),
		alerted:   map[string]int{},
	}
}

// Run runs a cycle immediately, then one per scheduler tick.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.RunImmediately(ctx, func(ctx context.Context, _ time.Time) error {
		_, err := s.RunCycle(ctx)
		return err
	})
}

// RunCycle executes every step once. Step failures are logged and recorded
// in the report; only lock errors abort the cycle.
func (s *Service) RunCycle(ctx context.Context) (CycleReport, error) {
	report := CycleReport{ID: uuid.NewString(), Started: s.opts.Clock().UTC(), Errors: map[string]string{}}
	logger := s.logger.With().Str("cycle_id", report.ID).Logger()

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return report, err
	}
	if !proceed {
		logger.Debug().Msg("skip cycle because advisory lock held elsewhere")
		report.Skipped = true
		return report, nil
	}
	if unlock != nil {
		defer unlock()
	}

	s.mu.Lock()
	s.cycles++
	cycle := s.cycles
	s.mu.Unlock()

	if s.c.Platform != nil {
		report.Platform, _ = s.c.Platform.ActivePlatform(ctx)
	}
	logger.Info().Int("cycle", cycle).Str("platform", report.Platform).Msg("cycle started")

	var windows []anomaly.Window
	if s.c.Velocity != nil {
		s.step(ctx, logger, &report, StepSnapshot, func(ctx context.Context) error {
			res, err := s.c.Velocity.TakeSnapshot(ctx)
			if err != nil {
				return err
			}
			report.Snapshot = &res
			return nil
		})
		s.step(ctx, logger, &report, StepVelocity, func(ctx context.Context) error {
			var err error
			windows, err = s.velocities(ctx, &report)
			return err
		})
	}

	if s.c.Farm != nil && len(windows) > 0 {
		s.step(ctx, logger, &report, StepFarm, func(ctx context.Context) error {
			return s.detectFarms(ctx, logger, &report, windows)
		})
	}

	if s.c.Analyzer != nil && (cycle-1)%s.opts.AnalyzeEvery == 0 {
		s.step(ctx, logger, &report, StepAnalyze, func(ctx context.Context) error {
			return s.analyze(ctx, logger, &report)
		})
	}

	if s.c.Reciprocity != nil {
		s.step(ctx, logger, &report, StepReciprocity, func(ctx context.Context) error {
			return s.reciprocate(ctx, &report)
		})
	}

	if s.c.Engage != nil {
		s.step(ctx, logger, &report, StepEngage, func(ctx context.Context) error {
			res, err := s.c.Engage.Run(ctx)
			if err != nil {
				return err
			}
			report.Engagement = &res
			return nil
		})
	}

	finished := s.opts.Clock().UTC()
	report.Duration = finished.Sub(report.Started)
	if s.c.Metrics != nil {
		s.c.Metrics.ObserveCycle(finished)
	}
	logger.Info().Dur("duration", report.Duration).Int("failed_steps", len(report.Errors)).Msg("cycle finished")
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

func (s *Service) step(ctx context.Context, logger zerolog.Logger, report *CycleReport, name string, fn func(context.Context) error) {
	if ctx.Err() != nil {
		return
	}
	started := time.Now()
	err := fn(ctx)
	if s.c.Metrics != nil {
		s.c.Metrics.ObserveStep(name, time.Since(started), err)
	}
	if err != nil {
		report.Errors[name] = err.Error()
		logger.Error().Err(err).Str("step", name).Msg("cycle step failed")
	}
}

func (s *Service) velocities(ctx context.Context, report *CycleReport) ([]anomaly.Window, error) {
	report.Velocities = map[string][]velocity.Record{}
	var windows []anomaly.Window
	var errs []error
	for _, w := range s.opts.Windows {
		label := velocity.WindowLabel(w)
		recs, err := s.c.Velocity.Calculate(ctx, w)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", label, err))
			continue
		}
		if len(recs) == 0 {
			continue
		}
		report.Velocities[label] = recs
		windows = append(windows, anomaly.Window{Label: label, Records: recs})
		if _, err := s.c.Velocity.UpdateRecords(ctx, recs, label); err != nil {
			errs = append(errs, fmt.Errorf("records %s: %w", label, err))
		}
	}
	return windows, errors.Join(errs...)
}

func (s *Service) detectFarms(ctx context.Context, logger zerolog.Logger, report *CycleReport, windows []anomaly.Window) error {
	suspects, err := s.c.Farm.Detect(ctx, windows)
	if err != nil {
		return err
	}
	report.Suspects = suspects
	if s.c.Metrics != nil {
		s.c.Metrics.SetSuspects(len(suspects))
	}

	now := s.opts.Clock().UTC()
	for _, suspect := range suspects {
		alert := alerting.FromSuspect(report.Platform, suspect, now)
		logger.Warn().Str("agent", suspect.Name).Int("score", suspect.Score).Strs("evidence", suspect.Evidence).Msg("farm suspect")
		if s.c.Alerts != nil {
			if err := s.c.Alerts.Notify(ctx, alert); err != nil {
				logger.Warn().Err(err).Str("agent", suspect.Name).Msg("farm alert not delivered")
			}
		}
		if s.c.Callout == nil {
			continue
		}
		if err := s.c.Callout.Notify(ctx, alert); err != nil {
			logger.Info().Err(err).Str("agent", suspect.Name).Msg("callout skipped")
			continue
		}
		if err := s.c.Farm.MarkCalledOut(ctx, suspect.Name); err != nil {
			logger.Error().Err(err).Str("agent", suspect.Name).Msg("failed to record callout")
		}
	}
	return nil
}

// analyze alerts once per agent, again only when its score rises.
func (s *Service) analyze(ctx context.Context, logger zerolog.Logger, report *CycleReport) error {
	res, err := s.c.Analyzer.Analyze(ctx)
	if err != nil {
		return err
	}
	report.Analysis = &res
	if s.c.Metrics != nil {
		s.c.Metrics.SetWatchList(len(res.WatchList))
	}
	if s.c.Alerts == nil {
		return nil
	}

	now := s.opts.Clock().UTC()
	for _, r := range res.WatchList {
		s.mu.Lock()
		prev, seen := s.alerted[r.Name]
		fresh := !seen || r.SybilScore > prev
		if fresh {
			s.alerted[r.Name] = r.SybilScore
		}
		s.mu.Unlock()
		if !fresh {
			continue
		}
		if err := s.c.Alerts.Notify(ctx, alerting.FromReport(report.Platform, r, now)); err != nil {
			logger.Warn().Err(err).Str("agent", r.Name).Msg("sybil alert not delivered")
		}
	}
	return nil
}

// reciprocate sweeps before hunting so stale promises are settled first.
func (s *Service) reciprocate(ctx context.Context, report *CycleReport) error {
	var errs []error
	sweep, err := s.c.Reciprocity.Sweep(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("sweep: %w", err))
	}
	report.Sweep = &sweep

	hunt, err := s.c.Reciprocity.Hunt(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("hunt: %w", err))
	} else {
		report.Hunt = &hunt
	}
	if s.c.Metrics != nil {
		s.c.Metrics.SetPendingFollows(sweep.Pending + len(hunt.Followed))
	}
	return errors.Join(errs...)
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.c.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.c.Locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
