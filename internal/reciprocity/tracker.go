// Package reciprocity tracks follows issued in exchange for a promised
// follow-back and unfollows the accounts that never deliver.
package reciprocity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"botfleet/internal/config"
	"botfleet/internal/dispatch"
	"botfleet/internal/platform"
	"botfleet/internal/storage"
)

var (
	// ErrKnown is returned by Track for a name that is already pending,
	// confirmed or rejected.
	ErrKnown = errors.New("reciprocity: username already tracked")
	// ErrFollowersUnavailable wraps a failed followers fetch; no
	// transitions are made when it is returned.
	ErrFollowersUnavailable = errors.New("reciprocity: followers unavailable")
)

const rejectReason = "Promised to follow back, didn't deliver"

// DefaultPhrases are the feed phrases that count as a follow-back promise.
var DefaultPhrases = []string{
	"follow back",
	"i follow back",
	"follow 4 follow",
	"f4f",
	"follow for follow",
	"i'll follow back",
	"will follow back",
	"always follow back",
}

// Dispatcher is the subset of dispatch.Dispatcher the tracker drives.
type Dispatcher interface {
	Follow(ctx context.Context, name string, opts dispatch.CallOptions) dispatch.Outcome
	Unfollow(ctx context.Context, name string, opts dispatch.CallOptions) dispatch.Outcome
	GlobalFeed(ctx context.Context, limit int) ([]platform.Post, error)
	Followers(ctx context.Context, name string, limit int) ([]string, error)
	Self(ctx context.Context) string
}

// Options configure a Tracker.
type Options struct {
	Deadline      time.Duration
	Phrases       []string
	MaxPerRun     int
	FeedLimit     int
	FollowerLimit int
	SeenCap       int
	Redeem        bool
	Retries       int
	Clock         func() time.Time
}

// OptionsFromConfig maps runtime configuration onto tracker options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Deadline:      cfg.Reciprocity.Deadline,
		Phrases:       cfg.Reciprocity.Phrases,
		MaxPerRun:     cfg.Reciprocity.MaxPerRun,
		FeedLimit:     cfg.Reciprocity.FeedLimit,
		FollowerLimit: cfg.Reciprocity.FollowerLimit,
		SeenCap:       cfg.Reciprocity.SeenCap,
		Redeem:        cfg.Reciprocity.Redeem,
		Retries:       cfg.State.UpdateRetries,
	}
}

// TrackResult reports a Track call.
type TrackResult struct {
	Username string           `json:"username"`
	Followed bool             `json:"followed"`
	Outcome  dispatch.Outcome `json:"outcome"`
}

// SweepResult lists the transitions applied by one sweep.
type SweepResult struct {
	Confirmed       []string `json:"confirmed"`
	Rejected        []string `json:"rejected"`
	Redeemed        []string `json:"redeemed"`
	FailedUnfollows []string `json:"failed_unfollows"`
	Pending         int      `json:"pending"`
	Followers       int      `json:"followers"`
}

// HuntResult reports one feed scan.
type HuntResult struct {
	Scanned    int      `json:"scanned"`
	Candidates int      `json:"candidates"`
	Followed   []string `json:"followed"`
	Skipped    int      `json:"skipped"`
}

// Tracker owns the follow-back document.
type Tracker struct {
	store  storage.StateStore
	disp   Dispatcher
	opts   Options
	logger zerolog.Logger

	mu sync.Mutex
}

// New constructs a Tracker.
func New(store storage.StateStore, disp Dispatcher, opts Options, logger zerolog.Logger) *Tracker {
	if opts.Deadline <= 0 {
		opts.Deadline = 24 * time.Hour
	}
	if len(opts.Phrases) == 0 {
		opts.Phrases = DefaultPhrases
	}
	phrases := make([]string, 0, len(opts.Phrases))
	for _, p := range opts.Phrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			phrases = append(phrases, p)
		}
	}
	opts.Phrases = phrases
	if opts.MaxPerRun <= 0 {
		opts.MaxPerRun = 10
	}
	if opts.FeedLimit <= 0 {
		opts.FeedLimit = 50
	}
	if opts.FollowerLimit <= 0 {
		opts.FollowerLimit = 100
	}
	if opts.SeenCap <= 0 {
		opts.SeenCap = 1000
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Tracker{
		store:  store,
		disp:   disp,
		opts:   opts,
		logger: logger.With().Str("component", "reciprocity").Logger(),
	}
}

// Document returns the persisted state.
func (t *Tracker) Document(ctx context.Context) (Document, error) {
	doc, _, err := storage.LoadJSON(ctx, t.store, DocumentKey, newDocument)
	if err != nil && !storage.IsCorrupt(err) {
		return Document{}, err
	}
	if err != nil {
		t.logger.Warn().Err(err).Msg("follow-back state unreadable, starting fresh")
	}
	doc.normalize()
	return doc, nil
}

// Track follows username and records the promise as pending. Names that
// are pending, confirmed or rejected are refused with ErrKnown.
func (t *Tracker) Track(ctx context.Context, username, signal, postID string) (TrackResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	res := TrackResult{Username: username}
	if username == "" {
		return res, fmt.Errorf("track: empty username")
	}
	doc, err := t.Document(ctx)
	if err != nil {
		return res, err
	}
	if doc.Known(username) {
		return res, fmt.Errorf("track %s: %w", username, ErrKnown)
	}

	res.Outcome = t.disp.Follow(ctx, username, dispatch.CallOptions{})
	if !res.Outcome.OK {
		t.logger.Info().Str("user", username).Str("reason", followFailure(res.Outcome)).Msg("follow not issued")
		return res, nil
	}
	res.Followed = true

	promise := Promise{FollowedAt: t.opts.Clock().UTC(), PostID: postID, Signal: signal}
	if err := t.addPending(ctx, map[string]Promise{username: promise}, nil); err != nil {
		return res, err
	}
	t.logger.Info().Str("user", username).Str("signal", signal).Msg("tracking follow-back")
	return res, nil
}

func (t *Tracker) addPending(ctx context.Context, promises map[string]Promise, seen []string) error {
	_, err := storage.UpdateJSON(ctx, t.store, DocumentKey, newDocument, t.opts.Retries, func(doc *Document) error {
		doc.normalize()
		for name, p := range promises {
			if doc.Known(name) {
				continue
			}
			doc.Tracked[name] = p
			doc.Stats.TotalHunted++
		}
		doc.markSeen(seen, t.opts.SeenCap)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save follow-back state: %w", err)
	}
	return nil
}

// Sweep checks every pending promise against our followers. A follower is
// confirmed; a promise past the deadline is unfollowed and rejected, but
// stays pending if the unfollow fails. When the followers fetch fails
// nothing changes.
func (t *Tracker) Sweep(ctx context.Context) (SweepResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	doc, err := t.Document(ctx)
	if err != nil {
		return SweepResult{}, err
	}
	res := SweepResult{Pending: len(doc.Tracked)}
	if len(doc.Tracked) == 0 && (!t.opts.Redeem || len(doc.Liars) == 0) {
		return res, nil
	}

	self := t.disp.Self(ctx)
	names, err := t.disp.Followers(ctx, self, t.opts.FollowerLimit)
	if err != nil {
		t.logger.Warn().Err(err).Int("pending", res.Pending).Msg("followers unavailable, leaving promises untouched")
		return res, fmt.Errorf("%w: %v", ErrFollowersUnavailable, err)
	}
	followers := make(map[string]struct{}, len(names))
	for _, n := range names {
		followers[n] = struct{}{}
	}
	res.Followers = len(followers)

	now := t.opts.Clock().UTC()
	rejected := map[string]Liar{}
	var restamped []string
	for _, name := range doc.Pending() {
		p := doc.Tracked[name]
		if _, ok := followers[name]; ok {
			res.Confirmed = append(res.Confirmed, name)
			continue
		}
		if p.FollowedAt.IsZero() {
			// Unreadable follow time; the deadline starts over from now.
			t.logger.Warn().Str("user", name).Msg("promise has no follow time, restarting its deadline")
			restamped = append(restamped, name)
			continue
		}
		waited := now.Sub(p.FollowedAt)
		if waited < t.opts.Deadline {
			continue
		}
		out := t.disp.Unfollow(ctx, name, dispatch.CallOptions{})
		if !out.OK {
			res.FailedUnfollows = append(res.FailedUnfollows, name)
			t.logger.Warn().Str("user", name).Str("reason", followFailure(out)).Msg("unfollow failed, promise stays pending")
			continue
		}
		rejected[name] = Liar{
			AddedAt:     now,
			Reason:      rejectReason,
			Signal:      p.Signal,
			HoursWaited: math.Round(waited.Hours()*10) / 10,
		}
		res.Rejected = append(res.Rejected, name)
	}

	if t.opts.Redeem {
		for _, name := range sortedLiars(doc.Liars) {
			if _, ok := followers[name]; !ok {
				continue
			}
			out := t.disp.Follow(ctx, name, dispatch.CallOptions{})
			if !out.OK {
				t.logger.Info().Str("user", name).Str("reason", followFailure(out)).Msg("redemption follow not issued")
				continue
			}
			res.Redeemed = append(res.Redeemed, name)
		}
	}

	if len(res.Confirmed)+len(res.Rejected)+len(res.Redeemed)+len(restamped) > 0 {
		saved, err := storage.UpdateJSON(ctx, t.store, DocumentKey, newDocument, t.opts.Retries, func(d *Document) error {
			d.normalize()
			for _, name := range restamped {
				if p, ok := d.Tracked[name]; ok && p.FollowedAt.IsZero() {
					p.FollowedAt = now
					d.Tracked[name] = p
				}
			}
			for _, name := range res.Confirmed {
				if d.State(name) == StatePending {
					d.confirm(name)
				}
			}
			for name, liar := range rejected {
				if d.State(name) == StatePending {
					d.reject(name, liar)
				}
			}
			for _, name := range res.Redeemed {
				if d.State(name) == StateRejected {
					d.redeem(name)
				}
			}
			return nil
		})
		if err != nil {
			return res, fmt.Errorf("save follow-back state: %w", err)
		}
		res.Pending = len(saved.Tracked)
	}

	t.logger.Info().
		Int("confirmed", len(res.Confirmed)).
		Int("rejected", len(res.Rejected)).
		Int("redeemed", len(res.Redeemed)).
		Int("pending", res.Pending).
		Msg("follow-back sweep complete")
	return res, nil
}

// Reset forgets username entirely so it may be tracked again. It reports
// whether anything was removed.
func (t *Tracker) Reset(ctx context.Context, username string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := false
	_, err := storage.UpdateJSON(ctx, t.store, DocumentKey, newDocument, t.opts.Retries, func(d *Document) error {
		d.normalize()
		removed = d.Known(username)
		if !removed {
			return storage.ErrNoChange
		}
		delete(d.Tracked, username)
		delete(d.Liars, username)
		d.Successful = without(d.Successful, username)
		d.Redeemed = without(d.Redeemed, username)
		d.Unfollowed = without(d.Unfollowed, username)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("reset %s: %w", username, err)
	}
	return removed, nil
}

type candidate struct {
	username string
	postID   string
	signal   string
}

// Hunt scans the global feed for follow-back promises and follows up to
// MaxPerRun new authors. Posts are marked seen once acted on; a rate
// limited follow ends the run and leaves the rest for next time.
func (t *Tracker) Hunt(ctx context.Context) (HuntResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	posts, err := t.disp.GlobalFeed(ctx, t.opts.FeedLimit)
	if err != nil {
		return HuntResult{}, fmt.Errorf("fetch feed: %w", err)
	}
	doc, err := t.Document(ctx)
	if err != nil {
		return HuntResult{}, err
	}
	self := strings.ToLower(t.disp.Self(ctx))

	seen := make(map[string]struct{}, len(doc.SeenPostIDs))
	for _, id := range doc.SeenPostIDs {
		seen[id] = struct{}{}
	}

	res := HuntResult{Scanned: len(posts)}
	var candidates []candidate
	byUser := map[string]struct{}{}
	for _, post := range posts {
		if _, ok := seen[post.ID]; ok && post.ID != "" {
			continue
		}
		if post.Author == "" || strings.ToLower(post.Author) == self {
			continue
		}
		signal := t.match(post.Content)
		if signal == "" {
			continue
		}
		if _, ok := byUser[post.Author]; ok {
			continue
		}
		byUser[post.Author] = struct{}{}
		candidates = append(candidates, candidate{username: post.Author, postID: post.ID, signal: signal})
	}
	res.Candidates = len(candidates)
	if len(candidates) > t.opts.MaxPerRun {
		candidates = candidates[:t.opts.MaxPerRun]
	}

	now := t.opts.Clock().UTC()
	promises := map[string]Promise{}
	var acted []string
	for _, c := range candidates {
		if doc.Known(c.username) {
			acted = append(acted, c.postID)
			res.Skipped++
			continue
		}
		out := t.disp.Follow(ctx, c.username, dispatch.CallOptions{})
		if out.RateLimited {
			t.logger.Info().Str("reason", out.Reason).Msg("follow budget spent, stopping hunt")
			break
		}
		acted = append(acted, c.postID)
		if !out.OK {
			res.Skipped++
			t.logger.Info().Str("user", c.username).Str("reason", followFailure(out)).Msg("follow not issued")
			continue
		}
		promises[c.username] = Promise{FollowedAt: now, PostID: c.postID, Signal: c.signal}
		res.Followed = append(res.Followed, c.username)
		t.logger.Info().Str("user", c.username).Str("signal", c.signal).Msg("following promised follow-back")
	}

	if len(promises) > 0 || len(acted) > 0 {
		if err := t.addPending(ctx, promises, acted); err != nil {
			return res, err
		}
	}
	return res, nil
}

// match returns the first phrase contained in content, case-insensitively.
func (t *Tracker) match(content string) string {
	lower := strings.ToLower(content)
	for _, p := range t.opts.Phrases {
		if strings.Contains(lower, p) {
			return p
		}
	}
	return ""
}

func followFailure(out dispatch.Outcome) string {
	if out.Reason != "" {
		return out.Reason
	}
	if out.Error != "" {
		return out.Error
	}
	return fmt.Sprintf("status %d", out.StatusCode)
}

func sortedLiars(liars map[string]Liar) []string {
	names := make([]string, 0, len(liars))
	for name := range liars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
