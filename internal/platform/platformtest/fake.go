// Package platformtest provides an in-memory platform.Client for tests.
package platformtest

import (
	"context"
	"sync"

	"botfleet/internal/platform"
)

// Call is one recorded write action.
type Call struct {
	Action  string
	Target  string
	Content string
}

// Fake is a scriptable platform.Client. Zero values answer with empty data
// and successful actions.
type Fake struct {
	PlatformName string

	// Respond overrides the result of write actions.
	Respond func(action, target string) platform.Result

	Feed          []platform.Post
	Leaders       map[string][]platform.Leader
	Stats         map[string]platform.AgentStats
	Notes         []platform.Notification
	FollowerNames []string

	FeedErr      error
	LeadersErr   error
	StatsErr     error
	NotesErr     error
	FollowersErr error

	mu       sync.Mutex
	calls    []Call
	observer platform.AuthObserver
}

// New returns a fake named name.
func New(name string) *Fake {
	return &Fake{
		PlatformName: name,
		Leaders:      map[string][]platform.Leader{},
		Stats:        map[string]platform.AgentStats{},
	}
}

// Calls returns a copy of the recorded write actions.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsFor filters Calls by action.
func (f *Fake) CallsFor(action string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Action == action {
			out = append(out, c)
		}
	}
	return out
}

// Name implements platform.Client.
func (f *Fake) Name() string { return f.PlatformName }

// SetAuthObserver mirrors the HTTP client hook.
func (f *Fake) SetAuthObserver(o platform.AuthObserver) {
	f.mu.Lock()
	f.observer = o
	f.mu.Unlock()
}

func (f *Fake) act(ctx context.Context, action, target, content string) platform.Result {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Action: action, Target: target, Content: content})
	respond := f.Respond
	observer := f.observer
	f.mu.Unlock()

	res := platform.Result{OK: true, StatusCode: 200, ID: action + "-" + target}
	if respond != nil {
		res = respond(action, target)
	}
	if observer != nil && res.StatusCode != 0 {
		observer.ObserveStatus(ctx, f.PlatformName, res.StatusCode)
	}
	return res
}

func (f *Fake) Post(ctx context.Context, content string) platform.Result {
	return f.act(ctx, platform.ActionPost, "", content)
}

func (f *Fake) Reply(ctx context.Context, postID, content string) platform.Result {
	return f.act(ctx, platform.ActionReply, postID, content)
}

func (f *Fake) Like(ctx context.Context, postID string) platform.Result {
	return f.act(ctx, platform.ActionLike, postID, "")
}

func (f *Fake) Repost(ctx context.Context, postID string) platform.Result {
	return f.act(ctx, platform.ActionRepost, postID, "")
}

func (f *Fake) Follow(ctx context.Context, name string) platform.Result {
	return f.act(ctx, platform.ActionFollow, name, "")
}

func (f *Fake) Unfollow(ctx context.Context, name string) platform.Result {
	return f.act(ctx, platform.ActionUnfollow, name, "")
}

func (f *Fake) GlobalFeed(_ context.Context, limit int) ([]platform.Post, error) {
	if f.FeedErr != nil {
		return nil, f.FeedErr
	}
	if limit > 0 && len(f.Feed) > limit {
		return append([]platform.Post(nil), f.Feed[:limit]...), nil
	}
	return append([]platform.Post(nil), f.Feed...), nil
}

func (f *Fake) Leaderboard(_ context.Context, metric string, limit int) ([]platform.Leader, error) {
	if f.LeadersErr != nil {
		return nil, f.LeadersErr
	}
	rows := f.Leaders[metric]
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return append([]platform.Leader(nil), rows...), nil
}

func (f *Fake) AgentStats(_ context.Context, name string) (platform.AgentStats, error) {
	if f.StatsErr != nil {
		return platform.AgentStats{}, f.StatsErr
	}
	stats, ok := f.Stats[name]
	if !ok {
		return platform.AgentStats{Name: name}, nil
	}
	stats.Name = name
	return stats, nil
}

func (f *Fake) Notifications(_ context.Context, limit int) ([]platform.Notification, error) {
	if f.NotesErr != nil {
		return nil, f.NotesErr
	}
	notes := f.Notes
	if limit > 0 && len(notes) > limit {
		notes = notes[:limit]
	}
	return append([]platform.Notification(nil), notes...), nil
}

func (f *Fake) Followers(_ context.Context, _ string, _ int) ([]string, error) {
	if f.FollowersErr != nil {
		return nil, f.FollowersErr
	}
	return append([]string(nil), f.FollowerNames...), nil
}

var _ platform.Client = (*Fake)(nil)
