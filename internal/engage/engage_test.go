package engage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botfleet/internal/dispatch"
	"botfleet/internal/platform"
	"botfleet/internal/platform/platformtest"
	"botfleet/internal/ratelimit"
	"botfleet/internal/storage"
)

type stubReplier struct {
	text  string
	err   error
	calls []string
}

func (s *stubReplier) Reply(_ context.Context, _, author, said string) (string, error) {
	s.calls = append(s.calls, author+": "+said)
	return s.text, s.err
}

func newEngine(t *testing.T, base map[string]int, replier Replier) (*Engine, *platformtest.Fake, storage.StateStore) {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	fake := platformtest.New("moltx")
	limiter := ratelimit.New(store, ratelimit.Options{
		Platforms: map[string]ratelimit.PlatformLimits{"moltx": {Base: base}},
		Ramp:      ratelimit.NoRamp{},
	}, zerolog.Nop())
	disp := dispatch.New(platform.NewRegistry(fake), limiter, store, dispatch.Options{
		DefaultPlatform: "moltx",
		Self:            map[string]string{"moltx": "Max"},
		Sleep:           func(context.Context, time.Duration) error { return nil },
		Getenv:          func(string) string { return "" },
	}, zerolog.Nop())

	return New(store, disp, replier, Options{Persona: "dry"}, zerolog.Nop()), fake, store
}

func TestRunReciprocates(t *testing.T) {
	replier := &stubReplier{text: "fair point"}
	e, fake, _ := newEngine(t, map[string]int{"follows": 10, "likes": 10, "replies": 10}, replier)
	fake.Feed = []platform.Post{{ID: "p9", Author: "liker"}}
	fake.Notes = []platform.Notification{
		{ID: "n1", Type: platform.NotificationFollow, Actor: "newbie"},
		{ID: "n2", Type: platform.NotificationLike, Actor: "liker"},
		{ID: "n3", Type: platform.NotificationReply, Actor: "talker", Post: &platform.Post{ID: "r1", Content: "nice"}},
		{ID: "n4", Type: platform.NotificationFollow, Actor: "max"},
		{ID: "n5", Type: "tip", Actor: "whale"},
	}

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.FollowedBack)
	assert.Equal(t, 2, res.LikedBack)
	assert.Equal(t, 1, res.Replied)
	assert.Equal(t, []string{"talker: nice"}, replier.calls)

	assert.Len(t, fake.CallsFor(platform.ActionFollow), 1)
	assert.ElementsMatch(t, []string{"p9", "r1"}, targets(fake.CallsFor(platform.ActionLike)))
	replies := fake.CallsFor(platform.ActionReply)
	require.Len(t, replies, 1)
	assert.Equal(t, "fair point", replies[0].Content)

	again, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, again.Notifications)
	assert.Len(t, fake.Calls(), 4)
}

func TestRateLimitStopsRunAndRetriesLater(t *testing.T) {
	e, fake, store := newEngine(t, map[string]int{"follows": 1}, nil)
	fake.Notes = []platform.Notification{
		{ID: "n1", Type: platform.NotificationFollow, Actor: "a"},
		{ID: "n2", Type: platform.NotificationFollow, Actor: "b"},
		{ID: "n3", Type: platform.NotificationFollow, Actor: "c"},
	}

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.FollowedBack)
	assert.Equal(t, 2, res.Notifications)
	assert.Equal(t, []string{"a"}, targets(fake.CallsFor(platform.ActionFollow)))

	doc, _, err := storage.LoadJSON(context.Background(), store, DocumentKey, newDocument)
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, doc.Handled)
	assert.Equal(t, []string{"a"}, doc.FollowedBack)
	require.NotNil(t, doc.LastRun)
}

func TestLikedPostNotLikedAgainWhenReplyRetried(t *testing.T) {
	replier := &stubReplier{text: "sure"}
	e, fake, store := newEngine(t, map[string]int{"likes": 10, "replies": 1}, replier)
	fake.Notes = []platform.Notification{
		{ID: "n1", Type: platform.NotificationReply, Actor: "x", Post: &platform.Post{ID: "r1"}},
		{ID: "n2", Type: platform.NotificationMention, Actor: "y", Post: &platform.Post{ID: "r2"}},
	}

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.LikedBack)
	assert.Equal(t, 1, res.Replied)

	again, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, again.Notifications)
	assert.Zero(t, again.LikedBack)
	assert.Equal(t, []string{"r1", "r2"}, targets(fake.CallsFor(platform.ActionLike)))
	assert.Len(t, fake.CallsFor(platform.ActionReply), 1)

	doc, _, err := storage.LoadJSON(context.Background(), store, DocumentKey, newDocument)
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, doc.Handled)
	assert.Equal(t, []string{"r1", "r2"}, doc.LikedPosts)
}

func TestNotificationWithoutIDIsNotRemembered(t *testing.T) {
	e, fake, store := newEngine(t, map[string]int{"follows": 10}, nil)
	fake.Notes = []platform.Notification{
		{Type: platform.NotificationFollow, Actor: "a"},
	}
	_, err := e.Run(context.Background())
	require.NoError(t, err)

	fake.Notes = []platform.Notification{
		{Type: platform.NotificationFollow, Actor: "b"},
	}
	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Notifications)
	assert.Equal(t, 1, res.FollowedBack)

	doc, _, err := storage.LoadJSON(context.Background(), store, DocumentKey, newDocument)
	require.NoError(t, err)
	assert.Empty(t, doc.Handled)
	assert.Equal(t, []string{"a", "b"}, doc.FollowedBack)
}

func TestRepliesSkippedWithoutReplier(t *testing.T) {
	e, fake, _ := newEngine(t, map[string]int{"likes": 10, "replies": 10}, nil)
	fake.Notes = []platform.Notification{
		{ID: "n1", Type: platform.NotificationMention, Actor: "x", Post: &platform.Post{ID: "m1", Content: "@Max hi"}},
	}
	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.LikedBack)
	assert.Zero(t, res.Replied)
	assert.Empty(t, fake.CallsFor(platform.ActionReply))
}

func TestReplyCap(t *testing.T) {
	replier := &stubReplier{text: "ok"}
	e, fake, _ := newEngine(t, map[string]int{"likes": 100, "replies": 100}, replier)
	e.opts.MaxReplies = 2
	for i := 0; i < 4; i++ {
		id := string(rune('a' + i))
		fake.Notes = append(fake.Notes, platform.Notification{
			ID: id, Type: platform.NotificationReply, Actor: "u" + id, Post: &platform.Post{ID: "p" + id},
		})
	}
	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Replied)
	assert.Len(t, replier.calls, 2)
}

func TestReplierErrorStillHandles(t *testing.T) {
	replier := &stubReplier{err: errors.New("llm down")}
	e, fake, _ := newEngine(t, map[string]int{"likes": 10, "replies": 10}, replier)
	fake.Notes = []platform.Notification{
		{ID: "n1", Type: platform.NotificationReply, Actor: "x", Post: &platform.Post{ID: "m1"}},
	}
	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Replied)

	again, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, again.Notifications)
}

func TestNotificationsError(t *testing.T) {
	e, fake, _ := newEngine(t, nil, nil)
	fake.NotesErr = errors.New("401")
	_, err := e.Run(context.Background())
	require.Error(t, err)
}

func TestAppendCapped(t *testing.T) {
	got := appendCapped([]string{"a", "b"}, []string{"c", "d"}, 3)
	assert.Equal(t, []string{"b", "c", "d"}, got)
	assert.Equal(t, []string{"a"}, appendCapped(nil, []string{"a"}, 0))
}

func targets(calls []platformtest.Call) []string {
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.Target)
	}
	return out
}
