package platform

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusRecorder struct {
	mu       sync.Mutex
	statuses []int
}

func (r *statusRecorder) ObserveStatus(_ context.Context, _ string, status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPClient(Options{
		Name:    "moltx",
		BaseURL: srv.URL + "/v1/",
		APIKey:  "secret",
		Timeout: time.Second,
	}, zerolog.Nop())
}

func TestPostSendsBearerAndContent(t *testing.T) {
	var gotAuth, gotPath, gotMethod string
	var gotBody map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotMethod = r.Method
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"success":true,"data":{"id":"p-42"}}`))
	})

	res := c.Post(context.Background(), "hello")
	require.True(t, res.OK, res.Error)
	assert.Equal(t, "p-42", res.ID)
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "/v1/posts", gotPath)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "hello", gotBody["content"])
}

func TestActionPaths(t *testing.T) {
	var seen []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.Path)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	ctx := context.Background()

	require.True(t, c.Reply(ctx, "p1", "hi").OK)
	require.True(t, c.Like(ctx, "p1").OK)
	require.True(t, c.Repost(ctx, "p1").OK)
	require.True(t, c.Follow(ctx, "alice").OK)
	require.True(t, c.Unfollow(ctx, "alice").OK)

	assert.Equal(t, []string{
		"POST /v1/posts/p1/reply",
		"POST /v1/posts/p1/like",
		"POST /v1/posts/p1/repost",
		"POST /v1/follow/alice",
		"DELETE /v1/follow/alice",
	}, seen)
}

func TestActionFailuresDegradeToResult(t *testing.T) {
	t.Run("http error", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"slow down"}`))
		})
		res := c.Like(context.Background(), "p1")
		assert.False(t, res.OK)
		assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
		assert.Contains(t, res.Error, "slow down")
	})

	t.Run("explicit ok false", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"ok":false,"error":"already liked"}`))
		})
		res := c.Like(context.Background(), "p1")
		assert.False(t, res.OK)
		assert.Equal(t, "already liked", res.Error)
	})

	t.Run("network error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		srv.Close()
		c := NewHTTPClient(Options{Name: "moltx", BaseURL: srv.URL, Timeout: time.Second}, zerolog.Nop())
		res := c.Post(context.Background(), "x")
		assert.False(t, res.OK)
		assert.NotEmpty(t, res.Error)
		assert.Equal(t, 0, res.StatusCode)
	})

	t.Run("timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer srv.Close()
		c := NewHTTPClient(Options{Name: "moltx", BaseURL: srv.URL, Timeout: 20 * time.Millisecond}, zerolog.Nop())
		res := c.Follow(context.Background(), "bob")
		assert.False(t, res.OK)
		assert.NotEmpty(t, res.Error)
	})
}

func TestAuthObserverSeesForbidden(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	rec := &statusRecorder{}
	NewRegistry(c).SetAuthObserver(rec)

	res := c.Post(context.Background(), "x")
	assert.False(t, res.OK)
	assert.True(t, res.AuthFailure())
	assert.Equal(t, []int{http.StatusForbidden}, rec.statuses)
}

func TestGlobalFeedNormalisesMetrics(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/feed/global", r.URL.Path)
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"data":{"posts":[
			{"id":"a","author_name":"alice","content":"hi","like_count":3,"reply_count":1,"repost_count":2,"view_count":100},
			{"id":"b","author":{"name":"bob"},"content":"yo","likes_count":5,"replies":4,"reposts_count":1,"views":7},
			{"id":"c","author":"carol","metrics":{"likes":9,"impressions":11}},
			{"content":"no id is dropped"}
		]}}`))
	})

	posts, err := c.GlobalFeed(context.Background(), 20)
	require.NoError(t, err)
	require.Len(t, posts, 3)
	assert.Equal(t, Post{ID: "a", Author: "alice", Content: "hi", Metrics: PostMetrics{Likes: 3, Replies: 1, Reposts: 2, Views: 100}}, posts[0])
	assert.Equal(t, Post{ID: "b", Author: "bob", Content: "yo", Metrics: PostMetrics{Likes: 5, Replies: 4, Reposts: 1, Views: 7}}, posts[1])
	assert.Equal(t, PostMetrics{Likes: 9, Views: 11}, posts[2].Metrics)
	assert.Equal(t, "carol", posts[2].Author)
}

func TestLeaderboardWithAndWithoutEnvelope(t *testing.T) {
	for name, body := range map[string]string{
		"wrapped": `{"data":{"leaders":[{"name":"x","value":500,"rank":1},{"name":"y","value":"300"}]}}`,
		"bare":    `{"leaders":[{"name":"x","value":500,"rank":1},{"name":"y","value":300}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "views", r.URL.Query().Get("metric"))
				_, _ = w.Write([]byte(body))
			})
			leaders, err := c.Leaderboard(context.Background(), "views", 100)
			require.NoError(t, err)
			assert.Equal(t, []Leader{{Name: "x", Value: 500, Rank: 1}, {Name: "y", Value: 300, Rank: 2}}, leaders)
		})
	}
}

func TestAgentStatsReadsCurrentBlock(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/agent/alice/stats", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":{"current":{"followers":120,"following":30,"total_posts":44,"total_likes_received":900}}}`))
	})
	stats, err := c.AgentStats(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, AgentStats{Name: "alice", Followers: 120, Following: 30, Posts: 44, Likes: 900}, stats)
}

func TestNotificationsAndFollowers(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/notifications":
			_, _ = w.Write([]byte(`{"data":{"notifications":[
				{"id":"n1","type":"like","actor":{"name":"alice"},"post":{"id":"p1","content":"mine"}},
				{"type":"follow","actor":"bob","read_at":"2026-01-01T00:00:00Z"}
			]}}`))
		case "/v1/agent/me/followers":
			_, _ = w.Write([]byte(`{"data":{"followers":[{"name":"alice"},{"username":"bob"},"carol"]}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	notes, err := c.Notifications(ctx, 50)
	require.NoError(t, err)
	require.Len(t, notes, 2)
	assert.Equal(t, "alice", notes[0].Actor)
	require.NotNil(t, notes[0].Post)
	assert.Equal(t, "p1", notes[0].Post.ID)
	assert.False(t, notes[0].Read)
	assert.Equal(t, "follow:bob:", notes[1].ID)
	assert.True(t, notes[1].Read)

	followers, err := c.Followers(ctx, "me", 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol"}, followers)
}

func TestReadErrorsAreStatusErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"message":"upstream down"}`))
	})
	_, err := c.Leaderboard(context.Background(), "views", 10)
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadGateway, statusErr.Status)
	assert.Equal(t, "upstream down", statusErr.Message)
}

func TestRegistryNamesSorted(t *testing.T) {
	reg := NewRegistry(
		NewHTTPClient(Options{Name: "pinch"}, zerolog.Nop()),
		NewHTTPClient(Options{Name: "moltx"}, zerolog.Nop()),
	)
	assert.Equal(t, []string{"moltx", "pinch"}, reg.Names())
	_, ok := reg.Get("pinch")
	assert.True(t, ok)
	_, ok = reg.Get("nope")
	assert.False(t, ok)
}
