package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Action names double as rate-limit budget keys.
const (
	ActionPost     = "posts"
	ActionReply    = "replies"
	ActionLike     = "likes"
	ActionRepost   = "reposts"
	ActionFollow   = "follows"
	ActionUnfollow = "unfollows"
)

// Result is the uniform outcome of a write action. Transport and HTTP
// failures are reported through OK=false and Error, never as a Go error.
type Result struct {
	OK         bool            `json:"ok"`
	ID         string          `json:"id,omitempty"`
	StatusCode int             `json:"status_code,omitempty"`
	Error      string          `json:"error,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Failed builds a non-OK result.
func Failed(status int, format string, args ...any) Result {
	return Result{StatusCode: status, Error: fmt.Sprintf(format, args...)}
}

// AuthFailure reports whether the platform rejected our credentials.
func (r Result) AuthFailure() bool {
	return IsAuthStatus(r.StatusCode)
}

// IsAuthStatus reports 401 and 403.
func IsAuthStatus(status int) bool {
	return status == 401 || status == 403
}

// PostMetrics is the canonical engagement counter set.
type PostMetrics struct {
	Likes   int64 `json:"likes"`
	Replies int64 `json:"replies"`
	Reposts int64 `json:"reposts"`
	Views   int64 `json:"views"`
}

// Post is a normalised feed entry.
type Post struct {
	ID      string      `json:"id"`
	Author  string      `json:"author"`
	Content string      `json:"content"`
	Metrics PostMetrics `json:"metrics"`
}

// Leader is one leaderboard row.
type Leader struct {
	Name  string `json:"name"`
	Value int64  `json:"value"`
	Rank  int    `json:"rank"`
}

// AgentStats are the aggregate counters of one account.
type AgentStats struct {
	Name      string `json:"name"`
	Followers int64  `json:"followers"`
	Following int64  `json:"following"`
	Posts     int64  `json:"total_posts"`
	Likes     int64  `json:"total_likes_received"`
	Views     int64  `json:"total_views"`
}

// Notification types the engagement loop reacts to.
const (
	NotificationFollow  = "follow"
	NotificationLike    = "like"
	NotificationReply   = "reply"
	NotificationMention = "mention"
)

// Notification is one inbox event.
type Notification struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Actor string `json:"actor"`
	Post  *Post  `json:"post,omitempty"`
	Read  bool   `json:"read"`
}

// Client talks to one social platform.
type Client interface {
	Name() string

	Post(ctx context.Context, content string) Result
	Reply(ctx context.Context, postID, content string) Result
	Like(ctx context.Context, postID string) Result
	Repost(ctx context.Context, postID string) Result
	Follow(ctx context.Context, name string) Result
	Unfollow(ctx context.Context, name string) Result

	GlobalFeed(ctx context.Context, limit int) ([]Post, error)
	Leaderboard(ctx context.Context, metric string, limit int) ([]Leader, error)
	AgentStats(ctx context.Context, name string) (AgentStats, error)
	Notifications(ctx context.Context, limit int) ([]Notification, error)
	Followers(ctx context.Context, name string, limit int) ([]string, error)
}

// AuthObserver is told about every HTTP status a client receives so that
// repeated 401/403 responses can be turned into a ban signal.
type AuthObserver interface {
	ObserveStatus(ctx context.Context, platform string, status int)
}

// Registry maps platform names onto clients.
type Registry struct {
	clients map[string]Client
}

// NewRegistry registers the given clients.
func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[string]Client, len(clients))}
	for _, c := range clients {
		r.Register(c)
	}
	return r
}

// Register adds or replaces a client.
func (r *Registry) Register(c Client) {
	r.clients[c.Name()] = c
}

// Get looks up a client by platform name.
func (r *Registry) Get(name string) (Client, bool) {
	c, ok := r.clients[name]
	return c, ok
}

// Names returns the registered platforms sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetAuthObserver attaches o to every client that supports it.
func (r *Registry) SetAuthObserver(o AuthObserver) {
	for _, c := range r.clients {
		if h, ok := c.(interface{ SetAuthObserver(AuthObserver) }); ok {
			h.SetAuthObserver(o)
		}
	}
}
