// Package engage answers the bot's notifications: follows back new
// followers, likes back likers and replies to replies and mentions.
package engage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"botfleet/internal/config"
	"botfleet/internal/dispatch"
	"botfleet/internal/platform"
	"botfleet/internal/storage"
)

// DocumentKey is the persisted engagement state.
const DocumentKey = "engagement_state"

// Document remembers which notifications were acted on. LikedPosts holds
// reply and mention posts already liked back, so a retried notification
// only retries its reply.
type Document struct {
	Handled      []string   `json:"handled_notifications"`
	FollowedBack []string   `json:"followed_back"`
	LikedPosts   []string   `json:"liked_posts"`
	LastRun      *time.Time `json:"last_run"`
}

func newDocument() Document {
	return Document{Handled: []string{}, FollowedBack: []string{}, LikedPosts: []string{}}
}

// Dispatcher is the subset of dispatch.Dispatcher the engine drives.
type Dispatcher interface {
	Like(ctx context.Context, postID string, opts dispatch.CallOptions) dispatch.Outcome
	Reply(ctx context.Context, postID, content string, opts dispatch.CallOptions) dispatch.Outcome
	Follow(ctx context.Context, name string, opts dispatch.CallOptions) dispatch.Outcome
	Notifications(ctx context.Context, limit int) ([]platform.Notification, error)
	GlobalFeed(ctx context.Context, limit int) ([]platform.Post, error)
	Self(ctx context.Context) string
}

// Replier drafts reply text. A nil Replier disables replies.
type Replier interface {
	Reply(ctx context.Context, persona, author, said string) (string, error)
}

// Options configure an Engine.
type Options struct {
	NotificationLimit int
	SeenCap           int
	MaxReplies        int
	FeedLimit         int
	Persona           string
	Retries           int
	Clock             func() time.Time
}

// OptionsFromConfig maps runtime configuration onto engine options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		NotificationLimit: cfg.Engage.NotificationLimit,
		SeenCap:           cfg.Engage.SeenCap,
		MaxReplies:        cfg.Engage.MaxReplies,
		Persona:           cfg.Engage.Persona,
		Retries:           cfg.State.UpdateRetries,
	}
}

// Result counts what one run did.
type Result struct {
	Notifications int `json:"notifications"`
	FollowedBack  int `json:"followed_back"`
	LikedBack     int `json:"liked_back"`
	Replied       int `json:"replied"`
	Skipped       int `json:"skipped"`
}

// Engine processes notifications once per cycle.
type Engine struct {
	store   storage.StateStore
	disp    Dispatcher
	replier Replier
	opts    Options
	logger  zerolog.Logger
}

// New constructs an Engine. replier may be nil.
func New(store storage.StateStore, disp Dispatcher, replier Replier, opts Options, logger zerolog.Logger) *Engine {
	if opts.NotificationLimit <= 0 {
		opts.NotificationLimit = 50
	}
	if opts.SeenCap <= 0 {
		opts.SeenCap = 500
	}
	if opts.MaxReplies <= 0 {
		opts.MaxReplies = 5
	}
	if opts.FeedLimit <= 0 {
		opts.FeedLimit = 50
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Engine{
		store:   store,
		disp:    disp,
		replier: replier,
		opts:    opts,
		logger:  logger.With().Str("component", "engage").Logger(),
	}
}

type run struct {
	e          *Engine
	self       string
	followed   map[string]struct{}
	feed       []platform.Post
	feedDone   bool
	liked      map[string]struct{}
	res        Result
	handled    []string
	newFollows []string
	newLikes   []string
	limited    bool
}

// Run reads notifications and reciprocates. The first rate-limited action
// ends the run; that notification and the rest stay unhandled so the next
// run retries them.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	notes, err := e.disp.Notifications(ctx, e.opts.NotificationLimit)
	if err != nil {
		return Result{}, fmt.Errorf("fetch notifications: %w", err)
	}

	doc, _, err := storage.LoadJSON(ctx, e.store, DocumentKey, newDocument)
	if err != nil && !storage.IsCorrupt(err) {
		return Result{}, err
	}
	handled := make(map[string]struct{}, len(doc.Handled))
	for _, id := range doc.Handled {
		handled[id] = struct{}{}
	}

	r := &run{
		e:        e,
		self:     strings.ToLower(e.disp.Self(ctx)),
		followed: make(map[string]struct{}, len(doc.FollowedBack)),
		liked:    make(map[string]struct{}, len(doc.LikedPosts)),
	}
	for _, name := range doc.FollowedBack {
		r.followed[name] = struct{}{}
	}
	for _, id := range doc.LikedPosts {
		r.liked[id] = struct{}{}
	}

	for _, n := range notes {
		if ctx.Err() != nil || r.limited {
			break
		}
		if n.ID != "" {
			if _, ok := handled[n.ID]; ok {
				continue
			}
		}
		r.res.Notifications++
		if n.Actor == "" || strings.ToLower(n.Actor) == r.self {
			r.markHandled(n.ID)
			continue
		}
		if done := r.handle(ctx, n); done {
			r.markHandled(n.ID)
		}
	}
	if r.limited {
		e.logger.Info().Int("notifications", r.res.Notifications).Msg("rate limited, stopping engagement run")
	}

	now := e.opts.Clock().UTC()
	_, err = storage.UpdateJSON(ctx, e.store, DocumentKey, newDocument, e.opts.Retries, func(d *Document) error {
		d.Handled = appendCapped(d.Handled, r.handled, e.opts.SeenCap)
		d.FollowedBack = appendCapped(d.FollowedBack, r.newFollows, 0)
		d.LikedPosts = appendCapped(d.LikedPosts, r.newLikes, e.opts.SeenCap)
		d.LastRun = &now
		return nil
	})
	if err != nil {
		return r.res, fmt.Errorf("save engagement state: %w", err)
	}

	e.logger.Info().
		Int("notifications", r.res.Notifications).
		Int("followed_back", r.res.FollowedBack).
		Int("liked_back", r.res.LikedBack).
		Int("replied", r.res.Replied).
		Msg("engagement run complete")
	return r.res, nil
}

func (r *run) markHandled(id string) {
	if id != "" {
		r.handled = append(r.handled, id)
	}
}

// handle reports whether n is finished with. A rate-limited action sets
// r.limited and leaves n unfinished.
func (r *run) handle(ctx context.Context, n platform.Notification) bool {
	switch n.Type {
	case platform.NotificationFollow:
		if _, ok := r.followed[n.Actor]; ok {
			return true
		}
		out := r.e.disp.Follow(ctx, n.Actor, dispatch.CallOptions{})
		if out.RateLimited {
			r.limited = true
			return false
		}
		if out.OK {
			r.followed[n.Actor] = struct{}{}
			r.newFollows = append(r.newFollows, n.Actor)
			r.res.FollowedBack++
		}
		return true

	case platform.NotificationLike:
		post := r.latestBy(ctx, n.Actor)
		if post == nil {
			r.res.Skipped++
			return true
		}
		out := r.e.disp.Like(ctx, post.ID, dispatch.CallOptions{})
		if out.RateLimited {
			r.limited = true
			return false
		}
		if out.OK {
			r.res.LikedBack++
		}
		return true

	case platform.NotificationReply, platform.NotificationMention:
		if n.Post == nil || n.Post.ID == "" {
			r.res.Skipped++
			return true
		}
		if _, ok := r.liked[n.Post.ID]; !ok {
			out := r.e.disp.Like(ctx, n.Post.ID, dispatch.CallOptions{})
			if out.RateLimited {
				r.limited = true
				return false
			}
			if out.OK {
				r.res.LikedBack++
			}
			r.liked[n.Post.ID] = struct{}{}
			r.newLikes = append(r.newLikes, n.Post.ID)
		}
		return r.reply(ctx, n)
	}
	r.res.Skipped++
	return true
}

func (r *run) reply(ctx context.Context, n platform.Notification) bool {
	if r.e.replier == nil || r.res.Replied >= r.e.opts.MaxReplies {
		return true
	}
	text, err := r.e.replier.Reply(ctx, r.e.opts.Persona, n.Actor, n.Post.Content)
	if err != nil {
		r.e.logger.Warn().Err(err).Str("user", n.Actor).Msg("reply draft failed")
		return true
	}
	if text == "" {
		return true
	}
	out := r.e.disp.Reply(ctx, n.Post.ID, text, dispatch.CallOptions{})
	if out.RateLimited {
		r.limited = true
		return false
	}
	if out.OK {
		r.res.Replied++
	}
	return true
}

// latestBy finds a post by name in the global feed, loaded once per run.
func (r *run) latestBy(ctx context.Context, name string) *platform.Post {
	if !r.feedDone {
		r.feedDone = true
		feed, err := r.e.disp.GlobalFeed(ctx, r.e.opts.FeedLimit)
		if err != nil {
			r.e.logger.Warn().Err(err).Msg("feed unavailable for like-back")
		}
		r.feed = feed
	}
	for i := range r.feed {
		if r.feed[i].Author == name && r.feed[i].ID != "" {
			return &r.feed[i]
		}
	}
	return nil
}

func appendCapped(list, add []string, limit int) []string {
	out := append(list, add...)
	if limit > 0 && len(out) > limit {
		out = append([]string(nil), out[len(out)-limit:]...)
	}
	return out
}
