package platform

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

type object map[string]any

// decodeObject parses a JSON object keeping numbers exact.
func decodeObject(payload []byte) (object, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// unwrap strips an optional {"data": {...}} envelope.
func unwrap(obj object) object {
	if inner, ok := obj["data"].(map[string]any); ok {
		return inner
	}
	return obj
}

func (o object) child(key string) object {
	if inner, ok := o[key].(map[string]any); ok {
		return inner
	}
	return nil
}

// list returns the first array found under keys, looking inside the
// envelope as well as at the top level.
func list(obj object, keys ...string) []any {
	for _, scope := range []object{unwrap(obj), obj} {
		for _, key := range keys {
			if items, ok := scope[key].([]any); ok {
				return items
			}
		}
	}
	if items, ok := obj["data"].([]any); ok {
		return items
	}
	return nil
}

func (o object) str(keys ...string) string {
	for _, key := range keys {
		switch v := o[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}

func (o object) int(keys ...string) int64 {
	for _, key := range keys {
		if v, ok := o[key]; ok && v != nil {
			if n, ok := toInt(v); ok {
				return n
			}
		}
	}
	return 0
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		if f, err := n.Float64(); err == nil {
			return int64(math.Round(f)), true
		}
	case float64:
		return int64(math.Round(n)), true
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64); err == nil {
			return i, true
		}
	}
	return 0, false
}

// name resolves an account name that may be a plain string or a nested
// {"name": ...} object.
func name(v any) string {
	switch n := v.(type) {
	case string:
		return n
	case map[string]any:
		return object(n).str("name", "username", "handle")
	}
	return ""
}

func parsePost(raw any) (Post, bool) {
	m, ok := raw.(map[string]any)
	if !ok {
		return Post{}, false
	}
	obj := object(m)

	post := Post{
		ID:      obj.str("id", "post_id"),
		Content: obj.str("content", "text", "body"),
	}
	post.Author = obj.str("author_name", "username")
	if post.Author == "" {
		post.Author = name(obj["author"])
	}
	if post.Author == "" {
		post.Author = name(obj["agent"])
	}
	post.Metrics = parseMetrics(obj)
	return post, post.ID != ""
}

func parseMetrics(obj object) PostMetrics {
	scope := obj
	if nested := obj.child("metrics"); nested != nil {
		scope = nested
	} else if nested := obj.child("stats"); nested != nil {
		scope = nested
	}
	return PostMetrics{
		Likes:   scope.int("like_count", "likes_count", "likes"),
		Replies: scope.int("reply_count", "replies_count", "replies", "comment_count"),
		Reposts: scope.int("repost_count", "reposts_count", "reposts"),
		Views:   scope.int("view_count", "views_count", "views", "impressions"),
	}
}

func parsePosts(obj object) []Post {
	items := list(obj, "posts", "items", "feed")
	posts := make([]Post, 0, len(items))
	for _, item := range items {
		if post, ok := parsePost(item); ok {
			posts = append(posts, post)
		}
	}
	return posts
}

func parseLeaders(obj object) []Leader {
	items := list(obj, "leaders", "leaderboard", "agents")
	leaders := make([]Leader, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		row := object(m)
		leader := Leader{
			Name:  row.str("name", "username", "agent_name"),
			Value: row.int("value", "score", "views"),
			Rank:  int(row.int("rank")),
		}
		if leader.Name == "" {
			continue
		}
		if leader.Rank == 0 {
			leader.Rank = i + 1
		}
		leaders = append(leaders, leader)
	}
	return leaders
}

func parseStats(agent string, obj object) AgentStats {
	scope := unwrap(obj)
	if current := scope.child("current"); current != nil {
		scope = current
	}
	return AgentStats{
		Name:      agent,
		Followers: scope.int("followers", "followers_count", "follower_count"),
		Following: scope.int("following", "following_count"),
		Posts:     scope.int("total_posts", "posts", "post_count"),
		Likes:     scope.int("total_likes_received", "likes_received", "total_likes"),
		Views:     scope.int("total_views", "views", "view_count"),
	}
}

func parseNotifications(obj object) []Notification {
	items := list(obj, "notifications", "items")
	out := make([]Notification, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		row := object(m)
		n := Notification{
			ID:    row.str("id"),
			Type:  strings.ToLower(row.str("type")),
			Actor: name(row["actor"]),
			Read:  row["read_at"] != nil || row["read"] == true,
		}
		if post, ok := parsePost(row["post"]); ok {
			n.Post = &post
		}
		if n.ID == "" {
			n.ID = syntheticNotificationID(n)
		}
		out = append(out, n)
	}
	return out
}

// syntheticNotificationID keys events that arrive without an id so the
// engagement loop can still de-duplicate them.
func syntheticNotificationID(n Notification) string {
	postID := ""
	if n.Post != nil {
		postID = n.Post.ID
	}
	return fmt.Sprintf("%s:%s:%s", n.Type, n.Actor, postID)
}

func parseFollowers(obj object) []string {
	items := list(obj, "followers", "items", "agents")
	names := make([]string, 0, len(items))
	for _, item := range items {
		var n string
		if m, ok := item.(map[string]any); ok {
			row := object(m)
			n = row.str("name", "username", "author_name")
		} else {
			n = name(item)
		}
		if n != "" {
			names = append(names, n)
		}
	}
	return names
}

// actionOK interprets a 2xx body; an explicit ok/success=false wins.
func actionOK(obj object) (bool, string) {
	for _, key := range []string{"ok", "success"} {
		if v, present := obj[key]; present {
			if b, isBool := v.(bool); isBool && !b {
				return false, obj.str("error", "message")
			}
		}
	}
	return true, ""
}

func actionID(obj object) string {
	if id := unwrap(obj).str("id", "post_id"); id != "" {
		return id
	}
	if post := unwrap(obj).child("post"); post != nil {
		return post.str("id")
	}
	return obj.str("id")
}
