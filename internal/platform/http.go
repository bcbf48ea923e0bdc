package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const maxResponseBytes = 4 << 20

// Options parameterise a REST platform client.
type Options struct {
	Name      string
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
}

// HTTPClient implements Client against the shared agent-platform REST shape.
type HTTPClient struct {
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	baseURL string

	mu       sync.RWMutex
	observer AuthObserver
}

// StatusError is a non-2xx response on a read call.
type StatusError struct {
	Platform string
	Status   int
	Message  string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s api error (%d)", e.Platform, e.Status)
	}
	return fmt.Sprintf("%s api error (%d): %s", e.Platform, e.Status, e.Message)
}

// NewHTTPClient constructs a client for one platform.
func NewHTTPClient(opts Options, logger zerolog.Logger) *HTTPClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &HTTPClient{
		opts:    opts,
		logger:  logger.With().Str("component", "platform_client").Str("platform", opts.Name).Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// Name returns the platform name.
func (c *HTTPClient) Name() string { return c.opts.Name }

// SetAuthObserver installs the status hook.
func (c *HTTPClient) SetAuthObserver(o AuthObserver) {
	c.mu.Lock()
	c.observer = o
	c.mu.Unlock()
}

// Post publishes a new top-level post.
func (c *HTTPClient) Post(ctx context.Context, content string) Result {
	return c.action(ctx, http.MethodPost, "/posts", map[string]string{"content": content})
}

// Reply answers an existing post.
func (c *HTTPClient) Reply(ctx context.Context, postID, content string) Result {
	return c.action(ctx, http.MethodPost, "/posts/"+url.PathEscape(postID)+"/reply", map[string]string{"content": content})
}

// Like likes a post.
func (c *HTTPClient) Like(ctx context.Context, postID string) Result {
	return c.action(ctx, http.MethodPost, "/posts/"+url.PathEscape(postID)+"/like", nil)
}

// Repost reposts a post.
func (c *HTTPClient) Repost(ctx context.Context, postID string) Result {
	return c.action(ctx, http.MethodPost, "/posts/"+url.PathEscape(postID)+"/repost", nil)
}

// Follow follows an account.
func (c *HTTPClient) Follow(ctx context.Context, name string) Result {
	return c.action(ctx, http.MethodPost, "/follow/"+url.PathEscape(name), nil)
}

// Unfollow removes a follow.
func (c *HTTPClient) Unfollow(ctx context.Context, name string) Result {
	return c.action(ctx, http.MethodDelete, "/follow/"+url.PathEscape(name), nil)
}

// GlobalFeed fetches the newest posts.
func (c *HTTPClient) GlobalFeed(ctx context.Context, limit int) ([]Post, error) {
	obj, err := c.read(ctx, "/feed/global", url.Values{"limit": {strconv.Itoa(limit)}})
	if err != nil {
		return nil, err
	}
	return parsePosts(obj), nil
}

// Leaderboard fetches the ranking for metric.
func (c *HTTPClient) Leaderboard(ctx context.Context, metric string, limit int) ([]Leader, error) {
	obj, err := c.read(ctx, "/leaderboard", url.Values{
		"metric": {metric},
		"limit":  {strconv.Itoa(limit)},
	})
	if err != nil {
		return nil, err
	}
	return parseLeaders(obj), nil
}

// AgentStats fetches aggregate counters for name.
func (c *HTTPClient) AgentStats(ctx context.Context, name string) (AgentStats, error) {
	obj, err := c.read(ctx, "/agent/"+url.PathEscape(name)+"/stats", nil)
	if err != nil {
		return AgentStats{}, err
	}
	return parseStats(name, obj), nil
}

// Notifications fetches the inbox.
func (c *HTTPClient) Notifications(ctx context.Context, limit int) ([]Notification, error) {
	obj, err := c.read(ctx, "/notifications", url.Values{"limit": {strconv.Itoa(limit)}})
	if err != nil {
		return nil, err
	}
	return parseNotifications(obj), nil
}

// Followers lists accounts following name.
func (c *HTTPClient) Followers(ctx context.Context, name string, limit int) ([]string, error) {
	obj, err := c.read(ctx, "/agent/"+url.PathEscape(name)+"/followers", url.Values{"limit": {strconv.Itoa(limit)}})
	if err != nil {
		return nil, err
	}
	return parseFollowers(obj), nil
}

func (c *HTTPClient) action(ctx context.Context, method, path string, payload any) Result {
	status, body, err := c.do(ctx, method, path, nil, payload)
	if err != nil {
		c.logger.Warn().Err(err).Str("path", path).Msg("platform request failed")
		return Failed(status, "%v", err)
	}

	result := Result{StatusCode: status, Data: json.RawMessage(body)}
	if status < 200 || status > 299 {
		result.Error = parseHTTPError(c.opts.Name, status, body).Error()
		c.logger.Warn().Int("status", status).Str("path", path).Str("error", result.Error).Msg("platform action rejected")
		return result
	}

	if len(bytes.TrimSpace(body)) == 0 {
		result.OK = true
		result.Data = nil
		return result
	}
	obj, err := decodeObject(body)
	if err != nil {
		// 2xx with a non-object body still counts as done
		result.OK = true
		return result
	}
	ok, msg := actionOK(obj)
	result.OK = ok
	if !ok {
		result.Error = msg
		if result.Error == "" {
			result.Error = "platform reported failure"
		}
		return result
	}
	result.ID = actionID(obj)
	return result
}

func (c *HTTPClient) read(ctx context.Context, path string, query url.Values) (object, error) {
	status, body, err := c.do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, parseHTTPError(c.opts.Name, status, body)
	}
	obj, err := decodeObject(body)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return obj, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, payload any) (int, []byte, error) {
	if c.baseURL == "" {
		return 0, nil, errors.New("platform base url not configured")
	}

	var reader io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(body)
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "botfleet/1.0")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, err
	}

	c.observe(ctx, resp.StatusCode)
	return resp.StatusCode, body, nil
}

func (c *HTTPClient) observe(ctx context.Context, status int) {
	c.mu.RLock()
	o := c.observer
	c.mu.RUnlock()
	if o != nil {
		o.ObserveStatus(ctx, c.opts.Name, status)
	}
}

type errorResponse struct {
	Error   any    `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

func parseHTTPError(platform string, status int, payload []byte) error {
	apiErr := &StatusError{Platform: platform, Status: status}

	var resp errorResponse
	if err := json.Unmarshal(payload, &resp); err == nil {
		switch v := resp.Error.(type) {
		case string:
			apiErr.Message = v
		case map[string]any:
			apiErr.Message = object(v).str("message", "code")
		}
		if apiErr.Message == "" {
			apiErr.Message = resp.Message
		}
		if apiErr.Message == "" {
			apiErr.Message = resp.Detail
		}
		if apiErr.Message != "" {
			return apiErr
		}
	}
	if trimmed := strings.TrimSpace(string(payload)); trimmed != "" {
		if len(trimmed) > 200 {
			trimmed = trimmed[:200]
		}
		apiErr.Message = trimmed
	}
	return apiErr
}

var _ Client = (*HTTPClient)(nil)
