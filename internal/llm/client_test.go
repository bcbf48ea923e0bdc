package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatServer(t *testing.T, status int, content string, hits *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req.Messages, 2)

		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  req.Model,
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]string{"role": "assistant", "content": content},
			}},
		})
	}))
}

func TestChatPrimary(t *testing.T) {
	var hits int32
	srv := chatServer(t, http.StatusOK, "  hello there  ", &hits)
	defer srv.Close()

	c, err := New(Options{BaseURL: srv.URL + "/v1", Model: "m"}, zerolog.Nop())
	require.NoError(t, err)
	text, err := c.Chat(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, "hello there", text)
	assert.EqualValues(t, 1, hits)
}

func TestChatFallsBack(t *testing.T) {
	var primaryHits, fallbackHits int32
	primary := chatServer(t, http.StatusServiceUnavailable, "", &primaryHits)
	defer primary.Close()
	fallback := chatServer(t, http.StatusOK, "from fallback", &fallbackHits)
	defer fallback.Close()

	c, err := New(Options{BaseURL: primary.URL + "/v1", Model: "big", FallbackURL: fallback.URL + "/v1", FallbackModel: "small"}, zerolog.Nop())
	require.NoError(t, err)
	text, err := c.Chat(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, "from fallback", text)
	assert.EqualValues(t, 1, primaryHits)
	assert.EqualValues(t, 1, fallbackHits)
}

func TestChatAllFail(t *testing.T) {
	var hits int32
	srv := chatServer(t, http.StatusOK, "   ", &hits)
	defer srv.Close()

	c, err := New(Options{BaseURL: srv.URL + "/v1", Model: "m"}, zerolog.Nop())
	require.NoError(t, err)
	_, err = c.Chat(context.Background(), "sys", "user")
	require.ErrorIs(t, err, ErrEmptyResponse)
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Options{}, zerolog.Nop())
	require.Error(t, err)
}

func TestClean(t *testing.T) {
	assert.Equal(t, "quoted", Clean(`  "quoted" `))
	long := strings.Repeat("é", 300)
	out := Clean(long)
	assert.Equal(t, MaxReplyLength, len([]rune(out)))
	assert.True(t, strings.HasSuffix(out, "..."))
	assert.Equal(t, `"`, Clean(`"`))
}
