package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"botfleet/internal/anomaly"
	"botfleet/internal/dispatch"
	"botfleet/internal/platform"
)

func farmAlert() Alert {
	return FromSuspect("moltx", anomaly.Suspect{
		Name:     "bot9",
		Window:   "1h",
		Velocity: 250000.4,
		Views:    120000,
		Evidence: []string{"gaining 250000/hr but only has 120000 total views"},
		Score:    140,
	}, time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/bottoken/sendMessage") {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	if err := notifier.Notify(context.Background(), farmAlert()); err != nil {
		t.Fatalf("notify: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id mismatch: %#v", received)
	}
	text := received["text"]
	for _, want := range []string{"[FARM alert] @bot9 on moltx", "Score: 140", "Velocity: 250000 views/hr (1h window)", "- gaining", "2026-05-01T10:00:00Z"} {
		if !strings.Contains(text, want) {
			t.Fatalf("message missing %q:\n%s", want, text)
		}
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	if err := notifier.Notify(context.Background(), farmAlert()); err == nil {
		t.Fatal("ok=false should fail")
	}
}

func TestSybilMessageOmitsVelocity(t *testing.T) {
	msg := renderMessage(FromReport("pinch", anomaly.AgentReport{Name: "ghost", SybilScore: 100, Evidence: []string{"900 followers but zero views"}}, time.Time{}))
	if !strings.Contains(msg, "[SYBIL alert] @ghost on pinch") {
		t.Fatalf("missing header:\n%s", msg)
	}
	if strings.Contains(msg, "Velocity") || strings.Contains(msg, "Detected") {
		t.Fatalf("sybil message should carry no velocity or time:\n%s", msg)
	}
}

type recorder struct {
	alerts []Alert
	err    error
}

func (r *recorder) Notify(_ context.Context, a Alert) error {
	r.alerts = append(r.alerts, a)
	return r.err
}

func TestRouterFiltersAndJoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{err: errors.New("boom")}
	r := NewRouter(70, zerolog.Nop(), ok, nil, bad)
	if !r.Enabled() {
		t.Fatal("router with notifiers should be enabled")
	}

	low := farmAlert()
	low.Score = 50
	if err := r.Notify(context.Background(), low); err != nil {
		t.Fatalf("below threshold: %v", err)
	}
	if len(ok.alerts) != 0 {
		t.Fatalf("below threshold alert delivered: %#v", ok.alerts)
	}

	if err := r.Notify(context.Background(), farmAlert()); err == nil {
		t.Fatal("failing notifier should surface an error")
	}
	if len(ok.alerts) != 1 || len(bad.alerts) != 1 {
		t.Fatalf("every notifier should be tried: ok=%d bad=%d", len(ok.alerts), len(bad.alerts))
	}

	empty := NewRouter(0, zerolog.Nop())
	if empty.Enabled() {
		t.Fatal("router without notifiers should be disabled")
	}
	if err := empty.Notify(context.Background(), farmAlert()); err != nil {
		t.Fatalf("empty router: %v", err)
	}
}

type poster struct {
	content string
	opts    dispatch.CallOptions
	out     dispatch.Outcome
}

func (p *poster) Post(_ context.Context, content string, opts dispatch.CallOptions) dispatch.Outcome {
	p.content, p.opts = content, opts
	return p.out
}

func TestCalloutNotifier(t *testing.T) {
	p := &poster{out: dispatch.Outcome{Result: platform.Result{OK: true, ID: "post-1"}}}
	c := NewCalloutNotifier(p, zerolog.Nop())

	if err := c.Notify(context.Background(), farmAlert()); err != nil {
		t.Fatalf("callout: %v", err)
	}
	if p.opts.Platform != "moltx" {
		t.Fatalf("callout platform = %q", p.opts.Platform)
	}
	if !strings.HasPrefix(p.content, "Velocity check on @bot9: 250000 views/hr over the last 1h.") {
		t.Fatalf("unexpected callout:\n%s", p.content)
	}

	p.content = ""
	if err := c.Notify(context.Background(), FromReport("moltx", anomaly.AgentReport{Name: "x"}, time.Now())); err != nil {
		t.Fatalf("sybil callout: %v", err)
	}
	if p.content != "" {
		t.Fatalf("sybil alert should not be posted, got %q", p.content)
	}

	p.out = dispatch.Outcome{RateLimited: true, Reason: "Rate limit: 2/2 posts/hr"}
	err := c.Notify(context.Background(), farmAlert())
	if !errors.Is(err, ErrCalloutNotPosted) {
		t.Fatalf("rate limited callout error = %v", err)
	}
	if !strings.Contains(err.Error(), "Rate limit") {
		t.Fatalf("error should carry the reason: %v", err)
	}
}

func TestRenderCalloutTruncates(t *testing.T) {
	a := farmAlert()
	a.Evidence = []string{strings.Repeat("x", 400)}
	out := RenderCallout(a)
	if n := len([]rune(out)); n != 280 {
		t.Fatalf("callout length = %d, want 280", n)
	}
	if !strings.HasSuffix(out, "...") {
		t.Fatalf("truncated callout should end with ...: %q", out)
	}
}
