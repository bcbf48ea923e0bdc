package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"botfleet/internal/anomaly"
)

// Alert kinds.
const (
	KindFarm  = "farm"
	KindSybil = "sybil"
)

// Alert describes one flagged agent.
type Alert struct {
	Kind     string
	Platform string
	Agent    string
	Score    int
	Window   string
	Velocity decimal.Decimal
	Views    int64
	Evidence []string
	Detected time.Time
}

// FromSuspect converts a farm detection.
func FromSuspect(platform string, s anomaly.Suspect, at time.Time) Alert {
	return Alert{
		Kind:     KindFarm,
		Platform: platform,
		Agent:    s.Name,
		Score:    s.Score,
		Window:   s.Window,
		Velocity: decimal.NewFromFloat(s.Velocity),
		Views:    s.Views,
		Evidence: s.Evidence,
		Detected: at,
	}
}

// FromReport converts a watch-list entry.
func FromReport(platform string, r anomaly.AgentReport, at time.Time) Alert {
	return Alert{
		Kind:     KindSybil,
		Platform: platform,
		Agent:    r.Name,
		Score:    r.SybilScore,
		Views:    r.Views,
		Evidence: r.Evidence,
		Detected: at,
	}
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// TelegramNotifier pushes alerts to an operator chat via the Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier builds a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls sendMessage with the rendered alert.
func (n *TelegramNotifier) Notify(ctx context.Context, alert Alert) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(alert),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().Str("kind", alert.Kind).
		Str("agent", alert.Agent).
		Int("score", alert.Score).
		Msg("alert sent (telegram)")
	return nil
}

func renderMessage(alert Alert) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[%s alert] @%s on %s\n", strings.ToUpper(alert.Kind), alert.Agent, alert.Platform))
	builder.WriteString(fmt.Sprintf("Score: %d\n", alert.Score))
	if !alert.Velocity.IsZero() {
		builder.WriteString(fmt.Sprintf("Velocity: %s views/hr (%s window)\n", alert.Velocity.StringFixed(0), alert.Window))
	}
	builder.WriteString(fmt.Sprintf("Views: %d\n", alert.Views))
	for _, e := range alert.Evidence {
		builder.WriteString("- " + e + "\n")
	}
	if !alert.Detected.IsZero() {
		builder.WriteString(fmt.Sprintf("Detected: %s UTC", alert.Detected.UTC().Format(time.RFC3339)))
	}
	return builder.String()
}

// Router fans alerts at or above MinScore out to every notifier.
type Router struct {
	notifiers []Notifier
	minScore  int
	logger    zerolog.Logger
}

// NewRouter builds a Router. Nil notifiers are dropped.
func NewRouter(minScore int, logger zerolog.Logger, notifiers ...Notifier) *Router {
	r := &Router{minScore: minScore, logger: logger.With().Str("component", "alert_router").Logger()}
	for _, n := range notifiers {
		if n != nil {
			r.notifiers = append(r.notifiers, n)
		}
	}
	return r
}

// Enabled is false when there is nowhere to send alerts.
func (r *Router) Enabled() bool { return r != nil && len(r.notifiers) > 0 }

// Notify delivers alert to every notifier, joining their errors.
func (r *Router) Notify(ctx context.Context, alert Alert) error {
	if !r.Enabled() || alert.Score < r.minScore {
		return nil
	}
	var errs []error
	for _, n := range r.notifiers {
		if err := n.Notify(ctx, alert); err != nil {
			r.logger.Warn().Err(err).Str("agent", alert.Agent).Msg("alert delivery failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*Router)(nil)
)
