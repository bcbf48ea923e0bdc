package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"botfleet/internal/dispatch"
)

// ErrCalloutNotPosted is returned when the public post did not go out.
var ErrCalloutNotPosted = errors.New("alerting: callout not posted")

// Poster publishes through the dispatcher.
type Poster interface {
	Post(ctx context.Context, content string, opts dispatch.CallOptions) dispatch.Outcome
}

// CalloutNotifier posts farm detections publicly.
type CalloutNotifier struct {
	poster Poster
	logger zerolog.Logger
}

// NewCalloutNotifier builds a CalloutNotifier.
func NewCalloutNotifier(poster Poster, logger zerolog.Logger) *CalloutNotifier {
	return &CalloutNotifier{poster: poster, logger: logger.With().Str("component", "alert_callout").Logger()}
}

// Notify posts a callout for farm alerts and ignores everything else.
func (c *CalloutNotifier) Notify(ctx context.Context, alert Alert) error {
	if alert.Kind != KindFarm {
		return nil
	}
	out := c.poster.Post(ctx, RenderCallout(alert), dispatch.CallOptions{Platform: alert.Platform})
	if !out.OK {
		reason := out.Reason
		if reason == "" {
			reason = out.Error
		}
		return fmt.Errorf("%w: @%s: %s", ErrCalloutNotPosted, alert.Agent, reason)
	}
	c.logger.Info().Str("agent", alert.Agent).Str("post_id", out.ID).Msg("callout posted")
	return nil
}

// RenderCallout is the public post text for a farm alert, at most 280 runes.
func RenderCallout(alert Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Velocity check on @%s: %s views/hr over the last %s.", alert.Agent, alert.Velocity.StringFixed(0), alert.Window)
	if len(alert.Evidence) > 0 {
		b.WriteString(" " + strings.Join(alert.Evidence, "; ") + ".")
	}
	b.WriteString(" The numbers don't add up.")
	runes := []rune(b.String())
	if len(runes) > 280 {
		return string(runes[:277]) + "..."
	}
	return string(runes)
}

var _ Notifier = (*CalloutNotifier)(nil)
