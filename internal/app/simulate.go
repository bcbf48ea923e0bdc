package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"botfleet/internal/alerting"
	"botfleet/internal/config"
)

// SimulateOptions describe a synthetic farm detection.
type SimulateOptions struct {
	Agent    string
	Score    int
	Velocity float64
	Views    int64
	Window   string
}

// SimulateAlert pushes a fabricated farm alert through the operator channels
// so delivery can be checked without waiting for a real detection. It never
// posts a public callout.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	router := a.operatorRouter()
	if !router.Enabled() {
		return errors.New("no alert channel configured")
	}
	if opts.Window == "" {
		opts.Window = "1h"
	}

	alert := alerting.Alert{
		Kind:     alerting.KindFarm,
		Platform: a.Config.Dispatch.DefaultPlatform,
		Agent:    opts.Agent,
		Score:    opts.Score,
		Window:   opts.Window,
		Velocity: decimal.NewFromFloat(opts.Velocity),
		Views:    opts.Views,
		Evidence: []string{"simulated detection"},
		Detected: time.Now().UTC(),
	}
	if alert.Score < a.Config.Alerting.MinScore {
		return fmt.Errorf("score %d is below alerting.min_score %d", alert.Score, a.Config.Alerting.MinScore)
	}
	if err := router.Notify(ctx, alert); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "simulated alert for @%s delivered\n", opts.Agent)
	return nil
}

func (a *App) operatorRouter() *alerting.Router {
	return newOperatorRouter(a.Config, a.Logger)
}

func newOperatorRouter(cfg *config.Config, logger zerolog.Logger) *alerting.Router {
	var telegram alerting.Notifier
	if cfg.Alerting.Enabled && cfg.Alerting.Telegram.Enabled {
		tg := cfg.Alerting.Telegram
		telegram = alerting.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBase, telegramTimeout, logger)
	}
	return alerting.NewRouter(cfg.Alerting.MinScore, logger, telegram)
}
