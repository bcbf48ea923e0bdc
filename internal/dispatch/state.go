package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"botfleet/internal/storage"
)

// ConfigKey is the persisted platform selection document.
const ConfigKey = "platform_config"

// EnvActivePlatform overrides the persisted active platform.
const EnvActivePlatform = "BOTFLEET_ACTIVE_PLATFORM"

// ErrUnknownPlatform is returned for names with no registered client.
var ErrUnknownPlatform = errors.New("dispatch: unknown platform")

// Source values for Status.Source.
const (
	SourceEnv     = "env"
	SourceConfig  = "config"
	SourceDefault = "default"
)

// PlatformConfig is the persisted selection and ban state.
type PlatformConfig struct {
	ActivePlatform string          `json:"active_platform"`
	Banned         map[string]bool `json:"banned"`
	LastSwitch     *time.Time      `json:"last_switch"`
	BanHistory     []BanEvent      `json:"ban_history"`
}

// BanEvent is one entry of the ban history.
type BanEvent struct {
	ID        string    `json:"id"`
	Platform  string    `json:"platform"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// PlatformStatus is one platform row of Status.
type PlatformStatus struct {
	Name   string `json:"name"`
	Banned bool   `json:"banned"`
	Active bool   `json:"active"`
}

// Status summarises the dispatcher for operators.
type Status struct {
	Active     string           `json:"active_platform"`
	Source     string           `json:"source"`
	Platforms  []PlatformStatus `json:"platforms"`
	LastSwitch *time.Time       `json:"last_switch,omitempty"`
	DryRun     bool             `json:"dry_run"`
	BanHistory []BanEvent       `json:"ban_history"`
}

func newPlatformConfig() PlatformConfig {
	return PlatformConfig{Banned: map[string]bool{}, BanHistory: []BanEvent{}}
}

func (d *Dispatcher) loadConfig(ctx context.Context) PlatformConfig {
	doc, _, err := storage.LoadJSON(ctx, d.store, ConfigKey, newPlatformConfig)
	if err != nil {
		d.logger.Warn().Err(err).Msg("platform config unreadable, using defaults")
	}
	if doc.Banned == nil {
		doc.Banned = map[string]bool{}
	}
	return doc
}

func (d *Dispatcher) updateConfig(ctx context.Context, mutate func(*PlatformConfig) error) (PlatformConfig, error) {
	return storage.UpdateJSON(ctx, d.store, ConfigKey, newPlatformConfig, d.opts.Retries, func(doc *PlatformConfig) error {
		if doc.Banned == nil {
			doc.Banned = map[string]bool{}
		}
		return mutate(doc)
	})
}

// ActivePlatform resolves env override, then persisted config, then the
// configured default. Names without a registered client are skipped.
func (d *Dispatcher) ActivePlatform(ctx context.Context) (string, string) {
	if name := d.opts.Getenv(EnvActivePlatform); name != "" {
		if _, ok := d.registry.Get(name); ok {
			return name, SourceEnv
		}
		d.logger.Warn().Str("platform", name).Msg("ignoring unknown platform override")
	}
	if doc := d.loadConfig(ctx); doc.ActivePlatform != "" {
		if _, ok := d.registry.Get(doc.ActivePlatform); ok {
			return doc.ActivePlatform, SourceConfig
		}
	}
	return d.opts.DefaultPlatform, SourceDefault
}

// Switch persists name as the active platform.
func (d *Dispatcher) Switch(ctx context.Context, name string) error {
	if _, ok := d.registry.Get(name); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlatform, name)
	}
	var previous string
	_, err := d.updateConfig(ctx, func(doc *PlatformConfig) error {
		previous = doc.ActivePlatform
		now := d.opts.Clock().UTC()
		doc.ActivePlatform = name
		doc.LastSwitch = &now
		return nil
	})
	if err != nil {
		return fmt.Errorf("switch platform: %w", err)
	}
	d.logger.Info().Str("from", previous).Str("to", name).Msg("active platform switched")
	return nil
}

// MarkBanned flags name as banned, records the event, and moves the active
// platform to the first non-banned alternative when one exists.
func (d *Dispatcher) MarkBanned(ctx context.Context, name, reason string) error {
	if _, ok := d.registry.Get(name); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlatform, name)
	}
	var switchedTo string
	_, err := d.updateConfig(ctx, func(doc *PlatformConfig) error {
		switchedTo = ""
		now := d.opts.Clock().UTC()
		doc.Banned[name] = true
		doc.BanHistory = append(doc.BanHistory, BanEvent{
			ID:        uuid.NewString(),
			Platform:  name,
			Reason:    reason,
			Timestamp: now,
		})

		active := doc.ActivePlatform
		if active == "" {
			active = d.opts.DefaultPlatform
		}
		if active != name {
			return nil
		}
		for _, candidate := range d.registry.Names() {
			if candidate != name && !doc.Banned[candidate] {
				doc.ActivePlatform = candidate
				doc.LastSwitch = &now
				switchedTo = candidate
				break
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark banned: %w", err)
	}

	evt := d.logger.Warn().Str("platform", name).Str("reason", reason)
	if switchedTo != "" {
		evt = evt.Str("switched_to", switchedTo)
	}
	evt.Msg("platform marked banned")
	return nil
}

// MarkUnbanned clears the ban flag. The active platform is left alone.
func (d *Dispatcher) MarkUnbanned(ctx context.Context, name string) error {
	if _, ok := d.registry.Get(name); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlatform, name)
	}
	_, err := d.updateConfig(ctx, func(doc *PlatformConfig) error {
		if !doc.Banned[name] {
			return storage.ErrNoChange
		}
		delete(doc.Banned, name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark unbanned: %w", err)
	}
	d.resetAuthFailures(name)
	d.logger.Info().Str("platform", name).Msg("platform marked unbanned")
	return nil
}

// IsBanned reports the persisted ban flag.
func (d *Dispatcher) IsBanned(ctx context.Context, name string) bool {
	return d.loadConfig(ctx).Banned[name]
}

// Status reports the active platform, ban flags and history.
func (d *Dispatcher) Status(ctx context.Context) Status {
	active, source := d.ActivePlatform(ctx)
	doc := d.loadConfig(ctx)

	st := Status{
		Active:     active,
		Source:     source,
		LastSwitch: doc.LastSwitch,
		DryRun:     d.opts.DryRun,
		BanHistory: doc.BanHistory,
	}
	for _, name := range d.registry.Names() {
		st.Platforms = append(st.Platforms, PlatformStatus{
			Name:   name,
			Banned: doc.Banned[name],
			Active: name == active,
		})
	}
	return st
}

func defaultGetenv(key string) string { return os.Getenv(key) }
