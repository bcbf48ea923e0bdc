package platform

import (
	"github.com/rs/zerolog"

	"botfleet/internal/config"
	"botfleet/internal/version"
)

// FromConfig builds HTTP clients for every enabled platform.
func FromConfig(cfg *config.Config, logger zerolog.Logger) *Registry {
	reg := NewRegistry()
	for _, name := range cfg.EnabledPlatforms() {
		p := cfg.Platforms[name]
		reg.Register(NewHTTPClient(Options{
			Name:      name,
			BaseURL:   p.BaseURL,
			APIKey:    p.APIKey,
			Timeout:   p.RequestTimeout,
			UserAgent: version.UserAgent(),
		}, logger))
	}
	return reg
}
