package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"botfleet/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig                 `mapstructure:"app"`
	Logging     logging.Config            `mapstructure:"logging"`
	State       StateConfig               `mapstructure:"state"`
	Database    DatabaseConfig            `mapstructure:"database"`
	Scheduler   SchedulerConfig           `mapstructure:"scheduler"`
	Platforms   map[string]PlatformConfig `mapstructure:"platforms"`
	RateLimit   RateLimitConfig           `mapstructure:"ratelimit"`
	Dispatch    DispatchConfig            `mapstructure:"dispatch"`
	Velocity    VelocityConfig            `mapstructure:"velocity"`
	Anomaly     AnomalyConfig             `mapstructure:"anomaly"`
	Farm        FarmConfig                `mapstructure:"farm"`
	Reciprocity ReciprocityConfig         `mapstructure:"reciprocity"`
	Engage      EngageConfig              `mapstructure:"engage"`
	LLM         LLMConfig                 `mapstructure:"llm"`
	Alerting    AlertingConfig            `mapstructure:"alerting"`
	Metrics     MetricsConfig             `mapstructure:"metrics"`
	Export      ExportConfig              `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// StateConfig selects the document store backend.
type StateConfig struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
	// SQLitePath is used when backend is sqlite.
	SQLitePath string `mapstructure:"sqlite_path"`
	// BadgerPath is used when backend is badger.
	BadgerPath      string `mapstructure:"badger_path"`
	UpdateRetries   int    `mapstructure:"update_retries"`
	AdvisoryLockKey int64  `mapstructure:"advisory_lock_key"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs cycle cadence.
type SchedulerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	AlignToBucket bool          `mapstructure:"align_to_bucket"`
	Jitter        float64       `mapstructure:"jitter"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
}

// PlatformConfig describes one social platform identity.
type PlatformConfig struct {
	Enabled        bool           `mapstructure:"enabled"`
	BaseURL        string         `mapstructure:"base_url"`
	APIKey         string         `mapstructure:"api_key"`
	Self           string         `mapstructure:"self"`
	RequestTimeout time.Duration  `mapstructure:"request_timeout"`
	MinDelay       time.Duration  `mapstructure:"min_delay"`
	Limits         map[string]int `mapstructure:"limits"`
}

// RateLimitConfig configures the sliding-window ledger.
type RateLimitConfig struct {
	Window          time.Duration `mapstructure:"window"`
	MaxEntries      int           `mapstructure:"max_entries"`
	RampEnabled     bool          `mapstructure:"ramp_enabled"`
	RampMultipliers []float64     `mapstructure:"ramp_multipliers"`
	DefaultLimit    int           `mapstructure:"default_limit"`
}

// DispatchConfig configures the unified dispatcher.
type DispatchConfig struct {
	DefaultPlatform      string `mapstructure:"default_platform"`
	DryRun               bool   `mapstructure:"dry_run"`
	BanAfterAuthFailures int    `mapstructure:"ban_after_auth_failures"`
}

// VelocityConfig configures the snapshot series.
type VelocityConfig struct {
	Metric       string          `mapstructure:"metric"`
	Limit        int             `mapstructure:"limit"`
	MaxSnapshots int             `mapstructure:"max_snapshots"`
	Windows      []time.Duration `mapstructure:"windows"`
	MinElapsed   time.Duration   `mapstructure:"min_elapsed"`
	RecordsSize  int             `mapstructure:"records_size"`
	RecordsTopN  int             `mapstructure:"records_top_n"`
}

// FarmBand is one sustained view-farming rule.
type FarmBand struct {
	MinPosts int     `mapstructure:"min_posts"`
	MinVPP   float64 `mapstructure:"min_vpp"`
	Score    int     `mapstructure:"score"`
}

// VPFBand scores accounts whose views-per-follower falls below Below.
type VPFBand struct {
	Below float64 `mapstructure:"below"`
	Score int     `mapstructure:"score"`
}

// AnomalyConfig holds the sybil heuristics. The bands were tuned against one
// platform's population and are expected to be revisited per deployment.
type AnomalyConfig struct {
	FarmBands             []FarmBand `mapstructure:"farm_bands"`
	VPFBands              []VPFBand  `mapstructure:"vpf_bands"`
	FloorScore            int        `mapstructure:"floor_score"`
	ZeroViewsMinFollowers int        `mapstructure:"zero_views_min_followers"`
	WatchCutoff           int        `mapstructure:"watch_cutoff"`
	WatchListSize         int        `mapstructure:"watch_list_size"`
	MinViewsForStats      int64      `mapstructure:"min_views_for_stats"`
	SybilScanMinFollowers int64      `mapstructure:"sybil_scan_min_followers"`
	LeaderboardLimit      int        `mapstructure:"leaderboard_limit"`
	AnalyzeEvery          int        `mapstructure:"analyze_every"`
}

// FarmConfig configures velocity-based farm detection.
type FarmConfig struct {
	Enabled           bool     `mapstructure:"enabled"`
	MinVelocity       float64  `mapstructure:"min_velocity"`
	MaxFollowers      int64    `mapstructure:"max_followers"`
	MinRankJump       int      `mapstructure:"min_rank_jump"`
	VelocityViewRatio float64  `mapstructure:"velocity_view_ratio"`
	FlagScore         int      `mapstructure:"flag_score"`
	Scan              int      `mapstructure:"scan"`
	Whitelist         []string `mapstructure:"whitelist"`
	Callout           bool     `mapstructure:"callout"`
}

// ReciprocityConfig configures the follow-back tracker.
type ReciprocityConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Deadline      time.Duration `mapstructure:"deadline"`
	Phrases       []string      `mapstructure:"phrases"`
	MaxPerRun     int           `mapstructure:"max_per_run"`
	FeedLimit     int           `mapstructure:"feed_limit"`
	FollowerLimit int           `mapstructure:"follower_limit"`
	SeenCap       int           `mapstructure:"seen_cap"`
	Redeem        bool          `mapstructure:"redeem"`
}

// EngageConfig configures notification reciprocity.
type EngageConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	NotificationLimit int    `mapstructure:"notification_limit"`
	SeenCap           int    `mapstructure:"seen_cap"`
	MaxReplies        int    `mapstructure:"max_replies"`
	Persona           string `mapstructure:"persona"`
}

// LLMConfig points at an OpenAI-compatible chat endpoint.
type LLMConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Model          string        `mapstructure:"model"`
	FallbackURL    string        `mapstructure:"fallback_url"`
	FallbackModel  string        `mapstructure:"fallback_model"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	MinScore int            `mapstructure:"min_score"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the operator notification channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// MetricsConfig exposes prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BOTFLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "botfleet")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("state.backend", "file")
	v.SetDefault("state.dir", "config")
	v.SetDefault("state.sqlite_path", "config/state.db")
	v.SetDefault("state.badger_path", "config/badger")
	v.SetDefault("state.update_retries", 5)
	v.SetDefault("state.advisory_lock_key", int64(0x626f7466))

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("scheduler.interval", "10m")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.jitter", 0.3)
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("database.dsn", "")

	// Pinch is the newer, stricter platform; MoltX tolerates far more traffic.
	v.SetDefault("platforms.moltx.enabled", true)
	v.SetDefault("platforms.moltx.base_url", "https://moltx.io/v1")
	v.SetDefault("platforms.moltx.api_key", "")
	v.SetDefault("platforms.moltx.self", "MaxAnvil1")
	v.SetDefault("platforms.moltx.request_timeout", "30s")
	v.SetDefault("platforms.moltx.min_delay", "500ms")
	v.SetDefault("platforms.moltx.limits", map[string]int{
		"posts":   100,
		"replies": 500,
		"likes":   1000,
		"reposts": 100,
		"follows": 200,
	})
	v.SetDefault("platforms.pinch.enabled", false)
	v.SetDefault("platforms.pinch.base_url", "https://pinchsocial.io/api")
	v.SetDefault("platforms.pinch.api_key", "")
	v.SetDefault("platforms.pinch.self", "MaxAnvil")
	v.SetDefault("platforms.pinch.request_timeout", "30s")
	v.SetDefault("platforms.pinch.min_delay", "2s")
	v.SetDefault("platforms.pinch.limits", map[string]int{
		"posts":   20,
		"replies": 40,
		"likes":   80,
		"reposts": 15,
		"follows": 40,
	})

	v.SetDefault("ratelimit.window", "1h")
	v.SetDefault("ratelimit.max_entries", 1000)
	v.SetDefault("ratelimit.ramp_enabled", true)
	v.SetDefault("ratelimit.ramp_multipliers", []float64{0.6, 0.8, 1.0})
	v.SetDefault("ratelimit.default_limit", 100)

	v.SetDefault("dispatch.default_platform", "moltx")
	v.SetDefault("dispatch.dry_run", false)
	v.SetDefault("dispatch.ban_after_auth_failures", 1)

	v.SetDefault("velocity.metric", "views")
	v.SetDefault("velocity.limit", 100)
	v.SetDefault("velocity.max_snapshots", 50)
	v.SetDefault("velocity.windows", []string{"1h", "30m"})
	v.SetDefault("velocity.min_elapsed", "36s")
	v.SetDefault("velocity.records_size", 20)
	v.SetDefault("velocity.records_top_n", 5)

	v.SetDefault("anomaly.farm_bands", []map[string]any{
		{"min_posts": 500, "min_vpp": 2000, "score": 95},
		{"min_posts": 300, "min_vpp": 3000, "score": 90},
		{"min_posts": 200, "min_vpp": 5000, "score": 90},
		{"min_posts": 100, "min_vpp": 8000, "score": 85},
	})
	v.SetDefault("anomaly.vpf_bands", []map[string]any{
		{"below": 5, "score": 95},
		{"below": 10, "score": 85},
		{"below": 25, "score": 70},
		{"below": 50, "score": 50},
		{"below": 100, "score": 30},
		{"below": 200, "score": 15},
	})
	v.SetDefault("anomaly.floor_score", 5)
	v.SetDefault("anomaly.zero_views_min_followers", 50)
	v.SetDefault("anomaly.watch_cutoff", 70)
	v.SetDefault("anomaly.watch_list_size", 20)
	v.SetDefault("anomaly.min_views_for_stats", 1000)
	v.SetDefault("anomaly.sybil_scan_min_followers", 100)
	v.SetDefault("anomaly.leaderboard_limit", 100)
	v.SetDefault("anomaly.analyze_every", 6)

	v.SetDefault("farm.enabled", true)
	v.SetDefault("farm.min_velocity", 125000)
	v.SetDefault("farm.max_followers", 500)
	v.SetDefault("farm.min_rank_jump", 100)
	v.SetDefault("farm.velocity_view_ratio", 0.5)
	v.SetDefault("farm.flag_score", 50)
	v.SetDefault("farm.scan", 30)
	v.SetDefault("farm.whitelist", []string{})
	v.SetDefault("farm.callout", false)

	v.SetDefault("reciprocity.enabled", true)
	v.SetDefault("reciprocity.deadline", "24h")
	v.SetDefault("reciprocity.phrases", []string{
		"follow back",
		"i follow back",
		"follow 4 follow",
		"f4f",
		"follow for follow",
		"i'll follow back",
		"will follow back",
		"always follow back",
	})
	v.SetDefault("reciprocity.max_per_run", 10)
	v.SetDefault("reciprocity.feed_limit", 50)
	v.SetDefault("reciprocity.follower_limit", 100)
	v.SetDefault("reciprocity.seen_cap", 1000)
	v.SetDefault("reciprocity.redeem", true)

	v.SetDefault("engage.enabled", true)
	v.SetDefault("engage.notification_limit", 50)
	v.SetDefault("engage.seen_cap", 500)
	v.SetDefault("engage.max_replies", 5)
	v.SetDefault("engage.persona", "You are a terse, dry-witted social agent. Reply in one or two sentences.")

	v.SetDefault("llm.enabled", false)
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "llama3.3:70b")
	v.SetDefault("llm.fallback_url", "http://localhost:11434/v1")
	v.SetDefault("llm.fallback_model", "llama3:latest")
	v.SetDefault("llm.request_timeout", "5m")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.min_score", 70)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9464")

	v.SetDefault("export.max_data_points", 5000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.WeaklyTypedInput = true
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.Jitter < 0 || c.Scheduler.Jitter >= 1 {
		return fmt.Errorf("scheduler.jitter must be in [0, 1)")
	}
	switch c.State.Backend {
	case "file", "badger", "sqlite":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres state backend")
		}
	default:
		return fmt.Errorf("state.backend %q is not supported", c.State.Backend)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("ratelimit.window must be greater than zero")
	}
	prev := 0.0
	for i, m := range c.RateLimit.RampMultipliers {
		if m <= 0 || m < prev {
			return fmt.Errorf("ratelimit.ramp_multipliers[%d] must be positive and non-decreasing", i)
		}
		prev = m
	}
	if len(c.EnabledPlatforms()) == 0 {
		return fmt.Errorf("at least one platform must be enabled")
	}
	for _, name := range c.EnabledPlatforms() {
		p := c.Platforms[name]
		if p.BaseURL == "" {
			return fmt.Errorf("platforms.%s.base_url must be configured", name)
		}
		if p.APIKey == "" {
			return fmt.Errorf("platforms.%s.api_key must be configured", name)
		}
		for action, limit := range p.Limits {
			if limit < 0 {
				return fmt.Errorf("platforms.%s.limits.%s cannot be negative", name, action)
			}
		}
	}
	if _, ok := c.Platforms[c.Dispatch.DefaultPlatform]; !ok {
		return fmt.Errorf("dispatch.default_platform %q is not a configured platform", c.Dispatch.DefaultPlatform)
	}
	if c.Velocity.MaxSnapshots < 2 {
		return fmt.Errorf("velocity.max_snapshots must be at least 2")
	}
	if c.Reciprocity.Deadline <= 0 {
		return fmt.Errorf("reciprocity.deadline must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token must be configured")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id must be configured")
		}
	}
	if c.LLM.Enabled && c.LLM.BaseURL == "" {
		return fmt.Errorf("llm.base_url must be configured when llm is enabled")
	}
	return nil
}

// EnabledPlatforms lists enabled platform names in stable order.
func (c *Config) EnabledPlatforms() []string {
	names := make([]string, 0, len(c.Platforms))
	for name, p := range c.Platforms {
		if p.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
