// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/listings-crawler/internal/crawler"
	"github.com/JakeFAU/listings-crawler/internal/extract"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Identity   IdentityConfig   `mapstructure:"identity"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Politeness PolitenessConfig `mapstructure:"politeness"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Broadcast  BroadcastConfig  `mapstructure:"broadcast"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Storage    StorageConfig    `mapstructure:"storage"`
	DB         DBConfig         `mapstructure:"db"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Extraction ExtractionConfig `mapstructure:"extraction"`
	Targets    []TargetConfig   `mapstructure:"targets"`
	// Domains holds per-host overrides. A list rather than a map because
	// viper splits map keys on dots.
	Domains []DomainConfig `mapstructure:"domains"`
}

// DomainConfig overrides scheduling and block detection for one host.
type DomainConfig struct {
	Host        string        `mapstructure:"host"`
	Concurrency int           `mapstructure:"concurrency"`
	Delay       time.Duration `mapstructure:"delay"`
	// BlockMarkers, ChallengeSelectors and RequiredSelectors register a
	// site-specific blocked-page detector when any is set.
	BlockMarkers       []string `mapstructure:"block_markers"`
	ChallengeSelectors []string `mapstructure:"challenge_selectors"`
	RequiredSelectors  []string `mapstructure:"required_selectors"`
}

// HasDetector reports whether the override configures a block detector.
func (d DomainConfig) HasDetector() bool {
	return len(d.BlockMarkers) > 0 || len(d.ChallengeSelectors) > 0 || len(d.RequiredSelectors) > 0
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// IdentityConfig holds health thresholds and the seed identities.
type IdentityConfig struct {
	DegradeThreshold  int             `mapstructure:"degrade_threshold"`
	BanThreshold      int             `mapstructure:"ban_threshold"`
	Cooldown          time.Duration   `mapstructure:"cooldown"`
	MaxCooldown       time.Duration   `mapstructure:"max_cooldown"`
	MaxConcurrentUses int             `mapstructure:"max_concurrent_uses"`
	Identities        []IdentityEntry `mapstructure:"identities"`
}

// IdentityEntry is one configured proxy plus client signature.
type IdentityEntry struct {
	ID        string            `mapstructure:"id"`
	Proxy     string            `mapstructure:"proxy"`
	UserAgent string            `mapstructure:"user_agent"`
	Headers   map[string]string `mapstructure:"headers"`
	Class     string            `mapstructure:"class"`
}

// RetryConfig holds the backoff policy.
type RetryConfig struct {
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// SchedulerConfig governs dispatch limits.
type SchedulerConfig struct {
	GlobalConcurrency    int           `mapstructure:"global_concurrency"`
	PerDomainConcurrency int           `mapstructure:"per_domain_concurrency"`
	DrainGrace           time.Duration `mapstructure:"drain_grace"`
	IdentityRecheck      time.Duration `mapstructure:"identity_recheck"`
}

// PolitenessConfig spaces requests per domain.
type PolitenessConfig struct {
	Delay        time.Duration `mapstructure:"delay"`
	JitterFactor float64       `mapstructure:"jitter_factor"`
}

// FetchConfig configures plain HTTP attempts.
type FetchConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	MinBodyBytes  int           `mapstructure:"min_body_bytes"`
	UserAgent     string        `mapstructure:"user_agent"`
	RespectRobots bool          `mapstructure:"respect_robots"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
}

// BroadcastConfig controls subscriber health and buffering.
type BroadcastConfig struct {
	QueueSize      int           `mapstructure:"queue_size"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongTimeout    time.Duration `mapstructure:"pong_timeout"`
	MaxMissedPings int           `mapstructure:"max_missed_pings"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

// AlertingConfig holds rule thresholds and delivery targets.
type AlertingConfig struct {
	Tick                  time.Duration `mapstructure:"tick"`
	HealthyWarnFraction   float64       `mapstructure:"healthy_warn_fraction"`
	DLQWindow             time.Duration `mapstructure:"dlq_window"`
	DLQWarnThreshold      int           `mapstructure:"dlq_warn_threshold"`
	DLQCriticalMultiplier int           `mapstructure:"dlq_critical_multiplier"`
	Cooldown              time.Duration `mapstructure:"cooldown"`
	WebhookURL            string        `mapstructure:"webhook_url"`
	MaxAlerts             int           `mapstructure:"max_alerts"`
}

// StorageConfig selects where raw bodies are archived.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	LocalDir    string `mapstructure:"local_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DBConfig controls access to Postgres. An empty DSN keeps stores in memory.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	DeadLetterTable string        `mapstructure:"dead_letter_table"`
	ListingsTable   string        `mapstructure:"listings_table"`
	// AutoMigrate creates missing tables at startup.
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// PubSubConfig forwards events to Google Pub/Sub when ProjectID is set.
// IntakeSubscription, when set, also accepts fetch requests from Pub/Sub.
type PubSubConfig struct {
	ProjectID          string            `mapstructure:"project_id"`
	DefaultTopic       string            `mapstructure:"default_topic"`
	Topics             map[string]string `mapstructure:"topics"`
	IntakeSubscription string            `mapstructure:"intake_subscription"`
}

// ExtractionConfig holds listing selectors, optionally per target class.
type ExtractionConfig struct {
	Defaults extract.Selectors            `mapstructure:"defaults"`
	Classes  map[string]extract.Selectors `mapstructure:"classes"`
}

// TargetConfig is one site endpoint.
type TargetConfig struct {
	Name       string        `mapstructure:"name"`
	URL        string        `mapstructure:"url"`
	Class      string        `mapstructure:"class"`
	Interval   time.Duration `mapstructure:"interval"`
	Headless   bool          `mapstructure:"headless"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// Storage backends.
const (
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("tracing.service_name", "listings-crawler")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("identity.degrade_threshold", 3)
	v.SetDefault("identity.ban_threshold", 15)
	v.SetDefault("identity.cooldown", "300s")
	v.SetDefault("identity.max_cooldown", "1h")
	v.SetDefault("identity.max_concurrent_uses", 1)
	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.max_delay", "60s")
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("scheduler.global_concurrency", 50)
	v.SetDefault("scheduler.per_domain_concurrency", 2)
	v.SetDefault("scheduler.drain_grace", "30s")
	v.SetDefault("scheduler.identity_recheck", "1s")
	v.SetDefault("politeness.delay", "1s")
	v.SetDefault("politeness.jitter_factor", 0.5)
	v.SetDefault("fetch.timeout", "30s")
	v.SetDefault("fetch.min_body_bytes", 512)
	v.SetDefault("fetch.user_agent", "listings-crawler/0.1")
	v.SetDefault("fetch.respect_robots", false)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.navigation_timeout", "45s")
	v.SetDefault("broadcast.queue_size", 256)
	v.SetDefault("broadcast.ping_interval", "30s")
	v.SetDefault("broadcast.pong_timeout", "10s")
	v.SetDefault("broadcast.max_missed_pings", 3)
	v.SetDefault("broadcast.write_timeout", "10s")
	v.SetDefault("alerting.tick", "60s")
	v.SetDefault("alerting.healthy_warn_fraction", 0.3)
	v.SetDefault("alerting.dlq_window", "5m")
	v.SetDefault("alerting.dlq_warn_threshold", 10)
	v.SetDefault("alerting.dlq_critical_multiplier", 3)
	v.SetDefault("alerting.cooldown", "5m")
	v.SetDefault("alerting.max_alerts", 1000)
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.local_dir", "data/pages")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("db.dead_letter_table", "dead_letters")
	v.SetDefault("db.listings_table", "listings")
	v.SetDefault("db.auto_migrate", true)
	v.SetDefault("pubsub.default_topic", "listings-events")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	checks := []struct {
		failed bool
		msg    string
	}{
		{c.Server.Port <= 0, "server.port must be > 0"},
		{c.Identity.DegradeThreshold <= 0, "identity.degrade_threshold must be > 0"},
		{c.Identity.BanThreshold < c.Identity.DegradeThreshold, "identity.ban_threshold must be >= identity.degrade_threshold"},
		{c.Identity.Cooldown <= 0, "identity.cooldown must be > 0"},
		{c.Identity.MaxCooldown < c.Identity.Cooldown, "identity.max_cooldown must be >= identity.cooldown"},
		{c.Identity.MaxConcurrentUses <= 0, "identity.max_concurrent_uses must be > 0"},
		{c.Retry.BaseDelay <= 0, "retry.base_delay must be > 0"},
		{c.Retry.MaxDelay < c.Retry.BaseDelay, "retry.max_delay must be >= retry.base_delay"},
		{c.Retry.MaxRetries < 0, "retry.max_retries must be >= 0"},
		{c.Scheduler.GlobalConcurrency <= 0, "scheduler.global_concurrency must be > 0"},
		{c.Scheduler.PerDomainConcurrency < 1 || c.Scheduler.PerDomainConcurrency > 4,
			"scheduler.per_domain_concurrency must be between 1 and 4"},
		{c.Politeness.JitterFactor < 0, "politeness.jitter_factor must be >= 0"},
		{c.Fetch.Timeout <= 0, "fetch.timeout must be > 0"},
		{c.Headless.Enabled && c.Headless.MaxParallel <= 0, "headless.max_parallel must be > 0 when headless is enabled"},
		{c.Broadcast.QueueSize <= 0, "broadcast.queue_size must be > 0"},
		{c.Broadcast.PingInterval <= 0, "broadcast.ping_interval must be > 0"},
		{c.Broadcast.PongTimeout <= 0 || c.Broadcast.PongTimeout >= c.Broadcast.PingInterval,
			"broadcast.pong_timeout must be > 0 and shorter than broadcast.ping_interval"},
		{c.Broadcast.MaxMissedPings <= 0, "broadcast.max_missed_pings must be > 0"},
		{c.Alerting.Tick <= 0, "alerting.tick must be > 0"},
		{c.Alerting.HealthyWarnFraction <= 0 || c.Alerting.HealthyWarnFraction > 1,
			"alerting.healthy_warn_fraction must be in (0, 1]"},
		{c.Alerting.DLQWarnThreshold <= 0, "alerting.dlq_warn_threshold must be > 0"},
		{c.Alerting.DLQCriticalMultiplier < 1, "alerting.dlq_critical_multiplier must be >= 1"},
		{c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1, "tracing.sample_ratio must be in [0, 1]"},
	}
	for _, check := range checks {
		if check.failed {
			return fmt.Errorf("%s", check.msg)
		}
	}

	switch c.Storage.Backend {
	case StorageMemory:
	case StorageLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend)
	}

	if c.PubSub.IntakeSubscription != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.intake_subscription is set")
	}
	if c.PubSub.ProjectID != "" && c.PubSub.DefaultTopic == "" && len(c.PubSub.Topics) == 0 {
		return fmt.Errorf("pubsub.default_topic or pubsub.topics must be set when pubsub.project_id is set")
	}
	if c.Alerting.WebhookURL != "" {
		if _, err := url.ParseRequestURI(c.Alerting.WebhookURL); err != nil {
			return fmt.Errorf("alerting.webhook_url: %w", err)
		}
	}
	if err := c.validateIdentities(); err != nil {
		return err
	}
	if err := c.validateDomains(); err != nil {
		return err
	}
	return c.validateTargets()
}

func (c Config) validateDomains() error {
	for i, d := range c.Domains {
		if d.Host == "" {
			return fmt.Errorf("domains[%d].host is required", i)
		}
		if d.Concurrency < 0 || d.Concurrency > 4 {
			return fmt.Errorf("domains[%d].concurrency must be between 1 and 4", i)
		}
	}
	return nil
}

// DomainConcurrency returns per-host concurrency overrides.
func (c Config) DomainConcurrency() map[string]int {
	out := make(map[string]int)
	for _, d := range c.Domains {
		if d.Concurrency > 0 {
			out[strings.ToLower(d.Host)] = d.Concurrency
		}
	}
	return out
}

// DomainDelays returns per-host politeness overrides.
func (c Config) DomainDelays() map[string]time.Duration {
	out := make(map[string]time.Duration)
	for _, d := range c.Domains {
		if d.Delay != 0 {
			out[strings.ToLower(d.Host)] = d.Delay
		}
	}
	return out
}

func (c Config) validateIdentities() error {
	seen := make(map[string]struct{}, len(c.Identity.Identities))
	for i, ident := range c.Identity.Identities {
		if ident.ID == "" {
			return fmt.Errorf("identity.identities[%d].id is required", i)
		}
		if _, dup := seen[ident.ID]; dup {
			return fmt.Errorf("identity.identities[%d]: duplicate id %q", i, ident.ID)
		}
		seen[ident.ID] = struct{}{}
		if ident.Proxy != "" {
			u, err := url.Parse(ident.Proxy)
			if err != nil || u.Host == "" {
				return fmt.Errorf("identity.identities[%d].proxy %q is not a valid URL", i, ident.Proxy)
			}
		}
	}
	return nil
}

func (c Config) validateTargets() error {
	seen := make(map[string]struct{}, len(c.Targets))
	for i, t := range c.Targets {
		if t.Name == "" {
			return fmt.Errorf("targets[%d].name is required", i)
		}
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("targets[%d]: duplicate name %q", i, t.Name)
		}
		seen[t.Name] = struct{}{}
		u, err := url.Parse(t.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("targets[%d].url %q must be an absolute http(s) URL", i, t.URL)
		}
		if t.Interval < 0 {
			return fmt.Errorf("targets[%d].interval must be >= 0", i)
		}
		if t.Headless && !c.Headless.Enabled {
			return fmt.Errorf("targets[%d] requires headless but headless.enabled is false", i)
		}
	}
	return nil
}

// CrawlerTargets converts configured targets.
func (c Config) CrawlerTargets() []crawler.Target {
	out := make([]crawler.Target, 0, len(c.Targets))
	for _, t := range c.Targets {
		out = append(out, crawler.Target{
			Name:       t.Name,
			URL:        t.URL,
			Class:      t.Class,
			Interval:   t.Interval,
			Headless:   t.Headless,
			MaxRetries: t.MaxRetries,
		})
	}
	return out
}

// CrawlerIdentities converts configured identities.
func (c Config) CrawlerIdentities() []crawler.Identity {
	out := make([]crawler.Identity, 0, len(c.Identity.Identities))
	for _, ident := range c.Identity.Identities {
		out = append(out, ident.ToIdentity())
	}
	return out
}

// ToIdentity converts the entry into a crawler.Identity.
func (e IdentityEntry) ToIdentity() crawler.Identity {
	return crawler.Identity{
		ID:            e.ID,
		ProxyEndpoint: e.Proxy,
		Class:         e.Class,
		Signature: crawler.ClientSignature{
			UserAgent: e.UserAgent,
			Headers:   e.Headers,
		},
	}
}
