// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/lernfeed/lernfeed/internal/batch"
	"github.com/lernfeed/lernfeed/internal/pipeline"
	"github.com/lernfeed/lernfeed/internal/stages"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	DB        DBConfig        `mapstructure:"db"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Feeds     []FeedConfig    `mapstructure:"feeds"`
	Serve     ServeConfig     `mapstructure:"serve"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// DBConfig selects and sizes the article store. Provider is "postgres"
// or "memory".
type DBConfig struct {
	Provider string `mapstructure:"provider"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// StorageConfig selects where raw HTML snapshots are archived. Provider is
// "gcs", "local", or "memory".
type StorageConfig struct {
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
}

// PublisherConfig selects where finished-run summaries are announced.
// Provider is "pubsub", "memory", or "noop".
type PublisherConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// HTTPConfig configures the static page fetcher.
type HTTPConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// HeadlessConfig configures the browser fallback for client-rendered pages.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
	// MinHTMLBytes feeds the render heuristic: script-heavy responses below
	// this size are assumed to build their article body in the browser.
	MinHTMLBytes int `mapstructure:"min_html_bytes"`
}

// LLMConfig configures the chat-completions client.
type LLMConfig struct {
	APIKey         string  `mapstructure:"api_key"`
	BaseURL        string  `mapstructure:"base_url"`
	Model          string  `mapstructure:"model"`
	InputUSDPerM   float64 `mapstructure:"input_usd_per_1m"`
	OutputUSDPerM  float64 `mapstructure:"output_usd_per_1m"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
}

// PipelineConfig carries shared thresholds plus the per-stage engine knobs.
type PipelineConfig struct {
	// MinContentChars rejects extractions too thin to teach from.
	MinContentChars int `mapstructure:"min_content_chars"`
	// WindowHours bounds how far back daily-update feeds reach.
	WindowHours int         `mapstructure:"window_hours"`
	Scrape      StageConfig `mapstructure:"scrape"`
	Content     StageConfig `mapstructure:"content"`
	Analyze     StageConfig `mapstructure:"analyze"`
	Clean       StageConfig `mapstructure:"clean"`
	Enhance     StageConfig `mapstructure:"enhance"`
}

// ServeConfig controls the long-running service mode.
type ServeConfig struct {
	ScrapeIntervalMinutes int `mapstructure:"scrape_interval_minutes"`
}

// FeedConfig describes one RSS source the scrape stage pulls from.
type FeedConfig struct {
	URL      string `mapstructure:"url"`
	Domain   string `mapstructure:"domain"`
	Category string `mapstructure:"category"`
	Strategy string `mapstructure:"strategy"`
	Priority int    `mapstructure:"priority"`
	Disabled bool   `mapstructure:"disabled"`
}

// StageConfig sizes one pipeline stage.
type StageConfig struct {
	Limit        int `mapstructure:"limit"`
	Workers      int `mapstructure:"workers"`
	PerDomainMax int `mapstructure:"per_domain_max"`
	RateLimitMs  int `mapstructure:"rate_limit_delay_ms"`
	// Budget is in the stage's cost unit: USD for model stages, bytes
	// fetched for scrape and content. Zero means unlimited.
	Budget         float64 `mapstructure:"budget"`
	MaxRetries     int     `mapstructure:"max_retries"`
	BackoffMs      int     `mapstructure:"backoff_ms"`
	BackoffMaxMs   int     `mapstructure:"backoff_max_ms"`
	BackoffMode    string  `mapstructure:"backoff_mode"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	Ordering       string  `mapstructure:"ordering"`
	SampleSize     int     `mapstructure:"sample_size"`
	ReportEvery    int     `mapstructure:"report_every"`
}

// Stage maps the file knobs onto a stage runtime config.
func (s StageConfig) Stage() stages.Config {
	return stages.Config{
		Limit:          s.Limit,
		Workers:        s.Workers,
		PerPartition:   s.PerDomainMax,
		RateLimitDelay: time.Duration(s.RateLimitMs) * time.Millisecond,
		Budget:         s.Budget,
		MaxRetries:     s.MaxRetries,
		BackoffBase:    time.Duration(s.BackoffMs) * time.Millisecond,
		BackoffMax:     time.Duration(s.BackoffMaxMs) * time.Millisecond,
		BackoffMode:    batch.BackoffMode(s.BackoffMode),
		ItemTimeout:    time.Duration(s.TimeoutSeconds) * time.Second,
		Ordering:       batch.OrderingMode(s.Ordering),
		SampleSize:     s.SampleSize,
		ReportEvery:    s.ReportEvery,
	}
}

// Window returns the daily-update lookback as a duration.
func (c PipelineConfig) Window() time.Duration {
	return time.Duration(c.WindowHours) * time.Hour
}

// ScrapeInterval returns the pause between scheduled pipeline sweeps.
func (c ServeConfig) ScrapeInterval() time.Duration {
	return time.Duration(c.ScrapeIntervalMinutes) * time.Minute
}

// Feed maps the entry onto a store row. An unset strategy means
// daily updates and an unset priority lands mid-tier.
func (f FeedConfig) Feed() pipeline.Feed {
	strategy := pipeline.FeedStrategy(f.Strategy)
	if strategy == "" {
		strategy = pipeline.StrategyDailyUpdates
	}
	priority := f.Priority
	if priority == 0 {
		priority = 2
	}
	return pipeline.Feed{
		URL:      f.URL,
		Domain:   f.Domain,
		Category: f.Category,
		Strategy: strategy,
		Priority: priority,
		Active:   !f.Disabled,
	}
}

// DefaultFeeds is the curated German source list used when the config
// file does not define its own feeds section. Priority 1 sources are
// learner-targeted, 2 mainstream, 3 specialized.
func DefaultFeeds() []FeedConfig {
	return []FeedConfig{
		{URL: "https://rss.dw.com/xml/DKpodcast_dassagtmanso_de", Domain: "rss.dw.com", Category: "learning", Strategy: "full_archive", Priority: 1},
		{URL: "https://www.tagesschau.de/xml/rss2/", Domain: "www.tagesschau.de", Category: "news_mainstream", Strategy: "daily_updates", Priority: 2},
		{URL: "https://rss.dw.com/xml/rss-de-all", Domain: "rss.dw.com", Category: "news_mainstream", Strategy: "daily_updates", Priority: 2},
		{URL: "https://rss.sueddeutsche.de/rss/Wirtschaft", Domain: "rss.sueddeutsche.de", Category: "news_mainstream", Strategy: "daily_updates", Priority: 2},
		{URL: "https://rss.sueddeutsche.de/rss/Kultur", Domain: "rss.sueddeutsche.de", Category: "news_mainstream", Strategy: "daily_updates", Priority: 2},
		{URL: "https://rss.sueddeutsche.de/rss/Gesundheit", Domain: "rss.sueddeutsche.de", Category: "news_mainstream", Strategy: "daily_updates", Priority: 2},
		{URL: "https://www.spiegel.de/kultur/index.rss", Domain: "www.spiegel.de", Category: "news_mainstream", Strategy: "daily_updates", Priority: 2},
		{URL: "https://www.chefkoch.de/recipe-of-the-day/rss", Domain: "www.chefkoch.de", Category: "lifestyle", Strategy: "full_archive", Priority: 2},
		{URL: "https://www.brigitte.de/rezepte/feed.rss", Domain: "www.brigitte.de", Category: "lifestyle", Strategy: "daily_updates", Priority: 2},
		{URL: "https://www.brigitte.de/gesund/feed.rss", Domain: "www.brigitte.de", Category: "lifestyle", Strategy: "daily_updates", Priority: 2},
		{URL: "https://www.geo.de/feed/rss/wissen/", Domain: "www.geo.de", Category: "specialized", Strategy: "daily_updates", Priority: 3},
		{URL: "https://rss.dw.com/xml/rss-de-cul", Domain: "rss.dw.com", Category: "specialized", Strategy: "daily_updates", Priority: 3},
		{URL: "https://t3n.de/rss.xml", Domain: "t3n.de", Category: "specialized", Strategy: "daily_updates", Priority: 3},
	}
}

// Load builds a Config from disk/environment. An empty path skips the file
// and uses defaults plus LERNFEED_* environment variables.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LERNFEED")
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

	if len(cfg.Feeds) == 0 {
		cfg.Feeds = DefaultFeeds()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)

	// Empty defaults register the keys so AutomaticEnv binds them during
	// Unmarshal.
	v.SetDefault("db.provider", "memory")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 0)

	v.SetDefault("storage.provider", "local")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.local_dir", "data/raw")

	v.SetDefault("publisher.provider", "noop")
	v.SetDefault("publisher.project_id", "")
	v.SetDefault("publisher.topic", "")

	v.SetDefault("http.user_agent", "lernfeed-bot/1.0 (+https://github.com/lernfeed/lernfeed)")
	v.SetDefault("http.timeout_seconds", 15)

	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.min_html_bytes", 2048)

	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.input_usd_per_1m", 0.59)
	v.SetDefault("llm.output_usd_per_1m", 0.79)
	v.SetDefault("llm.timeout_seconds", 60)

	v.SetDefault("pipeline.min_content_chars", 400)
	v.SetDefault("pipeline.window_hours", 24)

	fetchStage := StageConfig{
		Limit:          50,
		Workers:        4,
		PerDomainMax:   2,
		RateLimitMs:    1000,
		MaxRetries:     2,
		BackoffMs:      500,
		BackoffMaxMs:   10000,
		TimeoutSeconds: 30,
		ReportEvery:    10,
	}
	modelStage := StageConfig{
		Limit:          50,
		Workers:        4,
		PerDomainMax:   2,
		RateLimitMs:    500,
		Budget:         5.0,
		MaxRetries:     3,
		BackoffMs:      1000,
		BackoffMaxMs:   30000,
		TimeoutSeconds: 120,
		ReportEvery:    10,
	}
	stageDefaults(v, "scrape", fetchStage)
	stageDefaults(v, "content", fetchStage)
	stageDefaults(v, "analyze", modelStage)
	stageDefaults(v, "clean", modelStage)
	stageDefaults(v, "enhance", modelStage)

	v.SetDefault("serve.scrape_interval_minutes", 60)
}

func stageDefaults(v *viper.Viper, stage string, d StageConfig) {
	prefix := "pipeline." + stage + "."
	v.SetDefault(prefix+"limit", d.Limit)
	v.SetDefault(prefix+"workers", d.Workers)
	v.SetDefault(prefix+"per_domain_max", d.PerDomainMax)
	v.SetDefault(prefix+"rate_limit_delay_ms", d.RateLimitMs)
	v.SetDefault(prefix+"budget", d.Budget)
	v.SetDefault(prefix+"max_retries", d.MaxRetries)
	v.SetDefault(prefix+"backoff_ms", d.BackoffMs)
	v.SetDefault(prefix+"backoff_max_ms", d.BackoffMaxMs)
	v.SetDefault(prefix+"timeout_seconds", d.TimeoutSeconds)
	v.SetDefault(prefix+"report_every", d.ReportEvery)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.DB.Provider {
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when db.provider is postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown db.provider %q", c.DB.Provider)
	}
	switch c.Storage.Provider {
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.provider is gcs")
		}
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set when storage.provider is local")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage.provider %q", c.Storage.Provider)
	}
	switch c.Publisher.Provider {
	case "pubsub":
		if c.Publisher.ProjectID == "" || c.Publisher.Topic == "" {
			return fmt.Errorf("publisher.project_id and publisher.topic must be set when publisher.provider is pubsub")
		}
	case "memory", "noop":
	default:
		return fmt.Errorf("unknown publisher.provider %q", c.Publisher.Provider)
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Serve.ScrapeIntervalMinutes <= 0 {
		return fmt.Errorf("serve.scrape_interval_minutes must be > 0")
	}
	for stage, sc := range c.stageConfigs() {
		if err := sc.validate(); err != nil {
			return fmt.Errorf("pipeline.%s: %w", stage, err)
		}
	}
	for i, f := range c.Feeds {
		if err := f.validate(); err != nil {
			return fmt.Errorf("feeds[%d]: %w", i, err)
		}
	}
	return nil
}

func (c Config) stageConfigs() map[string]StageConfig {
	return map[string]StageConfig{
		"scrape":  c.Pipeline.Scrape,
		"content": c.Pipeline.Content,
		"analyze": c.Pipeline.Analyze,
		"clean":   c.Pipeline.Clean,
		"enhance": c.Pipeline.Enhance,
	}
}

func (s StageConfig) validate() error {
	if s.Workers <= 0 {
		return fmt.Errorf("workers must be > 0")
	}
	if s.PerDomainMax <= 0 {
		return fmt.Errorf("per_domain_max must be > 0")
	}
	if s.Budget < 0 {
		return fmt.Errorf("budget must not be negative")
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	switch s.BackoffMode {
	case "", string(batch.BackoffLinear), string(batch.BackoffExponential):
	default:
		return fmt.Errorf("unknown backoff_mode %q", s.BackoffMode)
	}
	switch s.Ordering {
	case "", string(batch.OrderRoundRobin), string(batch.OrderPriorityRoundRobin), string(batch.OrderStratified):
	default:
		return fmt.Errorf("unknown ordering %q", s.Ordering)
	}
	return nil
}

func (f FeedConfig) validate() error {
	if f.URL == "" {
		return fmt.Errorf("url must be set")
	}
	if f.Domain == "" {
		return fmt.Errorf("domain must be set")
	}
	switch f.Strategy {
	case "", string(pipeline.StrategyDailyUpdates), string(pipeline.StrategyFullArchive):
	default:
		return fmt.Errorf("unknown strategy %q", f.Strategy)
	}
	if f.Priority < 0 {
		return fmt.Errorf("priority must not be negative")
	}
	return nil
}
