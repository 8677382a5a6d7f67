package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"rugguard/internal/trustlist"
)

// Config is the application's configuration model.
// It captures credentials, the trigger, and the budget and dedup policies.
type Config struct {
	Account     AccountConfig     `yaml:"account"`
	Credentials CredentialsConfig `yaml:"credentials"`
	API         APIConfig         `yaml:"api"`
	Trigger     TriggerConfig     `yaml:"trigger"`
	TrustList   TrustListConfig   `yaml:"trustList"`
	Budget      BudgetConfig      `yaml:"budget"`
	Dedup       DedupConfig       `yaml:"dedup"`
	Analysis    AnalysisConfig    `yaml:"analysis"`
	Server      ServerConfig      `yaml:"server"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Storage     StorageConfig     `yaml:"storage"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type AccountConfig struct {
	// Bot username, used for the self-trigger guard
	Username string `yaml:"username"`
	// Bot account id; resolved from Username at startup when empty
	ID string `yaml:"id"`
}

type CredentialsConfig struct {
	// X API bearer token for reads. If empty, read from env X_BEARER_TOKEN
	BearerToken string `yaml:"bearerToken"`
	// User-context bearer token for posting. If empty, read X_USER_TOKEN
	UserToken string `yaml:"userToken"`
	// OAuth1.0a credentials for posting replies
	ConsumerKey    string `yaml:"consumerKey"`
	ConsumerSecret string `yaml:"consumerSecret"`
	AccessToken    string `yaml:"accessToken"`
	AccessSecret   string `yaml:"accessSecret"`
}

// APIConfig tunes the X API transport; zero values keep client defaults.
type APIConfig struct {
	BaseURL     string        `yaml:"baseURL"`
	RPS         float64       `yaml:"rps"`
	Burst       int           `yaml:"burst"`
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseBackoff time.Duration `yaml:"baseBackoff"`
	Timeout     time.Duration `yaml:"timeout"`
}

type TriggerConfig struct {
	Phrase       string        `yaml:"phrase"`
	PollInterval time.Duration `yaml:"pollInterval"`
	// How far back the first search looks when no cursor is stored
	Lookback   time.Duration `yaml:"lookback"`
	MaxResults int           `yaml:"maxResults"`
}

type TrustListConfig struct {
	URL         string        `yaml:"url"`
	TTL         time.Duration `yaml:"ttl"`
	Timeout     time.Duration `yaml:"timeout"`
	RefreshCron string        `yaml:"refreshCron"`
}

type BudgetConfig struct {
	Window time.Duration `yaml:"window"`
	// Per-window ceilings keyed by category: search, lookup, post
	Limits map[string]int `yaml:"limits"`
}

type DedupConfig struct {
	// Claims older than this are evicted; 0 keeps them forever
	Retention        time.Duration `yaml:"retention"`
	Persist          bool          `yaml:"persist"`
	ReleaseOnFailure bool          `yaml:"releaseOnFailure"`
	PruneCron        string        `yaml:"pruneCron"`
}

type AnalysisConfig struct {
	MaxRecentPosts int `yaml:"maxRecentPosts"`
	// "requeue" or "drop"
	DeferPolicy string `yaml:"deferPolicy"`
	MaxDeferred int    `yaml:"maxDeferred"`
	DryRun      bool   `yaml:"dryRun"`
	// Reply caps per clock hour and UTC day; 0 disables
	MaxRepliesPerHour int `yaml:"maxRepliesPerHour"`
	MaxRepliesPerDay  int `yaml:"maxRepliesPerDay"`
}

type ServerConfig struct {
	Addr              string `yaml:"addr"`
	RequestsPerMinute int    `yaml:"requestsPerMinute"`
}

type MetricsConfig struct {
	// Standalone metrics listener for `run`; empty disables it
	Addr string `yaml:"addr"`
}

type StorageConfig struct {
	DBPath string `yaml:"dbPath"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a sensible default configuration.
func Default() Config {
	return Config{
		API: APIConfig{
			BaseURL:     "https://api.twitter.com/2",
			RPS:         2,
			Burst:       10,
			MaxAttempts: 3,
			BaseBackoff: 500 * time.Millisecond,
			Timeout:     15 * time.Second,
		},
		Trigger: TriggerConfig{Phrase: "riddle me this", PollInterval: time.Minute, Lookback: 6 * time.Hour, MaxResults: 50},
		TrustList: TrustListConfig{
			URL:         trustlist.DefaultURL,
			TTL:         30 * time.Minute,
			Timeout:     10 * time.Second,
			RefreshCron: "@every 30m",
		},
		Budget: BudgetConfig{
			Window: 15 * time.Minute,
			Limits: map[string]int{"search": 450, "lookup": 300, "post": 300},
		},
		Dedup:    DedupConfig{Retention: 72 * time.Hour, Persist: true, PruneCron: "@hourly"},
		Analysis: AnalysisConfig{MaxRecentPosts: 20, DeferPolicy: "requeue", MaxDeferred: 200, MaxRepliesPerDay: 500},
		Server:   ServerConfig{Addr: ":8080", RequestsPerMinute: 60},
		Metrics:  MetricsConfig{Addr: ":9090"},
		Storage:  StorageConfig{DBPath: "./rugguard.db"},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
	}
}

// ResolveEnv fills in config fields from environment variables if not set.
func (c *Config) ResolveEnv() {
	setIfEmpty(&c.Credentials.BearerToken, "X_BEARER_TOKEN")
	setIfEmpty(&c.Credentials.UserToken, "X_USER_TOKEN")
	setIfEmpty(&c.Credentials.ConsumerKey, "X_CONSUMER_KEY")
	setIfEmpty(&c.Credentials.ConsumerSecret, "X_CONSUMER_SECRET")
	setIfEmpty(&c.Credentials.AccessToken, "X_ACCESS_TOKEN")
	setIfEmpty(&c.Credentials.AccessSecret, "X_ACCESS_SECRET")
	setIfEmpty(&c.Account.Username, "BOT_USERNAME")
	if v := os.Getenv("RUGGUARD_TRIGGER_PHRASE"); v != "" {
		c.Trigger.Phrase = v
	}
	if v := os.Getenv("RUGGUARD_SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("RUGGUARD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("RUGGUARD_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Trigger.PollInterval = d
		}
	}
	if v := os.Getenv("X_API_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			c.API.RPS = f
		}
	}
	if v := os.Getenv("X_API_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.API.Burst = n
		}
	}
	if v := os.Getenv("X_API_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.API.MaxAttempts = n
		}
	}
	if v := os.Getenv("X_API_BASE_BACKOFF_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.API.BaseBackoff = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("RUGGUARD_DRY_RUN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Analysis.DryRun = b
		}
	}
}

func setIfEmpty(dst *string, env string) {
	if *dst == "" {
		*dst = os.Getenv(env)
	}
}

// LoadDotEnv loads KEY=VALUE pairs from path into the environment without overriding
// variables already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// Load reads YAML config from path on top of Default, then applies env overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	cfg.ResolveEnv()
	return cfg, nil
}

// Save writes YAML config to path, creating directories as needed.
func Save(path string, cfg Config) error {
	if path == "" {
		return errors.New("empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

// Validate checks operational settings. Credentials are checked by the commands that need them.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Trigger.Phrase) == "" {
		errs = append(errs, errors.New("trigger.phrase is required"))
	}
	if c.Trigger.PollInterval < 10*time.Second {
		errs = append(errs, fmt.Errorf("trigger.pollInterval %s is below 10s", c.Trigger.PollInterval))
	}
	if c.Trigger.Lookback <= 0 || c.Trigger.Lookback > 7*24*time.Hour {
		errs = append(errs, fmt.Errorf("trigger.lookback %s must be in (0, 168h]", c.Trigger.Lookback))
	}
	if c.Trigger.MaxResults < 10 || c.Trigger.MaxResults > 100 {
		errs = append(errs, fmt.Errorf("trigger.maxResults %d must be in [10, 100]", c.Trigger.MaxResults))
	}
	if c.API.RPS < 0 || c.API.Burst < 0 || c.API.MaxAttempts < 0 || c.API.BaseBackoff < 0 || c.API.Timeout < 0 {
		errs = append(errs, errors.New("api settings must not be negative"))
	}
	if c.TrustList.URL == "" {
		errs = append(errs, errors.New("trustList.url is required"))
	}
	if c.Budget.Window <= 0 {
		errs = append(errs, errors.New("budget.window must be positive"))
	}
	for k, v := range c.Budget.Limits {
		switch k {
		case "search", "lookup", "post":
		default:
			errs = append(errs, fmt.Errorf("budget.limits: unknown category %q", k))
		}
		if v < 0 {
			errs = append(errs, fmt.Errorf("budget.limits.%s must not be negative", k))
		}
	}
	if c.Analysis.MaxRepliesPerHour < 0 || c.Analysis.MaxRepliesPerDay < 0 {
		errs = append(errs, errors.New("analysis reply caps must not be negative"))
	}
	if c.Dedup.Retention < 0 {
		errs = append(errs, errors.New("dedup.retention must not be negative"))
	}
	if c.Dedup.Retention > 0 && c.Dedup.Retention <= c.Trigger.Lookback {
		errs = append(errs, fmt.Errorf("dedup.retention %s must exceed trigger.lookback %s", c.Dedup.Retention, c.Trigger.Lookback))
	}
	switch c.Analysis.DeferPolicy {
	case "requeue", "drop":
	default:
		errs = append(errs, fmt.Errorf("analysis.deferPolicy %q must be requeue or drop", c.Analysis.DeferPolicy))
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be json or text", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// HasUserAuth reports whether replies can be posted.
func (c Config) HasUserAuth() bool {
	cr := c.Credentials
	return cr.UserToken != "" ||
		(cr.ConsumerKey != "" && cr.ConsumerSecret != "" && cr.AccessToken != "" && cr.AccessSecret != "")
}
