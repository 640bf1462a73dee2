package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for Quagmire.
type Config struct {
	Edge        EdgeConfig        `yaml:"edge"`
	Tarpit      TarpitConfig      `yaml:"tarpit"`
	Escalation  EscalationConfig  `yaml:"escalation"`
	Enforcement EnforcementConfig `yaml:"enforcement"`
	State       StateConfig       `yaml:"state"`
	Markov      MarkovConfig      `yaml:"markov"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Control     ControlConfig     `yaml:"control"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	SecretsDir  string            `yaml:"secrets_dir"`
}

// EdgeConfig holds the public listener and filter heuristics.
type EdgeConfig struct {
	Listen             string   `yaml:"listen"`
	Upstream           string   `yaml:"upstream"`             // protected origin; empty serves a placeholder
	TarpitPathPrefix   string   `yaml:"tarpit_path_prefix"`   // where flagged traffic is rewritten to
	KnownBadAgents     []string `yaml:"known_bad_agents"`     // substring match, lowercase
	BenignAgents       []string `yaml:"benign_agents"`        // overrides known-bad
	RequireHeaders     []string `yaml:"require_headers"`      // absence of any is suspicious
	CheckGenericAccept bool     `yaml:"check_generic_accept"` // flag Accept: */*
	TrustForwarded     bool     `yaml:"trust_forwarded"`      // honor X-Forwarded-For
}

// TarpitConfig holds generation and streaming parameters for the labyrinth.
type TarpitConfig struct {
	SystemSeed   string        `yaml:"system_seed"`
	MinWords     int           `yaml:"min_words"`
	MaxWords     int           `yaml:"max_words"`
	LinksPerPage int           `yaml:"links_per_page"`
	DelayMin     time.Duration `yaml:"delay_min"` // per-chunk stream delay lower bound
	DelayMax     time.Duration `yaml:"delay_max"`
	ChunkBytes   int           `yaml:"chunk_bytes"` // bytes flushed per drip
	MaxHops      int64         `yaml:"max_hops"`
	HopWindow    time.Duration `yaml:"hop_window"`
	FlagTTL      time.Duration `yaml:"flag_ttl"` // tarpit visit marker lifetime
	ZipDecoys    bool          `yaml:"zip_decoys"`
}

// EscalationConfig holds scoring pipeline parameters.
type EscalationConfig struct {
	Listen          string           `yaml:"listen"`
	ThresholdLow    float64          `yaml:"threshold_low"`  // below: benign
	ThresholdHigh   float64          `yaml:"threshold_high"` // at or above: malicious
	FrequencyWindow time.Duration    `yaml:"frequency_window"`
	ModelPath       string           `yaml:"model_path"` // JSON classifier artifact, optional
	RobotsDisallow  []string         `yaml:"robots_disallow"`
	Captcha         CaptchaConfig    `yaml:"captcha"`
	Reputation      ReputationConfig `yaml:"reputation"`
	LLM             LLMConfig        `yaml:"llm"`
	Webhook         WebhookConfig    `yaml:"webhook"` // enforcement delivery
}

// CaptchaConfig scopes the verification challenge to a score band inside
// the suspicious verdict.
type CaptchaConfig struct {
	Enabled         bool    `yaml:"enabled"`
	ThresholdLow    float64 `yaml:"threshold_low"`  // band lower bound, inclusive
	ThresholdHigh   float64 `yaml:"threshold_high"` // band upper bound, exclusive
	VerificationURL string  `yaml:"verification_url"`
}

// ReputationConfig enables the external IP reputation lookup stage.
type ReputationConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
	Bonus    float64       `yaml:"bonus"` // score added on a bad verdict
}

// LLMConfig enables the optional LLM second-opinion stage.
type LLMConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
}

// WebhookConfig describes the escalation-to-enforcement delivery channel.
type WebhookConfig struct {
	URL        string        `yaml:"url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	RetryBase  time.Duration `yaml:"retry_base"` // doubled per attempt
}

// EnforcementConfig holds blocklist writing, community reporting, and alerting.
type EnforcementConfig struct {
	BlockTTL    time.Duration   `yaml:"block_ttl"`
	Community   CommunityConfig `yaml:"community"`
	Alerts      AlertsConfig    `yaml:"alerts"`
}

// CommunityConfig describes outbound abuse reporting.
type CommunityConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
}

// AlertsConfig describes operator notification channels.
type AlertsConfig struct {
	MinSeverity   string        `yaml:"min_severity"`   // lowest trigger severity that alerts
	SeverityOrder []string      `yaml:"severity_order"` // ascending
	Webhook       string        `yaml:"webhook"`        // generic JSON POST
	SlackWebhook  string        `yaml:"slack_webhook"`
	SMTP          SMTPConfig    `yaml:"smtp"`
	Timeout       time.Duration `yaml:"timeout"`
}

// SMTPConfig holds email alert delivery settings.
type SMTPConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// StateConfig selects and configures the shared state backend.
type StateConfig struct {
	Store string      `yaml:"store"` // "redis" or "memory"
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds shared state connection configuration.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	Timeout   time.Duration `yaml:"timeout"` // per-operation bound
}

// MarkovConfig holds the corpus database settings.
type MarkovConfig struct {
	Path string `yaml:"path"` // SQLite database path
}

// ArchiveConfig holds the hit archive database settings.
type ArchiveConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// ControlConfig holds the admin API configuration.
type ControlConfig struct {
	Enabled bool              `yaml:"enabled"`
	Auth    ControlAuthConfig `yaml:"auth"`
}

// ControlAuthConfig holds control API authentication settings.
type ControlAuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- config path from trusted CLI flag
	if err != nil {
		// Return defaults if config file doesn't exist
		if os.IsNotExist(err) {
			cfg := defaults()
			cfg.applyEnvOverrides()
			if err := cfg.loadSecrets(); err != nil {
				return nil, err
			}
			return cfg, cfg.validate()
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.loadSecrets(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config with sensible default values.
func defaults() *Config {
	return &Config{
		Edge: EdgeConfig{
			Listen:           ":8080",
			TarpitPathPrefix: "/tarpit",
			KnownBadAgents: []string{
				"python-requests", "curl", "wget", "scrapy", "java/",
				"ahrefsbot", "semrushbot", "mj12bot", "dotbot", "petalbot",
				"bytespider", "gptbot", "ccbot", "claude-web", "google-extended",
				"dataprovider", "purebot", "scan", "masscan", "zgrab", "nmap",
			},
			BenignAgents: []string{
				"googlebot", "bingbot", "slurp", "duckduckbot",
				"baiduspider", "yandexbot", "googlebot-image",
			},
			RequireHeaders:     []string{"Accept", "Accept-Language"},
			CheckGenericAccept: true,
			TrustForwarded:     true,
		},
		Tarpit: TarpitConfig{
			SystemSeed:   "quagmire",
			MinWords:     150,
			MaxWords:     400,
			LinksPerPage: 8,
			DelayMin:     600 * time.Millisecond,
			DelayMax:     1200 * time.Millisecond,
			ChunkBytes:   256,
			MaxHops:      250,
			HopWindow:    24 * time.Hour,
			FlagTTL:      5 * time.Minute,
			ZipDecoys:    true,
		},
		Escalation: EscalationConfig{
			Listen:          ":9090",
			ThresholdLow:    0.2,
			ThresholdHigh:   0.5,
			FrequencyWindow: 5 * time.Minute,
			RobotsDisallow:  []string{"/admin", "/private", "/api/internal"},
			Captcha: CaptchaConfig{
				Enabled:       false,
				ThresholdLow:  0.2,
				ThresholdHigh: 0.5,
			},
			Reputation: ReputationConfig{
				Enabled: false,
				Timeout: 10 * time.Second,
				Bonus:   0.3,
			},
			LLM: LLMConfig{
				Enabled: false,
				Timeout: 10 * time.Second,
			},
			Webhook: WebhookConfig{
				Timeout:    5 * time.Second,
				MaxRetries: 3,
				RetryBase:  500 * time.Millisecond,
			},
		},
		Enforcement: EnforcementConfig{
			BlockTTL: 24 * time.Hour,
			Community: CommunityConfig{
				Enabled: false,
				Timeout: 10 * time.Second,
			},
			Alerts: AlertsConfig{
				MinSeverity: "model",
				SeverityOrder: []string{
					"frequency", "heuristic", "model", "reputation", "llm", "hop_limit",
				},
				Timeout: 5 * time.Second,
			},
		},
		State: StateConfig{
			Store: "redis",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				DB:        0,
				KeyPrefix: "quagmire:",
				Timeout:   time.Second,
			},
		},
		Markov: MarkovConfig{
			Path: "data/markov.db",
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Path:          "data/hits.db",
			RetentionDays: 30,
		},
		Control: ControlConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "quagmire",
			Endpoint:    "localhost:4317",
			Insecure:    true,
		},
	}
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("QUAGMIRE_EDGE_LISTEN"); v != "" {
		c.Edge.Listen = v
	}
	if v := os.Getenv("QUAGMIRE_ESCALATION_LISTEN"); v != "" {
		c.Escalation.Listen = v
	}
	if v := os.Getenv("QUAGMIRE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("QUAGMIRE_STATE_STORE"); v != "" {
		c.State.Store = v
	}
	if v := os.Getenv("QUAGMIRE_REDIS_ADDR"); v != "" {
		c.State.Redis.Addr = v
	}
	if v := os.Getenv("QUAGMIRE_REDIS_PASSWORD"); v != "" {
		c.State.Redis.Password = v
	}
	if v := os.Getenv("QUAGMIRE_EDGE_UPSTREAM"); v != "" {
		c.Edge.Upstream = v
	}
	if v := os.Getenv("QUAGMIRE_SYSTEM_SEED"); v != "" {
		c.Tarpit.SystemSeed = v
	}
	if v := os.Getenv("QUAGMIRE_MAX_HOPS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Tarpit.MaxHops = n
		}
	}
	if v := os.Getenv("QUAGMIRE_MARKOV_PATH"); v != "" {
		c.Markov.Path = v
	}
	if v := os.Getenv("QUAGMIRE_MODEL_PATH"); v != "" {
		c.Escalation.ModelPath = v
	}
	if v := os.Getenv("QUAGMIRE_WEBHOOK_URL"); v != "" {
		c.Escalation.Webhook.URL = v
	}
	if v := os.Getenv("QUAGMIRE_SECRETS_DIR"); v != "" {
		c.SecretsDir = v
	}
	if v := os.Getenv("QUAGMIRE_ALERT_MIN_SEVERITY"); v != "" {
		c.Enforcement.Alerts.MinSeverity = v
	}
	if os.Getenv("QUAGMIRE_ARCHIVE_ENABLED") == "true" {
		c.Archive.Enabled = true
	}
	if v := os.Getenv("QUAGMIRE_ARCHIVE_PATH"); v != "" {
		c.Archive.Path = v
	}
	if os.Getenv("QUAGMIRE_REPUTATION_ENABLED") == "true" {
		c.Escalation.Reputation.Enabled = true
	}
	if os.Getenv("QUAGMIRE_LLM_ENABLED") == "true" {
		c.Escalation.LLM.Enabled = true
	}
	if os.Getenv("QUAGMIRE_COMMUNITY_ENABLED") == "true" {
		c.Enforcement.Community.Enabled = true
	}

	// Telemetry overrides
	if os.Getenv("QUAGMIRE_TELEMETRY_ENABLED") == "true" {
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("QUAGMIRE_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = v
	}
	if v := os.Getenv("QUAGMIRE_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	// Also support standard OTEL env vars
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Exporter = "otlp"
		c.Telemetry.Endpoint = v
	}
	if os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true" {
		c.Telemetry.Insecure = true
	}

	// Control API auth overrides
	if os.Getenv("QUAGMIRE_CONTROL_AUTH_ENABLED") == "true" {
		c.Control.Auth.Enabled = true
	}
	if v := os.Getenv("QUAGMIRE_CONTROL_API_KEY"); v != "" {
		c.Control.Auth.APIKey = v
		c.Control.Auth.Enabled = true
	}
}

// loadSecrets fills credential fields from files under SecretsDir. A file
// named after the secret (e.g. "redis_password") overrides the config value.
// Values are never logged.
func (c *Config) loadSecrets() error {
	if c.SecretsDir == "" {
		return nil
	}
	read := func(name string) (string, bool, error) {
		data, err := os.ReadFile(filepath.Join(c.SecretsDir, name)) // #nosec G304 -- operator-controlled dir
		if err != nil {
			if os.IsNotExist(err) {
				return "", false, nil
			}
			return "", false, fmt.Errorf("reading secret %s: %w", name, err)
		}
		return strings.TrimSpace(string(data)), true, nil
	}

	targets := []struct {
		name string
		dst  *string
	}{
		{"redis_password", &c.State.Redis.Password},
		{"control_api_key", &c.Control.Auth.APIKey},
		{"reputation_api_key", &c.Escalation.Reputation.APIKey},
		{"llm_api_key", &c.Escalation.LLM.APIKey},
		{"community_api_key", &c.Enforcement.Community.APIKey},
		{"smtp_password", &c.Enforcement.Alerts.SMTP.Password},
	}
	for _, t := range targets {
		v, ok, err := read(t.name)
		if err != nil {
			return err
		}
		if ok {
			*t.dst = v
		}
	}
	if c.Control.Auth.APIKey != "" {
		c.Control.Auth.Enabled = true
	}
	return nil
}

// validate checks that the configuration is valid.
func (c *Config) validate() error {
	if c.Edge.Listen == "" {
		return fmt.Errorf("edge listen address is required")
	}
	if c.Escalation.Listen == "" {
		return fmt.Errorf("escalation listen address is required")
	}
	if c.Tarpit.MinWords <= 0 || c.Tarpit.MaxWords < c.Tarpit.MinWords {
		return fmt.Errorf("tarpit word bounds invalid: min=%d max=%d", c.Tarpit.MinWords, c.Tarpit.MaxWords)
	}
	if c.Tarpit.DelayMin < 0 || c.Tarpit.DelayMax < c.Tarpit.DelayMin {
		return fmt.Errorf("tarpit delay bounds invalid: min=%s max=%s", c.Tarpit.DelayMin, c.Tarpit.DelayMax)
	}
	if c.Tarpit.MaxHops <= 0 {
		return fmt.Errorf("tarpit max_hops must be positive")
	}
	if c.Escalation.ThresholdLow < 0 || c.Escalation.ThresholdHigh > 1 ||
		c.Escalation.ThresholdLow >= c.Escalation.ThresholdHigh {
		return fmt.Errorf("escalation thresholds invalid: low=%.2f high=%.2f",
			c.Escalation.ThresholdLow, c.Escalation.ThresholdHigh)
	}
	if c.State.Store != "redis" && c.State.Store != "memory" {
		return fmt.Errorf("state store must be \"redis\" or \"memory\", got %q", c.State.Store)
	}
	if c.Enforcement.BlockTTL <= 0 {
		return fmt.Errorf("enforcement block_ttl must be positive")
	}
	if len(c.Enforcement.Alerts.SeverityOrder) == 0 {
		return fmt.Errorf("alert severity_order must not be empty")
	}
	if c.Enforcement.Alerts.MinSeverity != "" {
		found := false
		for _, s := range c.Enforcement.Alerts.SeverityOrder {
			if s == c.Enforcement.Alerts.MinSeverity {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("alert min_severity %q not in severity_order", c.Enforcement.Alerts.MinSeverity)
		}
	}
	if c.Escalation.Captcha.Enabled {
		if c.Escalation.Captcha.VerificationURL == "" {
			return fmt.Errorf("captcha enabled but verification_url missing")
		}
		if c.Escalation.Captcha.ThresholdLow >= c.Escalation.Captcha.ThresholdHigh {
			return fmt.Errorf("captcha band invalid: low=%.2f high=%.2f",
				c.Escalation.Captcha.ThresholdLow, c.Escalation.Captcha.ThresholdHigh)
		}
	}
	if c.Escalation.Reputation.Enabled && c.Escalation.Reputation.Endpoint == "" {
		return fmt.Errorf("reputation enabled but endpoint missing")
	}
	if c.Escalation.LLM.Enabled && c.Escalation.LLM.Endpoint == "" {
		return fmt.Errorf("llm scoring enabled but endpoint missing")
	}
	if c.Enforcement.Community.Enabled && c.Enforcement.Community.Endpoint == "" {
		return fmt.Errorf("community reporting enabled but endpoint missing")
	}
	return nil
}
