// Package config loads the leadgraph service configuration from a YAML file
// and LEADGRAPH_* environment variables. Environment values win.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LEADGRAPH_"

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Engine    EngineConfig    `yaml:"engine"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	LLM       LLMConfig       `yaml:"llm"`
	CRM       CRMConfig       `yaml:"crm"`
	Marketing MarketingConfig `yaml:"marketing"`
	Approval  ApprovalConfig  `yaml:"approval"`
	Google    GoogleConfig    `yaml:"google"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

type StoreConfig struct {
	// Driver is memory, sqlite, mysql, postgres or redis.
	Driver string `yaml:"driver"`
	// DSN is a file path for sqlite, a URL for redis and a driver DSN
	// otherwise.
	DSN    string `yaml:"dsn"`
	Prefix string `yaml:"prefix"`
}

type EngineConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	NodeTimeout   time.Duration `yaml:"node_timeout"`
	MaxSteps      int           `yaml:"max_steps"`
	// ClaimLease is how long a resume may hold an approval checkpoint
	// before another resume or the reaper may take it over.
	ClaimLease time.Duration `yaml:"claim_lease"`
	Retry      RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// WorkflowConfig holds the lead workflow parameters. MaxRevisions and
// ApprovalTTL have no defaults and must be set.
type WorkflowConfig struct {
	MaxRevisions      int           `yaml:"max_revisions"`
	MaxClarifications int           `yaml:"max_clarifications"`
	ApprovalTTL       time.Duration `yaml:"approval_ttl"`
	ReviewThreshold   float64       `yaml:"review_threshold"`
	ApprovalStatuses  []string      `yaml:"approval_statuses"`
	ReaperInterval    time.Duration `yaml:"reaper_interval"`
	EngagementWindow  time.Duration `yaml:"engagement_window"`
	ResearchTimeout   time.Duration `yaml:"research_timeout"`
	Subject           string        `yaml:"subject"`
}

type LLMConfig struct {
	// Provider is anthropic, openai or google.
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
	BaseURL   string `yaml:"base_url"`
}

type CRMConfig struct {
	BaseURL    string `yaml:"base_url"`
	TokenEnv   string `yaml:"token_env"`
	APIVersion string `yaml:"api_version"`
}

type MarketingConfig struct {
	BaseURL         string `yaml:"base_url"`
	ClientID        string `yaml:"client_id"`
	ClientSecretEnv string `yaml:"client_secret_env"`
}

type ApprovalConfig struct {
	// Driver is slack, webhook or none.
	Driver        string `yaml:"driver"`
	WebhookURL    string `yaml:"webhook_url"`
	Channel       string `yaml:"channel"`
	SlackTokenEnv string `yaml:"slack_token_env"`
}

type GoogleConfig struct {
	CredentialsFile string   `yaml:"credentials_file"`
	Sender          string   `yaml:"sender"`
	ReplyTo         string   `yaml:"reply_to"`
	Cc              []string `yaml:"cc"`
	SpreadsheetID   string   `yaml:"spreadsheet_id"`
	Sheet           string   `yaml:"sheet"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Default returns a Config with every optional key set. The required
// workflow keys stay zero.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Log:   LogConfig{Level: "info", Format: "text"},
		Store: StoreConfig{Driver: "memory", Prefix: "leadgraph"},
		Engine: EngineConfig{
			MaxConcurrent: 8,
			NodeTimeout:   2 * time.Minute,
			MaxSteps:      200,
			ClaimLease:    15 * time.Minute,
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   500 * time.Millisecond,
				MaxDelay:    10 * time.Second,
			},
		},
		Workflow: WorkflowConfig{
			ReviewThreshold:  7,
			ApprovalStatuses: []string{"SQL"},
			ReaperInterval:   time.Minute,
			EngagementWindow: 7 * 24 * time.Hour,
			ResearchTimeout:  45 * time.Second,
		},
		LLM:       LLMConfig{Provider: "openai", Model: "gpt-4o-mini"},
		CRM:       CRMConfig{TokenEnv: "CRM_ACCESS_TOKEN"},
		Marketing: MarketingConfig{ClientSecretEnv: "MARKETING_CLIENT_SECRET"},
		Approval:  ApprovalConfig{Driver: "none", Channel: "sales-approvals", SlackTokenEnv: "SLACK_BOT_TOKEN"},
		Google:    GoogleConfig{Sheet: "Leads"},
		Metrics:   MetricsConfig{Enabled: true},
		Tracing:   TracingConfig{ServiceName: "leadgraph"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file; a missing file is an
// error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config: %s does not exist", path)
			}
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

type override struct {
	key   string
	apply func(string) error
}

func str(dst *string) func(string) error {
	return func(v string) error {
		*dst = v
		return nil
	}
}

func integer(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func duration(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

func boolean(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func list(dst *[]string) func(string) error {
	return func(v string) error {
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		*dst = out
		return nil
	}
}

func (c *Config) overrides() []override {
	return []override{
		{"SERVER_ADDR", str(&c.Server.Addr)},
		{"LOG_LEVEL", str(&c.Log.Level)},
		{"LOG_FORMAT", str(&c.Log.Format)},
		{"STORE_DRIVER", str(&c.Store.Driver)},
		{"STORE_DSN", str(&c.Store.DSN)},
		{"ENGINE_MAX_CONCURRENT", integer(&c.Engine.MaxConcurrent)},
		{"ENGINE_NODE_TIMEOUT", duration(&c.Engine.NodeTimeout)},
		{"ENGINE_MAX_STEPS", integer(&c.Engine.MaxSteps)},
		{"ENGINE_CLAIM_LEASE", duration(&c.Engine.ClaimLease)},
		{"WORKFLOW_MAX_REVISIONS", integer(&c.Workflow.MaxRevisions)},
		{"WORKFLOW_APPROVAL_TTL", duration(&c.Workflow.ApprovalTTL)},
		{"WORKFLOW_APPROVAL_STATUSES", list(&c.Workflow.ApprovalStatuses)},
		{"LLM_PROVIDER", str(&c.LLM.Provider)},
		{"LLM_MODEL", str(&c.LLM.Model)},
		{"CRM_BASE_URL", str(&c.CRM.BaseURL)},
		{"MARKETING_BASE_URL", str(&c.Marketing.BaseURL)},
		{"APPROVAL_DRIVER", str(&c.Approval.Driver)},
		{"APPROVAL_WEBHOOK_URL", str(&c.Approval.WebhookURL)},
		{"GOOGLE_CREDENTIALS_FILE", str(&c.Google.CredentialsFile)},
		{"GOOGLE_SPREADSHEET_ID", str(&c.Google.SpreadsheetID)},
		{"METRICS_ENABLED", boolean(&c.Metrics.Enabled)},
		{"TRACING_ENABLED", boolean(&c.Tracing.Enabled)},
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, o := range c.overrides() {
		v, ok := lookup(EnvPrefix + o.key)
		if !ok {
			continue
		}
		if err := o.apply(strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, o.key, err)
		}
	}
	return nil
}

func (c *Config) normalize() {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	c.Approval.Driver = strings.ToLower(strings.TrimSpace(c.Approval.Driver))
	if c.LLM.APIKeyEnv == "" {
		switch c.LLM.Provider {
		case "anthropic":
			c.LLM.APIKeyEnv = "ANTHROPIC_API_KEY"
		case "google":
			c.LLM.APIKeyEnv = "GOOGLE_API_KEY"
		default:
			c.LLM.APIKeyEnv = "OPENAI_API_KEY"
		}
	}
}

// Validate reports every invalid or missing setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Workflow.MaxRevisions <= 0 {
		errs = append(errs, errors.New("workflow.max_revisions is required and must be positive"))
	}
	if c.Workflow.ApprovalTTL <= 0 {
		errs = append(errs, errors.New("workflow.approval_ttl is required and must be positive"))
	}
	if c.Workflow.MaxClarifications < 0 {
		errs = append(errs, errors.New("workflow.max_clarifications must not be negative"))
	}
	if !oneOf(c.Log.Format, "text", "json") {
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	if !oneOf(c.Log.Level, "debug", "info", "warn", "error") {
		errs = append(errs, fmt.Errorf("log.level %q is not a level", c.Log.Level))
	}
	switch c.Store.Driver {
	case "memory":
	case "sqlite", "mysql", "postgres", "redis":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not supported", c.Store.Driver))
	}
	if !oneOf(c.LLM.Provider, "anthropic", "openai", "google") {
		errs = append(errs, fmt.Errorf("llm.provider %q is not supported", c.LLM.Provider))
	}
	switch c.Approval.Driver {
	case "none", "slack":
	case "webhook":
		if c.Approval.WebhookURL == "" {
			errs = append(errs, errors.New("approval.webhook_url is required for the webhook driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("approval.driver %q is not supported", c.Approval.Driver))
	}
	if c.Engine.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("engine.max_concurrent must be positive"))
	}
	if c.Engine.ClaimLease < 0 {
		errs = append(errs, errors.New("engine.claim_lease must not be negative"))
	}
	if c.Engine.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("engine.retry.max_attempts must be positive"))
	}
	return errors.Join(errs...)
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}
