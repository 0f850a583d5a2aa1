package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	AppName = "crmpulse"
	EnvPath = "CRMPULSE_CONFIG"

	DefaultCheckInterval        = 60 * time.Second
	DefaultDPInterval           = 5 * time.Minute
	DefaultDPWebhookTimeout     = 60 * time.Second
	DefaultDPWorkerTimeout      = 90 * time.Second
	DefaultRequestTimeout       = 30 * time.Second
	DefaultTokenRefreshInterval = time.Minute
	DefaultOrphanSweepDelay     = 30 * time.Second
	DefaultRateLimit            = 6
	DefaultNotificationDebounce = 5 * time.Minute
	DefaultWarningWindow        = 5 * time.Minute
	DefaultWarningThreshold     = 3
	DefaultRecoveryThreshold    = 2
	DefaultWarningMs            = 10000
	DefaultDownMs               = 15000
	DefaultListen               = "127.0.0.1:8088"
	DefaultDPMarkerName         = "crmpulse digital pipeline probe"
)

type Config struct {
	Database             Database              `yaml:"database"`
	Listen               string                `yaml:"listen"`
	CheckInterval        time.Duration         `yaml:"check_interval"`
	DPInterval           time.Duration         `yaml:"dp_interval"`
	DPWebhookTimeout     time.Duration         `yaml:"dp_webhook_timeout"`
	DPWorkerTimeout      time.Duration         `yaml:"dp_worker_timeout"`
	RequestTimeout       time.Duration         `yaml:"request_timeout"`
	TokenRefreshInterval time.Duration         `yaml:"token_refresh_interval"`
	OrphanSweepDelay     time.Duration         `yaml:"orphan_sweep_delay"`
	RateLimit            int                   `yaml:"rate_limit"`
	NotificationDebounce time.Duration         `yaml:"notification_debounce"`
	DesktopNotifications bool                  `yaml:"desktop_notifications"`
	Escalation           Escalation            `yaml:"escalation"`
	Thresholds           map[string]Thresholds `yaml:"thresholds"`
	Tenants              []Tenant              `yaml:"tenants"`
}

type Database struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type Escalation struct {
	WarningWindow     time.Duration `yaml:"warning_window"`
	WarningThreshold  int           `yaml:"warning_threshold"`
	RecoveryThreshold int           `yaml:"recovery_threshold"`
}

type Thresholds struct {
	WarningMs int64 `yaml:"warning_ms"`
	DownMs    int64 `yaml:"down_ms"`
}

// Tenant is one monitored CRM account. It is immutable once a Monitor is built from it.
type Tenant struct {
	ID          string                `yaml:"id"`
	Domain      string                `yaml:"domain"`
	BaseURL     string                `yaml:"base_url"`
	WebURL      string                `yaml:"web_url"`
	Credentials Credentials           `yaml:"credentials"`
	Notify      []string              `yaml:"notify"`
	Probes      Probes                `yaml:"probes"`
	Thresholds  map[string]Thresholds `yaml:"thresholds"`
}

type Credentials struct {
	ClientID     string    `yaml:"client_id"`
	ClientSecret string    `yaml:"client_secret"`
	RedirectURI  string    `yaml:"redirect_uri"`
	AccessToken  string    `yaml:"access_token"`
	RefreshToken string    `yaml:"refresh_token"`
	ExpiresAt    time.Time `yaml:"expires_at"`
}

type Probes struct {
	WriteEntityID int64  `yaml:"write_entity_id"`
	DPEntityID    int64  `yaml:"dp_entity_id"`
	DPPipelineID  int64  `yaml:"dp_pipeline_id"`
	DPStatusID    int64  `yaml:"dp_status_id"`
	DPFieldID     int64  `yaml:"dp_field_id"`
	DPMarkerName  string `yaml:"dp_marker_name"`
}

// APIBaseURL returns the root of the tenant's REST API.
func (t Tenant) APIBaseURL() string {
	if t.BaseURL != "" {
		return strings.TrimRight(t.BaseURL, "/")
	}
	return "https://" + t.Domain
}

// LandingURL is the unauthenticated web front end probed by the web check.
func (t Tenant) LandingURL() string {
	if t.WebURL != "" {
		return t.WebURL
	}
	return t.APIBaseURL() + "/"
}

func (t Tenant) TokenURL() string {
	return t.APIBaseURL() + "/oauth2/access_token"
}

func (t Tenant) MarkerName() string {
	if t.Probes.DPMarkerName != "" {
		return t.Probes.DPMarkerName
	}
	return DefaultDPMarkerName
}

// ThresholdsFor merges global and tenant overrides for a check type.
func (c *Config) ThresholdsFor(t Tenant, checkType string) Thresholds {
	th := Thresholds{WarningMs: DefaultWarningMs, DownMs: DefaultDownMs}
	if g, ok := c.Thresholds[checkType]; ok {
		th = mergeThresholds(th, g)
	}
	if o, ok := t.Thresholds[checkType]; ok {
		th = mergeThresholds(th, o)
	}
	return th
}

func mergeThresholds(base, over Thresholds) Thresholds {
	if over.WarningMs > 0 {
		base.WarningMs = over.WarningMs
	}
	if over.DownMs > 0 {
		base.DownMs = over.DownMs
	}
	return base
}

// Default returns a configuration with every default applied and no tenants.
func Default() *Config {
	return &Config{
		Database:             Database{Driver: "sqlite"},
		Listen:               DefaultListen,
		CheckInterval:        DefaultCheckInterval,
		DPInterval:           DefaultDPInterval,
		DPWebhookTimeout:     DefaultDPWebhookTimeout,
		DPWorkerTimeout:      DefaultDPWorkerTimeout,
		RequestTimeout:       DefaultRequestTimeout,
		TokenRefreshInterval: DefaultTokenRefreshInterval,
		OrphanSweepDelay:     DefaultOrphanSweepDelay,
		RateLimit:            DefaultRateLimit,
		NotificationDebounce: DefaultNotificationDebounce,
		DesktopNotifications: true,
		Escalation: Escalation{
			WarningWindow:     DefaultWarningWindow,
			WarningThreshold:  DefaultWarningThreshold,
			RecoveryThreshold: DefaultRecoveryThreshold,
		},
		Thresholds: map[string]Thresholds{},
	}
}

// Load reads the YAML file at path on top of Default. An empty path falls back to
// $CRMPULSE_CONFIG and then to the file in the user config directory.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvPath)
	}
	if path == "" {
		dir, err := GetConfigDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "config.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults restores defaults for keys the file set to zero.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Database.Driver == "" {
		c.Database.Driver = d.Database.Driver
	}
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	setDuration(&c.CheckInterval, d.CheckInterval)
	setDuration(&c.DPInterval, d.DPInterval)
	setDuration(&c.DPWebhookTimeout, d.DPWebhookTimeout)
	setDuration(&c.DPWorkerTimeout, d.DPWorkerTimeout)
	setDuration(&c.RequestTimeout, d.RequestTimeout)
	setDuration(&c.TokenRefreshInterval, d.TokenRefreshInterval)
	setDuration(&c.OrphanSweepDelay, d.OrphanSweepDelay)
	setDuration(&c.NotificationDebounce, d.NotificationDebounce)
	setDuration(&c.Escalation.WarningWindow, d.Escalation.WarningWindow)
	if c.RateLimit == 0 {
		c.RateLimit = d.RateLimit
	}
	if c.Escalation.WarningThreshold == 0 {
		c.Escalation.WarningThreshold = d.Escalation.WarningThreshold
	}
	if c.Escalation.RecoveryThreshold == 0 {
		c.Escalation.RecoveryThreshold = d.Escalation.RecoveryThreshold
	}
	if c.Thresholds == nil {
		c.Thresholds = map[string]Thresholds{}
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v <= 0 {
		*v = def
	}
}

func (c *Config) Validate() error {
	if c.RateLimit < 0 {
		return errors.New("rate_limit must be positive")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	seen := make(map[string]bool, len(c.Tenants))
	for i, t := range c.Tenants {
		if strings.TrimSpace(t.ID) == "" {
			return fmt.Errorf("tenant #%d: id is required", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("tenant %s: duplicate id", t.ID)
		}
		seen[t.ID] = true
		if t.Domain == "" && t.BaseURL == "" {
			return fmt.Errorf("tenant %s: domain is required", t.ID)
		}
	}
	return nil
}

// Registry exposes the configured tenants to the orchestrator.
func (c *Config) Registry() *Registry {
	return &Registry{cfg: c}
}

type Registry struct {
	cfg *Config
}

func (r *Registry) Tenants() []Tenant {
	out := make([]Tenant, len(r.cfg.Tenants))
	copy(out, r.cfg.Tenants)
	return out
}

func (r *Registry) Tenant(id string) (Tenant, bool) {
	for _, t := range r.cfg.Tenants {
		if t.ID == id {
			return t, true
		}
	}
	return Tenant{}, false
}

func GetConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	configDir := filepath.Join(home, ".config", AppName)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", err
	}

	return configDir, nil
}

// GetDatabasePath returns the default sqlite file used when database.dsn is empty.
func GetDatabasePath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, AppName+".db"), nil
}
