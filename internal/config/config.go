package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"droptrace/internal/notify"
)

// Duration parses yaml values like "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config models droptrace.yml.
type Config struct {
	Store struct {
		PrimaryDSN        string   `yaml:"primary_dsn"`
		Workspace         string   `yaml:"workspace"`
		Timeout           Duration `yaml:"timeout"`
		ReconcileInterval Duration `yaml:"reconcile_interval"`
	} `yaml:"store"`
	Tracker struct {
		LockWait   Duration `yaml:"lock_wait"`
		SessionTTL Duration `yaml:"session_ttl"`
	} `yaml:"tracker"`
	Report struct {
		SampleThreshold int    `yaml:"sample_threshold"`
		ExportDir       string `yaml:"export_dir"`
	} `yaml:"report"`
	Platforms     []string      `yaml:"platforms"`
	Notifications notify.Config `yaml:"notifications"`
	Server        struct {
		Addr      string   `yaml:"addr"`
		JWTSecret string   `yaml:"jwt_secret"`
		APIKeys   []string `yaml:"api_keys"`
	} `yaml:"server"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "droptrace.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with droptrace init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Omitted fields
// keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.Store.Workspace = "."
	cfg.Store.Timeout = Duration(5 * time.Second)
	cfg.Store.ReconcileInterval = Duration(30 * time.Second)
	cfg.Tracker.LockWait = Duration(10 * time.Second)
	cfg.Tracker.SessionTTL = Duration(30 * time.Minute)
	cfg.Report.SampleThreshold = 10
	cfg.Report.ExportDir = "reports"
	cfg.Platforms = []string{"nike", "shopify", "footlocker", "supreme"}
	cfg.Server.Addr = ":8080"
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Store.Timeout <= 0 {
		return fmt.Errorf("config.store.timeout must be positive")
	}
	if c.Store.ReconcileInterval <= 0 {
		return fmt.Errorf("config.store.reconcile_interval must be positive")
	}
	if c.Tracker.SessionTTL <= 0 {
		return fmt.Errorf("config.tracker.session_ttl must be positive")
	}
	if c.Report.SampleThreshold < 0 {
		return fmt.Errorf("config.report.sample_threshold must not be negative")
	}
	if len(c.Platforms) == 0 {
		return fmt.Errorf("config.platforms must list at least one platform")
	}
	for _, p := range c.Platforms {
		if p == "" {
			return fmt.Errorf("config.platforms contains an empty name")
		}
	}
	return nil
}

// GenerateDefault returns default config YAML for droptrace init.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `store:
  # Postgres DSN of the primary store. Leave empty to run on the local
  # fallback store only.
  primary_dsn: ""
  workspace: .
  timeout: 5s
  reconcile_interval: 30s

tracker:
  # How long a session start waits on a busy account. 0s fails fast.
  lock_wait: 10s
  session_ttl: 30m

report:
  sample_threshold: 10
  export_dir: reports

platforms:
  - nike
  - shopify
  - footlocker
  - supreme

notifications:
  discord_webhook: ""
  telegram_bot_token: ""
  telegram_chat_id: ""

server:
  addr: ":8080"
  jwt_secret: ""
  api_keys: []
`
