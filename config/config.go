// Package config loads the pagewatch daemon configuration.
//
// Configuration comes from a single YAML file named by the --config flag
// or the PAGEWATCH_CONFIG environment variable. A handful of PAGEWATCH_*
// variables override file values; defaults fill whatever is left.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/amartya2002/pagewatch/notify"
	"github.com/amartya2002/pagewatch/watch"
)

const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

// Config is the daemon configuration.
type Config struct {
	// Listen is the HTTP API address. Default: :8080
	Listen string `yaml:"listen"`

	// DataDir holds history, targets and the SQLite database.
	// Default: ./data
	DataDir string `yaml:"data_dir"`

	// Store selects the persistence backend: "file" or "sqlite".
	// Default: file
	Store string `yaml:"store"`

	// ReportsDir enables HTML diff reports when set.
	ReportsDir string `yaml:"reports_dir"`

	// ShutdownGrace bounds HTTP shutdown. Default: 10s
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	Fetch   FetchConfig    `yaml:"fetch"`
	Log     LogConfig      `yaml:"log"`
	Notify  NotifyConfig   `yaml:"notify"`
	Targets []TargetConfig `yaml:"targets"`
}

type FetchConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	UserAgent    string        `yaml:"user_agent"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	StrictStatus bool          `yaml:"strict_status"`
}

type LogConfig struct {
	// Level is one of none, error, info, debug. Default: info
	Level    string   `yaml:"level"`
	Console  *bool    `yaml:"console"`
	Files    []string `yaml:"files"`
	Internal bool     `yaml:"internal"`
}

type NotifyConfig struct {
	Email    *notify.EmailConfig `yaml:"email"`
	Slack    *SlackConfig        `yaml:"slack"`
	Telegram *TelegramConfig     `yaml:"telegram"`
	// Timeout bounds one notification across all channels. Default: 30s
	Timeout time.Duration `yaml:"timeout"`
}

type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID string `yaml:"chat_id"`
}

// TargetConfig is a target declared in the config file.
type TargetConfig struct {
	ID       string        `yaml:"id"`
	Name     string        `yaml:"name"`
	URL      string        `yaml:"url"`
	Interval time.Duration `yaml:"interval"`
	Selector string        `yaml:"selector"`
	Enabled  *bool         `yaml:"enabled"`
}

// Target converts the entry into a watch.Target. Entries without an id
// get one derived from the URL so they keep it across restarts.
func (tc TargetConfig) Target() watch.Target {
	t := watch.Target{
		ID:            tc.ID,
		Name:          tc.Name,
		URL:           tc.URL,
		CheckInterval: tc.Interval,
		Selector:      tc.Selector,
		Enabled:       tc.Enabled == nil || *tc.Enabled,
	}
	if t.ID == "" {
		t.ID = watch.StableID(t.URL)
	}
	if t.Name == "" {
		t.Name = t.URL
	}
	if t.CheckInterval == 0 {
		t.CheckInterval = watch.DefaultCheckInterval
	}
	return t
}

// Load reads the file at path (if any), applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv("PAGEWATCH_LISTEN"); ok {
		c.Listen = v
	}
	if v, ok := os.LookupEnv("PAGEWATCH_DATA_DIR"); ok {
		c.DataDir = v
	}
	if v, ok := os.LookupEnv("PAGEWATCH_STORE"); ok {
		c.Store = v
	}
	if v, ok := os.LookupEnv("PAGEWATCH_REPORTS_DIR"); ok {
		c.ReportsDir = v
	}
	if v, ok := os.LookupEnv("PAGEWATCH_LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := os.LookupEnv("PAGEWATCH_FETCH_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("PAGEWATCH_FETCH_TIMEOUT: %w", err)
		}
		c.Fetch.Timeout = d
	}
	if v, ok := os.LookupEnv("PAGEWATCH_STRICT_STATUS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PAGEWATCH_STRICT_STATUS: %w", err)
		}
		c.Fetch.StrictStatus = b
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Store == "" {
		c.Store = StoreFile
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	if c.Fetch.Timeout == 0 {
		c.Fetch.Timeout = watch.DefaultTimeout
	}
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = watch.DefaultUserAgent
	}
	if c.Fetch.MaxBodyBytes == 0 {
		c.Fetch.MaxBodyBytes = watch.DefaultMaxBodyBytes
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Notify.Timeout == 0 {
		c.Notify.Timeout = 30 * time.Second
	}
}

// Validate reports every problem found, not just the first.
func (c *Config) Validate() error {
	var errs error
	if c.Store != StoreFile && c.Store != StoreSQLite {
		errs = multierr.Append(errs, fmt.Errorf("store: unknown kind %q (want %q or %q)", c.Store, StoreFile, StoreSQLite))
	}
	if c.Fetch.Timeout < 0 {
		errs = multierr.Append(errs, errors.New("fetch.timeout: must be positive"))
	}
	if c.Fetch.MaxBodyBytes < 0 {
		errs = multierr.Append(errs, errors.New("fetch.max_body_bytes: must be positive"))
	}
	if c.ShutdownGrace < 0 {
		errs = multierr.Append(errs, errors.New("shutdown_grace: must be positive"))
	}
	if _, err := ParseLogLevel(c.Log.Level); err != nil {
		errs = multierr.Append(errs, err)
	}

	seen := make(map[string]int, len(c.Targets))
	for i, tc := range c.Targets {
		t := tc.Target()
		if err := t.Validate(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("targets[%d]: %w", i, err))
			continue
		}
		if j, dup := seen[t.ID]; dup {
			errs = multierr.Append(errs, fmt.Errorf("targets[%d]: duplicate id %q (also targets[%d])", i, t.ID, j))
			continue
		}
		seen[t.ID] = i
	}
	return errs
}

// ParseLogLevel maps a config level name to a watch.LogLevel.
func ParseLogLevel(s string) (watch.LogLevel, error) {
	switch s {
	case "none":
		return watch.LogNone, nil
	case "error":
		return watch.LogError, nil
	case "info", "":
		return watch.LogInfo, nil
	case "debug":
		return watch.LogDebug, nil
	}
	return watch.LogInfo, fmt.Errorf("log.level: unknown level %q", s)
}

func (c *Config) HistoryPath() string { return filepath.Join(c.DataDir, "history.json") }
func (c *Config) TargetsPath() string { return filepath.Join(c.DataDir, "targets.json") }
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "pagewatch.db")
}
