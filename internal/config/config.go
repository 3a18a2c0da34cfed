package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FeedConfig describes a single ICS feed whose events are imported into the
// event store (e.g. a department exam calendar).
type FeedConfig struct {
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
	// ID is an internal identifier used for de-dup and logging.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// NavigationConfig holds gesture thresholds, in the same distance units the
// client reports drag offsets in.
type NavigationConfig struct {
	SwipeThreshold float64 `yaml:"swipe_threshold" json:"swipe_threshold"`
	PullThreshold  float64 `yaml:"pull_threshold" json:"pull_threshold"`
}

// RemindersConfig controls when local notifications fire.
type RemindersConfig struct {
	// ClassLead is how long before a class its reminder fires.
	ClassLead time.Duration `yaml:"class_lead" json:"class_lead"`
	// EventLead is how long before an event's due instant its reminder fires.
	EventLead time.Duration `yaml:"event_lead" json:"event_lead"`
	// Horizon caps how far ahead event reminders are armed.
	Horizon time.Duration `yaml:"horizon" json:"horizon"`
	// RescheduleCron is the cron spec for the daily rescheduling pass.
	RescheduleCron string `yaml:"reschedule_cron" json:"reschedule_cron"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone used for "today", class times and
	// event due instants (e.g. "Asia/Kolkata").
	Timezone string `yaml:"timezone" json:"timezone"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// DataDir holds the SQLite database.
	DataDir string `yaml:"data_dir" json:"data_dir"`

	// Timetable is the path to a timetable YAML file. Empty selects the
	// built-in timetable.
	Timetable string `yaml:"timetable" json:"timetable"`

	// ScheduleEndDate (YYYY-MM-DD), if set, overrides the timetable's own
	// end_date.
	ScheduleEndDate string `yaml:"schedule_end_date" json:"schedule_end_date"`

	Navigation NavigationConfig `yaml:"navigation" json:"navigation"`
	Reminders  RemindersConfig  `yaml:"reminders" json:"reminders"`

	// RefreshCron is a cron-style schedule string (e.g. "0 */6 * * *")
	// used for periodic feed import.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// Feeds is the list of ICS feeds to import events from.
	Feeds []FeedConfig `yaml:"feeds" json:"feeds"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	DefaultListen         = "127.0.0.1:8080"
	DefaultTimezone       = "Asia/Kolkata"
	DefaultDataDir        = "/var/lib/agenda"
	DefaultSwipeThreshold = 80
	DefaultPullThreshold  = 80
	DefaultClassLead      = 30 * time.Minute
	DefaultEventLead      = 24 * time.Hour
	DefaultHorizon        = 30 * 24 * time.Hour
	DefaultRescheduleCron = "1 0 * * *"
	DefaultRefreshCron    = "0 */6 * * *"
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:   DefaultListen,
		Timezone: DefaultTimezone,
		LogLevel: "info",
		DataDir:  DefaultDataDir,
		Navigation: NavigationConfig{
			SwipeThreshold: DefaultSwipeThreshold,
			PullThreshold:  DefaultPullThreshold,
		},
		Reminders: RemindersConfig{
			ClassLead:      DefaultClassLead,
			EventLead:      DefaultEventLead,
			Horizon:        DefaultHorizon,
			RescheduleCron: DefaultRescheduleCron,
		},
		RefreshCron: DefaultRefreshCron,
		Feeds:       []FeedConfig{},
		BasicAuth:   nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Timezone == "" {
		c.Timezone = DefaultTimezone
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.Navigation.SwipeThreshold <= 0 {
		c.Navigation.SwipeThreshold = DefaultSwipeThreshold
	}
	if c.Navigation.PullThreshold <= 0 {
		c.Navigation.PullThreshold = DefaultPullThreshold
	}
	if c.Reminders.ClassLead <= 0 {
		c.Reminders.ClassLead = DefaultClassLead
	}
	if c.Reminders.EventLead <= 0 {
		c.Reminders.EventLead = DefaultEventLead
	}
	if c.Reminders.Horizon <= 0 {
		c.Reminders.Horizon = DefaultHorizon
	}
	if c.Reminders.RescheduleCron == "" {
		c.Reminders.RescheduleCron = DefaultRescheduleCron
	}
	if c.RefreshCron == "" {
		c.RefreshCron = DefaultRefreshCron
	}
	if c.Feeds == nil {
		c.Feeds = []FeedConfig{}
	}
}

// Location resolves Timezone, falling back to time.Local when the name is
// unknown.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local, err
	}
	return loc, nil
}

// DBPath is where the SQLite database lives under DataDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "agenda.db")
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration atomically (temp file + rename) with
// 0600 permissions, creating the parent directory (0700) when needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".agenda-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
