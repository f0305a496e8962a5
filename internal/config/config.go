// Package config loads the daemon's YAML configuration. Environment
// variables are expanded in the file body, with .env files loaded first so
// secrets can stay out of the config.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"git.home.luguber.info/inful/cronlock/schedule"
)

// Config is the daemon configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Events   EventsConfig   `yaml:"events"`
	UTC      bool           `yaml:"utc"`
	Jobs     []JobConfig    `yaml:"jobs"`
}

// DatabaseConfig locates the shared history store.
type DatabaseConfig struct {
	// Path is the SQLite database file. Required when any job persists.
	Path string `yaml:"path"`

	// Collection names the history table. Empty selects the default.
	Collection string `yaml:"collection,omitempty"`

	// TTLSeconds is history retention. Zero means the default two days.
	TTLSeconds int `yaml:"ttl_seconds,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"`
}

// EventsConfig controls NATS event publishing.
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url,omitempty"`
	SubjectPrefix string `yaml:"subject_prefix,omitempty"`
}

// JobConfig is one scheduled command. Exactly one of the three schedule
// forms must be set: every/unit (interval), at (daily) or cron.
type JobConfig struct {
	Name    string `yaml:"name"`
	Command string `yaml:"command"`

	Every   int    `yaml:"every,omitempty"`
	Unit    string `yaml:"unit,omitempty"`
	Aligned bool   `yaml:"aligned,omitempty"`

	At string `yaml:"at,omitempty"`

	Cron string `yaml:"cron,omitempty"`

	Persist        *bool `yaml:"persist,omitempty"`
	TimeoutSeconds int   `yaml:"timeout_seconds,omitempty"`
	Disabled       bool  `yaml:"disabled,omitempty"`
}

// Schedule converts the job's schedule form into a schedule value.
func (j JobConfig) Schedule() (schedule.Schedule, error) {
	switch {
	case j.Cron != "":
		return schedule.Cron{Expr: j.Cron}, nil
	case j.At != "":
		return schedule.Daily{At: j.At}, nil
	default:
		unit, err := parseUnit(j.Unit)
		if err != nil {
			return nil, err
		}
		return schedule.Interval{Every: j.Every, Unit: unit, Aligned: j.Aligned}, nil
	}
}

func parseUnit(s string) (schedule.Unit, error) {
	switch strings.ToLower(s) {
	case "seconds", "second":
		return schedule.Seconds, nil
	case "minutes", "minute":
		return schedule.Minutes, nil
	case "hours", "hour":
		return schedule.Hours, nil
	case "days", "day":
		return schedule.Days, nil
	}
	return "", fmt.Errorf("unknown unit %q", s)
}

// Load reads, expands and validates the configuration file.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse unmarshals and validates raw YAML configuration.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints the YAML schema cannot express.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Jobs))
	anyPersist := false
	for i, job := range c.Jobs {
		if job.Name == "" {
			return fmt.Errorf("job %d: name is required", i)
		}
		if seen[job.Name] {
			return fmt.Errorf("job %q: duplicate name", job.Name)
		}
		seen[job.Name] = true

		if job.Command == "" {
			return fmt.Errorf("job %q: command is required", job.Name)
		}
		if err := job.validateScheduleForm(); err != nil {
			return fmt.Errorf("job %q: %w", job.Name, err)
		}
		sched, err := job.Schedule()
		if err != nil {
			return fmt.Errorf("job %q: %w", job.Name, err)
		}
		if err := sched.Validate(); err != nil {
			return fmt.Errorf("job %q: %w", job.Name, err)
		}
		if job.TimeoutSeconds < 0 {
			return fmt.Errorf("job %q: negative timeout", job.Name)
		}
		if job.Persist == nil || *job.Persist {
			anyPersist = true
		}
	}

	if anyPersist && len(c.Jobs) > 0 && c.Database.Path == "" {
		return fmt.Errorf("database.path is required when jobs persist")
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9090"
	}
	return nil
}

// validateScheduleForm rejects ambiguous or empty schedule declarations.
func (j JobConfig) validateScheduleForm() error {
	forms := 0
	if j.Every != 0 || j.Unit != "" {
		forms++
	}
	if j.At != "" {
		forms++
	}
	if j.Cron != "" {
		forms++
	}
	switch forms {
	case 0:
		return fmt.Errorf("no schedule: set every/unit, at or cron")
	case 1:
		return nil
	default:
		return fmt.Errorf("ambiguous schedule: set only one of every/unit, at or cron")
	}
}

// loadEnvFiles loads .env then .env.local without overriding the process
// environment. Missing files are fine.
func loadEnvFiles() {
	for _, path := range []string{".env", ".env.local"} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			fmt.Fprintf(os.Stderr, "Note: could not load %s: %v\n", path, err)
		}
	}
}
