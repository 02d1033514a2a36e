package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Stage names. Only StageProduction may contact numbers outside the
// telephony test allow-list.
const (
	StageProduction  = "production"
	StageStaging     = "staging"
	StageDevelopment = "development"
	StageTest        = "test"
)

// Environment describes the public webhook host of one deployment stage.
type Environment struct {
	Host    string   `yaml:"host"`
	Aliases []string `yaml:"aliases"`
}

// WorkerConfig is loaded from worker.yaml and shared by the worker, the
// webhook server and the maintenance CLI.
type WorkerConfig struct {
	Version int    `yaml:"version"`
	Stage   string `yaml:"stage"`

	Server struct {
		Host   string `yaml:"host"`
		Scheme string `yaml:"scheme"`
		Port   int    `yaml:"port"`
	} `yaml:"server"`

	Environments map[string]Environment `yaml:"environments"`

	Database struct {
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
	} `yaml:"database"`

	Scheduler struct {
		Interval       time.Duration `yaml:"interval"`
		RunnerInterval time.Duration `yaml:"runner_interval"`
		Lookahead      time.Duration `yaml:"lookahead"`
	} `yaml:"scheduler"`

	Maintenance struct {
		Interval      time.Duration `yaml:"interval"`
		InactiveDays  int           `yaml:"inactive_days"`
		Limit         int           `yaml:"limit"`
		DeleteRelays  bool          `yaml:"delete_relays"`
		DeleteNumbers bool          `yaml:"delete_numbers"`
		UpdateHosts   bool          `yaml:"update_hosts"`
	} `yaml:"maintenance"`

	Telephony struct {
		AccountSID  string   `yaml:"account_sid"`
		TestNumbers []string `yaml:"test_numbers"`
		Voice       string   `yaml:"voice"`
	} `yaml:"telephony"`

	MQTT struct {
		URL         string `yaml:"url"`
		ClientID    string `yaml:"client_id"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`

	Alerts struct {
		WebhookURL string `yaml:"webhook_url"`
	} `yaml:"alerts"`
}

// LoadWorkerConfig reads and validates a worker.yaml file.
func LoadWorkerConfig(path string) (*WorkerConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseWorkerConfig(b)
}

// ParseWorkerConfig decodes worker.yaml content.
func ParseWorkerConfig(b []byte) (*WorkerConfig, error) {
	var cfg WorkerConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	if cfg.Version != 1 {
		return nil, fmt.Errorf("unsupported worker.yaml version: %d", cfg.Version)
	}

	switch cfg.Stage {
	case StageProduction, StageStaging, StageDevelopment, StageTest:
	case "":
		cfg.Stage = StageDevelopment
	default:
		return nil, fmt.Errorf("unknown stage: %s", cfg.Stage)
	}

	if cfg.Server.Host == "" {
		if env, ok := cfg.Environments[cfg.Stage]; ok {
			cfg.Server.Host = env.Host
		}
	}

	return &cfg, nil
}

// IsProduction reports whether outbound telephony may reach any number.
func (c *WorkerConfig) IsProduction() bool {
	return c.Stage == StageProduction
}

// ServerPort returns the configured API port, defaulting to 8080 if not set.
func (c *WorkerConfig) ServerPort() int {
	if c.Server.Port == 0 {
		return 8080
	}
	return c.Server.Port
}

// BaseURL returns the canonical public URL that webhooks are addressed to.
func (c *WorkerConfig) BaseURL() string {
	scheme := c.Server.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return scheme + "://" + c.Server.Host
}

// SchedulerInterval defaults to 10s.
func (c *WorkerConfig) SchedulerInterval() time.Duration {
	if c.Scheduler.Interval <= 0 {
		return 10 * time.Second
	}
	return c.Scheduler.Interval
}

// RunnerInterval defaults to 1s.
func (c *WorkerConfig) RunnerInterval() time.Duration {
	if c.Scheduler.RunnerInterval <= 0 {
		return time.Second
	}
	return c.Scheduler.RunnerInterval
}

// Lookahead is how far past "now" the scheduler materialises triggers.
func (c *WorkerConfig) Lookahead() time.Duration {
	if c.Scheduler.Lookahead < 0 {
		return 0
	}
	return c.Scheduler.Lookahead
}

// MaintenanceInterval defaults to 24h.
func (c *WorkerConfig) MaintenanceInterval() time.Duration {
	if c.Maintenance.Interval <= 0 {
		return 24 * time.Hour
	}
	return c.Maintenance.Interval
}

// InactiveDays defaults to 30.
func (c *WorkerConfig) InactiveDays() int {
	if c.Maintenance.InactiveDays <= 0 {
		return 30
	}
	return c.Maintenance.InactiveDays
}

// MaintenanceLimit defaults to 10 mutations per sweep.
func (c *WorkerConfig) MaintenanceLimit() int {
	if c.Maintenance.Limit <= 0 {
		return 10
	}
	return c.Maintenance.Limit
}

// StageForHost returns the stage whose host or alias matches host, and
// whether host is that stage's canonical host.
func (c *WorkerConfig) StageForHost(host string) (stage string, canonical bool, ok bool) {
	host = strings.ToLower(host)
	for name, env := range c.Environments {
		if strings.EqualFold(env.Host, host) {
			return name, true, true
		}
		for _, alias := range env.Aliases {
			if strings.EqualFold(alias, host) {
				return name, false, true
			}
		}
	}
	return "", false, false
}
