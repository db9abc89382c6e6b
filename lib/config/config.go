// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/remodance/remodance/lib/fault"
)

// EnvironmentVariable names the variable consulted when no --config
// flag is given.
const EnvironmentVariable = "REMODANCE_CONFIG"

// ErrInvalid is wrapped by every error returned from [Config.Validate].
var ErrInvalid = errors.New("invalid configuration")

// Settings is the user-editable part of the configuration: identity,
// endpoint and monitoring behavior. The settings UI reads and writes
// exactly this struct.
type Settings struct {
	// APIEndpoint is the absolute http(s) URL attendance events are
	// POSTed to.
	APIEndpoint string `yaml:"api_endpoint" json:"api_endpoint"`

	// APIToken is sent as a bearer token when non-empty.
	APIToken string `yaml:"api_token,omitempty" json:"api_token,omitempty"`

	// Username is reported as user_id on every event.
	Username string `yaml:"username" json:"username"`

	// DeviceID is reported as payload.device_id on every event.
	DeviceID string `yaml:"device_id" json:"device_id"`

	// IdleTimeoutMins is the idle threshold in whole minutes. A sample
	// whose idle duration reaches it classifies as idle.
	IdleTimeoutMins int `yaml:"idle_timeout_mins" json:"idle_timeout_mins"`

	// AutoMode lets activity transitions drive attendance.
	AutoMode bool `yaml:"auto_mode" json:"auto_mode"`

	// DeveloperMode snapshots idle_timeout_mins and auto_mode into
	// every event emitted while it is on.
	DeveloperMode bool `yaml:"developer_mode" json:"developer_mode"`
}

// IdleTimeout returns IdleTimeoutMins as a duration.
func (s Settings) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMins) * time.Minute
}

// Config is the complete agent configuration.
type Config struct {
	Settings `yaml:",inline"`

	// Agent configures the local process.
	Agent AgentConfig `yaml:"agent" json:"agent"`

	// Delivery tunes the delivery worker.
	Delivery DeliveryConfig `yaml:"delivery" json:"delivery"`
}

// AgentConfig configures the agent process itself.
type AgentConfig struct {
	// StateDir holds the queue database and the instance lock.
	// Default: ${HOME}/.local/state/remodance
	StateDir string `yaml:"state_dir" json:"state_dir"`

	// ControlSocket is the Unix socket the UI connects to.
	// Default: ${REMODANCE_STATE}/control.sock
	ControlSocket string `yaml:"control_socket" json:"control_socket"`

	// SamplePeriod is how often the idle source is polled.
	// Default: 1s
	SamplePeriod string `yaml:"sample_period" json:"sample_period"`

	// IdleCommand is the probe run to read the idle time. It must
	// print the idle duration in milliseconds.
	// Default: ["xprintidle"]
	IdleCommand []string `yaml:"idle_command" json:"idle_command"`
}

// DeliveryConfig tunes retry and pacing of event delivery. Durations
// are strings in time.ParseDuration syntax.
type DeliveryConfig struct {
	// BaseDelay is the first retry delay, doubled per attempt.
	// Default: 2s
	BaseDelay string `yaml:"base_delay" json:"base_delay"`

	// MaxDelay caps the retry delay.
	// Default: 5m
	MaxDelay string `yaml:"max_delay" json:"max_delay"`

	// MaxAttempts is the retry ceiling after which an entry becomes
	// permanently failed.
	// Default: 10
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// RequestTimeout bounds a single HTTP delivery.
	// Default: 10s
	RequestTimeout string `yaml:"request_timeout" json:"request_timeout"`

	// ProbeInterval is the sleep between reachability checks while
	// the endpoint is unreachable.
	// Default: 15s
	ProbeInterval string `yaml:"probe_interval" json:"probe_interval"`

	// IdleWait is the longest the worker sleeps on an empty queue
	// before looking again without a wakeup.
	// Default: 30s
	IdleWait string `yaml:"idle_wait" json:"idle_wait"`

	// RateLimit is the sustained send rate in events per second.
	// Default: 5
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit"`

	// RateBurst is the number of events sent back to back before the
	// rate limit applies.
	// Default: 5
	RateBurst int `yaml:"rate_burst" json:"rate_burst"`
}

// Timings holds the parsed duration fields of a Config.
type Timings struct {
	SamplePeriod   time.Duration
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RequestTimeout time.Duration
	ProbeInterval  time.Duration
	IdleWait       time.Duration
}

// Default returns the first-run configuration. Identity comes from the
// operating system: the login name and the hostname.
func Default() *Config {
	cfg := defaults()
	cfg.expandVariables()
	return cfg
}

// defaults returns the default configuration with path templates not
// yet expanded.
func defaults() *Config {
	username := "unknown"
	if current, err := user.Current(); err == nil && current.Username != "" {
		username = current.Username
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}

	return &Config{
		Settings: Settings{
			APIEndpoint:     "https://example.com/attendance",
			Username:        username,
			DeviceID:        hostname,
			IdleTimeoutMins: 10,
			AutoMode:        true,
			DeveloperMode:   false,
		},
		Agent: AgentConfig{
			StateDir:      "${HOME}/.local/state/remodance",
			ControlSocket: "${REMODANCE_STATE}/control.sock",
			SamplePeriod:  "1s",
			IdleCommand:   []string{"xprintidle"},
		},
		Delivery: DeliveryConfig{
			BaseDelay:      "2s",
			MaxDelay:       "5m",
			MaxAttempts:    10,
			RequestTimeout: "10s",
			ProbeInterval:  "15s",
			IdleWait:       "30s",
			RateLimit:      5,
			RateBurst:      5,
		},
	}
}

// Parse decodes configuration data over [Default]. Fields absent from
// the data keep their default values. isJSON selects the JSONC parser.
func Parse(data []byte, isJSON bool) (*Config, error) {
	cfg := defaults()
	if isJSON {
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON configuration: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML configuration: %w", err)
		}
	}

	cfg.expandVariables()
	return cfg, nil
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Agent.IdleCommand = append([]string(nil), c.Agent.IdleCommand...)
	return &clone
}

// Timings parses every duration field.
func (c *Config) Timings() (Timings, error) {
	var timings Timings
	fields := []struct {
		name  string
		value string
		into  *time.Duration
	}{
		{"agent.sample_period", c.Agent.SamplePeriod, &timings.SamplePeriod},
		{"delivery.base_delay", c.Delivery.BaseDelay, &timings.BaseDelay},
		{"delivery.max_delay", c.Delivery.MaxDelay, &timings.MaxDelay},
		{"delivery.request_timeout", c.Delivery.RequestTimeout, &timings.RequestTimeout},
		{"delivery.probe_interval", c.Delivery.ProbeInterval, &timings.ProbeInterval},
		{"delivery.idle_wait", c.Delivery.IdleWait, &timings.IdleWait},
	}
	for _, field := range fields {
		parsed, err := time.ParseDuration(field.value)
		if err != nil {
			return Timings{}, fmt.Errorf("%s: %w", field.name, err)
		}
		if parsed <= 0 {
			return Timings{}, fmt.Errorf("%s must be positive, got %s", field.name, field.value)
		}
		*field.into = parsed
	}
	return timings, nil
}

// Validate checks the configuration. The returned error wraps
// [ErrInvalid] and carries the configuration fault category.
func (c *Config) Validate() error {
	errs := c.Settings.problems()

	if c.Agent.StateDir == "" {
		errs = append(errs, fmt.Errorf("agent.state_dir is required"))
	}
	if c.Agent.ControlSocket == "" {
		errs = append(errs, fmt.Errorf("agent.control_socket is required"))
	}
	if len(c.Agent.IdleCommand) == 0 || c.Agent.IdleCommand[0] == "" {
		errs = append(errs, fmt.Errorf("agent.idle_command is required"))
	}

	if _, err := c.Timings(); err != nil {
		errs = append(errs, err)
	}
	if c.Delivery.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("delivery.max_attempts must be at least 1, got %d", c.Delivery.MaxAttempts))
	}
	if c.Delivery.RateLimit <= 0 {
		errs = append(errs, fmt.Errorf("delivery.rate_limit must be positive, got %g", c.Delivery.RateLimit))
	}
	if c.Delivery.RateBurst < 1 {
		errs = append(errs, fmt.Errorf("delivery.rate_burst must be at least 1, got %d", c.Delivery.RateBurst))
	}

	if len(errs) == 0 {
		return nil
	}
	return invalid(errors.Join(errs...))
}

// Validate checks the user-editable settings on their own. The agent
// calls it before accepting a settings save from the UI.
func (s Settings) Validate() error {
	errs := s.problems()
	if len(errs) == 0 {
		return nil
	}
	return invalid(errors.Join(errs...))
}

func (s Settings) problems() []error {
	var errs []error

	if err := ValidateEndpoint(s.APIEndpoint); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(s.Username) == "" {
		errs = append(errs, fmt.Errorf("username is required"))
	}
	if strings.TrimSpace(s.DeviceID) == "" {
		errs = append(errs, fmt.Errorf("device_id is required"))
	}
	if s.IdleTimeoutMins < 1 {
		errs = append(errs, fmt.Errorf("idle_timeout_mins must be at least 1, got %d", s.IdleTimeoutMins))
	}
	return errs
}

// ValidateEndpoint reports whether endpoint is an absolute http or
// https URL with a host.
func ValidateEndpoint(endpoint string) error {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("api_endpoint: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("api_endpoint %q must use http or https", endpoint)
	}
	if parsed.Host == "" {
		return fmt.Errorf("api_endpoint %q has no host", endpoint)
	}
	return nil
}

func invalid(err error) error {
	wrapped := fmt.Errorf("%w: %w", ErrInvalid, err)
	return fault.Configuration("config", wrapped).
		WithHint("fix the listed fields in the settings and save again")
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in the
// path fields. ${REMODANCE_STATE} refers to the expanded state_dir.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Agent.StateDir = filepath.Clean(expandVars(c.Agent.StateDir, vars))
	vars["REMODANCE_STATE"] = c.Agent.StateDir
	c.Agent.ControlSocket = filepath.Clean(expandVars(c.Agent.ControlSocket, vars))
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name := parts[1]
		defaultValue := parts[2]

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}
