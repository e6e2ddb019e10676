package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Load reads, strictly decodes, and validates the config file. Any error
// here is fatal at startup: the scheduler must not start on a half-read
// configuration.
func Load(path string) (*Config, error) {
	cfg, err := parseFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func parseFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jb, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("config %s: trailing data", path)
		}
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Timezone) == "" {
		return fmt.Errorf("timezone is required")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	if c.Booking.Enabled {
		if strings.TrimSpace(c.Booking.Credentials.Mail) == "" {
			return fmt.Errorf("booking.credentials.mail is required when booking is enabled")
		}
		if c.Booking.Credentials.Password == "" {
			return fmt.Errorf("booking.credentials.password is required when booking is enabled")
		}
	}
	if _, err := c.SafetyNetInterval(); err != nil {
		return err
	}
	if _, err := c.PostStartDelay(); err != nil {
		return err
	}
	if _, err := c.CycleTimeout(); err != nil {
		return err
	}
	if c.Notify != nil {
		if strings.TrimSpace(c.Notify.Token) == "" || c.Notify.ChatID == 0 {
			return fmt.Errorf("notify requires both token and chat_id")
		}
	}
	if c.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	return nil
}

// Location resolves the configured zone. validate() has already checked it.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

func (c *Config) SafetyNetInterval() (time.Duration, error) {
	return ParseDurationOrDefault("check.safety_net_interval", c.Check.SafetyNetInterval, 2*time.Hour)
}

func (c *Config) PostStartDelay() (time.Duration, error) {
	return ParseDurationOrDefault("check.post_start_delay", c.Check.PostStartDelay, 5*time.Minute)
}

func (c *Config) CycleTimeout() (time.Duration, error) {
	return ParseDurationField("check.cycle_timeout", c.Check.CycleTimeout)
}

func (c *Config) LedgerPath() string {
	if p := strings.TrimSpace(c.Check.LedgerPath); p != "" {
		return p
	}
	return "./bookings.json"
}

func (c *Config) Headless() bool {
	if c.Automation.Headless == nil {
		return true
	}
	return *c.Automation.Headless
}

// coerceToJSONBytes converts YAML config to JSON bytes so the strict JSON
// decoder (DisallowUnknownFields) covers both formats.
func coerceToJSONBytes(path string, data []byte) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	v = normalizeYAML(v)

	j, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, nil
}

// normalizeYAML ensures all map keys are strings so the result can be
// JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeYAML(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}
