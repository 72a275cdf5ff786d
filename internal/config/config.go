package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Global represents ~/.courier/config.toml, shared across profiles.
type Global struct {
	DefaultProfile string `toml:"default_profile"`
}

// Engine represents the per-profile engine.toml tuning knobs. Zero values
// are replaced with defaults by Load.
type Engine struct {
	APIBaseURL string `toml:"api_base_url"`
	APIToken   string `toml:"api_token"`
	PushToken  string `toml:"push_token"`

	PageSize       int `toml:"page_size"`
	SyncDebounceMS int `toml:"sync_debounce_ms"`

	RetryIntervalForegroundS int `toml:"retry_interval_foreground_s"`
	RetryIntervalBackgroundS int `toml:"retry_interval_background_s"`

	PushVerifyThrottleS int `toml:"push_verify_throttle_s"`
}

// Defaults used when the per-profile file is missing or leaves a field unset.
const (
	DefaultPageSize                 = 50
	DefaultSyncDebounceMS           = 1500
	DefaultRetryIntervalForegroundS = 10
	DefaultRetryIntervalBackgroundS = 120
	DefaultPushVerifyThrottleS      = 300
)

// LoadGlobal reads the global config from the given path. Returns an error if
// the file is missing; callers fall back to defaults.
func LoadGlobal(path string) (*Global, error) {
	var cfg Global
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveGlobal writes the global config, creating parent dirs as needed.
func SaveGlobal(path string, cfg *Global) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Load reads the per-profile engine config and applies defaults. A missing
// file is not an error: the engine runs on defaults.
func Load(path string) (*Engine, error) {
	var cfg Engine
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Engine) applyDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.SyncDebounceMS <= 0 {
		c.SyncDebounceMS = DefaultSyncDebounceMS
	}
	if c.RetryIntervalForegroundS <= 0 {
		c.RetryIntervalForegroundS = DefaultRetryIntervalForegroundS
	}
	if c.RetryIntervalBackgroundS <= 0 {
		c.RetryIntervalBackgroundS = DefaultRetryIntervalBackgroundS
	}
	if c.PushVerifyThrottleS <= 0 {
		c.PushVerifyThrottleS = DefaultPushVerifyThrottleS
	}
}

// SyncDebounce returns the debounce window as a duration.
func (c *Engine) SyncDebounce() time.Duration {
	return time.Duration(c.SyncDebounceMS) * time.Millisecond
}

// RetryIntervalForeground returns the foreground drain cadence.
func (c *Engine) RetryIntervalForeground() time.Duration {
	return time.Duration(c.RetryIntervalForegroundS) * time.Second
}

// RetryIntervalBackground returns the background drain cadence.
func (c *Engine) RetryIntervalBackground() time.Duration {
	return time.Duration(c.RetryIntervalBackgroundS) * time.Second
}

// PushVerifyThrottle returns the push-token verification throttle window.
func (c *Engine) PushVerifyThrottle() time.Duration {
	return time.Duration(c.PushVerifyThrottleS) * time.Second
}
