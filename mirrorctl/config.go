package main

import (
	"math"
	"time"

	"github.com/pelletier/go-toml"

	"github.com/bringyour/mirror/mirror"
)

// Config is the optional settings file. Missing keys use the defaults.
type Config struct {
	tree *toml.Tree
}

// an empty path is an empty config
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		tree, err := toml.TreeFromMap(map[string]any{})
		if err != nil {
			return nil, err
		}
		return &Config{tree: tree}, nil
	}
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return &Config{tree: tree}, nil
}

func (self *Config) String(key string, def string) string {
	if val, ok := self.tree.Get(key).(string); ok {
		return val
	}
	return def
}

func (self *Config) Int(key string, def int) int {
	val, ok := self.tree.Get(key).(int64)
	if ok && math.MinInt32 <= val && val <= math.MaxInt32 {
		return int(val)
	}
	return def
}

func (self *Config) Bool(key string, def bool) bool {
	if val, ok := self.tree.Get(key).(bool); ok {
		return val
	}
	return def
}

// durations are strings, e.g. "30s"
func (self *Config) Duration(key string, def time.Duration) time.Duration {
	val, ok := self.tree.Get(key).(string)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		Err.Printf("Bad duration for %s = %s\n", key, err)
		return def
	}
	return d
}

func (self *Config) SupervisorSettings() *mirror.CollectionSupervisorSettings {
	settings := mirror.DefaultCollectionSupervisorSettings()
	settings.MaxRetries = self.Int("supervisor.max_retries", settings.MaxRetries)
	settings.Backoff.Delay = self.Duration("supervisor.retry_delay", settings.Backoff.Delay)
	settings.Backoff.MaxDelay = self.Duration("supervisor.max_retry_delay", settings.Backoff.MaxDelay)
	settings.Backoff.Jitter = self.Duration("supervisor.retry_jitter", settings.Backoff.Jitter)
	settings.ReconnectTimeout = self.Duration("supervisor.reconnect_timeout", settings.ReconnectTimeout)
	settings.StaleCheckInterval = self.Duration("supervisor.stale_check_interval", settings.StaleCheckInterval)
	settings.StaleTimeout = self.Duration("supervisor.stale_timeout", settings.StaleTimeout)
	settings.StaleJitter = self.Duration("supervisor.stale_jitter", settings.StaleJitter)
	return settings
}

func (self *Config) TreeListenerSettings() *mirror.TreeListenerSettings {
	settings := mirror.DefaultTreeListenerSettings()
	settings.MaxRetries = self.Int("tree.max_retries", settings.MaxRetries)
	settings.Backoff.Delay = self.Duration("tree.retry_delay", settings.Backoff.Delay)
	settings.Backoff.MaxDelay = self.Duration("tree.max_retry_delay", settings.Backoff.MaxDelay)
	settings.ChangeBufferSize = self.Int("tree.change_buffer_size", settings.ChangeBufferSize)
	settings.AllowAnonymous = self.Bool("tree.allow_anonymous", settings.AllowAnonymous)
	return settings
}

func (self *Config) SignedJwtSettings() *mirror.SignedJwtSettings {
	settings := mirror.DefaultSignedJwtSettings()
	settings.Issuer = self.String("auth.issuer", settings.Issuer)
	settings.Subject = self.String("auth.subject", settings.Subject)
	settings.Audience = self.String("auth.audience", settings.Audience)
	settings.Lifetime = self.Duration("auth.lifetime", settings.Lifetime)
	return settings
}
