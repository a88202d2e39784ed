// Package config loads the gateway configuration from a YAML file and
// applies environment overrides of the form GATEWAY__SECTION__KEY.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "GATEWAY__"

// Duration wraps time.Duration so YAML values may be written as duration
// strings ("5s", "24h") the way existing deployment configs are.
type Duration time.Duration

// UnmarshalYAML accepts either a duration string or a bare number of seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := parseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration back as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("empty duration")
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(raw)
}

// ServerConfig controls the inbound HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Workers is accepted for compatibility with existing config files;
	// net/http schedules its own goroutines so the value is not consulted.
	Workers int `yaml:"workers"`
}

// BusinessAPIConfig controls calls to the business backend.
type BusinessAPIConfig struct {
	BaseURL       string   `yaml:"base_url"`
	Timeout       Duration `yaml:"timeout"`
	RetryAttempts int      `yaml:"retry_attempts"`
}

// CacheConfig controls the route cache.
type CacheConfig struct {
	Type        string   `yaml:"type"` // memory|redis
	TTL         Duration `yaml:"ttl"`
	MaxLifetime Duration `yaml:"max_lifetime"`
	MaxSize     int      `yaml:"max_size"`
}

// RedisConfig is consulted when cache.type is "redis".
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ProxyConfig controls the upstream forwarder's HTTP clients.
type ProxyConfig struct {
	Timeout        Duration `yaml:"timeout"`
	MaxConnections int      `yaml:"max_connections"`
	KeepAlive      bool     `yaml:"keep_alive"`
	RetryAttempts  int      `yaml:"retry_attempts"`
}

// Config is the root gateway configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	BusinessAPI BusinessAPIConfig `yaml:"business_api"`
	Cache       CacheConfig       `yaml:"cache"`
	Redis       RedisConfig       `yaml:"redis"`
	Proxy       ProxyConfig       `yaml:"proxy"`
	// LogFile, when set, enables size-capped rotating file logging.
	LogFile string `yaml:"log_file"`
}

// Default returns the built-in configuration used when no file is present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8080,
			Workers: 4,
		},
		BusinessAPI: BusinessAPIConfig{
			BaseURL:       "http://localhost:3000",
			Timeout:       Duration(5 * time.Second),
			RetryAttempts: 3,
		},
		Cache: CacheConfig{
			Type:        "memory",
			TTL:         Duration(5 * time.Minute),
			MaxLifetime: Duration(24 * time.Hour),
			MaxSize:     10000,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Proxy: ProxyConfig{
			Timeout:        Duration(30 * time.Second),
			MaxConnections: 500,
			KeepAlive:      true,
			RetryAttempts:  3,
		},
	}
}

// Load reads the YAML file at path, layers environment overrides on top, and
// validates the result. Callers that want fall-back-to-defaults behavior on
// a missing file check os.IsNotExist and use FromEnv instead.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := applyEnv(&cfg, os.Environ()); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv returns the default configuration with environment overrides
// applied, for deployments that run without a config file.
func FromEnv() (Config, error) {
	cfg := Default()
	if err := applyEnv(&cfg, os.Environ()); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server.port %d", c.Server.Port)
	}
	switch c.Cache.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: invalid cache.type %q (want memory or redis)", c.Cache.Type)
	}
	if c.Cache.TTL <= 0 {
		return errors.New("config: cache.ttl must be positive")
	}
	if c.Cache.MaxLifetime < c.Cache.TTL {
		return errors.New("config: cache.max_lifetime must be >= cache.ttl")
	}
	if strings.TrimSpace(c.BusinessAPI.BaseURL) == "" {
		return errors.New("config: business_api.base_url required")
	}
	if c.Proxy.MaxConnections <= 0 {
		return errors.New("config: proxy.max_connections must be positive")
	}
	return nil
}

// applyEnv overlays GATEWAY__SECTION__KEY environment variables onto cfg.
// Unknown keys are ignored so unrelated GATEWAY__ variables do not break
// startup; malformed values for known keys are errors.
func applyEnv(cfg *Config, environ []string) error {
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, envPrefix) {
			continue
		}
		section, key, ok := strings.Cut(strings.TrimPrefix(name, envPrefix), "__")
		if !ok {
			continue
		}
		if err := setField(cfg, strings.ToLower(section), strings.ToLower(key), value); err != nil {
			return fmt.Errorf("config: env %s: %w", name, err)
		}
	}
	return nil
}

func setField(cfg *Config, section, key, value string) error {
	switch section {
	case "server":
		switch key {
		case "host":
			cfg.Server.Host = value
		case "port":
			return setInt(&cfg.Server.Port, value)
		case "workers":
			return setInt(&cfg.Server.Workers, value)
		}
	case "business_api":
		switch key {
		case "base_url":
			cfg.BusinessAPI.BaseURL = value
		case "timeout":
			return setDuration(&cfg.BusinessAPI.Timeout, value)
		case "retry_attempts":
			return setInt(&cfg.BusinessAPI.RetryAttempts, value)
		}
	case "cache":
		switch key {
		case "type":
			cfg.Cache.Type = strings.ToLower(value)
		case "ttl":
			return setDuration(&cfg.Cache.TTL, value)
		case "max_lifetime":
			return setDuration(&cfg.Cache.MaxLifetime, value)
		case "max_size":
			return setInt(&cfg.Cache.MaxSize, value)
		}
	case "redis":
		switch key {
		case "addr":
			cfg.Redis.Addr = value
		case "password":
			cfg.Redis.Password = value
		case "db":
			return setInt(&cfg.Redis.DB, value)
		}
	case "proxy":
		switch key {
		case "timeout":
			return setDuration(&cfg.Proxy.Timeout, value)
		case "max_connections":
			return setInt(&cfg.Proxy.MaxConnections, value)
		case "keep_alive":
			cfg.Proxy.KeepAlive = parseBool(value)
		case "retry_attempts":
			return setInt(&cfg.Proxy.RetryAttempts, value)
		}
	case "log":
		if key == "file" {
			cfg.LogFile = value
		}
	}
	return nil
}

func setInt(dst *int, value string) error {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return err
	}
	*dst = parsed
	return nil
}

func setDuration(dst *Duration, value string) error {
	parsed, err := parseDuration(value)
	if err != nil {
		return err
	}
	*dst = Duration(parsed)
	return nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
