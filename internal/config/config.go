// Package config loads gateway settings from defaults, an optional YAML file
// and MESHGATE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "MESHGATE"

// Config is the full gateway configuration.
type Config struct {
	Addr      string `mapstructure:"addr"`
	GRPCAddr  string `mapstructure:"grpc_addr"`
	APIPrefix string `mapstructure:"api_prefix"`

	IdentityURL   string `mapstructure:"identity_url"`
	DeviceMgmtURL string `mapstructure:"device_mgmt_url"`
	AnalyticsURL  string `mapstructure:"analytics_url"`
	TSDBURL       string `mapstructure:"tsdb_url"`
	TSDBToken     string `mapstructure:"tsdb_token"`
	FrontendURL   string `mapstructure:"frontend_url"`
	ClientOrigin  string `mapstructure:"client_origin"`

	TokenAlgorithm        string `mapstructure:"token_algorithm"`
	RefreshTokenAlgorithm string `mapstructure:"refresh_token_algorithm"`
	AccessTokenKey        string `mapstructure:"access_token_key"`
	RefreshTokenKey       string `mapstructure:"refresh_token_key"`

	RedisURL string `mapstructure:"redis_url"`
	PGDSN    string `mapstructure:"pg_dsn"`

	StoreTimeout    time.Duration `mapstructure:"store_timeout"`
	UpstreamTimeout time.Duration `mapstructure:"upstream_timeout"`
	RouteCacheSize  int           `mapstructure:"route_cache_size"`
	RouteCacheTTL   time.Duration `mapstructure:"route_cache_ttl"`
	BucketRetention time.Duration `mapstructure:"bucket_retention"`

	RateBurst       int           `mapstructure:"rate_burst"`
	RatePerSec      float64       `mapstructure:"rate_per_sec"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// secretKeys also accept a <key>_file variant holding the value.
var secretKeys = []string{"tsdb_token", "access_token_key", "refresh_token_key", "redis_url", "pg_dsn"}

var defaults = map[string]any{
	"addr":                    ":3000",
	"grpc_addr":               ":9090",
	"api_prefix":              "/api",
	"identity_url":            "",
	"device_mgmt_url":         "",
	"analytics_url":           "",
	"tsdb_url":                "",
	"tsdb_token":              "",
	"frontend_url":            "",
	"client_origin":           "",
	"token_algorithm":         "RS256",
	"refresh_token_algorithm": "",
	"access_token_key":        "",
	"refresh_token_key":       "",
	"redis_url":               "",
	"pg_dsn":                  "",
	"store_timeout":           "2s",
	"upstream_timeout":        "10s",
	"route_cache_size":        1024,
	"route_cache_ttl":         "5m",
	"bucket_retention":        "720h",
	"rate_burst":              100,
	"rate_per_sec":            50.0,
	"max_body_bytes":          1 << 20,
	"shutdown_timeout":        "15s",
	"log_level":               "info",
	"log_format":              "json",
}

// NewViper returns a viper instance with defaults and environment binding.
// Every key is registered so Unmarshal sees environment overrides.
func NewViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	for _, k := range secretKeys {
		v.SetDefault(k+"_file", "")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file into v and decodes the result.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	for _, k := range secretKeys {
		if err := resolveFile(v, k); err != nil {
			return Config{}, err
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.RefreshTokenAlgorithm == "" {
		cfg.RefreshTokenAlgorithm = cfg.TokenAlgorithm
	}
	return cfg, nil
}

// resolveFile loads key from <key>_file unless key is set directly.
func resolveFile(v *viper.Viper, key string) error {
	path := v.GetString(key + "_file")
	if path == "" || v.GetString(key) != "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s_file: %w", key, err)
	}
	v.Set(key, strings.TrimSpace(string(b)))
	return nil
}

// Validate reports every missing or malformed setting at once.
func (c Config) Validate() error {
	var problems []string
	required := []struct{ key, val string }{
		{"identity_url", c.IdentityURL},
		{"device_mgmt_url", c.DeviceMgmtURL},
		{"analytics_url", c.AnalyticsURL},
		{"tsdb_url", c.TSDBURL},
		{"tsdb_token", c.TSDBToken},
		{"access_token_key", c.AccessTokenKey},
		{"refresh_token_key", c.RefreshTokenKey},
		{"redis_url", c.RedisURL},
	}
	for _, r := range required {
		if strings.TrimSpace(r.val) == "" {
			problems = append(problems, r.key+" is required")
		}
	}
	for _, alg := range []struct{ key, val string }{
		{"token_algorithm", c.TokenAlgorithm},
		{"refresh_token_algorithm", c.RefreshTokenAlgorithm},
	} {
		switch alg.val {
		case "", "RS256", "HS256":
		default:
			problems = append(problems, fmt.Sprintf("%s must be RS256 or HS256, got %q", alg.key, alg.val))
		}
	}
	if !strings.HasPrefix(c.APIPrefix, "/") {
		problems = append(problems, "api_prefix must start with /")
	}
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"store_timeout", c.StoreTimeout},
		{"upstream_timeout", c.UpstreamTimeout},
		{"bucket_retention", c.BucketRetention},
		{"shutdown_timeout", c.ShutdownTimeout},
	} {
		if d.val <= 0 {
			problems = append(problems, d.key+" must be positive")
		}
	}
	if c.RatePerSec < 0 || c.RateBurst < 0 {
		problems = append(problems, "rate_per_sec and rate_burst must not be negative")
	}
	if len(problems) == 0 {
		return nil
	}
	return errors.New("invalid configuration: " + strings.Join(problems, "; "))
}
