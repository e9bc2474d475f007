package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)

	assert.Equal(t, ":3000", cfg.Addr)
	assert.Equal(t, ":9090", cfg.GRPCAddr)
	assert.Equal(t, "/api", cfg.APIPrefix)
	assert.Equal(t, "RS256", cfg.TokenAlgorithm)
	assert.Equal(t, "RS256", cfg.RefreshTokenAlgorithm)
	assert.Equal(t, 2*time.Second, cfg.StoreTimeout)
	assert.Equal(t, 10*time.Second, cfg.UpstreamTimeout)
	assert.Equal(t, 1024, cfg.RouteCacheSize)
	assert.Equal(t, 5*time.Minute, cfg.RouteCacheTTL)
	assert.Equal(t, 720*time.Hour, cfg.BucketRetention)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MESHGATE_ADDR", ":8080")
	t.Setenv("MESHGATE_IDENTITY_URL", "http://identity:4000")
	t.Setenv("MESHGATE_STORE_TIMEOUT", "500ms")
	t.Setenv("MESHGATE_ROUTE_CACHE_SIZE", "0")
	t.Setenv("MESHGATE_REFRESH_TOKEN_ALGORITHM", "HS256")

	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "http://identity:4000", cfg.IdentityURL)
	assert.Equal(t, 500*time.Millisecond, cfg.StoreTimeout)
	assert.Equal(t, 0, cfg.RouteCacheSize)
	assert.Equal(t, "RS256", cfg.TokenAlgorithm)
	assert.Equal(t, "HS256", cfg.RefreshTokenAlgorithm)
}

func TestLoadFileAndSecretFiles(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "access.pem")
	require.NoError(t, os.WriteFile(keyPath, []byte("-----BEGIN PUBLIC KEY-----\nabc\n-----END PUBLIC KEY-----\n"), 0o600))
	tokenPath := filepath.Join(dir, "tsdb-token")
	require.NoError(t, os.WriteFile(tokenPath, []byte("  influx-secret\n"), 0o600))

	cfgPath := filepath.Join(dir, "meshgate.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(
		"api_prefix: /gw\n"+
			"tsdb_url: http://influx:8086\n"+
			"access_token_key_file: "+keyPath+"\n"+
			"tsdb_token_file: "+tokenPath+"\n"), 0o600))

	t.Setenv("MESHGATE_TSDB_URL", "http://influx-env:8086")

	cfg, err := Load(NewViper(), cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "/gw", cfg.APIPrefix)
	assert.Equal(t, "http://influx-env:8086", cfg.TSDBURL, "env wins over file")
	assert.Equal(t, "influx-secret", cfg.TSDBToken)
	assert.Contains(t, cfg.AccessTokenKey, "BEGIN PUBLIC KEY")
}

func TestLoadDirectValueWinsOverFile(t *testing.T) {
	t.Setenv("MESHGATE_REDIS_URL", "redis://direct:6379/0")
	t.Setenv("MESHGATE_REDIS_URL_FILE", filepath.Join(t.TempDir(), "missing"))

	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)
	assert.Equal(t, "redis://direct:6379/0", cfg.RedisURL)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(NewViper(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)

	t.Setenv("MESHGATE_PG_DSN_FILE", filepath.Join(t.TempDir(), "missing"))
	_, err = Load(NewViper(), "")
	assert.ErrorContains(t, err, "pg_dsn_file")
}

func validConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)
	cfg.IdentityURL = "http://identity"
	cfg.DeviceMgmtURL = "http://devmgmt"
	cfg.AnalyticsURL = "http://analytics"
	cfg.TSDBURL = "http://influx"
	cfg.TSDBToken = "t"
	cfg.AccessTokenKey = "k"
	cfg.RefreshTokenKey = "r"
	cfg.RedisURL = "redis://localhost:6379/0"
	return cfg
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig(t).Validate())

	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)
	err = cfg.Validate()
	require.Error(t, err)
	for _, key := range []string{"identity_url", "device_mgmt_url", "analytics_url", "tsdb_url", "tsdb_token", "access_token_key", "refresh_token_key", "redis_url"} {
		assert.ErrorContains(t, err, key+" is required")
	}

	bad := validConfig(t)
	bad.TokenAlgorithm = "none"
	bad.APIPrefix = "api"
	bad.StoreTimeout = 0
	err = bad.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "token_algorithm")
	assert.ErrorContains(t, err, "api_prefix")
	assert.ErrorContains(t, err, "store_timeout")
}
