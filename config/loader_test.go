package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mealhall/mealhall-core/types"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoaderAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "name: test-service\n")

	cfg, err := NewLoader().LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.KV.Type)
	assert.Equal(t, 10*time.Minute, cfg.Cache.EntityTTL[string(types.EntityProduct)])
	assert.True(t, cfg.RateLimit.Enabled)
}

func TestLoaderOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
name: test-service
server:
  host: 0.0.0.0
  port: 9090
rate_limit:
  enabled: true
  auth_multiplier: 5
  rules:
    default:
      limit: 10
      window: 30s
`)

	cfg, err := NewLoader().LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.EqualValues(t, 5, cfg.RateLimit.AuthMultiplier)
	assert.EqualValues(t, 10, cfg.RateLimit.Rules["default"].Limit)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Rules["default"].Window)
}

func TestLoaderRejectsMissingFile(t *testing.T) {
	_, err := NewLoader().LoadFromFile(filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)
}

func TestLoaderRejectsEmptyPath(t *testing.T) {
	_, err := NewLoader().LoadFromFile("")
	assert.True(t, types.IsError(err, types.ErrConfigNotFound))
}

func TestLoaderRejectsUnknownKVType(t *testing.T) {
	path := writeConfig(t, `
name: test-service
kv:
  type: memcached
  stores:
    - products
`)

	_, err := NewLoader().LoadFromFile(path)
	assert.Error(t, err)
}
