package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 30*time.Minute, cfg.Engine.Cooldown)
	assert.Equal(t, "20000", cfg.Engine.MintThreshold)
	assert.Equal(t, "fixed", cfg.Converter.Mode)
	assert.True(t, cfg.Keeper.Enabled)
	assert.Equal(t, "0 * * * * *", cfg.Keeper.Cron)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "data/batch_state.db", cfg.Storage.Path)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestLoadYAMLAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
engine:
  cooldown: 10m
  mint_threshold: "500"
  operators: [alice]
converter:
  mode: http
  base_url: http://converter.local
keeper:
  enabled: false
storage:
  driver: file
genesis:
  - account: alice
    asset: 3CRV
    amount: "100000"
redis:
  addr: localhost:6379
  stream: batchsettle:events
http:
  accounts:
    alice: alice-token
`)
	t.Setenv("ENGINE_REDEEM_THRESHOLD", "900")
	t.Setenv("ENGINE_OPERATORS", "bob, carol ,")
	t.Setenv("OPERATOR_TOKEN", "tok")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10*time.Minute, cfg.Engine.Cooldown)
	assert.Equal(t, "500", cfg.Engine.MintThreshold)
	assert.Equal(t, "900", cfg.Engine.RedeemThreshold)
	assert.Equal(t, []string{"bob", "carol"}, cfg.Engine.Operators)
	assert.False(t, cfg.Keeper.Enabled)
	assert.Equal(t, "data/batch_state.json", cfg.Storage.Path)
	assert.Equal(t, "batchsettle:events", cfg.Redis.Stream)
	assert.Equal(t, "tok", cfg.HTTP.OperatorToken)
	assert.Equal(t, map[string]string{"alice": "alice-token"}, cfg.HTTP.Accounts)
	require.Len(t, cfg.Genesis, 1)
	assert.Equal(t, "100000", cfg.Genesis[0].Amount)
}

func TestLoadRejectsBadInput(t *testing.T) {
	_, err := Load(writeConfig(t, "engine: [unclosed"))
	assert.Error(t, err)

	t.Setenv("ENGINE_COOLDOWN", "soon")
	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Converter.Mode = "http"
	assert.Error(t, cfg.Validate(), "http mode without base url")

	cfg = base()
	cfg.Converter.Mode = "oracle"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Storage.Driver = "postgres"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Telegram.BotToken = "token"
	assert.Error(t, cfg.Validate(), "chat id missing")

	cfg = base()
	cfg.Engine.CompositeAsset = cfg.Engine.BaseAsset
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Genesis = append(cfg.Genesis, Balance{Account: "alice", Asset: "DOGE", Amount: "1"})
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.HTTP.JWTSecret = "secret"
	assert.Error(t, cfg.Validate())
	cfg.HTTP.Accounts = map[string]string{"alice": "alice-token"}
	assert.NoError(t, cfg.Validate())

	cfg = base()
	cfg.HTTP.Accounts = map[string]string{"alice": ""}
	assert.Error(t, cfg.Validate(), "empty account token")

	cfg = base()
	cfg.HTTP.OperatorToken = "shared"
	cfg.HTTP.Accounts = map[string]string{"alice": "shared"}
	assert.Error(t, cfg.Validate(), "account token equals operator token")
}
