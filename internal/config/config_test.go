package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SERVER_ADDRESS", "mc.example.com")
	t.Setenv("RCON_PASSWORD", "hunter2")
	t.Setenv("DISCORD_STATUS_CHANNEL_ID", "1091234567890123456")
	t.Setenv("DISCORD_VERIFY_CHANNEL_ID", "1091234567890123457")
	t.Setenv("DISCORD_TOKEN", "token")
}

func TestLoadFromEnvironment(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "mc.example.com", cfg.Minecraft.Address)
	assert.Equal(t, "mc.example.com:25575", cfg.RconAddr())
	assert.Equal(t, "mc.example.com:25565", cfg.QueryAddr())
	assert.Equal(t, "1091234567890123456", cfg.Discord.StatusChannelID)
	assert.Equal(t, "1091234567890123457", cfg.Discord.VerifyChannelID)
	assert.Equal(t, 6*time.Minute, cfg.Status.Interval)
	assert.Equal(t, 3*time.Second, cfg.Discord.SettleDelay)
	assert.Equal(t, "Verified", cfg.Verify.RoleName)
	assert.True(t, cfg.SerializePerUser())
}

func TestLoadFileThenEnvironmentOverlay(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RCON_PORT", "25999")

	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
minecraft:
  address: from-file.example.com
  rcon_port: 25576
  query_port: 25570
status:
  interval: 10m
  offline_label: "server down"
verify:
  serialize_per_user: false
api:
  listen_addr: 127.0.0.1:8089
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	// Environment wins over the file
	assert.Equal(t, "mc.example.com", cfg.Minecraft.Address)
	assert.Equal(t, 25999, cfg.Minecraft.RconPort)
	// File values survive where the environment is silent
	assert.Equal(t, 25570, cfg.Minecraft.QueryPort)
	assert.Equal(t, 10*time.Minute, cfg.Status.Interval)
	assert.Equal(t, "server down", cfg.Status.OfflineLabel)
	assert.Equal(t, "127.0.0.1:8089", cfg.API.ListenAddr)
	assert.False(t, cfg.SerializePerUser())
}

func TestValidateReportsEveryMissingValue(t *testing.T) {
	for _, name := range []string{"SERVER_ADDRESS", "RCON_PASSWORD", "DISCORD_STATUS_CHANNEL_ID", "DISCORD_VERIFY_CHANNEL_ID", "DISCORD_TOKEN"} {
		t.Setenv(name, "")
	}

	cfg, err := Load("")
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	for _, name := range []string{"SERVER_ADDRESS", "RCON_PASSWORD", "DISCORD_STATUS_CHANNEL_ID", "DISCORD_VERIFY_CHANNEL_ID", "DISCORD_TOKEN"} {
		assert.Contains(t, err.Error(), name)
	}
}

func TestValidateRejectsMalformedChannelID(t *testing.T) {
	for _, key := range []string{"DISCORD_STATUS_CHANNEL_ID", "DISCORD_VERIFY_CHANNEL_ID"} {
		t.Run(key, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(key, "not-a-snowflake")

			cfg, err := Load("")
			require.NoError(t, err)

			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestValidateLeavesChannelIDsUntouched(t *testing.T) {
	setRequiredEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)

	before := cfg.Discord
	require.NoError(t, cfg.Validate())
	assert.Equal(t, before, cfg.Discord)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestRedacted(t *testing.T) {
	setRequiredEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)

	r := cfg.Redacted()
	assert.Equal(t, "********", r.Discord.Token)
	assert.Equal(t, "********", r.Minecraft.RconPassword)
	assert.Equal(t, "token", cfg.Discord.Token)
}
