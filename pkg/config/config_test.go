package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing-config.json"))
	require.NoError(t, err)

	require.Equal(t, 24, cfg.Store.CacheTTLHours)
	require.Equal(t, 500, cfg.Store.CacheMaxConversations)
	require.Equal(t, 100, cfg.Store.CacheMessagesPerConv)
	require.Equal(t, 5, cfg.Store.DedupWindowSeconds)
	require.Equal(t, 30, cfg.Summary.TriggerTurns)
	require.Equal(t, 10, cfg.Summary.KeepRecentTurns)
	require.Equal(t, 15, cfg.Composer.RecentTurns)
	require.Equal(t, 10, cfg.Knowledge.TitleWeight)
	require.Equal(t, 2, cfg.Knowledge.ContentWeight)
	require.Equal(t, 5, cfg.Knowledge.KeywordWeight)
	require.NotEmpty(t, cfg.Generator.Model)
	require.Empty(t, cfg.Generator.APIKey, "credentials must default empty")
	require.Empty(t, cfg.Channels.Discord.Token, "credentials must default empty")
}

func TestSaveAndLoadConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := DefaultConfig()
	cfg.Generator.Model = "test/model"
	cfg.Quota.StaticLimit = 250
	cfg.Channels.Discord.AllowFrom = FlexibleStringSlice{"123", "alice"}
	require.NoError(t, SaveConfig(path, cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "test/model", loaded.Generator.Model)
	require.Equal(t, 250, loaded.Quota.StaticLimit)
	require.Equal(t, FlexibleStringSlice{"123", "alice"}, loaded.Channels.Discord.AllowFrom)
}

func TestLoadConfig_EnvOverridesWithoutFile(t *testing.T) {
	t.Setenv("VENDABOT_GENERATOR_MODEL", "env/model")
	t.Setenv("VENDABOT_SUMMARY_TRIGGER_TURNS", "40")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing-config.json"))
	require.NoError(t, err)
	require.Equal(t, "env/model", cfg.Generator.Model)
	require.Equal(t, 40, cfg.Summary.TriggerTurns)
}

func TestFlexibleStringSlice_AcceptsNumbers(t *testing.T) {
	var f FlexibleStringSlice
	require.NoError(t, json.Unmarshal([]byte(`["alice", 123456789, "42"]`), &f))
	require.Equal(t, FlexibleStringSlice{"alice", "123456789", "42"}, f)
}

func TestDurationHelpers(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, 24*time.Hour, cfg.CacheTTL())
	require.Equal(t, 5*time.Minute, cfg.SweepInterval())
	require.Equal(t, 5*time.Second, cfg.DedupWindow())
	require.Equal(t, 60*time.Second, cfg.GeneratorTimeout())
}

func TestSaveConfig_FilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file permission bits are not enforced on Windows")
	}

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, SaveConfig(path, DefaultConfig()))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
}
