package am

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findSetting(t *testing.T, intro *ConfigIntrospection, key string) SettingInfo {
	t.Helper()
	for _, s := range intro.Settings {
		if s.Key == key {
			return s
		}
	}
	t.Fatalf("setting %s not reported", key)
	return SettingInfo{}
}

func TestIntrospectionSources(t *testing.T) {
	home := isolate(t)
	userFile := filepath.Join(home, ".genq", "config.toml")
	writeFile(t, userFile, "[coordinator]\nconflict_rule = \"type\"\n")
	t.Setenv("GENQ_COORDINATOR_SCAN_LIMIT", "10")
	t.Setenv("SECRET_KEY", "lock-secret")

	intro, err := GetConfigIntrospection()
	require.NoError(t, err)
	assert.Equal(t, []string{userFile}, intro.ConfigFiles)

	rule := findSetting(t, intro, "coordinator.conflict_rule")
	assert.Equal(t, SourceUser, rule.Source)
	assert.Equal(t, userFile, rule.SourcePath)
	assert.Equal(t, "type", rule.Value)

	limit := findSetting(t, intro, "coordinator.scan_limit")
	assert.Equal(t, SourceEnvironment, limit.Source)
	assert.Equal(t, "GENQ_COORDINATOR_SCAN_LIMIT", limit.SourcePath)

	secret := findSetting(t, intro, "admin.priority_lock_secret")
	assert.Equal(t, SourceEnvironment, secret.Source)
	assert.Equal(t, "SECRET_KEY", secret.SourcePath)
	assert.Equal(t, "********", secret.Value)

	heartbeat := findSetting(t, intro, "coordinator.heartbeat_interval")
	assert.Equal(t, SourceDefault, heartbeat.Source)
}

func TestRedactedSettings(t *testing.T) {
	isolate(t)
	t.Setenv("ADMIN_SECRET", "maint-secret")

	settings, err := RedactedSettings()
	require.NoError(t, err)

	admin, ok := settings["admin"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "********", admin["maintenance_secret"])
	assert.Equal(t, "", admin["priority_lock_secret"], "unset secrets stay visibly empty")

	coord, ok := settings["coordinator"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "6s", coord["heartbeat_interval"])
}
