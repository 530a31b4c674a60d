package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	root := GetRootCmd()
	assert.Equal(t, "quecore", root.Use)

	names := map[string]bool{}
	for _, cmd := range root.Commands() {
		names[cmd.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["tools"])
	assert.True(t, names["validate"])
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "quecore.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"logging": {"level": "info"}}`), 0o644))

	manifestPath := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(manifestPath, []byte(`{
		"pluginId": "demo",
		"version": "1.0.0",
		"main": "demo",
		"capabilities": [
			{"name": "demo.run", "description": "d", "permission": "public"}
		]
	}`), 0o644))

	cfgFile = cfgPath
	defer func() { cfgFile = "" }()

	err := runValidate(validateCmd, []string{manifestPath})
	assert.NoError(t, err)

	badPath := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(badPath, []byte(`{"pluginId": "X"}`), 0o644))
	err = runValidate(validateCmd, []string{badPath})
	assert.Error(t, err)
}

func TestLoadConfigAppliesLogLevelOverride(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "quecore.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"logging": {"level": "info"}}`), 0o644))

	cfgFile = cfgPath
	logLevel = "debug"
	defer func() { cfgFile = ""; logLevel = "" }()

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
}
