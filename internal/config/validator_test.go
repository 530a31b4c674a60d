package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDefaults(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.Validate(DefaultConfig()))
}

func TestValidateLogLevel(t *testing.T) {
	v := NewValidator()
	for _, level := range []string{"debug", "info", "warn", "error"} {
		assert.NoError(t, v.ValidateLogLevel(level))
	}
	assert.Error(t, v.ValidateLogLevel("verbose"))
	assert.Error(t, v.ValidateLogLevel(""))
}

func TestValidateEngine(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidateEngine(EngineConfig{Workers: 0}))
	assert.NoError(t, v.ValidateEngine(EngineConfig{Workers: 16, DefaultRunTimeout: time.Minute}))
	assert.Error(t, v.ValidateEngine(EngineConfig{Workers: -1}))
	assert.Error(t, v.ValidateEngine(EngineConfig{DefaultRunTimeout: -time.Second}))
	assert.Error(t, v.ValidateEngine(EngineConfig{AwaitCeiling: -time.Second}))
}

func TestValidatePermission(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidatePermission(PermissionConfig{
		TokenTTL: time.Minute,
		Policies: map[string]PolicyConfig{"guest": {Deny: []string{"*"}}},
	}))
	assert.Error(t, v.ValidatePermission(PermissionConfig{TokenTTL: -time.Second}))
	assert.Error(t, v.ValidatePermission(PermissionConfig{
		Policies: map[string]PolicyConfig{"": {}},
	}))
	assert.Error(t, v.ValidatePermission(PermissionConfig{
		Policies: map[string]PolicyConfig{"guest": {Allow: []string{""}}},
	}))
}

func TestValidatePollSpec(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidatePollSpec("@every 2s"))
	assert.NoError(t, v.ValidatePollSpec("*/5 * * * *"))
	assert.Error(t, v.ValidatePollSpec("whenever"))
	assert.Error(t, v.ValidatePollSpec(""))
}

func TestValidateAddr(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidateAddr("127.0.0.1:8787"))
	assert.NoError(t, v.ValidateAddr(":8080"))
	assert.Error(t, v.ValidateAddr("no-port"))
	assert.Error(t, v.ValidateAddr(""))
}

func TestValidateFullConfigFailures(t *testing.T) {
	v := NewValidator()

	cfg := DefaultConfig()
	cfg.Logging.Level = "bogus"
	assert.Error(t, v.Validate(cfg))

	cfg = DefaultConfig()
	cfg.Context.Enabled = true
	cfg.Context.PollSpec = "bad"
	assert.Error(t, v.Validate(cfg))

	cfg = DefaultConfig()
	cfg.Gateway.Enabled = true
	cfg.Gateway.Addr = "bad"
	assert.Error(t, v.Validate(cfg))

	cfg = DefaultConfig()
	cfg.Context.Enabled = true
	require.NoError(t, v.Validate(cfg))
}
