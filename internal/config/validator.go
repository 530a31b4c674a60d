package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/robfig/cron/v3"
)

var validLogLevels = []string{"debug", "info", "warn", "error"}

// Validator checks a loaded configuration for values that would fail at
// startup.
type Validator struct{}

// NewValidator creates a validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate runs every check and returns the first failure.
func (v *Validator) Validate(cfg *Config) error {
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		return err
	}
	if err := v.ValidateEngine(cfg.Engine); err != nil {
		return err
	}
	if err := v.ValidatePermission(cfg.Permission); err != nil {
		return err
	}
	if cfg.Context.Enabled {
		if err := v.ValidatePollSpec(cfg.Context.PollSpec); err != nil {
			return err
		}
	}
	if cfg.Gateway.Enabled {
		if err := v.ValidateAddr(cfg.Gateway.Addr); err != nil {
			return err
		}
	}
	return nil
}

// ValidateLogLevel checks the level is one zerolog understands.
func (v *Validator) ValidateLogLevel(level string) error {
	for _, valid := range validLogLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)",
		level, strings.Join(validLogLevels, ", "))
}

// ValidateEngine checks worker and timeout bounds.
func (v *Validator) ValidateEngine(cfg EngineConfig) error {
	if cfg.Workers < 0 {
		return fmt.Errorf("engine workers must not be negative, got %d", cfg.Workers)
	}
	if cfg.DefaultRunTimeout < 0 {
		return fmt.Errorf("engine default run timeout must not be negative, got %s", cfg.DefaultRunTimeout)
	}
	if cfg.AwaitCeiling < 0 {
		return fmt.Errorf("engine await ceiling must not be negative, got %s", cfg.AwaitCeiling)
	}
	return nil
}

// ValidatePermission checks token TTL and policy shapes.
func (v *Validator) ValidatePermission(cfg PermissionConfig) error {
	if cfg.TokenTTL < 0 {
		return fmt.Errorf("permission token TTL must not be negative, got %s", cfg.TokenTTL)
	}
	for caller, policy := range cfg.Policies {
		if caller == "" {
			return fmt.Errorf("permission policy with empty caller ID")
		}
		for _, name := range append(policy.Allow, policy.Deny...) {
			if name == "" {
				return fmt.Errorf("permission policy for %s contains an empty tool name", caller)
			}
		}
	}
	return nil
}

// ValidatePollSpec checks the context poll schedule parses.
func (v *Validator) ValidatePollSpec(spec string) error {
	if spec == "" {
		return fmt.Errorf("context poll spec cannot be empty when context is enabled")
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid context poll spec %q: %w", spec, err)
	}
	return nil
}

// ValidateAddr checks the gateway listen address.
func (v *Validator) ValidateAddr(addr string) error {
	if addr == "" {
		return fmt.Errorf("gateway addr cannot be empty when gateway is enabled")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid gateway addr %q: %w", addr, err)
	}
	return nil
}
