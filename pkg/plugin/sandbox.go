package plugin

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrSandboxViolation wraps every sandbox denial so callers can treat all
// of them as one fault class.
var ErrSandboxViolation = errors.New("sandbox violation")

// Sandbox enforces one plugin's declared policy. The runtime consults it
// before brokering host access on a plugin's behalf; exceeding the run-time
// budget is detected separately by the manager.
type Sandbox struct {
	pluginID string
	policy   SandboxPolicy
	roots    []string
}

// NewSandbox builds the enforcement context for a policy. Filesystem roots
// are cleaned to absolute paths once, at construction.
func NewSandbox(pluginID string, policy SandboxPolicy) *Sandbox {
	roots := make([]string, 0, len(policy.FSRoots))
	for _, root := range policy.FSRoots {
		abs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		roots = append(roots, filepath.Clean(abs))
	}
	return &Sandbox{pluginID: pluginID, policy: policy, roots: roots}
}

// Policy returns the declared policy.
func (s *Sandbox) Policy() SandboxPolicy {
	return s.policy
}

// CheckPath verifies the path lies under one of the permitted roots.
func (s *Sandbox) CheckPath(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("%w: plugin %s: cannot resolve path %q", ErrSandboxViolation, s.pluginID, path)
	}
	abs = filepath.Clean(abs)

	for _, root := range s.roots {
		if abs == root || strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("%w: plugin %s: path %q outside permitted roots", ErrSandboxViolation, s.pluginID, path)
}

// CheckNetwork verifies the plugin may perform network egress.
func (s *Sandbox) CheckNetwork() error {
	if s.policy.AllowNetwork {
		return nil
	}
	return fmt.Errorf("%w: plugin %s: network access not permitted", ErrSandboxViolation, s.pluginID)
}
