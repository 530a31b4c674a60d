package plugin

import (
	"time"

	"github.com/quelabs/quecore/pkg/registry"
)

// State is the lifecycle state of a plugin.
type State string

const (
	StateUnloaded  State = "unloaded"
	StateLoading   State = "loading"
	StateActive    State = "active"
	StateUnloading State = "unloading"
	// StateFaulted marks a plugin removed for a sandbox or budget
	// violation, or a failed reload. Faults are not retried automatically.
	StateFaulted State = "faulted"
)

// SandboxPolicy declares the resource and access limits enforced around a
// plugin's capabilities.
type SandboxPolicy struct {
	// FSRoots lists the only filesystem roots the plugin may touch. Empty
	// means no filesystem access at all.
	FSRoots []string `json:"fs_roots,omitempty"`
	// AllowNetwork permits network egress.
	AllowNetwork bool `json:"allow_network,omitempty"`
	// MaxCPUPercent caps CPU usage (0 means unrestricted).
	MaxCPUPercent int `json:"max_cpu_percent,omitempty"`
	// MaxRunTime bounds a single capability execution. Exceeding it
	// faults the plugin.
	MaxRunTime Duration `json:"max_run_time,omitempty"`
}

// CapabilityDecl is a tool descriptor template declared by a manifest. The
// implementation reference is filled in at load time with a handle routing
// into the plugin process.
type CapabilityDecl struct {
	Name        string                        `json:"name"`
	Category    string                        `json:"category,omitempty"`
	Description string                        `json:"description"`
	Args        map[string]registry.FieldSpec `json:"args,omitempty"`
	Result      map[string]registry.FieldSpec `json:"result,omitempty"`
	Permission  registry.PermissionLevel      `json:"permission"`
}

// Requirement declares a dependency on another plugin, with an optional
// semver range constraint.
type Requirement struct {
	PluginID   string `json:"pluginId"`
	Constraint string `json:"version,omitempty"`
}

// Manifest is the plugin.json file structure.
type Manifest struct {
	PluginID     string           `json:"pluginId"`
	Name         string           `json:"name,omitempty"`
	Version      string           `json:"version"`
	Description  string           `json:"description,omitempty"`
	Author       string           `json:"author,omitempty"`
	Main         string           `json:"main"`
	Capabilities []CapabilityDecl `json:"capabilities"`
	Sandbox      SandboxPolicy    `json:"sandbox,omitempty"`
	Requires     []Requirement    `json:"requires,omitempty"`
}

// Record tracks one plugin known to the manager.
type Record struct {
	Manifest Manifest  `json:"manifest"`
	State    State     `json:"state"`
	Dir      string    `json:"dir,omitempty"`
	Tools    []string  `json:"tools,omitempty"`
	LoadedAt time.Time `json:"loaded_at,omitzero"`
	// FaultReason is set when State is Faulted.
	FaultReason string `json:"fault_reason,omitempty"`
}

// Discovered is a plugin found on disk during a directory scan.
type Discovered struct {
	ID           string
	Dir          string
	ManifestPath string
}
