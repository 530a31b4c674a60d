package registry

import (
	"fmt"

	"github.com/quelabs/quecore/pkg/capability"
)

// PermissionLevel classifies how dangerous a tool is to invoke.
type PermissionLevel string

const (
	// PermissionPublic tools are always allowed.
	PermissionPublic PermissionLevel = "public"
	// PermissionSensitive tools require a trusted caller.
	PermissionSensitive PermissionLevel = "sensitive"
	// PermissionPrivileged tools require explicit per-request confirmation.
	PermissionPrivileged PermissionLevel = "privileged"
)

// ValidPermissionLevels is the set of recognized permission levels.
var ValidPermissionLevels = map[PermissionLevel]bool{
	PermissionPublic:     true,
	PermissionSensitive:  true,
	PermissionPrivileged: true,
}

// Field types accepted in tool schemas.
var validFieldTypes = map[string]bool{
	"string": true, "number": true, "integer": true,
	"boolean": true, "object": true, "array": true,
}

// FieldSpec describes one argument or result field of a tool.
type FieldSpec struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Required    bool     `json:"required,omitempty"`
	Default     any      `json:"default,omitempty"`
	Enum        []any    `json:"enum,omitempty"`
	Minimum     *float64 `json:"minimum,omitempty"`
	Maximum     *float64 `json:"maximum,omitempty"`
	MinLength   *int     `json:"min_length,omitempty"`
	MaxLength   *int     `json:"max_length,omitempty"`
	Pattern     string   `json:"pattern,omitempty"`
}

// ToolDescriptor is the immutable metadata record for one capability.
// Replacing a registered name requires an explicit Unregister first.
type ToolDescriptor struct {
	Name        string               `json:"name"`
	Category    string               `json:"category,omitempty"`
	Description string               `json:"description"`
	Args        map[string]FieldSpec `json:"args,omitempty"`
	Result      map[string]FieldSpec `json:"result,omitempty"`
	Permission  PermissionLevel      `json:"permission"`
	// SourcePlugin is the owning plugin ID, empty for built-ins.
	SourcePlugin string `json:"source_plugin,omitempty"`

	Implementation capability.Capability `json:"-"`
}

// Validate checks a descriptor for registration.
func (d ToolDescriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if d.Description == "" {
		return fmt.Errorf("tool description cannot be empty for %s", d.Name)
	}
	if d.Implementation == nil {
		return fmt.Errorf("tool implementation cannot be nil for %s", d.Name)
	}
	if !ValidPermissionLevels[d.Permission] {
		return fmt.Errorf("invalid permission level %q for %s", d.Permission, d.Name)
	}
	for name, spec := range d.Args {
		if name == "" {
			return fmt.Errorf("argument name cannot be empty for %s", d.Name)
		}
		if !validFieldTypes[spec.Type] {
			return fmt.Errorf("invalid type %q for argument %s of %s", spec.Type, name, d.Name)
		}
	}
	for name, spec := range d.Result {
		if !validFieldTypes[spec.Type] {
			return fmt.Errorf("invalid type %q for result field %s of %s", spec.Type, name, d.Name)
		}
	}
	return nil
}
