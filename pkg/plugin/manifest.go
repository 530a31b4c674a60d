package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/quelabs/quecore/pkg/capability"
	"github.com/quelabs/quecore/pkg/registry"
)

// pluginIDRegex restricts IDs to lowercase alphanumeric with hyphens.
var pluginIDRegex = regexp.MustCompile(`^[a-z0-9-]+$`)

// ManifestLoader loads and validates plugin manifests.
type ManifestLoader struct {
	logger       zerolog.Logger
	schemaLoader gojsonschema.JSONLoader
}

// NewManifestLoader creates a manifest loader.
func NewManifestLoader(logger zerolog.Logger) *ManifestLoader {
	return &ManifestLoader{
		logger:       logger.With().Str("component", "manifest-loader").Logger(),
		schemaLoader: gojsonschema.NewStringLoader(ManifestSchema),
	}
}

// Load reads, parses, and validates a manifest file.
func (m *ManifestLoader) Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	return m.Parse(data)
}

// Parse validates manifest bytes against the JSON schema, then runs
// field-level checks the schema cannot express.
func (m *ManifestLoader) Parse(data []byte) (*Manifest, error) {
	if err := m.validateSchema(data); err != nil {
		return nil, fmt.Errorf("manifest schema validation failed: %w", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest JSON: %w", err)
	}

	if err := validateManifest(&manifest); err != nil {
		return nil, fmt.Errorf("manifest validation failed: %w", err)
	}

	m.logger.Debug().
		Str("plugin", manifest.PluginID).
		Str("version", manifest.Version).
		Int("capabilities", len(manifest.Capabilities)).
		Msg("Loaded manifest")

	return &manifest, nil
}

func (m *ManifestLoader) validateSchema(data []byte) error {
	result, err := gojsonschema.Validate(m.schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, resErr := range result.Errors() {
		msgs = append(msgs, resErr.String())
	}
	return fmt.Errorf("schema validation errors: %s", strings.Join(msgs, "; "))
}

func validateManifest(manifest *Manifest) error {
	if !pluginIDRegex.MatchString(manifest.PluginID) {
		return fmt.Errorf("invalid plugin ID %q (must be lowercase alphanumeric with hyphens)", manifest.PluginID)
	}

	if _, err := semver.NewVersion(manifest.Version); err != nil {
		return fmt.Errorf("invalid version %q: %w", manifest.Version, err)
	}

	seen := make(map[string]bool, len(manifest.Capabilities))
	for i, decl := range manifest.Capabilities {
		if seen[decl.Name] {
			return fmt.Errorf("capability %d: duplicate name %q within manifest", i, decl.Name)
		}
		seen[decl.Name] = true

		if !registry.ValidPermissionLevels[decl.Permission] {
			return fmt.Errorf("capability %q: unrecognized permission level %q", decl.Name, decl.Permission)
		}
	}

	for i, req := range manifest.Requires {
		if !pluginIDRegex.MatchString(req.PluginID) {
			return fmt.Errorf("requirement %d: invalid plugin ID %q", i, req.PluginID)
		}
		if req.Constraint != "" {
			if _, err := semver.NewConstraint(req.Constraint); err != nil {
				return fmt.Errorf("requirement %d: invalid version constraint %q: %w", i, req.Constraint, err)
			}
		}
	}

	return nil
}

// Descriptors turns the manifest's capability declarations into registry
// descriptors, all tagged with the owning plugin and wired to impl.
func (m *Manifest) Descriptors(impl func(decl CapabilityDecl) capability.Capability) []registry.ToolDescriptor {
	descs := make([]registry.ToolDescriptor, 0, len(m.Capabilities))
	for _, decl := range m.Capabilities {
		descs = append(descs, registry.ToolDescriptor{
			Name:           decl.Name,
			Category:       decl.Category,
			Description:    decl.Description,
			Args:           decl.Args,
			Result:         decl.Result,
			Permission:     decl.Permission,
			SourcePlugin:   m.PluginID,
			Implementation: impl(decl),
		})
	}
	return descs
}
