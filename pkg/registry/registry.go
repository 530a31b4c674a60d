// Package registry holds the immutable descriptors for every known
// capability and validates invocation arguments against their schemas.
//
// Invariants:
// - Tool names are globally unique across built-ins and all loaded plugins.
// - All mutations for one plugin are transactional: either every descriptor
//   is applied or none are.
// - Readers observe completed mutations immediately; the read path never
//   blocks longer than one mutation takes.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

var (
	// ErrDuplicateName is returned when registering a name that exists.
	ErrDuplicateName = errors.New("tool name already registered")
	// ErrNotFound is returned when resolving or unregistering an unknown name.
	ErrNotFound = errors.New("tool not found")
)

type entry struct {
	desc   ToolDescriptor
	schema *gojsonschema.Schema
}

// Registry is the runtime's single name->descriptor map. It is the one
// structure mutated by the plugin manager and read by every invocation path,
// so mutations hold the write lock and everything else reads.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  zerolog.Logger
}

// New creates an empty registry.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		logger:  logger.With().Str("component", "registry").Logger(),
	}
}

// Register adds a single descriptor. Fails with ErrDuplicateName if the
// name is taken; replacing requires an explicit Unregister first.
func (r *Registry) Register(desc ToolDescriptor) error {
	ent, err := r.prepare(desc)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[desc.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateName, desc.Name)
	}
	r.entries[desc.Name] = ent

	r.logger.Info().
		Str("tool", desc.Name).
		Str("permission", string(desc.Permission)).
		Str("plugin", desc.SourcePlugin).
		Msg("Tool registered")
	return nil
}

// RegisterBatch registers all descriptors or none of them. Any duplicate
// name, against existing entries or within the batch, rejects the whole
// batch. This is the transaction the plugin manager relies on for
// all-or-nothing loads.
func (r *Registry) RegisterBatch(descs []ToolDescriptor) error {
	prepared := make([]*entry, 0, len(descs))
	for _, desc := range descs {
		ent, err := r.prepare(desc)
		if err != nil {
			return err
		}
		prepared = append(prepared, ent)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(descs))
	for _, ent := range prepared {
		name := ent.desc.Name
		if _, exists := r.entries[name]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateName, name)
		}
		if seen[name] {
			return fmt.Errorf("%w: %s (duplicated within batch)", ErrDuplicateName, name)
		}
		seen[name] = true
	}

	for _, ent := range prepared {
		r.entries[ent.desc.Name] = ent
		r.logger.Info().
			Str("tool", ent.desc.Name).
			Str("plugin", ent.desc.SourcePlugin).
			Msg("Tool registered")
	}
	return nil
}

// Unregister removes a descriptor by name. Fails with ErrNotFound if the
// name is absent.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(r.entries, name)

	r.logger.Info().Str("tool", name).Msg("Tool unregistered")
	return nil
}

// UnregisterPlugin removes every descriptor owned by the plugin in one
// atomic step and returns the removed names. There is no window where some
// but not all of a plugin's tools are gone.
func (r *Registry) UnregisterPlugin(pluginID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for name, ent := range r.entries {
		if ent.desc.SourcePlugin == pluginID {
			delete(r.entries, name)
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)

	if len(removed) > 0 {
		r.logger.Info().Str("plugin", pluginID).Strs("tools", removed).Msg("Plugin tools unregistered")
	}
	return removed
}

// Resolve returns the descriptor for a name, or ErrNotFound.
func (r *Registry) Resolve(name string) (ToolDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ent, exists := r.entries[name]
	if !exists {
		return ToolDescriptor{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return ent.desc, nil
}

// ListTools returns all registered descriptors sorted by name.
func (r *Registry) ListTools() []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descs := make([]ToolDescriptor, 0, len(r.entries))
	for _, ent := range r.entries {
		descs = append(descs, ent.desc)
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })
	return descs
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// ValidateArgs validates and normalizes an argument set against the
// descriptor's schema. On failure it returns a SchemaViolationError listing
// every failing field.
func (r *Registry) ValidateArgs(desc ToolDescriptor, args map[string]any) (map[string]any, error) {
	r.mu.RLock()
	ent, exists := r.entries[desc.Name]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, desc.Name)
	}

	if err := validateAgainstSchema(desc.Name, ent.schema, args); err != nil {
		return nil, err
	}
	return normalizeArgs(desc.Name, ent.desc.Args, args)
}

// prepare validates a descriptor and compiles its argument schema outside
// any lock.
func (r *Registry) prepare(desc ToolDescriptor) (*entry, error) {
	if err := desc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tool descriptor: %w", err)
	}
	schema, err := compileSchema(desc.Args)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema for %s: %w", desc.Name, err)
	}
	return &entry{desc: desc, schema: schema}, nil
}
