// Package capability defines the contract between the runtime and leaf tools.
//
// A capability is a named unit of host-touching work. The runtime never
// inspects what a capability does; it only dispatches normalized arguments
// and expects the capability to honor cancellation promptly.
package capability

import "context"

// Capability is implemented by every leaf tool, built-in or plugin-provided.
// Invoke receives arguments already validated and normalized by the registry.
// The context carries the invocation deadline; implementations must return
// promptly once it is cancelled.
type Capability interface {
	Invoke(ctx context.Context, args map[string]any) (map[string]any, error)
}

// Func adapts a plain function to the Capability interface.
type Func func(ctx context.Context, args map[string]any) (map[string]any, error)

// Invoke implements Capability.
func (f Func) Invoke(ctx context.Context, args map[string]any) (map[string]any, error) {
	return f(ctx, args)
}
