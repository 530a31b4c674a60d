// Package coretools registers the built-in capabilities that ship with the
// runtime. They are deliberately small: enough to exercise the invocation
// path end to end and give drivers something to call before any plugin is
// installed.
package coretools

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/quelabs/quecore/pkg/capability"
	"github.com/quelabs/quecore/pkg/registry"
)

// InfoProvider supplies the live numbers core.runtime_info reports.
type InfoProvider func() map[string]any

// Options configures built-in registration.
type Options struct {
	// Info feeds core.runtime_info. Nil leaves static fields only.
	Info InfoProvider
}

// Register installs the built-in capabilities into the registry.
func Register(reg *registry.Registry, opts Options) error {
	if reg == nil {
		return errors.New("registry is required")
	}
	tools := []registry.ToolDescriptor{
		echoTool(),
		sleepTool(),
		runtimeInfoTool(opts),
	}
	for _, tool := range tools {
		if err := reg.Register(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}
	return nil
}

func echoTool() registry.ToolDescriptor {
	return registry.ToolDescriptor{
		Name:        "core.echo",
		Category:    "core",
		Description: "Return the given message unchanged.",
		Permission:  registry.PermissionPublic,
		Args: map[string]registry.FieldSpec{
			"message": {Type: "string", Description: "Text to echo back", Required: true},
			"repeat":  {Type: "integer", Description: "Times to repeat the message", Default: float64(1), Minimum: ptr(1.0), Maximum: ptr(10.0)},
		},
		Result: map[string]registry.FieldSpec{
			"message": {Type: "string"},
		},
		Implementation: capability.Func(func(ctx context.Context, args map[string]any) (map[string]any, error) {
			message, _ := args["message"].(string)
			repeat, _ := args["repeat"].(int64)
			if repeat <= 0 {
				repeat = 1
			}
			out := ""
			for i := int64(0); i < repeat; i++ {
				out += message
			}
			return map[string]any{"message": out}, nil
		}),
	}
}

func sleepTool() registry.ToolDescriptor {
	return registry.ToolDescriptor{
		Name:        "core.sleep",
		Category:    "core",
		Description: "Sleep for the given number of milliseconds, honoring cancellation.",
		Permission:  registry.PermissionPublic,
		Args: map[string]registry.FieldSpec{
			"duration_ms": {Type: "integer", Description: "How long to sleep", Required: true, Minimum: ptr(0.0)},
		},
		Result: map[string]registry.FieldSpec{
			"slept_ms": {Type: "integer"},
		},
		Implementation: capability.Func(func(ctx context.Context, args map[string]any) (map[string]any, error) {
			ms, _ := args["duration_ms"].(int64)
			started := time.Now()
			timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
			defer timer.Stop()
			select {
			case <-timer.C:
				return map[string]any{"slept_ms": ms}, nil
			case <-ctx.Done():
				return map[string]any{"slept_ms": time.Since(started).Milliseconds()}, ctx.Err()
			}
		}),
	}
}

func runtimeInfoTool(opts Options) registry.ToolDescriptor {
	return registry.ToolDescriptor{
		Name:        "core.runtime_info",
		Category:    "core",
		Description: "Report runtime health: versions, workers, tool and plugin counts.",
		Permission:  registry.PermissionSensitive,
		Implementation: capability.Func(func(ctx context.Context, args map[string]any) (map[string]any, error) {
			info := map[string]any{
				"go_version": runtime.Version(),
				"num_cpu":    int64(runtime.NumCPU()),
				"goroutines": int64(runtime.NumGoroutine()),
			}
			if opts.Info != nil {
				for k, v := range opts.Info() {
					info[k] = v
				}
			}
			return info, nil
		}),
	}
}

func ptr(f float64) *float64 { return &f }
