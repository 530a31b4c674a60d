package plugin

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"
	"github.com/rs/zerolog"
)

// Process is a running plugin instance as seen by the manager. Kill must be
// safe to call at any point after Launch returns, including after a failed
// Activate.
type Process interface {
	Activate(ctx context.Context, config map[string]any) error
	InvokeCapability(ctx context.Context, name string, args map[string]any) (map[string]any, error)
	Deactivate(ctx context.Context) error
	Kill()
}

// Launcher starts plugin processes. The manager depends on this interface
// so tests can substitute in-process fakes for real subprocesses.
type Launcher interface {
	Launch(ctx context.Context, binaryPath string) (Process, error)
}

// SubprocessLauncher launches plugin binaries over net/rpc via go-plugin.
type SubprocessLauncher struct {
	logger zerolog.Logger
}

// NewSubprocessLauncher returns the production launcher.
func NewSubprocessLauncher(logger zerolog.Logger) *SubprocessLauncher {
	return &SubprocessLauncher{logger: logger.With().Str("component", "plugin-launcher").Logger()}
}

func (l *SubprocessLauncher) Launch(ctx context.Context, binaryPath string) (Process, error) {
	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          PluginMap,
		Cmd:              exec.Command(binaryPath),
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolNetRPC},
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:   "plugin",
			Level:  hclog.Warn,
			Output: l.logger,
		}),
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to connect to plugin: %w", err)
	}

	raw, err := rpcClient.Dispense("capabilities")
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to dispense plugin: %w", err)
	}

	provider, ok := raw.(*ProviderRPCClient)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("unexpected plugin client type %T", raw)
	}

	return &subprocess{client: client, provider: provider}, nil
}

type subprocess struct {
	client   *goplugin.Client
	provider *ProviderRPCClient
}

func (p *subprocess) Activate(ctx context.Context, config map[string]any) error {
	return p.provider.Activate(ctx, config)
}

func (p *subprocess) InvokeCapability(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	return p.provider.InvokeCapability(ctx, name, args)
}

func (p *subprocess) Deactivate(ctx context.Context) error {
	return p.provider.Deactivate(ctx)
}

func (p *subprocess) Kill() {
	p.client.Kill()
}
