package plugin

import (
	"context"
	"errors"
	"net/rpc"

	goplugin "github.com/hashicorp/go-plugin"
)

// Handshake is used to verify that the plugin and host are compatible.
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "QUECORE_PLUGIN",
	MagicCookieValue: "quecore-plugin-host-v1",
}

// PluginMap is the map of plugins the host can dispense.
var PluginMap = map[string]goplugin.Plugin{
	"capabilities": &ProviderRPCPlugin{},
}

// Provider is the contract a plugin binary implements. Activate runs once
// after the process starts, InvokeCapability dispatches one call by name,
// and Deactivate runs before the host kills the process.
type Provider interface {
	Activate(ctx context.Context, config map[string]any) error
	InvokeCapability(ctx context.Context, name string, args map[string]any) (map[string]any, error)
	Deactivate(ctx context.Context) error
}

// ProviderRPCPlugin is the go-plugin adapter for Provider.
type ProviderRPCPlugin struct {
	Impl Provider
}

func (p *ProviderRPCPlugin) Server(*goplugin.MuxBroker) (interface{}, error) {
	return &ProviderRPCServer{Impl: p.Impl}, nil
}

func (p *ProviderRPCPlugin) Client(b *goplugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &ProviderRPCClient{client: c}, nil
}

// ProviderRPCServer runs inside the plugin process.
type ProviderRPCServer struct {
	Impl Provider
}

// ActivateArgs are the arguments for the Activate RPC call.
type ActivateArgs struct {
	Config map[string]any
}

func (s *ProviderRPCServer) Activate(args *ActivateArgs, resp *string) error {
	if err := s.Impl.Activate(context.Background(), args.Config); err != nil {
		*resp = err.Error()
	}
	return nil
}

func (s *ProviderRPCServer) Deactivate(args interface{}, resp *string) error {
	if err := s.Impl.Deactivate(context.Background()); err != nil {
		*resp = err.Error()
	}
	return nil
}

// InvokeArgs are the arguments for the InvokeCapability RPC call.
type InvokeArgs struct {
	Name string
	Args map[string]any
}

// InvokeResp is the response for the InvokeCapability RPC call. Errors
// cross the wire as strings since error values do not gob-encode reliably.
type InvokeResp struct {
	Result map[string]any
	Err    string
}

func (s *ProviderRPCServer) InvokeCapability(args *InvokeArgs, resp *InvokeResp) error {
	result, err := s.Impl.InvokeCapability(context.Background(), args.Name, args.Args)
	resp.Result = result
	if err != nil {
		resp.Err = err.Error()
	}
	return nil
}

// ProviderRPCClient runs inside the host and talks to ProviderRPCServer.
type ProviderRPCClient struct {
	client *rpc.Client
}

func (c *ProviderRPCClient) Activate(ctx context.Context, config map[string]any) error {
	var resp string
	if err := c.client.Call("Plugin.Activate", &ActivateArgs{Config: config}, &resp); err != nil {
		return err
	}
	if resp != "" {
		return errors.New(resp)
	}
	return nil
}

func (c *ProviderRPCClient) Deactivate(ctx context.Context) error {
	var resp string
	if err := c.client.Call("Plugin.Deactivate", new(interface{}), &resp); err != nil {
		return err
	}
	if resp != "" {
		return errors.New(resp)
	}
	return nil
}

func (c *ProviderRPCClient) InvokeCapability(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	var resp InvokeResp
	if err := c.client.Call("Plugin.InvokeCapability", &InvokeArgs{Name: name, Args: args}, &resp); err != nil {
		return nil, err
	}
	if resp.Err != "" {
		return nil, errors.New(resp.Err)
	}
	return resp.Result, nil
}

// Serve is the entry point for plugin binaries. It blocks until the host
// disconnects.
func Serve(impl Provider) {
	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]goplugin.Plugin{
			"capabilities": &ProviderRPCPlugin{Impl: impl},
		},
	})
}
