package tools

import (
	"context"
	"log/slog"
	"net/rpc"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"
	"gopkg.in/yaml.v3"
)

// Handshake guards against launching arbitrary executables as tools.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "BEIGEBOX_TOOL",
	MagicCookieValue: "9d41e6a2",
}

// RemoteTool is the contract a tool plugin implements.
type RemoteTool interface {
	Describe() (name, description string, err error)
	Run(input string) (string, error)
}

// Manifest sits next to each plugin executable as <name>.plugin.yaml.
// ToolName overrides the registry name the plugin registers under.
type Manifest struct {
	Name     string `yaml:"name"`
	Enabled  *bool  `yaml:"enabled,omitempty"`
	ToolName string `yaml:"tool_name,omitempty"`
}

func (m Manifest) enabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// ToolPlugin implements plugin.Plugin over net/rpc.
type ToolPlugin struct {
	Impl RemoteTool
}

func (p *ToolPlugin) Server(*plugin.MuxBroker) (any, error) {
	return &toolRPCServer{impl: p.Impl}, nil
}

func (p *ToolPlugin) Client(_ *plugin.MuxBroker, c *rpc.Client) (any, error) {
	return &toolRPCClient{client: c}, nil
}

type describeReply struct {
	Name        string
	Description string
}

type runArgs struct {
	Input string
}

type runReply struct {
	Output string
}

type toolRPCServer struct {
	impl RemoteTool
}

func (s *toolRPCServer) Describe(_ struct{}, reply *describeReply) error {
	name, desc, err := s.impl.Describe()
	reply.Name = name
	reply.Description = desc
	return err
}

func (s *toolRPCServer) Run(args runArgs, reply *runReply) error {
	out, err := s.impl.Run(args.Input)
	reply.Output = out
	return err
}

type toolRPCClient struct {
	client *rpc.Client
}

func (c *toolRPCClient) Describe() (string, string, error) {
	var reply describeReply
	err := c.client.Call("Plugin.Describe", struct{}{}, &reply)
	return reply.Name, reply.Description, err
}

func (c *toolRPCClient) Run(input string) (string, error) {
	var reply runReply
	err := c.client.Call("Plugin.Run", runArgs{Input: input}, &reply)
	return reply.Output, err
}

// pluginTool adapts a RemoteTool into the Tool interface.
type pluginTool struct {
	name        string
	description string
	remote      RemoteTool
}

func (t *pluginTool) Name() string        { return t.name }
func (t *pluginTool) Description() string { return t.description }

func (t *pluginTool) Run(ctx context.Context, input string) (string, error) {
	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := t.remote.Run(input)
		done <- result{out, err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-done:
		return r.out, r.err
	}
}

// PluginManager owns the tool plugin subprocesses.
type PluginManager struct {
	clients []*plugin.Client
}

// Close kills every plugin subprocess.
func (m *PluginManager) Close() {
	for _, c := range m.clients {
		c.Kill()
	}
}

// LoadDir discovers tool plugins and registers them. Broken plugins are
// skipped with a log line; discovery never fails the startup.
func LoadDir(dir string, registry *Registry) (*PluginManager, error) {
	mgr := &PluginManager{}
	if dir == "" {
		return mgr, nil
	}

	manifests, err := filepath.Glob(filepath.Join(dir, "*.plugin.yaml"))
	if err != nil {
		return mgr, err
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "beigebox-tool",
		Level: hclog.Warn,
	})

	for _, manifestPath := range manifests {
		raw, err := os.ReadFile(manifestPath)
		if err != nil {
			slog.Warn("Skipping tool plugin, unreadable manifest", "path", manifestPath, "error", err)
			continue
		}
		var manifest Manifest
		if err := yaml.Unmarshal(raw, &manifest); err != nil {
			slog.Warn("Skipping tool plugin, bad manifest", "path", manifestPath, "error", err)
			continue
		}
		if manifest.Name == "" {
			manifest.Name = strings.TrimSuffix(filepath.Base(manifestPath), ".plugin.yaml")
		}
		if !manifest.enabled() {
			slog.Debug("Tool plugin disabled", "plugin", manifest.Name)
			continue
		}

		binPath := strings.TrimSuffix(manifestPath, ".plugin.yaml")
		if _, err := os.Stat(binPath); err != nil {
			slog.Warn("Skipping tool plugin, executable missing", "plugin", manifest.Name, "path", binPath)
			continue
		}

		client := plugin.NewClient(&plugin.ClientConfig{
			HandshakeConfig: Handshake,
			Plugins:         map[string]plugin.Plugin{"tool": &ToolPlugin{}},
			Cmd:             exec.Command(binPath),
			Logger:          logger,
		})

		rpcClient, err := client.Client()
		if err != nil {
			client.Kill()
			slog.Warn("Skipping tool plugin, failed to start", "plugin", manifest.Name, "error", err)
			continue
		}
		dispensed, err := rpcClient.Dispense("tool")
		if err != nil {
			client.Kill()
			slog.Warn("Skipping tool plugin, failed to dispense", "plugin", manifest.Name, "error", err)
			continue
		}
		remote, ok := dispensed.(RemoteTool)
		if !ok {
			client.Kill()
			slog.Warn("Skipping tool plugin, wrong interface", "plugin", manifest.Name)
			continue
		}

		name, description, err := remote.Describe()
		if err != nil {
			client.Kill()
			slog.Warn("Skipping tool plugin, describe failed", "plugin", manifest.Name, "error", err)
			continue
		}
		if manifest.ToolName != "" {
			name = manifest.ToolName
		}
		if name == "" {
			name = manifest.Name
		}

		mgr.clients = append(mgr.clients, client)
		registry.RegisterAs(name, &pluginTool{name: name, description: description, remote: remote})
		slog.Info("Loaded tool plugin", "plugin", manifest.Name, "tool", name)
	}
	return mgr, nil
}

// Serve is the entry point a tool plugin executable calls from main.
func Serve(impl RemoteTool) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins:         map[string]plugin.Plugin{"tool": &ToolPlugin{Impl: impl}},
	})
}

var _ Tool = (*pluginTool)(nil)
