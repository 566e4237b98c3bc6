package hooks

import (
	"encoding/json"
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

// Handshake guards against launching arbitrary executables as hooks.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "BEIGEBOX_HOOK",
	MagicCookieValue: "cc7ab1f0",
}

// WireContext is the request context carried across the plugin boundary.
type WireContext struct {
	ConversationID string
	Model          string
	UserMessage    string
}

// RemoteHook is the contract a hook plugin implements. Bodies cross the
// boundary as JSON strings; an empty result means unchanged.
type RemoteHook interface {
	Name() (string, error)
	PreRequest(bodyJSON string, ctx WireContext) (string, error)
	PostResponse(bodyJSON, respJSON string, ctx WireContext) (string, error)
}

// Manifest sits next to each plugin executable as <name>.plugin.yaml.
type Manifest struct {
	Name    string `yaml:"name"`
	Enabled *bool  `yaml:"enabled,omitempty"`
}

func (m Manifest) enabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// HookPlugin implements plugin.Plugin over net/rpc.
type HookPlugin struct {
	Impl RemoteHook
}

func (p *HookPlugin) Server(*plugin.MuxBroker) (any, error) {
	return &hookRPCServer{impl: p.Impl}, nil
}

func (p *HookPlugin) Client(_ *plugin.MuxBroker, c *rpc.Client) (any, error) {
	return &hookRPCClient{client: c}, nil
}

type hookArgs struct {
	BodyJSON string
	RespJSON string
	Ctx      WireContext
}

type hookReply struct {
	ResultJSON string
	Name       string
}

type hookRPCServer struct {
	impl RemoteHook
}

func (s *hookRPCServer) Name(_ struct{}, reply *hookReply) error {
	name, err := s.impl.Name()
	reply.Name = name
	return err
}

func (s *hookRPCServer) PreRequest(args hookArgs, reply *hookReply) error {
	out, err := s.impl.PreRequest(args.BodyJSON, args.Ctx)
	reply.ResultJSON = out
	return err
}

func (s *hookRPCServer) PostResponse(args hookArgs, reply *hookReply) error {
	out, err := s.impl.PostResponse(args.BodyJSON, args.RespJSON, args.Ctx)
	reply.ResultJSON = out
	return err
}

type hookRPCClient struct {
	client *rpc.Client
}

func (c *hookRPCClient) Name() (string, error) {
	var reply hookReply
	err := c.client.Call("Plugin.Name", struct{}{}, &reply)
	return reply.Name, err
}

func (c *hookRPCClient) PreRequest(bodyJSON string, ctx WireContext) (string, error) {
	var reply hookReply
	err := c.client.Call("Plugin.PreRequest", hookArgs{BodyJSON: bodyJSON, Ctx: ctx}, &reply)
	return reply.ResultJSON, err
}

func (c *hookRPCClient) PostResponse(bodyJSON, respJSON string, ctx WireContext) (string, error) {
	var reply hookReply
	err := c.client.Call("Plugin.PostResponse", hookArgs{BodyJSON: bodyJSON, RespJSON: respJSON, Ctx: ctx}, &reply)
	return reply.ResultJSON, err
}

// pluginHook adapts a RemoteHook into the Hook interface.
type pluginHook struct {
	name   string
	remote RemoteHook
}

func (h *pluginHook) Name() string {
	return h.name
}

func (h *pluginHook) PreRequest(body map[string]any, hctx *Context) (map[string]any, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	out, err := h.remote.PreRequest(string(raw), wireCtx(hctx))
	if err != nil {
		return nil, err
	}
	return decodeResult(out)
}

func (h *pluginHook) PostResponse(body map[string]any, resp map[string]any, hctx *Context) (map[string]any, error) {
	rawBody, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	rawResp, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	out, err := h.remote.PostResponse(string(rawBody), string(rawResp), wireCtx(hctx))
	if err != nil {
		return nil, err
	}
	return decodeResult(out)
}

func wireCtx(hctx *Context) WireContext {
	if hctx == nil {
		return WireContext{}
	}
	return WireContext{
		ConversationID: hctx.ConversationID,
		Model:          hctx.Model,
		UserMessage:    hctx.UserMessage,
	}
}

// decodeResult treats empty or malformed plugin output as "unchanged".
func decodeResult(out string) (map[string]any, error) {
	if out == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(out), &m); err != nil {
		return nil, nil
	}
	return m, nil
}

// PluginManager owns the plugin subprocesses.
type PluginManager struct {
	clients []*plugin.Client
}

// Close kills every plugin subprocess.
func (m *PluginManager) Close() {
	for _, c := range m.clients {
		c.Kill()
	}
}

// LoadDir discovers hook plugins: every <name>.plugin.yaml manifest with
// an adjacent executable <name>. Broken plugins are skipped with a log
// line.
func LoadDir(dir string) ([]Hook, *PluginManager, error) {
	mgr := &PluginManager{}
	if dir == "" {
		return nil, mgr, nil
	}

	manifests, err := filepath.Glob(filepath.Join(dir, "*.plugin.yaml"))
	if err != nil {
		return nil, mgr, err
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "beigebox-hook",
		Level: hclog.Warn,
	})

	var out []Hook
	for _, manifestPath := range manifests {
		raw, err := os.ReadFile(manifestPath)
		if err != nil {
			slog.Warn("Skipping hook plugin, unreadable manifest", "path", manifestPath, "error", err)
			continue
		}
		var manifest Manifest
		if err := yaml.Unmarshal(raw, &manifest); err != nil {
			slog.Warn("Skipping hook plugin, bad manifest", "path", manifestPath, "error", err)
			continue
		}
		if manifest.Name == "" {
			manifest.Name = strings.TrimSuffix(filepath.Base(manifestPath), ".plugin.yaml")
		}
		if !manifest.enabled() {
			slog.Debug("Hook plugin disabled", "hook", manifest.Name)
			continue
		}

		binPath := strings.TrimSuffix(manifestPath, ".plugin.yaml")
		if _, err := os.Stat(binPath); err != nil {
			slog.Warn("Skipping hook plugin, executable missing", "hook", manifest.Name, "path", binPath)
			continue
		}

		client := plugin.NewClient(&plugin.ClientConfig{
			HandshakeConfig: Handshake,
			Plugins:         map[string]plugin.Plugin{"hook": &HookPlugin{}},
			Cmd:             exec.Command(binPath),
			Logger:          logger,
		})

		rpcClient, err := client.Client()
		if err != nil {
			client.Kill()
			slog.Warn("Skipping hook plugin, failed to start", "hook", manifest.Name, "error", err)
			continue
		}
		dispensed, err := rpcClient.Dispense("hook")
		if err != nil {
			client.Kill()
			slog.Warn("Skipping hook plugin, failed to dispense", "hook", manifest.Name, "error", err)
			continue
		}
		remote, ok := dispensed.(RemoteHook)
		if !ok {
			client.Kill()
			slog.Warn("Skipping hook plugin, wrong interface", "hook", manifest.Name)
			continue
		}

		mgr.clients = append(mgr.clients, client)
		out = append(out, &pluginHook{name: manifest.Name, remote: remote})
		slog.Info("Loaded hook plugin", "hook", manifest.Name)
	}
	return out, mgr, nil
}

// Serve is the entry point a hook plugin executable calls from main.
func Serve(impl RemoteHook) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins:         map[string]plugin.Plugin{"hook": &HookPlugin{Impl: impl}},
	})
}
