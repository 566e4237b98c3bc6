// Package hooks runs user-supplied transform stages before a request is
// routed and after a response arrives. Hooks execute serially in
// registered order; a failing hook is skipped, never aborting the
// pipeline.
package hooks

import (
	"log/slog"

	"github.com/RALaBarge/beigebox/pkg/config"
	"github.com/RALaBarge/beigebox/pkg/vector"
)

// Body markers hooks may set.
const (
	// KeyBlock short-circuits the pipeline with a refusal.
	KeyBlock = "_block"
	// KeyBlockMessage carries the refusal text shown to the client.
	KeyBlockMessage = "_block_message"
	// KeySynthetic suppresses persistence of the exchange.
	KeySynthetic = "_synthetic"
)

// Context is what a hook can see of the request.
type Context struct {
	ConversationID string
	Model          string
	UserMessage    string
	// Decision is the router's current decision, nil before routing.
	Decision any
	Config   *config.Config
	Index    *vector.Index
}

// Hook transforms the request body and/or the response body. Either
// method may return nil to leave its input unchanged. Errors are logged
// and the hook is skipped for that request.
type Hook interface {
	Name() string
	PreRequest(body map[string]any, hctx *Context) (map[string]any, error)
	PostResponse(body map[string]any, resp map[string]any, hctx *Context) (map[string]any, error)
}

// InertHook embeds no-op behavior for hooks that only implement one side.
type InertHook struct{}

func (InertHook) PreRequest(map[string]any, *Context) (map[string]any, error) {
	return nil, nil
}

func (InertHook) PostResponse(map[string]any, map[string]any, *Context) (map[string]any, error) {
	return nil, nil
}

// Pipeline is the ordered hook list.
type Pipeline struct {
	hooks []Hook
}

// NewPipeline builds an empty pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{}
}

// Register appends a hook. Order of registration is execution order.
func (p *Pipeline) Register(h Hook) {
	p.hooks = append(p.hooks, h)
	slog.Debug("Registered hook", "hook", h.Name())
}

// Names lists registered hooks in order.
func (p *Pipeline) Names() []string {
	out := make([]string, len(p.hooks))
	for i, h := range p.hooks {
		out[i] = h.Name()
	}
	return out
}

// PreRequest runs every hook's request side. A hook setting _block stops
// the chain; remaining hooks do not run on a blocked body.
func (p *Pipeline) PreRequest(body map[string]any, hctx *Context) map[string]any {
	for _, h := range p.hooks {
		body = p.runPre(h, body, hctx)
		if blocked, _ := body[KeyBlock].(bool); blocked {
			break
		}
	}
	return body
}

// PostResponse runs every hook's response side.
func (p *Pipeline) PostResponse(body map[string]any, resp map[string]any, hctx *Context) map[string]any {
	for _, h := range p.hooks {
		resp = p.runPost(h, body, resp, hctx)
	}
	return resp
}

func (p *Pipeline) runPre(h Hook, body map[string]any, hctx *Context) map[string]any {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Hook panicked in pre-request, skipping", "hook", h.Name(), "panic", r)
		}
	}()
	out, err := h.PreRequest(body, hctx)
	if err != nil {
		slog.Warn("Hook failed in pre-request, skipping", "hook", h.Name(), "error", err)
		return body
	}
	if out == nil {
		return body
	}
	return out
}

func (p *Pipeline) runPost(h Hook, body, resp map[string]any, hctx *Context) map[string]any {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Hook panicked in post-response, skipping", "hook", h.Name(), "panic", r)
		}
	}()
	out, err := h.PostResponse(body, resp, hctx)
	if err != nil {
		slog.Warn("Hook failed in post-response, skipping", "hook", h.Name(), "error", err)
		return resp
	}
	if out == nil {
		return resp
	}
	return out
}

// Blocked reports whether a body carries the block marker, with its
// refusal message.
func Blocked(body map[string]any) (bool, string) {
	blocked, _ := body[KeyBlock].(bool)
	if !blocked {
		return false, ""
	}
	msg, _ := body[KeyBlockMessage].(string)
	if msg == "" {
		msg = "Request blocked by policy."
	}
	return true, msg
}

// Synthetic reports whether a body is marked synthetic.
func Synthetic(body map[string]any) bool {
	s, _ := body[KeySynthetic].(bool)
	return s
}
