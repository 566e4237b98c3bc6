package routing

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/RALaBarge/beigebox/pkg/backends"
	"github.com/RALaBarge/beigebox/pkg/jsonx"
)

// Forwarder is the slice of the dispatcher the arbitrator needs.
type Forwarder interface {
	Forward(ctx context.Context, model string, body map[string]any) *backends.Response
}

// Arbitrator asks a small fast model to route borderline requests.
type Arbitrator struct {
	dispatcher Forwarder
	model      string
	timeout    time.Duration
}

// NewArbitrator wires the arbitrator to its driver model.
func NewArbitrator(dispatcher Forwarder, model string, timeoutSeconds int) *Arbitrator {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 15
	}
	return &Arbitrator{
		dispatcher: dispatcher,
		model:      model,
		timeout:    time.Duration(timeoutSeconds) * time.Second,
	}
}

type arbitratorVerdict struct {
	Model       string   `json:"model"`
	NeedsSearch bool     `json:"needs_search"`
	NeedsRAG    bool     `json:"needs_rag"`
	Tools       []string `json:"tools"`
	Reasoning   string   `json:"reasoning"`
}

// Decide returns the arbitrator's routing verdict, or a fallback
// decision that leaves the model unchanged on any failure.
func (a *Arbitrator) Decide(ctx context.Context, userMessage string, routes map[string]string, toolNames []string) *Decision {
	fallback := &Decision{Stage: StageArbitrator, Fallback: true, Reason: "arbitrator unavailable"}
	if a == nil || a.model == "" {
		return fallback
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp := a.dispatcher.Forward(ctx, a.model, map[string]any{
		"model": a.model,
		"messages": []map[string]any{
			{"role": "system", "content": a.systemPrompt(routes, toolNames)},
			{"role": "user", "content": userMessage},
		},
		"temperature": 0.0,
	})
	if !resp.OK {
		fallback.Reason = "arbitrator backend error"
		return fallback
	}

	content := extractContent(resp.Body)
	var verdict arbitratorVerdict
	if !jsonx.Decode(content, &verdict) {
		fallback.Reason = "arbitrator returned unparseable JSON"
		return fallback
	}

	d := &Decision{
		Stage:       StageArbitrator,
		NeedsSearch: verdict.NeedsSearch,
		NeedsRecall: verdict.NeedsRAG,
		Tools:       intersect(verdict.Tools, toolNames),
		Reason:      verdict.Reasoning,
	}

	// A known route name resolves to its model. An unknown name with a
	// colon or slash is a literal model string; anything else means the
	// default applies (Model left empty).
	if model, ok := routes[verdict.Model]; ok {
		d.Route = verdict.Model
		d.Model = model
	} else if strings.Contains(verdict.Model, ":") || strings.Contains(verdict.Model, "/") {
		d.Model = verdict.Model
	}
	return d
}

func (a *Arbitrator) systemPrompt(routes map[string]string, toolNames []string) string {
	names := make([]string, 0, len(routes))
	for name := range routes {
		names = append(names, name)
	}
	return fmt.Sprintf(`You are a request router. Pick the cheapest competent route for the user message.
Routes: %s
Tools: %s
Respond with ONE JSON object, no prose, no markdown:
{"model": "<route>", "needs_search": bool, "needs_rag": bool, "tools": [], "reasoning": "<short>"}`,
		strings.Join(sortedCopy(names), ", "), strings.Join(toolNames, ", "))
}

// extractContent digs the assistant text out of a chat-completion body.
func extractContent(body map[string]any) string {
	choices, ok := body["choices"].([]any)
	if !ok || len(choices) == 0 {
		return ""
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return ""
	}
	message, ok := choice["message"].(map[string]any)
	if !ok {
		return ""
	}
	content, _ := message["content"].(string)
	return content
}

func intersect(want, have []string) []string {
	haveSet := make(map[string]bool, len(have))
	for _, h := range have {
		haveSet[h] = true
	}
	var out []string
	for _, w := range want {
		if haveSet[w] {
			out = append(out, w)
		}
	}
	return out
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
