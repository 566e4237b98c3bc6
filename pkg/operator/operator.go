// Package operator runs a JSON tool-calling loop independent of the
// router. Small models parse strict JSON more reliably than free-form
// action/observation text, so each turn demands exactly one JSON object.
package operator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/RALaBarge/beigebox/pkg/backends"
	"github.com/RALaBarge/beigebox/pkg/jsonx"
	"github.com/RALaBarge/beigebox/pkg/tools"
)

const defaultMaxIterations = 8

// Forwarder is the slice of the dispatcher the operator needs.
type Forwarder interface {
	Forward(ctx context.Context, model string, body map[string]any) *backends.Response
}

// Event is one entry in the operator's progress stream.
type Event struct {
	Type    string  `json:"type"`
	Step    int     `json:"step,omitempty"`
	Thought string  `json:"thought,omitempty"`
	Tool    string  `json:"tool,omitempty"`
	Input   string  `json:"input,omitempty"`
	Output  string  `json:"output,omitempty"`
	Answer  string  `json:"answer,omitempty"`
	Error   string  `json:"error,omitempty"`
	Elapsed float64 `json:"elapsed_s,omitempty"`
}

// Step records one completed tool invocation.
type Step struct {
	Thought string `json:"thought"`
	Tool    string `json:"tool"`
	Input   string `json:"input"`
	Output  string `json:"output"`
}

// Result is the operator's final state.
type Result struct {
	Answer     string  `json:"answer"`
	Steps      []Step  `json:"steps"`
	Iterations int     `json:"iterations"`
	DurationS  float64 `json:"duration_s"`
}

// Operator drives one model through the tool loop.
type Operator struct {
	dispatcher    Forwarder
	registry      *tools.Registry
	model         string
	maxIterations int
}

// New builds an operator bound to a model and a tool registry.
func New(dispatcher Forwarder, registry *tools.Registry, model string, maxIterations int) *Operator {
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}
	return &Operator{
		dispatcher:    dispatcher,
		registry:      registry,
		model:         model,
		maxIterations: maxIterations,
	}
}

// turn is the one JSON shape the model may answer with. Exactly one of
// Tool or Answer is expected to be set.
type turn struct {
	Thought string `json:"thought"`
	Tool    string `json:"tool"`
	Input   string `json:"input"`
	Answer  string `json:"answer"`
}

const correctivePrompt = `Your last reply was not valid JSON. Respond with EXACTLY one JSON object and nothing else:
{"thought": "...", "tool": "<name>", "input": "..."} to use a tool, or
{"thought": "...", "answer": "..."} to finish.`

// Run answers one question, invoking tools as the model requests. emit
// may be nil. Run never returns an error for model misbehavior; the
// best available text becomes the answer.
func (o *Operator) Run(ctx context.Context, question string, emit func(Event)) (*Result, error) {
	if emit == nil {
		emit = func(Event) {}
	}
	start := time.Now()
	emit(Event{Type: "start", Input: question})

	messages := []map[string]any{
		{"role": "system", "content": o.systemPrompt()},
		{"role": "user", "content": question},
	}

	result := &Result{}
	reprompted := false

	for i := 0; i < o.maxIterations; i++ {
		result.Iterations = i + 1

		resp := o.dispatcher.Forward(ctx, o.model, map[string]any{
			"model":       o.model,
			"messages":    messages,
			"temperature": 0.0,
		})
		if !resp.OK {
			err := fmt.Errorf("operator model unavailable: HTTP %d", resp.Status)
			emit(Event{Type: "error", Step: i + 1, Error: err.Error()})
			return result, err
		}

		content := extractContent(resp.Body)
		var t turn
		if !jsonx.Decode(content, &t) {
			if !reprompted {
				reprompted = true
				messages = append(messages,
					map[string]any{"role": "assistant", "content": content},
					map[string]any{"role": "user", "content": correctivePrompt},
				)
				continue
			}
			// Second strike: the raw text is the answer.
			result.Answer = strings.TrimSpace(content)
			result.DurationS = time.Since(start).Seconds()
			emit(Event{Type: "finish", Answer: result.Answer, Elapsed: result.DurationS})
			return result, nil
		}

		if t.Answer != "" || t.Tool == "" {
			result.Answer = t.Answer
			if result.Answer == "" {
				result.Answer = t.Thought
			}
			result.DurationS = time.Since(start).Seconds()
			emit(Event{Type: "finish", Thought: t.Thought, Answer: result.Answer, Elapsed: result.DurationS})
			return result, nil
		}

		messages = append(messages, map[string]any{"role": "assistant", "content": content})
		emit(Event{Type: "dispatch", Step: i + 1, Thought: t.Thought, Tool: t.Tool, Input: t.Input})

		output := o.runTool(ctx, t.Tool, t.Input)
		result.Steps = append(result.Steps, Step{Thought: t.Thought, Tool: t.Tool, Input: t.Input, Output: output})
		emit(Event{Type: "result", Step: i + 1, Tool: t.Tool, Output: output})

		messages = append(messages, map[string]any{"role": "user", "content": output})
	}

	// Iteration cap: the last thought is the best answer we have.
	if result.Answer == "" && len(result.Steps) > 0 {
		result.Answer = result.Steps[len(result.Steps)-1].Output
	}
	result.DurationS = time.Since(start).Seconds()
	emit(Event{Type: "finish", Answer: result.Answer, Elapsed: result.DurationS})
	slog.Warn("Operator hit iteration cap", "iterations", o.maxIterations)
	return result, nil
}

// runTool dispatches by name; unknown tools come back as a user-visible
// error string so the model can recover.
func (o *Operator) runTool(ctx context.Context, name, input string) string {
	if _, ok := o.registry.Get(name); !ok {
		return fmt.Sprintf("Error: unknown tool '%s'. Available: %s",
			name, strings.Join(o.registry.Names(), ", "))
	}
	return o.registry.RunSafe(ctx, name, input)
}

func (o *Operator) systemPrompt() string {
	return fmt.Sprintf(`You solve tasks step by step using tools.
Available tools: %s
Each turn respond with EXACTLY one JSON object, no prose, no markdown:
{"thought": "...", "tool": "<name>", "input": "..."} to use a tool, or
{"thought": "...", "answer": "..."} when done.`,
		strings.Join(o.registry.Names(), ", "))
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
