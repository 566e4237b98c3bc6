// Package ensemble dispatches one prompt to several models in parallel
// and lets a judge model pick the winner.
package ensemble

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/RALaBarge/beigebox/pkg/backends"
	"github.com/RALaBarge/beigebox/pkg/jsonx"
)

// Forwarder is the slice of the dispatcher the ensemble needs.
type Forwarder interface {
	Forward(ctx context.Context, model string, body map[string]any) *backends.Response
}

// Event is one entry in the ensemble's progress stream.
type Event struct {
	Type      string  `json:"type"`
	Model     string  `json:"model,omitempty"`
	Content   string  `json:"content,omitempty"`
	Error     string  `json:"error,omitempty"`
	LatencyMS int64   `json:"latency_ms,omitempty"`
	Elapsed   float64 `json:"elapsed_s,omitempty"`
}

// Candidate is one model's answer.
type Candidate struct {
	Model     string `json:"model"`
	Content   string `json:"content"`
	LatencyMS int64  `json:"latency_ms"`
	Err       string `json:"error,omitempty"`
}

// Result is the judged outcome.
type Result struct {
	Winner     string      `json:"winner"`
	Answer     string      `json:"answer"`
	Reasoning  string      `json:"reasoning"`
	Candidates []Candidate `json:"candidates"`
	DurationS  float64     `json:"duration_s"`
}

// Ensemble fans a prompt out and judges the responses.
type Ensemble struct {
	dispatcher Forwarder
	judgeModel string
}

// New builds an ensemble with the given judge model.
func New(dispatcher Forwarder, judgeModel string) *Ensemble {
	return &Ensemble{dispatcher: dispatcher, judgeModel: judgeModel}
}

type verdict struct {
	Winner    string `json:"winner"`
	Reasoning string `json:"reasoning"`
}

// Run dispatches the prompt to every model, then judges. emit may be
// nil. At least one model must answer; otherwise Run errors.
func (e *Ensemble) Run(ctx context.Context, prompt string, models []string, emit func(Event)) (*Result, error) {
	if emit == nil {
		emit = func(Event) {}
	}
	if len(models) == 0 {
		return nil, fmt.Errorf("ensemble requires at least one model")
	}

	start := time.Now()
	emit(Event{Type: "start", Content: prompt})

	candidates := make([]Candidate, len(models))
	g, gctx := errgroup.WithContext(ctx)
	for i, model := range models {
		emit(Event{Type: "dispatch", Model: model})
		g.Go(func() error {
			candidates[i] = e.ask(gctx, model, prompt)
			return nil
		})
	}
	g.Wait()

	var answered []Candidate
	for _, c := range candidates {
		if c.Err == "" {
			emit(Event{Type: "result", Model: c.Model, Content: c.Content, LatencyMS: c.LatencyMS})
			answered = append(answered, c)
		} else {
			emit(Event{Type: "error", Model: c.Model, Error: c.Err})
		}
	}
	if len(answered) == 0 {
		emit(Event{Type: "error", Error: "no model answered"})
		return nil, fmt.Errorf("ensemble: no model answered")
	}

	result := &Result{Candidates: candidates}
	e.judge(ctx, prompt, answered, result)
	result.DurationS = time.Since(start).Seconds()
	emit(Event{Type: "finish", Model: result.Winner, Content: result.Answer, Elapsed: result.DurationS})
	return result, nil
}

func (e *Ensemble) ask(ctx context.Context, model, prompt string) Candidate {
	resp := e.dispatcher.Forward(ctx, model, map[string]any{
		"model":    model,
		"messages": []map[string]any{{"role": "user", "content": prompt}},
	})
	c := Candidate{Model: model, LatencyMS: resp.LatencyMS}
	if !resp.OK {
		c.Err = fmt.Sprintf("HTTP %d", resp.Status)
		return c
	}
	c.Content = extractContent(resp.Body)
	return c
}

// judge asks the judge model for a verdict. Any failure falls back to
// the first answered candidate, with the failure recorded as reasoning.
func (e *Ensemble) judge(ctx context.Context, prompt string, answered []Candidate, result *Result) {
	emit := func(c Candidate, reasoning string) {
		result.Winner = c.Model
		result.Answer = c.Content
		result.Reasoning = reasoning
	}

	var sb strings.Builder
	for _, c := range answered {
		fmt.Fprintf(&sb, "--- Response from %s ---\n%s\n\n", c.Model, c.Content)
	}

	resp := e.dispatcher.Forward(ctx, e.judgeModel, map[string]any{
		"model": e.judgeModel,
		"messages": []map[string]any{
			{"role": "system", "content": `You judge candidate answers. Respond with ONE JSON object, no prose:
{"winner": "<model name>", "reasoning": "<short>"}`},
			{"role": "user", "content": fmt.Sprintf("Question:\n%s\n\n%s", prompt, sb.String())},
		},
		"temperature": 0.0,
	})
	if !resp.OK {
		emit(answered[0], "judge unavailable, first response wins")
		return
	}

	var v verdict
	if !jsonx.Decode(extractContent(resp.Body), &v) {
		emit(answered[0], "judge verdict unparseable, first response wins")
		return
	}
	for _, c := range answered {
		if c.Model == v.Winner {
			emit(c, v.Reasoning)
			return
		}
	}
	emit(answered[0], fmt.Sprintf("judge picked unknown model %q, first response wins", v.Winner))
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
