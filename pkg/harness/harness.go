// Package harness runs a goal-directed loop over parallel sub-tasks: a
// planner model proposes tasks, workers execute them, and an evaluator
// model decides whether the goal is met.
package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/RALaBarge/beigebox/pkg/backends"
	"github.com/RALaBarge/beigebox/pkg/config"
	"github.com/RALaBarge/beigebox/pkg/jsonx"
	"github.com/RALaBarge/beigebox/pkg/store"
)

const (
	defaultMaxRounds   = 8
	defaultMaxTasks    = 6
	defaultStaggerMS   = 400
	defaultTaskTimeout = 120 * time.Second
	defaultTotal       = 300 * time.Second
)

// Forwarder is the slice of the dispatcher the harness needs.
type Forwarder interface {
	Forward(ctx context.Context, model string, body map[string]any) *backends.Response
}

// TaskRunner executes one sub-task against a named target. The proxy
// supplies a runner that knows how to reach the loopback operator.
type TaskRunner interface {
	RunTask(ctx context.Context, target, prompt string) (string, error)
}

// Event is one entry in the harness progress stream. Types: start,
// plan, dispatch, result, evaluate, finish, error.
type Event struct {
	Type      string  `json:"type"`
	Round     int     `json:"round,omitempty"`
	Target    string  `json:"target,omitempty"`
	Prompt    string  `json:"prompt,omitempty"`
	Rationale string  `json:"rationale,omitempty"`
	Content   string  `json:"content,omitempty"`
	Status    string  `json:"status,omitempty"`
	Answer    string  `json:"answer,omitempty"`
	Capped    bool    `json:"capped,omitempty"`
	Error     string  `json:"error,omitempty"`
	Elapsed   float64 `json:"elapsed_s,omitempty"`
}

// Task is one planner-proposed unit of work.
type Task struct {
	Target    string `json:"target"`
	Prompt    string `json:"prompt"`
	Rationale string `json:"rationale,omitempty"`
}

// taskResult carries a finished task back into the history.
type taskResult struct {
	Task   Task
	Output string
	Status string
}

// Harness drives the plan/dispatch/evaluate loop.
type Harness struct {
	cfg        config.HarnessConfig
	dispatcher Forwarder
	runner     TaskRunner
	store      *store.Store
}

// New builds a harness. store may be nil (runs are then not persisted);
// runner may be nil (every target goes to the dispatcher).
func New(cfg config.HarnessConfig, dispatcher Forwarder, runner TaskRunner, st *store.Store) *Harness {
	return &Harness{cfg: cfg, dispatcher: dispatcher, runner: runner, store: st}
}

type plannerVerdict struct {
	Action string `json:"action"`
	Answer string `json:"answer"`
	Tasks  []Task `json:"tasks"`
}

type evaluatorVerdict struct {
	Action     string `json:"action"`
	Answer     string `json:"answer"`
	Assessment string `json:"assessment"`
}

// Run pursues the goal until the evaluator says finish or the round cap
// is hit. targets advertises the model names the planner may pick. emit
// may be nil. The returned run is persisted when a store is configured.
func (h *Harness) Run(ctx context.Context, goal string, targets []string, emit func(Event)) (*store.HarnessRun, error) {
	if goal == "" {
		return nil, fmt.Errorf("harness goal cannot be empty")
	}

	var (
		mu  sync.Mutex
		log strings.Builder
	)
	userEmit := emit
	emit = func(e Event) {
		mu.Lock()
		if line, err := json.Marshal(e); err == nil {
			log.Write(line)
			log.WriteByte('\n')
		}
		mu.Unlock()
		if userEmit != nil {
			userEmit(e)
		}
	}
	maxRounds := h.cfg.MaxRounds
	if maxRounds <= 0 {
		maxRounds = defaultMaxRounds
	}
	total := defaultTotal
	if h.cfg.TotalTimeout > 0 {
		total = time.Duration(h.cfg.TotalTimeout) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, total)
	defer cancel()

	start := time.Now()
	run := &store.HarnessRun{
		Goal:        goal,
		Targets:     targets,
		DriverModel: h.cfg.DriverModel,
		MaxRounds:   maxRounds,
	}
	finish := func() {
		run.DurationMS = time.Since(start).Milliseconds()
		emit(Event{
			Type:    "finish",
			Answer:  run.FinalAnswer,
			Capped:  run.Capped,
			Round:   run.Rounds,
			Elapsed: time.Since(start).Seconds(),
		})
		mu.Lock()
		run.EventLog = log.String()
		mu.Unlock()
		if h.store != nil {
			if err := h.store.SaveHarnessRun(context.WithoutCancel(ctx), run); err != nil {
				slog.Warn("Failed to persist harness run", "error", err)
			}
		}
	}

	emit(Event{Type: "start", Content: goal})

	var history []taskResult
	lastAssessment := ""

	for round := 1; round <= maxRounds; round++ {
		run.Rounds = round

		plan, err := h.plan(ctx, goal, targets, history)
		if err != nil {
			run.ErrorCount++
			emit(Event{Type: "error", Round: round, Error: err.Error()})
			break
		}
		emit(Event{Type: "plan", Round: round, Content: planSummary(plan)})

		if plan.Action == "finish" {
			run.FinalAnswer = plan.Answer
			finish()
			return run, nil
		}

		results := h.dispatch(ctx, round, plan.Tasks, emit)
		for _, r := range results {
			if r.Status == "error" {
				run.ErrorCount++
			}
			history = append(history, r)
		}

		eval, err := h.evaluate(ctx, goal, history)
		if err != nil {
			run.ErrorCount++
			emit(Event{Type: "error", Round: round, Error: err.Error()})
			continue
		}
		lastAssessment = eval.Assessment
		emit(Event{Type: "evaluate", Round: round, Content: eval.Assessment})

		if eval.Action == "finish" {
			run.FinalAnswer = eval.Answer
			finish()
			return run, nil
		}
	}

	// Round cap: synthesize a best-effort answer from the history.
	run.Capped = true
	run.FinalAnswer = h.synthesize(ctx, goal, history, lastAssessment)
	finish()
	return run, nil
}

// dispatch launches up to the per-round cap of tasks, staggered to keep
// concurrent operator calls from racing, and waits for all of them.
func (h *Harness) dispatch(ctx context.Context, round int, tasks []Task, emit func(Event)) []taskResult {
	maxTasks := h.cfg.MaxTasksPerRound
	if maxTasks <= 0 {
		maxTasks = defaultMaxTasks
	}
	if len(tasks) > maxTasks {
		tasks = tasks[:maxTasks]
	}
	stagger := time.Duration(h.cfg.StaggerMS) * time.Millisecond
	if h.cfg.StaggerMS <= 0 {
		stagger = defaultStaggerMS * time.Millisecond
	}
	taskTimeout := defaultTaskTimeout
	if h.cfg.TaskTimeout > 0 {
		taskTimeout = time.Duration(h.cfg.TaskTimeout) * time.Second
	}

	results := make([]taskResult, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	for i, task := range tasks {
		emit(Event{Type: "dispatch", Round: round, Target: task.Target, Prompt: task.Prompt, Rationale: task.Rationale})
		delay := time.Duration(i) * stagger
		g.Go(func() error {
			select {
			case <-time.After(delay):
			case <-gctx.Done():
				results[i] = taskResult{Task: task, Output: gctx.Err().Error(), Status: "error"}
				return nil
			}
			tctx, cancel := context.WithTimeout(gctx, taskTimeout)
			defer cancel()

			out, err := h.runTask(tctx, task)
			if err != nil {
				results[i] = taskResult{Task: task, Output: err.Error(), Status: "error"}
			} else {
				results[i] = taskResult{Task: task, Output: out, Status: "ok"}
			}
			return nil
		})
	}
	g.Wait()

	for _, r := range results {
		emit(Event{Type: "result", Round: round, Target: r.Task.Target, Content: r.Output, Status: r.Status})
	}
	return results
}

// runTask routes "operator" targets through the loopback runner and
// everything else straight to the dispatcher. A "model:" prefix is
// stripped before dispatch.
func (h *Harness) runTask(ctx context.Context, task Task) (string, error) {
	if task.Target == "operator" && h.runner != nil {
		return h.runner.RunTask(ctx, task.Target, task.Prompt)
	}
	model := strings.TrimPrefix(task.Target, "model:")
	resp := h.dispatcher.Forward(ctx, model, map[string]any{
		"model":    model,
		"messages": []map[string]any{{"role": "user", "content": task.Prompt}},
	})
	if !resp.OK {
		return "", fmt.Errorf("task target %s failed: HTTP %d", task.Target, resp.Status)
	}
	return extractContent(resp.Body), nil
}

func (h *Harness) plan(ctx context.Context, goal string, targets []string, history []taskResult) (*plannerVerdict, error) {
	system := fmt.Sprintf(`You are a planner pursuing a goal through sub-tasks.
Targets: %s (plus "operator" for tool-using tasks).
Respond with ONE JSON object, no prose:
{"action": "dispatch", "tasks": [{"target": "...", "prompt": "...", "rationale": "..."}]} or
{"action": "finish", "answer": "..."}`, strings.Join(targets, ", "))

	content, err := h.driver(ctx, system, plannerUserPrompt(goal, history))
	if err != nil {
		return nil, err
	}
	var v plannerVerdict
	if !jsonx.Decode(content, &v) {
		return nil, fmt.Errorf("planner returned unparseable JSON")
	}
	if v.Action != "finish" && len(v.Tasks) == 0 {
		return nil, fmt.Errorf("planner dispatched zero tasks")
	}
	return &v, nil
}

func (h *Harness) evaluate(ctx context.Context, goal string, history []taskResult) (*evaluatorVerdict, error) {
	system := `You evaluate progress toward a goal. Respond with ONE JSON object, no prose:
{"action": "finish", "answer": "...", "assessment": "..."} or
{"action": "continue", "assessment": "..."}`

	content, err := h.driver(ctx, system, plannerUserPrompt(goal, history))
	if err != nil {
		return nil, err
	}
	var v evaluatorVerdict
	if !jsonx.Decode(content, &v) {
		return nil, fmt.Errorf("evaluator returned unparseable JSON")
	}
	return &v, nil
}

// synthesize produces the capped-run answer; on failure the evaluator's
// last assessment stands in.
func (h *Harness) synthesize(ctx context.Context, goal string, history []taskResult, lastAssessment string) string {
	content, err := h.driver(ctx,
		"Synthesize the best final answer from the work so far. Respond with the answer only.",
		plannerUserPrompt(goal, history))
	if err != nil || strings.TrimSpace(content) == "" {
		return lastAssessment
	}
	return strings.TrimSpace(content)
}

func (h *Harness) driver(ctx context.Context, system, user string) (string, error) {
	resp := h.dispatcher.Forward(ctx, h.cfg.DriverModel, map[string]any{
		"model": h.cfg.DriverModel,
		"messages": []map[string]any{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
		"temperature": 0.0,
	})
	if !resp.OK {
		return "", fmt.Errorf("driver model unavailable: HTTP %d", resp.Status)
	}
	return extractContent(resp.Body), nil
}

func plannerUserPrompt(goal string, history []taskResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Goal: %s\n", goal)
	if len(history) == 0 {
		sb.WriteString("No results yet.")
		return sb.String()
	}
	sb.WriteString("Results so far:\n")
	for _, r := range history {
		fmt.Fprintf(&sb, "- [%s %s] %s\n", r.Task.Target, r.Status, r.Output)
	}
	return sb.String()
}

func planSummary(v *plannerVerdict) string {
	if v.Action == "finish" {
		return "finish"
	}
	parts := make([]string, 0, len(v.Tasks))
	for _, t := range v.Tasks {
		parts = append(parts, t.Target)
	}
	return fmt.Sprintf("dispatch %d task(s): %s", len(v.Tasks), strings.Join(parts, ", "))
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
