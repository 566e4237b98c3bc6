package harness

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/RALaBarge/beigebox/pkg/backends"
	"github.com/RALaBarge/beigebox/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// roleForwarder answers by inspecting the system prompt: planner,
// evaluator, and synthesizer calls each get their scripted reply.
// Worker-model calls (no system message) echo the prompt.
type roleForwarder struct {
	mu          sync.Mutex
	planReply   string
	evalReply   string
	synthReply  string
	workerCalls int
}

func (f *roleForwarder) Forward(_ context.Context, _ string, body map[string]any) *backends.Response {
	f.mu.Lock()
	defer f.mu.Unlock()

	messages := body["messages"].([]map[string]any)
	content := ""
	system, _ := messages[0]["content"].(string)
	switch {
	case messages[0]["role"] != "system":
		f.workerCalls++
		content = "worker output"
	case strings.Contains(system, "planner"):
		content = f.planReply
	case strings.Contains(system, "evaluate progress"):
		content = f.evalReply
	case strings.Contains(system, "Synthesize"):
		content = f.synthReply
	}
	return &backends.Response{
		OK:     true,
		Status: 200,
		Body: map[string]any{
			"choices": []any{
				map[string]any{"message": map[string]any{"content": content}},
			},
		},
	}
}

func fastConfig(maxRounds int) config.HarnessConfig {
	return config.HarnessConfig{
		DriverModel:      "llama3.2:3b",
		MaxRounds:        maxRounds,
		MaxTasksPerRound: 6,
		StaggerMS:        1,
		TaskTimeout:      5,
		TotalTimeout:     30,
	}
}

func countTypes(events []Event) map[string]int {
	out := make(map[string]int)
	for _, e := range events {
		out[e.Type]++
	}
	return out
}

func TestHarnessPlannerFinishesImmediately(t *testing.T) {
	fw := &roleForwarder{planReply: `{"action": "finish", "answer": "done already"}`}
	h := New(fastConfig(8), fw, nil, nil)

	var events []Event
	run, err := h.Run(context.Background(), "trivial goal", []string{"m1"}, func(e Event) { events = append(events, e) })
	require.NoError(t, err)
	assert.Equal(t, "done already", run.FinalAnswer)
	assert.False(t, run.Capped)
	assert.Equal(t, 1, run.Rounds)

	types := countTypes(events)
	assert.Equal(t, 1, types["start"])
	assert.Equal(t, 1, types["plan"])
	assert.Equal(t, 1, types["finish"])
	assert.Zero(t, types["dispatch"])
}

func TestHarnessEvaluatorFinishes(t *testing.T) {
	fw := &roleForwarder{
		planReply: `{"action": "dispatch", "tasks": [{"target": "m1", "prompt": "do it", "rationale": "r"}]}`,
		evalReply: `{"action": "finish", "answer": "synthesized", "assessment": "good enough"}`,
	}
	h := New(fastConfig(8), fw, nil, nil)

	run, err := h.Run(context.Background(), "goal", []string{"m1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "synthesized", run.FinalAnswer)
	assert.Equal(t, 1, run.Rounds)
	assert.Equal(t, 1, fw.workerCalls)
	assert.Contains(t, run.EventLog, `"type":"result"`)
}

func TestHarnessRoundCap(t *testing.T) {
	fw := &roleForwarder{
		planReply:  `{"action": "dispatch", "tasks": [{"target": "m1", "prompt": "again"}]}`,
		evalReply:  `{"action": "continue", "assessment": "keep going"}`,
		synthReply: "best effort answer",
	}
	h := New(fastConfig(3), fw, nil, nil)

	var events []Event
	run, err := h.Run(context.Background(), "endless goal", []string{"m1"}, func(e Event) { events = append(events, e) })
	require.NoError(t, err)
	assert.True(t, run.Capped)
	assert.Equal(t, 3, run.Rounds)
	assert.Equal(t, "best effort answer", run.FinalAnswer)

	types := countTypes(events)
	assert.Equal(t, 3, types["plan"])
	assert.Equal(t, 3, types["dispatch"])
	assert.GreaterOrEqual(t, types["result"], 3)
	assert.Equal(t, 3, types["evaluate"])
	assert.Equal(t, 1, types["finish"])
}

func TestHarnessTaskCapPerRound(t *testing.T) {
	tasks := `{"action": "dispatch", "tasks": [
		{"target": "m1", "prompt": "1"}, {"target": "m1", "prompt": "2"},
		{"target": "m1", "prompt": "3"}, {"target": "m1", "prompt": "4"},
		{"target": "m1", "prompt": "5"}, {"target": "m1", "prompt": "6"},
		{"target": "m1", "prompt": "7"}, {"target": "m1", "prompt": "8"}]}`
	fw := &roleForwarder{
		planReply: tasks,
		evalReply: `{"action": "finish", "answer": "ok", "assessment": "a"}`,
	}
	cfg := fastConfig(8)
	cfg.MaxTasksPerRound = 6
	h := New(cfg, fw, nil, nil)

	_, err := h.Run(context.Background(), "fan out", []string{"m1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 6, fw.workerCalls, "eighth and seventh task dropped by the round cap")
}

type loopbackRunner struct {
	mu      sync.Mutex
	prompts []string
}

func (l *loopbackRunner) RunTask(_ context.Context, _, prompt string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prompts = append(l.prompts, prompt)
	return "operator says hi", nil
}

func TestHarnessOperatorTargetUsesRunner(t *testing.T) {
	fw := &roleForwarder{
		planReply: `{"action": "dispatch", "tasks": [{"target": "operator", "prompt": "use tools"}]}`,
		evalReply: `{"action": "finish", "answer": "ok", "assessment": "a"}`,
	}
	runner := &loopbackRunner{}
	h := New(fastConfig(8), fw, runner, nil)

	run, err := h.Run(context.Background(), "goal", []string{"m1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"use tools"}, runner.prompts)
	assert.Zero(t, fw.workerCalls)
	assert.Contains(t, run.EventLog, "operator says hi")
}

func TestHarnessTaskErrorDoesNotCrash(t *testing.T) {
	fw := &roleForwarder{
		planReply: `{"action": "dispatch", "tasks": [{"target": "model:down", "prompt": "x"}]}`,
		evalReply: `{"action": "finish", "answer": "recovered", "assessment": "a"}`,
	}
	failing := &failWorkers{inner: fw}
	h := New(fastConfig(8), failing, nil, nil)

	run, err := h.Run(context.Background(), "goal", []string{"m1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered", run.FinalAnswer)
	assert.Equal(t, 1, run.ErrorCount)
}

// failWorkers fails any call without a system message.
type failWorkers struct {
	inner Forwarder
}

func (f *failWorkers) Forward(ctx context.Context, model string, body map[string]any) *backends.Response {
	messages := body["messages"].([]map[string]any)
	if messages[0]["role"] != "system" {
		return &backends.Response{OK: false, Status: 503}
	}
	return f.inner.Forward(ctx, model, body)
}

func TestHarnessEmptyGoal(t *testing.T) {
	h := New(fastConfig(8), &roleForwarder{}, nil, nil)
	_, err := h.Run(context.Background(), "", nil, nil)
	assert.Error(t, err)
}
