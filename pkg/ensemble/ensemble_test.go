package ensemble

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/RALaBarge/beigebox/pkg/backends"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tableForwarder answers per-model; the judge model gets the verdict.
type tableForwarder struct {
	mu      sync.Mutex
	replies map[string]string
	fail    map[string]bool
	verdict string
	judge   string
}

func (f *tableForwarder) Forward(_ context.Context, model string, _ map[string]any) *backends.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[model] {
		return &backends.Response{OK: false, Status: 503}
	}
	content := f.replies[model]
	if model == f.judge {
		content = f.verdict
	}
	return &backends.Response{
		OK:        true,
		Status:    200,
		LatencyMS: 10,
		Body: map[string]any{
			"choices": []any{
				map[string]any{"message": map[string]any{"content": content}},
			},
		},
	}
}

func TestEnsembleJudgePicksWinner(t *testing.T) {
	fw := &tableForwarder{
		replies: map[string]string{"a": "answer A", "b": "answer B"},
		judge:   "judge",
		verdict: `{"winner": "b", "reasoning": "more precise"}`,
	}
	ens := New(fw, "judge")

	var events []Event
	res, err := ens.Run(context.Background(), "pick one", []string{"a", "b"}, func(e Event) { events = append(events, e) })
	require.NoError(t, err)
	assert.Equal(t, "b", res.Winner)
	assert.Equal(t, "answer B", res.Answer)
	assert.Equal(t, "more precise", res.Reasoning)
	assert.Len(t, res.Candidates, 2)

	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Equal(t, "start", types[0])
	assert.Equal(t, "finish", types[len(types)-1])
}

func TestEnsembleUnknownWinnerFallsBackToFirst(t *testing.T) {
	fw := &tableForwarder{
		replies: map[string]string{"a": "answer A", "b": "answer B"},
		judge:   "judge",
		verdict: `{"winner": "c", "reasoning": "hallucinated"}`,
	}
	res, err := New(fw, "judge").Run(context.Background(), "pick", []string{"a", "b"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "a", res.Winner)
	assert.Contains(t, res.Reasoning, "unknown model")
}

func TestEnsembleGarbageVerdictFallsBackToFirst(t *testing.T) {
	fw := &tableForwarder{
		replies: map[string]string{"a": "answer A"},
		judge:   "judge",
		verdict: "I liked the first one best!",
	}
	res, err := New(fw, "judge").Run(context.Background(), "pick", []string{"a"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "a", res.Winner)
	assert.Contains(t, res.Reasoning, "unparseable")
}

func TestEnsembleFailedModelExcluded(t *testing.T) {
	fw := &tableForwarder{
		replies: map[string]string{"b": "answer B"},
		fail:    map[string]bool{"a": true},
		judge:   "judge",
		verdict: `{"winner": "b", "reasoning": "only one standing"}`,
	}
	res, err := New(fw, "judge").Run(context.Background(), "pick", []string{"a", "b"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "b", res.Winner)
	require.Len(t, res.Candidates, 2)
	assert.NotEmpty(t, res.Candidates[0].Err)
}

func TestEnsembleAllFailed(t *testing.T) {
	fw := &tableForwarder{fail: map[string]bool{"a": true, "b": true}, judge: "judge"}
	_, err := New(fw, "judge").Run(context.Background(), "pick", []string{"a", "b"}, nil)
	assert.Error(t, err)
}

func TestEnsembleNoModels(t *testing.T) {
	_, err := New(&tableForwarder{}, "judge").Run(context.Background(), "pick", nil, nil)
	assert.Error(t, err)
}

func TestEnsembleJudgeSeesAllCandidates(t *testing.T) {
	var judgePrompt string
	fw := &capturingForwarder{
		inner: &tableForwarder{
			replies: map[string]string{"a": "alpha", "b": "beta"},
			judge:   "judge",
			verdict: `{"winner": "a", "reasoning": "r"}`,
		},
		capture: func(model string, body map[string]any) {
			if model != "judge" {
				return
			}
			msgs := body["messages"].([]map[string]any)
			judgePrompt, _ = msgs[len(msgs)-1]["content"].(string)
		},
	}
	_, err := New(fw, "judge").Run(context.Background(), "pick", []string{"a", "b"}, nil)
	require.NoError(t, err)
	assert.True(t, strings.Contains(judgePrompt, "alpha") && strings.Contains(judgePrompt, "beta"))
}

type capturingForwarder struct {
	inner   Forwarder
	capture func(model string, body map[string]any)
}

func (c *capturingForwarder) Forward(ctx context.Context, model string, body map[string]any) *backends.Response {
	c.capture(model, body)
	return c.inner.Forward(ctx, model, body)
}
