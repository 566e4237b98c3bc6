package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreAndGetConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	cost := 0.000123
	latency := int64(840)

	require.NoError(t, s.StoreMessage(ctx, &Message{
		ConversationID: "conv-1", Role: "user", Content: "hello",
		Timestamp: base, Tokens: 2,
	}))
	require.NoError(t, s.StoreMessage(ctx, &Message{
		ConversationID: "conv-1", Role: "assistant", Content: "hi there",
		Model: "llama3.2:3b", Timestamp: base.Add(time.Second),
		Tokens: 3, Cost: &cost, LatencyMS: &latency,
	}))

	msgs, err := s.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, "llama3.2:3b", msgs[1].Model)
	require.NotNil(t, msgs[1].Cost)
	assert.InDelta(t, cost, *msgs[1].Cost, 1e-9)
	require.NotNil(t, msgs[1].LatencyMS)
	assert.Equal(t, latency, *msgs[1].LatencyMS)
	assert.NotEmpty(t, msgs[0].ID)
}

func TestInsertionOrderBreaksTimestampTies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ts := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.StoreMessage(ctx, &Message{
			ConversationID: "conv-t", Role: "user",
			Content: fmt.Sprintf("m%d", i), Timestamp: ts,
		}))
	}

	msgs, err := s.GetConversation(ctx, "conv-t")
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	for i, m := range msgs {
		assert.Equal(t, fmt.Sprintf("m%d", i), m.Content)
	}
}

func TestEnsureConversationIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureConversation(ctx, "c"))
	require.NoError(t, s.EnsureConversation(ctx, "c"))

	convs, err := s.RecentConversations(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, convs, 1)
}

func TestSchemaReinitTolerated(t *testing.T) {
	s := newTestStore(t)
	// Migrations ran once in Open; a second pass must not fail.
	require.NoError(t, s.initSchema())
}

func TestIndexStatementsPerDialect(t *testing.T) {
	for _, stmt := range indexStatements("sqlite") {
		assert.Contains(t, stmt, "IF NOT EXISTS")
	}
	for _, stmt := range indexStatements("postgres") {
		assert.Contains(t, stmt, "IF NOT EXISTS")
	}
	// MySQL has no CREATE INDEX IF NOT EXISTS.
	mysql := indexStatements("mysql")
	require.Len(t, mysql, 4)
	for _, stmt := range mysql {
		assert.NotContains(t, stmt, "IF NOT EXISTS")
		assert.Contains(t, stmt, "CREATE INDEX")
	}
}

func TestFork(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	cost := 0.5
	for i := 0; i < 4; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		require.NoError(t, s.StoreMessage(ctx, &Message{
			ConversationID: "src", Role: role,
			Content: fmt.Sprintf("turn %d", i), Cost: &cost,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	// branchAt is the index of the last copied message, inclusive.
	n, err := s.Fork(ctx, "src", "dst", 2)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	src, err := s.GetConversation(ctx, "src")
	require.NoError(t, err)
	dst, err := s.GetConversation(ctx, "dst")
	require.NoError(t, err)

	assert.Len(t, src, 4) // source untouched
	require.Len(t, dst, 3)
	assert.Equal(t, "turn 0", dst[0].Content)
	assert.Equal(t, "turn 2", dst[2].Content)
	assert.NotEqual(t, src[0].ID, dst[0].ID) // fresh identity
	require.NotNil(t, dst[0].Cost)
	assert.InDelta(t, cost, *dst[0].Cost, 1e-9)

	n, err = s.Fork(ctx, "src", "all", -1)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestForkAtZeroCopiesFirstMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.StoreMessage(ctx, &Message{
			ConversationID: "src0", Role: "user",
			Content:   fmt.Sprintf("turn %d", i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	n, err := s.Fork(ctx, "src0", "dst0", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	dst, err := s.GetConversation(ctx, "dst0")
	require.NoError(t, err)
	require.Len(t, dst, 1)
	assert.Equal(t, "turn 0", dst[0].Content)

	// Branch points past the end copy everything.
	n, err = s.Fork(ctx, "src0", "dst-all", 99)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestForkRejectsSelfAndEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Fork(ctx, "a", "a", -1)
	assert.Error(t, err)

	_, err = s.Fork(ctx, "missing", "b", -1)
	assert.Error(t, err)
}

func TestModelPerformance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for i, lat := range []int64{100, 200, 300, 400, 1000} {
		l := lat
		c := 0.01
		require.NoError(t, s.StoreMessage(ctx, &Message{
			ConversationID: "perf", Role: "assistant", Model: "m1",
			Content: "r", Tokens: 10 + i, LatencyMS: &l, Cost: &c,
			Timestamp: now.Add(time.Duration(i) * time.Millisecond),
		}))
	}
	// User messages never count toward model stats.
	require.NoError(t, s.StoreMessage(ctx, &Message{
		ConversationID: "perf", Role: "user", Content: "q", Timestamp: now,
	}))

	stats, err := s.ModelPerformance(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, stats, 1)

	st := stats[0]
	assert.Equal(t, "m1", st.Model)
	assert.Equal(t, 5, st.Requests)
	assert.InDelta(t, 400, st.AvgLatencyMS, 1e-9)
	assert.InDelta(t, 300, st.P50LatencyMS, 1e-9)
	assert.InDelta(t, 1000, st.P95LatencyMS, 1e-9)
	assert.InDelta(t, 0.05, st.TotalCost, 1e-9)
}

func seedPair(t *testing.T, s *Store, conv string) {
	t.Helper()
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.StoreMessage(ctx, &Message{
		ConversationID: conv, Role: "user", Content: "question", Timestamp: base,
	}))
	require.NoError(t, s.StoreMessage(ctx, &Message{
		ConversationID: conv, Role: "assistant", Content: "answer",
		Model: "m", Timestamp: base.Add(time.Second),
	}))
}

func TestExportFormats(t *testing.T) {
	s := newTestStore(t)
	seedPair(t, s, "e1")
	ctx := context.Background()

	raw, err := s.Export(ctx, "openai")
	require.NoError(t, err)
	var openai []struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(raw, &openai))
	require.Len(t, openai, 1)
	assert.Len(t, openai[0].Messages, 2)

	raw, err = s.Export(ctx, "jsonl-pairs")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"prompt":"question"`)

	raw, err = s.Export(ctx, "alpaca")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"instruction": "question"`)

	raw, err = s.Export(ctx, "sharegpt")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"from": "human"`)
	assert.Contains(t, string(raw), `"from": "gpt"`)

	_, err = s.Export(ctx, "csv")
	assert.Error(t, err)
}

func TestHarnessRunCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &HarnessRun{
		Goal:        "summarize the logs",
		Targets:     []string{"m1", "operator"},
		DriverModel: "driver",
		MaxRounds:   8,
		FinalAnswer: "done",
		Rounds:      3,
		DurationMS:  1234,
		ErrorCount:  1,
		EventLog:    `{"type":"start"}` + "\n" + `{"type":"finish"}`,
	}
	require.NoError(t, s.SaveHarnessRun(ctx, run))
	require.NotEmpty(t, run.ID)

	got, err := s.GetHarnessRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.Goal, got.Goal)
	assert.Equal(t, []string{"m1", "operator"}, got.Targets)
	assert.Equal(t, 3, got.Rounds)
	assert.False(t, got.Capped)
	assert.Equal(t, run.EventLog, got.EventLog)

	// Re-save with the same id replaces the record.
	run.Capped = true
	require.NoError(t, s.SaveHarnessRun(ctx, run))
	got, err = s.GetHarnessRun(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, got.Capped)

	list, err := s.ListHarnessRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = s.GetHarnessRun(ctx, "nope")
	assert.Error(t, err)
}
