package wirelog

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wire.jsonl")
	l, err := Open(path)
	require.NoError(t, err)

	l.Append(Event{Dir: DirInbound, Role: "user", Content: "hello", Conv: "conv-12345678901234567890"})
	l.Append(Event{Dir: DirOutbound, Role: "assistant", Content: "hi", Model: "m", LatencyMS: 42})
	require.NoError(t, l.Close())

	events, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, DirInbound, events[0].Dir)
	assert.Equal(t, 5, events[0].Len)
	assert.Len(t, events[0].Conv, 16)
	assert.Equal(t, int64(42), events[1].LatencyMS)
	assert.False(t, events[0].TS.IsZero())
}

func TestContentElision(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wire.jsonl")
	l, err := Open(path)
	require.NoError(t, err)

	long := strings.Repeat("a", 1500) + strings.Repeat("z", 1500)
	l.Append(Event{Dir: DirInternal, Content: long})
	require.NoError(t, l.Close())

	events, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, events, 1)

	assert.Equal(t, 3000, events[0].Len) // original length preserved
	assert.Contains(t, events[0].Content, " … ")
	assert.True(t, strings.HasPrefix(events[0].Content, "aaa"))
	assert.True(t, strings.HasSuffix(events[0].Content, "zzz"))
	assert.Less(t, len(events[0].Content), 3000)
}

func TestAppendSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wire.jsonl")

	l, err := Open(path)
	require.NoError(t, err)
	l.Append(Event{Dir: DirInbound, Content: "first"})
	require.NoError(t, l.Close())

	l, err = Open(path)
	require.NoError(t, err)
	l.Append(Event{Dir: DirInbound, Content: "second"})
	require.NoError(t, l.Close())

	events, err := ReadAll(path)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestReadAllMissingFile(t *testing.T) {
	events, err := ReadAll(filepath.Join(t.TempDir(), "absent.jsonl"))
	require.NoError(t, err)
	assert.Nil(t, events)
}

func TestNilLoggerIsInert(t *testing.T) {
	var l *Logger
	l.Append(Event{Dir: DirInternal, Content: "ignored"})
}
