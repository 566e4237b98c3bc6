package routing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCentroidRoundtrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteCentroid(dir, "code", []float32{0.1, 0.2, 0.3}))

	vec, err := readCentroid(filepath.Join(dir, "code.gob"))
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestCentroidStoreMissingDir(t *testing.T) {
	s := NewCentroidStore(filepath.Join(t.TempDir(), "nope"))
	defer s.Close()
	assert.Equal(t, 0, s.Count())

	_, _, ok := s.Classify([]float32{1, 0})
	assert.False(t, ok)
}

func TestClassifyConfidenceIsGap(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteCentroid(dir, "code", []float32{1, 0}))
	require.NoError(t, WriteCentroid(dir, "large", []float32{0, 1}))

	s := NewCentroidStore(dir)
	defer s.Close()
	require.Equal(t, 2, s.Count())

	route, conf, ok := s.Classify([]float32{0.9, 0.1})
	require.True(t, ok)
	assert.Equal(t, "code", route)
	assert.InDelta(t, 0.8, conf, 1e-6)
}

func TestClassifyTieBreaksLexicographically(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteCentroid(dir, "fast", []float32{1, 0}))
	require.NoError(t, WriteCentroid(dir, "code", []float32{1, 0}))

	s := NewCentroidStore(dir)
	defer s.Close()

	route, conf, ok := s.Classify([]float32{1, 0})
	require.True(t, ok)
	assert.Equal(t, "code", route)
	assert.InDelta(t, 0.0, conf, 1e-6)
}

func TestClassifySingleCentroid(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteCentroid(dir, "fast", []float32{0, 1}))

	s := NewCentroidStore(dir)
	defer s.Close()

	route, conf, ok := s.Classify([]float32{0, 1})
	require.True(t, ok)
	assert.Equal(t, "fast", route)
	assert.InDelta(t, 1.0, conf, 1e-6)
}

func TestLoadSkipsBrokenFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteCentroid(dir, "code", []float32{1, 0}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.gob"), []byte("not gob"), 0644))

	s := NewCentroidStore(dir)
	defer s.Close()
	assert.Equal(t, 1, s.Count())
}

func TestAgenticScore(t *testing.T) {
	assert.Equal(t, 0.0, AgenticScore("explain monads to me"))
	assert.Greater(t, AgenticScore("search the web for go 1.24 release notes"), 0.0)
	assert.LessOrEqual(t, AgenticScore("search the web for today's news, calculate totals, and fetch prices we discussed earlier"), 1.0)
}
