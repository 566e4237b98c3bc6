package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/RALaBarge/beigebox/pkg/vector"
)

// EchoTool returns its input. Useful for wiring checks and as the
// smallest example of the contract.
type EchoTool struct{}

func (EchoTool) Name() string        { return "echo" }
func (EchoTool) Description() string { return "Returns the input unchanged" }

func (EchoTool) Run(_ context.Context, input string) (string, error) {
	return input, nil
}

// MemoryTool searches past conversations semantically and formats the
// hits for injection into a prompt.
type MemoryTool struct {
	index *vector.Index
	topK  int
}

// NewMemoryTool wires the semantic recall tool to the vector index.
func NewMemoryTool(index *vector.Index) *MemoryTool {
	return &MemoryTool{index: index, topK: 5}
}

func (t *MemoryTool) Name() string { return "memory" }

func (t *MemoryTool) Description() string {
	return "Recalls relevant past conversation snippets for a query"
}

func (t *MemoryTool) Run(ctx context.Context, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("memory query cannot be empty")
	}
	hits, err := t.index.SearchGrouped(ctx, input, t.topK)
	if err != nil {
		return "", fmt.Errorf("memory search failed: %w", err)
	}
	if len(hits) == 0 {
		return "No relevant memories found.", nil
	}

	var b strings.Builder
	b.WriteString("Relevant past conversation snippets:\n")
	for i, h := range hits {
		fmt.Fprintf(&b, "%d. [%s, %s] %s\n", i+1, h.Role, h.Timestamp, h.Content)
	}
	return b.String(), nil
}
