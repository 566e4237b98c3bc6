package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// Export serializes the whole message log in a portable training shape.
// Supported formats: openai (conversation list), jsonl-pairs (prompt/
// completion lines), alpaca (instruction triples), sharegpt (human/gpt
// dialogues).
func (s *Store) Export(ctx context.Context, format string) ([]byte, error) {
	convs, err := s.allConversations(ctx)
	if err != nil {
		return nil, err
	}

	switch format {
	case "openai":
		return exportOpenAI(convs)
	case "jsonl-pairs":
		return exportPairs(convs)
	case "alpaca":
		return exportAlpaca(convs)
	case "sharegpt":
		return exportShareGPT(convs)
	default:
		return nil, fmt.Errorf("unknown export format: %s (supported: openai, jsonl-pairs, alpaca, sharegpt)", format)
	}
}

func (s *Store) allConversations(ctx context.Context) ([][]Message, error) {
	summaries, err := s.RecentConversations(ctx, 1<<30)
	if err != nil {
		return nil, err
	}
	out := make([][]Message, 0, len(summaries))
	for _, c := range summaries {
		msgs, err := s.GetConversation(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			out = append(out, msgs)
		}
	}
	return out, nil
}

func exportOpenAI(convs [][]Message) ([]byte, error) {
	type turn struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	type conversation struct {
		Messages []turn `json:"messages"`
	}
	out := make([]conversation, 0, len(convs))
	for _, msgs := range convs {
		c := conversation{Messages: make([]turn, 0, len(msgs))}
		for _, m := range msgs {
			c.Messages = append(c.Messages, turn{Role: m.Role, Content: m.Content})
		}
		out = append(out, c)
	}
	return json.MarshalIndent(out, "", "  ")
}

// pairUp walks a conversation and joins each user turn with the next
// assistant turn.
func pairUp(msgs []Message) [][2]string {
	var pairs [][2]string
	var pending string
	havePending := false
	for _, m := range msgs {
		switch m.Role {
		case "user":
			pending = m.Content
			havePending = true
		case "assistant":
			if havePending {
				pairs = append(pairs, [2]string{pending, m.Content})
				havePending = false
			}
		}
	}
	return pairs
}

func exportPairs(convs [][]Message) ([]byte, error) {
	type pair struct {
		Prompt     string `json:"prompt"`
		Completion string `json:"completion"`
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, msgs := range convs {
		for _, p := range pairUp(msgs) {
			if err := enc.Encode(pair{Prompt: p[0], Completion: p[1]}); err != nil {
				return nil, err
			}
		}
	}
	return buf.Bytes(), nil
}

func exportAlpaca(convs [][]Message) ([]byte, error) {
	type triple struct {
		Instruction string `json:"instruction"`
		Input       string `json:"input"`
		Output      string `json:"output"`
	}
	var out []triple
	for _, msgs := range convs {
		for _, p := range pairUp(msgs) {
			out = append(out, triple{Instruction: p[0], Output: p[1]})
		}
	}
	return json.MarshalIndent(out, "", "  ")
}

func exportShareGPT(convs [][]Message) ([]byte, error) {
	type turn struct {
		From  string `json:"from"`
		Value string `json:"value"`
	}
	type dialogue struct {
		Conversations []turn `json:"conversations"`
	}
	out := make([]dialogue, 0, len(convs))
	for _, msgs := range convs {
		var d dialogue
		for _, m := range msgs {
			switch m.Role {
			case "user":
				d.Conversations = append(d.Conversations, turn{From: "human", Value: m.Content})
			case "assistant":
				d.Conversations = append(d.Conversations, turn{From: "gpt", Value: m.Content})
			}
		}
		if len(d.Conversations) > 0 {
			out = append(out, d)
		}
	}
	return json.MarshalIndent(out, "", "  ")
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}
