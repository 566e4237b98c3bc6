package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/RALaBarge/beigebox/pkg/config"
	"github.com/RALaBarge/beigebox/pkg/utils"
)

// shaper applies the context transforms: auto-summarization of long
// conversations and the global system context file.
type shaper struct {
	cfg        *config.Config
	overlay    *config.Overlay
	dispatcher forwarder

	mu      sync.Mutex
	text    string
	modTime time.Time
}

func newShaper(cfg *config.Config, overlay *config.Overlay, dispatcher forwarder) *shaper {
	return &shaper{cfg: cfg, overlay: overlay, dispatcher: dispatcher}
}

// estimateMessages totals the rough token count of a message list.
func estimateMessages(messages []map[string]any) int {
	total := 0
	for _, m := range messages {
		if content, ok := m["content"].(string); ok {
			total += utils.EstimateTokens(content)
		}
	}
	return total
}

// summarize collapses old turns when the conversation exceeds the token
// budget. System messages at position 0 and the last keepLast non-system
// turns survive; everything between becomes one summary system message.
// Any failure returns the input unchanged.
func (s *shaper) summarize(ctx context.Context, messages []map[string]any) []map[string]any {
	if !s.overlay.GetBool("summarize_enabled", s.cfg.Summarize.Enabled) {
		return messages
	}
	if estimateMessages(messages) <= s.cfg.Summarize.TokenBudget {
		return messages
	}

	var head []map[string]any
	body := messages
	for len(body) > 0 {
		if role, _ := body[0]["role"].(string); role != "system" {
			break
		}
		head = append(head, body[0])
		body = body[1:]
	}

	keepLast := s.cfg.Summarize.KeepLast
	if len(body) <= keepLast {
		return messages
	}
	old, tail := body[:len(body)-keepLast], body[len(body)-keepLast:]

	summary, err := s.summarizeTurns(ctx, old)
	if err != nil {
		slog.Warn("Summarization failed, passing messages through", "error", err)
		return messages
	}

	out := make([]map[string]any, 0, len(head)+1+len(tail))
	out = append(out, head...)
	out = append(out, map[string]any{
		"role":    "system",
		"content": s.cfg.Summarize.Prefix + " " + summary,
	})
	out = append(out, tail...)
	return out
}

func (s *shaper) summarizeTurns(ctx context.Context, turns []map[string]any) (string, error) {
	model := s.cfg.Summarize.Model
	if model == "" {
		model = s.cfg.DefaultModel()
	}
	if model == "" {
		return "", fmt.Errorf("no summarizer model configured")
	}

	var sb strings.Builder
	for _, m := range turns {
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		fmt.Fprintf(&sb, "%s: %s\n", role, content)
	}

	resp := s.dispatcher.Forward(ctx, model, map[string]any{
		"model": model,
		"messages": []map[string]any{
			{"role": "system", "content": "Summarize this conversation concisely, preserving facts, names, and decisions."},
			{"role": "user", "content": sb.String()},
		},
		"temperature": 0.0,
	})
	if !resp.OK {
		return "", fmt.Errorf("summarizer backend error: HTTP %d", resp.Status)
	}
	summary := strings.TrimSpace(extractAssistantContent(resp.Body))
	if summary == "" {
		return "", fmt.Errorf("summarizer returned empty text")
	}
	return summary, nil
}

// globalContext reads the context file lazily, reloading when its
// modification time changes. Returns "" when disabled or unreadable.
func (s *shaper) globalContext() string {
	if !s.overlay.GetBool("context_enabled", s.cfg.Context.Enabled) || s.cfg.Context.Path == "" {
		return ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.cfg.Context.Path)
	if err != nil {
		return ""
	}
	if !info.ModTime().Equal(s.modTime) {
		data, err := os.ReadFile(s.cfg.Context.Path)
		if err != nil {
			return ""
		}
		s.text = string(data)
		s.modTime = info.ModTime()
	}
	return s.text
}

// applyGlobalContext merges the context text into the position-0 system
// message, or inserts a new one.
func (s *shaper) applyGlobalContext(messages []map[string]any) []map[string]any {
	text := strings.TrimSpace(s.globalContext())
	if text == "" {
		return messages
	}

	if len(messages) > 0 {
		if role, _ := messages[0]["role"].(string); role == "system" {
			existing, _ := messages[0]["content"].(string)
			merged := make([]map[string]any, len(messages))
			copy(merged, messages)
			merged[0] = map[string]any{"role": "system", "content": text + "\n\n" + existing}
			return merged
		}
	}
	out := make([]map[string]any, 0, len(messages)+1)
	out = append(out, map[string]any{"role": "system", "content": text})
	return append(out, messages...)
}
