package tools

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Notifier posts a best-effort JSON notification per tool invocation.
// It never blocks the caller and failures are only logged.
type Notifier struct {
	url    string
	client *http.Client
}

// NewNotifier returns nil for an empty URL; a nil Notifier is inert.
func NewNotifier(url string) *Notifier {
	if url == "" {
		return nil
	}
	return &Notifier{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

type notification struct {
	Tool string    `json:"tool"`
	// Input is truncated so webhooks never receive unbounded payloads.
	Input string    `json:"input"`
	OK    bool      `json:"ok"`
	At    time.Time `json:"at"`
}

// Notify fires the webhook in the background.
func (n *Notifier) Notify(tool, input string, ok bool) {
	if n == nil {
		return
	}
	if len(input) > 500 {
		input = input[:500]
	}
	payload := notification{Tool: tool, Input: input, OK: ok, At: time.Now().UTC()}
	go func() {
		raw, err := json.Marshal(payload)
		if err != nil {
			return
		}
		resp, err := n.client.Post(n.url, "application/json", bytes.NewReader(raw))
		if err != nil {
			slog.Debug("Tool webhook failed", "tool", tool, "error", err)
			return
		}
		resp.Body.Close()
	}()
}
