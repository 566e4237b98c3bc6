// Package wirelog appends one JSON line per wire event: everything that
// crosses the proxy (inbound, outbound, internal routing decisions, tool
// fires, errors). The file is append-only and never rewritten; replay
// joins it back to conversations by the 16-char conversation prefix.
package wirelog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/RALaBarge/beigebox/pkg/utils"
)

// Direction of a wire event.
const (
	DirInbound  = "inbound"
	DirOutbound = "outbound"
	DirInternal = "internal"
)

// maxContent bounds the logged content; longer text is elided in the
// middle.
const maxContent = 2000

// convPrefixLen is how much of a conversation id the log carries.
const convPrefixLen = 16

// Event is one line of the wire log.
type Event struct {
	TS        time.Time          `json:"ts"`
	Dir       string             `json:"dir"`
	Role      string             `json:"role,omitempty"`
	Model     string             `json:"model,omitempty"`
	Conv      string             `json:"conv,omitempty"`
	Len       int                `json:"len"`
	Tokens    int                `json:"tokens,omitempty"`
	Content   string             `json:"content"`
	Tool      string             `json:"tool,omitempty"`
	Timing    map[string]float64 `json:"timing,omitempty"`
	LatencyMS int64              `json:"latency_ms,omitempty"`
}

// Logger appends events to a JSONL file with line buffering.
type Logger struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
	path string
}

// Open creates or appends to the wire-log file.
func Open(path string) (*Logger, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create wire log directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open wire log: %w", err)
	}
	return &Logger{file: f, w: bufio.NewWriter(f), path: path}, nil
}

// Path returns the backing file path.
func (l *Logger) Path() string {
	return l.path
}

// Append writes one event. Content is elided above the cap, the
// conversation id is reduced to its prefix, and Len always reflects the
// original content length. Failures are logged, never propagated; the
// wire log is best-effort observability.
func (l *Logger) Append(ev Event) {
	if l == nil {
		return
	}
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	ev.Len = len(ev.Content)
	if ev.Tokens == 0 && ev.Content != "" {
		ev.Tokens = utils.EstimateTokens(ev.Content)
	}
	ev.Content = utils.Truncate(ev.Content, maxContent)
	if len(ev.Conv) > convPrefixLen {
		ev.Conv = ev.Conv[:convPrefixLen]
	}

	line, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("Failed to marshal wire event", "error", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(line); err != nil {
		slog.Warn("Failed to append wire event", "error", err)
		return
	}
	if err := l.w.WriteByte('\n'); err != nil {
		slog.Warn("Failed to append wire event", "error", err)
		return
	}
	if err := l.w.Flush(); err != nil {
		slog.Warn("Failed to flush wire log", "error", err)
	}
}

// Close flushes and closes the file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.file.Close()
}

// ConvPrefix reduces a conversation id to the logged prefix.
func ConvPrefix(conversationID string) string {
	if len(conversationID) > convPrefixLen {
		return conversationID[:convPrefixLen]
	}
	return conversationID
}

// ReadAll parses every event in the file. Used by replay; malformed lines
// are skipped.
func ReadAll(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open wire log: %w", err)
	}
	defer f.Close()

	var out []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, scanner.Err()
}
