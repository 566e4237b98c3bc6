package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/RALaBarge/beigebox/pkg/ensemble"
	"github.com/RALaBarge/beigebox/pkg/harness"
	"github.com/RALaBarge/beigebox/pkg/operator"
)

// eventStreamer writes newline-delimited JSON events as they happen.
type eventStreamer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	enc     *json.Encoder
}

func newEventStreamer(w http.ResponseWriter) *eventStreamer {
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	return &eventStreamer{w: w, flusher: flusher, enc: json.NewEncoder(w)}
}

func (s *eventStreamer) emit(v any) {
	if err := s.enc.Encode(v); err != nil {
		return
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func (p *Proxy) handleHarness(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Goal    string   `json:"goal"`
		Targets []string `json:"targets"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Goal == "" {
		writeJSONError(w, http.StatusBadRequest, "goal is required")
		return
	}
	if len(req.Targets) == 0 {
		req.Targets = p.dispatcher.Models(r.Context())
	}

	stream := newEventStreamer(w)
	run, err := p.harness.Run(r.Context(), req.Goal, req.Targets, func(e harness.Event) { stream.emit(e) })
	if err != nil {
		stream.emit(map[string]any{"type": "error", "error": err.Error()})
		return
	}
	stream.emit(map[string]any{"type": "run", "run": run})
}

func (p *Proxy) handleEnsemble(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt string   `json:"prompt"`
		Models []string `json:"models"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Prompt == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	stream := newEventStreamer(w)
	result, err := p.ensemble.Run(r.Context(), req.Prompt, req.Models, func(e ensemble.Event) { stream.emit(e) })
	if err != nil {
		stream.emit(map[string]any{"type": "error", "error": err.Error()})
		return
	}
	stream.emit(map[string]any{"type": "run", "result": result})
}

func (p *Proxy) handleOperator(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Question string `json:"question"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Question == "" {
		writeJSONError(w, http.StatusBadRequest, "question is required")
		return
	}

	stream := newEventStreamer(w)
	result, err := p.operator.Run(r.Context(), req.Question, func(e operator.Event) { stream.emit(e) })
	if err != nil {
		stream.emit(map[string]any{"type": "error", "error": err.Error()})
		return
	}
	stream.emit(map[string]any{"type": "run", "result": result})
}

func (p *Proxy) handleReplay(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	transcript, err := p.replay.Conversation(r.Context(), conversationID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, transcript)
}

func (p *Proxy) handleSemanticMap(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	if n <= 0 {
		n = 20
	}
	topics, err := p.replay.SemanticMap(r.Context(), n)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"topics": topics})
}

// loopbackRunner executes harness "operator" targets through the local
// operator endpoint, always over 127.0.0.1.
type loopbackRunner struct {
	port int
}

func (l *loopbackRunner) RunTask(ctx context.Context, _, prompt string) (string, error) {
	payload, err := json.Marshal(map[string]string{"question": prompt})
	if err != nil {
		return "", err
	}
	url := fmt.Sprintf("http://127.0.0.1:%d/api/v1/operator", l.port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := (&http.Client{Timeout: 0}).Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("operator endpoint returned HTTP %d", resp.StatusCode)
	}

	// The endpoint streams NDJSON; the answer rides the finish event.
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	answer := ""
	for scanner.Scan() {
		var event struct {
			Type   string `json:"type"`
			Answer string `json:"answer"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		if event.Type == "finish" && event.Answer != "" {
			answer = event.Answer
		}
	}
	if answer == "" {
		return "", fmt.Errorf("operator returned no answer")
	}
	return answer, nil
}

var _ harness.TaskRunner = (*loopbackRunner)(nil)
