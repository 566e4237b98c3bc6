package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/RALaBarge/beigebox/pkg/backends"
	"github.com/RALaBarge/beigebox/pkg/hooks"
	"github.com/RALaBarge/beigebox/pkg/routing"
	"github.com/RALaBarge/beigebox/pkg/store"
	"github.com/RALaBarge/beigebox/pkg/utils"
	"github.com/RALaBarge/beigebox/pkg/wirelog"
)

// handleChatCompletions is the main pipeline: extract, direct, hook,
// route, shape, persist, dispatch, persist, hook, record.
func (p *Proxy) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	conversationID := extractConversationID(r, body)
	nominalModel := p.stripAdvertisePrefix(stringField(body, "model"))
	streaming, _ := body["stream"].(bool)
	messages := extractMessages(body)
	userText := lastUserContent(messages)

	flight := p.recorder.Begin(conversationID)
	defer flight.End()

	// Directive parse; help never reaches a backend.
	z := routing.ParseZCommand(userText)
	if z.Help {
		p.respondCanned(w, nominalModel, routing.HelpText, streaming)
		metricRequests.WithLabelValues("directive", "help").Inc()
		return
	}
	if z.Active {
		userText = z.Message
		messages = replaceLastUserContent(messages, z.Message)
	}
	flight.Mark("parse", nil)

	// Pre-request hooks.
	hctx := &hooks.Context{
		ConversationID: conversationID,
		Model:          nominalModel,
		UserMessage:    userText,
		Config:         p.cfg,
		Index:          p.index,
	}
	body = p.hooks.PreRequest(body, hctx)
	if blocked, msg := hooks.Blocked(body); blocked {
		metricBlocked.Inc()
		metricRequests.WithLabelValues("hook", "blocked").Inc()
		p.respondCanned(w, nominalModel, msg, streaming)
		return
	}
	synthetic := hooks.Synthetic(body)
	flight.Mark("hooks_pre", map[string]any{"synthetic": synthetic})

	// Forced tool directives run before routing.
	if len(z.Tools) > 0 {
		input := z.ToolInput
		if input == "" {
			input = userText
		}
		messages = p.injectToolResults(r.Context(), messages, z.Tools, input)
		flight.Mark("tools_forced", map[string]any{"tools": z.Tools})
	}

	// Hybrid routing.
	decision := p.router.Route(r.Context(), conversationID, nominalModel, userText, z, synthetic)
	model := decision.Model
	if model == "" {
		model = nominalModel
	}
	hctx.Decision = decision
	flight.SetModel(model)
	flight.Mark("route", map[string]any{"stage": decision.Stage, "reason": decision.Reason})

	// Decision-driven tool runs.
	var decided []string
	if decision.NeedsSearch {
		decided = append(decided, "web_search")
	}
	if decision.NeedsRecall {
		decided = append(decided, "memory")
	}
	decided = append(decided, decision.Tools...)
	if len(decided) > 0 {
		messages = p.injectToolResults(r.Context(), messages, dedupe(decided), userText)
		flight.Mark("tools_decided", map[string]any{"tools": decided})
	}

	// Context shaping.
	messages = p.shaper.summarize(r.Context(), messages)
	messages = p.shaper.applyGlobalContext(messages)
	flight.Mark("shape", nil)

	body["model"] = model
	body["messages"] = messages
	p.overlay.GenParams().Apply(body)

	p.logWire(wirelog.DirInbound, "user", model, conversationID, userText, nil, 0)
	if !synthetic {
		p.persistMessage(conversationID, "user", userText, model, nil, nil)
	}
	flight.Mark("persist_user", nil)

	if streaming {
		p.streamCompletion(w, r, body, model, conversationID, synthetic, flight)
		return
	}

	start := time.Now()
	resp := p.dispatcher.Forward(r.Context(), model, body)
	flight.Mark("dispatch", map[string]any{"backend": resp.Backend, "status": resp.Status})

	respBody := resp.Body
	if !resp.OK {
		// Degrade to a 200 chat response; clients keep working.
		respBody = chatCompletionBody(model, dispatcherErrorText(resp))
		metricRequests.WithLabelValues(decision.Stage, "backend_error").Inc()
	} else {
		metricRequests.WithLabelValues(decision.Stage, "ok").Inc()
	}

	assistantText := extractAssistantContent(respBody)
	if !synthetic {
		latency := resp.LatencyMS
		p.persistMessage(conversationID, "assistant", assistantText, model, resp.Cost, &latency)
		respBody = p.hooks.PostResponse(body, respBody, hctx)
	}
	if resp.Cost != nil {
		metricBackendCost.WithLabelValues(model).Add(*resp.Cost)
	}
	flight.Mark("persist_assistant", nil)

	p.logWire(wirelog.DirOutbound, "assistant", model, conversationID, assistantText, flight.Timing(), resp.LatencyMS)
	metricRequestDuration.WithLabelValues(model, "false").Observe(time.Since(start).Seconds())

	writeJSON(w, http.StatusOK, respBody)
}

// streamCompletion tees the backend SSE stream: lines relay to the
// client verbatim except cost-sentinel lines, which are consumed.
func (p *Proxy) streamCompletion(w http.ResponseWriter, r *http.Request, body map[string]any, model, conversationID string, synthetic bool, flight *FlightRecord) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	start := time.Now()
	ch, backend := p.dispatcher.Stream(r.Context(), model, body)
	flight.Mark("dispatch", map[string]any{"backend": backend, "streaming": true})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var (
		content  strings.Builder
		cost     *float64
		canceled bool
	)
	for line := range ch {
		if c, ok := backends.ParseCostSentinel(line); ok {
			cost = &c
			continue
		}
		if chunk := deltaContent(line); chunk != "" {
			content.WriteString(chunk)
		}
		if _, err := fmt.Fprintf(w, "%s\n\n", line); err != nil {
			canceled = true
			break
		}
		flusher.Flush()
	}
	latency := time.Since(start).Milliseconds()
	flight.Mark("stream_done", map[string]any{"canceled": canceled})

	// A canceled relay has no reliable content to store.
	if !canceled && !synthetic && content.Len() > 0 {
		p.persistMessage(conversationID, "assistant", content.String(), model, cost, &latency)
	}
	if cost != nil {
		metricBackendCost.WithLabelValues(model).Add(*cost)
	}
	metricRequestDuration.WithLabelValues(model, "true").Observe(time.Since(start).Seconds())
	metricRequests.WithLabelValues("stream", outcome(canceled)).Inc()

	p.logWire(wirelog.DirOutbound, "assistant", model, conversationID, content.String(), flight.Timing(), latency)
}

// injectToolResults runs each tool and inserts the combined output as a
// system message immediately before the final user message.
func (p *Proxy) injectToolResults(ctx context.Context, messages []map[string]any, names []string, input string) []map[string]any {
	var sb strings.Builder
	for _, name := range names {
		if _, ok := p.registry.Get(name); !ok {
			continue
		}
		metricToolRuns.WithLabelValues(name).Inc()
		out := p.registry.RunSafe(ctx, name, input)
		fmt.Fprintf(&sb, "[%s]\n%s\n\n", name, out)
	}
	if sb.Len() == 0 {
		return messages
	}

	tool := map[string]any{
		"role":    "system",
		"content": "Tool results:\n\n" + strings.TrimSpace(sb.String()),
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if role, _ := messages[i]["role"].(string); role == "user" {
			out := make([]map[string]any, 0, len(messages)+1)
			out = append(out, messages[:i]...)
			out = append(out, tool)
			return append(out, messages[i:]...)
		}
	}
	return append(messages, tool)
}

// persistMessage writes to the durable log synchronously and the vector
// index asynchronously. Failures are logged, never surfaced.
func (p *Proxy) persistMessage(conversationID, role, content, model string, cost *float64, latencyMS *int64) {
	if content == "" || conversationID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.store.EnsureConversation(ctx, conversationID); err != nil {
		slog.Warn("Failed to ensure conversation", "error", err)
		return
	}
	msg := &store.Message{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Model:          model,
		Tokens:         utils.EstimateTokens(content),
		Cost:           cost,
		LatencyMS:      latencyMS,
	}
	if err := p.store.StoreMessage(ctx, msg); err != nil {
		slog.Warn("Failed to store message", "role", role, "error", err)
		return
	}
	if p.index != nil {
		p.index.StoreMessageAsync(msg)
	}
}

func (p *Proxy) logWire(dir, role, model, conversationID, content string, timing map[string]float64, latencyMS int64) {
	if p.wire == nil {
		return
	}
	p.wire.Append(wirelog.Event{
		Dir:       dir,
		Role:      role,
		Model:     model,
		Conv:      wirelog.ConvPrefix(conversationID),
		Content:   content,
		Timing:    timing,
		LatencyMS: latencyMS,
	})
}

// respondCanned answers without a backend call, honoring the client's
// streaming preference.
func (p *Proxy) respondCanned(w http.ResponseWriter, model, content string, streaming bool) {
	if !streaming {
		writeJSON(w, http.StatusOK, chatCompletionBody(model, content))
		return
	}
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)

	chunk, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-" + uuid.New().String(),
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{
			{"index": 0, "delta": map[string]any{"role": "assistant", "content": content}, "finish_reason": "stop"},
		},
	})
	fmt.Fprintf(w, "data: %s\n\ndata: [DONE]\n\n", chunk)
	if flusher != nil {
		flusher.Flush()
	}
}

func (p *Proxy) stripAdvertisePrefix(model string) string {
	if p.cfg.Advertise.Enabled {
		return strings.TrimPrefix(model, p.cfg.Advertise.Prefix)
	}
	return model
}

// dispatcherErrorText digs the synthesized error message out of a
// failed dispatcher response.
func dispatcherErrorText(resp *backends.Response) string {
	if errObj, ok := resp.Body["error"].(map[string]any); ok {
		if msg, ok := errObj["message"].(string); ok && msg != "" {
			return msg
		}
	}
	return fmt.Sprintf("%sHTTP %d", backends.ErrorPrefix, resp.Status)
}

// deltaContent extracts the content fragment from one SSE data line.
func deltaContent(line string) string {
	payload := strings.TrimPrefix(line, "data: ")
	if !strings.HasPrefix(payload, "{") {
		return ""
	}
	var chunk struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return ""
	}
	if len(chunk.Choices) == 0 {
		return ""
	}
	return chunk.Choices[0].Delta.Content
}

// chatCompletionBody builds a minimal OpenAI-shaped completion.
func chatCompletionBody(model, content string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-" + uuid.New().String(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []any{
			map[string]any{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			},
		},
	}
}

// extractAssistantContent digs the assistant text out of a completion.
func extractAssistantContent(body map[string]any) string {
	choices, ok := body["choices"].([]any)
	if !ok || len(choices) == 0 {
		return ""
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return ""
	}
	message, ok := choice["message"].(map[string]any)
	if !ok {
		return ""
	}
	content, _ := message["content"].(string)
	return content
}

func extractConversationID(r *http.Request, body map[string]any) string {
	if id := stringField(body, "conversation_id"); id != "" {
		return id
	}
	if id := r.Header.Get("X-Conversation-Id"); id != "" {
		return id
	}
	if user := stringField(body, "user"); user != "" {
		return user
	}
	return uuid.New().String()
}

func extractMessages(body map[string]any) []map[string]any {
	raw, ok := body["messages"].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, m := range raw {
		if mm, ok := m.(map[string]any); ok {
			out = append(out, mm)
		}
	}
	return out
}

func lastUserContent(messages []map[string]any) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if role, _ := messages[i]["role"].(string); role == "user" {
			content, _ := messages[i]["content"].(string)
			return content
		}
	}
	return ""
}

func replaceLastUserContent(messages []map[string]any, content string) []map[string]any {
	out := make([]map[string]any, len(messages))
	copy(out, messages)
	for i := len(out) - 1; i >= 0; i-- {
		if role, _ := out[i]["role"].(string); role == "user" {
			replaced := make(map[string]any, len(out[i]))
			for k, v := range out[i] {
				replaced[k] = v
			}
			replaced["content"] = content
			out[i] = replaced
			break
		}
	}
	return out
}

func stringField(body map[string]any, key string) string {
	s, _ := body[key].(string)
	return s
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func outcome(canceled bool) string {
	if canceled {
		return "canceled"
	}
	return "ok"
}
