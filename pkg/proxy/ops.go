package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"message": msg, "type": "invalid_request_error"},
	})
}

func (p *Proxy) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeoutFrom(r, 5*time.Second)
	defer cancel()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"backends": p.dispatcher.Health(ctx),
	})
}

func (p *Proxy) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats := map[string]any{
		"sessions":       p.router.Sessions().Len(),
		"centroids":      p.router.Centroids().Count(),
		"flight_records": p.recorder.Len(),
		"tools":          p.registry.Names(),
		"hooks":          p.hooks.Names(),
	}

	window := 24 * time.Hour
	if perf, err := p.store.ModelPerformance(ctx, window); err == nil {
		stats["models"] = perf
	}
	if recent, err := p.store.RecentConversations(ctx, 10); err == nil {
		stats["recent_conversations"] = recent
	}
	if p.index != nil {
		if vs, err := p.index.Stats(ctx); err == nil {
			stats["vector"] = vs
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (p *Proxy) handleSearch(w http.ResponseWriter, r *http.Request) {
	if p.index == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "vector index not configured")
		return
	}
	query := r.URL.Query().Get("q")
	if query == "" {
		writeJSONError(w, http.StatusBadRequest, "q parameter is required")
		return
	}
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	if n <= 0 {
		n = 10
	}
	role := r.URL.Query().Get("role")

	hits, err := p.index.Search(r.Context(), query, n, role)
	if err != nil {
		// Degraded search returns empty rather than failing the caller.
		hits = nil
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": query, "results": hits})
}

func (p *Proxy) handleConfigGet(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, p.overlay.Snapshot())
}

func (p *Proxy) handleConfigSet(w http.ResponseWriter, r *http.Request) {
	var updates map[string]any
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	for key, value := range updates {
		if err := p.overlay.Set(key, value); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to persist overlay: "+err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, p.overlay.Snapshot())
}

func (p *Proxy) handleToggleViMode(w http.ResponseWriter, _ *http.Request) {
	enabled, err := p.overlay.ToggleViMode()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to toggle: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"vi_mode": enabled})
}

func contextWithTimeoutFrom(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}
