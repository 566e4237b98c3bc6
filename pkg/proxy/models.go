package proxy

import (
	"net/http"
	"time"
)

// handleModels returns the union of every backend's model list. In
// advertise mode each id carries the configured prefix; the chat
// endpoint strips it back off inbound.
func (p *Proxy) handleModels(w http.ResponseWriter, r *http.Request) {
	models := p.dispatcher.Models(r.Context())

	data := make([]map[string]any, 0, len(models))
	for _, id := range models {
		if p.cfg.Advertise.Enabled {
			id = p.cfg.Advertise.Prefix + id
		}
		data = append(data, map[string]any{
			"id":       id,
			"object":   "model",
			"created":  time.Now().Unix(),
			"owned_by": "beigebox",
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}
