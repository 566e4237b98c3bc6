package routing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/RALaBarge/beigebox/pkg/config"
	"github.com/RALaBarge/beigebox/pkg/vector"
	"github.com/RALaBarge/beigebox/pkg/wirelog"
)

// Router runs the five-stage hybrid classifier.
type Router struct {
	cfg        *config.Config
	sessions   *SessionCache
	centroids  *CentroidStore
	embedder   vector.Embedder
	arbitrator *Arbitrator
	wire       *wirelog.Logger
	// toolNames supplies the current registry names for the arbitrator.
	toolNames func() []string
}

// NewRouter wires the stages together. embedder and wire may be nil;
// the centroid stage is skipped without an embedder.
func NewRouter(cfg *config.Config, dispatcher Forwarder, embedder vector.Embedder, wire *wirelog.Logger, toolNames func() []string) *Router {
	if toolNames == nil {
		toolNames = func() []string { return nil }
	}
	return &Router{
		cfg:        cfg,
		sessions:   NewSessionCache(cfg.Router.SessionTTL),
		centroids:  NewCentroidStore(cfg.Router.CentroidsDir),
		embedder:   embedder,
		arbitrator: NewArbitrator(dispatcher, cfg.Router.ArbitratorModel, cfg.Router.ArbitratorTimeout),
		wire:       wire,
		toolNames:  toolNames,
	}
}

// Sessions exposes the stickiness cache for stats reporting.
func (r *Router) Sessions() *SessionCache {
	return r.sessions
}

// Centroids exposes the centroid store for stats reporting.
func (r *Router) Centroids() *CentroidStore {
	return r.centroids
}

// Close releases the centroid watcher.
func (r *Router) Close() {
	r.centroids.Close()
}

// routeModels maps configured route names to their models.
func (r *Router) routeModels() map[string]string {
	out := make(map[string]string, len(r.cfg.Routes))
	for name, rc := range r.cfg.Routes {
		out[name] = rc.Model
	}
	return out
}

// Route decides the model for one request. synthetic requests and
// directive overrides never write the session cache.
func (r *Router) Route(ctx context.Context, conversationID, nominalModel, userMessage string, z *ZCommand, synthetic bool) *Decision {
	// Stage 1: session stickiness.
	if model, ok := r.sessions.Get(conversationID); ok {
		return &Decision{Stage: StageSession, Model: model, Reason: "session cache hit"}
	}

	// Stage 2: explicit user directive.
	if z != nil && z.Active && (z.Route != "" || z.Model != "") {
		d := &Decision{Stage: StageDirective, Reason: "user directive " + z.Raw}
		if z.Model != "" {
			d.Model = z.Model
		} else if model, ok := r.cfg.ResolveRoute(z.Route); ok {
			d.Route = z.Route
			d.Model = model
		} else {
			d.Model = r.defaultModel(nominalModel)
			d.Reason = fmt.Sprintf("directive route %q not configured, using default", z.Route)
		}
		r.emit(conversationID, d)
		return d
	}

	// Stage 3: keyword pre-filter. Annotates, never routes.
	if score := AgenticScore(userMessage); score > 0 {
		r.annotate(conversationID, StageKeyword, fmt.Sprintf("agentic score %.2f", score))
	}

	// Stage 4: centroid classifier.
	if d := r.centroidStage(ctx, conversationID, userMessage); d != nil {
		r.sessions.writeUnlessSynthetic(conversationID, d.Model, synthetic)
		r.emit(conversationID, d)
		return d
	}

	// Stage 5: arbitrator LLM.
	d := r.arbitrator.Decide(ctx, userMessage, r.routeModels(), r.toolNames())
	if d.Model == "" {
		d.Model = r.defaultModel(nominalModel)
	}
	r.sessions.writeUnlessSynthetic(conversationID, d.Model, synthetic)
	r.emit(conversationID, d)
	return d
}

func (r *Router) centroidStage(ctx context.Context, conversationID, userMessage string) *Decision {
	if r.embedder == nil || r.centroids.Count() == 0 {
		return nil
	}

	vec, err := r.embedder.Embed(ctx, userMessage)
	if err != nil {
		slog.Warn("Centroid embedding failed, falling through", "error", err)
		return nil
	}

	route, confidence, ok := r.centroids.Classify(vector.Normalize(vec))
	if !ok {
		return nil
	}
	if confidence < r.cfg.Router.ConfidenceThreshold {
		r.annotate(conversationID, StageCentroid,
			fmt.Sprintf("borderline: %s at %.4f", route, confidence))
		return nil
	}

	model, found := r.cfg.ResolveRoute(route)
	if !found {
		slog.Warn("Centroid route not configured", "route", route)
		return nil
	}
	return &Decision{
		Stage:      StageCentroid,
		Route:      route,
		Model:      model,
		Confidence: confidence,
		Reason:     fmt.Sprintf("centroid %s gap %.4f", route, confidence),
	}
}

func (r *Router) defaultModel(nominalModel string) string {
	if m := r.cfg.DefaultModel(); m != "" {
		return m
	}
	return nominalModel
}

// writeUnlessSynthetic guards the cache-write rule in one place.
func (c *SessionCache) writeUnlessSynthetic(conversationID, model string, synthetic bool) {
	if synthetic || conversationID == "" || model == "" {
		return
	}
	c.Put(conversationID, model)
}

func (r *Router) emit(conversationID string, d *Decision) {
	if r.wire == nil {
		return
	}
	r.wire.Append(wirelog.Event{
		Dir:     wirelog.DirInternal,
		Role:    "router",
		Model:   d.Model,
		Conv:    conversationID,
		Content: fmt.Sprintf("[%s] %s", d.Stage, d.Reason),
	})
}

func (r *Router) annotate(conversationID, stage, detail string) {
	if r.wire == nil {
		return
	}
	r.wire.Append(wirelog.Event{
		Dir:     wirelog.DirInternal,
		Role:    "router",
		Conv:    conversationID,
		Content: fmt.Sprintf("[%s] %s", stage, detail),
	})
}
