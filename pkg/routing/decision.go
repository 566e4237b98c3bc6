// Package routing decides which model serves a request. Five stages run
// in order — session cache, user directive, keyword pre-filter, centroid
// classifier, arbitrator LLM — and the first terminal decision wins.
package routing

// Decision is the outcome of routing one request. It is ephemeral and
// never persisted; the reason lands in the wire log.
type Decision struct {
	// Stage that produced the decision.
	Stage string `json:"stage"`
	// Route name, empty when Model was chosen directly.
	Route string `json:"route,omitempty"`
	// Model to dispatch to.
	Model string `json:"model"`
	// NeedsSearch asks for a web-search tool run before dispatch.
	NeedsSearch bool `json:"needs_search,omitempty"`
	// NeedsRecall asks for a semantic-memory tool run before dispatch.
	NeedsRecall bool `json:"needs_rag,omitempty"`
	// Tools the arbitrator wants run, intersected with the registry.
	Tools []string `json:"tools,omitempty"`
	// Reason is free text for the wire log.
	Reason string `json:"reason,omitempty"`
	// Confidence of the centroid stage, when it decided.
	Confidence float64 `json:"confidence,omitempty"`
	// Fallback marks a decision synthesized after an arbitrator failure.
	Fallback bool `json:"fallback,omitempty"`
}

// Stage names as they appear in wire events.
const (
	StageSession    = "session_cache"
	StageDirective  = "directive"
	StageKeyword    = "keyword_prefilter"
	StageCentroid   = "centroid"
	StageArbitrator = "arbitrator"
	StageDefault    = "default"
)
