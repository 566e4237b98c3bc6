package proxy

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	flightCap       = 1000
	flightRetention = 24 * time.Hour
)

// StageEvent is one timed step inside a request.
type StageEvent struct {
	Stage     string         `json:"stage"`
	ElapsedMS float64        `json:"elapsed_ms"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// FlightRecord traces one request through the pipeline. It lives only
// in the bounded in-memory recorder.
type FlightRecord struct {
	mu             sync.Mutex
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	Model          string       `json:"model"`
	Stages         []StageEvent `json:"stages"`
	Closed         bool         `json:"closed"`

	started time.Time
	last    time.Time
}

// Mark appends a stage with the elapsed time since the previous mark.
func (f *FlightRecord) Mark(stage string, detail map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Closed {
		return
	}
	now := time.Now()
	f.Stages = append(f.Stages, StageEvent{
		Stage:     stage,
		ElapsedMS: float64(now.Sub(f.last).Microseconds()) / 1000,
		Detail:    detail,
	})
	f.last = now
}

// SetModel records the routed model once known.
func (f *FlightRecord) SetModel(model string) {
	f.mu.Lock()
	f.Model = model
	f.mu.Unlock()
}

// End closes the record; further marks are dropped.
func (f *FlightRecord) End() {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
}

// Timing flattens the stages into a name→ms map for the wire log.
func (f *FlightRecord) Timing() map[string]float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]float64, len(f.Stages))
	for _, s := range f.Stages {
		out[s.Stage] = s.ElapsedMS
	}
	return out
}

// FlightRecorder keeps the last records in an expiring LRU.
type FlightRecorder struct {
	lru *expirable.LRU[string, *FlightRecord]
}

// NewFlightRecorder builds the bounded recorder.
func NewFlightRecorder() *FlightRecorder {
	return &FlightRecorder{
		lru: expirable.NewLRU[string, *FlightRecord](flightCap, nil, flightRetention),
	}
}

// Begin opens a record for one request.
func (r *FlightRecorder) Begin(conversationID string) *FlightRecord {
	now := time.Now()
	f := &FlightRecord{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		started:        now,
		last:           now,
	}
	r.lru.Add(f.ID, f)
	return f
}

// Len reports how many records are held.
func (r *FlightRecorder) Len() int {
	return r.lru.Len()
}

// Recent returns up to n records, most recently used last.
func (r *FlightRecorder) Recent(n int) []*FlightRecord {
	values := r.lru.Values()
	if n > 0 && len(values) > n {
		values = values[len(values)-n:]
	}
	return values
}
