// Package audit records who did what to which schema object, and how it
// ended. Events are emitted as structured zap entries under the "audit"
// logger name so they can be filtered out of the regular log stream.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Outcome is the result recorded for an audited action.
type Outcome string

const (
	OutcomeStarted   Outcome = "started"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeDenied    Outcome = "denied"
	OutcomeExpired   Outcome = "expired"
	OutcomeSkipped   Outcome = "skipped"
)

// Event is one audited action.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Actor     string            `json:"actor"`
	Operation string            `json:"operation"`
	Resource  string            `json:"resource"`
	Outcome   Outcome           `json:"outcome"`
	Details   map[string]string `json:"details,omitempty"`
}

// Sink receives audit events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// ZapSink writes events to a zap logger.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink creates a sink logging under logger.Named("audit").
func NewZapSink(logger *zap.Logger) *ZapSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapSink{logger: logger.Named("audit")}
}

// Emit logs e. Failures are logged at warn level, everything else at info.
func (s *ZapSink) Emit(_ context.Context, e Event) {
	// Marshaling a struct of strings cannot fail.
	eventJSON, _ := json.Marshal(e)

	fields := []zap.Field{
		zap.String("event_json", string(eventJSON)),
		zap.String("actor", e.Actor),
		zap.String("operation", e.Operation),
		zap.String("resource", e.Resource),
		zap.String("outcome", string(e.Outcome)),
		zap.Time("timestamp", e.Timestamp),
	}
	switch e.Outcome {
	case OutcomeFailed, OutcomeDenied, OutcomeExpired:
		s.logger.Warn("audit event", fields...)
	default:
		s.logger.Info("audit event", fields...)
	}
}

// MemorySink keeps events in memory. Used by tests and the CLI report.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink creates an empty memory sink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

// Emit appends e.
func (s *MemorySink) Emit(_ context.Context, e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

// Events returns a copy of the recorded events in emission order.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Filter returns the events whose operation equals op.
func (s *MemorySink) Filter(op string) []Event {
	var out []Event
	for _, e := range s.Events() {
		if e.Operation == op {
			out = append(out, e)
		}
	}
	return out
}

// Reset drops all recorded events.
func (s *MemorySink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}

type multi []Sink

// Multi fans events out to every non-nil sink.
func Multi(sinks ...Sink) Sink {
	var m multi
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	return m
}

func (m multi) Emit(ctx context.Context, e Event) {
	for _, s := range m {
		s.Emit(ctx, e)
	}
}

// Recorder stamps events with an actor and timestamp before emitting them.
// A nil *Recorder discards everything.
type Recorder struct {
	sink  Sink
	actor string
	clock func() time.Time
}

// NewRecorder creates a recorder. A nil sink discards events.
func NewRecorder(sink Sink, actor string) *Recorder {
	if sink == nil {
		sink = multi(nil)
	}
	return &Recorder{sink: sink, actor: actor, clock: time.Now}
}

// WithClock overrides the time source.
func (r *Recorder) WithClock(clock func() time.Time) *Recorder {
	if r == nil {
		return nil
	}
	cp := *r
	cp.clock = clock
	return &cp
}

// WithActor returns a recorder emitting events for actor.
func (r *Recorder) WithActor(actor string) *Recorder {
	if r == nil {
		return nil
	}
	cp := *r
	cp.actor = actor
	return &cp
}

// Actor returns the actor stamped on events.
func (r *Recorder) Actor() string {
	if r == nil {
		return ""
	}
	return r.actor
}

// Record emits an event. The details map is copied.
func (r *Recorder) Record(ctx context.Context, operation, resource string, outcome Outcome, details map[string]string) {
	if r == nil {
		return
	}
	var d map[string]string
	if len(details) > 0 {
		d = make(map[string]string, len(details))
		for k, v := range details {
			d[k] = v
		}
	}
	r.sink.Emit(ctx, Event{
		Timestamp: r.clock().UTC(),
		Actor:     r.actor,
		Operation: operation,
		Resource:  resource,
		Outcome:   outcome,
		Details:   d,
	})
}
