// Package telemetry emits one structured event per pipeline stage transition
// to pluggable sinks, and exposes Prometheus and OpenTelemetry plumbing.
package telemetry

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Stage names a pipeline transition.
type Stage string

const (
	StageReceived      Stage = "received"
	StageCanonicalized Stage = "canonicalized"
	StageCached        Stage = "cached"
	StageReserved      Stage = "reserved"
	StageRejected      Stage = "rejected"
	StageDispatched    Stage = "dispatched"
	StageAttemptFailed Stage = "attempt_failed"
	StageVerified      Stage = "verified"
	StageTrimmed       Stage = "trimmed"
	StageAudited       Stage = "audited"
	StageCompleted     Stage = "completed"
	StageCanceled      Stage = "canceled"
	StageQueued        Stage = "queued"
	StageAdmission     Stage = "admission"
)

// Event is one stage transition.
type Event struct {
	Stage      Stage         `json:"stage"`
	ActionID   string        `json:"action_id,omitempty"`
	TenantID   string        `json:"tenant_id,omitempty"`
	WorkflowID string        `json:"workflow_id,omitempty"`
	Node       string        `json:"node,omitempty"`
	Domain     string        `json:"domain,omitempty"`
	Attempt    int           `json:"attempt,omitempty"`
	Status     string        `json:"status,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ns,omitempty"`
	At         time.Time     `json:"at"`
}

// Sink receives events. Emit must not block the caller for long.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Nop discards events.
var Nop Sink = SinkFunc(func(Event) {})

// Multi fans events out to every sink in order.
func Multi(sinks ...Sink) Sink {
	flat := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			flat = append(flat, s)
		}
	}
	return SinkFunc(func(e Event) {
		for _, s := range flat {
			s.Emit(e)
		}
	})
}

// LogSink writes events to a zap logger at debug level; failures and
// rejections at warn.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.With(zap.String("component", "telemetry"))}
}

func (s *LogSink) Emit(e Event) {
	fields := []zap.Field{
		zap.String("stage", string(e.Stage)),
		zap.String("action_id", e.ActionID),
		zap.String("tenant_id", e.TenantID),
		zap.String("workflow_id", e.WorkflowID),
	}
	if e.Node != "" {
		fields = append(fields, zap.String("node", e.Node))
	}
	if e.Attempt > 0 {
		fields = append(fields, zap.Int("attempt", e.Attempt))
	}
	if e.Status != "" {
		fields = append(fields, zap.String("status", e.Status))
	}
	if e.Duration > 0 {
		fields = append(fields, zap.Duration("duration", e.Duration))
	}
	if e.Error != "" {
		s.logger.Warn("pipeline stage", append(fields, zap.String("error", e.Error))...)
		return
	}
	s.logger.Debug("pipeline stage", fields...)
}

// JSONLSink writes one JSON object per line.
type JSONLSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewJSONLSink(w io.Writer) *JSONLSink {
	return &JSONLSink{enc: json.NewEncoder(w)}
}

func (s *JSONLSink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.enc.Encode(e)
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Stages returns the recorded stages of one action in order.
func (r *Recorder) Stages(actionID string) []Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Stage
	for _, e := range r.events {
		if e.ActionID == actionID {
			out = append(out, e.Stage)
		}
	}
	return out
}
