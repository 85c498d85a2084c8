package recorder

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"liquiditySync/internal/metrics"
)

// Phase names a unit of work reported by the recorder.
type Phase string

const (
	PhaseDiscoveryCycle  Phase = "discovery_cycle"
	PhaseStateFetch      Phase = "state_fetch"
	PhaseWeightRecompute Phase = "weight_recompute"
	PhasePriceResolve    Phase = "price_resolve"
	PhaseHotPopulate     Phase = "hot_populate"
)

// Event is one start or end record of a phase.
type Event struct {
	Phase      Phase          `json:"phase"`
	Event      string         `json:"event"`
	At         time.Time      `json:"at"`
	DurationMS float64        `json:"duration_ms,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Sink receives phase events, typically a JSONL file.
type Sink interface {
	Append(records ...any) error
}

// Recorder emits phase events to the log, an optional sink and the tracer.
type Recorder struct {
	logger  *zap.Logger
	sink    Sink
	tracer  trace.Tracer
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(logger *zap.Logger, sink Sink, tracer trace.Tracer, m *metrics.Metrics) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer(serviceName)
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &Recorder{logger: logger, sink: sink, tracer: tracer, metrics: m, now: time.Now}
}

// Nop returns a recorder that only feeds a no-op tracer.
func Nop() *Recorder {
	return New(nil, nil, nil, nil)
}

// Span is an open phase.
type Span struct {
	r      *Recorder
	phase  Phase
	start  time.Time
	span   trace.Span
	mu     sync.Mutex
	fields map[string]any
	ended  bool
}

// Start opens a phase. The returned context carries the trace span.
func (r *Recorder) Start(ctx context.Context, phase Phase, fields map[string]any) (context.Context, *Span) {
	ctx, span := r.tracer.Start(ctx, string(phase), trace.WithAttributes(attributes(fields)...))
	s := &Span{r: r, phase: phase, start: r.now(), span: span, fields: make(map[string]any, len(fields))}
	for k, v := range fields {
		s.fields[k] = v
	}
	r.emit(Event{Phase: phase, Event: "start", At: s.start, Fields: fields})
	return ctx, s
}

// Set records a counter or attribute reported when the phase ends.
func (s *Span) Set(key string, value any) {
	s.mu.Lock()
	s.fields[key] = value
	s.mu.Unlock()
}

// End closes the phase. Calling End twice is a no-op.
func (s *Span) End(err error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	fields := make(map[string]any, len(s.fields))
	for k, v := range s.fields {
		fields[k] = v
	}
	s.mu.Unlock()

	end := s.r.now()
	elapsed := end.Sub(s.start)
	event := Event{
		Phase:      s.phase,
		Event:      "end",
		At:         end,
		DurationMS: float64(elapsed) / float64(time.Millisecond),
		Fields:     fields,
	}
	s.span.SetAttributes(attributes(fields)...)
	if err != nil {
		event.Error = err.Error()
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
	s.r.metrics.PhaseDuration.WithLabelValues(string(s.phase)).Observe(elapsed.Seconds())
	s.r.emit(event)
}

func (r *Recorder) emit(event Event) {
	zapFields := []zap.Field{
		zap.String("phase", string(event.Phase)),
		zap.String("event", event.Event),
	}
	if event.Event == "end" {
		zapFields = append(zapFields, zap.Float64("duration_ms", event.DurationMS))
	}
	keys := make([]string, 0, len(event.Fields))
	for k := range event.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		zapFields = append(zapFields, zap.Any(k, event.Fields[k]))
	}
	if event.Error != "" {
		zapFields = append(zapFields, zap.String("error", event.Error))
		r.logger.Warn("phase", zapFields...)
	} else if event.Event == "end" {
		r.logger.Info("phase", zapFields...)
	} else {
		r.logger.Debug("phase", zapFields...)
	}

	if r.sink != nil {
		if err := r.sink.Append(event); err != nil {
			r.logger.Warn("write phase event failed", zap.Error(err))
		}
	}
}

func attributes(fields map[string]any) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(fields))
	for k, v := range fields {
		switch value := v.(type) {
		case string:
			out = append(out, attribute.String(k, value))
		case int:
			out = append(out, attribute.Int(k, value))
		case int64:
			out = append(out, attribute.Int64(k, value))
		case uint64:
			out = append(out, attribute.Int64(k, int64(value)))
		case float64:
			out = append(out, attribute.Float64(k, value))
		case bool:
			out = append(out, attribute.Bool(k, value))
		}
	}
	return out
}
