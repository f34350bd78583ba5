// Package notification routes outbound acquisition messages to one or more
// sinks (the message broker, an HTTP webhook, the log) and keeps a record of
// recent deliveries for diagnostics.
package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/acquisition/internal/platform/telemetry"
)

// ---------------------------------------------------------------------------
// Message
// ---------------------------------------------------------------------------

// Kind distinguishes per-batch messages from completion signals.
type Kind string

const (
	KindResourceAcquired    Kind = "resource_acquired"
	KindAcquisitionComplete Kind = "acquisition_complete"
)

// Message is one outbound notification. Body is the JSON payload; Key is
// the correlation id and is used as routing or partition key by sinks that
// support one.
type Message struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	Key       string            `json:"key"`
	TraceID   string            `json:"trace_id,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      []byte            `json:"body"`
	CreatedAt time.Time         `json:"created_at"`
}

// NewMessage stamps an id and creation time.
func NewMessage(kind Kind, key string, body []byte) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Kind:      kind,
		Key:       key,
		Body:      body,
		CreatedAt: time.Now().UTC(),
		Headers:   map[string]string{},
	}
}

// ---------------------------------------------------------------------------
// Sinks
// ---------------------------------------------------------------------------

// Sink delivers messages to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, m *Message) error
}

// LogSink writes messages to the log. Used when no broker is configured.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "notification").Logger()}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, m *Message) error {
	body := m.Body
	if len(body) == 0 {
		body = []byte("null")
	}
	s.logger.Info().
		Str("message_id", m.ID).
		Str("kind", string(m.Kind)).
		Str("correlation_id", m.Key).
		Str("trace_id", m.TraceID).
		RawJSON("body", body).
		Msg("notification")
	return nil
}

// Recorder keeps every message in memory. Tests use it as a sink.
type Recorder struct {
	mu       sync.Mutex
	messages []*Message
	fail     error
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Name() string { return "recorder" }

func (r *Recorder) Send(_ context.Context, m *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.messages = append(r.messages, m)
	return nil
}

// FailWith makes subsequent sends return err; nil restores delivery.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	r.fail = err
	r.mu.Unlock()
}

// Messages returns a copy of recorded messages, optionally filtered by kind.
func (r *Recorder) Messages(kinds ...Kind) []*Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Message, 0, len(r.messages))
	for _, m := range r.messages {
		if len(kinds) == 0 || containsKind(kinds, m.Kind) {
			out = append(out, m)
		}
	}
	return out
}

func containsKind(kinds []Kind, k Kind) bool {
	for _, want := range kinds {
		if want == k {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

// Delivery is the outcome of sending one message to one sink.
type Delivery struct {
	MessageID string    `json:"message_id"`
	Kind      Kind      `json:"kind"`
	Sink      string    `json:"sink"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

const maxDeliveries = 1000

// Dispatcher fans a message out to every sink. Send fails if any sink fails,
// so callers that commit state after a successful send (the tail sweep) will
// retry later; sinks that already succeeded may then see the message twice.
type Dispatcher struct {
	sinks   []Sink
	logger  zerolog.Logger
	metrics *telemetry.TelemetryProvider

	mu         sync.RWMutex
	deliveries []Delivery
}

func NewDispatcher(logger zerolog.Logger, metrics *telemetry.TelemetryProvider, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		sinks:   sinks,
		logger:  logger.With().Str("component", "dispatcher").Logger(),
		metrics: metrics,
	}
}

var ErrNoSinks = errors.New("no notification sinks configured")

func (d *Dispatcher) Send(ctx context.Context, m *Message) error {
	if len(d.sinks) == 0 {
		return ErrNoSinks
	}
	if m.TraceID == "" {
		m.TraceID = telemetry.TraceID(ctx)
	}

	var errs []error
	for _, s := range d.sinks {
		err := s.Send(ctx, m)
		d.metrics.NotificationPublished(s.Name(), string(m.Kind), err)
		d.record(m, s.Name(), err)
		if err != nil {
			d.logger.Warn().Err(err).
				Str("sink", s.Name()).
				Str("message_id", m.ID).
				Str("kind", string(m.Kind)).
				Msg("notification delivery failed")
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) record(m *Message, sink string, err error) {
	del := Delivery{MessageID: m.ID, Kind: m.Kind, Sink: sink, Status: "sent", At: time.Now().UTC()}
	if err != nil {
		del.Status = "failed"
		del.Error = err.Error()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deliveries = append(d.deliveries, del)
	if len(d.deliveries) > maxDeliveries {
		d.deliveries = d.deliveries[len(d.deliveries)-maxDeliveries:]
	}
}

// Deliveries returns the most recent deliveries, newest last.
func (d *Dispatcher) Deliveries(limit int) []Delivery {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if limit <= 0 || limit > len(d.deliveries) {
		limit = len(d.deliveries)
	}
	out := make([]Delivery, limit)
	copy(out, d.deliveries[len(d.deliveries)-limit:])
	return out
}

// Stats counts recorded deliveries by status.
func (d *Dispatcher) Stats() map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	stats := map[string]int{"sent": 0, "failed": 0}
	for _, del := range d.deliveries {
		stats[del.Status]++
	}
	return stats
}
