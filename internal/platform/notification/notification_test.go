package notification

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/acquisition/internal/platform/telemetry"
)

func TestNewMessage(t *testing.T) {
	m := NewMessage(KindResourceAcquired, "corr-1", []byte(`{}`))
	if m.ID == "" || m.CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamp, got %+v", m)
	}
	if m.Headers == nil {
		t.Error("expected headers map")
	}
}

func TestDispatcher_FansOut(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	d := NewDispatcher(zerolog.Nop(), nil, a, b)

	ctx := telemetry.WithTraceID(context.Background(), "trace-1")
	if err := d.Send(ctx, NewMessage(KindAcquisitionComplete, "corr-1", []byte(`{"acquisitionComplete":true}`))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, r := range []*Recorder{a, b} {
		msgs := r.Messages(KindAcquisitionComplete)
		if len(msgs) != 1 {
			t.Fatalf("expected 1 message per sink, got %d", len(msgs))
		}
		if msgs[0].TraceID != "trace-1" {
			t.Errorf("expected trace id from context, got %q", msgs[0].TraceID)
		}
	}
	if got := d.Stats()["sent"]; got != 2 {
		t.Errorf("expected 2 sent deliveries, got %d", got)
	}
}

func TestDispatcher_FailureIsReported(t *testing.T) {
	ok, broken := NewRecorder(), NewRecorder()
	broken.FailWith(errors.New("broker down"))
	d := NewDispatcher(zerolog.Nop(), telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{}), ok, broken)

	err := d.Send(context.Background(), NewMessage(KindResourceAcquired, "corr-1", []byte(`{}`)))
	if err == nil || !strings.Contains(err.Error(), "broker down") {
		t.Fatalf("expected sink error, got %v", err)
	}
	if len(ok.Messages()) != 1 {
		t.Error("healthy sink should still receive the message")
	}
	dels := d.Deliveries(10)
	if len(dels) != 2 || dels[1].Status != "failed" {
		t.Errorf("unexpected deliveries %+v", dels)
	}
}

func TestDispatcher_NoSinks(t *testing.T) {
	d := NewDispatcher(zerolog.Nop(), nil)
	if err := d.Send(context.Background(), NewMessage(KindResourceAcquired, "c", nil)); !errors.Is(err, ErrNoSinks) {
		t.Fatalf("expected ErrNoSinks, got %v", err)
	}
}

func TestRecorder_FilterByKind(t *testing.T) {
	r := NewRecorder()
	_ = r.Send(context.Background(), NewMessage(KindResourceAcquired, "c", nil))
	_ = r.Send(context.Background(), NewMessage(KindResourceAcquired, "c", nil))
	_ = r.Send(context.Background(), NewMessage(KindAcquisitionComplete, "c", nil))

	if n := len(r.Messages()); n != 3 {
		t.Errorf("expected 3 messages, got %d", n)
	}
	if n := len(r.Messages(KindAcquisitionComplete)); n != 1 {
		t.Errorf("expected 1 tail message, got %d", n)
	}
}

func TestDeliveries_Bounded(t *testing.T) {
	d := NewDispatcher(zerolog.Nop(), nil, NewRecorder())
	for i := 0; i < maxDeliveries+5; i++ {
		_ = d.Send(context.Background(), NewMessage(KindResourceAcquired, "c", nil))
	}
	if n := len(d.Deliveries(0)); n != maxDeliveries {
		t.Errorf("expected %d retained deliveries, got %d", maxDeliveries, n)
	}
}
