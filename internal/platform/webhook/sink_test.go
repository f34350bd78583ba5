package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ehr/acquisition/internal/platform/notification"
)

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"acquisitionComplete":true}`)
	sig := SignPayload(payload, "s3cret")
	if !VerifySignature(payload, "s3cret", "sha256="+sig) {
		t.Error("expected signature to verify")
	}
	if VerifySignature(payload, "other", "sha256="+sig) {
		t.Error("signature verified with wrong secret")
	}
	if VerifySignature([]byte(`{}`), "s3cret", sig) {
		t.Error("signature verified for different payload")
	}
}

func TestNew_ValidatesURL(t *testing.T) {
	for _, u := range []string{"", "ftp://example.com", "://bad"} {
		if _, err := New(u, ""); err == nil {
			t.Errorf("expected error for %q", u)
		}
	}
}

func TestSend_SignedDelivery(t *testing.T) {
	msg := notification.NewMessage(notification.KindAcquisitionComplete, "corr-1", []byte(`{"patientId":"P1"}`))
	msg.TraceID = "trace-1"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !VerifySignature(body, "s3cret", r.Header.Get(SignatureHeader)) {
			t.Error("invalid signature")
		}
		if r.Header.Get("X-Webhook-Event") != "acquisition_complete" {
			t.Errorf("unexpected event header %q", r.Header.Get("X-Webhook-Event"))
		}
		if r.Header.Get("X-Correlation-ID") != "corr-1" || r.Header.Get("X-Trace-ID") != "trace-1" {
			t.Errorf("missing correlation headers: %v", r.Header)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s, err := New(srv.URL, "s3cret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	attempts := s.Attempts(msg.ID)
	if len(attempts) != 1 || attempts[0].Status != "success" || attempts[0].StatusCode != http.StatusAccepted {
		t.Errorf("unexpected attempts %+v", attempts)
	}
}

func TestSend_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, _ := New(srv.URL, "", WithRetryDelays(time.Millisecond, time.Millisecond, time.Millisecond))
	msg := notification.NewMessage(notification.KindResourceAcquired, "corr-1", []byte(`{}`))
	if err := s.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
	if n := len(s.Attempts(msg.ID)); n != 3 {
		t.Errorf("expected 3 recorded attempts, got %d", n)
	}
}

func TestSend_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s, _ := New(srv.URL, "", WithRetryDelays(time.Millisecond))
	err := s.Send(context.Background(), notification.NewMessage(notification.KindResourceAcquired, "c", []byte(`{}`)))
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
}

func TestSend_GivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s, _ := New(srv.URL, "", WithRetryDelays(time.Millisecond, time.Millisecond))
	if err := s.Send(context.Background(), notification.NewMessage(notification.KindResourceAcquired, "c", []byte(`{}`))); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
}
