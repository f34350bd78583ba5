package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf_Wrapped(t *testing.T) {
	base := Transient("read Patient/1", context.DeadlineExceeded)
	wrapped := fmt.Errorf("execute step: %w", base)

	if got := KindOf(wrapped); got != KindTransient {
		t.Errorf("expected %s, got %s", KindTransient, got)
	}
	if !errors.Is(wrapped, context.DeadlineExceeded) {
		t.Error("expected the cause to stay reachable through errors.Is")
	}
	if !Retryable(wrapped) {
		t.Error("expected transient error to be retryable")
	}
}

func TestKindOf_Unclassified(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != "" {
		t.Errorf("expected empty kind, got %q", got)
	}
	if Is(nil, KindProtocol) {
		t.Error("nil error must not match any kind")
	}
}

func TestConfiguration_Message(t *testing.T) {
	err := Configuration("validate auth", "%s is required", "tokenUrl")
	want := "configuration: validate auth: tokenUrl is required"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if Retryable(err) {
		t.Error("configuration errors must not be retryable")
	}
}
