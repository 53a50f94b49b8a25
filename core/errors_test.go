package core

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	e := NewError(KindConnectionLost, "", "dial failed: %w", cause)
	if !errors.Is(e, cause) {
		t.Fatal("expected errors.Is to follow Unwrap to cause")
	}
}

func TestError_Message(t *testing.T) {
	e := NewError(KindAuthorizationFailed, "TrackingId:abc, SubsystemId:myhub, Timestamp:now", "token rejected")
	msg := e.Error()
	if !strings.Contains(msg, "authorization-failed") || !strings.Contains(msg, "TrackingId:abc") {
		t.Errorf("unexpected error message: %s", msg)
	}
}

func TestError_TransientClassification(t *testing.T) {
	cases := []struct {
		kind      ErrorKind
		transient bool
	}{
		{KindConnectionLost, true},
		{KindRelayGeneric, true},
		{KindAuthorizationFailed, false},
		{KindEndpointNotFound, false},
		{KindQuotaExceeded, false},
		{KindValidation, false},
	}
	for _, c := range cases {
		if got := c.kind.Transient(); got != c.transient {
			t.Errorf("%s.Transient() = %v, want %v", c.kind, got, c.transient)
		}
	}
}

func TestAsError(t *testing.T) {
	inner := NewError(KindQuotaExceeded, "", "too many listeners")
	wrapped := fmt.Errorf("wrapping: %w", inner)

	re, ok := AsError(wrapped)
	if !ok {
		t.Fatal("expected AsError to find the wrapped *Error")
	}
	if re.Kind != KindQuotaExceeded {
		t.Errorf("unexpected kind: %s", re.Kind)
	}

	if _, ok := AsError(errors.New("plain")); ok {
		t.Fatal("expected AsError to reject a plain error")
	}
}
