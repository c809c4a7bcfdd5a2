package transport

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorClassification(t *testing.T) {
	base := errors.New("boom")
	perm := fmt.Errorf("send: %w", &PermanentError{Op: "send", Err: base})
	if !IsPermanent(perm) {
		t.Fatalf("wrapped permanent not detected")
	}
	if !errors.Is(perm, base) {
		t.Fatalf("permanent should unwrap to cause")
	}

	tr := &TransientError{Op: "send", RetryAfter: 3 * time.Second, Err: base}
	if IsPermanent(tr) {
		t.Fatalf("transient reported as permanent")
	}
	if d, ok := RetryAfter(fmt.Errorf("x: %w", tr)); !ok || d != 3*time.Second {
		t.Fatalf("RetryAfter=(%v,%v)", d, ok)
	}
	if _, ok := RetryAfter(base); ok {
		t.Fatalf("plain error has no retry-after")
	}
}
