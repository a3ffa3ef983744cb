package runtime

import (
	"testing"
	"time"
)

func TestNoiseBudgetSlidingWindow(t *testing.T) {
	now := time.Now()
	b := NewNoiseBudget(3)
	b.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !b.TrySend() {
			t.Fatalf("send %d rejected within budget", i)
		}
	}
	if b.TrySend() {
		t.Error("send allowed beyond budget")
	}
	if b.CanSend() {
		t.Error("CanSend true while exhausted")
	}
	if b.Remaining() != 0 {
		t.Errorf("remaining = %d, want 0", b.Remaining())
	}

	// 61 minutes later the window has slid past all sends.
	now = now.Add(61 * time.Minute)
	if !b.CanSend() {
		t.Error("budget did not recover after window slid")
	}
	if b.Remaining() != 3 {
		t.Errorf("remaining = %d, want 3", b.Remaining())
	}
}

func TestNoiseBudgetRejectionDoesNotRecord(t *testing.T) {
	now := time.Now()
	b := NewNoiseBudget(1)
	b.now = func() time.Time { return now }

	if !b.TrySend() {
		t.Fatal("first send rejected")
	}
	// Rejected attempts must not extend the exhaustion.
	for i := 0; i < 10; i++ {
		b.TrySend()
	}
	now = now.Add(time.Hour + time.Second)
	if !b.TrySend() {
		t.Error("budget should have exactly one slot after the original send expired")
	}
}

func TestNoiseBudgetDefault(t *testing.T) {
	b := NewNoiseBudget(0)
	if b.perHour != 5 {
		t.Errorf("default budget = %d, want 5", b.perHour)
	}
}
