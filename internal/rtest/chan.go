package rtest

import (
	"testing"
	"time"
)

// ScaleDuration is the default window that the Soon helpers wait.
// It is generous enough for loaded CI machines
// while still failing promptly on a real hang.
const ScaleDuration = 250 * time.Millisecond

// ReceiveSoon receives a value from ch,
// failing the test if no value arrives within [ScaleDuration].
func ReceiveSoon[T any](t testing.TB, ch <-chan T) T {
	t.Helper()

	timer := time.NewTimer(ScaleDuration)
	defer timer.Stop()

	select {
	case v := <-ch:
		return v
	case <-timer.C:
		t.Fatalf("no value received within %s", ScaleDuration)
	}

	panic("unreachable")
}

// IsSending asserts that ch is immediately readable,
// which also covers a closed channel.
func IsSending[T any](t testing.TB, ch <-chan T) {
	t.Helper()

	select {
	case <-ch:
		// Okay.
	default:
		t.Fatal("channel should have been ready to receive")
	}
}

// NotSending asserts that ch is not immediately readable.
func NotSending[T any](t testing.TB, ch <-chan T) {
	t.Helper()

	select {
	case <-ch:
		t.Fatal("channel should not have been ready to receive")
	default:
		// Okay.
	}
}

// Eventually polls cond until it returns true,
// failing the test after timeout.
func Eventually(t testing.TB, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
