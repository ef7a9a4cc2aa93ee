package utils

import (
	"context"
	"testing"
	"time"
)

func TestSleep_FullDuration(t *testing.T) {
	start := time.Now()
	if !Sleep(context.Background(), 20*time.Millisecond) {
		t.Fatal("Sleep should report completion when ctx is not cancelled")
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("Sleep returned after %v, expected at least 20ms", elapsed)
	}
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	if Sleep(ctx, 5*time.Second) {
		t.Fatal("Sleep should report interruption")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Sleep took %v after cancellation", elapsed)
	}
}

func TestSleep_ZeroDuration(t *testing.T) {
	if !Sleep(context.Background(), 0) {
		t.Error("zero sleep on a live context should report true")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if Sleep(ctx, 0) {
		t.Error("zero sleep on a cancelled context should report false")
	}
}

func TestNewToken_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok := NewToken()
		if len(tok) != 36 {
			t.Fatalf("token %q has length %d, expected 36", tok, len(tok))
		}
		if seen[tok] {
			t.Fatalf("duplicate token %q", tok)
		}
		seen[tok] = true
	}
}
