package humanize

import (
	"context"
	"testing"
	"time"
)

func TestRandomDurationBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := RandomDuration(100, 300)
		if d < 100*time.Millisecond || d > 300*time.Millisecond {
			t.Fatalf("duration %v outside [100ms,300ms]", d)
		}
	}
}

func TestRandomDurationDegenerateRange(t *testing.T) {
	if d := RandomDuration(200, 200); d != 200*time.Millisecond {
		t.Errorf("equal bounds = %v", d)
	}
	if d := RandomDuration(300, 100); d != 300*time.Millisecond {
		t.Errorf("inverted bounds = %v", d)
	}
}

func TestSleepWithContextCompletes(t *testing.T) {
	start := time.Now()
	if !SleepWithContext(context.Background(), 20*time.Millisecond) {
		t.Fatal("sleep should complete")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("returned early")
	}
}

func TestSleepWithContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if SleepWithContext(ctx, time.Second) {
		t.Fatal("sleep should be interrupted")
	}
}
