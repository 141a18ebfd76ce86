package fetch

import (
	"context"
	"testing"
	"time"
)

func TestPacer_DelayWithoutJitter(t *testing.T) {
	p := NewPacer(0, testLogger())

	if got := p.Delay(3 * time.Second); got != 3*time.Second {
		t.Errorf("Delay(3s) = %v, want 3s", got)
	}
	if got := p.Delay(-time.Second); got != 0 {
		t.Errorf("Delay(-1s) = %v, want 0", got)
	}
}

func TestPacer_DelayJitterBounds(t *testing.T) {
	p := NewPacer(2*time.Second, testLogger())

	for i := 0; i < 200; i++ {
		d := p.Delay(5 * time.Second)
		if d < 5*time.Second || d > 7*time.Second {
			t.Fatalf("Delay(5s) = %v, want within [5s, 7s]", d)
		}
	}
}

func TestPacer_DelayUsesRandomSource(t *testing.T) {
	p := NewPacer(time.Second, testLogger())
	p.randFn = func(n int64) int64 { return n - 1 } // max jitter

	if got := p.Delay(time.Second); got != 2*time.Second {
		t.Errorf("Delay(1s) with max jitter = %v, want 2s", got)
	}
}

func TestPacer_WaitRespectsContextCancellation(t *testing.T) {
	p := NewPacer(0, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := p.Wait(ctx, 5*time.Second)
	elapsed := time.Since(start)

	if err != context.Canceled {
		t.Errorf("Wait error = %v, want context.Canceled", err)
	}
	if elapsed > time.Second {
		t.Errorf("Wait with cancelled context took %v, expected prompt return", elapsed)
	}
}

func TestPacer_WaitPreCancelled(t *testing.T) {
	p := NewPacer(0, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := p.Wait(ctx, 0); err != context.Canceled {
		t.Errorf("Wait on cancelled context = %v, want context.Canceled", err)
	}
}

func TestPacer_WaitSleepsForExpectedDuration(t *testing.T) {
	p := NewPacer(0, testLogger())

	start := time.Now()
	if err := p.Wait(context.Background(), 50*time.Millisecond); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	elapsed := time.Since(start)

	if elapsed < 45*time.Millisecond {
		t.Errorf("Wait returned too quickly: %v, expected ~50ms", elapsed)
	}
}

func TestPacer_ZeroDelayReturnsImmediately(t *testing.T) {
	p := NewPacer(0, testLogger())

	start := time.Now()
	if err := p.Wait(context.Background(), 0); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Millisecond {
		t.Errorf("Wait(0) took %v, expected instant return", elapsed)
	}
}
