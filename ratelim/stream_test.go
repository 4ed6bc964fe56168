package ratelim

import "testing"

// Scenario 1 (spec.md §8), adjusted to the literal §4.2 init algorithm:
// single stream, 1000 B/s read, 2000 B burst, 1s tick. A fresh bucket is
// seeded to one tick's worth of rate, not the full burst (see
// DESIGN.md's note on spec.md §4.2 vs. the §8 scenario-1 prose).
func TestSingleStreamBurstAndRefill(t *testing.T) {
	clk := newFakeClock()
	cfg := mustConfig(t, 1000, 2000, 1000, 2000)
	ep := &recordingEndpoint{}
	l := NewLimiterWithClock(ep, clk)

	if err := l.SetRateLimit(cfg); err != nil {
		t.Fatalf("SetRateLimit: %v", err)
	}

	if got := l.MaxRead(); got != 1000 {
		t.Fatalf("initial MaxRead = %d, want 1000 (one tick's worth of rate)", got)
	}

	l.DecrementReadBuckets(1000)
	if !ep.readSuspended() {
		t.Fatal("expected read suspension after draining the initial allowance")
	}
	if got := l.MaxRead(); got != 0 {
		t.Fatalf("MaxRead after drain = %d, want 0", got)
	}

	clk.advance(1)
	if got := l.MaxRead(); got != 1000 {
		t.Fatalf("MaxRead after 1 tick = %d, want 1000", got)
	}

	clk.advance(1)
	if got := l.MaxRead(); got != 2000 {
		t.Fatalf("MaxRead after 2 ticks = %d, want 2000 (capped at burst)", got)
	}
}

func TestMaxReadWithNoLimiterUsesHardCap(t *testing.T) {
	l := NewLimiter(&recordingEndpoint{})
	if got := l.MaxRead(); got != MaxReadEver {
		t.Fatalf("MaxRead with no config/group = %d, want %d", got, MaxReadEver)
	}
	if got := l.MaxWrite(); got != MaxWriteEver {
		t.Fatalf("MaxWrite with no config/group = %d, want %d", got, MaxWriteEver)
	}
}

func TestSetRateLimitIdempotent(t *testing.T) {
	clk := newFakeClock()
	cfg := mustConfig(t, 100, 100, 100, 100)
	ep := &recordingEndpoint{}
	l := NewLimiterWithClock(ep, clk)

	if err := l.SetRateLimit(cfg); err != nil {
		t.Fatalf("first SetRateLimit: %v", err)
	}
	before := l.bucket
	if err := l.SetRateLimit(cfg); err != nil {
		t.Fatalf("second SetRateLimit: %v", err)
	}
	if l.bucket != before {
		t.Fatalf("re-applying the same config mutated the bucket: got %+v want %+v", l.bucket, before)
	}
}

func TestSetRateLimitNilClearsConfigAndSuspension(t *testing.T) {
	clk := newFakeClock()
	cfg := mustConfig(t, 100, 100, 100, 100)
	ep := &recordingEndpoint{}
	l := NewLimiterWithClock(ep, clk)

	if err := l.SetRateLimit(cfg); err != nil {
		t.Fatalf("SetRateLimit: %v", err)
	}
	l.DecrementReadBuckets(100)
	if !ep.readSuspended() {
		t.Fatal("expected suspension after draining the bucket")
	}

	if err := l.SetRateLimit(nil); err != nil {
		t.Fatalf("SetRateLimit(nil): %v", err)
	}
	if ep.readSuspended() {
		t.Fatal("clearing config should lift SuspendBW")
	}
	if got := l.MaxRead(); got != MaxReadEver {
		t.Fatalf("MaxRead after clearing config = %d, want %d", got, MaxReadEver)
	}
}

// Scenario 6 (spec.md §8): rate change mid-flight clips down immediately,
// preserving lastUpdated.
func TestSetRateLimitMidFlightClipsDown(t *testing.T) {
	clk := newFakeClock()
	cfg1 := mustConfig(t, 1000, 5000, 1000, 5000)
	ep := &recordingEndpoint{}
	l := NewLimiterWithClock(ep, clk)

	if err := l.SetRateLimit(cfg1); err != nil {
		t.Fatalf("SetRateLimit cfg1: %v", err)
	}
	l.bucket.readLimit = 4000 // simulate an in-flight bucket
	lastUpdated := l.bucket.lastUpdated

	cfg2 := mustConfig(t, 500, 2000, 500, 2000)
	if err := l.SetRateLimit(cfg2); err != nil {
		t.Fatalf("SetRateLimit cfg2: %v", err)
	}
	if l.bucket.readLimit != 2000 {
		t.Fatalf("readLimit after clip-down = %d, want 2000", l.bucket.readLimit)
	}
	if l.bucket.lastUpdated != lastUpdated {
		t.Fatalf("lastUpdated changed across a clip-down reinit: got %d want %d", l.bucket.lastUpdated, lastUpdated)
	}
}

func TestPerStreamRefillRearmsOnDeepDeficit(t *testing.T) {
	clk := newFakeClock()
	cfg := mustConfig(t, 100, 100, 100, 100)
	ep := &recordingEndpoint{}
	l := NewLimiterWithClock(ep, clk)

	if err := l.SetRateLimit(cfg); err != nil {
		t.Fatalf("SetRateLimit: %v", err)
	}
	l.DecrementReadBuckets(350) // 100 B balance - 350 B = 250 B deficit, three ticks' worth
	if !ep.readSuspended() {
		t.Fatal("expected suspension")
	}

	clk.advance(1)
	l.onRefillTimer()
	if !ep.readSuspended() {
		t.Fatal("one tick should not clear a 250-byte deficit at rate 100")
	}
	if l.refillTimer == nil {
		t.Fatal("refill timer should have been re-armed")
	}

	clk.advance(1)
	l.onRefillTimer()
	if !ep.readSuspended() {
		t.Fatal("two ticks should still leave a deficit")
	}

	clk.advance(1)
	l.onRefillTimer()
	if ep.readSuspended() {
		t.Fatal("three ticks should clear the deficit and unsuspend")
	}
}

func TestInvariantLimitNeverExceedsMax(t *testing.T) {
	clk := newFakeClock()
	cfg := mustConfig(t, 1000, 1500, 1000, 1500)
	l := NewLimiterWithClock(&recordingEndpoint{}, clk)
	if err := l.SetRateLimit(cfg); err != nil {
		t.Fatalf("SetRateLimit: %v", err)
	}
	for i := 0; i < 10; i++ {
		clk.advance(1)
		l.MaxRead()
		l.MaxWrite()
		if l.bucket.readLimit > int64(cfg.ReadMax) {
			t.Fatalf("readLimit %d exceeds max %d", l.bucket.readLimit, cfg.ReadMax)
		}
		if l.bucket.writeLimit > int64(cfg.WriteMax) {
			t.Fatalf("writeLimit %d exceeds max %d", l.bucket.writeLimit, cfg.WriteMax)
		}
	}
}
