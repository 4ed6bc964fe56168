package ratelim

import (
	"math"
	"testing"
)

func mustConfig(t *testing.T, rr, rm, wr, wm uint32) *Config {
	t.Helper()
	cfg, err := NewConfig(rr, rm, wr, wm, 0)
	if err != nil {
		t.Fatalf("NewConfig(%d,%d,%d,%d): %v", rr, rm, wr, wm, err)
	}
	return cfg
}

func TestNewConfigValidation(t *testing.T) {
	if _, err := NewConfig(0, 10, 10, 10, 0); err == nil {
		t.Fatal("expected error for rate 0")
	}
	if _, err := NewConfig(10, 5, 10, 10, 0); err == nil {
		t.Fatal("expected error for rate > max")
	}
	if _, err := NewConfig(10, 10, 10, 10, 0); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestBucketInitFreshAndReinitialize(t *testing.T) {
	cfg := mustConfig(t, 1000, 2000, 1000, 2000)

	var b bucket
	b.init(cfg, 5, false)
	if b.readLimit != 1000 || b.writeLimit != 1000 || b.lastUpdated != 5 {
		t.Fatalf("fresh init = %+v", b)
	}

	// reinitialize only clips downward, never grants an unearned burst
	b.readLimit = 1500
	b.writeLimit = 2500
	b.init(cfg, 99, true)
	if b.readLimit != 1500 {
		t.Fatalf("reinit should not touch read below max, got %d", b.readLimit)
	}
	if b.writeLimit != 2000 {
		t.Fatalf("reinit should clip write down to max, got %d", b.writeLimit)
	}
	if b.lastUpdated != 5 {
		t.Fatalf("reinit must not touch lastUpdated, got %d", b.lastUpdated)
	}
}

func TestBucketUpdateLinearRefillWithinCeiling(t *testing.T) {
	cfg := mustConfig(t, 100, 1000, 100, 1000)
	var b bucket
	b.init(cfg, 0, false)
	b.readLimit, b.writeLimit = 0, 0

	for k := Tick(1); k <= 20; k++ {
		bb := b
		if ok := bb.update(cfg, k); !ok {
			t.Fatalf("update(%d) returned false", k)
		}
		want := int64(k) * 100
		if want > 1000 {
			want = 1000
		}
		if bb.readLimit != want {
			t.Fatalf("after %d ticks, readLimit = %d, want %d", k, bb.readLimit, want)
		}
	}
}

func TestBucketUpdateZeroTicksNoOp(t *testing.T) {
	cfg := mustConfig(t, 100, 1000, 100, 1000)
	var b bucket
	b.init(cfg, 10, false)
	before := b
	if b.update(cfg, 10) {
		t.Fatal("update with n==0 should return false")
	}
	if b != before {
		t.Fatalf("update with n==0 must not mutate bucket: got %+v want %+v", b, before)
	}
}

func TestBucketUpdateClockRegression(t *testing.T) {
	cfg := mustConfig(t, 100, 1000, 100, 1000)
	var b bucket
	b.init(cfg, 10, false)
	before := b
	// now < lastUpdated wraps to a huge n, which must be treated as regression
	if b.update(cfg, 5) {
		t.Fatal("update with apparent huge elapsed ticks should return false")
	}
	if b != before {
		t.Fatalf("regressed update must not mutate bucket: got %+v want %+v", b, before)
	}
}

func TestBucketUpdateRejectsOverflowingTickCount(t *testing.T) {
	cfg := mustConfig(t, 1, 1, 1, 1)
	var b bucket
	b.lastUpdated = 0
	if b.update(cfg, Tick(math.MaxInt32)+1) {
		t.Fatal("update should reject n > MaxInt32")
	}
}

func TestRefillSaturatesAtMax(t *testing.T) {
	got := refill(990, 100, 1000, 5)
	if got != 1000 {
		t.Fatalf("refill saturation: got %d want 1000", got)
	}
	got = refill(-500, 100, 1000, 3)
	if got != -200 {
		t.Fatalf("refill from negative: got %d want -200", got)
	}
}
