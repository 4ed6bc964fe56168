package ratelim

import "testing"

func TestTickForMonotonic(t *testing.T) {
	cfg, err := NewConfig(1, 1, 1, 1, 0)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}

	prev := TickFor(0, 0, cfg)
	for sec := int64(0); sec < 5; sec++ {
		for usec := int64(0); usec < 1_000_000; usec += 250_000 {
			cur := TickFor(sec, usec, cfg)
			if cur < prev {
				t.Fatalf("tick_for regressed: sec=%d usec=%d got %d after %d", sec, usec, cur, prev)
			}
			prev = cur
		}
	}
}

func TestTickForDerivesFromMsecPerTick(t *testing.T) {
	cfg, err := NewConfig(1, 1, 1, 1, 0) // defaults to 1s ticks
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if got, want := TickFor(0, 999_999, cfg), Tick(0); got != want {
		t.Fatalf("TickFor(0, 999999) = %d, want %d", got, want)
	}
	if got, want := TickFor(1, 0, cfg), Tick(1); got != want {
		t.Fatalf("TickFor(1, 0) = %d, want %d", got, want)
	}
}
