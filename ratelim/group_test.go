package ratelim

import (
	"testing"
)

func newTestGroup(t *testing.T, clk Clock, rate, burst uint32) *Group {
	t.Helper()
	cfg := mustConfig(t, rate, burst, rate, burst)
	return NewGroupWithClock(cfg, clk)
}

// Scenario 2 (spec.md §8): two-member group, 500 B/s, 1000 B burst,
// min_share 64, per-stream unlimited.
func TestGroupShareDividesAmongMembers(t *testing.T) {
	clk := newFakeClock()
	g := newTestGroup(t, clk, 500, 1000)
	defer g.Close()

	epA, epB := &recordingEndpoint{}, &recordingEndpoint{}
	a := NewLimiterWithClock(epA, clk)
	b := NewLimiterWithClock(epB, clk)
	g.Add(a)
	g.Add(b)

	// A fresh group bucket holds one tick's worth of rate (500 B); one
	// refill tick brings it up to the 1000 B burst this scenario starts from.
	clk.advance(1)
	g.masterRefill()

	if got := a.MaxRead(); got != 500 {
		t.Fatalf("MaxRead for member A = %d, want 500", got)
	}

	a.DecrementReadBuckets(500)
	if got := b.MaxRead(); got != 250 {
		t.Fatalf("MaxRead for member B after A drains half = %d, want 250", got)
	}
}

func TestGroupShareFloorsAtMinShare(t *testing.T) {
	clk := newFakeClock()
	g := newTestGroup(t, clk, 100, 100)
	defer g.Close()
	g.SetMinShare(64)

	var members []*Limiter
	for i := 0; i < 4; i++ {
		l := NewLimiterWithClock(&recordingEndpoint{}, clk)
		g.Add(l)
		members = append(members, l)
	}
	// 100 / 4 == 25, below the 64 floor.
	if got := members[0].MaxRead(); got != 64 {
		t.Fatalf("MaxRead = %d, want the 64 floor", got)
	}
}

// Scenario 3 (spec.md §8): group suspend / member reconnect.
func TestGroupSuspendsAllMembersAndRotationUnsuspendsAll(t *testing.T) {
	clk := newFakeClock()
	g := newTestGroup(t, clk, 500, 1000)
	defer g.Close()

	epA, epB := &recordingEndpoint{}, &recordingEndpoint{}
	a := NewLimiterWithClock(epA, clk)
	b := NewLimiterWithClock(epB, clk)
	g.Add(a)
	g.Add(b)

	// Refill the fresh 500 B group bucket up to its 1000 B burst first.
	clk.advance(1)
	g.masterRefill()

	a.DecrementWriteBuckets(1000) // drains the whole 1000 B burst
	if !g.writeSuspended {
		t.Fatal("expected the group to be write-suspended")
	}

	// Per spec.md §4.3 step 4, a member only self-suspends for
	// SuspendBWGroup when it actually calls MaxWrite and observes the
	// group is suspended.
	b.MaxWrite()
	if !epB.writeSuspended() {
		t.Fatal("member B should self-suspend on next MaxWrite while group is suspended")
	}

	clk.advance(1)
	g.masterRefill()

	if g.writeSuspended {
		t.Fatal("group should have un-suspended after refill reached min_share")
	}
	if epA.writeSuspended() || epB.writeSuspended() {
		t.Fatal("both members should be unsuspended after rotation")
	}
}

// Scenario 4 (spec.md §8): lock contention — a member whose lock cannot
// be acquired is skipped, and self-suspends on its own next call.
func TestGroupSuspendSkipsLockedMemberAndSelfSuspendsLater(t *testing.T) {
	clk := newFakeClock()
	g := newTestGroup(t, clk, 500, 1000)
	defer g.Close()

	epA := &recordingEndpoint{}
	a := NewLimiterWithClock(epA, clk)
	g.Add(a)

	a.Lock() // simulate another path holding A's stream lock
	g.chargeWrite(1000)
	a.Unlock()

	if epA.writeSuspended() {
		t.Fatal("A's lock was held, so it should not have been suspended directly")
	}
	if !g.writeSuspended {
		t.Fatal("group should still be marked write-suspended")
	}

	a.MaxWrite() // A observes the group suspension on its own next call
	if !epA.writeSuspended() {
		t.Fatal("A should self-suspend once it calls MaxWrite and sees the group suspended")
	}
}

func TestGroupAddRemoveRoundTrip(t *testing.T) {
	clk := newFakeClock()
	g := newTestGroup(t, clk, 500, 1000)
	defer g.Close()

	ep := &recordingEndpoint{}
	l := NewLimiterWithClock(ep, clk)
	g.Add(l)
	if g.NumMembers() != 1 {
		t.Fatalf("NumMembers after Add = %d, want 1", g.NumMembers())
	}

	l.Leave()
	if g.NumMembers() != 0 {
		t.Fatalf("NumMembers after Leave = %d, want 0", g.NumMembers())
	}
	if ep.readSuspended() || ep.writeSuspended() {
		t.Fatal("leaving must unconditionally lift SuspendBWGroup")
	}
}

func TestGroupAddIsIdempotent(t *testing.T) {
	clk := newFakeClock()
	g := newTestGroup(t, clk, 500, 1000)
	defer g.Close()

	l := NewLimiterWithClock(&recordingEndpoint{}, clk)
	g.Add(l)
	g.Add(l)
	if g.NumMembers() != 1 {
		t.Fatalf("NumMembers after duplicate Add = %d, want 1 (no duplicates)", g.NumMembers())
	}
}

func TestGroupZeroMembersRotationIsNoOp(t *testing.T) {
	clk := newFakeClock()
	g := newTestGroup(t, clk, 500, 1000)
	defer g.Close()

	if again := g.unsuspendRotateLocked(true); again {
		t.Fatal("rotation over zero members must report no pending work")
	}
}

func TestGroupInvariantMemberCountMatchesSlice(t *testing.T) {
	clk := newFakeClock()
	g := newTestGroup(t, clk, 500, 1000)
	defer g.Close()

	var members []*Limiter
	for i := 0; i < 5; i++ {
		l := NewLimiterWithClock(&recordingEndpoint{}, clk)
		g.Add(l)
		members = append(members, l)
	}
	left := 0
	for i, l := range members {
		if i%2 == 0 {
			l.Leave()
			left++
		}
	}
	if want := len(members) - left; g.NumMembers() != want {
		t.Fatalf("NumMembers = %d, want %d", g.NumMembers(), want)
	}
}

func TestGroupSnapshotReportsMembersAndLevels(t *testing.T) {
	clk := newFakeClock()
	g := newTestGroup(t, clk, 500, 1000)
	defer g.Close()

	if snap := g.Snapshot(); snap.Members != 0 || snap.ReadLevel != 500 || snap.WriteLevel != 500 {
		t.Fatalf("fresh group snapshot = %+v, want {0 500 500}", snap)
	}

	l := NewLimiterWithClock(&recordingEndpoint{}, clk)
	g.Add(l)
	if snap := g.Snapshot(); snap.Members != 1 {
		t.Fatalf("Snapshot().Members = %d, want 1", snap.Members)
	}

	g.chargeRead(200)
	if snap := g.Snapshot(); snap.ReadLevel != 300 {
		t.Fatalf("Snapshot().ReadLevel after charging 200 = %d, want 300", snap.ReadLevel)
	}
}
