// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package ratelim

import (
	"sync"
	"time"
)

// Group is a shared bucket for a collection of streams: one master
// refill timer, one bucket, and an ordered, duplicate-free membership
// list. Group is safe for concurrent use from multiple goroutines/event
// bases; each Limiter serializes its own state with its stream lock. The
// lock order is stream -> group (spec.md §5), so every group-driven path
// that touches a member lock must use the member's TryLock, never a
// blocking Lock.
//
// The C original gives groups a recursive mutex so the same thread can
// re-enter group code from a member callback. Go's sync.Mutex is not
// reentrant; instead Group exposes only locking public methods and
// keeps private "Locked" helpers that assume the lock is already held,
// which preserves the same call graph without needing reentrancy.
type Group struct {
	mu sync.Mutex

	cfg      *Config
	bucket   bucket
	members  []*Limiter
	minShare uint32

	readSuspended  bool
	writeSuspended bool

	pendingUnsuspendRead  bool
	pendingUnsuspendWrite bool

	clock  Clock
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewGroup creates a Group with its own copy of cfg (groups never share
// a config object with the streams that join them) and starts its
// master refill timer, which fires every cfg.TickLength.
func NewGroup(cfg *Config) *Group {
	return NewGroupWithClock(cfg, RealClock)
}

// NewGroupWithClock is NewGroup with an injectable Clock, for tests.
func NewGroupWithClock(cfg *Config, clock Clock) *Group {
	g := &Group{
		cfg:      cfg.clone(),
		minShare: DefaultMinShare,
		clock:    clock,
		stop:     make(chan struct{}),
	}
	sec, usec := clock.Now()
	g.bucket.init(g.cfg, TickFor(sec, usec, g.cfg), false)
	g.ticker = time.NewTicker(g.cfg.TickLength)
	g.wg.Add(1)
	go g.run()
	return g
}

func (g *Group) run() {
	defer g.wg.Done()
	for {
		select {
		case <-g.ticker.C:
			g.masterRefill()
		case <-g.stop:
			return
		}
	}
}

// Close cancels the master refill timer. Callers are responsible for
// draining membership first (spec.md §5); Close does not force-remove
// remaining members, it only stops the timer goroutine.
func (g *Group) Close() {
	close(g.stop)
	g.ticker.Stop()
	g.wg.Wait()
}

// SetMinShare overrides the default minimum per-member share (64).
func (g *Group) SetMinShare(n uint32) {
	g.mu.Lock()
	g.minShare = n
	g.mu.Unlock()
}

// SetConfig rescales a live group's bucket in place, clipping downward
// only (the same reinitialize semantics as Limiter.SetRateLimit). This
// mirrors bufferevent_rate_limit_group_set_cfg in the original C source,
// which the distilled spec.md omits for groups but keeps for streams.
func (g *Group) SetConfig(cfg *Config) error {
	if cfg == nil {
		return ErrInvalidConfig
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	newCfg := cfg.clone()
	g.cfg = newCfg
	sec, usec := g.clock.Now()
	g.bucket.init(newCfg, TickFor(sec, usec, newCfg), true)
	g.ticker.Reset(newCfg.TickLength)
	return nil
}

// NumMembers reports the current membership count.
func (g *Group) NumMembers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

// GroupSnapshot is a point-in-time view of a group's shared bucket,
// for operator-facing stats export (std.StatsLogger), not a live handle.
type GroupSnapshot struct {
	Members    int
	ReadLevel  int64
	WriteLevel int64
}

// Snapshot reports the group's current membership and bucket levels.
func (g *Group) Snapshot() GroupSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return GroupSnapshot{
		Members:    len(g.members),
		ReadLevel:  g.bucket.readLimit,
		WriteLevel: g.bucket.writeLimit,
	}
}

// Add moves l into g, first leaving any group l already belongs to.
// Re-adding a stream already in g is a no-op. Joining a currently
// suspended group propagates that suspension to the newcomer.
func (g *Group) Add(l *Limiter) {
	l.mu.Lock()
	same := l.group == g
	l.mu.Unlock()
	if same {
		return
	}
	l.Leave()

	l.mu.Lock()
	g.mu.Lock()
	already := false
	for _, m := range g.members {
		if m == l {
			already = true
			break
		}
	}
	if !already {
		g.members = append(g.members, l)
		l.group = g
	}
	suspendedRead, suspendedWrite := g.readSuspended, g.writeSuspended
	g.mu.Unlock()
	l.mu.Unlock()

	if !already {
		if suspendedRead {
			l.endpoint.SuspendRead(SuspendBWGroup)
		}
		if suspendedWrite {
			l.endpoint.SuspendWrite(SuspendBWGroup)
		}
	}
}

// remove deletes l from the membership list, preserving the relative
// order of the remaining members.
func (g *Group) remove(l *Limiter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, m := range g.members {
		if m == l {
			g.members = append(g.members[:i:i], g.members[i+1:]...)
			return
		}
	}
}

// share computes the per-member byte budget for direction `read`,
// per spec.md §4.3 step 4. If the group is currently suspended in that
// direction, l self-suspends (catching the race where group-wide
// suspension could not lock l) and the share is 0.
func (g *Group) share(l *Limiter, read bool) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	suspended := g.readSuspended
	if !read {
		suspended = g.writeSuspended
	}
	if suspended {
		if read {
			l.endpoint.SuspendRead(SuspendBWGroup)
		} else {
			l.endpoint.SuspendWrite(SuspendBWGroup)
		}
		return 0
	}

	n := len(g.members)
	if n == 0 {
		// A stream querying its group's share is necessarily a member,
		// so this is unreachable in practice; avoid a division by zero
		// defensively rather than asserting.
		return MaxReadEver
	}

	limit := g.bucket.readLimit
	if !read {
		limit = g.bucket.writeLimit
	}
	share := limit / int64(n)
	if share < int64(g.minShare) {
		share = int64(g.minShare)
	}
	return int(share)
}

// chargeRead charges b bytes against the group bucket, suspending the
// group in the read direction if it goes non-positive.
func (g *Group) chargeRead(b int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bucket.readLimit -= int64(b)
	if g.bucket.readLimit <= 0 && !g.readSuspended {
		g.suspendReadLocked()
	}
}

// chargeWrite is the write-direction counterpart of chargeRead.
func (g *Group) chargeWrite(b int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bucket.writeLimit -= int64(b)
	if g.bucket.writeLimit <= 0 && !g.writeSuspended {
		g.suspendWriteLocked()
	}
}

// suspendReadLocked is spec.md §4.6 group_suspend_read. g.mu must be
// held. Member locks are try-only: the lock order is member -> group,
// so suspending from here (already holding the group lock) must never
// block on a member lock, on pain of deadlock with a member that is
// mid-MaxRead/MaxWrite holding its own lock and blocking on g.mu.
func (g *Group) suspendReadLocked() {
	g.readSuspended = true
	g.pendingUnsuspendRead = false
	for _, m := range g.members {
		if m.TryLock() {
			m.endpoint.SuspendRead(SuspendBWGroup)
			m.Unlock()
		}
		// Skipped members observe g.readSuspended on their next MaxRead.
	}
}

// suspendWriteLocked is the write-direction counterpart.
func (g *Group) suspendWriteLocked() {
	g.writeSuspended = true
	g.pendingUnsuspendWrite = false
	for _, m := range g.members {
		if m.TryLock() {
			m.endpoint.SuspendWrite(SuspendBWGroup)
			m.Unlock()
		}
	}
}

// masterRefill is spec.md §4.7, fired by the master refill ticker.
func (g *Group) masterRefill() {
	g.mu.Lock()
	defer g.mu.Unlock()

	sec, usec := g.clock.Now()
	g.bucket.update(g.cfg, TickFor(sec, usec, g.cfg))

	if g.pendingUnsuspendRead || (g.readSuspended && g.bucket.readLimit >= int64(g.minShare)) {
		g.readSuspended = false
		g.pendingUnsuspendRead = g.unsuspendRotateLocked(true)
	}
	if g.pendingUnsuspendWrite || (g.writeSuspended && g.bucket.writeLimit >= int64(g.minShare)) {
		g.writeSuspended = false
		g.pendingUnsuspendWrite = g.unsuspendRotateLocked(false)
	}
}

// unsuspendRotateLocked visits members in random-start rotation
// (spec.md §4.8), unsuspending SuspendBWGroup on each it can lock. It
// returns true if any member's lock could not be acquired, so the
// caller can retry just those members next tick via pending_unsuspend_*.
func (g *Group) unsuspendRotateLocked(read bool) bool {
	n := len(g.members)
	if n == 0 {
		return false
	}
	k := processRand.intn(n)
	again := false
	for i := 0; i < n; i++ {
		m := g.members[(k+i)%n]
		if m.TryLock() {
			if read {
				m.endpoint.UnsuspendRead(SuspendBWGroup)
			} else {
				m.endpoint.UnsuspendWrite(SuspendBWGroup)
			}
			m.Unlock()
		} else {
			again = true
		}
	}
	return again
}
