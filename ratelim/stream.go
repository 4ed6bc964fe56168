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

// Limiter is the per-stream rate limiter: an optional bucket config, an
// owned bucket, an owned one-shot refill timer, and optional membership
// in a Group. A Limiter is always allocated for a stream that wants
// throttling; whether per-stream limiting is active is carried by cfg
// being non-nil, independent of group membership.
type Limiter struct {
	mu sync.Mutex // the stream lock of spec.md §5; lock order is this -> Group.mu

	endpoint Endpoint
	clock    Clock

	cfg    *Config
	bucket bucket

	refillTimer *time.Timer

	readSuspendedBW  bool
	writeSuspendedBW bool

	group *Group
}

// NewLimiter creates a Limiter for endpoint with no per-stream config and
// no group membership; both are opt-in via SetRateLimit and (*Group).Add.
func NewLimiter(endpoint Endpoint) *Limiter {
	return NewLimiterWithClock(endpoint, RealClock)
}

// NewLimiterWithClock is NewLimiter with an injectable Clock, for tests.
func NewLimiterWithClock(endpoint Endpoint, clock Clock) *Limiter {
	return &Limiter{endpoint: endpoint, clock: clock}
}

// TryLock exposes the stream lock's non-blocking acquire so a Group can
// attempt member suspension/unsuspension without violating the
// stream-before-group lock order (spec.md §5, §9).
func (l *Limiter) TryLock() bool { return l.mu.TryLock() }

// Lock/Unlock satisfy sync.Locker for symmetry with TryLock.
func (l *Limiter) Lock()   { l.mu.Lock() }
func (l *Limiter) Unlock() { l.mu.Unlock() }

// SetRateLimit installs, swaps, or clears the per-stream bucket config.
// Passing nil clears any existing config and lifts SuspendBW in both
// directions. Passing the same *Config already installed is a no-op.
// Passing a different config reinitializes the bucket in clip-down mode
// (§4.2 reinitialize=true) and re-applies suspension based on the sign
// of the resulting limits.
func (l *Limiter) SetRateLimit(cfg *Config) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cfg == nil {
		if l.cfg == nil {
			return nil
		}
		l.cfg = nil
		l.stopRefillTimerLocked()
		if l.readSuspendedBW {
			l.readSuspendedBW = false
			l.endpoint.UnsuspendRead(SuspendBW)
		}
		if l.writeSuspendedBW {
			l.writeSuspendedBW = false
			l.endpoint.UnsuspendWrite(SuspendBW)
		}
		return nil
	}

	if l.cfg == cfg {
		return nil // idempotent: same config instance already installed
	}

	reinitialize := l.cfg != nil
	l.cfg = cfg
	now := tickNow(l.clock, cfg)
	l.bucket.init(cfg, now, reinitialize)
	l.applySuspensionLocked()
	return nil
}

// applySuspensionLocked suspends or lifts SuspendBW per direction based
// on the current sign of the bucket limits, arming the refill timer
// whenever either direction is suspended. l.mu must be held.
func (l *Limiter) applySuspensionLocked() {
	if l.bucket.readLimit <= 0 {
		if !l.readSuspendedBW {
			l.readSuspendedBW = true
			l.endpoint.SuspendRead(SuspendBW)
		}
	} else if l.readSuspendedBW {
		l.readSuspendedBW = false
		l.endpoint.UnsuspendRead(SuspendBW)
	}

	if l.bucket.writeLimit <= 0 {
		if !l.writeSuspendedBW {
			l.writeSuspendedBW = true
			l.endpoint.SuspendWrite(SuspendBW)
		}
	} else if l.writeSuspendedBW {
		l.writeSuspendedBW = false
		l.endpoint.UnsuspendWrite(SuspendBW)
	}

	if l.readSuspendedBW || l.writeSuspendedBW {
		l.armRefillTimerLocked()
	}
}

// armRefillTimerLocked (re)starts the one-shot per-stream refill timer
// for one cfg.TickLength. l.mu must be held, l.cfg must be non-nil.
func (l *Limiter) armRefillTimerLocked() {
	if l.refillTimer != nil {
		l.refillTimer.Stop()
	}
	cfg := l.cfg
	l.refillTimer = time.AfterFunc(cfg.TickLength, l.onRefillTimer)
}

// stopRefillTimerLocked cancels the per-stream refill timer, if any.
func (l *Limiter) stopRefillTimerLocked() {
	if l.refillTimer != nil {
		l.refillTimer.Stop()
		l.refillTimer = nil
	}
}

// onRefillTimer is the per-stream refill callback of spec.md §4.5.
func (l *Limiter) onRefillTimer() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cfg == nil {
		return
	}
	cfg := l.cfg
	now := tickNow(l.clock, cfg)
	l.bucket.update(cfg, now)

	again := false
	if l.readSuspendedBW {
		if l.bucket.readLimit > 0 {
			l.readSuspendedBW = false
			l.endpoint.UnsuspendRead(SuspendBW)
		} else {
			again = true
		}
	}
	if l.writeSuspendedBW {
		if l.bucket.writeLimit > 0 {
			l.writeSuspendedBW = false
			l.endpoint.UnsuspendWrite(SuspendBW)
		} else {
			again = true
		}
	}

	// A deep deficit may not clear in a single tick; re-arm for another
	// round rather than assuming one refill is always enough.
	if again {
		l.armRefillTimerLocked()
	}
}

// MaxRead returns the largest number of bytes that may be attempted in
// the next read syscall, per spec.md §4.3. It may be 0.
func (l *Limiter) MaxRead() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxLocked(true)
}

// MaxWrite is the write-direction counterpart of MaxRead.
func (l *Limiter) MaxWrite() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxLocked(false)
}

func (l *Limiter) maxLocked(read bool) int {
	maxSoFar := MaxReadEver
	if !read {
		maxSoFar = MaxWriteEver
	}

	if l.cfg == nil && l.group == nil {
		return maxSoFar
	}

	if l.cfg != nil {
		now := tickNow(l.clock, l.cfg)
		l.bucket.update(l.cfg, now)
		limit := l.bucket.readLimit
		if !read {
			limit = l.bucket.writeLimit
		}
		if int(limit) < maxSoFar {
			maxSoFar = int(limit)
		}
	}

	if l.group != nil {
		share := l.group.share(l, read)
		if share < maxSoFar {
			maxSoFar = share
		}
	}

	if maxSoFar < 0 {
		maxSoFar = 0
	}
	return maxSoFar
}

// DecrementReadBuckets charges b bytes of observed read I/O against the
// stream bucket and, if attached, the group bucket, per spec.md §4.4.
func (l *Limiter) DecrementReadBuckets(b int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cfg != nil {
		l.bucket.readLimit -= int64(b)
		if l.bucket.readLimit <= 0 && !l.readSuspendedBW {
			l.readSuspendedBW = true
			l.endpoint.SuspendRead(SuspendBW)
			l.armRefillTimerLocked()
		}
	}
	if l.group != nil {
		l.group.chargeRead(b)
	}
}

// DecrementWriteBuckets is the write-direction counterpart of
// DecrementReadBuckets.
func (l *Limiter) DecrementWriteBuckets(b int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cfg != nil {
		l.bucket.writeLimit -= int64(b)
		if l.bucket.writeLimit <= 0 && !l.writeSuspendedBW {
			l.writeSuspendedBW = true
			l.endpoint.SuspendWrite(SuspendBW)
			l.armRefillTimerLocked()
		}
	}
	if l.group != nil {
		l.group.chargeWrite(b)
	}
}

// Leave removes the stream from its current group, if any, lifting
// SuspendBWGroup unconditionally (spec.md §4.9 remove_from_group).
func (l *Limiter) Leave() {
	l.mu.Lock()
	group := l.group
	l.group = nil
	l.mu.Unlock()

	if group != nil {
		group.remove(l)
		l.endpoint.UnsuspendRead(SuspendBWGroup)
		l.endpoint.UnsuspendWrite(SuspendBWGroup)
	}
}

// Close tears the limiter down: it cancels the per-stream refill timer
// and leaves any group. Callers must do this before dropping the last
// reference to a Limiter so the timer goroutine does not leak.
func (l *Limiter) Close() {
	l.Leave()
	l.mu.Lock()
	l.stopRefillTimerLocked()
	l.mu.Unlock()
}
