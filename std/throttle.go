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

package std

import (
	"io"
	"sync"
	"time"

	"github.com/xtaci/kcpthrottle/ratelim"
)

// ThrottledConn wraps a stream with a ratelim.Limiter, clipping every Read
// and Write to the limiter's current allowance and blocking the call while
// the limiter reports the direction suspended. It implements
// ratelim.Endpoint itself so the limiter's suspend/unsuspend callbacks drive
// the blocking directly; only a zero allowance reported while the direction
// is not suspended is waited out by a short poll (see waitAndClip).
type ThrottledConn struct {
	io.ReadWriteCloser
	limiter *ratelim.Limiter

	mu           sync.Mutex
	readCond     *sync.Cond
	writeCond    *sync.Cond
	readBlocked  ratelim.SuspendReason
	writeBlocked ratelim.SuspendReason
}

// NewThrottledConn wraps conn with a fresh, unconfigured Limiter. Call
// SetRateLimit to install a per-stream bucket and/or Group.Add to join a
// fair-sharing group; a ThrottledConn with neither behaves like a plain
// passthrough (MaxRead/MaxWrite fall back to the hard caps).
func NewThrottledConn(conn io.ReadWriteCloser) *ThrottledConn {
	t := &ThrottledConn{ReadWriteCloser: conn}
	t.readCond = sync.NewCond(&t.mu)
	t.writeCond = sync.NewCond(&t.mu)
	t.limiter = ratelim.NewLimiter(t)
	return t
}

// Limiter exposes the underlying per-stream limiter, e.g. for Group.Add.
func (t *ThrottledConn) Limiter() *ratelim.Limiter { return t.limiter }

// SetRateLimit installs or clears the per-stream bucket config.
func (t *ThrottledConn) SetRateLimit(cfg *ratelim.Config) error {
	return t.limiter.SetRateLimit(cfg)
}

func (t *ThrottledConn) Read(p []byte) (int, error) {
	n := t.waitAndClip(p, true)
	read, err := t.ReadWriteCloser.Read(p[:n])
	if read > 0 {
		t.limiter.DecrementReadBuckets(read)
	}
	return read, err
}

func (t *ThrottledConn) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n := t.waitAndClip(p[total:], false)
		written, err := t.ReadWriteCloser.Write(p[total : total+n])
		if written > 0 {
			t.limiter.DecrementWriteBuckets(written)
			total += written
		}
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (t *ThrottledConn) Close() error {
	t.limiter.Close()
	return t.ReadWriteCloser.Close()
}

// waitAndClip blocks until the requested direction is unsuspended and the
// limiter reports a positive allowance, then returns how many of len(p)
// bytes may be attempted. A group can report zero allowance for a member
// that hasn't yet observed SuspendBWGroup (the member's own suspend flag is
// only set the next time it calls in, per spec.md §4.3 step 4); a short
// poll interval covers that narrow window without a dedicated wakeup path.
func (t *ThrottledConn) waitAndClip(p []byte, read bool) int {
	for {
		t.mu.Lock()
		blocked := t.readBlocked
		cond := t.readCond
		if !read {
			blocked = t.writeBlocked
			cond = t.writeCond
		}
		if blocked == 0 {
			t.mu.Unlock()
			break
		}
		cond.Wait()
		t.mu.Unlock()
	}

	for {
		allowed := t.limiter.MaxRead()
		if !read {
			allowed = t.limiter.MaxWrite()
		}
		if allowed > 0 {
			if allowed < len(p) {
				return allowed
			}
			return len(p)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (t *ThrottledConn) SuspendRead(reason ratelim.SuspendReason) {
	t.mu.Lock()
	t.readBlocked |= reason
	t.mu.Unlock()
}

func (t *ThrottledConn) SuspendWrite(reason ratelim.SuspendReason) {
	t.mu.Lock()
	t.writeBlocked |= reason
	t.mu.Unlock()
}

func (t *ThrottledConn) UnsuspendRead(reason ratelim.SuspendReason) {
	t.mu.Lock()
	t.readBlocked &^= reason
	t.mu.Unlock()
	t.readCond.Broadcast()
}

func (t *ThrottledConn) UnsuspendWrite(reason ratelim.SuspendReason) {
	t.mu.Lock()
	t.writeBlocked &^= reason
	t.mu.Unlock()
	t.writeCond.Broadcast()
}
