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

// SuspendReason is a bitmask identifying why I/O on a stream is
// inhibited. Distinct reasons are lifted independently of each other.
type SuspendReason uint32

const (
	// SuspendBW marks a stream suspended by its own, per-stream bucket.
	SuspendBW SuspendReason = 1 << iota
	// SuspendBWGroup marks a stream suspended on behalf of its group.
	SuspendBWGroup
)

// Endpoint is the collaborator a Limiter drives: the actual network
// stream, which knows how to stop and resume read/write activity. The
// event loop this library is embedded in owns the real implementation;
// ratelim only ever calls these four methods.
type Endpoint interface {
	SuspendRead(reason SuspendReason)
	SuspendWrite(reason SuspendReason)
	UnsuspendRead(reason SuspendReason)
	UnsuspendWrite(reason SuspendReason)
}

// NopEndpoint is a no-op Endpoint, useful for tests that only care about
// bucket arithmetic and not about the suspend/resume side effects.
type NopEndpoint struct{}

func (NopEndpoint) SuspendRead(SuspendReason)    {}
func (NopEndpoint) SuspendWrite(SuspendReason)   {}
func (NopEndpoint) UnsuspendRead(SuspendReason)  {}
func (NopEndpoint) UnsuspendWrite(SuspendReason) {}
