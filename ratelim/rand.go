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
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// xorshiftRand is a process-local xorshift64* PRNG. No cryptographic
// strength is required here: it only picks the starting member for
// random-start rotation (spec: "a weak PRNG suffices").
type xorshiftRand struct {
	mu    sync.Mutex
	state uint64
}

func newXorshiftRand() *xorshiftRand {
	var seed [8]byte
	if _, err := rand.Read(seed[:]); err != nil {
		// crypto/rand failing is exceptionally rare; fall back to a
		// fixed non-zero seed rather than leaving state at zero, which
		// would make xorshift64* degenerate.
		binary.LittleEndian.PutUint64(seed[:], 0x9e3779b97f4a7c15)
	}
	state := binary.LittleEndian.Uint64(seed[:])
	if state == 0 {
		state = 0x9e3779b97f4a7c15
	}
	return &xorshiftRand{state: state}
}

func (r *xorshiftRand) next() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	x := r.state
	x ^= x >> 12
	x ^= x << 25
	x ^= x >> 27
	r.state = x
	return x * 0x2545F4914F6CDD1D
}

// intn returns a uniform value in [0, n). n must be > 0.
func (r *xorshiftRand) intn(n int) int {
	return int(r.next() % uint64(n))
}

// processRand is the shared generator used for random-start rotation.
var processRand = newXorshiftRand()
