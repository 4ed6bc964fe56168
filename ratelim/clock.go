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

// Package ratelim implements the token-bucket rate limiting core shared
// by individual kcpthrottle streams and groups of streams: bounded burst,
// bounded drain, per-stream suspension and fair(ish) group sharing with
// periodic refill.
package ratelim

import "time"

// Tick is a monotonically increasing, wrapping time quantum. Overflow is
// defined: the difference between two ticks is computed with unsigned
// wrap-around subtraction, which is correct as long as true elapsed ticks
// never exceed math.MaxInt32.
type Tick uint32

// Clock is the monotonic time source collaborator. The real event loop
// this library is meant to sit inside already has one; Clock exists so
// tests can supply a fake one without touching wall time.
type Clock interface {
	// Now returns seconds and the microsecond fraction of the current
	// time, mirroring the (sec, usec) pair the original C library reads
	// off its event base.
	Now() (sec int64, usec int64)
}

// realClock reads the real wall clock.
type realClock struct{}

func (realClock) Now() (int64, int64) {
	now := time.Now()
	return now.Unix(), int64(now.Nanosecond() / 1000)
}

// RealClock is the default Clock, backed by time.Now.
var RealClock Clock = realClock{}

// TickFor converts a (sec, usec) timestamp into a tick index using the
// tick length baked into cfg. Purely functional, and monotonic whenever
// the input time is monotonic.
func TickFor(sec, usec int64, cfg *Config) Tick {
	msec := uint64(sec)*1000 + uint64(usec)/1000
	return Tick(msec / uint64(cfg.msecPerTick))
}

// tickNow is a convenience wrapper combining a Clock read with TickFor.
func tickNow(clk Clock, cfg *Config) Tick {
	sec, usec := clk.Now()
	return TickFor(sec, usec, cfg)
}
