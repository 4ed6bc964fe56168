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

import "math"

// bucket holds the mutable token-bucket state for one direction pair
// (read, write). Limits are signed: charging more than the current
// balance during a cycle legitimately drives them negative, and that is
// the whole mechanism by which suspension is triggered.
type bucket struct {
	readLimit   int64
	writeLimit  int64
	lastUpdated Tick
}

// init sets up a bucket from cfg at now. When reinitialize is false the
// bucket is filled fresh to the configured rate. When reinitialize is
// true (a rate change mid-flight) only a downward clip is applied per
// direction and lastUpdated is left untouched: an in-flight bucket has
// already spent part of its current allowance, so refilling it from
// scratch would grant an unearned burst.
func (b *bucket) init(cfg *Config, now Tick, reinitialize bool) {
	if !reinitialize {
		b.readLimit = int64(cfg.ReadRate)
		b.writeLimit = int64(cfg.WriteRate)
		b.lastUpdated = now
		return
	}
	if b.readLimit > int64(cfg.ReadMax) {
		b.readLimit = int64(cfg.ReadMax)
	}
	if b.writeLimit > int64(cfg.WriteMax) {
		b.writeLimit = int64(cfg.WriteMax)
	}
}

// update advances the bucket to now, adding n*rate tokens per direction
// (saturating at max), where n is the number of elapsed ticks. It
// returns false, leaving the bucket untouched, when no time has passed
// or when the elapsed tick count looks like a clock regression (n would
// not fit in an int32).
func (b *bucket) update(cfg *Config, now Tick) bool {
	n := uint32(now - b.lastUpdated) // unsigned wrap-around subtraction
	if n == 0 || n > math.MaxInt32 {
		return false
	}

	b.readLimit = refill(b.readLimit, cfg.ReadRate, cfg.ReadMax, n)
	b.writeLimit = refill(b.writeLimit, cfg.WriteRate, cfg.WriteMax, n)
	b.lastUpdated = now
	return true
}

// refill computes the saturating-add of n*rate tokens onto limit,
// clamped to max. The overflow-safe comparison mirrors the C original's
// "(max - limit) / n < rate" check rather than computing n*rate first.
func refill(limit int64, rate, max uint32, n uint32) int64 {
	m := int64(max)
	if limit >= m {
		return m
	}
	headroom := m - limit
	if headroom/int64(n) < int64(rate) {
		return m
	}
	return limit + int64(n)*int64(rate)
}
