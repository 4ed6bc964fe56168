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
	"time"

	"github.com/pkg/errors"
)

const (
	// MaxReadEver is the hard per-operation cap on a single read,
	// independent of any bucket's depth.
	MaxReadEver = 16384
	// MaxWriteEver is the hard per-operation cap on a single write,
	// independent of any bucket's depth.
	MaxWriteEver = 16384
	// DefaultMinShare is the minimum per-member share a group will
	// report, even when bucket/n_members rounds below it.
	DefaultMinShare = 64
	// DefaultTickLength is used when a config omits an explicit tick
	// length.
	DefaultTickLength = time.Second
)

// ErrInvalidConfig reports that a requested rate/burst/tick combination
// violates the bucket config invariants (rate <= max, rate >= 1,
// msec_per_tick >= 1).
var ErrInvalidConfig = errors.New("ratelim: invalid config")

// Config is an immutable bucket configuration: tokens added per tick and
// the ceiling they are clamped to, for each direction, plus the wall
// clock tick length. Once constructed by NewConfig it is never mutated;
// Limiters and Groups treat it as a read-only view and groups keep their
// own copy rather than sharing the caller's.
type Config struct {
	ReadRate    uint32
	ReadMax     uint32
	WriteRate   uint32
	WriteMax    uint32
	TickLength  time.Duration
	msecPerTick uint32
}

// NewConfig validates and constructs an immutable Config. tickLength
// defaults to DefaultTickLength (one second) when zero is passed.
func NewConfig(readRate, readMax, writeRate, writeMax uint32, tickLength time.Duration) (*Config, error) {
	if tickLength == 0 {
		tickLength = DefaultTickLength
	}
	msecPerTick := uint32(tickLength / time.Millisecond)

	cfg := &Config{
		ReadRate:    readRate,
		ReadMax:     readMax,
		WriteRate:   writeRate,
		WriteMax:    writeMax,
		TickLength:  tickLength,
		msecPerTick: msecPerTick,
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ReadRate < 1 || c.WriteRate < 1 {
		return errors.Wrap(ErrInvalidConfig, "rate must be >= 1")
	}
	if c.ReadRate > c.ReadMax || c.WriteRate > c.WriteMax {
		return errors.Wrap(ErrInvalidConfig, "rate must be <= max")
	}
	if c.msecPerTick < 1 {
		return errors.Wrap(ErrInvalidConfig, "msec_per_tick must be >= 1")
	}
	return nil
}

// NewSymmetricConfig builds a Config with the same rate/burst applied to
// both directions, which is how kcptun's single -ratelimit CLI flag has
// always been expressed. If burst is 0 it defaults to rate (no burst above
// the steady rate); tickMS 0 defaults to DefaultTickLength.
func NewSymmetricConfig(rate, burst, tickMS uint32) (*Config, error) {
	if burst == 0 {
		burst = rate
	}
	var tick time.Duration
	if tickMS > 0 {
		tick = time.Duration(tickMS) * time.Millisecond
	}
	return NewConfig(rate, burst, rate, burst, tick)
}

// clone returns a value copy of cfg, used by Group which owns its
// config rather than sharing the caller's instance (spec: "groups do
// not share config objects with streams").
func (c *Config) clone() *Config {
	cp := *c
	return &cp
}

// tickFor is a method-form convenience over the package-level TickFor.
func (c *Config) tickFor(sec, usec int64) Tick {
	return TickFor(sec, usec, c)
}
