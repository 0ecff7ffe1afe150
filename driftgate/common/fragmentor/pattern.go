/*
 * Copyright (c) 2023, Driftgate Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

/*

Package fragmentor breaks outbound byte streams into scheduled chunks to
disrupt deep packet inspection that matches on packet sizes and timing at
the start of a flow.

A Pattern describes how to fragment: chunk size and delay ranges, optional
emission-order randomization, and optional duplicate or overlapping chunks
for offset-addressed senders. A Plan applies a pattern to one payload,
yielding a finite, restartable chunk schedule driven by a seeded PRNG so
that schedules can be replayed. A Conn wraps a net.Conn and transparently
fragments the first bytes written to it.

*/
package fragmentor

import (
	"time"

	"github.com/driftgate/driftgate-proxy-core/driftgate/common/errors"
)

// Level grades the interference pressure reported by an adaptive pattern's
// signal. Higher levels select smaller chunks and longer delays.
type Level int

const (
	LevelLow Level = iota
	LevelElevated
	LevelHigh
)

// SignalFunc reports the current interference pressure. It is sampled once
// per plan and must be safe for concurrent use.
type SignalFunc func() Level

// DefaultMaxChunks bounds the number of chunks in a single plan when the
// pattern does not specify its own limit.
const DefaultMaxChunks = 64

// Pattern describes a fragmentation strategy.
//
// Chunk sizes are drawn uniformly from [MinChunkBytes, MaxChunkBytes] and
// per-chunk delays from [MinDelay, MaxDelay]. The first
// [MinTotalBytes, MaxTotalBytes] bytes of a connection are fragmented;
// later writes pass through whole.
//
// RandomizeOrder permutes chunk emission order; AllowDuplicates re-sends
// already-emitted offset ranges; AllowOverlap extends chunks past their
// boundary into bytes carried by the following chunk. All three shape
// traffic only for senders that address bytes by stream offset. A stream
// transport such as a kernel TCP socket delivers bytes strictly in write
// order, so Conn emits every plan in offset order with re-sends skipped.
type Pattern struct {
	Name            string
	MinChunkBytes   int
	MaxChunkBytes   int
	MinDelay        time.Duration
	MaxDelay        time.Duration
	RandomizeOrder  bool
	AllowDuplicates bool
	AllowOverlap    bool
	MaxChunks       int
	MinTotalBytes   int
	MaxTotalBytes   int
	Signal          SignalFunc
}

// Conservative fragments into large chunks with negligible delay, adding
// minimal latency while still splitting the TLS ClientHello and other
// flow-start signatures across segments.
func Conservative() *Pattern {
	return &Pattern{
		Name:          "conservative",
		MinChunkBytes: 1024,
		MaxChunkBytes: 4096,
		MinDelay:      0,
		MaxDelay:      1 * time.Millisecond,
		MinTotalBytes: 1500,
		MaxTotalBytes: 16384,
	}
}

// Aggressive fragments into very small chunks with substantial randomized
// delay and permuted emission order, at a significant latency cost.
func Aggressive() *Pattern {
	return &Pattern{
		Name:           "aggressive",
		MinChunkBytes:  16,
		MaxChunkBytes:  128,
		MinDelay:       20 * time.Millisecond,
		MaxDelay:       80 * time.Millisecond,
		RandomizeOrder: true,
		MinTotalBytes:  16384,
		MaxTotalBytes:  65536,
	}
}

// Adaptive selects chunk and delay bounds per plan from the signal's
// reported pressure: conservative bounds at LevelLow through aggressive
// bounds at LevelHigh. A nil signal leaves the conservative bounds in
// place.
func Adaptive(signal SignalFunc) *Pattern {
	return &Pattern{
		Name:          "adaptive",
		MinChunkBytes: 1024,
		MaxChunkBytes: 4096,
		MinDelay:      0,
		MaxDelay:      1 * time.Millisecond,
		MinTotalBytes: 4096,
		MaxTotalBytes: 65536,
		Signal:        signal,
	}
}

// carrierPresets are patterns tuned so fragment sizes sit below common
// mobile carrier MTUs, keeping each chunk in its own radio-link frame.
var carrierPresets = map[string]*Pattern{
	"tmobile-us": {
		Name:          "tmobile-us",
		MinChunkBytes: 512,
		MaxChunkBytes: 1400,
		MinDelay:      5 * time.Millisecond,
		MaxDelay:      25 * time.Millisecond,
		MinTotalBytes: 4096,
		MaxTotalBytes: 32768,
	},
	"verizon-us": {
		Name:          "verizon-us",
		MinChunkBytes: 512,
		MaxChunkBytes: 1388,
		MinDelay:      10 * time.Millisecond,
		MaxDelay:      30 * time.Millisecond,
		MinTotalBytes: 4096,
		MaxTotalBytes: 32768,
	},
	"att-us": {
		Name:          "att-us",
		MinChunkBytes: 512,
		MaxChunkBytes: 1390,
		MinDelay:      5 * time.Millisecond,
		MaxDelay:      20 * time.Millisecond,
		MinTotalBytes: 4096,
		MaxTotalBytes: 32768,
	},
}

// CarrierPreset returns the pattern preset for a named mobile carrier.
func CarrierPreset(name string) (*Pattern, error) {
	preset, ok := carrierPresets[name]
	if !ok {
		return nil, errors.Tracef("no carrier preset named %q", name)
	}
	pattern := *preset
	return &pattern, nil
}

// PatternNamed resolves a configured pattern name to a pattern. The empty
// name selects no fragmentation. signal is consulted only by "adaptive".
func PatternNamed(name string, signal SignalFunc) (*Pattern, error) {
	switch name {
	case "":
		return nil, nil
	case "conservative":
		return Conservative(), nil
	case "aggressive":
		return Aggressive(), nil
	case "adaptive":
		return Adaptive(signal), nil
	}
	pattern, err := CarrierPreset(name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return pattern, nil
}

// Validate checks the pattern's bounds for internal consistency.
func (pattern *Pattern) Validate() error {
	if pattern.MinChunkBytes < 1 {
		return errors.TraceNew("invalid min chunk bytes")
	}
	if pattern.MaxChunkBytes < pattern.MinChunkBytes {
		return errors.TraceNew("inverted chunk bounds")
	}
	if pattern.MinDelay < 0 || pattern.MaxDelay < pattern.MinDelay {
		return errors.TraceNew("inverted delay bounds")
	}
	if pattern.MinTotalBytes < 0 ||
		pattern.MaxTotalBytes < pattern.MinTotalBytes {
		return errors.TraceNew("inverted total byte bounds")
	}
	if pattern.MaxChunks < 0 {
		return errors.TraceNew("invalid max chunks")
	}
	return nil
}

// effectiveBounds returns the chunk and delay bounds to use for one plan,
// applying the adaptive signal when present.
func (pattern *Pattern) effectiveBounds() (int, int, time.Duration, time.Duration) {

	minChunk := pattern.MinChunkBytes
	maxChunk := pattern.MaxChunkBytes
	minDelay := pattern.MinDelay
	maxDelay := pattern.MaxDelay

	if pattern.Signal == nil {
		return minChunk, maxChunk, minDelay, maxDelay
	}

	switch pattern.Signal() {
	case LevelLow:
		// Configured bounds as-is.
	case LevelElevated:
		minChunk = 256
		maxChunk = 1024
		minDelay = 5 * time.Millisecond
		maxDelay = 20 * time.Millisecond
	case LevelHigh:
		minChunk = 16
		maxChunk = 128
		minDelay = 20 * time.Millisecond
		maxDelay = 80 * time.Millisecond
	}

	return minChunk, maxChunk, minDelay, maxDelay
}

// maxChunksOrDefault returns the pattern's chunk cap.
func (pattern *Pattern) maxChunksOrDefault() int {
	if pattern.MaxChunks > 0 {
		return pattern.MaxChunks
	}
	return DefaultMaxChunks
}

// streamSafe derives a pattern for stream transports, which cannot reorder
// or re-send offset ranges.
func (pattern *Pattern) streamSafe() *Pattern {
	streamPattern := *pattern
	streamPattern.RandomizeOrder = false
	streamPattern.AllowDuplicates = false
	streamPattern.AllowOverlap = false
	return &streamPattern
}
