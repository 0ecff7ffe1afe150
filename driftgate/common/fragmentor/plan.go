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

package fragmentor

import (
	"time"

	"github.com/driftgate/driftgate-proxy-core/driftgate/common/errors"
	"github.com/driftgate/driftgate-proxy-core/driftgate/common/prng"
)

// Chunk is one scheduled transmission in a plan. Data is a view into the
// plan's payload beginning at stream offset Offset, to be sent after
// waiting Delay. Writing every chunk's Data at its Offset reproduces the
// payload exactly; for plans without duplicates or overlaps, the chunks
// are disjoint and concatenating them in offset order is equivalent.
type Chunk struct {
	Offset int
	Data   []byte
	Delay  time.Duration
}

// Plan is the chunk schedule for one payload. The schedule is fixed at
// construction, fully determined by the PRNG's seed, and consumed through
// Next without copying payload bytes. Reset rewinds the schedule so the
// identical sequence can be replayed.
//
// A Plan is not safe for concurrent use.
type Plan struct {
	chunks  []Chunk
	index   int
	clamped bool
}

// NewPlan applies a pattern to a payload. The payload is referenced, not
// copied; it must not be modified until the plan is consumed.
//
// When drawn chunk sizes would split the payload into more than the
// pattern's chunk cap, the plan falls back to fewer, equally sized chunks
// rather than failing; Clamped reports the fallback.
func NewPlan(p *prng.PRNG, payload []byte, pattern *Pattern) (*Plan, error) {

	if p == nil {
		return nil, errors.TraceNew("nil PRNG")
	}
	if pattern == nil {
		return nil, errors.TraceNew("nil pattern")
	}
	err := pattern.Validate()
	if err != nil {
		return nil, errors.Trace(err)
	}

	minChunk, maxChunk, minDelay, maxDelay := pattern.effectiveBounds()
	maxChunks := pattern.maxChunksOrDefault()

	// Draw contiguous chunk boundaries in offset order.

	var segments []Chunk
	for offset := 0; offset < len(payload); {
		size := p.Range(minChunk, maxChunk)
		if size > len(payload)-offset {
			size = len(payload) - offset
		}
		segments = append(segments, Chunk{
			Offset: offset,
			Data:   payload[offset : offset+size],
		})
		offset += size
	}

	clamped := false
	if len(segments) > maxChunks {
		clamped = true
		segments = equalSplit(payload, maxChunks)
	}

	for i := range segments {
		segments[i].Delay = p.Period(minDelay, maxDelay)
	}

	emission := segments

	if pattern.RandomizeOrder && len(segments) > 1 {
		permutation := p.Perm(len(segments))
		emission = make([]Chunk, len(segments))
		for i, j := range permutation {
			emission[i] = segments[j]
		}
	}

	if pattern.AllowDuplicates && len(emission) > 0 {
		withDuplicates := make([]Chunk, 0, len(emission))
		for i, chunk := range emission {
			withDuplicates = append(withDuplicates, chunk)
			// Leave room for the originals still to be scheduled, so the
			// chunk cap holds for the complete plan.
			remaining := len(emission) - 1 - i
			if len(withDuplicates)+remaining < maxChunks &&
				p.FlipWeightedCoin(0.25) {
				// Re-send an offset range already in the schedule.
				duplicate := withDuplicates[p.Intn(len(withDuplicates))]
				duplicate.Delay = p.Period(minDelay, maxDelay)
				withDuplicates = append(withDuplicates, duplicate)
			}
		}
		emission = withDuplicates
	}

	if pattern.AllowOverlap && len(emission) > 1 {
		for i := range emission {
			if !p.FlipWeightedCoin(0.25) {
				continue
			}
			end := emission[i].Offset + len(emission[i].Data)
			extra := p.Range(1, 16)
			if extra > len(payload)-end {
				extra = len(payload) - end
			}
			if extra > 0 {
				emission[i].Data = payload[emission[i].Offset : end+extra]
			}
		}
	}

	return &Plan{
		chunks:  emission,
		clamped: clamped,
	}, nil
}

func equalSplit(payload []byte, count int) []Chunk {
	size := (len(payload) + count - 1) / count
	chunks := make([]Chunk, 0, count)
	for offset := 0; offset < len(payload); offset += size {
		end := offset + size
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, Chunk{
			Offset: offset,
			Data:   payload[offset:end],
		})
	}
	return chunks
}

// Next yields the next scheduled chunk. The second return value is false
// once the schedule is exhausted.
func (plan *Plan) Next() (Chunk, bool) {
	if plan.index >= len(plan.chunks) {
		return Chunk{}, false
	}
	chunk := plan.chunks[plan.index]
	plan.index++
	return chunk, true
}

// Reset rewinds the plan; subsequent Next calls replay the identical chunk
// sequence.
func (plan *Plan) Reset() {
	plan.index = 0
}

// ChunkCount returns the number of scheduled chunks, including any
// duplicates.
func (plan *Plan) ChunkCount() int {
	return len(plan.chunks)
}

// Clamped reports whether the chunk cap forced fewer, larger chunks than
// the pattern's drawn sizes would have produced.
func (plan *Plan) Clamped() bool {
	return plan.clamped
}
