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
	"bytes"
	"io"
	"net"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/driftgate/driftgate-proxy-core/driftgate/common/prng"
	"golang.org/x/sync/errgroup"
)

func TestPlanReconstruction(t *testing.T) {

	seed, err := prng.NewSeed()
	if err != nil {
		t.Fatalf("NewSeed failed: %s", err)
	}

	patterns := []*Pattern{
		Conservative(),
		Aggressive(),
		Adaptive(nil),
		Adaptive(func() Level { return LevelHigh }),
	}
	for _, name := range []string{"tmobile-us", "verizon-us", "att-us"} {
		pattern, err := CarrierPreset(name)
		if err != nil {
			t.Fatalf("CarrierPreset failed: %s", err)
		}
		patterns = append(patterns, pattern)
	}

	for _, pattern := range patterns {
		t.Run(pattern.Name, func(t *testing.T) {

			sizes := []int{
				0,
				1,
				pattern.MinChunkBytes,
				pattern.MaxChunkBytes*3 + 7,
				pattern.MaxChunkBytes * 8,
			}

			for _, size := range sizes {

				payload := prng.NewPRNGWithSeed(seed).Bytes(size)

				plan, err := NewPlan(
					prng.NewPRNGWithSeed(seed), payload, pattern)
				if err != nil {
					t.Fatalf("NewPlan failed: %s", err)
				}

				// Writing every chunk at its offset reproduces the payload
				// exactly, covering every byte, regardless of emission
				// order or duplicates.

				reconstructed := make([]byte, len(payload))
				covered := make([]bool, len(payload))
				count := 0

				for {
					chunk, ok := plan.Next()
					if !ok {
						break
					}
					count++
					if chunk.Offset < 0 ||
						chunk.Offset+len(chunk.Data) > len(payload) {
						t.Fatalf("chunk out of bounds")
					}
					copy(reconstructed[chunk.Offset:], chunk.Data)
					for i := range chunk.Data {
						covered[chunk.Offset+i] = true
					}
				}

				if count != plan.ChunkCount() {
					t.Fatalf("unexpected chunk count")
				}
				if count > pattern.maxChunksOrDefault() {
					t.Fatalf(
						"%d chunks exceeds cap %d",
						count, pattern.maxChunksOrDefault())
				}
				for i, c := range covered {
					if !c {
						t.Fatalf("byte %d not covered", i)
					}
				}
				if !bytes.Equal(reconstructed, payload) {
					t.Fatalf("payload not reconstructed")
				}

				// An exhausted plan stays exhausted.
				if _, ok := plan.Next(); ok {
					t.Fatalf("unexpected chunk after exhaustion")
				}
			}
		})
	}
}

func TestPlanReset(t *testing.T) {

	seed, err := prng.NewSeed()
	if err != nil {
		t.Fatalf("NewSeed failed: %s", err)
	}

	payload := prng.NewPRNGWithSeed(seed).Bytes(4096)

	plan, err := NewPlan(prng.NewPRNGWithSeed(seed), payload, Aggressive())
	if err != nil {
		t.Fatalf("NewPlan failed: %s", err)
	}

	collect := func() []Chunk {
		var chunks []Chunk
		for {
			chunk, ok := plan.Next()
			if !ok {
				break
			}
			chunks = append(chunks, chunk)
		}
		return chunks
	}

	first := collect()
	plan.Reset()
	second := collect()

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("reset did not replay the identical sequence")
	}
}

func TestPlanSeedDeterminism(t *testing.T) {

	seed, err := prng.NewSeed()
	if err != nil {
		t.Fatalf("NewSeed failed: %s", err)
	}

	payload := prng.NewPRNGWithSeed(seed).Bytes(8192)

	build := func() []Chunk {
		plan, err := NewPlan(
			prng.NewPRNGWithSeed(seed), payload, Aggressive())
		if err != nil {
			t.Fatalf("NewPlan failed: %s", err)
		}
		var chunks []Chunk
		for {
			chunk, ok := plan.Next()
			if !ok {
				break
			}
			chunks = append(chunks, chunk)
		}
		return chunks
	}

	if !reflect.DeepEqual(build(), build()) {
		t.Fatalf("same seed produced different schedules")
	}
}

func TestPlanClamp(t *testing.T) {

	seed, err := prng.NewSeed()
	if err != nil {
		t.Fatalf("NewSeed failed: %s", err)
	}

	pattern := &Pattern{
		Name:          "tiny",
		MinChunkBytes: 1,
		MaxChunkBytes: 2,
		MaxChunks:     4,
	}

	payload := prng.NewPRNGWithSeed(seed).Bytes(64)

	plan, err := NewPlan(prng.NewPRNGWithSeed(seed), payload, pattern)
	if err != nil {
		t.Fatalf("NewPlan failed: %s", err)
	}

	if !plan.Clamped() {
		t.Fatalf("expected clamped plan")
	}
	if plan.ChunkCount() > 4 {
		t.Fatalf("chunk cap not applied: %d", plan.ChunkCount())
	}

	reconstructed := make([]byte, 0, len(payload))
	for {
		chunk, ok := plan.Next()
		if !ok {
			break
		}
		reconstructed = append(reconstructed, chunk.Data...)
	}
	if !bytes.Equal(reconstructed, payload) {
		t.Fatalf("payload not reconstructed")
	}
}

func TestPatternNamed(t *testing.T) {

	pattern, err := PatternNamed("", nil)
	if err != nil || pattern != nil {
		t.Fatalf("expected no pattern for empty name")
	}

	for _, name := range []string{
		"conservative", "aggressive", "adaptive",
		"tmobile-us", "verizon-us", "att-us",
	} {
		pattern, err = PatternNamed(name, nil)
		if err != nil {
			t.Fatalf("PatternNamed failed: %s", err)
		}
		if pattern.Name != name {
			t.Fatalf("unexpected pattern name: %s", pattern.Name)
		}
		if err := pattern.Validate(); err != nil {
			t.Fatalf("invalid pattern %s: %s", name, err)
		}
	}

	if _, err = PatternNamed("sprint-us", nil); err == nil {
		t.Fatalf("expected unknown pattern error")
	}
}

type recordingConn struct {
	net.Conn
	mutex      sync.Mutex
	writeSizes []int
}

func (conn *recordingConn) Write(p []byte) (int, error) {
	conn.mutex.Lock()
	conn.writeSizes = append(conn.writeSizes, len(p))
	conn.mutex.Unlock()
	return conn.Conn.Write(p)
}

func (conn *recordingConn) sizes() []int {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	return append([]int(nil), conn.writeSizes...)
}

func TestConnFragmentor(t *testing.T) {

	seed, err := prng.NewSeed()
	if err != nil {
		t.Fatalf("NewSeed failed: %s", err)
	}

	payload := prng.NewPRNGWithSeed(seed).Bytes(32768)

	maxChunkBytes := 2048

	pattern := &Pattern{
		Name:          "test",
		MinChunkBytes: 512,
		MaxChunkBytes: maxChunkBytes,
		MinDelay:      0,
		MaxDelay:      1 * time.Millisecond,
		MinTotalBytes: len(payload),
		MaxTotalBytes: len(payload),
	}

	config := NewUpstreamConfig(pattern, 1.0, seed)
	if !config.IsFragmenting() {
		t.Fatalf("expected fragmenting config")
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %s", err)
	}
	defer listener.Close()

	var group errgroup.Group

	group.Go(func() error {
		server, err := listener.Accept()
		if err != nil {
			return err
		}
		defer server.Close()
		received := make([]byte, len(payload))
		if _, err := io.ReadFull(server, received); err != nil {
			return err
		}
		if !bytes.Equal(received, payload) {
			t.Errorf("received payload differs")
		}
		return nil
	})

	client, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %s", err)
	}

	var notice string
	recording := &recordingConn{Conn: client}
	conn := NewConn(config, func(s string) { notice = s }, recording)

	n, err := conn.Write(payload)
	if err != nil {
		t.Fatalf("Write failed: %s", err)
	}
	if n != len(payload) {
		t.Fatalf("unexpected write count: %d", n)
	}

	sizes := recording.sizes()
	total := 0
	for _, size := range sizes {
		if size > maxChunkBytes {
			t.Fatalf("write of %d bytes exceeds max chunk size", size)
		}
		total += size
	}
	if total != len(payload) {
		t.Fatalf("wrote %d bytes, expected %d", total, len(payload))
	}
	if len(sizes) < len(payload)/maxChunkBytes {
		t.Fatalf("expected more fragmentation: %d writes", len(sizes))
	}

	if notice == "" {
		t.Fatalf("expected fragmentation notice")
	}

	metrics := conn.GetMetrics()
	if metrics == nil {
		t.Fatalf("expected metrics")
	}
	if metrics["fragmentor_bytes_fragmented"].(int) != len(payload) {
		t.Fatalf("unexpected bytes fragmented metric")
	}

	if _, ok := conn.GetReplay(); !ok {
		t.Fatalf("expected replay seed")
	}

	conn.Close()

	if err := group.Wait(); err != nil {
		t.Fatalf("server failed: %s", err)
	}
}

func TestConnReplaySchedule(t *testing.T) {

	seed, err := prng.NewSeed()
	if err != nil {
		t.Fatalf("NewSeed failed: %s", err)
	}

	payload := prng.NewPRNGWithSeed(seed).Bytes(16384)

	pattern := &Pattern{
		Name:          "replay-test",
		MinChunkBytes: 256,
		MaxChunkBytes: 1024,
		MinTotalBytes: len(payload),
		MaxTotalBytes: len(payload),
	}

	run := func() []int {
		client, server := net.Pipe()
		go io.Copy(io.Discard, server)

		recording := &recordingConn{Conn: client}
		conn := NewConn(NewUpstreamConfig(pattern, 1.0, nil), nil, recording)

		// Replaying the same PRNG reproduces the same chunk schedule.
		conn.SetReplay(prng.NewPRNGWithSeed(seed))

		if _, err := conn.Write(payload); err != nil {
			t.Fatalf("Write failed: %s", err)
		}
		conn.Close()
		server.Close()
		return recording.sizes()
	}

	first := run()
	second := run()

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("replayed schedule differs: %v vs %v", first, second)
	}
}

func BenchmarkNewPlan(b *testing.B) {

	seed, err := prng.NewSeed()
	if err != nil {
		b.Fatalf("NewSeed failed: %s", err)
	}

	p := prng.NewPRNGWithSeed(seed)
	payload := p.Bytes(16384)
	pattern := Aggressive()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		plan, err := NewPlan(p, payload, pattern)
		if err != nil {
			b.Fatalf("NewPlan failed: %s", err)
		}
		for {
			if _, ok := plan.Next(); !ok {
				break
			}
		}
	}
}

func TestConnClosePendingWrite(t *testing.T) {

	seed, err := prng.NewSeed()
	if err != nil {
		t.Fatalf("NewSeed failed: %s", err)
	}

	pattern := &Pattern{
		Name:          "slow",
		MinChunkBytes: 16,
		MaxChunkBytes: 64,
		MinDelay:      2 * time.Second,
		MaxDelay:      2 * time.Second,
		MinTotalBytes: 4096,
		MaxTotalBytes: 4096,
	}

	client, server := net.Pipe()
	defer server.Close()
	go io.Copy(io.Discard, server)

	conn := NewConn(NewUpstreamConfig(pattern, 1.0, seed), nil, client)

	go func() {
		time.Sleep(100 * time.Millisecond)
		conn.Close()
	}()

	payload := prng.NewPRNGWithSeed(seed).Bytes(4096)

	start := time.Now()
	_, err = conn.Write(payload)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatalf("expected aborted write")
	}
	if elapsed > 1*time.Second {
		t.Fatalf("write did not abort promptly: %s", elapsed)
	}
	if !conn.IsClosed() {
		t.Fatalf("expected closed conn")
	}
}
