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
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/driftgate/driftgate-proxy-core/driftgate/common"
	"github.com/driftgate/driftgate-proxy-core/driftgate/common/errors"
	"github.com/driftgate/driftgate-proxy-core/driftgate/common/prng"
)

// Config specifies whether and how to fragment a connection's outbound
// byte stream.
type Config struct {
	pattern     *Pattern
	probability float64
	seed        *prng.Seed
}

// NewUpstreamConfig creates a fragmentation Config for outbound
// connections. probability is the chance that any given connection
// fragments at all. A non-nil seed keys each connection's schedule PRNG,
// so connections sharing a config draw reproducible schedules; a nil seed
// draws a fresh schedule per connection.
func NewUpstreamConfig(
	pattern *Pattern, probability float64, seed *prng.Seed) *Config {

	return &Config{
		pattern:     pattern,
		probability: probability,
		seed:        seed,
	}
}

// IsFragmenting indicates whether connections made with this config may
// fragment. When false, wrapping a conn is a no-op and may be skipped.
func (config *Config) IsFragmenting() bool {
	return config != nil &&
		config.pattern != nil &&
		config.probability > 0 &&
		config.pattern.MaxTotalBytes > 0
}

// Conn wraps a net.Conn and fragments the first bytes written to it
// according to the config's pattern. The fragmented byte budget is drawn
// once per connection; once exhausted, writes pass through whole.
//
// Chunks are emitted in offset order with re-sends skipped: a stream
// transport delivers bytes strictly in write order, so emission-order
// randomization and duplicate chunks apply only to offset-addressed
// senders consuming a Plan directly.
//
// Conn costs a goroutine-free timer per delayed chunk; closing the
// connection aborts any scheduled chunk immediately.
type Conn struct {
	net.Conn
	config        *Config
	streamPattern *Pattern
	noticeEmitter func(string)

	isClosed    int32
	runCtx      context.Context
	stopRunning context.CancelFunc

	writeMutex      sync.Mutex
	fragmentPRNG    *prng.PRNG
	isReplay        bool
	bytesToFragment int
	bytesFragmented int
	chunksWritten   int64
	minChunkBytes   int
	maxChunkBytes   int
	minDelay        time.Duration
	maxDelay        time.Duration
}

// NewConn creates a fragmenting Conn. noticeEmitter, when non-nil,
// receives a diagnostic line when fragmentation activates.
func NewConn(
	config *Config, noticeEmitter func(string), conn net.Conn) *Conn {

	runCtx, stopRunning := context.WithCancel(context.Background())

	var streamPattern *Pattern
	if config != nil && config.pattern != nil {
		streamPattern = config.pattern.streamSafe()
	}

	return &Conn{
		Conn:            conn,
		config:          config,
		streamPattern:   streamPattern,
		noticeEmitter:   noticeEmitter,
		runCtx:          runCtx,
		stopRunning:     stopRunning,
		bytesToFragment: -1,
	}
}

// SetReplay swaps in a PRNG to be used for the fragmentation schedule,
// enabling replay of a previous connection's schedule. SetReplay has no
// effect once the first Write has drawn the schedule.
func (conn *Conn) SetReplay(p *prng.PRNG) {
	conn.writeMutex.Lock()
	defer conn.writeMutex.Unlock()
	if conn.bytesToFragment == -1 && conn.fragmentPRNG == nil {
		conn.fragmentPRNG = p
		conn.isReplay = true
	}
}

// GetReplay returns the seed of the PRNG that drew this connection's
// schedule, for use in a subsequent SetReplay. The return value is false
// when the connection did not fragment.
func (conn *Conn) GetReplay() (*prng.Seed, bool) {
	conn.writeMutex.Lock()
	defer conn.writeMutex.Unlock()
	if conn.fragmentPRNG == nil || conn.bytesToFragment <= 0 {
		return nil, false
	}
	return conn.fragmentPRNG.GetSeed(), true
}

func (conn *Conn) Write(buffer []byte) (int, error) {

	conn.writeMutex.Lock()
	defer conn.writeMutex.Unlock()

	if conn.config == nil || conn.streamPattern == nil {
		// Note: no trace error to preserve error type
		return conn.Conn.Write(buffer)
	}

	if conn.bytesToFragment == -1 {
		conn.drawSchedule()
	}

	if conn.bytesFragmented >= conn.bytesToFragment {
		// Note: no trace error to preserve error type
		return conn.Conn.Write(buffer)
	}

	totalSize := len(buffer)
	fragmentSize := conn.bytesToFragment - conn.bytesFragmented
	if fragmentSize > totalSize {
		fragmentSize = totalSize
	}

	plan, err := NewPlan(
		conn.fragmentPRNG, buffer[:fragmentSize], conn.streamPattern)
	if err != nil {
		return 0, errors.Trace(err)
	}

	totalWritten := 0

	for {
		chunk, ok := plan.Next()
		if !ok {
			break
		}

		if chunk.Delay > 0 {
			timer := time.NewTimer(chunk.Delay)
			err = nil
			select {
			case <-conn.runCtx.Done():
				err = conn.runCtx.Err()
			case <-timer.C:
			}
			timer.Stop()
			if err != nil {
				return totalWritten, errors.Trace(err)
			}
		}

		written, err := conn.Conn.Write(chunk.Data)
		totalWritten += written
		conn.bytesFragmented += written
		conn.updateMetrics(len(chunk.Data), chunk.Delay)
		if err != nil {
			return totalWritten, errors.Trace(err)
		}
	}

	if fragmentSize < totalSize {
		written, err := conn.Conn.Write(buffer[fragmentSize:])
		totalWritten += written
		if err != nil {
			return totalWritten, errors.Trace(err)
		}
	}

	return totalWritten, nil
}

// drawSchedule resolves whether and how much of this connection to
// fragment. Called with writeMutex held, on the first Write.
func (conn *Conn) drawSchedule() {

	if conn.fragmentPRNG == nil {
		var p *prng.PRNG
		var err error
		if conn.config.seed != nil {
			p, err = prng.NewPRNGWithSaltedSeed(conn.config.seed, "fragmentor")
		} else {
			p, err = prng.NewPRNG()
		}
		if err != nil {
			// Without schedule randomness, don't fragment.
			conn.bytesToFragment = 0
			return
		}
		conn.fragmentPRNG = p
	}

	if conn.config.probability < 1.0 &&
		!conn.fragmentPRNG.FlipWeightedCoin(conn.config.probability) {
		conn.bytesToFragment = 0
		return
	}

	pattern := conn.config.pattern
	conn.bytesToFragment = conn.fragmentPRNG.Range(
		pattern.MinTotalBytes, pattern.MaxTotalBytes)

	if conn.bytesToFragment > 0 && conn.noticeEmitter != nil {
		conn.noticeEmitter(fmt.Sprintf(
			"fragmenting first %d bytes with pattern %s (replay: %v)",
			conn.bytesToFragment, pattern.Name, conn.isReplay))
	}
}

func (conn *Conn) updateMetrics(size int, delay time.Duration) {
	conn.chunksWritten++
	if conn.minChunkBytes == 0 || size < conn.minChunkBytes {
		conn.minChunkBytes = size
	}
	if size > conn.maxChunkBytes {
		conn.maxChunkBytes = size
	}
	if conn.chunksWritten == 1 || delay < conn.minDelay {
		conn.minDelay = delay
	}
	if delay > conn.maxDelay {
		conn.maxDelay = delay
	}
}

// GetMetrics implements the common.MetricsSource interface.
func (conn *Conn) GetMetrics() common.LogFields {

	conn.writeMutex.Lock()
	defer conn.writeMutex.Unlock()

	if conn.bytesToFragment <= 0 || conn.chunksWritten == 0 {
		return nil
	}

	return common.LogFields{
		"fragmentor_pattern":          conn.config.pattern.Name,
		"fragmentor_is_replay":        conn.isReplay,
		"fragmentor_bytes_fragmented": conn.bytesFragmented,
		"fragmentor_chunks_written":   conn.chunksWritten,
		"fragmentor_min_chunk_bytes":  conn.minChunkBytes,
		"fragmentor_max_chunk_bytes":  conn.maxChunkBytes,
		"fragmentor_min_delay_ms":     int64(conn.minDelay / time.Millisecond),
		"fragmentor_max_delay_ms":     int64(conn.maxDelay / time.Millisecond),
	}
}

func (conn *Conn) Close() error {
	if !atomic.CompareAndSwapInt32(&conn.isClosed, 0, 1) {
		return nil
	}
	conn.stopRunning()
	return conn.Conn.Close()
}

// IsClosed implements the common.Closer interface.
func (conn *Conn) IsClosed() bool {
	return atomic.LoadInt32(&conn.isClosed) == 1
}

// CloseWrite delegates to the underlying conn when it supports half close.
func (conn *Conn) CloseWrite() error {
	closeWriter, ok := conn.Conn.(common.CloseWriter)
	if !ok {
		return errors.TraceNew("underlying conn is not a CloseWriter")
	}
	return closeWriter.CloseWrite()
}
