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

package common

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/driftgate/driftgate-proxy-core/driftgate/common/errors"
	"golang.org/x/time/rate"
)

// RateLimits specify the rate limits for a ThrottledConn.
type RateLimits struct {

	// ReadUnlimitedBytes specifies the number of bytes to read,
	// approximately, before starting rate limiting.
	ReadUnlimitedBytes int64

	// ReadBytesPerSecond specifies a rate limit for read data transfer.
	// The default, 0, is no limit.
	ReadBytesPerSecond int64

	// WriteUnlimitedBytes specifies the number of bytes to write,
	// approximately, before starting rate limiting.
	WriteUnlimitedBytes int64

	// WriteBytesPerSecond specifies a rate limit for write data transfer.
	// The default, 0, is no limit.
	WriteBytesPerSecond int64
}

// ThrottledConn wraps a net.Conn with read and write rate limiters. Rates
// are specified as bytes per second. Optional unlimited byte counts allow
// for a number of bytes to read or write before applying rate limiting.
// Specify limit values of 0 to set no rate limit (unlimited counts are
// ignored in this case). The underlying rate limiter uses the token bucket
// algorithm to calculate delay times for read and write operations.
//
// The rate limiter wait is bounded by runCtx, so closing the associated
// connection context promptly unblocks a throttled I/O call.
type ThrottledConn struct {
	// Note: 64-bit ints used with atomic operations are placed
	// at the start of struct to ensure 64-bit alignment.
	// (https://golang.org/pkg/sync/atomic/#pkg-note-BUG)
	unlimitedReadBytes  int64
	unlimitedWriteBytes int64
	limitingReads       int32
	limitingWrites      int32
	readLimiter         *rate.Limiter
	writeLimiter        *rate.Limiter
	runCtx              context.Context
	net.Conn
}

const throttleChunkSize = 4096

func newLimiter(bytesPerSecond int64) *rate.Limiter {
	burst := int(bytesPerSecond)
	if burst < throttleChunkSize {
		burst = throttleChunkSize
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
}

// NewThrottledConn initializes a new ThrottledConn.
func NewThrottledConn(
	runCtx context.Context, conn net.Conn, limits RateLimits) *ThrottledConn {

	// When no limit is specified, the rate limited reader/writer
	// is simply the base reader/writer.

	var readLimiter, writeLimiter *rate.Limiter
	if limits.ReadBytesPerSecond > 0 {
		readLimiter = newLimiter(limits.ReadBytesPerSecond)
	}
	if limits.WriteBytesPerSecond > 0 {
		writeLimiter = newLimiter(limits.WriteBytesPerSecond)
	}

	return &ThrottledConn{
		Conn:                conn,
		unlimitedReadBytes:  limits.ReadUnlimitedBytes,
		unlimitedWriteBytes: limits.WriteUnlimitedBytes,
		readLimiter:         readLimiter,
		writeLimiter:        writeLimiter,
		runCtx:              runCtx,
	}
}

func (conn *ThrottledConn) Read(buffer []byte) (int, error) {

	if conn.readLimiter == nil {
		return conn.Conn.Read(buffer)
	}

	// Use the base reader until the unlimited count is exhausted.
	if atomic.LoadInt32(&conn.limitingReads) == 0 {
		if atomic.AddInt64(&conn.unlimitedReadBytes, -int64(len(buffer))) <= 0 {
			atomic.StoreInt32(&conn.limitingReads, 1)
		} else {
			return conn.Conn.Read(buffer)
		}
	}

	// When throttling, read small chunks to avoid excessive latency
	// due to long waits on the limiter.

	if len(buffer) > throttleChunkSize {
		buffer = buffer[0:throttleChunkSize]
	}

	n, err := conn.Conn.Read(buffer)
	if n > 0 {
		waitErr := conn.readLimiter.WaitN(conn.runCtx, n)
		if waitErr != nil && err == nil {
			err = waitErr
		}
	}
	// Note: no trace error to preserve error type
	return n, err
}

func (conn *ThrottledConn) Write(buffer []byte) (int, error) {

	if conn.writeLimiter == nil {
		return conn.Conn.Write(buffer)
	}

	// Use the base writer until the unlimited count is exhausted.
	if atomic.LoadInt32(&conn.limitingWrites) == 0 {
		if atomic.AddInt64(&conn.unlimitedWriteBytes, -int64(len(buffer))) <= 0 {
			atomic.StoreInt32(&conn.limitingWrites, 1)
		} else {
			return conn.Conn.Write(buffer)
		}
	}

	// When throttling, write buffer in small chunks to avoid
	// excessive latency due to long waits on the limiter.

	bytesWritten := 0

	for i := 0; i < len(buffer); i += throttleChunkSize {

		start := i
		end := start + throttleChunkSize
		if end > len(buffer) {
			end = len(buffer)
		}

		err := conn.writeLimiter.WaitN(conn.runCtx, end-start)
		if err != nil {
			return bytesWritten, err
		}

		n, err := conn.Conn.Write(buffer[start:end])
		bytesWritten += n
		if err != nil {
			// Note: no trace error as caller may check for io.EOF, etc.
			return bytesWritten, err
		}
	}

	return bytesWritten, nil
}

// CloseWrite delegates to the underlying conn when it supports half close.
func (conn *ThrottledConn) CloseWrite() error {
	closeWriter, ok := conn.Conn.(CloseWriter)
	if !ok {
		return errors.TraceNew("underlying conn is not a CloseWriter")
	}
	return closeWriter.CloseWrite()
}
