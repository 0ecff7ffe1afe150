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

Package sniffer implements non-destructive protocol detection for accepted
network connections.

A sniffer.Conn wraps an accepted net.Conn and buffers bytes read via Peek so
that the same bytes are replayed, byte for byte, to the first subsequent
Read calls. Classify inspects a peeked sample and determines the protocol
spoken by the peer. Together these allow a single listening socket to route
HTTP, SOCKS5, TLS, and WebSocket-upgrade traffic to protocol-specific
handlers without consuming any bytes before a handler takes ownership.

*/
package sniffer

import (
	"net"

	"github.com/driftgate/driftgate-proxy-core/driftgate/common"
	"github.com/driftgate/driftgate-proxy-core/driftgate/common/errors"
)

const (
	// DefaultMaxPeekSize is the peek buffer cap used when no explicit limit
	// is configured.
	DefaultMaxPeekSize = 4096
)

// Conn wraps a net.Conn with a bounded peek buffer, allowing inspection of
// forthcoming bytes without consuming them. Bytes surfaced via Peek are
// replayed exactly by subsequent Reads, with no loss or duplication.
//
// Peek and Read are not safe for concurrent use with each other; the
// connection pipeline serializes detection before handing the conn to a
// handler. Write and Close pass through to the wrapped conn unchanged.
type Conn struct {
	net.Conn
	maxPeekSize int
	buffer      []byte
}

// NewConn creates a new Conn. maxPeekSize caps the peek buffer; 0 selects
// DefaultMaxPeekSize.
func NewConn(conn net.Conn, maxPeekSize int) *Conn {
	if maxPeekSize <= 0 {
		maxPeekSize = DefaultMaxPeekSize
	}
	return &Conn{
		Conn:        conn,
		maxPeekSize: maxPeekSize,
	}
}

// Peek returns a view of up to n forthcoming bytes without consuming them,
// reading from the underlying conn as required to grow the peek buffer.
// Peeks are monotonic: a larger peek returns a superset of any prior
// smaller peek's bytes. Underlying reads run to the buffer cap, not just
// to n, so a sequence of growing peeks costs one read per arriving
// segment rather than one per requested byte; Buffered reports how far
// ahead of n the buffer has reached.
//
// The caller bounds blocking by setting a read deadline on the conn. When
// the underlying read fails, Peek returns the bytes buffered so far along
// with the error; a deadline error means "insufficient data so far", not
// connection failure. Requesting more than the buffer cap is a hard error.
//
// The returned slice is valid only until the next Read and must not be
// modified.
func (conn *Conn) Peek(n int) ([]byte, error) {

	if n <= 0 {
		return nil, nil
	}

	if n > conn.maxPeekSize {
		return nil, errors.Tracef(
			"peek of %d bytes exceeds buffer cap of %d", n, conn.maxPeekSize)
	}

	if cap(conn.buffer) < n {
		// First peek, or a previous Read consumed backing capacity;
		// (re)allocate at the cap.
		buffer := make([]byte, len(conn.buffer), conn.maxPeekSize)
		copy(buffer, conn.buffer)
		conn.buffer = buffer
	}

	for len(conn.buffer) < n {

		// Read returns what has arrived; it does not wait to fill the
		// slice.
		m, err := conn.Conn.Read(conn.buffer[len(conn.buffer):cap(conn.buffer)])
		conn.buffer = conn.buffer[:len(conn.buffer)+m]
		if err != nil {
			// Note: no trace error to preserve error type
			return conn.buffer, err
		}
	}

	return conn.buffer[:n], nil
}

// Buffered returns the number of peeked bytes not yet consumed by Read.
func (conn *Conn) Buffered() int {
	return len(conn.buffer)
}

// Read drains the peek buffer before falling through to reads of the
// underlying conn, making peeked bytes transparent to callers that only
// know "read".
func (conn *Conn) Read(p []byte) (int, error) {

	if len(conn.buffer) > 0 {
		n := copy(p, conn.buffer)
		conn.buffer = conn.buffer[n:]
		if len(conn.buffer) == 0 {
			// Allow the buffer to be reclaimed by gc now, as the conn may be
			// long lived.
			conn.buffer = nil
		}
		return n, nil
	}

	// Note: no trace error to preserve error type
	return conn.Conn.Read(p)
}

// CloseWrite delegates to the underlying conn when it supports half close.
func (conn *Conn) CloseWrite() error {
	closeWriter, ok := conn.Conn.(common.CloseWriter)
	if !ok {
		return errors.TraceNew("underlying conn is not a CloseWriter")
	}
	return closeWriter.CloseWrite()
}

// IsClosed implements the common.Closer interface.
func (conn *Conn) IsClosed() bool {
	closer, ok := conn.Conn.(common.Closer)
	if !ok {
		return false
	}
	return closer.IsClosed()
}
