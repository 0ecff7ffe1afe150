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

package server

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"

	"github.com/driftgate/driftgate-proxy-core/driftgate/common"
	"github.com/driftgate/driftgate-proxy-core/driftgate/common/errors"
	"golang.org/x/sync/errgroup"
)

// relayBidirectional copies bytes between the client and upstream conns
// until both directions drain or either direction fails.
//
// A clean EOF in one direction is forwarded to the other conn as a half
// close, leaving the reverse direction flowing; this supports protocols
// which shut down each direction independently. A failure in either
// direction closes both conns, unblocking the peer goroutine.
// Cancelling ctx also closes both conns.
//
// Inactivity is bounded by the deadlines the conns themselves maintain:
// both the client and upstream conns are activity monitored, so a relay
// with no bytes flowing in either direction fails with a deadline error
// once the idle timeout elapses.
func relayBidirectional(ctx context.Context, client, upstream net.Conn) error {

	var closeOnce sync.Once
	closeBoth := func() {
		client.Close()
		upstream.Close()
	}

	// The watchdog is not part of the relay group: the group waits for
	// the copy goroutines, while the watchdog must run concurrently
	// with that wait to unblock it on ctx cancellation.
	watchdogDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			closeOnce.Do(closeBoth)
		case <-watchdogDone:
		}
	}()

	relayGroup := new(errgroup.Group)

	relayGroup.Go(func() error {
		err := relayDirection(upstream, client)
		if err != nil {
			closeOnce.Do(closeBoth)
		}
		return err
	})

	relayGroup.Go(func() error {
		err := relayDirection(client, upstream)
		if err != nil {
			closeOnce.Do(closeBoth)
		}
		return err
	})

	err := relayGroup.Wait()
	close(watchdogDone)
	closeOnce.Do(closeBoth)

	if ctx.Err() != nil {
		// Report the cancellation rather than the "use of closed
		// network connection" errors it induces.
		return ctx.Err()
	}

	// Note: no trace error to preserve error type
	return err
}

// relayDirection copies src to dst until EOF or failure. On clean EOF,
// the shutdown is forwarded to dst as a half close when supported.
func relayDirection(dst, src net.Conn) error {

	_, err := io.Copy(dst, src)
	if err != nil {
		// Note: no trace error to preserve error type
		return err
	}

	propagateCloseWrite(dst)
	return nil
}

// propagateCloseWrite forwards a read-side EOF to dst as a half close.
// When dst does not support half close, the shutdown is not forwarded
// and teardown is left to the reverse direction or the idle timeout.
func propagateCloseWrite(dst net.Conn) {
	closeWriter, ok := dst.(common.CloseWriter)
	if ok {
		_ = closeWriter.CloseWrite()
	}
}

// bufferedConn replays bytes already buffered by a bufio.Reader before
// resuming reads from the underlying conn. It is used to hand a conn
// off to a relay after a request parser may have read ahead.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

// newBufferedConn wraps conn, prepending the bytes buffered in reader.
// When reader holds no buffered bytes, conn is returned unwrapped.
func newBufferedConn(conn net.Conn, reader *bufio.Reader) net.Conn {
	if reader == nil || reader.Buffered() == 0 {
		return conn
	}
	return &bufferedConn{Conn: conn, reader: reader}
}

func (conn *bufferedConn) Read(buffer []byte) (int, error) {
	return conn.reader.Read(buffer)
}

// CloseWrite delegates to the underlying conn when it supports half close.
func (conn *bufferedConn) CloseWrite() error {
	closeWriter, ok := conn.Conn.(common.CloseWriter)
	if !ok {
		return errors.TraceNew("underlying conn is not a CloseWriter")
	}
	return closeWriter.CloseWrite()
}

// IsClosed implements the common.Closer interface.
func (conn *bufferedConn) IsClosed() bool {
	closer, ok := conn.Conn.(common.Closer)
	if !ok {
		return false
	}
	return closer.IsClosed()
}
