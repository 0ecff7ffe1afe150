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
	"bytes"
	"context"
	std_errors "errors"
	"io"
	"net"
	"testing"
	"time"
)

// tcpPair returns the two ends of a loopback TCP connection.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen failed: %s", err)
	}
	defer listener.Close()

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		conn, err := listener.Accept()
		accepted <- acceptResult{conn, err}
	}()

	dialed, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("net.Dial failed: %s", err)
	}

	result := <-accepted
	if result.err != nil {
		dialed.Close()
		t.Fatalf("Accept failed: %s", result.err)
	}

	return dialed, result.conn
}

func TestRelayBidirectionalHalfClose(t *testing.T) {

	clientOuter, clientInner := tcpPair(t)
	upstreamInner, upstreamOuter := tcpPair(t)
	defer clientOuter.Close()
	defer upstreamOuter.Close()

	clientOuter.SetDeadline(time.Now().Add(10 * time.Second))
	upstreamOuter.SetDeadline(time.Now().Add(10 * time.Second))

	relayResult := make(chan error, 1)
	go func() {
		relayResult <- relayBidirectional(
			context.Background(), clientInner, upstreamInner)
	}()

	// Bytes flow in both directions.
	request := []byte("request bytes")
	_, err := clientOuter.Write(request)
	if err != nil {
		t.Fatalf("write failed: %s", err)
	}
	received := make([]byte, len(request))
	_, err = io.ReadFull(upstreamOuter, received)
	if err != nil {
		t.Fatalf("read failed: %s", err)
	}
	if !bytes.Equal(received, request) {
		t.Fatalf("unexpected bytes: %q", string(received))
	}

	response := []byte("response bytes")
	_, err = upstreamOuter.Write(response)
	if err != nil {
		t.Fatalf("write failed: %s", err)
	}
	received = make([]byte, len(response))
	_, err = io.ReadFull(clientOuter, received)
	if err != nil {
		t.Fatalf("read failed: %s", err)
	}
	if !bytes.Equal(received, response) {
		t.Fatalf("unexpected bytes: %q", string(received))
	}

	// The client's write shutdown propagates to the upstream as a half
	// close, leaving the reverse direction flowing.
	err = clientOuter.(*net.TCPConn).CloseWrite()
	if err != nil {
		t.Fatalf("CloseWrite failed: %s", err)
	}
	_, err = upstreamOuter.Read(make([]byte, 1))
	if err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}

	late := []byte("late response bytes")
	_, err = upstreamOuter.Write(late)
	if err != nil {
		t.Fatalf("write failed: %s", err)
	}
	received = make([]byte, len(late))
	_, err = io.ReadFull(clientOuter, received)
	if err != nil {
		t.Fatalf("read failed: %s", err)
	}
	if !bytes.Equal(received, late) {
		t.Fatalf("unexpected bytes: %q", string(received))
	}

	// Draining the reverse direction completes the relay cleanly.
	err = upstreamOuter.(*net.TCPConn).CloseWrite()
	if err != nil {
		t.Fatalf("CloseWrite failed: %s", err)
	}
	_, err = clientOuter.Read(make([]byte, 1))
	if err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}

	timer := time.NewTimer(5 * time.Second)
	defer timer.Stop()
	select {
	case err := <-relayResult:
		if err != nil {
			t.Fatalf("relay failed: %s", err)
		}
	case <-timer.C:
		t.Fatalf("timeout waiting for relay")
	}
}

func TestRelayBidirectionalCancel(t *testing.T) {

	clientOuter, clientInner := tcpPair(t)
	upstreamInner, upstreamOuter := tcpPair(t)
	defer clientOuter.Close()
	defer upstreamOuter.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relayResult := make(chan error, 1)
	go func() {
		relayResult <- relayBidirectional(ctx, clientInner, upstreamInner)
	}()

	clientOuter.SetDeadline(time.Now().Add(10 * time.Second))
	upstreamOuter.SetDeadline(time.Now().Add(10 * time.Second))

	payload := []byte("flowing")
	_, err := clientOuter.Write(payload)
	if err != nil {
		t.Fatalf("write failed: %s", err)
	}
	_, err = io.ReadFull(upstreamOuter, make([]byte, len(payload)))
	if err != nil {
		t.Fatalf("read failed: %s", err)
	}

	cancel()

	timer := time.NewTimer(5 * time.Second)
	defer timer.Stop()
	select {
	case err := <-relayResult:
		if !std_errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-timer.C:
		t.Fatalf("timeout waiting for relay")
	}

	// Cancellation closed both conns.
	_, err = clientOuter.Read(make([]byte, 1))
	if err == nil {
		t.Fatalf("expected closed client conn")
	}
	_, err = upstreamOuter.Read(make([]byte, 1))
	if err == nil {
		t.Fatalf("expected closed upstream conn")
	}
}

func TestBufferedConnReplay(t *testing.T) {

	near, far := tcpPair(t)
	defer near.Close()
	defer far.Close()

	near.SetDeadline(time.Now().Add(10 * time.Second))

	prefix := []byte("prefix-")
	_, err := far.Write(prefix)
	if err != nil {
		t.Fatalf("write failed: %s", err)
	}

	// A parser reads ahead into the bufio.Reader...
	reader := bufio.NewReader(near)
	peeked, err := reader.Peek(len(prefix))
	if err != nil {
		t.Fatalf("Peek failed: %s", err)
	}
	if !bytes.Equal(peeked, prefix) {
		t.Fatalf("unexpected peek: %q", string(peeked))
	}

	// ...and the wrapped conn replays the buffered bytes before
	// resuming reads from the conn itself.
	conn := newBufferedConn(near, reader)

	payload := []byte("payload")
	_, err = far.Write(payload)
	if err != nil {
		t.Fatalf("write failed: %s", err)
	}

	received := make([]byte, len(prefix)+len(payload))
	_, err = io.ReadFull(conn, received)
	if err != nil {
		t.Fatalf("read failed: %s", err)
	}
	if !bytes.Equal(received, append(append([]byte{}, prefix...), payload...)) {
		t.Fatalf("unexpected bytes: %q", string(received))
	}

	if _, ok := conn.(*bufferedConn); !ok {
		t.Fatalf("expected wrapped conn")
	}
}

func TestBufferedConnUnwrapped(t *testing.T) {

	near, far := tcpPair(t)
	defer near.Close()
	defer far.Close()

	// With nothing buffered, the conn is handed back unwrapped.
	conn := newBufferedConn(near, bufio.NewReader(near))
	if conn != near {
		t.Fatalf("expected unwrapped conn")
	}

	conn = newBufferedConn(near, nil)
	if conn != near {
		t.Fatalf("expected unwrapped conn")
	}
}
