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
	"context"
	std_errors "errors"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/driftgate/driftgate-proxy-core/driftgate/common"
	"github.com/driftgate/driftgate-proxy-core/driftgate/common/sniffer"
	"github.com/gobwas/ws"
	"golang.org/x/sync/errgroup"
)

const (
	// maxFramePayloadBytes caps data frame payloads, bounding the
	// allocation a peer can force with a single frame header.
	maxFramePayloadBytes = 1 << 20

	// maxControlPayloadBytes is the RFC 6455 control frame payload cap.
	maxControlPayloadBytes = 125
)

// webSocketGate bridges WebSocket connections: it completes the upgrade
// handshake with the client, performs its own client handshake against
// the origin named by the Host header, and relays frames in both
// directions. Frames from the client are unmasked and re-masked with a
// fresh key toward the origin, as the gate is itself a WebSocket client
// on the upstream leg.
//
// No extensions are negotiated on either leg, so frames with reserved
// bits set are protocol errors. Fragmented messages are relayed frame
// by frame without reassembly.
type webSocketGate struct {
	support *SupportServices
}

func newWebSocketGate(support *SupportServices) *webSocketGate {
	return &webSocketGate{support: support}
}

func (gate *webSocketGate) Name() string {
	return "websocket"
}

func (gate *webSocketGate) Priority() int {
	return gatePriorityWebSocket
}

func (gate *webSocketGate) Accepts(protocol sniffer.Protocol, peekedBytes []byte) bool {
	return protocol == sniffer.ProtocolWebSocketUpgrade
}

func (gate *webSocketGate) Handle(ctx context.Context, conn *proxyConn) error {

	var targetAddress string
	var requestURI string
	targetDenied := false

	upgrader := ws.Upgrader{
		ReadBufferSize: gate.support.Config.MaxHTTPHeaderBytes,
		OnHost: func(host []byte) error {
			hostOnly, _, err := net.SplitHostPort(string(host))
			if err != nil {
				hostOnly = string(host)
				targetAddress = net.JoinHostPort(hostOnly, "80")
			} else {
				targetAddress = string(host)
			}
			err = gate.support.policy.checkTarget(hostOnly)
			if err != nil {
				targetDenied = true
				return ws.RejectConnectionError(
					ws.RejectionStatus(http.StatusForbidden))
			}
			return nil
		},
		OnRequest: func(uri []byte) error {
			requestURI = string(uri)
			return nil
		},
	}

	_, err := upgrader.Upgrade(conn.transport)
	if err != nil {
		if targetDenied {
			conn.setTargetAddress(targetAddress)
			return errTargetDenied
		}
		if common.IsConnectionReset(err) || common.IsTimeout(err) {
			// Note: no trace error to preserve error type
			return err
		}
		return common.ClassifyError(common.ErrProtocolViolation, err)
	}

	conn.setTargetAddress(targetAddress)

	if requestURI == "" {
		requestURI = "/"
	}
	targetURL := "ws://" + targetAddress + requestURI

	dialCtx, cancelFunc := context.WithTimeout(
		ctx, gate.support.Config.upstreamDialTimeout)
	defer cancelFunc()

	wsDialer := ws.Dialer{
		NetDial: func(ctx context.Context, network, address string) (net.Conn, error) {
			return conn.dialUpstream(ctx, address)
		},
	}

	upstream, upstreamReader, _, err := wsDialer.Dial(dialCtx, targetURL)
	if err != nil {
		// The client handshake already completed, so failures are
		// reported with a close frame rather than an HTTP status.
		code := ws.StatusInternalServerError
		if std_errors.Is(err, errTargetDenied) {
			code = ws.StatusPolicyViolation
		}
		_ = writeWebSocketClose(conn.transport, false, code, "upstream unavailable")
		if std_errors.Is(err, errTargetDenied) {
			return errTargetDenied
		}
		return common.ClassifyError(common.ErrUpstreamUnreachable, err)
	}
	defer upstream.Close()

	// Frames the origin sent immediately after its handshake response
	// may sit in the dialer's read buffer; replay them ahead of conn
	// reads.
	upstreamConn := newBufferedConn(upstream, upstreamReader)

	return gate.relayFrames(ctx, conn.transport, upstreamConn)
}

// relayFrames relays WebSocket frames between the client and upstream
// legs until close frames pass through or either leg fails.
func (gate *webSocketGate) relayFrames(
	ctx context.Context, client, upstream net.Conn) error {

	var closeOnce sync.Once
	closeBoth := func() {
		client.Close()
		upstream.Close()
	}

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
		err := relayWebSocketFrames(client, upstream, true)
		if err != nil {
			closeOnce.Do(closeBoth)
		}
		return err
	})

	relayGroup.Go(func() error {
		err := relayWebSocketFrames(upstream, client, false)
		if err != nil {
			closeOnce.Do(closeBoth)
		}
		return err
	})

	err := relayGroup.Wait()
	close(watchdogDone)
	closeOnce.Do(closeBoth)

	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Note: no trace error to preserve error type
	return err
}

// relayWebSocketFrames forwards frames from src to dst until a close
// frame passes through. Inbound masking is stripped; maskOutgoing
// selects whether forwarded frames are re-masked, which is required on
// the upstream leg where the gate acts as a client.
func relayWebSocketFrames(src, dst net.Conn, maskOutgoing bool) error {

	for {
		header, err := ws.ReadHeader(src)
		if err != nil {
			// Note: no trace error to preserve error type
			return err
		}

		// No extensions are negotiated, so reserved bits mean the peer
		// is speaking a dialect the other leg never agreed to.
		if header.Rsv != 0 {
			_ = writeWebSocketClose(
				src, !maskOutgoing, ws.StatusProtocolError, "unexpected reserved bits")
			return common.ClassifyError(
				common.ErrProtocolViolation,
				std_errors.New("unexpected reserved bits"))
		}

		limit := int64(maxFramePayloadBytes)
		if header.OpCode.IsControl() {
			limit = maxControlPayloadBytes
		}
		if header.Length < 0 || header.Length > limit {
			_ = writeWebSocketClose(
				src, !maskOutgoing, ws.StatusMessageTooBig, "frame too large")
			return common.ClassifyError(
				common.ErrProtocolViolation,
				std_errors.New("frame payload exceeds limit"))
		}

		payload := make([]byte, int(header.Length))
		if header.Length > 0 {
			_, err = io.ReadFull(src, payload)
			if err != nil {
				// Note: no trace error to preserve error type
				return err
			}
		}

		if header.Masked {
			ws.Cipher(payload, header.Mask, 0)
			header.Masked = false
		}
		if maskOutgoing {
			header.Masked = true
			header.Mask = ws.NewMask()
			ws.Cipher(payload, header.Mask, 0)
		}

		err = ws.WriteHeader(dst, header)
		if err != nil {
			// Note: no trace error to preserve error type
			return err
		}
		if len(payload) > 0 {
			_, err = dst.Write(payload)
			if err != nil {
				// Note: no trace error to preserve error type
				return err
			}
		}

		if header.OpCode == ws.OpClose {
			// The reverse direction forwards the peer's close reply;
			// this direction is done.
			return nil
		}
	}
}

// writeWebSocketClose sends a close frame with the given status code,
// masked when sent on a leg where this server is the client.
func writeWebSocketClose(
	conn net.Conn, masked bool, code ws.StatusCode, reason string) error {

	frame := ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason))
	if masked {
		frame = ws.MaskFrameInPlace(frame)
	}
	return ws.WriteFrame(conn, frame)
}
