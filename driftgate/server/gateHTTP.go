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
	std_errors "errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"

	"github.com/driftgate/driftgate-proxy-core/driftgate/common"
	"github.com/driftgate/driftgate-proxy-core/driftgate/common/errors"
	"github.com/driftgate/driftgate-proxy-core/driftgate/common/sniffer"
)

// httpGate services plain HTTP proxy traffic. CONNECT requests
// establish raw tunnels to their target; other requests are forwarded
// to the target origin server, with hop-by-hop headers stripped in both
// directions. Both absolute-form requests, as sent to a configured
// proxy, and origin-form requests with a Host header, as seen when
// traffic is intercepted transparently, are supported.
type httpGate struct {
	support *SupportServices
}

func newHTTPGate(support *SupportServices) *httpGate {
	return &httpGate{support: support}
}

func (gate *httpGate) Name() string {
	return "http"
}

func (gate *httpGate) Priority() int {
	return gatePriorityHTTP
}

func (gate *httpGate) Accepts(protocol sniffer.Protocol, peekedBytes []byte) bool {
	return protocol == sniffer.ProtocolHTTP
}

func (gate *httpGate) Handle(ctx context.Context, conn *proxyConn) error {

	maxHeaderBytes := int64(gate.support.Config.MaxHTTPHeaderBytes)

	// The header limit applies to each request's header block; it is
	// lifted while a request body streams through.
	limitedReader := &io.LimitedReader{R: conn.transport, N: maxHeaderBytes}
	reader := bufio.NewReader(limitedReader)

	for {
		limitedReader.N = maxHeaderBytes

		request, err := http.ReadRequest(reader)
		if err != nil {
			if std_errors.Is(err, io.EOF) {
				// Client finished cleanly between requests.
				return nil
			}
			if limitedReader.N <= 0 {
				_ = writeShortResponse(
					conn.transport, http.StatusRequestHeaderFieldsTooLarge, "Request Header Fields Too Large")
				return common.ClassifyError(common.ErrProtocolViolation, err)
			}
			if common.IsConnectionReset(err) || common.IsTimeout(err) {
				// Note: no trace error to preserve error type
				return err
			}
			_ = writeShortResponse(conn.transport, http.StatusBadRequest, "Bad Request")
			return common.ClassifyError(common.ErrProtocolViolation, err)
		}

		limitedReader.N = math.MaxInt64

		if request.Method == http.MethodConnect {
			// The tunnel owns the connection; no further requests are
			// read here.
			return gate.handleConnect(ctx, conn, reader, request)
		}

		keepAlive, err := gate.handleForward(ctx, conn, request)
		if err != nil {
			return err
		}
		if !keepAlive {
			return nil
		}
	}
}

// handleConnect establishes a raw tunnel to the CONNECT target and
// relays bytes until either side finishes.
func (gate *httpGate) handleConnect(
	ctx context.Context,
	conn *proxyConn,
	reader *bufio.Reader,
	request *http.Request) error {

	targetAddress := request.Host
	host, _, err := net.SplitHostPort(targetAddress)
	if err != nil {
		_ = writeShortResponse(conn.transport, http.StatusBadRequest, "Bad Request")
		return common.ClassifyError(common.ErrProtocolViolation, err)
	}

	conn.setTargetAddress(targetAddress)

	err = gate.support.policy.checkTarget(host)
	if err != nil {
		_ = writeShortResponse(conn.transport, http.StatusForbidden, "Forbidden")
		// Note: no trace error to preserve error type
		return err
	}

	upstream, err := conn.dialUpstream(ctx, targetAddress)
	if err != nil {
		_ = writeShortResponse(conn.transport, connectFailureStatus(err), "")
		// Note: no trace error to preserve error type
		return err
	}
	defer upstream.Close()

	_, err = conn.transport.Write(
		[]byte("HTTP/1.1 200 Connection established\r\n\r\n"))
	if err != nil {
		// Note: no trace error to preserve error type
		return err
	}

	// Bytes the client sent after its request headers, before the 200
	// response, are replayed into the tunnel.
	clientConn := newBufferedConn(conn.transport, reader)

	return relayBidirectional(ctx, clientConn, upstream)
}

// handleForward forwards one non-CONNECT request to its target origin
// server and writes the response back to the client. The return value
// indicates whether the client connection can carry another request.
func (gate *httpGate) handleForward(
	ctx context.Context,
	conn *proxyConn,
	request *http.Request) (bool, error) {

	if request.URL.IsAbs() && request.URL.Scheme != "http" {
		_ = writeShortResponse(conn.transport, http.StatusBadRequest, "Bad Request")
		return false, common.ClassifyError(
			common.ErrProtocolViolation,
			fmt.Errorf("unsupported scheme: %s", request.URL.Scheme))
	}

	targetAddress, err := requestTargetAddress(request)
	if err != nil {
		_ = writeShortResponse(conn.transport, http.StatusBadRequest, "Bad Request")
		return false, common.ClassifyError(common.ErrProtocolViolation, err)
	}

	host, _, _ := net.SplitHostPort(targetAddress)

	conn.setTargetAddress(targetAddress)

	err = gate.support.policy.checkTarget(host)
	if err != nil {
		_ = writeShortResponse(conn.transport, http.StatusForbidden, "Forbidden")
		// Note: no trace error to preserve error type
		return false, err
	}

	upstream, err := conn.dialUpstream(ctx, targetAddress)
	if err != nil {
		_ = writeShortResponse(conn.transport, connectFailureStatus(err), "")
		// Note: no trace error to preserve error type
		return false, err
	}
	defer upstream.Close()

	clientKeepAlive := !request.Close

	removeHopByHopHeaders(request.Header)

	// Each request dials its own upstream conn, so the upstream leg
	// never carries a second request.
	request.Close = true

	err = request.Write(upstream)
	if err != nil {
		_ = writeShortResponse(conn.transport, http.StatusBadGateway, "Bad Gateway")
		return false, common.ClassifyError(common.ErrUpstreamUnreachable, err)
	}

	response, err := http.ReadResponse(bufio.NewReader(upstream), request)
	if err != nil {
		_ = writeShortResponse(conn.transport, http.StatusBadGateway, "Bad Gateway")
		return false, common.ClassifyError(common.ErrUpstreamUnreachable, err)
	}
	defer response.Body.Close()

	removeHopByHopHeaders(response.Header)

	// The upstream leg is always Connection: close, and its connection
	// management does not transfer to the client leg; each request
	// dials its own upstream conn.
	response.Close = false

	// A response without self-delimiting framing is terminated by
	// connection close, which ends the client connection too.
	if response.ContentLength < 0 && len(response.TransferEncoding) == 0 {
		response.Close = true
	}
	if !clientKeepAlive {
		response.Close = true
	}

	err = response.Write(conn.transport)
	if err != nil {
		// The response is partially written; the connection can't be
		// reused.
		// Note: no trace error to preserve error type
		return false, err
	}

	return clientKeepAlive && !response.Close, nil
}

// requestTargetAddress derives the upstream "host:port" for a forward
// request: the absolute-form URL host when present, the Host header
// otherwise, with the default HTTP port filled in.
func requestTargetAddress(request *http.Request) (string, error) {
	host := request.URL.Host
	if host == "" {
		host = request.Host
	}
	if host == "" {
		return "", errors.TraceNew("missing request host")
	}
	_, _, err := net.SplitHostPort(host)
	if err != nil {
		host = net.JoinHostPort(host, "80")
	}
	return host, nil
}

// connectFailureStatus maps an upstream dial error to the HTTP status
// reported to the client.
func connectFailureStatus(err error) int {
	switch {
	case std_errors.Is(err, errTargetDenied):
		return http.StatusForbidden
	case common.IsTimeout(err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopByHopHeaders strips headers which apply only to the client
// leg: the standard hop-by-hop set plus any headers named in
// Connection.
func removeHopByHopHeaders(header http.Header) {
	for _, value := range header.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			token = strings.TrimSpace(token)
			if token != "" {
				header.Del(token)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		header.Del(name)
	}
}

// writeShortResponse writes a minimal bodyless HTTP/1.1 response. An
// empty statusText selects the standard text for the code.
func writeShortResponse(conn net.Conn, statusCode int, statusText string) error {
	if statusText == "" {
		statusText = http.StatusText(statusCode)
	}
	_, err := fmt.Fprintf(
		conn,
		"HTTP/1.1 %d %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n",
		statusCode, statusText)
	return errors.Trace(err)
}
