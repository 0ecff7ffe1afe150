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
	"crypto/tls"
	"encoding/base64"
	std_errors "errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/driftgate/driftgate-proxy-core/driftgate/common"
	"github.com/driftgate/driftgate-proxy-core/driftgate/common/errors"
	"github.com/driftgate/driftgate-proxy-core/driftgate/common/fingerprint"
	"github.com/driftgate/driftgate-proxy-core/driftgate/common/sniffer"
	"github.com/miekg/dns"
	cache "github.com/patrickmn/go-cache"
	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
)

const (
	dnsQueryPath       = "/dns-query"
	dnsMessageMIMEType = "application/dns-message"

	// maxDNSMessageBytes is the TCP/DoH DNS message size limit, RFC 1035
	// section 4.2.2.
	maxDNSMessageBytes = 65535

	// dohExchangeTimeout bounds one full upstream round trip, including
	// any initial dial and TLS handshake.
	dohExchangeTimeout = 15 * time.Second
)

// dohGate terminates RFC 8484 DNS-over-HTTPS requests addressed to the
// proxy itself, at /dns-query. Answers are served from a TTL-bounded
// cache or exchanged with the configured upstream resolver over HTTP/2,
// with the TLS handshake shaped by the active device profile so the
// proxy's own resolver traffic blends with the disguised relay traffic.
//
// The gate outranks the general HTTP gate so that a /dns-query request
// is answered here rather than forwarded.
type dohGate struct {
	support *SupportServices

	answerCache *cache.Cache

	// exchange performs one upstream round trip with a packed DNS
	// message. Tests substitute a stub resolver.
	exchange func(ctx context.Context, packedQuery []byte) ([]byte, error)

	initClientOnce sync.Once
	httpClient     *http.Client
}

func newDoHGate(support *SupportServices) *dohGate {

	cacheTTL := time.Duration(support.Config.DoHCacheSeconds) * time.Second

	gate := &dohGate{
		support:     support,
		answerCache: cache.New(cacheTTL, cacheTTL/2),
	}
	gate.exchange = gate.defaultExchange

	return gate
}

func (gate *dohGate) Name() string {
	return "doh"
}

func (gate *dohGate) Priority() int {
	return gatePriorityDoH
}

// Accepts claims HTTP-shaped connections whose request line targets the
// DNS query path in origin-form. Absolute-form targets are forward
// proxy requests for some other origin and fall through to the HTTP
// gate.
func (gate *dohGate) Accepts(protocol sniffer.Protocol, peekedBytes []byte) bool {
	if protocol != sniffer.ProtocolHTTP {
		return false
	}
	target := requestLineTarget(peekedBytes)
	return target == dnsQueryPath ||
		strings.HasPrefix(target, dnsQueryPath+"?")
}

// requestLineTarget extracts the request-target from the first line of
// a peeked HTTP request, or returns "" when no target is present.
func requestLineTarget(peekedBytes []byte) string {
	line := peekedBytes
	if end := bytes.IndexByte(peekedBytes, '\n'); end >= 0 {
		line = peekedBytes[:end]
	}
	fields := strings.Fields(string(line))
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}

func (gate *dohGate) Handle(ctx context.Context, conn *proxyConn) error {

	resolverURL, err := url.Parse(gate.support.Config.DoHUpstreamURL)
	if err == nil {
		hostPort := resolverURL.Host
		if resolverURL.Port() == "" {
			hostPort = net.JoinHostPort(resolverURL.Hostname(), "443")
		}
		conn.setTargetAddress(hostPort)
	}

	maxHeaderBytes := int64(gate.support.Config.MaxHTTPHeaderBytes)

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

		keepAlive, err := gate.serveQuery(ctx, conn, request)
		if err != nil {
			return err
		}
		if !keepAlive {
			return nil
		}
	}
}

// serveQuery answers one DNS query. Malformed requests close the
// connection with a 4xx status; an upstream exchange failure answers
// 502 but leaves the connection serving, as resolver trouble is not the
// client's fault.
func (gate *dohGate) serveQuery(
	ctx context.Context,
	conn *proxyConn,
	request *http.Request) (bool, error) {

	packedQuery, failStatus, err := extractPackedQuery(request)
	if err != nil {
		_ = writeShortResponse(conn.transport, failStatus, "")
		return false, common.ClassifyError(common.ErrProtocolViolation, err)
	}

	queryMsg := new(dns.Msg)
	err = queryMsg.Unpack(packedQuery)
	if err != nil {
		_ = writeShortResponse(conn.transport, http.StatusBadRequest, "Bad Request")
		return false, common.ClassifyError(common.ErrProtocolViolation, err)
	}
	if len(queryMsg.Question) == 0 {
		_ = writeShortResponse(conn.transport, http.StatusBadRequest, "Bad Request")
		return false, common.ClassifyError(
			common.ErrProtocolViolation, std_errors.New("query has no question"))
	}

	keepAlive := !request.Close && request.ProtoAtLeast(1, 1)

	cacheKey := questionCacheKey(queryMsg.Question[0])

	if cached, found := gate.answerCache.Get(cacheKey); found {
		response := cached.(*dns.Msg).Copy()
		response.Id = queryMsg.Id
		packedResponse, err := response.Pack()
		if err == nil {
			log.WithTraceFields(LogFields{
				"question_type": dns.TypeToString[queryMsg.Question[0].Qtype],
				"cache":         "hit",
			}).Debug("DoH query")
			err = writeDoHResponse(
				conn.transport, http.StatusOK, packedResponse, keepAlive)
			if err != nil {
				// Note: no trace error to preserve error type
				return false, err
			}
			return keepAlive, nil
		}
		// An unpackable cache entry falls through to a fresh exchange.
	}

	exchangeCtx, cancelFunc := context.WithTimeout(ctx, dohExchangeTimeout)
	packedResponse, err := gate.exchange(exchangeCtx, packedQuery)
	cancelFunc()
	if err != nil {
		log.WithTraceFields(
			LogFields{"error": err}).Warning("DoH upstream exchange failed")
		err = writeDoHResponse(conn.transport, http.StatusBadGateway, nil, keepAlive)
		if err != nil {
			// Note: no trace error to preserve error type
			return false, err
		}
		return keepAlive, nil
	}

	response := new(dns.Msg)
	if response.Unpack(packedResponse) == nil {
		gate.cacheResponse(cacheKey, response)
	}

	log.WithTraceFields(LogFields{
		"question_type": dns.TypeToString[queryMsg.Question[0].Qtype],
		"cache":         "miss",
	}).Debug("DoH query")

	err = writeDoHResponse(
		conn.transport, http.StatusOK, packedResponse, keepAlive)
	if err != nil {
		// Note: no trace error to preserve error type
		return false, err
	}
	return keepAlive, nil
}

// extractPackedQuery returns the wire-format DNS query carried by an
// RFC 8484 request: the body of a POST, or the base64url "dns"
// parameter of a GET. On failure, the returned status is the HTTP
// status to answer before closing.
func extractPackedQuery(request *http.Request) ([]byte, int, error) {

	switch request.Method {

	case http.MethodPost:
		contentType := request.Header.Get("Content-Type")
		if mimeType, _, _ := strings.Cut(contentType, ";"); strings.TrimSpace(mimeType) != dnsMessageMIMEType {
			return nil, http.StatusUnsupportedMediaType,
				fmt.Errorf("unsupported content type %q", contentType)
		}
		packed, err := io.ReadAll(
			io.LimitReader(request.Body, maxDNSMessageBytes+1))
		request.Body.Close()
		if err != nil {
			return nil, http.StatusBadRequest, err
		}
		if len(packed) > maxDNSMessageBytes {
			return nil, http.StatusRequestEntityTooLarge,
				std_errors.New("query exceeds message limit")
		}
		if len(packed) == 0 {
			return nil, http.StatusBadRequest, std_errors.New("empty query body")
		}
		return packed, 0, nil

	case http.MethodGet:
		encoded := request.URL.Query().Get("dns")
		if encoded == "" {
			return nil, http.StatusBadRequest,
				std_errors.New("missing dns query parameter")
		}
		packed, err := base64.RawURLEncoding.DecodeString(encoded)
		if err != nil {
			return nil, http.StatusBadRequest, err
		}
		if len(packed) > maxDNSMessageBytes {
			return nil, http.StatusRequestEntityTooLarge,
				std_errors.New("query exceeds message limit")
		}
		return packed, 0, nil
	}

	return nil, http.StatusMethodNotAllowed,
		fmt.Errorf("unsupported method %q", request.Method)
}

// questionCacheKey builds the answer cache key for a question. Names
// are case-folded, as DNS names compare case-insensitively.
func questionCacheKey(question dns.Question) string {
	return strings.ToLower(question.Name) +
		"|" + strconv.Itoa(int(question.Qtype)) +
		"|" + strconv.Itoa(int(question.Qclass))
}

// cacheResponse stores a positive answer for the lesser of its minimum
// answer TTL and the configured cache limit.
func (gate *dohGate) cacheResponse(cacheKey string, response *dns.Msg) {

	if response.Rcode != dns.RcodeSuccess || len(response.Answer) == 0 {
		return
	}

	minTTL := uint32(math.MaxUint32)
	for _, rr := range response.Answer {
		if rr.Header().Ttl < minTTL {
			minTTL = rr.Header().Ttl
		}
	}

	ttl := time.Duration(minTTL) * time.Second
	limit := time.Duration(gate.support.Config.DoHCacheSeconds) * time.Second
	if ttl > limit {
		ttl = limit
	}
	if ttl <= 0 {
		return
	}

	gate.answerCache.Set(cacheKey, response.Copy(), ttl)
}

// writeDoHResponse writes one HTTP/1.1 response carrying a wire-format
// DNS message, in a single conn write.
func writeDoHResponse(
	conn net.Conn, statusCode int, body []byte, keepAlive bool) error {

	connectionHeader := "keep-alive"
	if !keepAlive {
		connectionHeader = "close"
	}

	var response bytes.Buffer
	fmt.Fprintf(
		&response, "HTTP/1.1 %d %s\r\n", statusCode, http.StatusText(statusCode))
	if len(body) > 0 {
		fmt.Fprintf(&response, "Content-Type: %s\r\n", dnsMessageMIMEType)
	}
	fmt.Fprintf(
		&response, "Content-Length: %d\r\nConnection: %s\r\n\r\n",
		len(body), connectionHeader)
	response.Write(body)

	_, err := conn.Write(response.Bytes())
	return errors.Trace(err)
}

// defaultExchange posts the packed query to the configured upstream
// resolver.
func (gate *dohGate) defaultExchange(
	ctx context.Context, packedQuery []byte) ([]byte, error) {

	client := gate.upstreamClient()

	request, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		gate.support.Config.DoHUpstreamURL,
		bytes.NewReader(packedQuery))
	if err != nil {
		return nil, errors.Trace(err)
	}
	request.Header.Set("Content-Type", dnsMessageMIMEType)
	request.Header.Set("Accept", dnsMessageMIMEType)

	response, err := client.Do(request)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, errors.Tracef(
			"upstream resolver returned %d", response.StatusCode)
	}

	packedResponse, err := io.ReadAll(
		io.LimitReader(response.Body, maxDNSMessageBytes+1))
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(packedResponse) > maxDNSMessageBytes {
		return nil, errors.TraceNew("upstream response exceeds message limit")
	}

	return packedResponse, nil
}

// upstreamClient lazily builds the shared HTTP/2 client used for
// upstream exchanges. Connections to the resolver are pooled and
// multiplexed across queries.
func (gate *dohGate) upstreamClient() *http.Client {
	gate.initClientOnce.Do(func() {
		gate.httpClient = &http.Client{
			Transport: &http2.Transport{
				DialTLSContext: gate.dialResolverTLS,
			},
		}
	})
	return gate.httpClient
}

// dialResolverTLS dials the upstream resolver and completes a TLS
// handshake shaped by the active device profile, so the proxy's own
// resolver traffic carries the same fingerprint as its relayed
// traffic. The resolver is operator-configured, so the client target
// policy does not apply.
func (gate *dohGate) dialResolverTLS(
	ctx context.Context, network, address string, _ *tls.Config) (net.Conn, error) {

	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return nil, errors.Trace(err)
	}

	profile := gate.support.dialer.profiles.Next()

	netDialer := &net.Dialer{
		Timeout: gate.support.Config.upstreamDialTimeout,
	}
	if profile != nil {
		netDialer.Control = fingerprint.DialerControl(profile, func(err error) {
			log.WithTraceFields(
				LogFields{"error": err}).Warning("apply TCP fingerprint option failed")
		})
	}

	conn, err := netDialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, errors.Trace(err)
	}

	utlsConfig := &utls.Config{
		ServerName: host,
		NextProtos: []string{"h2"},
	}

	var tlsConn *utls.UConn
	if profile != nil {
		tlsConn, err = fingerprint.NewUClient(conn, utlsConfig, profile)
		if err != nil {
			conn.Close()
			return nil, errors.Trace(err)
		}
	} else {
		tlsConn = utls.UClient(conn, utlsConfig, utls.HelloGolang)
	}

	err = tlsConn.HandshakeContext(ctx)
	if err != nil {
		conn.Close()
		return nil, errors.Trace(err)
	}

	if tlsConn.ConnectionState().NegotiatedProtocol != "h2" {
		tlsConn.Close()
		return nil, errors.TraceNew("resolver did not negotiate HTTP/2")
	}

	return tlsConn, nil
}
