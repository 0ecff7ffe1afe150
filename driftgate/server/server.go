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
	"net"
	"sync"
	"time"

	"github.com/driftgate/driftgate-proxy-core/driftgate/common"
	"github.com/driftgate/driftgate-proxy-core/driftgate/common/errors"
	"github.com/driftgate/driftgate-proxy-core/driftgate/common/sniffer"
	"github.com/marusama/semaphore"
)

// SupportServices carries the shared services used across the server's
// gates and connection pipeline.
type SupportServices struct {
	Config       *Config
	GeoIPService *GeoIPService

	policy *targetPolicy
	dialer *upstreamDialer
}

// NewSupportServices initializes the shared services.
func NewSupportServices(config *Config) (*SupportServices, error) {

	geoIPService, err := NewGeoIPService(config.GeoIPDatabaseFilenames)
	if err != nil {
		return nil, errors.Trace(err)
	}

	policy := newTargetPolicy(config)

	dialer, err := newUpstreamDialer(config, policy)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &SupportServices{
		Config:       config,
		GeoIPService: geoIPService,
		policy:       policy,
		dialer:       dialer,
	}, nil
}

// ProxyServer accepts client connections on the configured listeners,
// detects each connection's protocol from its leading bytes, and routes
// the connection to exactly one gate.
type ProxyServer struct {
	support        *SupportServices
	gateController *GateController
	stats          *serverStats
	admission      semaphore.Semaphore
	activeConns    *common.Conns
	runCtx         context.Context
	stopRunning    context.CancelFunc
	listenerError  chan error
	runWaitGroup   *sync.WaitGroup
}

// NewProxyServer initializes a proxy server ready to Run.
func NewProxyServer(support *SupportServices) *ProxyServer {

	runCtx, stopRunning := context.WithCancel(context.Background())

	gateController := NewGateController(support)

	return &ProxyServer{
		support:        support,
		gateController: gateController,
		stats:          newServerStats(gateController.GateNames()),
		admission:      semaphore.New(support.Config.MaxConcurrentConnections),
		activeConns:    common.NewConns(),
		runCtx:         runCtx,
		stopRunning:    stopRunning,
		listenerError:  make(chan error),
		runWaitGroup:   new(sync.WaitGroup),
	}
}

// Gates returns the server's gate controller, through which gates are
// enabled and disabled at runtime.
func (server *ProxyServer) Gates() *GateController {
	return server.gateController
}

// Run binds the configured listeners and services connections until
// Shutdown is called or a listener fails unrecoverably.
func (server *ProxyServer) Run() error {

	listeners, err := bindListeners(server.support.Config)
	if err != nil {
		return errors.Trace(err)
	}

	for _, listener := range listeners {
		server.runWaitGroup.Add(1)
		go func(listener *proxyListener) {
			defer server.runWaitGroup.Done()

			log.WithTraceFields(
				LogFields{"localAddress": listener.localAddress}).Info("running")

			server.runListener(listener)

			log.WithTraceFields(
				LogFields{"localAddress": listener.localAddress}).Info("stopped")
		}(listener)
	}

	if server.support.Config.RunLoadMonitor() {
		server.runWaitGroup.Add(1)
		go func() {
			defer server.runWaitGroup.Done()
			ticker := time.NewTicker(server.support.Config.loadLogPeriod)
			defer ticker.Stop()
			for {
				select {
				case <-server.runCtx.Done():
					return
				case <-ticker.C:
					server.logLoad()
				}
			}
		}()
	}

	err = nil
	select {
	case <-server.runCtx.Done():
	case err = <-server.listenerError:
	}

	server.stopRunning()
	for _, listener := range listeners {
		listener.Close()
	}
	server.activeConns.CloseAll()
	server.runWaitGroup.Wait()

	// The last load report reflects final connection counts.
	server.logLoad()

	log.WithTrace().Info("server stopped")

	// Note: no trace error to preserve error type
	return err
}

// Shutdown stops the server. Listeners close and established
// connections are torn down; Run returns once all connection
// goroutines have exited.
func (server *ProxyServer) Shutdown() {
	server.stopRunning()
}

func (server *ProxyServer) logLoad() {
	log.LogMetric("server_load", server.stats.snapshot())
}

// runListener accepts connections until the listener closes. Temporary
// accept errors are tolerated; an unrecoverable error stops the whole
// server via the listener error channel.
func (server *ProxyServer) runListener(listener *proxyListener) {

	for {
		conn, err := listener.Accept()

		select {
		case <-server.runCtx.Done():
			if err == nil {
				conn.Close()
			}
			return
		default:
		}

		if err != nil {
			if e, ok := err.(net.Error); ok && e.Temporary() {
				log.WithTraceFields(LogFields{"error": err}).Error("accept failed")
				continue
			}

			select {
			case server.listenerError <- errors.Trace(err):
			default:
			}
			return
		}

		server.handleClient(listener, conn)
	}
}

// handleClient admits one accepted connection. Admission is decided
// before any goroutine is spawned, so a connection flood beyond the
// concurrency limit costs no goroutines.
func (server *ProxyServer) handleClient(
	listener *proxyListener, clientConn net.Conn) {

	if !server.admission.TryAcquire(1) {
		server.stats.connectionRejected()
		log.WithTraceFields(
			LogFields{"listener": listener.localAddress}).Debug(
			"connection rejected: concurrency limit")
		clientConn.Close()
		return
	}

	server.stats.connectionAccepted()

	go func() {
		defer server.admission.Release(1)
		server.runClient(listener, clientConn)
	}()
}

// runClient carries one connection through detection, dispatch, gate
// handling, and teardown.
func (server *ProxyServer) runClient(
	listener *proxyListener, clientConn net.Conn) {

	if !server.activeConns.Add(clientConn) {
		// Shutting down.
		clientConn.Close()
		server.stats.connectionClosed()
		return
	}

	// go-proxyproto reads the PROXY protocol header within the first
	// RemoteAddr call, so the client address is resolved before any
	// conn read.
	clientIP := common.IPAddressFromAddr(clientConn.RemoteAddr())
	geoIPData := server.support.GeoIPService.Lookup(clientIP)

	ctx, cancelFunc := context.WithCancel(server.runCtx)

	conn := &proxyConn{
		support:         server.support,
		listenerAddress: listener.localAddress,
		clientIP:        clientIP,
		geoIPData:       geoIPData,
	}

	var handleErr error

	defer func() {
		cancelFunc()
		clientConn.Close()
		server.activeConns.Remove(clientConn)
		server.stats.connectionClosed()

		fields := conn.metrics()
		if handleErr != nil {
			fields["error"] = handleErr.Error()
		}
		fields["error_class"] = connectionErrorClass(handleErr)
		log.LogMetric("connection_teardown", fields)
	}()

	config := server.support.Config

	snifferConn := sniffer.NewConn(clientConn, config.PeekBufferSize)
	conn.sniffer = snifferConn

	protocol := listener.forcedProtocol
	var peekedBytes []byte

	if protocol == sniffer.ProtocolUnknown {

		var err error
		protocol, peekedBytes, err = detectProtocol(
			snifferConn, config.detectionTimeout, config.PeekBufferSize)
		if err != nil {
			server.stats.connectionUnhandled()
			handleErr = err
			return
		}

	} else if protocol == sniffer.ProtocolHTTP {

		// A dedicated HTTP listener skips classification, but dispatch
		// still discriminates on the request head, so peek it within
		// the detection deadline. Errors surface in the gate's own
		// reads.
		_ = snifferConn.SetReadDeadline(time.Now().Add(config.detectionTimeout))
		peekedBytes, _ = peekHTTPHeaders(snifferConn, config.PeekBufferSize)
	}

	conn.protocol = protocol

	err := snifferConn.SetReadDeadline(time.Time{})
	if err != nil {
		handleErr = errors.Trace(err)
		return
	}

	activity := newConnActivity(server.stats)
	activityConn, err := common.NewActivityMonitoredConn(
		snifferConn, config.idleTimeout, true, activity)
	if err != nil {
		handleErr = errors.Trace(err)
		return
	}
	conn.activity = activity
	conn.activityConn = activityConn

	transport := net.Conn(activityConn)
	if config.RateLimitBytesPerSecond > 0 {
		transport = common.NewThrottledConn(
			ctx,
			transport,
			common.RateLimits{
				ReadBytesPerSecond:  config.RateLimitBytesPerSecond,
				WriteBytesPerSecond: config.RateLimitBytesPerSecond,
			})
	}
	conn.transport = transport

	gate := server.gateController.Dispatch(protocol, peekedBytes)
	if gate == nil {
		server.stats.connectionUnhandled()
		handleErr = common.ClassifyError(common.ErrNoHandler, nil)
		return
	}

	conn.setGateName(gate.Name())

	log.WithTraceFields(
		LogFields{
			"listener": listener.localAddress,
			"protocol": protocol.String(),
			"gate":     gate.Name(),
		}).Debug("connection dispatched")

	handleErr = gate.Handle(ctx, conn)

	if handleErr != nil {
		server.stats.gateFailed(gate.Name())
	} else {
		server.stats.gateHandled(gate.Name())
	}
}

// detectProtocol classifies the protocol spoken on conn from peeked
// bytes. The deadline is absolute, set once, so a peer trickling bytes
// cannot extend detection indefinitely. ProtocolUnknown with a nil
// error means the peeked bytes match no signature; the caller reports
// the connection unhandled.
func detectProtocol(
	conn *sniffer.Conn,
	timeout time.Duration,
	peekCap int) (sniffer.Protocol, []byte, error) {

	err := conn.SetReadDeadline(time.Now().Add(timeout))
	if err != nil {
		return sniffer.ProtocolUnknown, nil, errors.Trace(err)
	}

	protocol := sniffer.ProtocolUnknown
	var peeked []byte

	peekSize := sniffer.MinBytesToClassify

	for {
		peeked, err = conn.Peek(peekSize)
		if err != nil {
			break
		}

		protocol = sniffer.Classify(peeked)

		if protocol == sniffer.ProtocolHTTP {
			// An HTTP match on the method word may still become a
			// WebSocket upgrade, decided only on the complete header
			// block. Extend the peek until the block completes or the
			// buffer cap is reached; a block that is still incomplete
			// at the deadline dispatches as plain HTTP.
			extended, _ := peekHTTPHeaders(conn, peekCap)
			if len(extended) > len(peeked) {
				peeked = extended
				protocol = sniffer.Classify(peeked)
			}
			break
		}

		if protocol != sniffer.ProtocolUnknown {
			break
		}

		if peekSize >= sniffer.MaxBytesToClassify {
			// The decisive prefix matches no signature.
			break
		}
		peekSize++
	}

	if err != nil {
		if common.IsTimeout(err) {
			return sniffer.ProtocolUnknown, peeked,
				common.ClassifyError(common.ErrDetectionTimeout, err)
		}
		// Note: no trace error to preserve error type
		return sniffer.ProtocolUnknown, peeked, err
	}

	return protocol, peeked, nil
}

// peekHTTPHeaders extends the peek until the visible HTTP header block
// is complete or the peek buffer cap is reached. The longest available
// peek is returned in all cases, including errors; completion is not
// guaranteed.
//
// Growth is a byte at a time, so the peek converges on exactly the
// header block without blocking for bytes beyond it; within the
// sniffer the reads run a segment at a time, not a byte at a time.
func peekHTTPHeaders(conn *sniffer.Conn, peekCap int) ([]byte, error) {

	peekSize := conn.Buffered()
	if peekSize == 0 {
		peekSize = sniffer.MaxBytesToClassify
	}

	for {
		peeked, err := conn.Peek(peekSize)
		if err != nil {
			// Note: no trace error to preserve error type
			return peeked, err
		}
		if sniffer.HeadersComplete(peeked) {
			return peeked, nil
		}
		if peekSize >= peekCap {
			return peeked, nil
		}
		if buffered := conn.Buffered(); buffered > peekSize {
			peekSize = buffered
		} else {
			peekSize++
		}
		if peekSize > peekCap {
			peekSize = peekCap
		}
	}
}

// connectionErrorClass maps a connection's terminal error to its stats
// and log classification, folding in the server-level policy refusal.
func connectionErrorClass(err error) string {
	if std_errors.Is(err, errTargetDenied) {
		return "target_denied"
	}
	return common.ErrorClass(err)
}
