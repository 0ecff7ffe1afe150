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
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/driftgate/driftgate-proxy-core/driftgate/common"
	"github.com/driftgate/driftgate-proxy-core/driftgate/common/sniffer"
)

// Gate is one protocol handler in the dispatch lineup. A gate takes
// full ownership of a connection when it accepts it: exactly one gate
// handles any given connection.
type Gate interface {

	// Name returns the gate's stable name, used in logs and metrics.
	Name() string

	// Priority orders the dispatch scan; higher priority gates are
	// consulted first. Gates with equal priority are consulted in
	// registration order.
	Priority() int

	// Accepts indicates whether the gate claims a connection, given its
	// classified protocol and the bytes peeked during detection.
	// Accepts must not perform I/O and must not mutate gate state.
	Accepts(protocol sniffer.Protocol, peekedBytes []byte) bool

	// Handle services the connection until completion. Handle blocks
	// for the life of the connection; the caller closes the connection
	// after Handle returns.
	Handle(ctx context.Context, conn *proxyConn) error
}

// Gate priorities. The DoH gate outranks the general HTTP gate so that
// it can claim "/dns-query" requests the HTTP gate would otherwise
// relay.
const (
	gatePriorityDoH       = 90
	gatePriorityHTTP      = 70
	gatePrioritySOCKS     = 70
	gatePriorityWebSocket = 50
	gatePriorityTLSRelay  = 50
)

// registeredGate pairs a gate with its runtime enabled state.
type registeredGate struct {
	gate      Gate
	isEnabled int32
}

// GateController holds the dispatch lineup. The lineup is fixed at
// initialization, which keeps the dispatch scan lock-free; individual
// gates are enabled and disabled with atomic flags.
type GateController struct {
	gates []*registeredGate
}

// NewGateController initializes the standard gate lineup.
func NewGateController(support *SupportServices) *GateController {

	lineup := []struct {
		gate    Gate
		enabled bool
	}{
		{newDoHGate(support), support.Config.DoHGateEnabled()},
		{newHTTPGate(support), true},
		{newSOCKSGate(support), true},
		{newWebSocketGate(support), support.Config.WebSocketGateEnabled()},
		{newTLSRelayGate(support), support.Config.TLSRelayGateEnabled()},
	}

	controller := &GateController{}
	for _, entry := range lineup {
		registered := &registeredGate{gate: entry.gate}
		if entry.enabled {
			registered.isEnabled = 1
		}
		controller.gates = append(controller.gates, registered)
	}

	// Order by priority, preserving registration order within equal
	// priorities.
	sort.SliceStable(controller.gates, func(i, j int) bool {
		return controller.gates[i].gate.Priority() > controller.gates[j].gate.Priority()
	})

	return controller
}

// Dispatch selects the gate to service a connection: the highest
// priority enabled gate which accepts the connection's classified
// protocol and peeked bytes. The scan mutates nothing and takes no
// locks, so concurrent dispatches cannot interleave. The caller routes
// the connection to the returned gate alone. Returns nil when no
// enabled gate accepts the connection.
func (controller *GateController) Dispatch(
	protocol sniffer.Protocol, peekedBytes []byte) Gate {

	for _, registered := range controller.gates {
		if atomic.LoadInt32(&registered.isEnabled) == 0 {
			continue
		}
		if registered.gate.Accepts(protocol, peekedBytes) {
			return registered.gate
		}
	}
	return nil
}

// SetGateEnabled enables or disables the named gate. Disabled gates
// are skipped by Dispatch; connections they are already servicing are
// unaffected. Returns false when no gate has the given name.
func (controller *GateController) SetGateEnabled(name string, enabled bool) bool {
	for _, registered := range controller.gates {
		if registered.gate.Name() == name {
			var value int32
			if enabled {
				value = 1
			}
			atomic.StoreInt32(&registered.isEnabled, value)
			return true
		}
	}
	return false
}

// GateNames returns the gate names in dispatch order.
func (controller *GateController) GateNames() []string {
	names := make([]string, len(controller.gates))
	for i, registered := range controller.gates {
		names[i] = registered.gate.Name()
	}
	return names
}

// proxyConn carries one client connection through detection, dispatch,
// and teardown.
type proxyConn struct {
	support *SupportServices

	// transport is the conn gates read from and write to. It replays
	// the peeked bytes, monitors activity against the idle timeout,
	// and applies any configured rate limit.
	transport net.Conn

	// sniffer is the underlying peek layer, retained for gates which
	// extend the peek before consuming, as TLS server name extraction
	// does.
	sniffer *sniffer.Conn

	// activityConn is the activity monitoring layer within transport,
	// retained for start time and duration reporting.
	activityConn *common.ActivityMonitoredConn

	activity *connActivity

	listenerAddress string
	clientIP        string
	geoIPData       GeoIPData
	protocol        sniffer.Protocol

	mutex           sync.Mutex
	gateName        string
	targetAddress   string
	fingerprintName string
	upstreamMetrics common.MetricsSource
}

// dialUpstream dials the target through the server's upstream dialer
// and records the target and applied fingerprint for the connection's
// teardown metrics.
func (conn *proxyConn) dialUpstream(
	ctx context.Context, targetAddress string) (net.Conn, error) {

	upstream, profile, err := conn.support.dialer.dial(ctx, targetAddress)
	if err != nil {
		// Note: no trace error to preserve error type
		return nil, err
	}

	conn.mutex.Lock()
	conn.targetAddress = targetAddress
	if profile != nil {
		conn.fingerprintName = profile.Name
	}
	conn.upstreamMetrics, _ = upstream.(common.MetricsSource)
	conn.mutex.Unlock()

	return upstream, nil
}

func (conn *proxyConn) setGateName(name string) {
	conn.mutex.Lock()
	conn.gateName = name
	conn.mutex.Unlock()
}

func (conn *proxyConn) setTargetAddress(targetAddress string) {
	conn.mutex.Lock()
	conn.targetAddress = targetAddress
	conn.mutex.Unlock()
}

// metrics assembles the connection's teardown metric fields.
func (conn *proxyConn) metrics() LogFields {

	var bytesUp, bytesDown int64
	if conn.activity != nil {
		bytesUp, bytesDown = conn.activity.snapshot()
	}

	conn.mutex.Lock()
	defer conn.mutex.Unlock()

	fields := LogFields{
		"listener":       conn.listenerAddress,
		"protocol":       conn.protocol.String(),
		"gate":           conn.gateName,
		"client_country": conn.geoIPData.Country,
		"client_city":    conn.geoIPData.City,
		"client_isp":     conn.geoIPData.ISP,
		"bytes_up":       bytesUp,
		"bytes_down":     bytesDown,
	}

	if conn.targetAddress != "" {
		fields["target_address"] = conn.targetAddress
	}
	if conn.fingerprintName != "" {
		fields["fingerprint_profile"] = conn.fingerprintName
	}

	if conn.activityConn != nil {
		fields["start_time"] = conn.activityConn.GetStartTime().Format(time.RFC3339)
		fields["duration_ms"] = time.Since(conn.activityConn.GetStartTime()) / time.Millisecond
		fields["active_duration_ms"] = conn.activityConn.GetActiveDuration() / time.Millisecond
	}

	if conn.upstreamMetrics != nil {
		fields.Add(conn.upstreamMetrics.GetMetrics())
	}

	return fields
}
