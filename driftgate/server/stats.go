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
	"sync/atomic"
)

// serverStats accumulates server-wide load counters, which are reported
// in periodic server_load logs. All counter fields are updated with
// atomic operations. The gates map is frozen at construction and safe
// for lock-free reads.
type serverStats struct {
	// Note: 64-bit ints used with atomic operations are placed
	// at the start of struct to ensure 64-bit alignment.
	// (https://golang.org/pkg/sync/atomic/#pkg-note-BUG)
	acceptedConnections  int64
	activeConnections    int64
	rejectedConnections  int64
	unhandledConnections int64
	bytesUpstream        int64
	bytesDownstream      int64

	gates map[string]*gateStats
}

// gateStats counts the outcomes of connections dispatched to one gate.
type gateStats struct {
	handledConnections int64
	failedConnections  int64
}

func newServerStats(gateNames []string) *serverStats {
	gates := make(map[string]*gateStats)
	for _, name := range gateNames {
		gates[name] = &gateStats{}
	}
	return &serverStats{
		gates: gates,
	}
}

func (stats *serverStats) connectionAccepted() {
	atomic.AddInt64(&stats.acceptedConnections, 1)
	atomic.AddInt64(&stats.activeConnections, 1)
}

func (stats *serverStats) connectionClosed() {
	atomic.AddInt64(&stats.activeConnections, -1)
}

func (stats *serverStats) connectionRejected() {
	atomic.AddInt64(&stats.rejectedConnections, 1)
}

func (stats *serverStats) connectionUnhandled() {
	atomic.AddInt64(&stats.unhandledConnections, 1)
}

func (stats *serverStats) gateHandled(name string) {
	gate, ok := stats.gates[name]
	if ok {
		atomic.AddInt64(&gate.handledConnections, 1)
	}
}

func (stats *serverStats) gateFailed(name string) {
	gate, ok := stats.gates[name]
	if ok {
		atomic.AddInt64(&gate.failedConnections, 1)
	}
}

func (stats *serverStats) gateHandledCount(name string) int64 {
	gate, ok := stats.gates[name]
	if !ok {
		return 0
	}
	return atomic.LoadInt64(&gate.handledConnections)
}

func (stats *serverStats) gateFailedCount(name string) int64 {
	gate, ok := stats.gates[name]
	if !ok {
		return 0
	}
	return atomic.LoadInt64(&gate.failedConnections)
}

func (stats *serverStats) snapshot() LogFields {
	fields := LogFields{
		"accepted_connections":  atomic.LoadInt64(&stats.acceptedConnections),
		"active_connections":    atomic.LoadInt64(&stats.activeConnections),
		"rejected_connections":  atomic.LoadInt64(&stats.rejectedConnections),
		"unhandled_connections": atomic.LoadInt64(&stats.unhandledConnections),
		"bytes_upstream":        atomic.LoadInt64(&stats.bytesUpstream),
		"bytes_downstream":      atomic.LoadInt64(&stats.bytesDownstream),
	}
	for name, gate := range stats.gates {
		fields["gate_"+name+"_handled"] = atomic.LoadInt64(&gate.handledConnections)
		fields["gate_"+name+"_failed"] = atomic.LoadInt64(&gate.failedConnections)
	}
	return fields
}

// connActivity tracks one connection's relay progress and feeds the
// server-wide byte counters. Bytes read from the client flow upstream
// and bytes written to the client flow downstream, so a single updater
// on the client-side conn observes both directions.
type connActivity struct {
	bytesUp   int64
	bytesDown int64

	stats *serverStats
}

func newConnActivity(stats *serverStats) *connActivity {
	return &connActivity{stats: stats}
}

// UpdateProgress implements the common.ActivityUpdater interface.
func (activity *connActivity) UpdateProgress(
	bytesRead, bytesWritten int64, durationNanoseconds int64) {

	atomic.AddInt64(&activity.bytesUp, bytesRead)
	atomic.AddInt64(&activity.bytesDown, bytesWritten)
	if activity.stats != nil {
		atomic.AddInt64(&activity.stats.bytesUpstream, bytesRead)
		atomic.AddInt64(&activity.stats.bytesDownstream, bytesWritten)
	}
}

func (activity *connActivity) snapshot() (bytesUp, bytesDown int64) {
	return atomic.LoadInt64(&activity.bytesUp),
		atomic.LoadInt64(&activity.bytesDown)
}
