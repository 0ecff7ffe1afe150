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

//go:build !linux

package fingerprint

import (
	"net"
	"syscall"

	"github.com/driftgate/driftgate-proxy-core/driftgate/common/errors"
)

// ApplyTCP applies the portable subset of the profile's TCP parameters.
// TTL and MSS shaping require raw socket option access and degrade to
// warnings on this platform.
func ApplyTCP(conn net.Conn, profile *Profile) ([]error, error) {

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil, errors.TraceNew("conn is not a TCP conn")
	}

	params := &profile.TCP

	warnings := []error{
		errors.TraceNew("IP_TTL: not supported on this platform"),
		errors.TraceNew("TCP_MAXSEG: not supported on this platform"),
	}

	warn := func(option string, err error) {
		if err != nil {
			warnings = append(warnings, errors.Tracef("%s: %v", option, err))
		}
	}

	if params.ReceiveBufferSize > 0 {
		warn("SO_RCVBUF", tcpConn.SetReadBuffer(params.ReceiveBufferSize))
	}
	if params.SendBufferSize > 0 {
		warn("SO_SNDBUF", tcpConn.SetWriteBuffer(params.SendBufferSize))
	}

	warn("TCP_NODELAY", tcpConn.SetNoDelay(params.NoDelay))

	if params.KeepaliveIdle > 0 {
		warn("SO_KEEPALIVE", tcpConn.SetKeepAlive(true))
		warn("TCP_KEEPIDLE", tcpConn.SetKeepAlivePeriod(params.KeepaliveIdle))
	}

	return warnings, nil
}

// DialerControl is not supported on this platform; outbound sockets get
// the same best-effort treatment as accepted ones, after connecting.
func DialerControl(
	profile *Profile,
	warned func(error)) func(string, string, syscall.RawConn) error {

	return nil
}
