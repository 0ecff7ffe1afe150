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

package fingerprint

import (
	"net"
	"syscall"
	"time"

	"github.com/driftgate/driftgate-proxy-core/driftgate/common/errors"
	"golang.org/x/sys/unix"
)

// ApplyTCP adjusts an established connection's kernel socket options to
// match the profile's TCP parameters.
//
// Individual options the kernel refuses are returned as warnings and do
// not abort the remaining options or fail the connection. The returned
// error is reserved for connections whose socket cannot be accessed at
// all. MSS is only advisory post-connect; use DialerControl to shape the
// MSS advertised in an outbound SYN.
func ApplyTCP(conn net.Conn, profile *Profile) ([]error, error) {

	syscallConn, ok := conn.(syscall.Conn)
	if !ok {
		return nil, errors.TraceNew("conn is not a syscall.Conn")
	}

	rawConn, err := syscallConn.SyscallConn()
	if err != nil {
		return nil, errors.Trace(err)
	}

	var warnings []error
	err = rawConn.Control(func(fd uintptr) {
		warnings = setSocketOptions(int(fd), &profile.TCP)
	})
	if err != nil {
		return warnings, errors.Trace(err)
	}

	return warnings, nil
}

// DialerControl returns a net.Dialer.Control function that applies the
// profile's TCP parameters to outbound sockets before connecting, so the
// MSS and window size appear in the SYN itself. Per-option failures are
// passed to warned when non-nil.
func DialerControl(
	profile *Profile,
	warned func(error)) func(string, string, syscall.RawConn) error {

	return func(_, _ string, rawConn syscall.RawConn) error {
		return rawConn.Control(func(fd uintptr) {
			for _, warning := range setSocketOptions(int(fd), &profile.TCP) {
				if warned != nil {
					warned(warning)
				}
			}
		})
	}
}

func setSocketOptions(fd int, params *TCPParameters) []error {

	var warnings []error

	warn := func(option string, err error) {
		if err != nil {
			warnings = append(warnings, errors.Tracef("%s: %v", option, err))
		}
	}

	// Hop limit: try the IPv4 option first and fall back to the IPv6
	// option, warning only when neither applies.

	err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TTL, params.TTL)
	if err != nil {
		err = unix.SetsockoptInt(
			fd, unix.IPPROTO_IPV6, unix.IPV6_UNICAST_HOPS, params.TTL)
		warn("IP_TTL", err)
	}

	if params.MSS > 0 {
		warn("TCP_MAXSEG", unix.SetsockoptInt(
			fd, unix.IPPROTO_TCP, unix.TCP_MAXSEG, params.MSS))
	}

	if params.ReceiveBufferSize > 0 {
		warn("SO_RCVBUF", unix.SetsockoptInt(
			fd, unix.SOL_SOCKET, unix.SO_RCVBUF, params.ReceiveBufferSize))
	}

	if params.SendBufferSize > 0 {
		warn("SO_SNDBUF", unix.SetsockoptInt(
			fd, unix.SOL_SOCKET, unix.SO_SNDBUF, params.SendBufferSize))
	}

	noDelay := 0
	if params.NoDelay {
		noDelay = 1
	}
	warn("TCP_NODELAY", unix.SetsockoptInt(
		fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, noDelay))

	if params.KeepaliveIdle > 0 {

		warn("SO_KEEPALIVE", unix.SetsockoptInt(
			fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1))

		warn("TCP_KEEPIDLE", unix.SetsockoptInt(
			fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE,
			int(params.KeepaliveIdle/time.Second)))

		if params.KeepaliveInterval > 0 {
			warn("TCP_KEEPINTVL", unix.SetsockoptInt(
				fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL,
				int(params.KeepaliveInterval/time.Second)))
		}

		if params.KeepaliveCount > 0 {
			warn("TCP_KEEPCNT", unix.SetsockoptInt(
				fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT,
				params.KeepaliveCount))
		}
	}

	return warnings
}
