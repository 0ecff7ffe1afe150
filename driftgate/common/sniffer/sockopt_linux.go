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

package sniffer

import (
	"syscall"

	"github.com/driftgate/driftgate-proxy-core/driftgate/common/errors"
	"golang.org/x/sys/unix"
)

// SocketType returns the underlying socket's type, e.g. unix.SOCK_STREAM.
func (conn *Conn) SocketType() (int, error) {
	return conn.getsockoptInt(unix.SOL_SOCKET, unix.SO_TYPE)
}

// ReceiveBufferSize returns the underlying socket's kernel receive buffer
// size in bytes.
func (conn *Conn) ReceiveBufferSize() (int, error) {
	return conn.getsockoptInt(unix.SOL_SOCKET, unix.SO_RCVBUF)
}

func (conn *Conn) getsockoptInt(level, opt int) (int, error) {

	syscallConn, ok := conn.Conn.(syscall.Conn)
	if !ok {
		return 0, errors.TraceNew("underlying conn is not a syscall.Conn")
	}

	rawConn, err := syscallConn.SyscallConn()
	if err != nil {
		return 0, errors.Trace(err)
	}

	var value int
	var sockErr error

	err = rawConn.Control(func(fd uintptr) {
		value, sockErr = unix.GetsockoptInt(int(fd), level, opt)
	})
	if err == nil {
		err = sockErr
	}
	if err != nil {
		return 0, errors.Trace(err)
	}

	return value, nil
}
