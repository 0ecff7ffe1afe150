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

package sniffer

import (
	"github.com/driftgate/driftgate-proxy-core/driftgate/common/errors"
)

// SocketType is not supported on this platform.
func (conn *Conn) SocketType() (int, error) {
	return 0, errors.TraceNew("not supported on this platform")
}

// ReceiveBufferSize is not supported on this platform.
func (conn *Conn) ReceiveBufferSize() (int, error) {
	return 0, errors.TraceNew("not supported on this platform")
}
