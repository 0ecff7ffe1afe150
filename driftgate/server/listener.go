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
	"net"
	"time"

	"github.com/armon/go-proxyproto"
	"github.com/driftgate/driftgate-proxy-core/driftgate/common/errors"
	"github.com/driftgate/driftgate-proxy-core/driftgate/common/sniffer"
)

// Setting a timeout ensures that reading the PROXY protocol header
// completes or times out and RemoteAddr will not block. See:
// https://godoc.org/github.com/armon/go-proxyproto#Conn.RemoteAddr
const READ_PROXY_PROTOCOL_HEADER_TIMEOUT = 5 * time.Second

// proxyListener couples a bound listener with its dispatch
// configuration. A forcedProtocol other than ProtocolUnknown marks a
// dedicated-protocol listener: accepted connections skip detection and
// dispatch directly as that protocol.
type proxyListener struct {
	net.Listener
	localAddress   string
	forcedProtocol sniffer.Protocol
}

// bindListeners binds every configured listen address. All addresses
// are bound before any is served; any failure closes the listeners
// already bound and fails startup, so a misconfigured address is
// caught at launch rather than surfacing as a partially listening
// server.
//
// Listeners configured for the PROXY protocol are wrapped so that
// accepted conns report the original client address. The header is
// read on the first RemoteAddr call, which the connection pipeline
// makes before any conn read.
func bindListeners(config *Config) ([]*proxyListener, error) {

	var listeners []*proxyListener

	for _, entry := range config.ListenAddresses {

		tcpListener, err := net.Listen("tcp", entry.Address)
		if err != nil {
			for _, existingListener := range listeners {
				existingListener.Close()
			}
			return nil, errors.Trace(err)
		}

		listener := net.Listener(tcpListener)
		if entry.UseProxyProtocol {
			listener = &proxyproto.Listener{
				Listener:           tcpListener,
				ProxyHeaderTimeout: READ_PROXY_PROTOCOL_HEADER_TIMEOUT,
			}
		}

		// Validated at configuration load.
		forcedProtocol, _ := sniffer.ProtocolNamed(entry.Protocol)

		log.WithTraceFields(
			LogFields{
				"localAddress":     entry.Address,
				"protocol":         entry.Protocol,
				"useProxyProtocol": entry.UseProxyProtocol,
			}).Info("listening")

		listeners = append(
			listeners,
			&proxyListener{
				Listener:       listener,
				localAddress:   entry.Address,
				forcedProtocol: forcedProtocol,
			})
	}

	return listeners, nil
}
