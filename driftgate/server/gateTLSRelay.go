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
	"encoding/binary"
	"net"

	"github.com/driftgate/driftgate-proxy-core/driftgate/common"
	"github.com/driftgate/driftgate-proxy-core/driftgate/common/errors"
	"github.com/driftgate/driftgate-proxy-core/driftgate/common/sniffer"
)

// tlsRelayGate relays TLS connections to the origin named by the
// ClientHello's server name. The handshake is not terminated: the
// ClientHello is examined via peek only, and the relay replays it to
// the origin byte for byte, so end-to-end TLS security properties are
// untouched.
//
// Connections without a server name cannot be routed and are refused.
// Nothing is written back to the client in that case: mid-handshake,
// only a fatal alert could be sent, and staying silent reveals less to
// scanners.
type tlsRelayGate struct {
	support *SupportServices
}

func newTLSRelayGate(support *SupportServices) *tlsRelayGate {
	return &tlsRelayGate{support: support}
}

func (gate *tlsRelayGate) Name() string {
	return "tls-relay"
}

func (gate *tlsRelayGate) Priority() int {
	return gatePriorityTLSRelay
}

func (gate *tlsRelayGate) Accepts(protocol sniffer.Protocol, peekedBytes []byte) bool {
	return protocol == sniffer.ProtocolTLS
}

func (gate *tlsRelayGate) Handle(ctx context.Context, conn *proxyConn) error {

	serverName, err := gate.peekServerName(conn)
	if err != nil {
		// Note: no trace error to preserve error type
		return err
	}

	targetAddress := net.JoinHostPort(serverName, "443")
	conn.setTargetAddress(targetAddress)

	err = gate.support.policy.checkTarget(serverName)
	if err != nil {
		// Note: no trace error to preserve error type
		return err
	}

	upstream, err := conn.dialUpstream(ctx, targetAddress)
	if err != nil {
		// Note: no trace error to preserve error type
		return err
	}
	defer upstream.Close()

	// The ClientHello was only peeked, never consumed; the relay
	// replays it to the origin ahead of any further client bytes.
	return relayBidirectional(ctx, conn.transport, upstream)
}

// peekServerName extends the peek to the full ClientHello record and
// extracts the SNI server name. A ClientHello that exceeds the peek
// buffer, spans records, or carries no server name is a violation.
func (gate *tlsRelayGate) peekServerName(conn *proxyConn) (string, error) {

	// TLS record header: content type, legacy version, length.
	sample, err := conn.sniffer.Peek(5)
	if err != nil {
		return "", common.ClassifyError(common.ErrProtocolViolation, err)
	}
	recordLength := int(binary.BigEndian.Uint16(sample[3:5]))

	sample, err = conn.sniffer.Peek(5 + recordLength)
	if err != nil {
		return "", common.ClassifyError(common.ErrProtocolViolation, err)
	}

	serverName, err := parseSNI(sample[5 : 5+recordLength])
	if err != nil {
		return "", common.ClassifyError(common.ErrProtocolViolation, err)
	}

	return serverName, nil
}

// parseSNI extracts the server name from a ClientHello handshake
// message, the payload of the first TLS record.
func parseSNI(message []byte) (string, error) {

	// Handshake header: msg_type, uint24 length.
	if len(message) < 4 {
		return "", errors.TraceNew("short handshake message")
	}
	if message[0] != 0x01 {
		return "", errors.TraceNew("not a ClientHello")
	}
	handshakeLength := int(message[1])<<16 | int(message[2])<<8 | int(message[3])
	if handshakeLength > len(message)-4 {
		return "", errors.TraceNew("fragmented ClientHello")
	}
	hello := message[4 : 4+handshakeLength]

	// legacy_version and random.
	if len(hello) < 34 {
		return "", errors.TraceNew("short ClientHello")
	}
	rest := hello[34:]

	// legacy_session_id.
	if len(rest) < 1 {
		return "", errors.TraceNew("truncated session ID")
	}
	sessionIDLength := int(rest[0])
	if len(rest) < 1+sessionIDLength {
		return "", errors.TraceNew("truncated session ID")
	}
	rest = rest[1+sessionIDLength:]

	// cipher_suites.
	if len(rest) < 2 {
		return "", errors.TraceNew("truncated cipher suites")
	}
	cipherSuitesLength := int(binary.BigEndian.Uint16(rest))
	if len(rest) < 2+cipherSuitesLength {
		return "", errors.TraceNew("truncated cipher suites")
	}
	rest = rest[2+cipherSuitesLength:]

	// legacy_compression_methods.
	if len(rest) < 1 {
		return "", errors.TraceNew("truncated compression methods")
	}
	compressionLength := int(rest[0])
	if len(rest) < 1+compressionLength {
		return "", errors.TraceNew("truncated compression methods")
	}
	rest = rest[1+compressionLength:]

	if len(rest) < 2 {
		return "", errors.TraceNew("no extensions")
	}
	extensionsLength := int(binary.BigEndian.Uint16(rest))
	rest = rest[2:]
	if len(rest) < extensionsLength {
		return "", errors.TraceNew("truncated extensions")
	}
	extensions := rest[:extensionsLength]

	for len(extensions) >= 4 {

		extensionType := binary.BigEndian.Uint16(extensions)
		extensionLength := int(binary.BigEndian.Uint16(extensions[2:]))
		if len(extensions) < 4+extensionLength {
			return "", errors.TraceNew("malformed extension")
		}
		data := extensions[4 : 4+extensionLength]
		extensions = extensions[4+extensionLength:]

		// server_name, RFC 6066.
		if extensionType != 0x0000 {
			continue
		}

		if len(data) < 2 {
			return "", errors.TraceNew("malformed server name list")
		}
		listLength := int(binary.BigEndian.Uint16(data))
		if len(data) < 2+listLength {
			return "", errors.TraceNew("malformed server name list")
		}
		names := data[2 : 2+listLength]

		for len(names) >= 3 {
			nameType := names[0]
			nameLength := int(binary.BigEndian.Uint16(names[1:]))
			if len(names) < 3+nameLength {
				return "", errors.TraceNew("malformed server name")
			}
			if nameType == 0x00 {
				name := string(names[3 : 3+nameLength])
				if name == "" {
					return "", errors.TraceNew("empty server name")
				}
				return name, nil
			}
			names = names[3+nameLength:]
		}
		return "", errors.TraceNew("no host name entry")
	}

	return "", errors.TraceNew("no server name extension")
}
