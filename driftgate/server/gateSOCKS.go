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
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/binary"
	std_errors "errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"syscall"

	"github.com/driftgate/driftgate-proxy-core/driftgate/common"
	"github.com/driftgate/driftgate-proxy-core/driftgate/common/errors"
	"github.com/driftgate/driftgate-proxy-core/driftgate/common/sniffer"
)

const (
	socks5Version              = 0x05
	socks5AuthNone             = 0x00
	socks5AuthUsernamePassword = 0x02
	socks5AuthNoAcceptable     = 0xff
	socks5CommandConnect       = 0x01
	socks5AddressTypeIPv4      = 0x01
	socks5AddressTypeDomain    = 0x03
	socks5AddressTypeIPv6      = 0x04

	socks5AuthVersion   = 0x01
	socks5AuthSucceeded = 0x00
	socks5AuthFailed    = 0x01

	socks5ReplySucceeded           = 0x00
	socks5ReplyGeneralFailure      = 0x01
	socks5ReplyNotAllowed          = 0x02
	socks5ReplyNetworkUnreachable  = 0x03
	socks5ReplyHostUnreachable     = 0x04
	socks5ReplyConnectionRefused   = 0x05
	socks5ReplyCommandNotSupported = 0x07
	socks5ReplyAddressNotSupported = 0x08
)

// socksGate services SOCKS5 clients per RFC 1928, with optional
// username/password authentication per RFC 1929. Only the CONNECT
// command is supported.
type socksGate struct {
	support *SupportServices
}

func newSOCKSGate(support *SupportServices) *socksGate {
	return &socksGate{support: support}
}

func (gate *socksGate) Name() string {
	return "socks5"
}

func (gate *socksGate) Priority() int {
	return gatePrioritySOCKS
}

func (gate *socksGate) Accepts(protocol sniffer.Protocol, peekedBytes []byte) bool {
	return protocol == sniffer.ProtocolSOCKS5
}

func (gate *socksGate) Handle(ctx context.Context, conn *proxyConn) error {

	err := gate.negotiateAuth(conn)
	if err != nil {
		// Note: no trace error to preserve error type
		return err
	}

	targetAddress, err := gate.readConnectRequest(conn)
	if err != nil {
		// Note: no trace error to preserve error type
		return err
	}

	conn.setTargetAddress(targetAddress)

	host, _, err := net.SplitHostPort(targetAddress)
	if err != nil {
		_ = writeSocksReply(conn.transport, socks5ReplyGeneralFailure, nil)
		return common.ClassifyError(common.ErrProtocolViolation, err)
	}

	err = gate.support.policy.checkTarget(host)
	if err != nil {
		_ = writeSocksReply(conn.transport, socks5ReplyNotAllowed, nil)
		// Note: no trace error to preserve error type
		return err
	}

	upstream, err := conn.dialUpstream(ctx, targetAddress)
	if err != nil {
		_ = writeSocksReply(conn.transport, socksFailureReply(err), nil)
		// Note: no trace error to preserve error type
		return err
	}
	defer upstream.Close()

	err = writeSocksReply(
		conn.transport, socks5ReplySucceeded, upstream.LocalAddr())
	if err != nil {
		return errors.Trace(err)
	}

	return relayBidirectional(ctx, conn.transport, upstream)
}

// negotiateAuth performs the SOCKS5 method negotiation. When SOCKS
// credentials are configured, only the username/password method is
// acceptable; otherwise only "no authentication required".
func (gate *socksGate) negotiateAuth(conn *proxyConn) error {

	// Method negotiation:
	//  +----+----------+----------+
	//  |VER | NMETHODS | METHODS  |
	//  +----+----------+----------+

	var header [2]byte
	_, err := io.ReadFull(conn.transport, header[:])
	if err != nil {
		return common.ClassifyError(common.ErrProtocolViolation, err)
	}
	if header[0] != socks5Version {
		return common.ClassifyError(
			common.ErrProtocolViolation,
			fmt.Errorf("unsupported version: %#02x", header[0]))
	}

	methods := make([]byte, int(header[1]))
	_, err = io.ReadFull(conn.transport, methods)
	if err != nil {
		return common.ClassifyError(common.ErrProtocolViolation, err)
	}

	requireAuth := gate.support.Config.SOCKSUsername != ""

	method := byte(socks5AuthNone)
	if requireAuth {
		method = socks5AuthUsernamePassword
	}

	if bytes.IndexByte(methods, method) == -1 {
		_, _ = conn.transport.Write(
			[]byte{socks5Version, socks5AuthNoAcceptable})
		return common.ClassifyError(
			common.ErrProtocolViolation,
			std_errors.New("no acceptable authentication method"))
	}

	_, err = conn.transport.Write([]byte{socks5Version, method})
	if err != nil {
		// Note: no trace error to preserve error type
		return err
	}

	if requireAuth {
		return gate.verifyCredentials(conn)
	}
	return nil
}

// verifyCredentials performs the RFC 1929 username/password
// subnegotiation. Both credentials are compared in constant time
// regardless of which one mismatches.
func (gate *socksGate) verifyCredentials(conn *proxyConn) error {

	// Username/password subnegotiation:
	//  +----+------+----------+------+----------+
	//  |VER | ULEN |  UNAME   | PLEN |  PASSWD  |
	//  +----+------+----------+------+----------+

	var header [2]byte
	_, err := io.ReadFull(conn.transport, header[:])
	if err != nil {
		return common.ClassifyError(common.ErrProtocolViolation, err)
	}
	if header[0] != socks5AuthVersion {
		return common.ClassifyError(
			common.ErrProtocolViolation,
			fmt.Errorf("unsupported auth version: %#02x", header[0]))
	}

	username := make([]byte, int(header[1]))
	_, err = io.ReadFull(conn.transport, username)
	if err != nil {
		return common.ClassifyError(common.ErrProtocolViolation, err)
	}

	var passwordLength [1]byte
	_, err = io.ReadFull(conn.transport, passwordLength[:])
	if err != nil {
		return common.ClassifyError(common.ErrProtocolViolation, err)
	}

	password := make([]byte, int(passwordLength[0]))
	_, err = io.ReadFull(conn.transport, password)
	if err != nil {
		return common.ClassifyError(common.ErrProtocolViolation, err)
	}

	usernameMatch := subtle.ConstantTimeCompare(
		username, []byte(gate.support.Config.SOCKSUsername))
	passwordMatch := subtle.ConstantTimeCompare(
		password, []byte(gate.support.Config.SOCKSPassword))

	if usernameMatch&passwordMatch != 1 {
		_, _ = conn.transport.Write(
			[]byte{socks5AuthVersion, socks5AuthFailed})
		return common.ClassifyError(
			common.ErrProtocolViolation,
			std_errors.New("authentication failed"))
	}

	_, err = conn.transport.Write(
		[]byte{socks5AuthVersion, socks5AuthSucceeded})
	if err != nil {
		// Note: no trace error to preserve error type
		return err
	}
	return nil
}

// readConnectRequest reads the SOCKS5 request and returns the target
// in "host:port" form. Violations are answered with the appropriate
// reply code before returning an error.
func (gate *socksGate) readConnectRequest(conn *proxyConn) (string, error) {

	// Request:
	//  +----+-----+-------+------+----------+----------+
	//  |VER | CMD |  RSV  | ATYP | DST.ADDR | DST.PORT |
	//  +----+-----+-------+------+----------+----------+

	var header [4]byte
	_, err := io.ReadFull(conn.transport, header[:])
	if err != nil {
		return "", common.ClassifyError(common.ErrProtocolViolation, err)
	}
	if header[0] != socks5Version {
		return "", common.ClassifyError(
			common.ErrProtocolViolation,
			fmt.Errorf("unsupported version: %#02x", header[0]))
	}
	if header[1] != socks5CommandConnect {
		_ = writeSocksReply(conn.transport, socks5ReplyCommandNotSupported, nil)
		return "", common.ClassifyError(
			common.ErrProtocolViolation,
			fmt.Errorf("unsupported command: %#02x", header[1]))
	}

	var host string

	switch header[3] {

	case socks5AddressTypeIPv4:
		var address [4]byte
		_, err := io.ReadFull(conn.transport, address[:])
		if err != nil {
			return "", common.ClassifyError(common.ErrProtocolViolation, err)
		}
		host = net.IP(address[:]).String()

	case socks5AddressTypeDomain:
		var length [1]byte
		_, err := io.ReadFull(conn.transport, length[:])
		if err != nil {
			return "", common.ClassifyError(common.ErrProtocolViolation, err)
		}
		if length[0] == 0 {
			_ = writeSocksReply(conn.transport, socks5ReplyGeneralFailure, nil)
			return "", common.ClassifyError(
				common.ErrProtocolViolation,
				std_errors.New("empty domain name"))
		}
		name := make([]byte, int(length[0]))
		_, err = io.ReadFull(conn.transport, name)
		if err != nil {
			return "", common.ClassifyError(common.ErrProtocolViolation, err)
		}
		host = string(name)

	case socks5AddressTypeIPv6:
		var address [16]byte
		_, err := io.ReadFull(conn.transport, address[:])
		if err != nil {
			return "", common.ClassifyError(common.ErrProtocolViolation, err)
		}
		host = net.IP(address[:]).String()

	default:
		_ = writeSocksReply(conn.transport, socks5ReplyAddressNotSupported, nil)
		return "", common.ClassifyError(
			common.ErrProtocolViolation,
			fmt.Errorf("unsupported address type: %#02x", header[3]))
	}

	var portBytes [2]byte
	_, err = io.ReadFull(conn.transport, portBytes[:])
	if err != nil {
		return "", common.ClassifyError(common.ErrProtocolViolation, err)
	}
	port := binary.BigEndian.Uint16(portBytes[:])

	return net.JoinHostPort(host, strconv.Itoa(int(port))), nil
}

// writeSocksReply writes a SOCKS5 reply with the given code. A non-nil
// boundAddr supplies BND.ADDR and BND.PORT; failure replies report the
// zero IPv4 address.
func writeSocksReply(conn net.Conn, replyCode byte, boundAddr net.Addr) error {

	// Reply:
	//  +----+-----+-------+------+----------+----------+
	//  |VER | REP |  RSV  | ATYP | BND.ADDR | BND.PORT |
	//  +----+-----+-------+------+----------+----------+

	addressType := byte(socks5AddressTypeIPv4)
	addressBytes := []byte{0, 0, 0, 0}
	port := 0

	if boundAddr != nil {
		ip := net.ParseIP(common.IPAddressFromAddr(boundAddr))
		if ip4 := ip.To4(); ip4 != nil {
			addressBytes = ip4
		} else if ip16 := ip.To16(); ip16 != nil {
			addressType = socks5AddressTypeIPv6
			addressBytes = ip16
		}
		port = common.PortFromAddr(boundAddr)
	}

	reply := make([]byte, 0, 6+len(addressBytes))
	reply = append(reply, socks5Version, replyCode, 0x00, addressType)
	reply = append(reply, addressBytes...)
	var portBytes [2]byte
	binary.BigEndian.PutUint16(portBytes[:], uint16(port))
	reply = append(reply, portBytes[:]...)

	_, err := conn.Write(reply)
	return errors.Trace(err)
}

// socksFailureReply maps an upstream dial error to the SOCKS5 reply
// code reported to the client.
func socksFailureReply(err error) byte {
	switch {
	case std_errors.Is(err, errTargetDenied):
		return socks5ReplyNotAllowed
	case std_errors.Is(err, syscall.ECONNREFUSED):
		return socks5ReplyConnectionRefused
	case std_errors.Is(err, syscall.ENETUNREACH):
		return socks5ReplyNetworkUnreachable
	case std_errors.Is(err, syscall.EHOSTUNREACH):
		return socks5ReplyHostUnreachable
	case common.IsTimeout(err):
		return socks5ReplyHostUnreachable
	default:
		return socks5ReplyGeneralFailure
	}
}
