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
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/driftgate/driftgate-proxy-core/driftgate/common/sniffer"
)

// testConfigJSON is the baseline test configuration. Targets in these
// tests are loopback origins, which the bogon filter would refuse, so
// bogons are allowed. The listen address satisfies config validation
// only; tests bind their own listeners to learn the ephemeral port.
const testConfigJSON = `
    {
        "ListenAddresses": [{"Address": "127.0.0.1:0"}],
        "LogLevel": "error",
        "AllowBogons": true
    }
    `

func newTestSupport(t *testing.T, configJSON string) *SupportServices {

	config, err := LoadConfig([]byte(configJSON))
	if err != nil {
		t.Fatalf("LoadConfig failed: %s", err)
	}

	err = InitLogging(config)
	if err != nil {
		t.Fatalf("InitLogging failed: %s", err)
	}

	support, err := NewSupportServices(config)
	if err != nil {
		t.Fatalf("NewSupportServices failed: %s", err)
	}

	return support
}

// startTestProxy runs a proxy server on an ephemeral loopback listener
// and returns the server, the listener address, and a stop function.
// An empty forcedProtocol selects protocol detection.
func startTestProxy(
	t *testing.T,
	configJSON string,
	forcedProtocol string) (*ProxyServer, string, func()) {

	support := newTestSupport(t, configJSON)

	server := NewProxyServer(support)

	tcpListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen failed: %s", err)
	}

	protocol, ok := sniffer.ProtocolNamed(forcedProtocol)
	if !ok {
		t.Fatalf("invalid protocol name: %s", forcedProtocol)
	}

	listener := &proxyListener{
		Listener:       tcpListener,
		localAddress:   tcpListener.Addr().String(),
		forcedProtocol: protocol,
	}

	listenerStopped := make(chan struct{})
	go func() {
		defer close(listenerStopped)
		server.runListener(listener)
	}()

	stop := func() {
		server.Shutdown()
		listener.Close()
		server.activeConns.CloseAll()
		<-listenerStopped
	}

	return server, listener.localAddress, stop
}

// startEchoOrigin runs a TCP origin which echoes received bytes back to
// the sender and propagates the sender's write shutdown.
func startEchoOrigin(t *testing.T) (string, func()) {

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen failed: %s", err)
	}

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
				if tcpConn, ok := conn.(*net.TCPConn); ok {
					_ = tcpConn.CloseWrite()
				}
			}(conn)
		}
	}()

	return listener.Addr().String(), func() { listener.Close() }
}

// waitForCount polls a stats counter until it reaches the expected
// value. Counters are updated on connection teardown, which runs
// concurrently with the client observing its end of the close.
func waitForCount(
	t *testing.T, name string, count func() int64, expected int64) {

	timeout := time.After(5 * time.Second)
	for {
		if count() == expected {
			return
		}
		select {
		case <-timeout:
			t.Fatalf(
				"timeout waiting for %s to reach %d (at %d)",
				name, expected, count())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func snapshotCounter(server *ProxyServer, name string) func() int64 {
	return func() int64 {
		return server.stats.snapshot()[name].(int64)
	}
}

func TestProxyHTTPConnect(t *testing.T) {

	originAddress, stopOrigin := startEchoOrigin(t)
	defer stopOrigin()

	server, proxyAddress, stopProxy := startTestProxy(t, testConfigJSON, "")
	defer stopProxy()

	clientConn, err := net.Dial("tcp", proxyAddress)
	if err != nil {
		t.Fatalf("net.Dial failed: %s", err)
	}
	defer clientConn.Close()
	clientConn.SetDeadline(time.Now().Add(10 * time.Second))

	request := fmt.Sprintf(
		"CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n",
		originAddress, originAddress)
	_, err = clientConn.Write([]byte(request))
	if err != nil {
		t.Fatalf("write request failed: %s", err)
	}

	expectedResponse := "HTTP/1.1 200 Connection established\r\n\r\n"
	response := make([]byte, len(expectedResponse))
	_, err = io.ReadFull(clientConn, response)
	if err != nil {
		t.Fatalf("read response failed: %s", err)
	}
	if string(response) != expectedResponse {
		t.Fatalf("unexpected response: %q", string(response))
	}

	payload := []byte("tunneled payload")
	_, err = clientConn.Write(payload)
	if err != nil {
		t.Fatalf("write payload failed: %s", err)
	}

	echo := make([]byte, len(payload))
	_, err = io.ReadFull(clientConn, echo)
	if err != nil {
		t.Fatalf("read echo failed: %s", err)
	}
	if !bytes.Equal(echo, payload) {
		t.Fatalf("unexpected echo: %q", string(echo))
	}

	// The write shutdown propagates through the tunnel to the origin
	// and back.
	err = clientConn.(*net.TCPConn).CloseWrite()
	if err != nil {
		t.Fatalf("CloseWrite failed: %s", err)
	}
	_, err = clientConn.Read(make([]byte, 1))
	if err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}

	waitForCount(
		t, "http handled",
		func() int64 { return server.stats.gateHandledCount("http") }, 1)
}

func TestProxyHTTPConnectDenied(t *testing.T) {

	configJSON := `
    {
        "ListenAddresses": [{"Address": "127.0.0.1:0"}],
        "LogLevel": "error",
        "DenyTargets": ["*"]
    }
    `

	server, proxyAddress, stopProxy := startTestProxy(t, configJSON, "")
	defer stopProxy()

	clientConn, err := net.Dial("tcp", proxyAddress)
	if err != nil {
		t.Fatalf("net.Dial failed: %s", err)
	}
	defer clientConn.Close()
	clientConn.SetDeadline(time.Now().Add(10 * time.Second))

	// 203.0.113.7 is TEST-NET-3; the policy refuses the target before
	// any dial.
	_, err = clientConn.Write([]byte(
		"CONNECT 203.0.113.7:443 HTTP/1.1\r\nHost: 203.0.113.7:443\r\n\r\n"))
	if err != nil {
		t.Fatalf("write request failed: %s", err)
	}

	response, err := io.ReadAll(clientConn)
	if err != nil {
		t.Fatalf("read response failed: %s", err)
	}
	if !bytes.HasPrefix(response, []byte("HTTP/1.1 403 Forbidden\r\n")) {
		t.Fatalf("unexpected response: %q", string(response))
	}

	waitForCount(
		t, "http failed",
		func() int64 { return server.stats.gateFailedCount("http") }, 1)
}

func TestProxyIdleTimeout(t *testing.T) {

	idleTimeout := 300 * time.Millisecond

	configJSON := fmt.Sprintf(`
    {
        "ListenAddresses": [{"Address": "127.0.0.1:0"}],
        "LogLevel": "error",
        "AllowBogons": true,
        "IdleTimeoutMilliseconds": %d
    }
    `, idleTimeout/time.Millisecond)

	originAddress, stopOrigin := startEchoOrigin(t)
	defer stopOrigin()

	server, proxyAddress, stopProxy := startTestProxy(t, configJSON, "")
	defer stopProxy()

	clientConn, err := net.Dial("tcp", proxyAddress)
	if err != nil {
		t.Fatalf("net.Dial failed: %s", err)
	}
	defer clientConn.Close()
	clientConn.SetDeadline(time.Now().Add(10 * time.Second))

	request := fmt.Sprintf(
		"CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n",
		originAddress, originAddress)
	_, err = clientConn.Write([]byte(request))
	if err != nil {
		t.Fatalf("write request failed: %s", err)
	}

	expectedResponse := "HTTP/1.1 200 Connection established\r\n\r\n"
	response := make([]byte, len(expectedResponse))
	_, err = io.ReadFull(clientConn, response)
	if err != nil {
		t.Fatalf("read response failed: %s", err)
	}

	payload := []byte("last activity")
	_, err = clientConn.Write(payload)
	if err != nil {
		t.Fatalf("write payload failed: %s", err)
	}
	_, err = io.ReadFull(clientConn, make([]byte, len(payload)))
	if err != nil {
		t.Fatalf("read echo failed: %s", err)
	}

	// With both ends idle, the proxy must tear the tunnel down, and no
	// sooner than the configured inactivity period.
	idleStart := time.Now()
	_, err = clientConn.Read(make([]byte, 1))
	if err == nil {
		t.Fatalf("expected connection teardown")
	}
	if elapsed := time.Since(idleStart); elapsed < idleTimeout/2 {
		t.Fatalf("teardown before idle period: %s", elapsed)
	}

	// Idle expiry surfaces as a deadline error from the relay, so the
	// teardown is recorded as a timeout-classed failure.
	waitForCount(
		t, "http failed",
		func() int64 { return server.stats.gateFailedCount("http") }, 1)
}

func TestProxyHTTPForward(t *testing.T) {

	origin := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain")
			fmt.Fprintf(w, "origin response for %s", r.URL.Path)
		}))
	defer origin.Close()
	originAddress := origin.Listener.Addr().String()

	server, proxyAddress, stopProxy := startTestProxy(t, testConfigJSON, "")
	defer stopProxy()

	clientConn, err := net.Dial("tcp", proxyAddress)
	if err != nil {
		t.Fatalf("net.Dial failed: %s", err)
	}
	defer clientConn.Close()
	clientConn.SetDeadline(time.Now().Add(10 * time.Second))

	reader := bufio.NewReader(clientConn)

	// Two sequential requests exercise connection reuse on the client
	// leg; each forward request dials its own upstream conn.
	for _, path := range []string{"/first", "/second"} {

		request := fmt.Sprintf(
			"GET http://%s%s HTTP/1.1\r\nHost: %s\r\n\r\n",
			originAddress, path, originAddress)
		_, err = clientConn.Write([]byte(request))
		if err != nil {
			t.Fatalf("write request failed: %s", err)
		}

		response, err := http.ReadResponse(reader, nil)
		if err != nil {
			t.Fatalf("ReadResponse failed: %s", err)
		}
		if response.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status: %d", response.StatusCode)
		}
		body, err := io.ReadAll(response.Body)
		response.Body.Close()
		if err != nil {
			t.Fatalf("read body failed: %s", err)
		}
		expectedBody := fmt.Sprintf("origin response for %s", path)
		if string(body) != expectedBody {
			t.Fatalf("unexpected body: %q", string(body))
		}
		if response.Close {
			t.Fatalf("connection not reusable after %s", path)
		}
	}

	clientConn.Close()

	waitForCount(
		t, "http handled",
		func() int64 { return server.stats.gateHandledCount("http") }, 1)
}

func TestProxySOCKS5(t *testing.T) {

	originAddress, stopOrigin := startEchoOrigin(t)
	defer stopOrigin()

	server, proxyAddress, stopProxy := startTestProxy(t, testConfigJSON, "")
	defer stopProxy()

	clientConn, err := net.Dial("tcp", proxyAddress)
	if err != nil {
		t.Fatalf("net.Dial failed: %s", err)
	}
	defer clientConn.Close()
	clientConn.SetDeadline(time.Now().Add(10 * time.Second))

	// Method negotiation, offering "no authentication".
	_, err = clientConn.Write([]byte{0x05, 0x01, 0x00})
	if err != nil {
		t.Fatalf("write greeting failed: %s", err)
	}
	methodReply := make([]byte, 2)
	_, err = io.ReadFull(clientConn, methodReply)
	if err != nil {
		t.Fatalf("read method reply failed: %s", err)
	}
	if methodReply[0] != 0x05 || methodReply[1] != 0x00 {
		t.Fatalf("unexpected method reply: %v", methodReply)
	}

	_, err = clientConn.Write(socksConnectRequest(t, originAddress))
	if err != nil {
		t.Fatalf("write request failed: %s", err)
	}

	reply := make([]byte, 10)
	_, err = io.ReadFull(clientConn, reply)
	if err != nil {
		t.Fatalf("read reply failed: %s", err)
	}
	if reply[0] != 0x05 || reply[1] != 0x00 || reply[3] != 0x01 {
		t.Fatalf("unexpected reply: %v", reply)
	}

	payload := []byte("socks payload")
	_, err = clientConn.Write(payload)
	if err != nil {
		t.Fatalf("write payload failed: %s", err)
	}
	echo := make([]byte, len(payload))
	_, err = io.ReadFull(clientConn, echo)
	if err != nil {
		t.Fatalf("read echo failed: %s", err)
	}
	if !bytes.Equal(echo, payload) {
		t.Fatalf("unexpected echo: %q", string(echo))
	}

	err = clientConn.(*net.TCPConn).CloseWrite()
	if err != nil {
		t.Fatalf("CloseWrite failed: %s", err)
	}
	_, err = clientConn.Read(make([]byte, 1))
	if err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}

	waitForCount(
		t, "socks5 handled",
		func() int64 { return server.stats.gateHandledCount("socks5") }, 1)
}

// socksConnectRequest builds a SOCKS5 CONNECT request for an IPv4
// "host:port" target.
func socksConnectRequest(t *testing.T, targetAddress string) []byte {

	host, portStr, err := net.SplitHostPort(targetAddress)
	if err != nil {
		t.Fatalf("SplitHostPort failed: %s", err)
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		t.Fatalf("not an IPv4 address: %s", host)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Atoi failed: %s", err)
	}

	request := []byte{0x05, 0x01, 0x00, 0x01}
	request = append(request, ip...)
	request = append(request, byte(port>>8), byte(port&0xff))
	return request
}

func TestProxySOCKS5Authentication(t *testing.T) {

	configJSON := `
    {
        "ListenAddresses": [{"Address": "127.0.0.1:0"}],
        "LogLevel": "error",
        "AllowBogons": true,
        "SOCKSUsername": "tester",
        "SOCKSPassword": "test-password"
    }
    `

	originAddress, stopOrigin := startEchoOrigin(t)
	defer stopOrigin()

	server, proxyAddress, stopProxy := startTestProxy(t, configJSON, "")
	defer stopProxy()

	dial := func() net.Conn {
		conn, err := net.Dial("tcp", proxyAddress)
		if err != nil {
			t.Fatalf("net.Dial failed: %s", err)
		}
		conn.SetDeadline(time.Now().Add(10 * time.Second))
		return conn
	}

	authMessage := func(username, password string) []byte {
		message := []byte{0x01, byte(len(username))}
		message = append(message, username...)
		message = append(message, byte(len(password)))
		message = append(message, password...)
		return message
	}

	t.Run("no acceptable method", func(t *testing.T) {
		conn := dial()
		defer conn.Close()

		_, err := conn.Write([]byte{0x05, 0x01, 0x00})
		if err != nil {
			t.Fatalf("write greeting failed: %s", err)
		}
		reply := make([]byte, 2)
		_, err = io.ReadFull(conn, reply)
		if err != nil {
			t.Fatalf("read reply failed: %s", err)
		}
		if reply[0] != 0x05 || reply[1] != 0xff {
			t.Fatalf("unexpected reply: %v", reply)
		}
		_, err = conn.Read(make([]byte, 1))
		if err != io.EOF {
			t.Fatalf("expected EOF, got %v", err)
		}
	})

	t.Run("bad credentials", func(t *testing.T) {
		conn := dial()
		defer conn.Close()

		_, err := conn.Write([]byte{0x05, 0x01, 0x02})
		if err != nil {
			t.Fatalf("write greeting failed: %s", err)
		}
		reply := make([]byte, 2)
		_, err = io.ReadFull(conn, reply)
		if err != nil {
			t.Fatalf("read reply failed: %s", err)
		}
		if reply[0] != 0x05 || reply[1] != 0x02 {
			t.Fatalf("unexpected reply: %v", reply)
		}

		_, err = conn.Write(authMessage("tester", "wrong"))
		if err != nil {
			t.Fatalf("write auth failed: %s", err)
		}
		_, err = io.ReadFull(conn, reply)
		if err != nil {
			t.Fatalf("read auth reply failed: %s", err)
		}
		if reply[0] != 0x01 || reply[1] != 0x01 {
			t.Fatalf("unexpected auth reply: %v", reply)
		}
		_, err = conn.Read(make([]byte, 1))
		if err != io.EOF {
			t.Fatalf("expected EOF, got %v", err)
		}
	})

	t.Run("good credentials", func(t *testing.T) {
		conn := dial()
		defer conn.Close()

		_, err := conn.Write([]byte{0x05, 0x02, 0x00, 0x02})
		if err != nil {
			t.Fatalf("write greeting failed: %s", err)
		}
		reply := make([]byte, 2)
		_, err = io.ReadFull(conn, reply)
		if err != nil {
			t.Fatalf("read reply failed: %s", err)
		}
		if reply[0] != 0x05 || reply[1] != 0x02 {
			t.Fatalf("unexpected reply: %v", reply)
		}

		_, err = conn.Write(authMessage("tester", "test-password"))
		if err != nil {
			t.Fatalf("write auth failed: %s", err)
		}
		_, err = io.ReadFull(conn, reply)
		if err != nil {
			t.Fatalf("read auth reply failed: %s", err)
		}
		if reply[0] != 0x01 || reply[1] != 0x00 {
			t.Fatalf("unexpected auth reply: %v", reply)
		}

		_, err = conn.Write(socksConnectRequest(t, originAddress))
		if err != nil {
			t.Fatalf("write request failed: %s", err)
		}
		connectReply := make([]byte, 10)
		_, err = io.ReadFull(conn, connectReply)
		if err != nil {
			t.Fatalf("read connect reply failed: %s", err)
		}
		if connectReply[1] != 0x00 {
			t.Fatalf("unexpected connect reply: %v", connectReply)
		}

		err = conn.(*net.TCPConn).CloseWrite()
		if err != nil {
			t.Fatalf("CloseWrite failed: %s", err)
		}
		_, err = conn.Read(make([]byte, 1))
		if err != io.EOF {
			t.Fatalf("expected EOF, got %v", err)
		}

		waitForCount(
			t, "socks5 handled",
			func() int64 { return server.stats.gateHandledCount("socks5") }, 1)
	})
}

func TestProxySOCKS5DeniedDomain(t *testing.T) {

	configJSON := `
    {
        "ListenAddresses": [{"Address": "127.0.0.1:0"}],
        "LogLevel": "error",
        "DenyTargets": ["*.blocked.example"]
    }
    `

	server, proxyAddress, stopProxy := startTestProxy(t, configJSON, "")
	defer stopProxy()

	clientConn, err := net.Dial("tcp", proxyAddress)
	if err != nil {
		t.Fatalf("net.Dial failed: %s", err)
	}
	defer clientConn.Close()
	clientConn.SetDeadline(time.Now().Add(10 * time.Second))

	_, err = clientConn.Write([]byte{0x05, 0x01, 0x00})
	if err != nil {
		t.Fatalf("write greeting failed: %s", err)
	}
	reply := make([]byte, 2)
	_, err = io.ReadFull(clientConn, reply)
	if err != nil {
		t.Fatalf("read method reply failed: %s", err)
	}

	domain := "api.blocked.example"
	request := []byte{0x05, 0x01, 0x00, 0x03, byte(len(domain))}
	request = append(request, domain...)
	request = append(request, 0x00, 0x50)
	_, err = clientConn.Write(request)
	if err != nil {
		t.Fatalf("write request failed: %s", err)
	}

	connectReply := make([]byte, 10)
	_, err = io.ReadFull(clientConn, connectReply)
	if err != nil {
		t.Fatalf("read connect reply failed: %s", err)
	}
	if connectReply[1] != 0x02 {
		t.Fatalf("expected not-allowed reply, got: %v", connectReply)
	}

	waitForCount(
		t, "socks5 failed",
		func() int64 { return server.stats.gateFailedCount("socks5") }, 1)
}

func TestProxyDetectionTimeout(t *testing.T) {

	configJSON := `
    {
        "ListenAddresses": [{"Address": "127.0.0.1:0"}],
        "LogLevel": "error",
        "DetectionTimeoutMilliseconds": 300
    }
    `

	server, proxyAddress, stopProxy := startTestProxy(t, configJSON, "")
	defer stopProxy()

	clientConn, err := net.Dial("tcp", proxyAddress)
	if err != nil {
		t.Fatalf("net.Dial failed: %s", err)
	}
	defer clientConn.Close()
	clientConn.SetDeadline(time.Now().Add(5 * time.Second))

	// Send nothing; the connection must be closed at the detection
	// deadline.
	_, err = clientConn.Read(make([]byte, 1))
	if err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}

	waitForCount(
		t, "unhandled connections",
		snapshotCounter(server, "unhandled_connections"), 1)
}

func TestProxyUnknownProtocol(t *testing.T) {

	server, proxyAddress, stopProxy := startTestProxy(t, testConfigJSON, "")
	defer stopProxy()

	clientConn, err := net.Dial("tcp", proxyAddress)
	if err != nil {
		t.Fatalf("net.Dial failed: %s", err)
	}
	defer clientConn.Close()

	// A prefix that matches no protocol signature is refused as soon as
	// it is decisive, well before the detection deadline.
	clientConn.SetDeadline(time.Now().Add(3 * time.Second))

	_, err = clientConn.Write(
		bytes.Repeat([]byte{0xff}, sniffer.MaxBytesToClassify))
	if err != nil {
		t.Fatalf("write failed: %s", err)
	}

	_, err = clientConn.Read(make([]byte, 1))
	if err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}

	waitForCount(
		t, "unhandled connections",
		snapshotCounter(server, "unhandled_connections"), 1)
}

func TestProxyConcurrencyLimit(t *testing.T) {

	configJSON := `
    {
        "ListenAddresses": [{"Address": "127.0.0.1:0"}],
        "LogLevel": "error",
        "AllowBogons": true,
        "MaxConcurrentConnections": 1
    }
    `

	originAddress, stopOrigin := startEchoOrigin(t)
	defer stopOrigin()

	server, proxyAddress, stopProxy := startTestProxy(t, configJSON, "")
	defer stopProxy()

	// The first connection holds the only admission slot with an
	// established tunnel.
	holdConn, err := net.Dial("tcp", proxyAddress)
	if err != nil {
		t.Fatalf("net.Dial failed: %s", err)
	}
	defer holdConn.Close()
	holdConn.SetDeadline(time.Now().Add(10 * time.Second))

	request := fmt.Sprintf(
		"CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n",
		originAddress, originAddress)
	_, err = holdConn.Write([]byte(request))
	if err != nil {
		t.Fatalf("write request failed: %s", err)
	}
	response := make([]byte, len("HTTP/1.1 200 Connection established\r\n\r\n"))
	_, err = io.ReadFull(holdConn, response)
	if err != nil {
		t.Fatalf("read response failed: %s", err)
	}

	rejectedConn, err := net.Dial("tcp", proxyAddress)
	if err != nil {
		t.Fatalf("net.Dial failed: %s", err)
	}
	defer rejectedConn.Close()
	rejectedConn.SetDeadline(time.Now().Add(3 * time.Second))

	_, err = rejectedConn.Read(make([]byte, 1))
	if err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}

	waitForCount(
		t, "rejected connections",
		snapshotCounter(server, "rejected_connections"), 1)

	// The held connection is unaffected by the rejection.
	payload := []byte("still flowing")
	_, err = holdConn.Write(payload)
	if err != nil {
		t.Fatalf("write payload failed: %s", err)
	}
	echo := make([]byte, len(payload))
	_, err = io.ReadFull(holdConn, echo)
	if err != nil {
		t.Fatalf("read echo failed: %s", err)
	}
	if !bytes.Equal(echo, payload) {
		t.Fatalf("unexpected echo: %q", string(echo))
	}
}

func TestProxyForcedProtocolListeners(t *testing.T) {

	originAddress, stopOrigin := startEchoOrigin(t)
	defer stopOrigin()

	t.Run("http", func(t *testing.T) {

		server, proxyAddress, stopProxy := startTestProxy(
			t, testConfigJSON, "http")
		defer stopProxy()

		clientConn, err := net.Dial("tcp", proxyAddress)
		if err != nil {
			t.Fatalf("net.Dial failed: %s", err)
		}
		defer clientConn.Close()
		clientConn.SetDeadline(time.Now().Add(10 * time.Second))

		request := fmt.Sprintf(
			"CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n",
			originAddress, originAddress)
		_, err = clientConn.Write([]byte(request))
		if err != nil {
			t.Fatalf("write request failed: %s", err)
		}
		response := make([]byte, len("HTTP/1.1 200 Connection established\r\n\r\n"))
		_, err = io.ReadFull(clientConn, response)
		if err != nil {
			t.Fatalf("read response failed: %s", err)
		}

		clientConn.Close()
		waitForCount(
			t, "http handled",
			func() int64 { return server.stats.gateHandledCount("http") }, 1)
	})

	t.Run("socks5", func(t *testing.T) {

		server, proxyAddress, stopProxy := startTestProxy(
			t, testConfigJSON, "socks5")
		defer stopProxy()

		clientConn, err := net.Dial("tcp", proxyAddress)
		if err != nil {
			t.Fatalf("net.Dial failed: %s", err)
		}
		defer clientConn.Close()
		clientConn.SetDeadline(time.Now().Add(10 * time.Second))

		_, err = clientConn.Write([]byte{0x05, 0x01, 0x00})
		if err != nil {
			t.Fatalf("write greeting failed: %s", err)
		}
		reply := make([]byte, 2)
		_, err = io.ReadFull(clientConn, reply)
		if err != nil {
			t.Fatalf("read method reply failed: %s", err)
		}

		_, err = clientConn.Write(socksConnectRequest(t, originAddress))
		if err != nil {
			t.Fatalf("write request failed: %s", err)
		}
		connectReply := make([]byte, 10)
		_, err = io.ReadFull(clientConn, connectReply)
		if err != nil {
			t.Fatalf("read connect reply failed: %s", err)
		}
		if connectReply[1] != 0x00 {
			t.Fatalf("unexpected connect reply: %v", connectReply)
		}

		clientConn.Close()
		waitForCount(
			t, "socks5 handled",
			func() int64 { return server.stats.gateHandledCount("socks5") }, 1)
	})
}

func TestProxyShutdown(t *testing.T) {

	originAddress, stopOrigin := startEchoOrigin(t)
	defer stopOrigin()

	_, proxyAddress, stopProxy := startTestProxy(t, testConfigJSON, "")

	clientConn, err := net.Dial("tcp", proxyAddress)
	if err != nil {
		stopProxy()
		t.Fatalf("net.Dial failed: %s", err)
	}
	defer clientConn.Close()
	clientConn.SetDeadline(time.Now().Add(10 * time.Second))

	request := fmt.Sprintf(
		"CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n",
		originAddress, originAddress)
	_, err = clientConn.Write([]byte(request))
	if err != nil {
		stopProxy()
		t.Fatalf("write request failed: %s", err)
	}
	response := make([]byte, len("HTTP/1.1 200 Connection established\r\n\r\n"))
	_, err = io.ReadFull(clientConn, response)
	if err != nil {
		stopProxy()
		t.Fatalf("read response failed: %s", err)
	}

	// Shutdown tears down the established tunnel.
	stopProxy()

	_, err = clientConn.Read(make([]byte, 1))
	if err == nil {
		t.Fatalf("expected tunnel teardown")
	}
}

func TestProxyProxyProtocolListener(t *testing.T) {

	configJSON := `
    {
        "ListenAddresses": [
            {"Address": "127.0.0.1:0", "UseProxyProtocol": true}
        ],
        "LogLevel": "error",
        "AllowBogons": true
    }
    `

	originAddress, stopOrigin := startEchoOrigin(t)
	defer stopOrigin()

	support := newTestSupport(t, configJSON)
	server := NewProxyServer(support)

	listeners, err := bindListeners(support.Config)
	if err != nil {
		t.Fatalf("bindListeners failed: %s", err)
	}
	listener := listeners[0]

	listenerStopped := make(chan struct{})
	go func() {
		defer close(listenerStopped)
		server.runListener(listener)
	}()
	defer func() {
		server.Shutdown()
		listener.Close()
		server.activeConns.CloseAll()
		<-listenerStopped
	}()

	clientConn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("net.Dial failed: %s", err)
	}
	defer clientConn.Close()
	clientConn.SetDeadline(time.Now().Add(10 * time.Second))

	// The PROXY protocol header must be consumed before detection; its
	// leading bytes match no protocol signature.
	_, err = clientConn.Write([]byte(
		"PROXY TCP4 198.51.100.9 127.0.0.1 23456 443\r\n"))
	if err != nil {
		t.Fatalf("write header failed: %s", err)
	}

	request := fmt.Sprintf(
		"CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n",
		originAddress, originAddress)
	_, err = clientConn.Write([]byte(request))
	if err != nil {
		t.Fatalf("write request failed: %s", err)
	}

	expectedResponse := "HTTP/1.1 200 Connection established\r\n\r\n"
	response := make([]byte, len(expectedResponse))
	_, err = io.ReadFull(clientConn, response)
	if err != nil {
		t.Fatalf("read response failed: %s", err)
	}
	if string(response) != expectedResponse {
		t.Fatalf("unexpected response: %q", string(response))
	}

	waitForCount(
		t, "http handled",
		func() int64 { return server.stats.gateHandledCount("http") }, 1)
}

func TestBindListeners(t *testing.T) {

	t.Run("binds all entries", func(t *testing.T) {

		configJSON := `
    {
        "ListenAddresses": [
            {"Address": "127.0.0.1:0"},
            {"Address": "127.0.0.1:0", "Protocol": "tls"}
        ],
        "LogLevel": "error"
    }
    `
		support := newTestSupport(t, configJSON)

		listeners, err := bindListeners(support.Config)
		if err != nil {
			t.Fatalf("bindListeners failed: %s", err)
		}
		defer func() {
			for _, listener := range listeners {
				listener.Close()
			}
		}()

		if len(listeners) != 2 {
			t.Fatalf("unexpected listener count: %d", len(listeners))
		}
		if listeners[0].forcedProtocol != sniffer.ProtocolUnknown {
			t.Fatalf("unexpected forced protocol: %v", listeners[0].forcedProtocol)
		}
		if listeners[1].forcedProtocol != sniffer.ProtocolTLS {
			t.Fatalf("unexpected forced protocol: %v", listeners[1].forcedProtocol)
		}
	})

	t.Run("close on failure", func(t *testing.T) {

		// Occupy a port, then configure it as the second listen address;
		// the bind failure must not leak the first listener.
		occupied, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("net.Listen failed: %s", err)
		}
		defer occupied.Close()

		configJSON := fmt.Sprintf(`
    {
        "ListenAddresses": [
            {"Address": "127.0.0.1:0"},
            {"Address": "%s"}
        ],
        "LogLevel": "error"
    }
    `, occupied.Addr().String())
		support := newTestSupport(t, configJSON)

		listeners, err := bindListeners(support.Config)
		if err == nil {
			for _, listener := range listeners {
				listener.Close()
			}
			t.Fatalf("expected bind failure")
		}
	})
}

func TestDetectProtocol(t *testing.T) {

	testCases := []struct {
		description      string
		write            []byte
		expectedProtocol sniffer.Protocol
	}{
		{
			"http request",
			[]byte("GET / HTTP/1.1\r\nHost: example.org\r\n\r\n"),
			sniffer.ProtocolHTTP,
		},
		{
			"socks5 greeting",
			[]byte{0x05, 0x01, 0x00},
			sniffer.ProtocolSOCKS5,
		},
		{
			"tls client hello prefix",
			[]byte{0x16, 0x03, 0x01, 0x02, 0x00, 0x01},
			sniffer.ProtocolTLS,
		},
		{
			"websocket upgrade",
			[]byte("GET /chat HTTP/1.1\r\nHost: example.org\r\n" +
				"Upgrade: websocket\r\nConnection: Upgrade\r\n" +
				"Sec-WebSocket-Key: AQIDBAUGBwgJCgsMDQ4PEA==\r\n" +
				"Sec-WebSocket-Version: 13\r\n\r\n"),
			sniffer.ProtocolWebSocketUpgrade,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.description, func(t *testing.T) {

			client, server := net.Pipe()
			defer client.Close()
			defer server.Close()

			go func() {
				// Trickle the bytes to exercise repeated peeks against
				// a slow sender.
				for _, b := range testCase.write {
					client.Write([]byte{b})
				}
			}()

			conn := sniffer.NewConn(server, 0)
			protocol, peeked, err := detectProtocol(
				conn, 2*time.Second, sniffer.DefaultMaxPeekSize)
			if err != nil {
				t.Fatalf("detectProtocol failed: %s", err)
			}
			if protocol != testCase.expectedProtocol {
				t.Fatalf(
					"expected %s, got %s",
					testCase.expectedProtocol, protocol)
			}
			if len(peeked) == 0 {
				t.Fatalf("expected peeked bytes")
			}

			// Detection must not consume: the peeked bytes replay on
			// Read.
			replay := make([]byte, len(peeked))
			_, err = io.ReadFull(conn, replay)
			if err != nil {
				t.Fatalf("read replay failed: %s", err)
			}
			if !bytes.Equal(replay, peeked) {
				t.Fatalf("replayed bytes differ from peeked bytes")
			}
		})
	}

	t.Run("timeout on silence", func(t *testing.T) {

		client, server := net.Pipe()
		defer client.Close()
		defer server.Close()

		conn := sniffer.NewConn(server, 0)
		_, _, err := detectProtocol(
			conn, 100*time.Millisecond, sniffer.DefaultMaxPeekSize)
		if err == nil {
			t.Fatalf("expected detection timeout")
		}
	})

	t.Run("no match", func(t *testing.T) {

		client, server := net.Pipe()
		defer client.Close()
		defer server.Close()

		go client.Write(bytes.Repeat([]byte{0xff}, 16))

		conn := sniffer.NewConn(server, 0)
		protocol, _, err := detectProtocol(
			conn, 2*time.Second, sniffer.DefaultMaxPeekSize)
		if err != nil {
			t.Fatalf("detectProtocol failed: %s", err)
		}
		if protocol != sniffer.ProtocolUnknown {
			t.Fatalf("expected no match, got %s", protocol)
		}
	})
}
