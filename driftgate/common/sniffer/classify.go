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
	"bytes"
	"encoding/binary"
)

// Protocol is the classification of a connection's leading bytes.
type Protocol int

const (
	ProtocolUnknown Protocol = iota
	ProtocolHTTP
	ProtocolSOCKS5
	ProtocolTLS
	ProtocolWebSocketUpgrade
)

func (p Protocol) String() string {
	switch p {
	case ProtocolHTTP:
		return "http"
	case ProtocolSOCKS5:
		return "socks5"
	case ProtocolTLS:
		return "tls"
	case ProtocolWebSocketUpgrade:
		return "websocket-upgrade"
	}
	return "unknown"
}

// ProtocolNamed maps a configuration protocol name to its Protocol value.
// The empty string maps to ProtocolUnknown, which selects detection.
func ProtocolNamed(name string) (Protocol, bool) {
	switch name {
	case "":
		return ProtocolUnknown, true
	case "http":
		return ProtocolHTTP, true
	case "socks5":
		return ProtocolSOCKS5, true
	case "tls":
		return ProtocolTLS, true
	case "websocket":
		return ProtocolWebSocketUpgrade, true
	}
	return ProtocolUnknown, false
}

const (
	// MinBytesToClassify is the smallest sample that can produce a
	// non-Unknown classification (a lone SOCKS5 version byte).
	MinBytesToClassify = 1

	// MaxBytesToClassify is the largest sample any classification rule
	// inspects before deciding, excluding WebSocket upgrade detection,
	// which scans up to the end of the peeked HTTP header block.
	MaxBytesToClassify = 8
)

// methodWord is a fixed-width match pattern for an HTTP request method. The
// method bytes, including the mandatory trailing space, are packed
// big-endian into the high bytes of a 64-bit word; mask holds 0xff for each
// significant byte. A sample matches when sampleWord&mask == word. Fixing
// the width to a single word keeps the per-method compare branch-free
// regardless of method length.
type methodWord struct {
	word uint64
	mask uint64
	size int
}

var httpMethodWords = makeMethodWords(
	"GET ",
	"POST ",
	"PUT ",
	"DELETE ",
	"HEAD ",
	"OPTIONS ",
	"PATCH ",
	"CONNECT ",
)

func makeMethodWords(methods ...string) []methodWord {
	words := make([]methodWord, len(methods))
	for i, method := range methods {
		if len(method) > 8 {
			panic("sniffer: method pattern exceeds word size")
		}
		var b [8]byte
		copy(b[:], method)
		var mask [8]byte
		for j := 0; j < len(method); j++ {
			mask[j] = 0xff
		}
		words[i] = methodWord{
			word: binary.BigEndian.Uint64(b[:]),
			mask: binary.BigEndian.Uint64(mask[:]),
			size: len(method),
		}
	}
	return words
}

// sampleWord packs up to the first 8 bytes of the sample into a big-endian
// word along with a mask covering the available bytes.
func sampleWord(sample []byte) (word uint64, mask uint64) {
	var b, m [8]byte
	n := copy(b[:], sample)
	for i := 0; i < n; i++ {
		m[i] = 0xff
	}
	return binary.BigEndian.Uint64(b[:]), binary.BigEndian.Uint64(m[:])
}

// Classify determines the protocol spoken by the peer from a peeked sample
// of its leading bytes. Classification is conservative: when the sample is
// a strict prefix of a recognizable protocol signature, Classify returns
// ProtocolUnknown and the caller is expected to re-invoke it with a longer
// sample, up to its detection deadline. A sample that can no longer match
// any signature also returns ProtocolUnknown; the caller distinguishes the
// two cases by whether its peek budget or deadline is exhausted.
//
// Precedence is fixed: TLS, then SOCKS5, then HTTP. An HTTP sample whose
// complete header block requests a WebSocket upgrade is reclassified as
// ProtocolWebSocketUpgrade.
func Classify(sample []byte) Protocol {

	if len(sample) == 0 {
		return ProtocolUnknown
	}

	// TLS ClientHello: handshake record type 0x16 followed by a recognized
	// record-layer version, 0x0300 (SSL 3.0) through 0x0304. One or two
	// bytes of consistent prefix is insufficient to decide.

	if sample[0] == 0x16 {
		if len(sample) < 3 {
			return ProtocolUnknown
		}
		if sample[1] == 0x03 && sample[2] <= 0x04 {
			return ProtocolTLS
		}
		return ProtocolUnknown
	}

	// SOCKS5: version byte 0x05. No printable HTTP method begins with 0x05,
	// so a single byte decides.

	if sample[0] == 0x05 {
		return ProtocolSOCKS5
	}

	// HTTP: a recognized request method followed by a space. Each method is
	// matched with one masked 64-bit compare. A sample shorter than a
	// method's full pattern that still agrees with it is a pending match.

	word, available := sampleWord(sample)

	for _, method := range httpMethodWords {
		if len(sample) >= method.size {
			if word&method.mask == method.word {
				if isWebSocketUpgrade(sample) {
					return ProtocolWebSocketUpgrade
				}
				return ProtocolHTTP
			}
		} else {
			partial := method.mask & available
			if word&partial == method.word&partial {
				// Prefix of this method so far; await more bytes.
				return ProtocolUnknown
			}
		}
	}

	return ProtocolUnknown
}

var crlfcrlf = []byte("\r\n\r\n")

// HeadersComplete indicates whether the sample contains a complete HTTP
// header block, terminated by an empty line.
func HeadersComplete(sample []byte) bool {
	return bytes.Contains(sample, crlfcrlf)
}

var (
	headerUpgrade    = []byte("upgrade")
	headerConnection = []byte("connection")
	tokenWebSocket   = []byte("websocket")
)

// isWebSocketUpgrade reports whether an HTTP-shaped sample is a WebSocket
// upgrade handshake. The determination is made only from a complete header
// block; with partial headers the answer is false and the sample remains
// plain HTTP until a longer peek says otherwise.
func isWebSocketUpgrade(sample []byte) bool {

	end := bytes.Index(sample, crlfcrlf)
	if end == -1 {
		return false
	}

	// RFC 6455 requires Upgrade: websocket and an Upgrade token in
	// Connection. Header names are case-insensitive and values may carry
	// multiple comma-separated tokens.

	hasUpgrade := false
	hasConnectionUpgrade := false

	lines := bytes.Split(sample[:end], []byte("\r\n"))
	if len(lines) < 2 {
		return false
	}
	for _, line := range lines[1:] {
		colon := bytes.IndexByte(line, ':')
		if colon == -1 {
			continue
		}
		name := bytes.ToLower(bytes.TrimSpace(line[:colon]))
		value := bytes.TrimSpace(line[colon+1:])
		switch {
		case bytes.Equal(name, headerUpgrade):
			if containsToken(value, tokenWebSocket) {
				hasUpgrade = true
			}
		case bytes.Equal(name, headerConnection):
			if containsToken(value, headerUpgrade) {
				hasConnectionUpgrade = true
			}
		}
		if hasUpgrade && hasConnectionUpgrade {
			return true
		}
	}

	return false
}

// containsToken reports whether a comma-separated header value contains the
// given token, compared case-insensitively.
func containsToken(value, token []byte) bool {
	for _, part := range bytes.Split(value, []byte(",")) {
		if bytes.EqualFold(bytes.TrimSpace(part), token) {
			return true
		}
	}
	return false
}
