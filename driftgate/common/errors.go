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

package common

import (
	std_errors "errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

// Classification sentinels for terminal connection outcomes. Lower layer
// errors are wrapped with one of these so that dispatch and teardown code
// can branch on the class with errors.Is while logs retain the full error
// text.
var (
	ErrDetectionTimeout       = std_errors.New("detection timeout")
	ErrConnectionReset        = std_errors.New("connection reset")
	ErrProtocolViolation      = std_errors.New("protocol violation")
	ErrUpstreamUnreachable    = std_errors.New("upstream unreachable")
	ErrResourceExhausted      = std_errors.New("resource exhausted")
	ErrFingerprintUnsupported = std_errors.New("fingerprint unsupported")
	ErrNoHandler              = std_errors.New("no handler")
)

// ClassifyError wraps err with the given classification sentinel while
// preserving the original error chain.
func ClassifyError(class error, err error) error {
	if err == nil {
		return class
	}
	return fmt.Errorf("%w: %w", class, err)
}

// IsConnectionReset indicates whether err represents an abrupt close of a
// network connection, by the peer or by a local teardown racing the I/O
// call. These are expected, low-severity terminations.
func IsConnectionReset(err error) bool {
	if err == nil {
		return false
	}
	if std_errors.Is(err, ErrConnectionReset) ||
		std_errors.Is(err, syscall.ECONNRESET) ||
		std_errors.Is(err, syscall.EPIPE) ||
		std_errors.Is(err, io.ErrUnexpectedEOF) ||
		std_errors.Is(err, net.ErrClosed) {
		return true
	}
	return false
}

// IsTimeout indicates whether err derives from an I/O deadline expiry.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if std_errors.Is(err, ErrDetectionTimeout) ||
		std_errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if std_errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// ErrorClass maps an error onto the name of its classification, for use as
// a log field and stats key. Unclassified errors map to "other".
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return "none"
	case std_errors.Is(err, ErrDetectionTimeout):
		return "detection_timeout"
	case std_errors.Is(err, ErrProtocolViolation):
		return "protocol_violation"
	case std_errors.Is(err, ErrUpstreamUnreachable):
		return "upstream_unreachable"
	case std_errors.Is(err, ErrResourceExhausted):
		return "resource_exhausted"
	case std_errors.Is(err, ErrFingerprintUnsupported):
		return "fingerprint_unsupported"
	case std_errors.Is(err, ErrNoHandler):
		return "no_handler"
	case IsConnectionReset(err):
		return "connection_reset"
	case IsTimeout(err):
		return "timeout"
	default:
		return "other"
	}
}
