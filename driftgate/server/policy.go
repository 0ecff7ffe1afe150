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
	std_errors "errors"
	"net"
	"strings"
	"syscall"

	"github.com/driftgate/driftgate-proxy-core/driftgate/common"
	"github.com/driftgate/driftgate-proxy-core/driftgate/common/errors"
	"github.com/gobwas/glob"
)

// errTargetDenied is returned when an upstream target is refused by the
// configured target policy. Gates map this error to their protocol's
// "not allowed" response.
var errTargetDenied = std_errors.New("target denied by policy")

// targetPolicy determines which upstream targets connections may be
// relayed to. Target hostnames are checked before dialing; resolved IP
// addresses are checked again at connect time, so a hostname which
// passes the glob filters cannot smuggle a connection to filtered IP
// space through DNS.
type targetPolicy struct {
	allowTargets []glob.Glob
	denyTargets  []glob.Glob
	allowBogons  bool
}

func newTargetPolicy(config *Config) *targetPolicy {
	return &targetPolicy{
		allowTargets: config.allowTargets,
		denyTargets:  config.denyTargets,
		allowBogons:  config.AllowBogons,
	}
}

// checkTarget checks a target host, either a hostname or an IP address
// literal, against the policy. Returns errTargetDenied when the target
// is refused.
func (policy *targetPolicy) checkTarget(host string) error {

	if host == "" {
		return errors.TraceNew("missing target host")
	}

	host = strings.ToLower(host)

	ip := net.ParseIP(host)
	if ip != nil && !policy.allowBogons && common.IsBogon(ip) {
		return errTargetDenied
	}

	if len(policy.allowTargets) > 0 && !matchAnyGlob(policy.allowTargets, host) {
		return errTargetDenied
	}

	if matchAnyGlob(policy.denyTargets, host) {
		return errTargetDenied
	}

	return nil
}

// dialerControl returns a net.Dialer.Control function which enforces
// the bogon policy against the resolved address actually being dialed.
func (policy *targetPolicy) dialerControl() func(network, address string, conn syscall.RawConn) error {

	return func(network, address string, _ syscall.RawConn) error {

		host, _, err := net.SplitHostPort(address)
		if err != nil {
			return errors.Trace(err)
		}

		ip := net.ParseIP(host)
		if ip == nil {
			return errors.TraceNew("expected an IP address")
		}

		if !policy.allowBogons && common.IsBogon(ip) {
			return errTargetDenied
		}

		return nil
	}
}

func matchAnyGlob(globs []glob.Glob, value string) bool {
	for _, g := range globs {
		if g.Match(value) {
			return true
		}
	}
	return false
}
