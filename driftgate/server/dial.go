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
	std_errors "errors"
	"net"
	"syscall"
	"time"

	"github.com/driftgate/driftgate-proxy-core/driftgate/common"
	"github.com/driftgate/driftgate-proxy-core/driftgate/common/errors"
	"github.com/driftgate/driftgate-proxy-core/driftgate/common/fingerprint"
	"github.com/driftgate/driftgate-proxy-core/driftgate/common/fragmentor"
)

// upstreamDialer establishes connections to relay targets, applying the
// target policy, the active device profile, fragmentation, and activity
// monitoring with the idle timeout.
type upstreamDialer struct {
	policy        *targetPolicy
	profiles      *fingerprint.Selector
	fragmentation *fragmentor.Config
	dialTimeout   time.Duration
	idleTimeout   time.Duration
}

func newUpstreamDialer(config *Config, policy *targetPolicy) (*upstreamDialer, error) {

	profiles, err := fingerprint.NewSelector(config.FingerprintProfile)
	if err != nil {
		return nil, errors.Trace(err)
	}

	pattern, err := fragmentor.PatternNamed(config.FragmentationPattern, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}

	var fragmentation *fragmentor.Config
	if pattern != nil {
		pattern.MaxChunks = config.MaxFragmentChunks

		// A nil seed gives each connection an independent schedule;
		// replay of a specific schedule is supported via
		// common.FragmentorReplayAccessor.
		fragmentation = fragmentor.NewUpstreamConfig(
			pattern, config.fragmentationProbability, nil)
	}

	return &upstreamDialer{
		policy:        policy,
		profiles:      profiles,
		fragmentation: fragmentation,
		dialTimeout:   config.upstreamDialTimeout,
		idleTimeout:   config.idleTimeout,
	}, nil
}

// dial establishes a TCP connection to targetAddress. The caller is
// expected to have already checked the target host against the policy;
// the resolved address is checked again at connect time. Dial failures
// are classified as upstream unreachable, except for policy refusals,
// which are returned unwrapped so gates can map them to their
// protocol's "not allowed" response.
//
// The returned conn fails reads and writes once no bytes have flowed
// through it for the idle timeout.
func (dialer *upstreamDialer) dial(
	ctx context.Context,
	targetAddress string) (net.Conn, *fingerprint.Profile, error) {

	profile := dialer.profiles.Next()

	warnTCPOption := func(err error) {
		log.WithTraceFields(
			LogFields{"error": err}).Warning("apply TCP fingerprint option failed")
	}

	var profileControl func(network, address string, conn syscall.RawConn) error
	if profile != nil {
		profileControl = fingerprint.DialerControl(profile, warnTCPOption)
	}

	netDialer := &net.Dialer{
		Control: chainDialerControls(
			dialer.policy.dialerControl(), profileControl),
	}

	dialCtx, cancelFunc := context.WithTimeout(ctx, dialer.dialTimeout)
	defer cancelFunc()

	conn, err := netDialer.DialContext(dialCtx, "tcp", targetAddress)
	if err != nil {
		if std_errors.Is(err, errTargetDenied) {
			// Note: no trace error so gates can map the policy refusal
			return nil, nil, errTargetDenied
		}
		return nil, nil, common.ClassifyError(common.ErrUpstreamUnreachable, err)
	}

	if profile != nil && profileControl == nil {
		// No pre-connect socket option support on this platform; apply
		// what can still be set on the established conn.
		warnings, err := fingerprint.ApplyTCP(conn, profile)
		if err != nil {
			warnTCPOption(err)
		}
		for _, warning := range warnings {
			warnTCPOption(warning)
		}
	}

	monitoredConn, err := common.NewActivityMonitoredConn(
		conn, dialer.idleTimeout, true, nil)
	if err != nil {
		conn.Close()
		return nil, nil, errors.Trace(err)
	}

	upstreamConn := net.Conn(monitoredConn)

	// The fragmentor is the outermost wrapper, so its metrics and
	// replay seed remain accessible on the conn handed to gates.
	if dialer.fragmentation.IsFragmenting() {
		upstreamConn = fragmentor.NewConn(
			dialer.fragmentation,
			func(message string) {
				log.WithTrace().Debug(message)
			},
			upstreamConn)
	}

	return upstreamConn, profile, nil
}

// chainDialerControls combines net.Dialer.Control functions, applying
// each non-nil control in order and stopping at the first error.
func chainDialerControls(
	controls ...func(network, address string, conn syscall.RawConn) error) func(network, address string, conn syscall.RawConn) error {

	return func(network, address string, conn syscall.RawConn) error {
		for _, control := range controls {
			if control == nil {
				continue
			}
			err := control(network, address, conn)
			if err != nil {
				// Note: no trace error to preserve error type
				return err
			}
		}
		return nil
	}
}
