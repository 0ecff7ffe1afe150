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
	"encoding/json"
	std_errors "errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/driftgate/driftgate-proxy-core/driftgate/common/errors"
	"github.com/driftgate/driftgate-proxy-core/driftgate/common/fingerprint"
	"github.com/driftgate/driftgate-proxy-core/driftgate/common/fragmentor"
	"github.com/driftgate/driftgate-proxy-core/driftgate/common/sniffer"
	"github.com/gobwas/glob"
)

const (
	SERVER_CONFIG_FILENAME             = "driftgate.config"
	DEFAULT_DETECTION_TIMEOUT          = 5 * time.Second
	DEFAULT_IDLE_TIMEOUT               = 5 * time.Minute
	DEFAULT_UPSTREAM_DIAL_TIMEOUT      = 5 * time.Second
	DEFAULT_MAX_HTTP_HEADER_BYTES      = 16384
	DEFAULT_MAX_CONCURRENT_CONNECTIONS = 1024
	DEFAULT_DOH_UPSTREAM_URL           = "https://1.1.1.1/dns-query"
	DEFAULT_DOH_CACHE_SECONDS          = 60
	DEFAULT_LOAD_LOG_PERIOD_SECONDS    = 60
)

// ListenerEntry specifies one listening socket.
type ListenerEntry struct {

	// Address is the TCP listen address, in "host:port" form. The host
	// part may be empty to listen on all interfaces.
	Address string

	// Protocol optionally forces all connections accepted on this
	// listener to be handled as the named protocol, skipping detection.
	// Valid values are "http", "socks5", "tls", and "websocket". When
	// blank, the protocol of each connection is detected from its
	// initial bytes.
	Protocol string

	// UseProxyProtocol indicates that the listener is fronted by a load
	// balancer which prepends a PROXY protocol header to each
	// connection. The header is consumed before protocol detection and
	// its source address is logged as the client address.
	UseProxyProtocol bool
}

// Config specifies the configuration and behavior of a driftgate proxy
// server.
type Config struct {

	// LogLevel specifies the log level. Valid values are:
	// panic, fatal, error, warn, info, debug
	LogLevel string

	// LogFilename specifies the path of the file to log to. When blank,
	// logs are written to stderr.
	LogFilename string

	// ListenAddresses specifies the listening sockets. At least one
	// entry is required.
	ListenAddresses []ListenerEntry

	// DetectionTimeoutMilliseconds is the maximum time from accept
	// until a connection's protocol is classified and a gate selected.
	// Connections still ambiguous at the deadline are closed. When 0,
	// a default of 5000 is used.
	DetectionTimeoutMilliseconds int

	// IdleTimeoutMilliseconds is the maximum time a relayed connection
	// may sit with no bytes flowing in either direction before it is
	// closed. When nil, a default of 300000 is used; 0 disables the
	// idle timeout.
	IdleTimeoutMilliseconds *int

	// PeekBufferSize is the maximum number of initial bytes buffered
	// for protocol detection. Detection of a TLS connection's server
	// name requires the full ClientHello to fit in this buffer. When
	// 0, a default of 4096 is used.
	PeekBufferSize int

	// MaxHTTPHeaderBytes is the maximum size of an HTTP request header
	// block read from a client. When 0, a default of 16384 is used.
	MaxHTTPHeaderBytes int

	// UpstreamDialTimeoutMilliseconds is the maximum time to establish
	// a TCP connection to an upstream target. When 0, a default of
	// 5000 is used.
	UpstreamDialTimeoutMilliseconds int

	// MaxConcurrentConnections is the maximum number of client
	// connections serviced at once. Connections accepted beyond the
	// limit are closed immediately. When 0, a default of 1024 is used.
	MaxConcurrentConnections int

	// SOCKSUsername and SOCKSPassword specify credentials required from
	// SOCKS5 clients. Both must be set, or both blank. When blank,
	// SOCKS5 clients authenticate with the no-authentication method.
	SOCKSUsername string
	SOCKSPassword string

	// EnableDoHGate indicates whether to run the DNS-over-HTTPS gate,
	// which answers "/dns-query" requests directly instead of relaying
	// them. When nil, the gate is enabled.
	EnableDoHGate *bool

	// EnableWebSocketGate indicates whether to run the WebSocket gate.
	// When disabled, connections classified as WebSocket upgrades have
	// no handler and are closed. When nil, the gate is enabled.
	EnableWebSocketGate *bool

	// EnableTLSRelayGate indicates whether to run the TLS relay gate.
	// When disabled, TLS connections have no handler and are closed.
	// When nil, the gate is enabled.
	EnableTLSRelayGate *bool

	// DoHUpstreamURL is the upstream DNS-over-HTTPS resolver queried by
	// the DoH gate. When blank, a default of "https://1.1.1.1/dns-query"
	// is used.
	DoHUpstreamURL string

	// DoHCacheSeconds is the maximum time a DNS response is served from
	// cache. Responses with smaller record TTLs are cached for the
	// smallest TTL instead. When 0, a default of 60 is used.
	DoHCacheSeconds int

	// FingerprintProfile selects the device profile used to shape
	// upstream TCP and TLS parameters. Valid values are a profile name,
	// "rotate" to cycle through the catalog, or blank to disable
	// fingerprint shaping.
	FingerprintProfile string

	// FragmentationPattern selects the pattern used to fragment initial
	// upstream bytes. Valid values are a built-in pattern name, a
	// carrier preset name, or blank to disable fragmentation.
	FragmentationPattern string

	// FragmentationProbability is the probability, in [0.0, 1.0], that
	// any given upstream flow is fragmented. When nil, a default of 1.0
	// is used.
	FragmentationProbability *float64

	// MaxFragmentChunks caps the number of chunks any single write is
	// fragmented into. When 0, a default of 64 is used.
	MaxFragmentChunks int

	// AllowTargets and DenyTargets are glob patterns matched against
	// upstream target hosts, e.g. "*.example.org". When AllowTargets is
	// non-empty, only matching targets may be dialed. DenyTargets is
	// applied after AllowTargets and takes precedence.
	AllowTargets []string
	DenyTargets  []string

	// AllowBogons indicates whether upstream targets may resolve to
	// bogon addresses: private, loopback, link-local, and otherwise
	// unrouteable IP space. Relaying to bogons enables probing the
	// proxy's own network, so this is off unless set.
	AllowBogons bool

	// GeoIPDatabaseFilenames are paths of GeoIP2/GeoLite2 MaxMind
	// database files. When empty, no GeoIP lookups are performed. Each
	// file is queried, in order, for the logged fields: country code,
	// city, and ISP. Multiple file support accommodates the MaxMind
	// distribution where ISP data is in a separate file.
	GeoIPDatabaseFilenames []string

	// RateLimitBytesPerSecond limits the relay throughput of each
	// connection, applied independently in each direction. When 0, no
	// limit is applied.
	RateLimitBytesPerSecond int64

	// LoadLogPeriodSeconds indicates how frequently to log server load
	// metrics. When nil, a default of 60 is used; 0 disables load
	// logging.
	LoadLogPeriodSeconds *int

	detectionTimeout         time.Duration
	idleTimeout              time.Duration
	upstreamDialTimeout      time.Duration
	loadLogPeriod            time.Duration
	fragmentationProbability float64
	allowTargets             []glob.Glob
	denyTargets              []glob.Glob
}

// RunLoadMonitor indicates whether to periodically log server load.
func (config *Config) RunLoadMonitor() bool {
	return config.loadLogPeriod > 0
}

// DoHGateEnabled indicates whether to run the DNS-over-HTTPS gate.
func (config *Config) DoHGateEnabled() bool {
	return config.EnableDoHGate == nil || *config.EnableDoHGate
}

// WebSocketGateEnabled indicates whether to run the WebSocket gate.
func (config *Config) WebSocketGateEnabled() bool {
	return config.EnableWebSocketGate == nil || *config.EnableWebSocketGate
}

// TLSRelayGateEnabled indicates whether to run the TLS relay gate.
func (config *Config) TLSRelayGateEnabled() bool {
	return config.EnableTLSRelayGate == nil || *config.EnableTLSRelayGate
}

// LoadConfig loads and validates a JSON encoded server config.
func LoadConfig(configJSON []byte) (*Config, error) {

	var config Config
	err := json.Unmarshal(configJSON, &config)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if config.LogLevel == "" {
		config.LogLevel = "info"
	}

	if len(config.ListenAddresses) == 0 {
		return nil, std_errors.New("ListenAddresses is required")
	}

	for _, entry := range config.ListenAddresses {
		err := validateListenAddress(entry.Address)
		if err != nil {
			return nil, fmt.Errorf("ListenAddresses address %s is invalid: %s", entry.Address, err)
		}
		if entry.Protocol != "" {
			_, ok := sniffer.ProtocolNamed(entry.Protocol)
			if !ok {
				return nil, fmt.Errorf("ListenAddresses protocol is invalid: %s", entry.Protocol)
			}
		}
	}

	if config.DetectionTimeoutMilliseconds < 0 {
		return nil, std_errors.New("DetectionTimeoutMilliseconds is invalid")
	}
	config.detectionTimeout = DEFAULT_DETECTION_TIMEOUT
	if config.DetectionTimeoutMilliseconds > 0 {
		config.detectionTimeout = time.Duration(config.DetectionTimeoutMilliseconds) * time.Millisecond
	}

	config.idleTimeout = DEFAULT_IDLE_TIMEOUT
	if config.IdleTimeoutMilliseconds != nil {
		if *config.IdleTimeoutMilliseconds < 0 {
			return nil, std_errors.New("IdleTimeoutMilliseconds is invalid")
		}
		config.idleTimeout = time.Duration(*config.IdleTimeoutMilliseconds) * time.Millisecond
	}

	if config.PeekBufferSize < 0 {
		return nil, std_errors.New("PeekBufferSize is invalid")
	}
	if config.PeekBufferSize == 0 {
		config.PeekBufferSize = sniffer.DefaultMaxPeekSize
	}
	if config.PeekBufferSize < sniffer.MaxBytesToClassify {
		return nil, fmt.Errorf(
			"PeekBufferSize must be at least %d", sniffer.MaxBytesToClassify)
	}

	if config.MaxHTTPHeaderBytes < 0 {
		return nil, std_errors.New("MaxHTTPHeaderBytes is invalid")
	}
	if config.MaxHTTPHeaderBytes == 0 {
		config.MaxHTTPHeaderBytes = DEFAULT_MAX_HTTP_HEADER_BYTES
	}

	if config.UpstreamDialTimeoutMilliseconds < 0 {
		return nil, std_errors.New("UpstreamDialTimeoutMilliseconds is invalid")
	}
	config.upstreamDialTimeout = DEFAULT_UPSTREAM_DIAL_TIMEOUT
	if config.UpstreamDialTimeoutMilliseconds > 0 {
		config.upstreamDialTimeout = time.Duration(config.UpstreamDialTimeoutMilliseconds) * time.Millisecond
	}

	if config.MaxConcurrentConnections < 0 {
		return nil, std_errors.New("MaxConcurrentConnections is invalid")
	}
	if config.MaxConcurrentConnections == 0 {
		config.MaxConcurrentConnections = DEFAULT_MAX_CONCURRENT_CONNECTIONS
	}

	if (config.SOCKSUsername == "") != (config.SOCKSPassword == "") {
		return nil, std_errors.New(
			"SOCKSUsername and SOCKSPassword must both be set, or both blank")
	}

	if config.DoHUpstreamURL == "" {
		config.DoHUpstreamURL = DEFAULT_DOH_UPSTREAM_URL
	}
	dohURL, err := url.Parse(config.DoHUpstreamURL)
	if err != nil || dohURL.Scheme != "https" || dohURL.Host == "" {
		return nil, std_errors.New("DoHUpstreamURL is invalid")
	}

	if config.DoHCacheSeconds < 0 {
		return nil, std_errors.New("DoHCacheSeconds is invalid")
	}
	if config.DoHCacheSeconds == 0 {
		config.DoHCacheSeconds = DEFAULT_DOH_CACHE_SECONDS
	}

	err = fingerprint.ValidateCatalog()
	if err != nil {
		return nil, errors.Trace(err)
	}
	_, err = fingerprint.NewSelector(config.FingerprintProfile)
	if err != nil {
		return nil, fmt.Errorf("FingerprintProfile is invalid: %s", err)
	}

	_, err = fragmentor.PatternNamed(config.FragmentationPattern, nil)
	if err != nil {
		return nil, fmt.Errorf("FragmentationPattern is invalid: %s", err)
	}

	config.fragmentationProbability = 1.0
	if config.FragmentationProbability != nil {
		probability := *config.FragmentationProbability
		if probability < 0.0 || probability > 1.0 {
			return nil, std_errors.New("FragmentationProbability is invalid")
		}
		config.fragmentationProbability = probability
	}

	if config.MaxFragmentChunks < 0 {
		return nil, std_errors.New("MaxFragmentChunks is invalid")
	}
	if config.MaxFragmentChunks == 0 {
		config.MaxFragmentChunks = fragmentor.DefaultMaxChunks
	}

	config.allowTargets, err = compileTargetGlobs(config.AllowTargets)
	if err != nil {
		return nil, fmt.Errorf("AllowTargets is invalid: %s", err)
	}
	config.denyTargets, err = compileTargetGlobs(config.DenyTargets)
	if err != nil {
		return nil, fmt.Errorf("DenyTargets is invalid: %s", err)
	}

	if config.RateLimitBytesPerSecond < 0 {
		return nil, std_errors.New("RateLimitBytesPerSecond is invalid")
	}

	config.loadLogPeriod = DEFAULT_LOAD_LOG_PERIOD_SECONDS * time.Second
	if config.LoadLogPeriodSeconds != nil {
		if *config.LoadLogPeriodSeconds < 0 {
			return nil, std_errors.New("LoadLogPeriodSeconds is invalid")
		}
		config.loadLogPeriod = time.Duration(*config.LoadLogPeriodSeconds) * time.Second
	}

	return &config, nil
}

func validateListenAddress(address string) error {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return errors.Trace(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return errors.Trace(err)
	}
	if port < 0 || port > 65535 {
		return errors.TraceNew("invalid port")
	}
	if host != "" && net.ParseIP(host) == nil {
		return errors.TraceNew("host must be blank or an IP address")
	}
	return nil
}

func compileTargetGlobs(patterns []string) ([]glob.Glob, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	globs := make([]glob.Glob, len(patterns))
	for i, pattern := range patterns {
		compiled, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("pattern %s: %s", pattern, err)
		}
		globs[i] = compiled
	}
	return globs, nil
}
