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

/*

Package fingerprint reshapes a proxy's observable network fingerprint to
match a named client device or browser.

A Profile bundles TCP socket parameters (TTL, MSS, buffer sizes, keepalive
cadence) with TLS ClientHello parameters (cipher suites, extensions in a
fixed order, curves, signature algorithms, ALPN). ApplyTCP adjusts a
socket's kernel options; ClientHello produces a deterministic utls
specification for outbound handshakes. The catalog of built-in profiles
models popular mobile devices and browsers.

Profiles are applied best effort: an option the platform refuses degrades
to a warning, never a connection failure.

*/
package fingerprint

import (
	"crypto/md5"
	"encoding/hex"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/driftgate/driftgate-proxy-core/driftgate/common/errors"
	utls "github.com/refraction-networking/utls"
)

// TCPParameters specifies the kernel socket options that shape a
// connection's TCP-level fingerprint.
type TCPParameters struct {
	TTL               int
	MSS               int
	ReceiveBufferSize int
	SendBufferSize    int
	NoDelay           bool
	KeepaliveIdle     time.Duration
	KeepaliveInterval time.Duration
	KeepaliveCount    int
}

// TLSParameters specifies the shape of an outbound TLS ClientHello.
// Extensions is an ordered list of names resolved by ClientHello; cipher
// suites, curves, and signature algorithms are IANA codepoints.
type TLSParameters struct {
	MinVersion          uint16
	MaxVersion          uint16
	CipherSuites        []uint16
	Extensions          []string
	Curves              []uint16
	SignatureAlgorithms []uint16
	ALPNProtocols       []string
	CertCompression     []utls.CertCompressionAlgo
}

// Profile is a named device or browser fingerprint.
type Profile struct {
	Name string
	TCP  TCPParameters
	TLS  TLSParameters
}

var chromeTLS = TLSParameters{
	MinVersion: utls.VersionTLS12,
	MaxVersion: utls.VersionTLS13,
	CipherSuites: []uint16{
		utls.TLS_AES_128_GCM_SHA256,
		utls.TLS_AES_256_GCM_SHA384,
		utls.TLS_CHACHA20_POLY1305_SHA256,
		utls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		utls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		utls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		utls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		utls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
		utls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		utls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
		utls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
		utls.TLS_RSA_WITH_AES_128_GCM_SHA256,
		utls.TLS_RSA_WITH_AES_256_GCM_SHA384,
		utls.TLS_RSA_WITH_AES_128_CBC_SHA,
		utls.TLS_RSA_WITH_AES_256_CBC_SHA,
	},
	Extensions: []string{
		"server_name",
		"extended_master_secret",
		"renegotiation_info",
		"supported_groups",
		"ec_point_formats",
		"session_ticket",
		"alpn",
		"status_request",
		"signature_algorithms",
		"sct",
		"key_share",
		"psk_key_exchange_modes",
		"supported_versions",
		"compress_certificate",
		"application_settings",
		"padding",
	},
	Curves: []uint16{
		uint16(utls.X25519),
		uint16(utls.CurveP256),
		uint16(utls.CurveP384),
	},
	SignatureAlgorithms: []uint16{
		uint16(utls.ECDSAWithP256AndSHA256),
		uint16(utls.PSSWithSHA256),
		uint16(utls.PKCS1WithSHA256),
		uint16(utls.ECDSAWithP384AndSHA384),
		uint16(utls.PSSWithSHA384),
		uint16(utls.PKCS1WithSHA384),
		uint16(utls.PSSWithSHA512),
		uint16(utls.PKCS1WithSHA512),
	},
	ALPNProtocols:   []string{"h2", "http/1.1"},
	CertCompression: []utls.CertCompressionAlgo{utls.CertCompressionBrotli},
}

var safariTLS = TLSParameters{
	MinVersion: utls.VersionTLS12,
	MaxVersion: utls.VersionTLS13,
	CipherSuites: []uint16{
		utls.TLS_AES_128_GCM_SHA256,
		utls.TLS_AES_256_GCM_SHA384,
		utls.TLS_CHACHA20_POLY1305_SHA256,
		utls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		utls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		utls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
		utls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		utls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		utls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		utls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA,
		utls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA,
		utls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
		utls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
		utls.TLS_RSA_WITH_AES_256_GCM_SHA384,
		utls.TLS_RSA_WITH_AES_128_GCM_SHA256,
		utls.TLS_RSA_WITH_AES_256_CBC_SHA,
		utls.TLS_RSA_WITH_AES_128_CBC_SHA,
	},
	Extensions: []string{
		"server_name",
		"extended_master_secret",
		"renegotiation_info",
		"supported_groups",
		"ec_point_formats",
		"alpn",
		"status_request",
		"signature_algorithms",
		"sct",
		"key_share",
		"psk_key_exchange_modes",
		"supported_versions",
		"compress_certificate",
		"padding",
	},
	Curves: []uint16{
		uint16(utls.X25519),
		uint16(utls.CurveP256),
		uint16(utls.CurveP384),
		uint16(utls.CurveP521),
	},
	SignatureAlgorithms: []uint16{
		uint16(utls.ECDSAWithP256AndSHA256),
		uint16(utls.PSSWithSHA256),
		uint16(utls.PKCS1WithSHA256),
		uint16(utls.ECDSAWithP384AndSHA384),
		uint16(utls.ECDSAWithSHA1),
		uint16(utls.PSSWithSHA384),
		uint16(utls.PKCS1WithSHA384),
		uint16(utls.PSSWithSHA512),
		uint16(utls.PKCS1WithSHA512),
		uint16(utls.PKCS1WithSHA1),
	},
	ALPNProtocols:   []string{"h2", "http/1.1"},
	CertCompression: []utls.CertCompressionAlgo{utls.CertCompressionZlib},
}

var firefoxTLS = TLSParameters{
	MinVersion: utls.VersionTLS12,
	MaxVersion: utls.VersionTLS13,
	CipherSuites: []uint16{
		utls.TLS_AES_128_GCM_SHA256,
		utls.TLS_CHACHA20_POLY1305_SHA256,
		utls.TLS_AES_256_GCM_SHA384,
		utls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		utls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		utls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
		utls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		utls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		utls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		utls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA,
		utls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA,
		utls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
		utls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
		utls.TLS_RSA_WITH_AES_128_GCM_SHA256,
		utls.TLS_RSA_WITH_AES_256_GCM_SHA384,
		utls.TLS_RSA_WITH_AES_128_CBC_SHA,
		utls.TLS_RSA_WITH_AES_256_CBC_SHA,
	},
	Extensions: []string{
		"server_name",
		"extended_master_secret",
		"renegotiation_info",
		"supported_groups",
		"ec_point_formats",
		"session_ticket",
		"alpn",
		"status_request",
		"key_share",
		"supported_versions",
		"signature_algorithms",
		"psk_key_exchange_modes",
		"record_size_limit",
		"padding",
	},
	Curves: []uint16{
		uint16(utls.X25519),
		uint16(utls.CurveP256),
		uint16(utls.CurveP384),
		uint16(utls.CurveP521),
	},
	SignatureAlgorithms: []uint16{
		uint16(utls.ECDSAWithP256AndSHA256),
		uint16(utls.ECDSAWithP384AndSHA384),
		uint16(utls.ECDSAWithP521AndSHA512),
		uint16(utls.PSSWithSHA256),
		uint16(utls.PSSWithSHA384),
		uint16(utls.PSSWithSHA512),
		uint16(utls.PKCS1WithSHA256),
		uint16(utls.PKCS1WithSHA384),
		uint16(utls.PKCS1WithSHA512),
		uint16(utls.ECDSAWithSHA1),
		uint16(utls.PKCS1WithSHA1),
	},
	ALPNProtocols: []string{"h2", "http/1.1"},
}

// profiles is the built-in catalog. Device profiles pair a mobile TCP stack
// with the browser hello that ships on the device; browser profiles use
// representative desktop TCP stacks. Order is the rotation order.
var profiles = []*Profile{
	{
		Name: "iphone14",
		TCP: TCPParameters{
			TTL:               64,
			MSS:               1448,
			ReceiveBufferSize: 131072,
			SendBufferSize:    131072,
			NoDelay:           true,
			KeepaliveIdle:     30 * time.Second,
			KeepaliveInterval: 10 * time.Second,
			KeepaliveCount:    3,
		},
		TLS: safariTLS,
	},
	{
		Name: "pixel7",
		TCP: TCPParameters{
			TTL:               64,
			MSS:               1428,
			ReceiveBufferSize: 262144,
			SendBufferSize:    262144,
			NoDelay:           true,
			KeepaliveIdle:     30 * time.Second,
			KeepaliveInterval: 10 * time.Second,
			KeepaliveCount:    3,
		},
		TLS: chromeTLS,
	},
	{
		Name: "chrome120",
		TCP: TCPParameters{
			TTL:               128,
			MSS:               1460,
			ReceiveBufferSize: 262144,
			SendBufferSize:    262144,
			NoDelay:           true,
			KeepaliveIdle:     2 * time.Hour,
			KeepaliveInterval: 1 * time.Second,
			KeepaliveCount:    10,
		},
		TLS: chromeTLS,
	},
	{
		Name: "safari17",
		TCP: TCPParameters{
			TTL:               64,
			MSS:               1460,
			ReceiveBufferSize: 131072,
			SendBufferSize:    131072,
			NoDelay:           true,
			KeepaliveIdle:     2 * time.Hour,
			KeepaliveInterval: 75 * time.Second,
			KeepaliveCount:    8,
		},
		TLS: safariTLS,
	},
	{
		Name: "firefox121",
		TCP: TCPParameters{
			TTL:               64,
			MSS:               1460,
			ReceiveBufferSize: 87380,
			SendBufferSize:    87380,
			NoDelay:           true,
			KeepaliveIdle:     2 * time.Hour,
			KeepaliveInterval: 75 * time.Second,
			KeepaliveCount:    9,
		},
		TLS: firefoxTLS,
	},
	{
		Name: "edge120",
		TCP: TCPParameters{
			TTL:               128,
			MSS:               1460,
			ReceiveBufferSize: 262144,
			SendBufferSize:    262144,
			NoDelay:           true,
			KeepaliveIdle:     2 * time.Hour,
			KeepaliveInterval: 1 * time.Second,
			KeepaliveCount:    10,
		},
		TLS: chromeTLS,
	},
}

// RotateProfileName selects round-robin rotation through the whole catalog
// instead of a single fixed profile.
const RotateProfileName = "rotate"

// ProfileNames returns the catalog's profile names in rotation order.
func ProfileNames() []string {
	names := make([]string, len(profiles))
	for i, profile := range profiles {
		names[i] = profile.Name
	}
	return names
}

// ProfileNamed returns the catalog profile with the given name.
func ProfileNamed(name string) (*Profile, error) {
	for _, profile := range profiles {
		if profile.Name == name {
			return profile, nil
		}
	}
	return nil, errors.Tracef("no fingerprint profile named %q", name)
}

// ValidateCatalog checks that every catalog profile resolves to a complete
// ClientHello specification, including all named extensions, and carries
// sane TCP parameters. Run at configuration time so an invalid profile
// fails startup rather than the first connection.
func ValidateCatalog() error {
	for _, profile := range profiles {
		if profile.Name == "" {
			return errors.TraceNew("unnamed profile")
		}
		if profile.TCP.TTL <= 0 || profile.TCP.TTL > 255 {
			return errors.Tracef("profile %s: invalid TTL", profile.Name)
		}
		if profile.TCP.MSS < 536 || profile.TCP.MSS > 65535 {
			return errors.Tracef("profile %s: invalid MSS", profile.Name)
		}
		if len(profile.TLS.CipherSuites) == 0 {
			return errors.Tracef("profile %s: no cipher suites", profile.Name)
		}
		if profile.TLS.MinVersion > profile.TLS.MaxVersion {
			return errors.Tracef("profile %s: inverted TLS versions", profile.Name)
		}
		if _, err := ClientHello(profile); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// Selector yields the profile to apply to the next connection. A fixed
// selector always yields the same profile; a rotating selector cycles
// through the catalog round-robin. A nil Selector yields nil, meaning
// fingerprint reshaping is off.
type Selector struct {
	next     uint32
	rotate   bool
	profiles []*Profile
}

// NewSelector creates a Selector for the named profile, for
// RotateProfileName, or, given the empty string, no selector.
func NewSelector(name string) (*Selector, error) {

	if name == "" {
		return nil, nil
	}

	if name == RotateProfileName {
		return &Selector{
			rotate:   true,
			profiles: profiles,
		}, nil
	}

	profile, err := ProfileNamed(name)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &Selector{
		profiles: []*Profile{profile},
	}, nil
}

// Next returns the profile for the next connection.
func (selector *Selector) Next() *Profile {
	if selector == nil {
		return nil
	}
	if !selector.rotate {
		return selector.profiles[0]
	}
	index := atomic.AddUint32(&selector.next, 1) - 1
	return selector.profiles[index%uint32(len(selector.profiles))]
}

// JA3 returns the profile's canonical JA3 fingerprint string,
// "version,ciphers,extensions,curves,pointformats", for logging and test
// comparison. The hello's legacy version field is TLS 1.2 whenever 1.3 is
// offered via supported_versions.
func JA3(profile *Profile) (string, error) {

	version := profile.TLS.MaxVersion
	if version > utls.VersionTLS12 {
		version = utls.VersionTLS12
	}

	var b strings.Builder

	b.WriteString(strconv.Itoa(int(version)))
	b.WriteString(",")

	for i, suite := range profile.TLS.CipherSuites {
		if i > 0 {
			b.WriteString("-")
		}
		b.WriteString(strconv.Itoa(int(suite)))
	}
	b.WriteString(",")

	for i, name := range profile.TLS.Extensions {
		id, ok := extensionIDs[name]
		if !ok {
			return "", errors.Tracef("no extension named %q", name)
		}
		if i > 0 {
			b.WriteString("-")
		}
		b.WriteString(strconv.Itoa(int(id)))
	}
	b.WriteString(",")

	for i, curve := range profile.TLS.Curves {
		if i > 0 {
			b.WriteString("-")
		}
		b.WriteString(strconv.Itoa(int(curve)))
	}
	b.WriteString(",")

	// Uncompressed point format only.
	b.WriteString("0")

	return b.String(), nil
}

// JA3Digest returns the hex MD5 of the profile's JA3 string, the form most
// fingerprint databases index by.
func JA3Digest(profile *Profile) (string, error) {
	ja3, err := JA3(profile)
	if err != nil {
		return "", errors.Trace(err)
	}
	digest := md5.Sum([]byte(ja3))
	return hex.EncodeToString(digest[:]), nil
}
