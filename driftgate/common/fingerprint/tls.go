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

package fingerprint

import (
	"net"

	"github.com/driftgate/driftgate-proxy-core/driftgate/common/errors"
	utls "github.com/refraction-networking/utls"
)

// extensionIDs maps the extension names used in profile definitions to
// their IANA codepoints, as emitted in JA3 strings.
var extensionIDs = map[string]uint16{
	"server_name":            0,
	"status_request":         5,
	"supported_groups":       10,
	"ec_point_formats":       11,
	"signature_algorithms":   13,
	"alpn":                   16,
	"sct":                    18,
	"padding":                21,
	"extended_master_secret": 23,
	"compress_certificate":   27,
	"record_size_limit":      28,
	"session_ticket":         35,
	"supported_versions":     43,
	"psk_key_exchange_modes": 45,
	"key_share":              51,
	"application_settings":   17513,
	"renegotiation_info":     65281,
}

// ClientHello produces the utls ClientHello specification for a profile.
//
// Each call returns a new spec with no data shared with other calls, as
// utls may mutate spec fields during the handshake. The spec is fully
// determined by the profile: cipher suites, extensions, curves, signature
// algorithms, and ALPN protocols appear in catalog order on every call, so
// two connections shaped by the same profile emit identically shaped
// hellos.
func ClientHello(profile *Profile) (*utls.ClientHelloSpec, error) {

	if profile == nil {
		return nil, errors.TraceNew("nil profile")
	}

	params := &profile.TLS

	if params.MinVersion == 0 || params.MaxVersion < params.MinVersion {
		return nil, errors.TraceNew("invalid TLS version bounds")
	}

	spec := &utls.ClientHelloSpec{
		TLSVersMin:         params.MinVersion,
		TLSVersMax:         params.MaxVersion,
		CipherSuites:       append([]uint16(nil), params.CipherSuites...),
		CompressionMethods: []byte{0},
	}

	for _, name := range params.Extensions {
		extension, err := makeExtension(params, name)
		if err != nil {
			return nil, errors.Trace(err)
		}
		spec.Extensions = append(spec.Extensions, extension)
	}

	return spec, nil
}

func makeExtension(
	params *TLSParameters, name string) (utls.TLSExtension, error) {

	switch name {

	case "server_name":
		return &utls.SNIExtension{}, nil

	case "status_request":
		return &utls.StatusRequestExtension{}, nil

	case "supported_groups":
		curves := make([]utls.CurveID, len(params.Curves))
		for i, curve := range params.Curves {
			curves[i] = utls.CurveID(curve)
		}
		return &utls.SupportedCurvesExtension{Curves: curves}, nil

	case "ec_point_formats":
		return &utls.SupportedPointsExtension{
			SupportedPoints: []byte{0},
		}, nil

	case "signature_algorithms":
		algorithms := make(
			[]utls.SignatureScheme, len(params.SignatureAlgorithms))
		for i, algorithm := range params.SignatureAlgorithms {
			algorithms[i] = utls.SignatureScheme(algorithm)
		}
		return &utls.SignatureAlgorithmsExtension{
			SupportedSignatureAlgorithms: algorithms,
		}, nil

	case "alpn":
		return &utls.ALPNExtension{
			AlpnProtocols: append([]string(nil), params.ALPNProtocols...),
		}, nil

	case "sct":
		return &utls.SCTExtension{}, nil

	case "padding":
		return &utls.UtlsPaddingExtension{
			GetPaddingLen: utls.BoringPaddingStyle,
		}, nil

	case "extended_master_secret":
		return &utls.UtlsExtendedMasterSecretExtension{}, nil

	case "compress_certificate":
		algorithms := params.CertCompression
		if len(algorithms) == 0 {
			algorithms = []utls.CertCompressionAlgo{
				utls.CertCompressionBrotli,
			}
		}
		return &utls.UtlsCompressCertExtension{
			Algorithms: append(
				[]utls.CertCompressionAlgo(nil), algorithms...),
		}, nil

	case "record_size_limit":
		return &utls.FakeRecordSizeLimitExtension{Limit: 0x4001}, nil

	case "session_ticket":
		return &utls.SessionTicketExtension{}, nil

	case "supported_versions":
		var versions []uint16
		for version := params.MaxVersion; version >= params.MinVersion; version-- {
			versions = append(versions, version)
		}
		return &utls.SupportedVersionsExtension{Versions: versions}, nil

	case "psk_key_exchange_modes":
		return &utls.PSKKeyExchangeModesExtension{
			Modes: []uint8{utls.PskModeDHE},
		}, nil

	case "key_share":
		return &utls.KeyShareExtension{
			KeyShares: []utls.KeyShare{{Group: utls.X25519}},
		}, nil

	case "application_settings":
		return &utls.ApplicationSettingsExtension{
			SupportedProtocols: []string{"h2"},
		}, nil

	case "renegotiation_info":
		return &utls.RenegotiationInfoExtension{
			Renegotiation: utls.RenegotiateOnceAsClient,
		}, nil
	}

	return nil, errors.Tracef("no extension named %q", name)
}

// NewUClient wraps conn in a utls client connection whose ClientHello is
// shaped by the profile. The caller completes the handshake; the config's
// ServerName and ALPN settings apply as usual.
func NewUClient(
	conn net.Conn,
	config *utls.Config,
	profile *Profile) (*utls.UConn, error) {

	spec, err := ClientHello(profile)
	if err != nil {
		return nil, errors.Trace(err)
	}

	client := utls.UClient(conn, config, utls.HelloCustom)

	err = client.ApplyPreset(spec)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return client, nil
}
