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
	"net"

	"github.com/driftgate/driftgate-proxy-core/driftgate/common/errors"
	maxminddb "github.com/oschwald/maxminddb-golang"
)

const UNKNOWN_GEOIP_VALUE = "None"

// GeoIPData is GeoIP data for a client connection. Default values are
// UNKNOWN_GEOIP_VALUE, which is used when no GeoIP database is
// configured or when a lookup fails or returns no data.
type GeoIPData struct {
	Country string
	City    string
	ISP     string
}

// NewGeoIPData returns a GeoIPData initialized with the expected
// UNKNOWN_GEOIP_VALUE values to be used when GeoIP lookup fails.
func NewGeoIPData() GeoIPData {
	return GeoIPData{
		Country: UNKNOWN_GEOIP_VALUE,
		City:    UNKNOWN_GEOIP_VALUE,
		ISP:     UNKNOWN_GEOIP_VALUE,
	}
}

// GeoIPService implements GeoIP lookup. A nil GeoIPService is valid and
// returns unknown values for all lookups.
type GeoIPService struct {
	readers []*maxminddb.Reader
}

// NewGeoIPService initializes a new GeoIPService. Each database file is
// queried, in order, for each lookup field; the first non-empty value
// wins. This accommodates the MaxMind distribution where ISP data is in
// a separate database file.
func NewGeoIPService(databaseFilenames []string) (*GeoIPService, error) {

	geoIP := &GeoIPService{
		readers: make([]*maxminddb.Reader, len(databaseFilenames)),
	}

	for i, filename := range databaseFilenames {
		reader, err := maxminddb.Open(filename)
		if err != nil {
			return nil, errors.Trace(err)
		}
		geoIP.readers[i] = reader
	}

	return geoIP, nil
}

// Lookup determines GeoIPData for a given client IP address.
func (geoIP *GeoIPService) Lookup(ipAddress string) GeoIPData {

	result := NewGeoIPData()

	if geoIP == nil || len(geoIP.readers) == 0 {
		return result
	}

	ip := net.ParseIP(ipAddress)
	if ip == nil {
		return result
	}

	var geoIPFields struct {
		Country struct {
			ISOCode string `maxminddb:"iso_code"`
		} `maxminddb:"country"`
		City struct {
			Names map[string]string `maxminddb:"names"`
		} `maxminddb:"city"`
		ISP string `maxminddb:"isp"`
	}

	for _, reader := range geoIP.readers {

		err := reader.Lookup(ip, &geoIPFields)
		if err != nil {
			log.WithTraceFields(LogFields{"error": err}).Warning("GeoIP lookup failed")
			continue
		}

		if result.Country == UNKNOWN_GEOIP_VALUE && geoIPFields.Country.ISOCode != "" {
			result.Country = geoIPFields.Country.ISOCode
		}
		name, ok := geoIPFields.City.Names["en"]
		if result.City == UNKNOWN_GEOIP_VALUE && ok && name != "" {
			result.City = name
		}
		if result.ISP == UNKNOWN_GEOIP_VALUE && geoIPFields.ISP != "" {
			result.ISP = geoIPFields.ISP
		}
	}

	return result
}
