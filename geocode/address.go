/*
	Timelinize
	Copyright (c) 2013 Matthew Holt

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package geocode resolves coordinates to street addresses and free-text
// queries to coordinates using a Nominatim-compatible web service, and
// looks up the time zone of a point.
package geocode

import "strings"

// Text shown in place of an address when a lookup cannot produce one.
const (
	AddressUnavailable = "address unavailable"
	NoAddressFound     = "no address found"
)

// Address is the structured address of a point. Every field is optional.
type Address struct {
	Road          string `json:"road,omitempty"`
	HouseNumber   string `json:"house_number,omitempty"`
	Suburb        string `json:"suburb,omitempty"`
	Neighbourhood string `json:"neighbourhood,omitempty"`
	City          string `json:"city,omitempty"`
	Town          string `json:"town,omitempty"`
	State         string `json:"state,omitempty"`
	Postcode      string `json:"postcode,omitempty"`
}

// Format joins the non-empty parts of the address with ", " in the order
// road, house number, suburb (or neighbourhood), city (or town), state,
// postcode.
func (a Address) Format() string {
	return joinParts(a.Road, a.HouseNumber, firstNonEmpty(a.Suburb, a.Neighbourhood),
		firstNonEmpty(a.City, a.Town), a.State, a.Postcode)
}

// Short is like Format but leaves out the postcode.
func (a Address) Short() string {
	return joinParts(a.Road, a.HouseNumber, firstNonEmpty(a.Suburb, a.Neighbourhood),
		firstNonEmpty(a.City, a.Town), a.State)
}

// IsZero returns true if the address has no usable parts.
func (a Address) IsZero() bool {
	return a.Format() == ""
}

// Describe turns the outcome of a reverse lookup into display text:
// AddressUnavailable if the lookup failed, NoAddressFound if it came back
// empty, otherwise the formatted address.
func Describe(addr Address, err error) string {
	if err != nil {
		return AddressUnavailable
	}
	if s := addr.Format(); s != "" {
		return s
	}
	return NoAddressFound
}

// DescribeShort is like Describe but uses the short form of the address.
func DescribeShort(addr Address, err error) string {
	if err != nil {
		return AddressUnavailable
	}
	if s := addr.Short(); s != "" {
		return s
	}
	return NoAddressFound
}

// Place is a forward geocoding result. The coordinate text is kept as the
// service returned it so it can be shown to the operator verbatim.
type Place struct {
	Label     string  `json:"label"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	LatText   string  `json:"lat_text"`
	LngText   string  `json:"lng_text"`
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func joinParts(parts ...string) string {
	nonEmpty := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, ", ")
}
