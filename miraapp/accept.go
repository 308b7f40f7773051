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

package miraapp

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// acceptHeader is a parsed Accept header, most preferred first.
type acceptHeader []mediaRange

type mediaRange struct {
	mimeType string
	weight   float32
}

// parseAccept parses an Accept header value. Parameters other than q
// are ignored.
func parseAccept(accept string) (acceptHeader, error) {
	var ranges acceptHeader
	for part := range strings.SplitSeq(accept, ",") {
		params := strings.Split(part, ";")
		mimeType := strings.ToLower(strings.TrimSpace(params[0]))
		if mimeType == "" {
			continue
		}
		mr := mediaRange{mimeType: mimeType, weight: 1}
		for _, param := range params[1:] {
			key, val, _ := strings.Cut(strings.TrimSpace(param), "=")
			if !strings.EqualFold(strings.TrimSpace(key), "q") {
				continue
			}
			q, err := strconv.ParseFloat(strings.TrimSpace(val), 32)
			if err != nil || q < 0 || q > 1 {
				return nil, fmt.Errorf("bad q value '%s' for %s", val, mimeType)
			}
			mr.weight = float32(q)
		}
		ranges = append(ranges, mr)
	}
	slices.SortStableFunc(ranges, func(a, b mediaRange) int {
		switch {
		case a.weight > b.weight:
			return -1
		case a.weight < b.weight:
			return 1
		}
		return 0
	})
	return ranges, nil
}

// preference returns the one of offers the client prefers most, or ""
// if it accepts none of them. Ties go to the earlier offer.
func (acc acceptHeader) preference(offers ...string) string {
	for _, mr := range acc {
		if mr.weight == 0 {
			continue
		}
		for _, offer := range offers {
			if mr.matches(offer) {
				return offer
			}
		}
	}
	return ""
}

func (mr mediaRange) matches(offer string) bool {
	if mr.mimeType == "*/*" {
		return true
	}
	typ, sub, _ := strings.Cut(mr.mimeType, "/")
	offerType, offerSub, _ := strings.Cut(strings.ToLower(offer), "/")
	return typ == offerType && (sub == "*" || sub == offerSub)
}
