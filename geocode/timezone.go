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

package geocode

import (
	"fmt"
	"sync"

	"github.com/ringsaturn/tzf"
)

// TimeZones finds the IANA time zone of a point. The underlying finder is
// loaded on first use because it is large.
type TimeZones struct {
	once   sync.Once
	finder tzf.F
	err    error
}

// Zone returns the time zone name at the point, such as
// "America/Fortaleza". It returns an empty string if the point is not in
// any zone.
func (tz *TimeZones) Zone(lat, lng float64) (string, error) {
	tz.once.Do(func() {
		tz.finder, tz.err = tzf.NewDefaultFinder()
	})
	if tz.err != nil {
		return "", fmt.Errorf("loading time zone finder: %w", tz.err)
	}
	return tz.finder.GetTimezoneName(lng, lat), nil
}
