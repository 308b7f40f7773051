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

package metadata

import (
	"errors"
	"io"
	"regexp"
	"strconv"

	"github.com/mholt/go-xmp/xmp"
	"go.uber.org/zap"
)

// droneXMP is the DJI flight telemetry found in the XMP packet of drone
// photos. Values are kept as numbers when they parse as such.
type droneXMP struct {
	fields           Metadata
	absoluteAltitude *float64
}

// extractDroneXMP scans the file for XMP packets and collects the
// attributes in the drone-dji namespace. The namespace is not one the XMP
// library models, so attributes are read from the raw packet.
func extractDroneXMP(logger *zap.Logger, r io.Reader) (droneXMP, error) {
	packets, err := xmp.ScanPackets(r)
	if err != nil && len(packets) == 0 {
		if errors.Is(err, io.EOF) {
			logger.Debug("no XMP metadata found", zap.Error(err))
			return droneXMP{}, nil
		}
		return droneXMP{}, err
	}

	var out droneXMP
	for _, packet := range packets {
		for _, m := range djiAttrRegex.FindAllSubmatch(packet, -1) {
			if out.fields == nil {
				out.fields = make(Metadata)
			}
			name, raw := string(m[1]), string(m[2])
			key := "Drone " + splitCamelCaseIntoWords(name)
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				out.fields[key] = f
				if name == "AbsoluteAltitude" && out.absoluteAltitude == nil {
					out.absoluteAltitude = &f
				}
			} else {
				out.fields[key] = raw
			}
		}
	}

	return out, nil
}

// matches attributes like drone-dji:RelativeAltitude="+35.20"
var djiAttrRegex = regexp.MustCompile(`drone-dji:(\w+)="([^"]*)"`)
