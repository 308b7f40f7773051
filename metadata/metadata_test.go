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
	"bytes"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/mira-gis/mira/internal/testhelpers"
)

func fileFromBytes(name, contentType string, modTime time.Time, b []byte) File {
	return File{
		Name:        name,
		ContentType: contentType,
		ModTime:     modTime,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(b)), nil
		},
	}
}

type readSeekNopCloser struct{ *bytes.Reader }

func (readSeekNopCloser) Close() error { return nil }

func seekableFile(name, contentType string, b []byte) File {
	return File{
		Name:        name,
		ContentType: contentType,
		Open: func() (io.ReadCloser, error) {
			return readSeekNopCloser{bytes.NewReader(b)}, nil
		},
	}
}

func floatsEqual(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestExtractImageHemispheres(t *testing.T) {
	for i, tc := range []struct {
		latRef, lngRef string
		expectLat      float64
		expectLng      float64
	}{
		{latRef: "N", lngRef: "E", expectLat: 23.5, expectLng: 46.625},
		{latRef: "S", lngRef: "W", expectLat: -23.5, expectLng: -46.625},
		{latRef: "S", lngRef: "E", expectLat: -23.5, expectLng: 46.625},
		{latRef: "N", lngRef: "W", expectLat: 23.5, expectLng: -46.625},
	} {
		jpeg := testhelpers.JPEG(testhelpers.EXIF{
			Latitude:     []float64{23, 30, 0},
			LatitudeRef:  tc.latRef,
			Longitude:    []float64{46, 37, 30},
			LongitudeRef: tc.lngRef,
		})
		res := Extractor{}.Extract(fileFromBytes("img.jpg", "image/jpeg", time.Time{}, jpeg))
		if !res.HasLocation() {
			t.Fatalf("Test %d: Expected a location, got none", i)
		}
		if !floatsEqual(*res.Latitude, tc.expectLat) {
			t.Errorf("Test %d: Expected latitude %f, got %f", i, tc.expectLat, *res.Latitude)
		}
		if !floatsEqual(*res.Longitude, tc.expectLng) {
			t.Errorf("Test %d: Expected longitude %f, got %f", i, tc.expectLng, *res.Longitude)
		}
	}
}

func TestExtractImageRequiresAllFourGPSTags(t *testing.T) {
	full := testhelpers.EXIF{
		DateTimeOriginal: "2024:05:01 10:20:30",
		Latitude:         []float64{3, 42, 0},
		LatitudeRef:      "S",
		Longitude:        []float64{38, 30, 0},
		LongitudeRef:     "W",
	}
	for name, mutate := range map[string]func(*testhelpers.EXIF){
		"no latitude":      func(e *testhelpers.EXIF) { e.Latitude = nil },
		"no latitude ref":  func(e *testhelpers.EXIF) { e.LatitudeRef = "" },
		"no longitude":     func(e *testhelpers.EXIF) { e.Longitude = nil },
		"no longitude ref": func(e *testhelpers.EXIF) { e.LongitudeRef = "" },
	} {
		e := full
		mutate(&e)
		res := Extractor{}.Extract(fileFromBytes("img.jpg", "image/jpeg", time.Time{}, testhelpers.JPEG(e)))
		if res.Latitude != nil || res.Longitude != nil {
			t.Errorf("%s: Expected both coordinates to be nil, got %v and %v", name, res.Latitude, res.Longitude)
		}
		if res.Timestamp != "" {
			t.Errorf("%s: Expected no timestamp without a location, got %q", name, res.Timestamp)
		}
	}
}

func TestExtractImageTimestampAndEnrichment(t *testing.T) {
	alt := 12.5
	jpeg := testhelpers.JPEG(testhelpers.EXIF{
		Make:             "DJI",
		DateTimeOriginal: "2024:05:01 10:20:30",
		Latitude:         []float64{3, 42, 0},
		LatitudeRef:      "S",
		Longitude:        []float64{38, 30, 0},
		LongitudeRef:     "W",
		Altitude:         &alt,
		BelowSeaLevel:    true,
	})
	res := Extractor{}.Extract(seekableFile("DJI_0001.JPG", "image/jpeg", jpeg))

	if res.Timestamp != "2024:05:01 10:20:30" {
		t.Errorf("Expected timestamp verbatim, got %q", res.Timestamp)
	}
	if res.Altitude == nil || !floatsEqual(*res.Altitude, -12.5) {
		t.Errorf("Expected altitude -12.5, got %v", res.Altitude)
	}
	if res.Metadata["Make"] != "DJI" {
		t.Errorf("Expected Make to be DJI, got %v", res.Metadata["Make"])
	}
}

func TestExtractImageDroneXMP(t *testing.T) {
	jpeg := testhelpers.JPEG(testhelpers.EXIF{
		Latitude:     []float64{3, 42, 0},
		LatitudeRef:  "S",
		Longitude:    []float64{38, 30, 0},
		LongitudeRef: "W",
		XMP:          `drone-dji:AbsoluteAltitude="+120.50" drone-dji:GimbalYawDegree="-90.00" drone-dji:RtkFlag="50"`,
	})
	res := Extractor{}.Extract(fileFromBytes("DJI_0002.JPG", "image/jpeg", time.Time{}, jpeg))

	if v, ok := res.Metadata["Drone Gimbal Yaw Degree"].(float64); !ok || !floatsEqual(v, -90) {
		t.Errorf("Expected gimbal yaw -90, got %v", res.Metadata["Drone Gimbal Yaw Degree"])
	}
	if res.Altitude == nil || !floatsEqual(*res.Altitude, 120.5) {
		t.Errorf("Expected altitude from drone XMP to be 120.5, got %v", res.Altitude)
	}
}

func TestExtractImageWithoutEXIF(t *testing.T) {
	res := Extractor{}.Extract(fileFromBytes("plain.png", "image/png", time.Time{}, []byte("\x89PNG\r\n\x1a\nnot really")))
	if res.HasLocation() || res.Latitude != nil || res.Longitude != nil {
		t.Errorf("Expected no location, got %v, %v", res.Latitude, res.Longitude)
	}
}

func TestExtractVideoDJIPattern(t *testing.T) {
	mod := time.Date(2024, 3, 2, 11, 4, 5, 123e6, time.FixedZone("BRT", -3*60*60))
	body := testhelpers.VideoWithText("[iso : 100] [long : -38.523456] [lat : -3.712345] [rel_alt: 10.000]", 4096)

	res := Extractor{}.Extract(fileFromBytes("DJI_0003.MP4", "video/mp4", mod, body))
	if !res.HasLocation() {
		t.Fatal("Expected a location, got none")
	}
	if *res.Latitude != -3.712345 || *res.Longitude != -38.523456 {
		t.Errorf("Expected (-3.712345, -38.523456), got (%f, %f)", *res.Latitude, *res.Longitude)
	}
	if expect := "2024-03-02T14:04:05.123Z"; res.Timestamp != expect {
		t.Errorf("Expected timestamp %s, got %s", expect, res.Timestamp)
	}
}

func TestExtractVideoPatternPrecedence(t *testing.T) {
	body := testhelpers.VideoWithText("+50.1234-101.1234/ ... [lat : 1.5] [long : 2.5]", 10)
	res := Extractor{}.Extract(fileFromBytes("clip.mp4", "video/mp4", time.Now(), body))
	if !res.HasLocation() || *res.Latitude != 1.5 || *res.Longitude != 2.5 {
		t.Errorf("Expected the bracket pattern to win, got %v, %v", res.Latitude, res.Longitude)
	}
}

func TestExtractVideoISOPattern(t *testing.T) {
	body := testhelpers.VideoWithText("\xa9xyz+50.1234-101.1234/", 100)
	res := Extractor{}.Extract(fileFromBytes("clip.mov", "video/quicktime", time.Now(), body))
	if !res.HasLocation() || *res.Latitude != 50.1234 || *res.Longitude != -101.1234 {
		t.Errorf("Expected (50.1234, -101.1234), got %v, %v", res.Latitude, res.Longitude)
	}
	if res.Timestamp == "" {
		t.Error("Expected a timestamp derived from the modification time")
	}
}

func TestExtractVideoNoLocation(t *testing.T) {
	for name, body := range map[string][]byte{
		"empty":              {},
		"nothing":            testhelpers.VideoWithText("no coordinates here", 0),
		"only latitude":      testhelpers.VideoWithText("[lat : 12.5]", 0),
		"beyond scan limit":  testhelpers.VideoWithText("[lat : 1.5] [long : 2.5] +50.1234-101.1234", VideoScanLimit),
		"unsigned iso pairs": testhelpers.VideoWithText("50.1234 101.1234", 0),
	} {
		res := Extractor{}.Extract(fileFromBytes("clip.mp4", "video/mp4", time.Now(), body))
		if res.Latitude != nil || res.Longitude != nil {
			t.Errorf("%s: Expected no location, got %v, %v", name, res.Latitude, res.Longitude)
		}
		if res.Timestamp != "" {
			t.Errorf("%s: Expected no timestamp, got %q", name, res.Timestamp)
		}
	}
}

func TestExtractVideoMP4Facts(t *testing.T) {
	created := time.Date(2023, 8, 14, 9, 30, 0, 0, time.UTC)
	body := testhelpers.MP4(created, 12*time.Second, []byte("\xa9xyz+50.1234-101.1234/"))

	res := Extractor{}.Extract(seekableFile("clip.mp4", "video/mp4", body))
	if res.Metadata["Major Brand"] != "isom" {
		t.Errorf("Expected major brand isom, got %v", res.Metadata["Major Brand"])
	}
	if !res.HasLocation() || *res.Latitude != 50.1234 {
		t.Errorf("Expected location from embedded text, got %v, %v", res.Latitude, res.Longitude)
	}
}

func TestExtractUnsupportedOrBroken(t *testing.T) {
	for name, f := range map[string]File{
		"not media": fileFromBytes("doc.pdf", "application/pdf", time.Now(), []byte("[lat : 1.5] [long : 2.5]")),
		"open fails": {Name: "x.jpg", ContentType: "image/jpeg", Open: func() (io.ReadCloser, error) {
			return nil, errors.New("permission denied")
		}},
		"no opener": {Name: "x.mp4", ContentType: "video/mp4"},
		"panics": {Name: "x.mp4", ContentType: "video/mp4", Open: func() (io.ReadCloser, error) {
			panic("boom")
		}},
	} {
		res := Extractor{}.Extract(f)
		if res.Latitude != nil || res.Longitude != nil || res.Timestamp != "" {
			t.Errorf("%s: Expected an empty result, got %+v", name, res)
		}
	}
}

func TestDMSToDecimal(t *testing.T) {
	for i, tc := range []struct {
		d, m, s float64
		ref     string
		expect  float64
	}{
		{d: 0, m: 0, s: 0, ref: "N", expect: 0},
		{d: 45, m: 30, s: 0, ref: "N", expect: 45.5},
		{d: 45, m: 30, s: 0, ref: "S", expect: -45.5},
		{d: 122, m: 15, s: 36, ref: "W", expect: -122.26},
		{d: 122, m: 15, s: 36, ref: "E", expect: 122.26},
		{d: 10, m: 0, s: 0, ref: "s\x00", expect: -10},
	} {
		if actual := DMSToDecimal(tc.d, tc.m, tc.s, tc.ref); !floatsEqual(actual, tc.expect) {
			t.Errorf("Test %d: Expected %f, got %f", i, tc.expect, actual)
		}
	}
}

func TestSplitCamelCaseIntoWords(t *testing.T) {
	for input, expect := range map[string]string{
		"ImageWidth":            "Image Width",
		"DateTimeOriginal":      "Date Time Original",
		"YCbCrSubSampling":      "Y Cb Cr Sub Sampling",
		"ExifIFDPointer":        "Exif IFD Pointer",
		"FNumber":               "F Number",
		"ISOSpeedRatings":       "ISO Speed Ratings",
		"FocalLengthIn35mmFilm": "Focal Length In 35mm Film",
		"GPSLatitudeRef":        "GPS Latitude Ref",
		"GPSAltitude":           "GPS Altitude",
		"GPSDOP":                "GPSDOP",
		"AbsoluteAltitude":      "Absolute Altitude",
		"RelativeAltitude":      "Relative Altitude",
		"GimbalYawDegree":       "Gimbal Yaw Degree",
		"FlightRollDegree":      "Flight Roll Degree",
		"RtkFlag":               "Rtk Flag",
		"Make":                  "Make",
	} {
		if actual := splitCamelCaseIntoWords(input); actual != expect {
			t.Errorf("Expected '%s' but got '%s' (input='%s')", expect, actual, input)
		}
	}
}
