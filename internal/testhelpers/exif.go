package testhelpers

import (
	"encoding/binary"
	"math"
)

// EXIF describes the tags written into a synthetic JPEG by JPEG. Zero
// values mean the tag is omitted, so individual GPS tags can be left out.
type EXIF struct {
	Make             string
	DateTimeOriginal string

	Latitude     []float64 // degrees, minutes, seconds
	LatitudeRef  string
	Longitude    []float64 // degrees, minutes, seconds
	LongitudeRef string

	Altitude      *float64
	BelowSeaLevel bool

	// XMP, if set, is embedded as an XMP packet in its own APP1 segment.
	XMP string
}

// TIFF tag types
const (
	typeByte     = 1
	typeASCII    = 2
	typeLong     = 4
	typeRational = 5
)

type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

// JPEG returns a minimal big-endian EXIF JPEG (no image data) carrying the
// tags in e. It is only meant to be read by EXIF and XMP parsers.
func JPEG(e EXIF) []byte {
	be := binary.BigEndian

	var exifIFD, gpsIFD []ifdEntry
	if e.DateTimeOriginal != "" {
		exifIFD = append(exifIFD, asciiEntry(0x9003, e.DateTimeOriginal))
	}
	if e.LatitudeRef != "" {
		gpsIFD = append(gpsIFD, asciiEntry(0x0001, e.LatitudeRef))
	}
	if e.Latitude != nil {
		gpsIFD = append(gpsIFD, rationalEntry(0x0002, e.Latitude...))
	}
	if e.LongitudeRef != "" {
		gpsIFD = append(gpsIFD, asciiEntry(0x0003, e.LongitudeRef))
	}
	if e.Longitude != nil {
		gpsIFD = append(gpsIFD, rationalEntry(0x0004, e.Longitude...))
	}
	if e.Altitude != nil {
		var ref byte
		if e.BelowSeaLevel {
			ref = 1
		}
		gpsIFD = append(gpsIFD,
			ifdEntry{tag: 0x0005, typ: typeByte, count: 1, data: []byte{ref}},
			rationalEntry(0x0006, *e.Altitude))
	}

	var ifd0 []ifdEntry
	if e.Make != "" {
		ifd0 = append(ifd0, asciiEntry(0x010F, e.Make))
	}
	// sub-IFD pointers get patched once the sub-IFDs are laid out
	if len(exifIFD) > 0 {
		ifd0 = append(ifd0, ifdEntry{tag: 0x8769, typ: typeLong, count: 1, data: make([]byte, 4)})
	}
	if len(gpsIFD) > 0 {
		ifd0 = append(ifd0, ifdEntry{tag: 0x8825, typ: typeLong, count: 1, data: make([]byte, 4)})
	}

	tiff := []byte{'M', 'M', 0, 42, 0, 0, 0, 8}
	tiff, valuePos := appendIFD(tiff, ifd0)
	if len(exifIFD) > 0 {
		be.PutUint32(tiff[valuePos[0x8769]:], uint32(len(tiff))) //nolint:gosec
		tiff, _ = appendIFD(tiff, exifIFD)
	}
	if len(gpsIFD) > 0 {
		be.PutUint32(tiff[valuePos[0x8825]:], uint32(len(tiff))) //nolint:gosec
		tiff, _ = appendIFD(tiff, gpsIFD)
	}

	out := []byte{0xFF, 0xD8}
	out = appendAPP1(out, append([]byte("Exif\x00\x00"), tiff...))
	if e.XMP != "" {
		out = appendAPP1(out, append([]byte("http://ns.adobe.com/xap/1.0/\x00"), []byte(XMPPacket(e.XMP))...))
	}
	return append(out, 0xFF, 0xD9)
}

// XMPPacket wraps an rdf:Description body in an XMP packet.
func XMPPacket(description string) string {
	return `<?xpacket begin="` + "\ufeff" + `" id="W5M0MpCehiHzreSzNTczkc9d"?>` +
		`<x:xmpmeta xmlns:x="adobe:ns:meta/"><rdf:RDF xmlns:rdf="http://www.w3.org/1999/02/22-rdf-syntax-ns#">` +
		`<rdf:Description rdf:about="" xmlns:drone-dji="http://www.dji.com/drone-dji/1.0/" ` + description + `/>` +
		`</rdf:RDF></x:xmpmeta><?xpacket end="w"?>`
}

func appendAPP1(out, payload []byte) []byte {
	out = append(out, 0xFF, 0xE1)
	out = binary.BigEndian.AppendUint16(out, uint16(len(payload)+2)) //nolint:gosec
	return append(out, payload...)
}

// appendIFD appends an IFD followed by its out-of-line values and returns
// the position of each tag's value field.
func appendIFD(tiff []byte, entries []ifdEntry) ([]byte, map[uint16]int) {
	be := binary.BigEndian
	valuePos := make(map[uint16]int)
	dataOff := len(tiff) + 2 + len(entries)*12 + 4
	var extra []byte

	tiff = be.AppendUint16(tiff, uint16(len(entries))) //nolint:gosec
	for _, e := range entries {
		tiff = be.AppendUint16(tiff, e.tag)
		tiff = be.AppendUint16(tiff, e.typ)
		tiff = be.AppendUint32(tiff, e.count)
		valuePos[e.tag] = len(tiff)
		if len(e.data) <= 4 {
			v := make([]byte, 4)
			copy(v, e.data)
			tiff = append(tiff, v...)
			continue
		}
		tiff = be.AppendUint32(tiff, uint32(dataOff+len(extra))) //nolint:gosec
		extra = append(extra, e.data...)
		if len(extra)%2 == 1 {
			extra = append(extra, 0)
		}
	}
	tiff = be.AppendUint32(tiff, 0)
	return append(tiff, extra...), valuePos
}

func asciiEntry(tag uint16, s string) ifdEntry {
	data := append([]byte(s), 0)
	return ifdEntry{tag: tag, typ: typeASCII, count: uint32(len(data)), data: data} //nolint:gosec
}

// rationalEntry encodes each value as a rational with a denominator of 10000.
func rationalEntry(tag uint16, vals ...float64) ifdEntry {
	var data []byte
	for _, v := range vals {
		data = binary.BigEndian.AppendUint32(data, uint32(math.Round(v*10000)))
		data = binary.BigEndian.AppendUint32(data, 10000)
	}
	return ifdEntry{tag: tag, typ: typeRational, count: uint32(len(vals)), data: data} //nolint:gosec
}
