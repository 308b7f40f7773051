package testhelpers

import (
	"encoding/binary"
	"time"
)

// VideoWithText returns a fake video body of at least offset+len(text)
// bytes with text written at offset and zeros everywhere else.
func VideoWithText(text string, offset int) []byte {
	b := make([]byte, offset+len(text)+64)
	copy(b[offset:], text)
	return b
}

// MP4 returns a small MP4 file: an "isom" ftyp box, a moov box holding a
// version 0 mvhd, and a free box carrying extra (which may hold text such
// as embedded coordinates).
func MP4(created time.Time, duration time.Duration, extra []byte) []byte {
	be := binary.BigEndian

	ftyp := box("ftyp", []byte("isom\x00\x00\x02\x00isommp42"))

	const timescale = 1000
	mp4Created := uint32(created.Unix() + 2082844800) //nolint:gosec
	var mvhd []byte
	mvhd = append(mvhd, 0, 0, 0, 0) // version and flags
	mvhd = be.AppendUint32(mvhd, mp4Created)
	mvhd = be.AppendUint32(mvhd, mp4Created)
	mvhd = be.AppendUint32(mvhd, timescale)
	mvhd = be.AppendUint32(mvhd, uint32(duration.Milliseconds())) //nolint:gosec
	mvhd = be.AppendUint32(mvhd, 0x00010000)                       // rate 1.0
	mvhd = be.AppendUint16(mvhd, 0x0100)                           // volume 1.0
	mvhd = append(mvhd, make([]byte, 10)...)                       // reserved
	for _, v := range []uint32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000} {
		mvhd = be.AppendUint32(mvhd, v) // unity matrix
	}
	mvhd = append(mvhd, make([]byte, 24)...) // pre-defined
	mvhd = be.AppendUint32(mvhd, 2)          // next track ID

	out := append(ftyp, box("moov", box("mvhd", mvhd))...)
	if len(extra) > 0 {
		out = append(out, box("free", extra)...)
	}
	return out
}

func box(typ string, payload []byte) []byte {
	b := binary.BigEndian.AppendUint32(nil, uint32(8+len(payload))) //nolint:gosec
	b = append(b, typ...)
	return append(b, payload...)
}
