package decoder

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
)

// Serial frame layout, all integers big-endian:
//
//	0xA5 0x5A | type u8 | seq u32 | len u16 | payload[len] | crc32
//
// The CRC (IEEE) covers type through the end of the payload.
const (
	magicHi     byte = 0xA5
	magicLo     byte = 0x5A
	HeaderSize       = 9
	TrailerSize      = 4

	DefaultMaxPayload = 1024
)

var magic = []byte{magicHi, magicLo}

// Frame is one complete, checksum-verified unit from the serial stream.
type Frame struct {
	Type    uint8
	Seq     uint32
	Payload []byte
}

// EncodeFrame renders a frame to bytes.
func EncodeFrame(f Frame) []byte {
	out := make([]byte, HeaderSize+len(f.Payload)+TrailerSize)
	out[0], out[1] = magicHi, magicLo
	out[2] = f.Type
	binary.BigEndian.PutUint32(out[3:7], f.Seq)
	binary.BigEndian.PutUint16(out[7:9], uint16(len(f.Payload)))
	copy(out[HeaderSize:], f.Payload)
	sum := crc32.ChecksumIEEE(out[2 : HeaderSize+len(f.Payload)])
	binary.BigEndian.PutUint32(out[HeaderSize+len(f.Payload):], sum)
	return out
}

// Framer reassembles frames from a byte stream. Bytes may arrive split at
// any boundary; noise between frames is skipped. A Framer is not safe for
// concurrent use.
type Framer struct {
	buf        []byte
	maxPayload int
	skipped    int
}

// NewFramer returns a Framer rejecting payloads longer than maxPayload.
func NewFramer(maxPayload int) *Framer {
	if maxPayload <= 0 || maxPayload > 0xFFFF {
		maxPayload = DefaultMaxPayload
	}
	return &Framer{maxPayload: maxPayload}
}

// Push appends stream bytes.
func (f *Framer) Push(p []byte) {
	f.buf = append(f.buf, p...)
}

// Buffered returns the number of bytes waiting for a complete frame.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Skipped returns how many noise bytes have been discarded so far.
func (f *Framer) Skipped() int {
	return f.skipped
}

// Next extracts the next frame. It returns ok=false with a nil error when
// more bytes are needed. A non-nil error means a corrupt frame was
// discarded; the caller should keep calling Next.
func (f *Framer) Next() (frame Frame, ok bool, err error) {
	idx := bytes.Index(f.buf, magic)
	if idx < 0 {
		// keep a trailing first magic byte, its partner may be in the next read
		keep := 0
		if n := len(f.buf); n > 0 && f.buf[n-1] == magicHi {
			keep = 1
		}
		f.discard(len(f.buf) - keep)
		return Frame{}, false, nil
	}
	if idx > 0 {
		f.discard(idx)
	}

	if len(f.buf) < HeaderSize {
		return Frame{}, false, nil
	}

	length := int(binary.BigEndian.Uint16(f.buf[7:9]))
	if length > f.maxPayload {
		f.discard(1)
		return Frame{}, false, mismatch("frame payload of %d bytes exceeds limit %d", length, f.maxPayload)
	}

	total := HeaderSize + length + TrailerSize
	if len(f.buf) < total {
		return Frame{}, false, nil
	}

	want := binary.BigEndian.Uint32(f.buf[HeaderSize+length : total])
	if got := crc32.ChecksumIEEE(f.buf[2 : HeaderSize+length]); got != want {
		f.discard(1)
		return Frame{}, false, mismatch("frame checksum mismatch: got %08x want %08x", got, want)
	}

	frame = Frame{
		Type:    f.buf[2],
		Seq:     binary.BigEndian.Uint32(f.buf[3:7]),
		Payload: bytes.Clone(f.buf[HeaderSize : HeaderSize+length]),
	}
	f.buf = append(f.buf[:0], f.buf[total:]...)

	return frame, true, nil
}

func (f *Framer) discard(n int) {
	if n <= 0 {
		return
	}
	f.skipped += n
	f.buf = append(f.buf[:0], f.buf[n:]...)
}
