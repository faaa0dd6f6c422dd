// Package protocol implements the wire format spoken by the BK Light ACT1026
// LED matrix: the image frame envelope, the handshake sequence and the
// notification signatures the device answers with.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Frame envelope layout (little-endian):
//
//	[total_len:u16][0x02][0x00 0x00][payload_len:u16][0x00 0x00][crc32:u32][0x00 0x65][payload]
const (
	HeaderSize = 15

	FrameType byte = 0x02

	// MaxPayloadBytes keeps total_len within a u16.
	MaxPayloadBytes = 0xFFFF - HeaderSize
)

// frameTrailer closes the envelope header, right before the payload.
var frameTrailer = [2]byte{0x00, 0x65}

var (
	ErrEmptyPayload    = errors.New("protocol: empty payload")
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
	ErrShortFrame      = errors.New("protocol: frame shorter than header")
	ErrBadEnvelope     = errors.New("protocol: bad envelope marker")
)

// Header is the decoded envelope of an encoded frame.
type Header struct {
	TotalLength   uint16
	PayloadLength uint16
	Checksum      uint32
}

// EncodeFrame wraps payload (PNG bytes) in the frame envelope.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	if len(payload) > MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrPayloadTooLarge, len(payload), MaxPayloadBytes)
	}

	buf := make([]byte, HeaderSize, HeaderSize+len(payload))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(payload)+HeaderSize))
	buf[2] = FrameType
	// buf[3:5] reserved
	binary.LittleEndian.PutUint16(buf[5:7], uint16(len(payload)))
	// buf[7:9] reserved
	binary.LittleEndian.PutUint32(buf[9:13], crc32.ChecksumIEEE(payload))
	buf[13] = frameTrailer[0]
	buf[14] = frameTrailer[1]
	return append(buf, payload...), nil
}

// ParseHeader reads the envelope fields back out of an encoded frame.
// It checks the fixed markers but not the payload.
func ParseHeader(frame []byte) (Header, error) {
	if len(frame) < HeaderSize {
		return Header{}, ErrShortFrame
	}
	if frame[2] != FrameType || frame[13] != frameTrailer[0] || frame[14] != frameTrailer[1] {
		return Header{}, ErrBadEnvelope
	}
	return Header{
		TotalLength:   binary.LittleEndian.Uint16(frame[0:2]),
		PayloadLength: binary.LittleEndian.Uint16(frame[5:7]),
		Checksum:      binary.LittleEndian.Uint32(frame[9:13]),
	}, nil
}

// Verify reports whether the header fields of frame match the payload that
// follows them.
func Verify(frame []byte) error {
	h, err := ParseHeader(frame)
	if err != nil {
		return err
	}
	payload := frame[HeaderSize:]
	if int(h.PayloadLength) != len(payload) {
		return fmt.Errorf("protocol: payload length %d, header says %d", len(payload), h.PayloadLength)
	}
	if int(h.TotalLength) != len(frame) {
		return fmt.Errorf("protocol: frame length %d, header says %d", len(frame), h.TotalLength)
	}
	if sum := crc32.ChecksumIEEE(payload); sum != h.Checksum {
		return fmt.Errorf("protocol: crc32 %08x, header says %08x", sum, h.Checksum)
	}
	return nil
}
