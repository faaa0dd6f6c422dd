package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"testing"
)

func pngLikePayload(n int) []byte {
	p := make([]byte, n)
	copy(p, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'})
	for i := 8; i < n; i++ {
		p[i] = byte(i * 7)
	}
	return p
}

func TestEncodeFrameLayout(t *testing.T) {
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	got, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("EncodeFrame() error = %v", err)
	}

	crc := crc32.ChecksumIEEE(payload)
	want := []byte{
		0x13, 0x00, // total_len = 4 + 15
		0x02,       // type
		0x00, 0x00,
		0x04, 0x00, // payload_len
		0x00, 0x00,
		byte(crc), byte(crc >> 8), byte(crc >> 16), byte(crc >> 24),
		0x00, 0x65,
		0xDE, 0xAD, 0xBE, 0xEF,
	}
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeFrame() =\n  got  %x\n  want %x", got, want)
	}
}

func TestEncodeFrameSolidRedScenario(t *testing.T) {
	payload := pngLikePayload(874)
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("EncodeFrame() error = %v", err)
	}
	h, err := ParseHeader(frame)
	if err != nil {
		t.Fatalf("ParseHeader() error = %v", err)
	}
	if h.TotalLength != 889 {
		t.Errorf("TotalLength = %d, want 889", h.TotalLength)
	}
	if h.PayloadLength != 874 {
		t.Errorf("PayloadLength = %d, want 874", h.PayloadLength)
	}
	if h.Checksum != crc32.ChecksumIEEE(payload) {
		t.Errorf("Checksum = %08x, want %08x", h.Checksum, crc32.ChecksumIEEE(payload))
	}
	if !bytes.Equal(frame[HeaderSize:], payload) {
		t.Error("payload not appended verbatim")
	}
}

func TestEncodeFrameHeaderMatchesPayload(t *testing.T) {
	for _, n := range []int{1, 2, 15, 16, 255, 256, 509, 510, 4096, MaxPayloadBytes} {
		payload := pngLikePayload(n)
		frame, err := EncodeFrame(payload)
		if err != nil {
			t.Fatalf("EncodeFrame(%d bytes) error = %v", n, err)
		}
		if got := int(binary.LittleEndian.Uint16(frame[0:2])); got != n+15 {
			t.Errorf("n=%d: total_len = %d, want %d", n, got, n+15)
		}
		if err := Verify(frame); err != nil {
			t.Errorf("n=%d: Verify() error = %v", n, err)
		}
	}
}

func TestEncodeFrameRejectsEmpty(t *testing.T) {
	if _, err := EncodeFrame(nil); !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("EncodeFrame(nil) error = %v, want ErrEmptyPayload", err)
	}
}

func TestEncodeFrameRejectsOversized(t *testing.T) {
	_, err := EncodeFrame(make([]byte, MaxPayloadBytes+1))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("EncodeFrame(oversized) error = %v, want ErrPayloadTooLarge", err)
	}
}

func TestParseHeaderShort(t *testing.T) {
	if _, err := ParseHeader(make([]byte, HeaderSize-1)); !errors.Is(err, ErrShortFrame) {
		t.Errorf("ParseHeader(short) error = %v, want ErrShortFrame", err)
	}
}

func TestParseHeaderBadMarker(t *testing.T) {
	frame, _ := EncodeFrame([]byte{1, 2, 3})
	frame[14] = 0x66
	if _, err := ParseHeader(frame); !errors.Is(err, ErrBadEnvelope) {
		t.Errorf("ParseHeader(bad trailer) error = %v, want ErrBadEnvelope", err)
	}
}

func TestVerifyDetectsCorruption(t *testing.T) {
	frame, _ := EncodeFrame(pngLikePayload(64))
	frame[len(frame)-1] ^= 0xFF
	if err := Verify(frame); err == nil {
		t.Error("Verify() should fail for a corrupted payload")
	}
}
