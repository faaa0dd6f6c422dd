package protocol

import (
	"bytes"
	"encoding/hex"
)

// Handshake requests, written before the first frame of every connection.
var (
	Stage1Request = []byte{0x08, 0x00, 0x01, 0x80, 0x0E, 0x06, 0x32, 0x00}
	Stage2Request = []byte{0x04, 0x00, 0x05, 0x80}
)

// Notification signatures. Only the prefix is fixed; the trailing bytes
// differ between firmware revisions.
var (
	Stage1Ack    = Signature{0x0C, 0x00, 0x01, 0x80, 0x81, 0x06, 0x32, 0x00}
	Stage1AckAlt = Signature{0x0B, 0x00, 0x01, 0x80, 0x83, 0x06, 0x32, 0x00}
	Stage2Ack    = Signature{0x08, 0x00, 0x05, 0x80}
	FrameAck     = Signature{0x05, 0x00, 0x02, 0x00, 0x03}
)

// Signature is a byte prefix an incoming notification must start with.
type Signature []byte

// Match reports whether data begins with the signature.
func (s Signature) Match(data []byte) bool {
	return len(s) > 0 && bytes.HasPrefix(data, s)
}

func (s Signature) String() string {
	return hex.EncodeToString(s)
}

// MatchAny reports whether data matches any of sigs.
func MatchAny(sigs []Signature, data []byte) bool {
	for _, s := range sigs {
		if s.Match(data) {
			return true
		}
	}
	return false
}
