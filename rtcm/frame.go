// Package rtcm finds RTCM3 frames in a raw byte stream and tags them with capture time.
//
// Wire frame: 0xD3, 6 reserved bits and 10 bit payload length (big-endian),
// payload, 3 byte CRC-24Q. Message contents are not decoded.
package rtcm

import (
	"encoding/hex"
	"fmt"

	"github.com/juju/errors"
)

const (
	Preamble byte = 0xD3

	HeaderLen    = 3
	CheckLen     = 3
	Overhead     = HeaderLen + CheckLen
	MaxPayload   = 0x3FF
	MaxFrameLen  = Overhead + MaxPayload
	lengthMask   = 0x3FF
	reservedMask = 0xFC
)

// Frame is one complete raw RTCM3 frame, preamble to check value inclusive.
// Reserved bits are kept as received.
type Frame []byte

// BuildFrame makes valid frame around payload with correct CRC-24Q.
func BuildFrame(payload []byte) (Frame, error) {
	if len(payload) > MaxPayload {
		return nil, errors.NotValidf("rtcm payload length=%d max=%d", len(payload), MaxPayload)
	}
	f := make(Frame, Overhead+len(payload))
	f[0] = Preamble
	f[1] = byte(len(payload) >> 8)
	f[2] = byte(len(payload))
	copy(f[HeaderLen:], payload)
	crc := CRC24Q(f[:HeaderLen+len(payload)])
	tail := f[HeaderLen+len(payload):]
	tail[0], tail[1], tail[2] = byte(crc>>16), byte(crc>>8), byte(crc)
	return f, nil
}

func MustBuildFrame(payload []byte) Frame {
	f, err := BuildFrame(payload)
	if err != nil {
		panic(err)
	}
	return f
}

// PayloadLen decodes 10 bit length field.
func (f Frame) PayloadLen() int {
	if len(f) < HeaderLen {
		return 0
	}
	return (int(f[1])<<8 | int(f[2])) & lengthMask
}

// Reserved returns 6 bits preceding the length, normally zero.
func (f Frame) Reserved() byte {
	if len(f) < HeaderLen {
		return 0
	}
	return (f[1] & reservedMask) >> 2
}

func (f Frame) Payload() []byte {
	n := f.PayloadLen()
	if len(f) < HeaderLen+n {
		return nil
	}
	return f[HeaderLen : HeaderLen+n]
}

func (f Frame) CheckValue() uint32 {
	if len(f) < Overhead {
		return 0
	}
	t := f[len(f)-CheckLen:]
	return uint32(t[0])<<16 | uint32(t[1])<<8 | uint32(t[2])
}

// Valid reports structural integrity: preamble and length agree with size.
func (f Frame) Valid() bool {
	return len(f) >= Overhead && f[0] == Preamble && len(f) == Overhead+f.PayloadLen()
}

// Verify checks CRC-24Q over header and payload against trailing check value.
func (f Frame) Verify() bool {
	if !f.Valid() {
		return false
	}
	return CRC24Q(f[:len(f)-CheckLen]) == f.CheckValue()
}

func (f Frame) String() string {
	return fmt.Sprintf("<Frame len=%d payload=%d crc=%06x>", len(f), f.PayloadLen(), f.CheckValue())
}

func (f Frame) Hex() string { return hex.EncodeToString(f) }
