package rtcm

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/rtcm-streamer/helpers"
)

const (
	DefaultStampWidth = 16
	MinStampWidth     = 8
	MaxStampWidth     = 64
)

// Tagged is frame with capture time, wire form is
// Width bytes of big-endian milliseconds since epoch followed by frame bytes.
type Tagged struct {
	TimeMs uint64
	Width  int
	Frame  Frame
}

func (t Tagged) Bytes() []byte {
	b := make([]byte, t.Width+len(t.Frame))
	binary.BigEndian.PutUint64(b[t.Width-8:t.Width], t.TimeMs)
	copy(b[t.Width:], t.Frame)
	return b
}

// Stamper assigns capture time to frames.
// Time never goes backwards between consecutive Tag calls, even if wall clock does.
type Stamper struct {
	mu    sync.Mutex
	width int
	now   func() time.Time
	last  uint64
}

// NewStamper fails on width which can not hold 64 bit millisecond value.
// now=nil means time.Now.
func NewStamper(width int, now func() time.Time) (*Stamper, error) {
	if width < MinStampWidth || width > MaxStampWidth {
		return nil, errors.NotValidf("timestamp width=%d must be in [%d,%d]", width, MinStampWidth, MaxStampWidth)
	}
	if now == nil {
		now = time.Now
	}
	return &Stamper{width: width, now: now}, nil
}

func (self *Stamper) Width() int { return self.width }

// Tag must be called once per frame, after frame is complete.
func (self *Stamper) Tag(f Frame) Tagged {
	ms := helpers.UnixMilli(self.now())
	self.mu.Lock()
	if ms < self.last {
		ms = self.last
	}
	self.last = ms
	self.mu.Unlock()
	return Tagged{TimeMs: ms, Width: self.width, Frame: f}
}

// DecodeTagged splits published payload back into time and frame.
func DecodeTagged(b []byte, width int) (Tagged, error) {
	if width < MinStampWidth || width > MaxStampWidth {
		return Tagged{}, errors.NotValidf("timestamp width=%d", width)
	}
	if len(b) < width {
		return Tagged{}, errors.NotValidf("payload length=%d shorter than timestamp width=%d", len(b), width)
	}
	for _, x := range b[:width-8] {
		if x != 0 {
			return Tagged{}, errors.NotValidf("timestamp padding is not zero %x", b[:width])
		}
	}
	return Tagged{
		TimeMs: binary.BigEndian.Uint64(b[width-8 : width]),
		Width:  width,
		Frame:  Frame(b[width:]),
	}, nil
}
