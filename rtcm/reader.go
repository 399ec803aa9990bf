package rtcm

import (
	"bufio"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/juju/errors"
)

// ErrTruncated is the cause of errors from Reader.Next when the source
// ended after a preamble but before the frame was complete.
var ErrTruncated = fmt.Errorf("rtcm: stream ended inside frame")

type Source interface {
	io.Reader
	io.ByteReader
}

type ReaderStat struct {
	Frames  uint64
	Skipped uint64 // bytes discarded while looking for preamble
	Bytes   uint64 // total consumed
}

// Reader splits byte stream into frames.
// Not safe for concurrent Next calls, Stat may be called from any goroutine.
type Reader struct {
	src  Source
	stat ReaderStat
}

func NewReader(r io.Reader) *Reader {
	src, ok := r.(Source)
	if !ok {
		src = bufio.NewReaderSize(r, MaxFrameLen)
	}
	return &Reader{src: src}
}

// Next blocks until one complete frame is read.
// Returns io.EOF if source ended cleanly between frames,
// error with cause ErrTruncated if source ended inside frame.
// Bytes before preamble are silently dropped.
func (self *Reader) Next() (Frame, error) {
	if err := self.sync(); err != nil {
		return nil, err
	}

	header := [HeaderLen]byte{Preamble}
	if err := self.readFull(header[1:], "length"); err != nil {
		return nil, err
	}
	length := (int(header[1])<<8 | int(header[2])) & lengthMask

	f := make(Frame, Overhead+length)
	copy(f, header[:])
	if err := self.readFull(f[HeaderLen:HeaderLen+length], "payload"); err != nil {
		return nil, err
	}
	if err := self.readFull(f[HeaderLen+length:], "check"); err != nil {
		return nil, err
	}
	atomic.AddUint64(&self.stat.Frames, 1)
	return f, nil
}

func (self *Reader) Stat() ReaderStat {
	return ReaderStat{
		Frames:  atomic.LoadUint64(&self.stat.Frames),
		Skipped: atomic.LoadUint64(&self.stat.Skipped),
		Bytes:   atomic.LoadUint64(&self.stat.Bytes),
	}
}

func (self *Reader) sync() error {
	for {
		b, err := self.src.ReadByte()
		if err != nil {
			if err == io.EOF {
				return io.EOF
			}
			return errors.Annotate(err, "rtcm scan preamble")
		}
		atomic.AddUint64(&self.stat.Bytes, 1)
		if b == Preamble {
			return nil
		}
		atomic.AddUint64(&self.stat.Skipped, 1)
	}
}

func (self *Reader) readFull(p []byte, part string) error {
	n, err := io.ReadFull(self.src, p)
	atomic.AddUint64(&self.stat.Bytes, uint64(n))
	switch err {
	case nil:
		return nil
	case io.EOF, io.ErrUnexpectedEOF:
		return errors.Wrapf(err, ErrTruncated, "rtcm read %s need=%d got=%d", part, len(p), n)
	default:
		return errors.Annotatef(err, "rtcm read %s", part)
	}
}
