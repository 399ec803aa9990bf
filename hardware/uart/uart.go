// Package uart opens serial device as blocking byte source.
package uart

import (
	"bufio"
	"os"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/rtcm-streamer/helpers"
)

const DefaultBaud = 115200

// Port is read side of serial device in raw 8N1 mode.
// ReadByte blocks until data arrives, there is no read timeout.
type Port struct {
	path   string
	f      *os.File
	count  *helpers.CountReader
	r      *bufio.Reader
	closed sync.Once
	cerr   error
}

func Open(path string, baud int) (*Port, error) {
	speed, ok := baudTable[baud]
	if !ok {
		return nil, errors.NotSupportedf("uart baud=%d", baud)
	}
	f, err := openRaw(path, speed)
	if err != nil {
		return nil, errors.Annotatef(err, "uart open path=%s baud=%d", path, baud)
	}
	p := newPort(path, f)
	if err := p.FlushOutput(); err != nil {
		_ = p.Close()
		return nil, errors.Annotatef(err, "uart open path=%s", path)
	}
	return p, nil
}

func newPort(path string, f *os.File) *Port {
	count := helpers.NewCountReader(f)
	return &Port{
		path:  path,
		f:     f,
		count: count,
		r:     bufio.NewReader(count),
	}
}

func (self *Port) Path() string { return self.path }

func (self *Port) Read(p []byte) (int, error) { return self.r.Read(p) }
func (self *Port) ReadByte() (byte, error)    { return self.r.ReadByte() }

// Received is total bytes read from device.
func (self *Port) Received() uint64 { return self.count.Count() }

// FlushOutput discards data written but not transmitted.
func (self *Port) FlushOutput() error { return flushOutput(self.f) }

// Close is safe to call many times and concurrently with a blocked ReadByte.
func (self *Port) Close() error {
	self.closed.Do(func() {
		self.cerr = self.f.Close()
	})
	return self.cerr
}
