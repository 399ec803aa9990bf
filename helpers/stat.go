package helpers

import (
	"io"
	"sync/atomic"
)

// CountReader counts bytes passed through R. Count is safe to read concurrently.
type CountReader struct {
	R io.Reader
	n uint64
}

var _ io.Reader = &CountReader{}

func NewCountReader(r io.Reader) *CountReader { return &CountReader{R: r} }

func (cr *CountReader) Read(p []byte) (n int, err error) {
	n, err = cr.R.Read(p)
	atomic.AddUint64(&cr.n, uint64(n))
	return
}

func (cr *CountReader) Count() uint64 { return atomic.LoadUint64(&cr.n) }
