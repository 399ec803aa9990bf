//go:build !linux

package uart

import (
	"os"

	"github.com/juju/errors"
)

var baudTable = map[int]uint32{
	9600: 9600, 19200: 19200, 38400: 38400, 57600: 57600,
	115200: 115200, 230400: 230400, 460800: 460800, 921600: 921600,
}

func openRaw(path string, speed uint32) (*os.File, error) {
	return nil, errors.NotSupportedf("uart on this platform")
}

func flushOutput(f *os.File) error { return errors.NotSupportedf("uart on this platform") }
