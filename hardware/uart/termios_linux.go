package uart

import (
	"os"
	"syscall"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

var baudTable = map[int]uint32{
	1200:   unix.B1200,
	2400:   unix.B2400,
	4800:   unix.B4800,
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
	460800: unix.B460800,
	921600: unix.B921600,
}

func openRaw(path string, speed uint32) (*os.File, error) {
	f, err := os.OpenFile(path, syscall.O_RDWR|syscall.O_NOCTTY, 0600)
	if err != nil {
		return nil, err
	}
	// not f.Fd(): it switches descriptor to blocking mode and Close must interrupt pending Read
	err = control(f, func(fd int) error {
		t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
		if err != nil {
			return errors.Annotate(err, "TCGETS")
		}
		setRaw(t, speed)
		return errors.Annotate(unix.IoctlSetTermios(fd, unix.TCSETS, t), "TCSETS")
	})
	if err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func control(f *os.File, fun func(fd int) error) error {
	rc, err := f.SyscallConn()
	if err != nil {
		return errors.Trace(err)
	}
	var ferr error
	if err = rc.Control(func(fd uintptr) { ferr = fun(int(fd)) }); err != nil {
		return errors.Trace(err)
	}
	return ferr
}

// 8N1, no flow control, no line processing, read blocks for at least 1 byte.
func setRaw(t *unix.Termios, speed uint32) {
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CRTSCTS | unix.CBAUD
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL | speed
	t.Ispeed = speed
	t.Ospeed = speed
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
}

func flushOutput(f *os.File) error {
	return control(f, func(fd int) error {
		return errors.Annotate(unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCOFLUSH), "TCFLSH")
	})
}
