// Package log2 is a leveled logger over stdlib log.
// - log level filtering, e.g. debug for frame scanning only when asked
// - safe concurrent change of log level
// - nil *Log is valid and discards everything
//
// There is no package level logger. Every component receives *Log explicitly,
// tests pass NewTest(t) so parallel tests log into their own t.Logf().
package log2

import (
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"sync/atomic"
	"testing"
)

const (
	// type specified here helped against accidentally passing flags as level
	Lmicroseconds     int = log.Lmicroseconds
	Lshortfile        int = log.Lshortfile
	LStdFlags         int = log.Ltime | Lshortfile
	LInteractiveFlags int = log.Ltime | Lshortfile | Lmicroseconds
	LServiceFlags     int = Lshortfile
	LTestFlags        int = Lshortfile | Lmicroseconds
)

type Level int32

const (
	LError Level = iota
	LInfo
	LDebug
	LAll Level = math.MaxInt32
)

func (l Level) String() string {
	switch l {
	case LError:
		return "error"
	case LInfo:
		return "info"
	case LDebug:
		return "debug"
	case LAll:
		return "all"
	}
	return fmt.Sprintf("level(%d)", int32(l))
}

// FmtFunc is the shape of Printf-like log methods.
type FmtFunc func(format string, args ...interface{})

// ErrorFunc receives every error passed to Error/Errorf, after it is written.
type ErrorFunc func(error)

type Log struct {
	l       *log.Logger
	level   Level
	w       io.Writer
	fatalf  FmtFunc
	errfunc atomic.Value // ErrorFunc
}

func NewStderr(level Level) *Log { return NewWriter(os.Stderr, level) }
func NewWriter(w io.Writer, level Level) *Log {
	if w == io.Discard {
		return nil
	}
	return &Log{
		l:     log.New(w, "", LStdFlags),
		level: level,
		w:     w,
	}
}

type FuncWriter struct{ FmtFunc }

func NewFunc(f FmtFunc, level Level) *Log { return NewWriter(FuncWriter{f}, level) }
func (fw FuncWriter) Write(b []byte) (int, error) {
	fw.FmtFunc("%s", string(b))
	return len(b), nil
}

func NewTest(t testing.TB, level Level) *Log {
	self := NewFunc(t.Logf, level)
	self.SetFlags(LTestFlags)
	self.fatalf = t.Fatalf
	return self
}

// Clone returns independent logger to the same writer,
// so component level may differ from parent.
func (self *Log) Clone(level Level) *Log {
	if self == nil {
		return nil
	}
	l := NewWriter(self.w, level)
	l.SetFlags(self.l.Flags())
	l.SetPrefix(self.l.Prefix())
	l.fatalf = self.fatalf
	return l
}

// Named is Clone with the same level and prefix extended by name.
func (self *Log) Named(name string) *Log {
	if self == nil {
		return nil
	}
	l := self.Clone(Level(atomic.LoadInt32((*int32)(&self.level))))
	l.SetPrefix(self.l.Prefix() + name + ": ")
	return l
}

func (self *Log) SetLevel(l Level) {
	if self == nil {
		return
	}
	atomic.StoreInt32((*int32)(&self.level), int32(l))
}

func (self *Log) SetFlags(f int) {
	if self == nil {
		return
	}
	self.l.SetFlags(f)
}

func (self *Log) SetPrefix(prefix string) {
	if self == nil {
		return
	}
	self.l.SetPrefix(prefix)
}

func (self *Log) SetErrorFunc(f ErrorFunc) {
	if self == nil {
		return
	}
	self.errfunc.Store(f)
}

func (self *Log) Enabled(level Level) bool {
	if self == nil {
		return false
	}
	return atomic.LoadInt32((*int32)(&self.level)) >= int32(level)
}

func (self *Log) Log(level Level, s string) {
	if self.Enabled(level) {
		_ = self.l.Output(3, s)
	}
}
func (self *Log) Logf(level Level, format string, args ...interface{}) {
	if self.Enabled(level) {
		_ = self.l.Output(3, fmt.Sprintf(format, args...))
	}
}

func (self *Log) Error(args ...interface{}) {
	self.Log(LError, "error: "+fmt.Sprint(args...))
	if self == nil {
		return
	}
	if f, ok := self.errfunc.Load().(ErrorFunc); ok && f != nil {
		var e error
		if len(args) == 1 {
			e, _ = args[0].(error)
		}
		if e == nil {
			e = fmt.Errorf("%s", fmt.Sprint(args...))
		}
		f(e)
	}
}
func (self *Log) Errorf(format string, args ...interface{}) {
	self.Logf(LError, "error: "+format, args...)
	if self == nil {
		return
	}
	if f, ok := self.errfunc.Load().(ErrorFunc); ok && f != nil {
		f(fmt.Errorf(format, args...))
	}
}
func (self *Log) Info(args ...interface{}) {
	self.Log(LInfo, fmt.Sprint(args...))
}
func (self *Log) Infof(format string, args ...interface{}) {
	self.Logf(LInfo, format, args...)
}
func (self *Log) Debug(args ...interface{}) {
	self.Log(LDebug, "debug: "+fmt.Sprint(args...))
}
func (self *Log) Debugf(format string, args ...interface{}) {
	self.Logf(LDebug, "debug: "+format, args...)
}

func (self *Log) Fatalf(format string, args ...interface{}) {
	if self != nil && self.fatalf != nil {
		self.fatalf(format, args...)
		return
	}
	self.Logf(LError, "fatal: "+format, args...)
	os.Exit(1)
}
func (self *Log) Fatal(args ...interface{}) {
	s := fmt.Sprint(args...)
	if self != nil && self.fatalf != nil {
		self.fatalf("%s", s)
		return
	}
	self.Logf(LError, "fatal: "+s)
	os.Exit(1)
}
