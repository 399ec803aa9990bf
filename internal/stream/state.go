package stream

import "fmt"

type State uint32

const (
	StateInvalid State = iota
	// open source, connect sink, settle
	StateStarting
	// read -> tag -> publish
	StateStreaming
	// close sink and source, bounded
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

// Reason tells why Run returned.
type Reason uint8

const (
	ReasonInvalid Reason = iota
	ReasonInterrupt
	ReasonSourceEnd
	ReasonFatal
	ReasonStartup
)

func (r Reason) String() string {
	switch r {
	case ReasonInterrupt:
		return "interrupt"
	case ReasonSourceEnd:
		return "source-end"
	case ReasonFatal:
		return "fatal"
	case ReasonStartup:
		return "startup"
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

const (
	ExitOK      = 0
	ExitFatal   = 1
	ExitStartup = 2
)

type Result struct {
	Reason Reason
	Err    error
}

// ExitCode maps result to process exit status.
// Clean interrupt 0, configuration or initial connection failure 2,
// any failure after streaming started 1.
func (r Result) ExitCode() int {
	switch r.Reason {
	case ReasonInterrupt:
		return ExitOK
	case ReasonStartup:
		return ExitStartup
	}
	return ExitFatal
}

func (r Result) String() string {
	if r.Err == nil {
		return r.Reason.String()
	}
	return fmt.Sprintf("%s err=%v", r.Reason, r.Err)
}
