package publish

import "fmt"

type EventKind uint8

const (
	EventInvalid EventKind = iota
	EventConnected
	EventConnectionLost
	EventReconnecting
	EventPublished
	EventRetry
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventConnectionLost:
		return "connection-lost"
	case EventReconnecting:
		return "reconnecting"
	case EventPublished:
		return "published"
	case EventRetry:
		return "retry"
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

// Event is connection lifecycle or delivery notification.
// Diagnostics only, delivery never depends on anyone reading events.
type Event struct {
	Kind      EventKind
	MessageID uint16 // EventPublished, EventRetry after hand-off
	Attempt   int    // EventRetry on refused hand-off, zero for ack failure
	Err       error  // EventConnectionLost, EventRetry
}

func (e Event) String() string {
	switch e.Kind {
	case EventPublished:
		return fmt.Sprintf("%s mid=%d", e.Kind, e.MessageID)
	case EventRetry:
		if e.Attempt == 0 {
			return fmt.Sprintf("%s mid=%d err=%v", e.Kind, e.MessageID, e.Err)
		}
		return fmt.Sprintf("%s attempt=%d err=%v", e.Kind, e.Attempt, e.Err)
	case EventConnectionLost:
		return fmt.Sprintf("%s err=%v", e.Kind, e.Err)
	}
	return e.Kind.String()
}
