package tailer

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateError
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateError:
		return "error"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

type AckMode string

const (
	// AckManual acknowledges a position only after its changeset is persisted.
	AckManual AckMode = "manual"
	// AckAuto acknowledges every event on receipt.  Events which fail to persist
	// are lost.
	AckAuto AckMode = "auto"
)
