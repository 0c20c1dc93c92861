package link

import "lanlink/pkg/transport"

// ConnState is the public state of the tracked connection.
type ConnState int

const (
	Idle ConnState = iota
	Connecting
	Ready
	Failed
	Cancelled
)

func (s ConnState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ListenerState is the public state of the advertised listener.
type ListenerState int

const (
	ListenerIdle ListenerState = iota
	ListenerSetup
	ListenerReady
	ListenerFailed
	ListenerCancelled
)

func (s ListenerState) String() string {
	switch s {
	case ListenerIdle:
		return "idle"
	case ListenerSetup:
		return "setup"
	case ListenerReady:
		return "ready"
	case ListenerFailed:
		return "failed"
	case ListenerCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Scope tells which part of the manager a Change is about.
type Scope int

const (
	ScopeConnection Scope = iota
	ScopeListener
)

func (s Scope) String() string {
	if s == ScopeListener {
		return "listener"
	}
	return "conn"
}

// Status is a consistent snapshot of the manager.
type Status struct {
	State    ConnState
	Failure  error // non-nil only in Failed
	ConnID   string
	Endpoint transport.Endpoint
	Inbound  bool

	Listener         ListenerState
	ListenerFailure  error
	ListenerEndpoint transport.Endpoint
}

// Connected reports whether sends are currently meaningful.
func (s Status) Connected() bool { return s.State == Ready }

// Change is published once per state transition. Seq increases by one per
// transition, so gaps mean a channel subscriber dropped signals.
type Change struct {
	Seq    uint64
	Scope  Scope
	Status Status
}
