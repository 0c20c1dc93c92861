package link

import (
	"errors"
	"fmt"
)

// ErrorKind classifies errors handed to the error callback.
type ErrorKind int

const (
	// ListenerCreationError: the service could not be bound or advertised.
	ListenerCreationError ErrorKind = iota + 1
	// ListenerError: a listener that was ready stopped accepting.
	ListenerError
	// ConnectionError: dial, accept or a transport state failure. Always
	// followed by teardown.
	ConnectionError
	// SendError: the transport reported a failed send. The connection stays.
	SendError
	// ReceiveError: a receive completed with a non-terminal error. The loop
	// re-arms.
	ReceiveError
)

func (k ErrorKind) String() string {
	switch k {
	case ListenerCreationError:
		return "listener_creation"
	case ListenerError:
		return "listener"
	case ConnectionError:
		return "connection"
	case SendError:
		return "send"
	case ReceiveError:
		return "receive"
	default:
		return "unknown"
	}
}

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("link: manager closed")

// Error is what the error callback receives. Err is the transport's error.
type Error struct {
	Kind   ErrorKind
	ConnID string
	Err    error
}

func (e *Error) Error() string {
	if e.ConnID != "" {
		return fmt.Sprintf("%s error on %s: %v", e.Kind, e.ConnID, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is an *Error of kind k.
func IsKind(err error, k ErrorKind) bool {
	var le *Error
	return errors.As(err, &le) && le.Kind == k
}
