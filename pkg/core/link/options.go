package link

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"lanlink/pkg/observability"
)

const (
	DefaultMinimumIncompleteLength = 1024
	DefaultMaximumLength           = 1024 * 512

	// Bounds used by the receive loop unless HonorReceiveBounds is set.
	loopMinimumLength = 1
	loopMaximumLength = 1024 * 1024
)

// Options are fixed at construction.
type Options struct {
	// Service is the service identity used to advertise and to dial.
	Service string

	// OnMessage receives every non-empty inbound chunk. Chunks carry no
	// boundaries: one chunk may hold part of a message or several messages.
	OnMessage func([]byte)
	// OnError receives every *Error exactly once.
	OnError func(error)

	// MinimumIncompleteLength and MaximumLength default to 1024 and 512 KiB.
	MinimumIncompleteLength int
	MaximumLength           int
	// HonorReceiveBounds makes the receive loop use the two values above. By
	// default they are stored and reported but the loop reads with bounds of
	// 1 byte and 1 MiB.
	HonorReceiveBounds bool

	Logger  *zap.Logger
	Metrics *observability.Metrics
}

func (o *Options) normalize() error {
	o.Service = strings.TrimSpace(o.Service)
	if o.Service == "" {
		return errors.New("link: service is required")
	}
	if o.MinimumIncompleteLength == 0 {
		o.MinimumIncompleteLength = DefaultMinimumIncompleteLength
	}
	if o.MaximumLength == 0 {
		o.MaximumLength = DefaultMaximumLength
	}
	if o.MinimumIncompleteLength < 1 {
		return fmt.Errorf("link: minimum incomplete length %d must be positive", o.MinimumIncompleteLength)
	}
	if o.MaximumLength < o.MinimumIncompleteLength {
		return fmt.Errorf("link: maximum length %d below minimum %d", o.MaximumLength, o.MinimumIncompleteLength)
	}
	if o.Logger == nil {
		o.Logger = zap.L()
	}
	return nil
}

// receiveBounds returns the bounds the receive loop actually uses.
func (o *Options) receiveBounds() (int, int) {
	if o.HonorReceiveBounds {
		return o.MinimumIncompleteLength, o.MaximumLength
	}
	return loopMinimumLength, loopMaximumLength
}
