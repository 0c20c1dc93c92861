// Package netstack builds the configured transport binding.
package netstack

import (
	"go.uber.org/zap"

	"lanlink/pkg/config"
	"lanlink/pkg/transport"
	"lanlink/pkg/transport/mem"
	tquic "lanlink/pkg/transport/quic"
	ttcp "lanlink/pkg/transport/tcp"
)

// NewFromConfig constructs the Transport selected by cfg.Kind. id is published
// in advertisements; a random one is used when empty.
func NewFromConfig(cfg config.TransportConfig, id string) (transport.Transport, error) {
	kind, err := transport.ParseKind(cfg.Kind)
	if err != nil {
		return nil, ErrUnknownKind(cfg.Kind)
	}
	var tr transport.Transport
	switch kind {
	case transport.KindTCP:
		tr = ttcp.New(ttcp.Options{
			ListenAddr: cfg.Listen,
			Advertise:  cfg.Advertise,
			Domain:     cfg.Domain,
			Interface:  cfg.Interface,
			ID:         id,
		})
	case transport.KindQUIC:
		tr = tquic.New(tquic.Options{
			ListenAddr: cfg.Listen,
			Advertise:  cfg.Advertise,
			Domain:     cfg.Domain,
			Interface:  cfg.Interface,
			ID:         id,
		})
	default:
		tr = mem.Shared()
	}
	zap.L().Debug("transport ready",
		zap.Stringer("kind", tr.Kind()),
		zap.String("listen", cfg.Listen),
		zap.Bool("advertise", cfg.Advertise))
	return tr, nil
}

// NewByKind constructs a Transport with default options for kind.
func NewByKind(kind string) (transport.Transport, error) {
	return NewFromConfig(config.TransportConfig{Kind: kind, Listen: ":0"}, "")
}

// ErrUnknownKind is returned for a kind no binding implements.
type ErrUnknownKind string

func (e ErrUnknownKind) Error() string { return "unknown transport kind: " + string(e) }
