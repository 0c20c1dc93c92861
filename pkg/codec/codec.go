// Package codec encodes chat payloads for the wire. The connection itself
// carries raw bytes; a codec only gives those bytes a shape.
package codec

import (
	"fmt"
	"sort"
	"strings"
)

// Codec marshals typed messages. Implementations are deterministic so two
// peers encoding the same value produce the same bytes.
type Codec interface {
	// Name is the short format name used in configuration, e.g. "json".
	Name() string
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Registry maps format names and content types to codecs.
type Registry struct {
	byName map[string]Codec
	byType map[string]Codec
}

// NewRegistry returns a registry holding every built-in codec.
func NewRegistry() (*Registry, error) {
	r := &Registry{byName: make(map[string]Codec), byType: make(map[string]Codec)}
	r.Register(Text())
	r.Register(JSON())
	r.Register(Proto())
	cb, err := CBOR()
	if err != nil {
		return nil, fmt.Errorf("cbor codec: %w", err)
	}
	r.Register(cb)
	return r, nil
}

// Register adds or replaces a codec.
func (r *Registry) Register(c Codec) {
	r.byName[c.Name()] = c
	r.byType[c.ContentType()] = c
}

// Get returns a codec by content type, or nil.
func (r *Registry) Get(contentType string) Codec { return r.byType[contentType] }

// Lookup returns the codec for a format name, case-insensitively, or for a
// content type such as "application/cbor".
func (r *Registry) Lookup(name string) (Codec, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if c, ok := r.byName[key]; ok {
		return c, nil
	}
	if c := r.Get(key); c != nil {
		return c, nil
	}
	return nil, fmt.Errorf("unknown message format %q (have %s)", name, strings.Join(r.Names(), ", "))
}

// Names lists registered format names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.byName))
	for n := range r.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
