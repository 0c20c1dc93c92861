package codec

import (
	"encoding"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrInvalidUTF8 is returned when text bytes do not decode as UTF-8.
var ErrInvalidUTF8 = errors.New("text: invalid utf-8")

type textCodec struct{}

// Text returns the plain UTF-8 codec. It handles strings, byte slices and
// encoding.TextMarshaler / TextUnmarshaler values.
func Text() Codec { return textCodec{} }

func (textCodec) Name() string        { return "text" }
func (textCodec) ContentType() string { return "text/plain; charset=utf-8" }

func (textCodec) Marshal(v any) ([]byte, error) {
	var b []byte
	switch x := v.(type) {
	case string:
		b = []byte(x)
	case []byte:
		b = append([]byte(nil), x...)
	case encoding.TextMarshaler:
		var err error
		if b, err = x.MarshalText(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("text: cannot marshal %T", v)
	}
	if !utf8.Valid(b) {
		return nil, ErrInvalidUTF8
	}
	return b, nil
}

func (textCodec) Unmarshal(data []byte, v any) error {
	if !utf8.Valid(data) {
		return ErrInvalidUTF8
	}
	switch x := v.(type) {
	case *string:
		*x = string(data)
	case *[]byte:
		*x = append((*x)[:0], data...)
	case encoding.TextUnmarshaler:
		return x.UnmarshalText(data)
	default:
		return fmt.Errorf("text: cannot unmarshal into %T", v)
	}
	return nil
}
