package remote

import (
	"fmt"
	"time"

	"lanlink/pkg/codec"
)

// Message is one chat line exchanged between peers.
type Message struct {
	From   string    `json:"from" cbor:"1,keyasint"`
	Text   string    `json:"text" cbor:"2,keyasint"`
	SentAt time.Time `json:"sent_at" cbor:"3,keyasint"`
}

// encode renders m in the codec's format. The text format carries only the
// text, as a plain UTF-8 string.
func encode(c codec.Codec, m Message) ([]byte, error) {
	switch c.Name() {
	case "text":
		return c.Marshal(m.Text)
	case "proto":
		return c.Marshal(toMap(m))
	default:
		return c.Marshal(m)
	}
}

func decode(c codec.Codec, data []byte) (Message, error) {
	var m Message
	switch c.Name() {
	case "text":
		err := c.Unmarshal(data, &m.Text)
		return m, err
	case "proto":
		var fields map[string]any
		if err := c.Unmarshal(data, &fields); err != nil {
			return m, err
		}
		return fromMap(fields)
	default:
		err := c.Unmarshal(data, &m)
		return m, err
	}
}

// toMap is the proto shape of m, carried as a google.protobuf.Struct.
func toMap(m Message) map[string]any {
	return map[string]any{
		"from":    m.From,
		"text":    m.Text,
		"sent_at": m.SentAt.UTC().Format(time.RFC3339Nano),
	}
}

func fromMap(f map[string]any) (Message, error) {
	str := func(k string) string {
		s, _ := f[k].(string)
		return s
	}
	m := Message{From: str("from"), Text: str("text")}
	if ts := str("sent_at"); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return m, fmt.Errorf("sent_at: %w", err)
		}
		m.SentAt = t
	}
	return m, nil
}
