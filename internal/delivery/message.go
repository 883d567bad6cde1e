package delivery

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrMalformedFrame = errors.New("malformed delivery frame")

// Message is one delivery of an envelope on one channel. ID is assigned when the
// broker sends the copy and survives redelivery and DLQ replay. ReceiptHandle
// changes on every receive and is the only way to ack or nack.
type Message struct {
	ID            string            `json:"messageId"`
	Body          []byte            `json:"body"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	ReceiveCount  int               `json:"receiveCount"`
	SentAt        time.Time         `json:"sentAt"`
	ReceiptHandle string            `json:"-"`
}

// Clone returns a copy that shares nothing with m.
func (m Message) Clone() Message {
	out := m
	out.Body = append([]byte(nil), m.Body...)
	if m.Attributes != nil {
		out.Attributes = make(map[string]string, len(m.Attributes))
		for k, v := range m.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

// frame is the transport body unless raw delivery is enabled. Bodies that are
// not valid JSON travel base64 encoded in BodyB64.
type frame struct {
	MessageID  string            `json:"messageId"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Body       json.RawMessage   `json:"body,omitempty"`
	BodyB64    []byte            `json:"bodyB64,omitempty"`
}

// Encode renders the transport body for m. With raw set only the envelope bytes
// are sent and the id and attributes are left to the transport.
func Encode(m Message, raw bool) ([]byte, error) {
	if raw {
		return m.Body, nil
	}
	f := frame{MessageID: m.ID, Attributes: m.Attributes}
	if json.Valid(m.Body) {
		f.Body = m.Body
	} else {
		f.BodyB64 = m.Body
	}
	return json.Marshal(f)
}

// Decode parses a transport body. Anything that is not a frame is treated as a
// raw envelope and gets fallbackID as its id.
func Decode(data []byte, fallbackID string) (Message, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err == nil && f.MessageID != "" {
		m := Message{ID: f.MessageID, Attributes: f.Attributes}
		switch {
		case len(f.Body) > 0:
			m.Body = []byte(f.Body)
		case len(f.BodyB64) > 0:
			m.Body = f.BodyB64
		default:
			return Message{}, fmt.Errorf("%w: %s has no body", ErrMalformedFrame, f.MessageID)
		}
		return m, nil
	}
	if fallbackID == "" {
		return Message{}, fmt.Errorf("%w: raw body without transport id", ErrMalformedFrame)
	}
	return Message{ID: fallbackID, Body: data}, nil
}
