package delivery

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestNewDeadLetter(t *testing.T) {
	tests := []struct {
		name     string
		msg      Message
		consumer string
		attempt  int
		lastErr  string
		reason   string
	}{
		{
			name: "complete dead letter creation",
			msg: Message{
				ID:           "msg-123",
				Body:         []byte(`{"eventType":"subscription.created"}`),
				Attributes:   map[string]string{"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"},
				ReceiveCount: 3,
			},
			consumer: "invoices",
			attempt:  4,
			lastErr:  "connection timeout",
			reason:   "max receive count exceeded",
		},
		{
			name:     "minimal dead letter creation",
			msg:      Message{ID: "msg-minimal"},
			consumer: "notifications",
			attempt:  1,
		},
		{
			name:     "zero attempt count",
			msg:      Message{ID: "msg-zero"},
			consumer: "entitlements",
			attempt:  0,
			lastErr:  "dlq'd for testing",
			reason:   "test case",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := time.Now()
			dl := NewDeadLetter(tt.msg, tt.consumer, tt.attempt, tt.lastErr, tt.reason)
			after := time.Now()

			if dl.Type != DLQType {
				t.Errorf("NewDeadLetter() Type = %q, want %q", dl.Type, DLQType)
			}
			if dl.Version != "v1" {
				t.Errorf("NewDeadLetter() Version = %q, want %q", dl.Version, "v1")
			}
			if dl.Reason != tt.reason {
				t.Errorf("NewDeadLetter() Reason = %q, want %q", dl.Reason, tt.reason)
			}
			if dl.Attempt != tt.attempt {
				t.Errorf("NewDeadLetter() Attempt = %d, want %d", dl.Attempt, tt.attempt)
			}
			if dl.Consumer != tt.consumer {
				t.Errorf("NewDeadLetter() Consumer = %q, want %q", dl.Consumer, tt.consumer)
			}
			if dl.LastError != tt.lastErr {
				t.Errorf("NewDeadLetter() LastError = %q, want %q", dl.LastError, tt.lastErr)
			}
			if dl.Message.ID != tt.msg.ID {
				t.Errorf("NewDeadLetter() Message.ID = %q, want %q", dl.Message.ID, tt.msg.ID)
			}

			parsedTime, err := time.Parse(time.RFC3339Nano, dl.At)
			if err != nil {
				t.Errorf("NewDeadLetter() At timestamp parse error: %v", err)
			}
			if parsedTime.Before(before) || parsedTime.After(after) {
				t.Errorf("NewDeadLetter() At timestamp %v not between %v and %v", parsedTime, before, after)
			}
		})
	}
}

func TestDeadLetterJSONSerialization(t *testing.T) {
	dl := DeadLetter{
		Type:      DLQType,
		Version:   "v1",
		At:        "2026-01-01T12:00:00.123456789Z",
		Reason:    "max receive count exceeded",
		Attempt:   5,
		Consumer:  "invoices",
		LastError: "deadlock detected",
		Message: Message{
			ID:            "msg-123",
			Body:          []byte(`{"amount":9900}`),
			Attributes:    map[string]string{"tenantId": "t-1"},
			ReceiveCount:  5,
			ReceiptHandle: "rh-1",
		},
	}

	jsonData, err := json.Marshal(dl)
	if err != nil {
		t.Fatalf("DeadLetter JSON marshal error: %v", err)
	}

	var unmarshaled DeadLetter
	if err := json.Unmarshal(jsonData, &unmarshaled); err != nil {
		t.Fatalf("DeadLetter JSON unmarshal error: %v", err)
	}

	if unmarshaled.Consumer != dl.Consumer || unmarshaled.Attempt != dl.Attempt {
		t.Errorf("JSON round-trip mismatch: got %+v", unmarshaled)
	}
	if string(unmarshaled.Message.Body) != string(dl.Message.Body) {
		t.Errorf("JSON round-trip Body = %s, want %s", unmarshaled.Message.Body, dl.Message.Body)
	}
	if unmarshaled.Message.Attributes["tenantId"] != "t-1" {
		t.Errorf("JSON round-trip Attributes = %v", unmarshaled.Message.Attributes)
	}
	if unmarshaled.Message.ReceiptHandle != "" {
		t.Error("receipt handles must not be persisted in the DLQ record")
	}
}

func TestDeadLetter_Expired(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	retention := 14 * 24 * time.Hour

	tests := []struct {
		name string
		at   string
		want bool
	}{
		{name: "fresh", at: now.Add(-time.Hour).Format(time.RFC3339Nano), want: false},
		{name: "exactly at window", at: now.Add(-retention).Format(time.RFC3339Nano), want: false},
		{name: "past window", at: now.Add(-retention - time.Second).Format(time.RFC3339Nano), want: true},
		{name: "unparseable keeps record", at: "yesterday", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := (DeadLetter{At: tt.at}).Expired(now, retention); got != tt.want {
				t.Errorf("Expired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	envelope := []byte(`{"eventType":"subscription.created","amount":9900}`)

	tests := []struct {
		name       string
		msg        Message
		raw        bool
		fallbackID string
		wantID     string
		wantBody   string
		wantAttrs  bool
	}{
		{
			name:       "framed message keeps its id over the transport id",
			msg:        Message{ID: "logical-1", Body: envelope, Attributes: map[string]string{"traceparent": "tp"}},
			fallbackID: "nsq-abc",
			wantID:     "logical-1",
			wantBody:   string(envelope),
			wantAttrs:  true,
		},
		{
			name:       "raw delivery uses the transport id",
			msg:        Message{ID: "logical-1", Body: envelope},
			raw:        true,
			fallbackID: "nsq-abc",
			wantID:     "nsq-abc",
			wantBody:   string(envelope),
		},
		{
			name:       "non json body survives framing",
			msg:        Message{ID: "poison", Body: []byte("\x00not json")},
			fallbackID: "nsq-xyz",
			wantID:     "poison",
			wantBody:   "\x00not json",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.msg, tt.raw)
			if err != nil {
				t.Fatalf("Encode() error: %v", err)
			}
			got, err := Decode(data, tt.fallbackID)
			if err != nil {
				t.Fatalf("Decode() error: %v", err)
			}
			if got.ID != tt.wantID {
				t.Errorf("Decode() ID = %q, want %q", got.ID, tt.wantID)
			}
			if string(got.Body) != tt.wantBody {
				t.Errorf("Decode() Body = %q, want %q", got.Body, tt.wantBody)
			}
			if tt.wantAttrs && got.Attributes["traceparent"] != "tp" {
				t.Errorf("Decode() Attributes = %v", got.Attributes)
			}
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	if _, err := Decode([]byte(`{"messageId":"m-1"}`), "nsq-1"); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("frame without body error = %v, want ErrMalformedFrame", err)
	}
	if _, err := Decode([]byte(`{"eventType":"x"}`), ""); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("raw body without id error = %v, want ErrMalformedFrame", err)
	}
}

func TestMessage_Clone(t *testing.T) {
	orig := Message{ID: "m", Body: []byte("abc"), Attributes: map[string]string{"k": "v"}}
	c := orig.Clone()
	c.Body[0] = 'x'
	c.Attributes["k"] = "changed"

	if string(orig.Body) != "abc" || orig.Attributes["k"] != "v" {
		t.Errorf("Clone() shares state with original: %+v", orig)
	}
}

func TestDLQTypeConstant(t *testing.T) {
	expected := "delivery.dlq"
	if DLQType != expected {
		t.Errorf("DLQType constant = %q, want %q", DLQType, expected)
	}
}
