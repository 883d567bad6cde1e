package delivery

import "time"

const DLQType = "delivery.dlq"

// DeadLetter is what a channel writes to its DLQ when a message runs out of
// receives. The replayed message is rebuilt from Message.
type DeadLetter struct {
	Type      string  `json:"type"`     // "delivery.dlq"
	Version   string  `json:"version"`  // schema version
	At        string  `json:"at"`       // RFC3339 time the DLQ was emitted
	Reason    string  `json:"reason"`   // human/debug text
	Attempt   int     `json:"attempt"`  // receive count when DLQ'd
	Consumer  string  `json:"consumer"` // channel that gave up on it
	LastError string  `json:"last_error,omitempty"`
	Message   Message `json:"message"`
}

func NewDeadLetter(m Message, consumer string, attempt int, lastErr, reason string) DeadLetter {
	return DeadLetter{
		Type:      DLQType,
		Version:   "v1",
		At:        time.Now().Format(time.RFC3339Nano),
		Reason:    reason,
		Attempt:   attempt,
		Consumer:  consumer,
		LastError: lastErr,
		Message:   m,
	}
}

// Expired reports whether the record is past the retention window.
func (d DeadLetter) Expired(now time.Time, retention time.Duration) bool {
	at, err := time.Parse(time.RFC3339Nano, d.At)
	if err != nil {
		return false
	}
	return now.Sub(at) > retention
}
