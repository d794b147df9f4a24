package pushchannel

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/axm06051/AmppControlSdk-0.9.32/errors"
)

// recordSeparator terminates every hub protocol record on the wire.
const recordSeparator byte = 0x1e

// Hub protocol message types
const (
	messageInvocation = 1
	messageCompletion = 3
	messagePing       = 6
	messageClose      = 7
)

// Hub method names
const (
	targetPing        = "Ping"
	targetPong        = "Pong"
	targetSubscribe   = "Subscribe"
	targetUnsubscribe = "Unsubscribe"
	targetPublish     = "PublishNotification"
	targetReceive     = "ReceiveNotification"
)

// handshakeRequest opens the JSON hub protocol session.
type handshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

type handshakeResponse struct {
	Error string `json:"error,omitempty"`
}

// hubMessage is the superset of all hub protocol records the channel sends
// or receives. Unused fields stay empty and are omitted on the wire.
type hubMessage struct {
	Type           int               `json:"type"`
	InvocationID   string            `json:"invocationId,omitempty"`
	Target         string            `json:"target,omitempty"`
	Arguments      []json.RawMessage `json:"arguments,omitempty"`
	Result         json.RawMessage   `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
	AllowReconnect bool              `json:"allowReconnect,omitempty"`
}

// subscriptionRequest is the single argument of Subscribe and Unsubscribe.
type subscriptionRequest struct {
	Subscriptions []string            `json:"subscriptions"`
	Context       notificationContext `json:"context"`
}

// publishRequest is the single argument of PublishNotification. Content is
// a JSON-encoded string, not an embedded object.
type publishRequest struct {
	ID      string              `json:"id"`
	Time    string              `json:"time"`
	Topic   string              `json:"topic"`
	Source  string              `json:"source"`
	TTL     int                 `json:"ttl"`
	Content string              `json:"content"`
	Context notificationContext `json:"context"`
}

type notificationContext struct {
	CorrelationID string `json:"correlationId"`
}

// encodeRecord appends the record separator to a marshalled hub record.
func encodeRecord(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Channel", "encodeRecord", "marshal hub record")
	}
	return append(payload, recordSeparator), nil
}

// splitRecords separates a websocket message into its hub protocol records.
// A trailing partial record is a protocol violation.
func splitRecords(data []byte) ([][]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if data[len(data)-1] != recordSeparator {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: unterminated record", errors.ErrHandshake),
			"Channel", "splitRecords", "frame hub records")
	}
	parts := bytes.Split(data[:len(data)-1], []byte{recordSeparator})
	records := make([][]byte, 0, len(parts))
	for _, part := range parts {
		if len(part) > 0 {
			records = append(records, part)
		}
	}
	return records, nil
}
