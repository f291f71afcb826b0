// Package models holds the records that flow between pipeline stages.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event is an immutable record of an external occurrence. Once persisted,
// CorrelationID, ReceivedAt and SequenceHint are never mutated.
type Event struct {
	Key             string          `json:"key"`
	Partition       string          `json:"partition"`
	CorrelationID   string          `json:"correlation_id"`
	Source          string          `json:"source"`
	EventType       string          `json:"event_type,omitempty"`
	DeliveryID      string          `json:"delivery_id,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	ReceivedAt      time.Time       `json:"received_at"`
	SourceSignature string          `json:"source_signature"`
	SequenceHint    int64           `json:"sequence_hint"`
}

// EventKey builds the storage key partition/correlationId/receivedAt-seq.
// receivedAt is rendered as zero padded unix nanoseconds so keys of one
// correlation id sort lexically in arrival order.
func EventKey(partition, correlationID string, receivedAt time.Time, seq int64) string {
	return fmt.Sprintf("%s/%s/%020d-%d", partition, correlationID, receivedAt.UTC().UnixNano(), seq)
}

// PartitionOf returns the partition segment of an event key.
func PartitionOf(key string) string {
	if i := strings.IndexByte(key, '/'); i >= 0 {
		return key[:i]
	}
	return key
}

// ChangeType describes what happened to a stored record.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// Valid reports whether t is a known change type.
func (t ChangeType) Valid() bool {
	switch t {
	case ChangeAdded, ChangeModified, ChangeRemoved:
		return true
	}
	return false
}

// ChangeNotification is an ordered signal that an Event was written.
// Position is strictly increasing within a partition.
type ChangeNotification struct {
	EventKey   string     `json:"event_key"`
	Partition  string     `json:"partition"`
	ChangeType ChangeType `json:"change_type"`
	Position   int64      `json:"position"`
	CapturedAt time.Time  `json:"captured_at"`
	Event      *Event     `json:"event,omitempty"`
}
