package logging

import (
	"log/slog"
	"time"
)

// Common field names for consistent logging across the pipeline services.
const (
	FieldService       = "service"
	FieldRequestID     = "request_id"
	FieldSource        = "source"
	FieldIP            = "ip"
	FieldMethod        = "method"
	FieldPath          = "path"
	FieldStatus        = "status"
	FieldDuration      = "duration_ms"
	FieldError         = "error"
	FieldEventKey      = "event_key"
	FieldCorrelationID = "correlation_id"
	FieldPartition     = "partition"
	FieldPosition      = "position"
	FieldQueue         = "queue"
	FieldMessageID     = "message_id"
	FieldReceiveCount  = "receive_count"
	FieldAggregateKey  = "aggregate_key"
	FieldReason        = "reason"
	FieldRule          = "rule"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// Source returns a slog attribute for the webhook source identifier.
func Source(name string) slog.Attr {
	return slog.String(FieldSource, name)
}

// IP returns a slog attribute for the IP address.
func IP(ip string) slog.Attr {
	return slog.String(FieldIP, ip)
}

// Method returns a slog attribute for the HTTP method.
func Method(method string) slog.Attr {
	return slog.String(FieldMethod, method)
}

// Path returns a slog attribute for the HTTP path.
func Path(path string) slog.Attr {
	return slog.String(FieldPath, path)
}

// Status returns a slog attribute for the HTTP status code.
func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Duration returns a slog attribute for a duration in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}

// EventKey returns a slog attribute for a persisted event key.
func EventKey(key string) slog.Attr {
	return slog.String(FieldEventKey, key)
}

// CorrelationID returns a slog attribute for a workflow correlation key.
func CorrelationID(id string) slog.Attr {
	return slog.String(FieldCorrelationID, id)
}

// Partition returns a slog attribute for a change feed partition.
func Partition(p string) slog.Attr {
	return slog.String(FieldPartition, p)
}

// Position returns a slog attribute for a change feed position.
func Position(pos int64) slog.Attr {
	return slog.Int64(FieldPosition, pos)
}

// Queue returns a slog attribute for a queue name.
func Queue(name string) slog.Attr {
	return slog.String(FieldQueue, name)
}

// MessageID returns a slog attribute for a queue message id.
func MessageID(id string) slog.Attr {
	return slog.String(FieldMessageID, id)
}

// ReceiveCount returns a slog attribute for a message receive count.
func ReceiveCount(n int) slog.Attr {
	return slog.Int(FieldReceiveCount, n)
}

// AggregateKey returns a slog attribute for an aggregate record key.
func AggregateKey(key string) slog.Attr {
	return slog.String(FieldAggregateKey, key)
}

// Reason returns a slog attribute for a short machine-readable reason.
func Reason(reason string) slog.Attr {
	return slog.String(FieldReason, reason)
}

// Rule returns a slog attribute for a routing rule name.
func Rule(name string) slog.Attr {
	return slog.String(FieldRule, name)
}
