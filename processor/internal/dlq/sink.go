package dlq

import (
	"context"

	"github.com/cvanalytics/pipeline/common/logging"
	"github.com/cvanalytics/pipeline/processor/internal/metrics"
	"github.com/cvanalytics/pipeline/processor/internal/queue"
)

// FromMessage builds the entry recorded for a queue message.
func FromMessage(msg queue.Message, reason string, cause error) Entry {
	e := Entry{
		Queue:        msg.Queue,
		MessageID:    msg.ID,
		Body:         msg.Body,
		GroupKey:     msg.GroupKey,
		ReceiveCount: msg.ReceiveCount,
		Reason:       reason,
	}
	if cause != nil {
		e.Error = cause.Error()
	}
	return e
}

// Sink adapts a Store to the queue's dead-letter hook.
func Sink(store Store, logger *logging.Logger) queue.DeadLetterFunc {
	if logger == nil {
		logger = logging.Discard()
	}
	return func(ctx context.Context, msg queue.Message, reason string) error {
		if err := store.Put(ctx, FromMessage(msg, reason, nil)); err != nil {
			return err
		}
		metrics.DeadLettered.WithLabelValues(msg.Queue, reason).Inc()
		logger.WarnContext(ctx, "message dead-lettered",
			logging.Queue(msg.Queue),
			logging.MessageID(msg.ID),
			logging.ReceiveCount(msg.ReceiveCount),
			logging.Reason(reason))
		return nil
	}
}
