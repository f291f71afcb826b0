package processor

import (
	"context"
	"errors"
	"time"

	"github.com/cvanalytics/pipeline/common/logging"
	"github.com/cvanalytics/pipeline/processor/internal/queue"
)

// Worker polls one queue and feeds batches to a Processor.
type Worker struct {
	proc      *Processor
	batchSize int
	wait      time.Duration
	errDelay  time.Duration
	logger    *logging.Logger
}

func NewWorker(proc *Processor, batchSize int, wait time.Duration) *Worker {
	if batchSize <= 0 {
		batchSize = queue.DefaultMaxBatch
	}
	if wait <= 0 {
		wait = time.Second
	}
	return &Worker{
		proc:      proc,
		batchSize: batchSize,
		wait:      wait,
		errDelay:  time.Second,
		logger:    proc.logger,
	}
}

// Run loops until ctx is done or the queue is closed.
func (w *Worker) Run(ctx context.Context) error {
	q := w.proc.queue
	w.logger.InfoContext(ctx, "worker started", logging.Queue(q.Name()))
	defer w.logger.InfoContext(ctx, "worker stopped", logging.Queue(q.Name()))

	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := q.ReceiveBatch(ctx, w.batchSize, w.wait)
		switch {
		case ctx.Err() != nil, errors.Is(err, queue.ErrClosed):
			return nil
		case err != nil:
			w.logger.ErrorContext(ctx, "receive batch", logging.Queue(q.Name()), logging.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.errDelay):
			}
			continue
		case len(msgs) == 0:
			continue
		}
		w.proc.ProcessBatch(ctx, msgs)
	}
}
