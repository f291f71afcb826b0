package correlation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cvanalytics/pipeline/common/logging"
)

// DefaultAsyncBuffer is the number of pending appends an AsyncAppender holds.
const DefaultAsyncBuffer = 1024

type appendReq struct {
	correlationID string
	ref           RecordRef
}

// AsyncAppender updates an Index off the caller's path. When the buffer is
// full the append is dropped and logged; Rebuild fills the gap later.
type AsyncAppender struct {
	index   Index
	logger  *logging.Logger
	reqs    chan appendReq
	timeout time.Duration

	dropped atomic.Int64
	failed  atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

func NewAsyncAppender(index Index, buffer int, logger *logging.Logger) *AsyncAppender {
	if buffer <= 0 {
		buffer = DefaultAsyncBuffer
	}
	if logger == nil {
		logger = logging.Discard()
	}
	a := &AsyncAppender{
		index:   index,
		logger:  logger,
		reqs:    make(chan appendReq, buffer),
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
	go a.loop()
	return a
}

// Append queues ref and returns immediately. It reports false when the ref
// was dropped.
func (a *AsyncAppender) Append(correlationID string, ref RecordRef) bool {
	select {
	case a.reqs <- appendReq{correlationID: correlationID, ref: ref}:
		return true
	default:
		a.dropped.Add(1)
		a.logger.Warn("correlation index buffer full, dropping append",
			logging.CorrelationID(correlationID),
			logging.EventKey(ref.Key))
		return false
	}
}

func (a *AsyncAppender) loop() {
	defer close(a.done)
	for req := range a.reqs {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.index.Append(ctx, req.correlationID, req.ref); err != nil {
			a.failed.Add(1)
			a.logger.Error("correlation index append failed",
				logging.CorrelationID(req.correlationID),
				logging.EventKey(req.ref.Key),
				logging.Error(err))
		}
		cancel()
	}
}

// Dropped counts appends lost to a full buffer.
func (a *AsyncAppender) Dropped() int64 { return a.dropped.Load() }

// Failed counts appends the index rejected.
func (a *AsyncAppender) Failed() int64 { return a.failed.Load() }

// Close stops accepting appends and waits for queued ones to drain or ctx to
// end. Append must not be called after Close.
func (a *AsyncAppender) Close(ctx context.Context) error {
	a.closeOnce.Do(func() { close(a.reqs) })
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
