package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cvanalytics/pipeline/common/logging"
)

// pollInterval bounds how long a waiting receive sleeps before rechecking
// visibility deadlines.
const pollInterval = 50 * time.Millisecond

type dedupEntry struct {
	id      string
	expires time.Time
}

// MemoryQueue implements Queue in process memory. The clock is injectable so
// visibility and dead-letter transitions can be driven without waiting.
type MemoryQueue struct {
	name   string
	opts   Options
	now    func() time.Time
	logger *logging.Logger

	mu       sync.Mutex
	messages map[string]*Message
	order    []string
	dedup    map[string]dedupEntry
	inFlight map[string]string // group key -> message id
	wake     chan struct{}
	closed   bool
}

// MemoryOption configures a MemoryQueue.
type MemoryOption func(*MemoryQueue)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(q *MemoryQueue) { q.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) MemoryOption {
	return func(q *MemoryQueue) { q.logger = l }
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue(name string, opts Options, mopts ...MemoryOption) *MemoryQueue {
	q := &MemoryQueue{
		name:     name,
		opts:     opts.withDefaults(),
		now:      time.Now,
		logger:   logging.Default(),
		messages: make(map[string]*Message),
		dedup:    make(map[string]dedupEntry),
		inFlight: make(map[string]string),
		wake:     make(chan struct{}),
	}
	for _, o := range mopts {
		o(q)
	}
	return q
}

func (q *MemoryQueue) Name() string { return q.name }

func (q *MemoryQueue) Enqueue(_ context.Context, body []byte, opts EnqueueOptions) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrClosed
	}
	now := q.now()

	if opts.DedupID != "" {
		if d, ok := q.dedup[opts.DedupID]; ok && now.Before(d.expires) {
			return d.id, nil
		}
	}

	msg := &Message{
		ID:           uuid.NewString(),
		Queue:        q.name,
		Body:         append([]byte(nil), body...),
		VisibleAfter: now,
		GroupKey:     opts.GroupKey,
		DedupID:      opts.DedupID,
		EnqueuedAt:   now,
		State:        StatePending,
	}
	q.messages[msg.ID] = msg
	q.order = append(q.order, msg.ID)
	if opts.DedupID != "" {
		q.dedup[opts.DedupID] = dedupEntry{id: msg.ID, expires: now.Add(q.opts.DedupWindow)}
		q.sweepDedupLocked(now)
	}
	q.signalLocked()
	return msg.ID, nil
}

func (q *MemoryQueue) ReceiveBatch(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	max = clampBatch(max, q.opts.MaxBatch)
	deadline := time.Now().Add(wait)

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		now := q.now()
		q.reclaimLocked(ctx, now)
		msgs := q.receiveLocked(now, max)
		wake := q.wake
		q.mu.Unlock()

		if len(msgs) > 0 || wait <= 0 {
			return msgs, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(min(remaining, pollInterval))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (q *MemoryQueue) Delete(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg, ok := q.messages[id]
	if !ok {
		return ErrNotFound
	}
	msg.State = StateDeleted
	q.removeLocked(msg)
	q.signalLocked()
	return nil
}

func (q *MemoryQueue) ChangeVisibility(_ context.Context, id string, d time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg, ok := q.messages[id]
	if !ok || msg.State != StateInFlight {
		return ErrNotFound
	}
	if d < 0 {
		d = 0
	}
	msg.VisibleAfter = q.now().Add(d)
	if d == 0 {
		q.signalLocked()
	}
	return nil
}

func (q *MemoryQueue) Depth(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reclaimLocked(ctx, q.now())
	return len(q.messages), nil
}

// Get returns a copy of a live message.
func (q *MemoryQueue) Get(id string) (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg, ok := q.messages[id]
	if !ok {
		return Message{}, false
	}
	return *msg, true
}

// Close wakes waiting receivers and rejects further calls.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.signalLocked()
	}
	return nil
}

// reclaimLocked moves expired in-flight messages back to pending, or to the
// dead-letter sink once they have used every receive.
func (q *MemoryQueue) reclaimLocked(ctx context.Context, now time.Time) {
	var dead []*Message
	defer func() {
		for _, msg := range dead {
			q.removeLocked(msg)
		}
	}()

	for _, id := range q.order {
		msg, ok := q.messages[id]
		if !ok || msg.State != StateInFlight || now.Before(msg.VisibleAfter) {
			continue
		}

		if msg.ReceiveCount < q.opts.MaxReceiveCount {
			msg.State = StatePending
			q.releaseGroupLocked(msg)
			continue
		}

		if err := q.deadLetterLocked(ctx, *msg); err != nil {
			// Stay in flight and try again after another timeout.
			msg.VisibleAfter = now.Add(q.opts.VisibilityTimeout)
			q.logger.ErrorContext(ctx, "failed to dead-letter message",
				logging.Queue(q.name), logging.MessageID(msg.ID), logging.Error(err))
			continue
		}
		msg.State = StateDeadLettered
		dead = append(dead, msg)
	}
}

func (q *MemoryQueue) deadLetterLocked(ctx context.Context, msg Message) error {
	msg.State = StateDeadLettered
	if q.opts.DeadLetter == nil {
		q.logger.ErrorContext(ctx, "message exhausted receives with no dead-letter sink configured",
			logging.Queue(q.name), logging.MessageID(msg.ID), logging.ReceiveCount(msg.ReceiveCount))
		return nil
	}
	return q.opts.DeadLetter(ctx, msg, "max_receives_exceeded")
}

// receiveLocked takes up to max visible messages in enqueue order. Within a
// group only the oldest message is eligible, and only while no other message
// of the group is in flight.
func (q *MemoryQueue) receiveLocked(now time.Time, max int) []Message {
	var out []Message
	blocked := make(map[string]bool)

	for _, id := range q.order {
		if len(out) == max {
			break
		}
		msg, ok := q.messages[id]
		if !ok {
			continue
		}
		group := msg.GroupKey
		if group != "" && blocked[group] {
			continue
		}
		if msg.State != StatePending || now.Before(msg.VisibleAfter) {
			if group != "" {
				blocked[group] = true
			}
			continue
		}
		if group != "" {
			if _, busy := q.inFlight[group]; busy {
				blocked[group] = true
				continue
			}
			q.inFlight[group] = msg.ID
			blocked[group] = true
		}

		msg.State = StateInFlight
		msg.ReceiveCount++
		msg.VisibleAfter = now.Add(q.opts.VisibilityTimeout)
		out = append(out, *msg)
	}
	return out
}

func (q *MemoryQueue) removeLocked(msg *Message) {
	q.releaseGroupLocked(msg)
	delete(q.messages, msg.ID)
	if len(q.order) > 2*len(q.messages)+16 {
		live := q.order[:0]
		for _, id := range q.order {
			if _, ok := q.messages[id]; ok {
				live = append(live, id)
			}
		}
		q.order = live
	}
}

func (q *MemoryQueue) releaseGroupLocked(msg *Message) {
	if msg.GroupKey != "" && q.inFlight[msg.GroupKey] == msg.ID {
		delete(q.inFlight, msg.GroupKey)
	}
}

func (q *MemoryQueue) sweepDedupLocked(now time.Time) {
	if len(q.dedup) < 1024 {
		return
	}
	for k, d := range q.dedup {
		if !now.Before(d.expires) {
			delete(q.dedup, k)
		}
	}
}

func (q *MemoryQueue) signalLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}
