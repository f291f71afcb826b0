package queue

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/cvanalytics/pipeline/common/logging"
	"github.com/cvanalytics/pipeline/common/messaging"
	natsclient "github.com/cvanalytics/pipeline/common/messaging/nats"
)

// JetStreamQueue implements Queue on a JetStream work-queue stream with one
// durable pull consumer per queue. AckWait is the visibility timeout and the
// server's redelivery count is the receive count.
//
// The consumer's MaxDeliver is one above MaxReceiveCount so the exhausted
// delivery reaches this process, which publishes it to the dead-letter sink
// and terminates it.
//
// Messages with a group key are hashed onto one of GroupPartitions subjects,
// each drained by its own consumer with MaxAckPending=1. A group is therefore
// delivered in order with at most one message in flight, across every process
// that shares the queue. Groups that hash to the same partition also wait on
// each other. Changing the partition count moves groups between partitions,
// so drain grouped traffic before resizing.
type JetStreamQueue struct {
	name       string
	opts       Options
	js         *natsclient.JetStreamClient
	consumer   jetstream.Consumer
	partitions []jetstream.Consumer
	logger     *logging.Logger

	mu      sync.Mutex
	pending map[string]jetstream.Msg
}

// DefaultGroupPartitions is used when JetStreamOptions.GroupPartitions is 0.
const DefaultGroupPartitions = 8

// JetStreamOptions are settings specific to JetStreamQueue.
type JetStreamOptions struct {
	// GroupPartitions is the number of single-flight consumers for grouped
	// messages.
	GroupPartitions int
	// MaxAckPending caps in-flight ungrouped messages.
	MaxAckPending int
	Logger        *logging.Logger
}

// groupSubject is the work subject of one group partition.
func groupSubject(queue string, partition int) string {
	return messaging.QueueSubject(queue) + ".g" + strconv.Itoa(partition)
}

// partitionFor maps a group key onto [0, n).
func partitionFor(group string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(group))
	return int(h.Sum32() % uint32(n))
}

// NewJetStreamQueue ensures the queue stream and durable consumer exist.
func NewJetStreamQueue(ctx context.Context, js *natsclient.JetStreamClient, name string, opts Options, jsOpts JetStreamOptions) (*JetStreamQueue, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream client is nil")
	}
	opts = opts.withDefaults()
	logger := jsOpts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	if _, err := js.CreateOrUpdateStream(ctx, natsclient.QueueStream); err != nil {
		return nil, err
	}

	durable := "processor-" + messaging.Token(name)
	cc := natsclient.DefaultConsumerConfig(durable, messaging.QueueSubject(name))
	cc.AckWait = opts.VisibilityTimeout
	cc.MaxDeliver = opts.MaxReceiveCount + 1
	if jsOpts.MaxAckPending > 0 {
		cc.MaxAckPending = jsOpts.MaxAckPending
	}
	consumer, err := js.CreateOrUpdateConsumer(ctx, natsclient.QueueStream.Name, cc)
	if err != nil {
		return nil, err
	}

	n := jsOpts.GroupPartitions
	if n <= 0 {
		n = DefaultGroupPartitions
	}
	partitions := make([]jetstream.Consumer, n)
	for i := range partitions {
		pc := natsclient.DefaultConsumerConfig(durable+"-g"+strconv.Itoa(i), groupSubject(name, i))
		pc.AckWait = opts.VisibilityTimeout
		pc.MaxDeliver = opts.MaxReceiveCount + 1
		pc.MaxAckPending = 1
		partitions[i], err = js.CreateOrUpdateConsumer(ctx, natsclient.QueueStream.Name, pc)
		if err != nil {
			return nil, err
		}
	}

	return &JetStreamQueue{
		name:       name,
		opts:       opts,
		js:         js,
		consumer:   consumer,
		partitions: partitions,
		logger:     logger,
		pending:    make(map[string]jetstream.Msg),
	}, nil
}

func (q *JetStreamQueue) consumers() []jetstream.Consumer {
	return append([]jetstream.Consumer{q.consumer}, q.partitions...)
}

func (q *JetStreamQueue) Name() string { return q.name }

// Enqueue publishes the body. DedupID becomes the Nats-Msg-Id so the stream
// drops repeats inside its Duplicates window. The returned id is the stream
// sequence, which a duplicate shares with the original. A grouped message
// goes to its group's partition subject.
func (q *JetStreamQueue) Enqueue(ctx context.Context, body []byte, opts EnqueueOptions) (string, error) {
	headers := map[string]string{}
	if opts.GroupKey != "" {
		headers[messaging.HeaderGroupKey] = opts.GroupKey
	}
	if opts.DedupID != "" {
		headers[messaging.HeaderDedupID] = opts.DedupID
	}

	subject := messaging.QueueSubject(q.name)
	if opts.GroupKey != "" {
		subject = groupSubject(q.name, partitionFor(opts.GroupKey, len(q.partitions)))
	}
	ack, err := q.js.PublishWithID(ctx, subject, opts.DedupID, body, headers)
	if err != nil {
		return "", fmt.Errorf("enqueue to %s: %w", q.name, err)
	}
	return strconv.FormatUint(ack.Sequence, 10), nil
}

// ReceiveBatch polls the ungrouped consumer and every group partition until
// at least one message arrives or wait runs out.
func (q *JetStreamQueue) ReceiveBatch(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	max = clampBatch(max, q.opts.MaxBatch)
	deadline := time.Now().Add(wait)
	for {
		var out []Message
		for _, c := range q.consumers() {
			if len(out) >= max {
				break
			}
			msgs, err := q.fetch(ctx, c, max-len(out))
			out = append(out, msgs...)
			if err != nil {
				return out, err
			}
		}
		left := time.Until(deadline)
		if len(out) > 0 || left <= 0 {
			return out, nil
		}
		t := time.NewTimer(min(pollInterval, left))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func (q *JetStreamQueue) fetch(ctx context.Context, c jetstream.Consumer, max int) ([]Message, error) {
	batch, err := c.FetchNoWait(max)
	if err != nil {
		return nil, fmt.Errorf("fetch from %s: %w", q.name, err)
	}

	now := time.Now()
	var out []Message
	for raw := range batch.Messages() {
		md, err := raw.Metadata()
		if err != nil {
			q.logger.ErrorContext(ctx, "message without metadata", logging.Queue(q.name), logging.Error(err))
			_ = raw.Nak()
			continue
		}

		msg := Message{
			ID:           strconv.FormatUint(md.Sequence.Stream, 10),
			Queue:        q.name,
			Body:         raw.Data(),
			ReceiveCount: int(md.NumDelivered),
			VisibleAfter: now.Add(q.opts.VisibilityTimeout),
			EnqueuedAt:   md.Timestamp,
			State:        StateInFlight,
		}
		if h := raw.Headers(); h != nil {
			msg.GroupKey = h.Get(messaging.HeaderGroupKey)
			msg.DedupID = h.Get(messaging.HeaderDedupID)
		}

		if msg.ReceiveCount > q.opts.MaxReceiveCount {
			// An earlier delivery that timed out may still be tracked.
			q.take(msg.ID)
			q.deadLetter(ctx, raw, msg)
			continue
		}

		q.mu.Lock()
		q.pending[msg.ID] = raw
		q.mu.Unlock()
		out = append(out, msg)
	}
	if err := batch.Error(); err != nil && !emptyFetch(err) {
		return out, fmt.Errorf("fetch from %s: %w", q.name, err)
	}
	return out, nil
}

// emptyFetch reports whether a fetch error only means nothing was available,
// including a partition whose single in-flight slot is taken.
func emptyFetch(err error) bool {
	return errors.Is(err, jetstream.ErrNoMessages) ||
		errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(strings.ToLower(err.Error()), "maxackpending")
}

// deadLetter hands an exhausted delivery to the sink and terminates it. If the
// sink fails the message is left unacknowledged so the server redelivers it
// and the move is retried.
func (q *JetStreamQueue) deadLetter(ctx context.Context, raw jetstream.Msg, msg Message) {
	msg.ReceiveCount = q.opts.MaxReceiveCount
	msg.State = StateDeadLettered
	if q.opts.DeadLetter != nil {
		if err := q.opts.DeadLetter(ctx, msg, "max_receives_exceeded"); err != nil {
			q.logger.ErrorContext(ctx, "failed to dead-letter message",
				logging.Queue(q.name), logging.MessageID(msg.ID), logging.Error(err))
			return
		}
	}
	if err := raw.Term(); err != nil {
		q.logger.WarnContext(ctx, "failed to terminate dead-lettered message",
			logging.Queue(q.name), logging.MessageID(msg.ID), logging.Error(err))
	}
}

func (q *JetStreamQueue) take(id string) (jetstream.Msg, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	raw, ok := q.pending[id]
	if ok {
		delete(q.pending, id)
	}
	return raw, ok
}

func (q *JetStreamQueue) Delete(ctx context.Context, id string) error {
	raw, ok := q.take(id)
	if !ok {
		return ErrNotFound
	}
	if err := raw.DoubleAck(ctx); err != nil {
		return fmt.Errorf("ack %s/%s: %w", q.name, id, err)
	}
	return nil
}

// ChangeVisibility extends the hide time by one AckWait when d is at least
// the visibility timeout. A shorter d releases the message for redelivery
// after d, after which this process no longer owns it.
func (q *JetStreamQueue) ChangeVisibility(_ context.Context, id string, d time.Duration) error {
	q.mu.Lock()
	raw, ok := q.pending[id]
	q.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	if d >= q.opts.VisibilityTimeout {
		return raw.InProgress()
	}
	q.take(id)
	if d <= 0 {
		return raw.Nak()
	}
	return raw.NakWithDelay(d)
}

func (q *JetStreamQueue) Depth(ctx context.Context) (int, error) {
	total := 0
	for _, c := range q.consumers() {
		info, err := c.Info(ctx)
		if err != nil {
			return 0, fmt.Errorf("consumer info for %s: %w", q.name, err)
		}
		total += int(info.NumPending) + info.NumAckPending
	}
	return total, nil
}
