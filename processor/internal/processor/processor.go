// Package processor applies queued change notifications to aggregate records.
//
// Each message in a batch is handled on its own: a failure never blocks the
// rest of the batch, and only successfully applied messages are deleted.
// Failed messages stay in the queue and return after the visibility timeout.
// A partially failed batch is not failed as a whole; because application is
// gated on the event key within each aggregate, a batch that is redelivered
// anyway re-applies nothing.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cvanalytics/pipeline/common/logging"
	"github.com/cvanalytics/pipeline/common/models"
	"github.com/cvanalytics/pipeline/common/retry"
	"github.com/cvanalytics/pipeline/processor/internal/aggregate"
	"github.com/cvanalytics/pipeline/processor/internal/correlation"
	"github.com/cvanalytics/pipeline/processor/internal/dlq"
	"github.com/cvanalytics/pipeline/processor/internal/metrics"
	"github.com/cvanalytics/pipeline/processor/internal/queue"
	"github.com/cvanalytics/pipeline/processor/internal/realtime"
)

const (
	// BudgetHeadroom is the time a batch gets on top of its full retry
	// schedule.
	BudgetHeadroom = 5 * time.Second
	// DefaultBudget is the wall-clock limit for one ProcessBatch call under
	// the default retry policy.
	DefaultBudget = 20 * time.Second
	// DefaultConcurrency bounds messages handled at once within a batch.
	DefaultConcurrency = 10
)

// BudgetFor returns a batch budget long enough for policy to run to
// exhaustion.
func BudgetFor(policy retry.Policy) time.Duration {
	return policy.TotalDelay() + BudgetHeadroom
}

// Message outcomes.
const (
	OutcomeApplied      = "applied"
	OutcomeDuplicate    = "duplicate"
	OutcomeSkipped      = "skipped"
	OutcomeRetry        = "retry"
	OutcomeDeadLettered = "dead_lettered"
)

// Aggregator applies a delta at most once per message id.
type Aggregator interface {
	Apply(ctx context.Context, key, messageID string, delta aggregate.Delta) (*aggregate.Result, error)
}

// Indexer records timeline entries without blocking.
type Indexer interface {
	Append(correlationID string, ref correlation.RecordRef) bool
}

// MessageResult is the outcome for one message.
type MessageResult struct {
	MessageID string
	EventKey  string
	Outcome   string
	Err       error
}

// BatchResult reports per-message outcomes of one ProcessBatch call.
type BatchResult struct {
	Results  []MessageResult
	TimedOut bool
}

// Succeeded counts applied, duplicate and skipped messages.
func (b BatchResult) Succeeded() int {
	n := 0
	for _, r := range b.Results {
		switch r.Outcome {
		case OutcomeApplied, OutcomeDuplicate, OutcomeSkipped:
			n++
		}
	}
	return n
}

// Failed counts messages left for redelivery.
func (b BatchResult) Failed() int {
	return b.count(OutcomeRetry)
}

// DeadLettered counts messages moved to the dead-letter store.
func (b BatchResult) DeadLettered() int {
	return b.count(OutcomeDeadLettered)
}

func (b BatchResult) count(outcome string) int {
	n := 0
	for _, r := range b.Results {
		if r.Outcome == outcome {
			n++
		}
	}
	return n
}

// Processor handles batches from one queue.
type Processor struct {
	queue       queue.Queue
	aggregator  Aggregator
	deadLetters dlq.Store
	index       Indexer
	notifier    realtime.Notifier
	policy      retry.Policy
	budget      time.Duration
	concurrency int
	scope       string
	logger      *logging.Logger

	startedAt time.Time
	processed atomic.Uint64
	failed    atomic.Uint64
}

// Option configures a Processor.
type Option func(*Processor)

// WithIndex records applied events on correlation timelines.
func WithIndex(idx Indexer) Option {
	return func(p *Processor) { p.index = idx }
}

// WithNotifier publishes committed aggregate changes.
func WithNotifier(n realtime.Notifier) Option {
	return func(p *Processor) { p.notifier = n }
}

// WithRetryPolicy sets the backoff for aggregate writes.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(p *Processor) { p.policy = policy }
}

// WithBudget sets the wall-clock limit per batch. Without it the budget is
// derived from the retry policy.
func WithBudget(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.budget = d
		}
	}
}

// WithConcurrency bounds parallel message handling within a batch.
func WithConcurrency(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithAggregateScope prefixes aggregate keys with scope, so processors of
// different queues keep separate records and applied sets.
func WithAggregateScope(scope string) Option {
	return func(p *Processor) {
		if scope != "" {
			p.scope = scope + ":"
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

func New(q queue.Queue, aggregator Aggregator, deadLetters dlq.Store, opts ...Option) *Processor {
	p := &Processor{
		queue:       q,
		aggregator:  aggregator,
		deadLetters: deadLetters,
		policy:      retry.DefaultPolicy(),
		concurrency: DefaultConcurrency,
		logger:      logging.Discard(),
		startedAt:   time.Now().UTC(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.budget == 0 {
		p.budget = BudgetFor(p.policy)
	}
	return p
}

// ProcessBatch handles msgs concurrently within the batch budget. When the
// budget runs out, every message that was not deleted is released for
// immediate redelivery.
func (p *Processor) ProcessBatch(ctx context.Context, msgs []queue.Message) BatchResult {
	start := time.Now()
	bctx, cancel := context.WithTimeout(ctx, p.budget)
	defer cancel()

	results := make([]MessageResult, len(msgs))
	g := new(errgroup.Group)
	g.SetLimit(p.concurrency)
	for i := range msgs {
		g.Go(func() error {
			results[i] = p.handle(bctx, msgs[i])
			return nil
		})
	}
	_ = g.Wait()

	res := BatchResult{Results: results}
	if errors.Is(bctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		p.release(ctx, res.Results)
	}

	for _, r := range res.Results {
		metrics.MessagesProcessed.WithLabelValues(p.queue.Name(), r.Outcome).Inc()
		if r.Outcome == OutcomeRetry {
			p.failed.Add(1)
		} else {
			p.processed.Add(1)
		}
	}
	metrics.BatchDuration.WithLabelValues(p.queue.Name()).Observe(time.Since(start).Seconds())

	if n := res.Failed(); n > 0 {
		p.logger.WarnContext(ctx, "batch completed with failures",
			logging.Queue(p.queue.Name()),
			"failed", n,
			"succeeded", res.Succeeded(),
			"timed_out", res.TimedOut)
	}
	return res
}

func (p *Processor) release(ctx context.Context, results []MessageResult) {
	for _, r := range results {
		if r.Outcome != OutcomeRetry {
			continue
		}
		err := p.queue.ChangeVisibility(ctx, r.MessageID, 0)
		if err != nil && !errors.Is(err, queue.ErrNotFound) {
			p.logger.WarnContext(ctx, "release timed out message",
				logging.Queue(p.queue.Name()),
				logging.MessageID(r.MessageID),
				logging.Error(err))
		}
	}
}

// AggregateKey buckets an event by the UTC date it was received.
func AggregateKey(receivedAt time.Time) string {
	return receivedAt.UTC().Format(time.DateOnly)
}

// DeltaFor is the aggregate change one event makes.
func DeltaFor(ev *models.Event) aggregate.Delta {
	fields := make(map[string]int64, 2)
	if ev.EventType != "" {
		fields["event_type:"+ev.EventType] = 1
	}
	if ev.Source != "" {
		fields["source:"+ev.Source] = 1
	}
	return aggregate.Delta{Count: 1, Fields: fields}
}

func decode(body []byte) (*models.ChangeNotification, error) {
	var n models.ChangeNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, err
	}
	if n.EventKey == "" {
		return nil, errors.New("notification has no event key")
	}
	if n.ChangeType == models.ChangeAdded && n.Event == nil {
		return nil, errors.New("added notification carries no event")
	}
	return &n, nil
}

func (p *Processor) handle(ctx context.Context, msg queue.Message) MessageResult {
	res := MessageResult{MessageID: msg.ID}
	log := p.logger.With(logging.Queue(msg.Queue), logging.MessageID(msg.ID))

	n, err := decode(msg.Body)
	if err != nil {
		res.Err = &TerminalError{Reason: dlq.ReasonTerminal, Err: fmt.Errorf("decode message: %w", err)}
		return p.deadLetter(ctx, msg, res, log)
	}
	res.EventKey = n.EventKey

	// Events are immutable; only additions change aggregates.
	if n.ChangeType != models.ChangeAdded {
		res.Outcome = OutcomeSkipped
		p.delete(ctx, msg, log)
		return res
	}

	ev := n.Event
	key := p.scope + AggregateKey(ev.ReceivedAt)
	var applied *aggregate.Result
	err = p.policy.Do(ctx, func(ctx context.Context) error {
		r, err := p.aggregator.Apply(ctx, key, ev.Key, DeltaFor(ev))
		if err != nil {
			return err
		}
		applied = r
		return nil
	})
	if err != nil {
		res.Outcome = OutcomeRetry
		res.Err = &TransientError{Op: "apply aggregate " + key, Err: err}
		log.WarnContext(ctx, "aggregate update failed, leaving message for redelivery",
			logging.EventKey(ev.Key),
			logging.AggregateKey(key),
			logging.ReceiveCount(msg.ReceiveCount),
			logging.Error(err))
		return res
	}
	if applied.Conflicts > 0 {
		metrics.AggregateConflicts.Add(float64(applied.Conflicts))
	}

	p.delete(ctx, msg, log)

	if p.index != nil && ev.CorrelationID != "" {
		p.index.Append(ev.CorrelationID, correlation.EventRef(ev))
	}

	if applied.Duplicate {
		res.Outcome = OutcomeDuplicate
		log.DebugContext(ctx, "message already applied", logging.EventKey(ev.Key), logging.AggregateKey(key))
		return res
	}
	res.Outcome = OutcomeApplied
	p.notify(ctx, ev, applied.Record, log)
	return res
}

// delete acknowledges msg. A message whose receipt expired is logged and
// otherwise ignored: the redelivery will be recognised as a duplicate.
func (p *Processor) delete(ctx context.Context, msg queue.Message, log *logging.Logger) {
	if err := p.queue.Delete(ctx, msg.ID); err != nil {
		log.WarnContext(ctx, "delete processed message", logging.Error(err))
	}
}

func (p *Processor) deadLetter(ctx context.Context, msg queue.Message, res MessageResult, log *logging.Logger) MessageResult {
	if err := p.deadLetters.Put(ctx, dlq.FromMessage(msg, dlq.ReasonTerminal, res.Err)); err != nil {
		// Not lost: the queue dead-letters it once the receive budget is spent.
		res.Outcome = OutcomeRetry
		log.ErrorContext(ctx, "dead-letter store unavailable", logging.Error(err))
		return res
	}
	metrics.DeadLettered.WithLabelValues(msg.Queue, dlq.ReasonTerminal).Inc()
	res.Outcome = OutcomeDeadLettered
	log.WarnContext(ctx, "message dead-lettered",
		logging.Reason(dlq.ReasonTerminal),
		logging.Error(res.Err))
	p.delete(ctx, msg, log)
	return res
}

func (p *Processor) notify(ctx context.Context, ev *models.Event, rec *aggregate.Record, log *logging.Logger) {
	if p.notifier == nil || rec == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		log.ErrorContext(ctx, "encode aggregate for realtime", logging.Error(err))
		return
	}
	change := realtime.Change{
		Kind:          realtime.KindAggregate,
		Key:           rec.Key,
		CorrelationID: ev.CorrelationID,
		Record:        data,
		At:            rec.UpdatedAt,
	}
	if err := p.notifier.Notify(ctx, change); err != nil {
		log.WarnContext(ctx, "realtime notify failed", logging.AggregateKey(rec.Key), logging.Error(err))
	}
}

// Stats is a snapshot of processor counters.
type Stats struct {
	Queue         string `json:"queue"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Processed     uint64 `json:"processed"`
	Failed        uint64 `json:"failed"`
}

// Health returns live counters for health checks.
func (p *Processor) Health() Stats {
	return Stats{
		Queue:         p.queue.Name(),
		UptimeSeconds: int64(time.Since(p.startedAt).Seconds()),
		Processed:     p.processed.Load(),
		Failed:        p.failed.Load(),
	}
}
