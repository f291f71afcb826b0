package processor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvanalytics/pipeline/common/models"
	"github.com/cvanalytics/pipeline/common/retry"
	"github.com/cvanalytics/pipeline/processor/internal/aggregate"
	"github.com/cvanalytics/pipeline/processor/internal/correlation"
	"github.com/cvanalytics/pipeline/processor/internal/dlq"
	"github.com/cvanalytics/pipeline/processor/internal/queue"
	"github.com/cvanalytics/pipeline/processor/internal/realtime"
)

var day = time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var fastRetry = retry.Policy{
	Initial:     time.Millisecond,
	Max:         time.Millisecond,
	MaxAttempts: 5,
	Sleep:       func(context.Context, time.Duration) error { return nil },
}

type harness struct {
	queue *queue.MemoryQueue
	clock *clock
	store *aggregate.MemoryStore
	dlq   *dlq.MemoryStore
	index *correlation.MemoryIndex
	pub   *realtime.Publisher
	proc  *Processor
}

func newHarness(t *testing.T, agg Aggregator, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		clock: &clock{t: day},
		store: aggregate.NewMemoryStore(),
		dlq:   dlq.NewMemoryStore(),
		index: correlation.NewMemoryIndex(),
		pub:   realtime.NewPublisher(),
	}
	h.queue = queue.NewMemoryQueue("aggregation", queue.Options{DeadLetter: dlq.Sink(h.dlq, nil)}, queue.WithClock(h.clock.Now))
	if agg == nil {
		agg = aggregate.NewApplier(h.store)
	}
	appender := correlation.NewAsyncAppender(h.index, 0, nil)
	t.Cleanup(func() { _ = appender.Close(context.Background()) })

	base := []Option{WithRetryPolicy(fastRetry), WithIndex(appender), WithNotifier(h.pub)}
	h.proc = New(h.queue, agg, h.dlq, append(base, opts...)...)
	return h
}

func eventNotification(correlationID, eventType string, at time.Time, seq int64) models.ChangeNotification {
	key := models.EventKey("issues", correlationID, at, seq)
	return models.ChangeNotification{
		EventKey:   key,
		Partition:  "issues",
		ChangeType: models.ChangeAdded,
		Position:   seq,
		Event: &models.Event{
			Key:           key,
			Partition:     "issues",
			CorrelationID: correlationID,
			Source:        "github",
			EventType:     eventType,
			Payload:       json.RawMessage(`{}`),
			ReceivedAt:    at,
			SequenceHint:  seq,
		},
	}
}

func (h *harness) enqueue(t *testing.T, n models.ChangeNotification) string {
	t.Helper()
	body, err := json.Marshal(n)
	require.NoError(t, err)
	id, err := h.queue.Enqueue(context.Background(), body, queue.EnqueueOptions{})
	require.NoError(t, err)
	return id
}

func (h *harness) receive(t *testing.T) []queue.Message {
	t.Helper()
	msgs, err := h.queue.ReceiveBatch(context.Background(), 10, 0)
	require.NoError(t, err)
	return msgs
}

func (h *harness) depth(t *testing.T) int {
	t.Helper()
	n, err := h.queue.Depth(context.Background())
	require.NoError(t, err)
	return n
}

func TestProcessBatch_Applies(t *testing.T) {
	h := newHarness(t, nil)
	h.enqueue(t, eventNotification("42", "issues.opened", day, 1))
	h.enqueue(t, eventNotification("42", "issues.closed", day.Add(time.Minute), 2))

	res := h.proc.ProcessBatch(context.Background(), h.receive(t))

	assert.Equal(t, 2, res.Succeeded())
	assert.Zero(t, res.Failed())
	assert.Zero(t, h.depth(t))

	rec, err := h.store.Get(context.Background(), "2026-10-16")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Count)
	assert.Equal(t, int64(1), rec.DerivedFields["event_type:issues.opened"])
	assert.Equal(t, int64(2), rec.DerivedFields["source:github"])

	snap := h.pub.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, realtime.KindAggregate, snap[1].Kind)
	assert.Equal(t, "2026-10-16", snap[1].Key)

	assert.Eventually(t, func() bool {
		refs, _ := h.index.Timeline(context.Background(), "42")
		return len(refs) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestProcessBatch_RedeliveryIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	n := eventNotification("42", "issues.opened", day, 1)

	// The same event arrives as two distinct messages, as after a re-route
	// outside the dedup window.
	h.enqueue(t, n)
	h.proc.ProcessBatch(context.Background(), h.receive(t))
	h.enqueue(t, n)
	res := h.proc.ProcessBatch(context.Background(), h.receive(t))

	require.Len(t, res.Results, 1)
	assert.Equal(t, OutcomeDuplicate, res.Results[0].Outcome)
	assert.Zero(t, h.depth(t))

	rec, err := h.store.Get(context.Background(), "2026-10-16")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Count)
	assert.Len(t, h.pub.Snapshot(), 1, "duplicates are not republished")
}

func TestProcessBatch_UndecodableIsDeadLettered(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.queue.Enqueue(context.Background(), []byte("not json"), queue.EnqueueOptions{})
	require.NoError(t, err)
	h.enqueue(t, eventNotification("1", "push", day, 1))

	res := h.proc.ProcessBatch(context.Background(), h.receive(t))

	assert.Equal(t, 1, res.DeadLettered())
	assert.Equal(t, 1, res.Succeeded())
	assert.Zero(t, h.depth(t))

	entries, err := h.dlq.List(context.Background(), "aggregation", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, dlq.ReasonTerminal, entries[0].Reason)
	assert.Equal(t, []byte("not json"), entries[0].Body)
	assert.Contains(t, entries[0].Error, "decode message")

	var terminal *TerminalError
	for _, r := range res.Results {
		if r.Outcome == OutcomeDeadLettered {
			assert.ErrorAs(t, r.Err, &terminal)
		}
	}
}

func TestProcessBatch_NonAddedChangesAreSkipped(t *testing.T) {
	h := newHarness(t, nil)
	n := models.ChangeNotification{EventKey: "issues/1/x", Partition: "issues", ChangeType: models.ChangeRemoved, Position: 3}
	h.enqueue(t, n)

	res := h.proc.ProcessBatch(context.Background(), h.receive(t))

	require.Len(t, res.Results, 1)
	assert.Equal(t, OutcomeSkipped, res.Results[0].Outcome)
	assert.Zero(t, h.depth(t))
	_, err := h.store.Get(context.Background(), "2026-10-16")
	assert.ErrorIs(t, err, aggregate.ErrNotFound)
}

// flakyAggregator fails for chosen event keys and delegates otherwise.
type flakyAggregator struct {
	inner    Aggregator
	failKeys map[string]bool
	calls    atomic.Int32
}

func (f *flakyAggregator) Apply(ctx context.Context, key, id string, d aggregate.Delta) (*aggregate.Result, error) {
	f.calls.Add(1)
	if f.failKeys[id] {
		return nil, errors.New("table unavailable")
	}
	return f.inner.Apply(ctx, key, id, d)
}

func TestProcessBatch_PartialFailure(t *testing.T) {
	store := aggregate.NewMemoryStore()
	bad := eventNotification("2", "issues.opened", day, 2)
	agg := &flakyAggregator{inner: aggregate.NewApplier(store), failKeys: map[string]bool{bad.EventKey: true}}
	h := newHarness(t, agg)

	h.enqueue(t, eventNotification("1", "issues.opened", day, 1))
	badID := h.enqueue(t, bad)
	h.enqueue(t, eventNotification("3", "issues.opened", day, 3))

	res := h.proc.ProcessBatch(context.Background(), h.receive(t))

	assert.Equal(t, 2, res.Succeeded())
	assert.Equal(t, 1, res.Failed())
	assert.Equal(t, 1, h.depth(t), "only the failed message stays")

	msg, ok := h.queue.Get(badID)
	require.True(t, ok)
	assert.Equal(t, queue.StateInFlight, msg.State, "left for the visibility timeout")

	for _, r := range res.Results {
		if r.Outcome == OutcomeRetry {
			var transient *TransientError
			assert.ErrorAs(t, r.Err, &transient)
			var exhausted *retry.ExhaustedError
			assert.ErrorAs(t, r.Err, &exhausted)
		}
	}
	// five attempts for the failing message, one each for the others
	assert.Equal(t, int32(7), agg.calls.Load())

	rec, err := store.Get(context.Background(), "2026-10-16")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Count)
}

func TestProcessBatch_RetryRecovers(t *testing.T) {
	store := aggregate.NewMemoryStore()
	var fails atomic.Int32
	fails.Store(3)
	agg := aggregatorFunc(func(ctx context.Context, key, id string, d aggregate.Delta) (*aggregate.Result, error) {
		if fails.Add(-1) >= 0 {
			return nil, errors.New("throttled")
		}
		return aggregate.NewApplier(store).Apply(ctx, key, id, d)
	})
	h := newHarness(t, agg)
	h.enqueue(t, eventNotification("1", "issues.opened", day, 1))

	res := h.proc.ProcessBatch(context.Background(), h.receive(t))
	assert.Equal(t, 1, res.Succeeded())
	assert.Zero(t, h.depth(t))
}

type aggregatorFunc func(ctx context.Context, key, id string, d aggregate.Delta) (*aggregate.Result, error)

func (f aggregatorFunc) Apply(ctx context.Context, key, id string, d aggregate.Delta) (*aggregate.Result, error) {
	return f(ctx, key, id, d)
}

func TestProcessBatch_BudgetReleasesUndeleted(t *testing.T) {
	agg := aggregatorFunc(func(ctx context.Context, key, id string, d aggregate.Delta) (*aggregate.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, agg, WithBudget(20*time.Millisecond), WithRetryPolicy(retry.Policy{MaxAttempts: 1}))
	id := h.enqueue(t, eventNotification("1", "issues.opened", day, 1))

	res := h.proc.ProcessBatch(context.Background(), h.receive(t))

	assert.True(t, res.TimedOut)
	assert.Equal(t, 1, res.Failed())
	msg, ok := h.queue.Get(id)
	require.True(t, ok)
	assert.Equal(t, h.clock.Now(), msg.VisibleAfter, "visible again without waiting for the timeout")
	again := h.receive(t)
	require.Len(t, again, 1)
	assert.Equal(t, 2, again[0].ReceiveCount)
}

func TestProcessBatch_OneSlowMessageDoesNotBlockOthers(t *testing.T) {
	store := aggregate.NewMemoryStore()
	slow := eventNotification("slow", "issues.opened", day, 1)
	release := make(chan struct{})
	agg := aggregatorFunc(func(ctx context.Context, key, id string, d aggregate.Delta) (*aggregate.Result, error) {
		if id == slow.EventKey {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return aggregate.NewApplier(store).Apply(ctx, key, id, d)
	})
	h := newHarness(t, agg)
	h.enqueue(t, slow)
	for i := int64(2); i <= 5; i++ {
		h.enqueue(t, eventNotification("fast", "issues.opened", day, i))
	}

	msgs := h.receive(t)
	done := make(chan BatchResult)
	go func() { done <- h.proc.ProcessBatch(context.Background(), msgs) }()

	require.Eventually(t, func() bool {
		rec, err := store.Get(context.Background(), "2026-10-16")
		return err == nil && rec.Count == 4
	}, time.Second, 5*time.Millisecond)
	close(release)

	res := <-done
	assert.Equal(t, 5, res.Succeeded())
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)
	h.enqueue(t, eventNotification("1", "issues.opened", day, 1))
	h.proc.ProcessBatch(context.Background(), h.receive(t))

	stats := h.proc.Health()
	assert.Equal(t, "aggregation", stats.Queue)
	assert.Equal(t, uint64(1), stats.Processed)
	assert.Zero(t, stats.Failed)
}

func TestDefaultBudgetCoversRetrySchedule(t *testing.T) {
	policy := retry.DefaultPolicy()
	assert.Greater(t, DefaultBudget, policy.TotalDelay())
	assert.Equal(t, DefaultBudget, BudgetFor(policy))

	p := New(queue.NewMemoryQueue("aggregation", queue.Options{}), nil, dlq.NewMemoryStore())
	assert.Equal(t, DefaultBudget, p.budget)

	slow := retry.NewPolicy(time.Second, 30*time.Second, 8)
	p = New(queue.NewMemoryQueue("aggregation", queue.Options{}), nil, dlq.NewMemoryStore(), WithRetryPolicy(slow))
	assert.Equal(t, slow.TotalDelay()+BudgetHeadroom, p.budget)
}

func TestProcessBatch_ExhaustedRetriesFinishInsideBudget(t *testing.T) {
	var slept time.Duration
	policy := retry.Policy{Initial: time.Second, Max: 8 * time.Second, MaxAttempts: 5,
		Sleep: func(_ context.Context, d time.Duration) error { slept += d; return nil }}
	agg := aggregatorFunc(func(ctx context.Context, key, id string, d aggregate.Delta) (*aggregate.Result, error) {
		return nil, errors.New("throttled")
	})
	h := newHarness(t, agg, WithRetryPolicy(policy))
	h.enqueue(t, eventNotification("1", "issues.opened", day, 1))

	res := h.proc.ProcessBatch(context.Background(), h.receive(t))

	assert.False(t, res.TimedOut)
	require.Len(t, res.Results, 1)
	assert.Equal(t, OutcomeRetry, res.Results[0].Outcome)
	var exhausted *retry.ExhaustedError
	assert.ErrorAs(t, res.Results[0].Err, &exhausted)
	assert.Less(t, slept, h.proc.budget)
}

func TestProcessBatch_FanOutScopeSeparatesAggregates(t *testing.T) {
	store := aggregate.NewMemoryStore()
	applier := aggregate.NewApplier(store)
	primary := newHarness(t, applier)
	audit := newHarness(t, applier, WithAggregateScope("audit"))

	n := eventNotification("42", "issues.opened", day, 1)
	primary.enqueue(t, n)
	audit.enqueue(t, n)

	res := primary.proc.ProcessBatch(context.Background(), primary.receive(t))
	require.Len(t, res.Results, 1)
	assert.Equal(t, OutcomeApplied, res.Results[0].Outcome)
	res = audit.proc.ProcessBatch(context.Background(), audit.receive(t))
	require.Len(t, res.Results, 1)
	assert.Equal(t, OutcomeApplied, res.Results[0].Outcome, "same event, different aggregate")

	for _, key := range []string{"2026-10-16", "audit:2026-10-16"} {
		rec, err := store.Get(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, int64(1), rec.Count, key)
	}
}

func TestAggregateKey(t *testing.T) {
	at := time.Date(2026, 10, 16, 23, 30, 0, 0, time.FixedZone("PDT", -7*3600))
	assert.Equal(t, "2026-10-17", AggregateKey(at))
}
