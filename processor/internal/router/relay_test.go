package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvanalytics/pipeline/common/changefeed"
	"github.com/cvanalytics/pipeline/common/models"
	"github.com/cvanalytics/pipeline/common/retry"
	"github.com/cvanalytics/pipeline/processor/internal/queue"
)

var noSleep = retry.Policy{
	Initial:     time.Millisecond,
	Max:         time.Millisecond,
	MaxAttempts: 3,
	Sleep:       func(context.Context, time.Duration) error { return nil },
}

func appendEvent(feed *changefeed.MemoryFeed, partition, source, correlationID string, seq int64) models.ChangeNotification {
	at := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Second)
	key := models.EventKey(partition, correlationID, at, seq)
	ev := &models.Event{
		Key:           key,
		Partition:     partition,
		CorrelationID: correlationID,
		Source:        source,
		EventType:     "issues.opened",
		Payload:       json.RawMessage(`{}`),
		ReceivedAt:    at,
		SequenceHint:  seq,
	}
	return feed.Append(partition, key, models.ChangeAdded, ev)
}

func allRule(t *testing.T, qs map[string]queue.Queue) *Router {
	t.Helper()
	rules, err := ParseRules([]byte(`
rules:
  - name: github
    queues: [aggregation]
    match:
      - field: source
        op: equals
        value: github
`))
	require.NoError(t, err)
	r, err := New(rules, qs, nil)
	require.NoError(t, err)
	return r
}

func TestRelay_RoutesAndCheckpoints(t *testing.T) {
	feed := changefeed.NewMemoryFeed()
	cps := changefeed.NewMemoryCheckpoints()
	qs := newQueues("aggregation")
	relay := NewRelay(feed, cps, allRule(t, qs), WithRetryPolicy(noSleep), WithDiscoveryInterval(10*time.Millisecond))

	for i := int64(1); i <= 3; i++ {
		appendEvent(feed, "issues", "github", "42", i)
	}
	appendEvent(feed, "issues", "gitlab", "43", 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = relay.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		pos, ok, _ := cps.Load(context.Background(), DefaultConsumer, "issues")
		return ok && pos == 4
	}, 2*time.Second, 5*time.Millisecond, "routing miss still advances the checkpoint")
	assert.Equal(t, 3, depth(t, qs["aggregation"]))

	// Partitions that appear later are discovered.
	appendEvent(feed, "pulls", "github", "9", 1)
	require.Eventually(t, func() bool {
		pos, ok, _ := cps.Load(context.Background(), DefaultConsumer, "pulls")
		return ok && pos == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 4, depth(t, qs["aggregation"]))

	cancel()
	<-done
}

func TestRelay_ResumesAfterCheckpoint(t *testing.T) {
	feed := changefeed.NewMemoryFeed()
	cps := changefeed.NewMemoryCheckpoints()
	qs := newQueues("aggregation")
	relay := NewRelay(feed, cps, allRule(t, qs), WithRetryPolicy(noSleep))

	for i := int64(1); i <= 5; i++ {
		appendEvent(feed, "issues", "github", "42", i)
	}
	require.NoError(t, cps.Save(context.Background(), DefaultConsumer, "issues", 3))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relay.RunPartition(ctx, "issues")

	require.Eventually(t, func() bool {
		pos, _, _ := cps.Load(context.Background(), DefaultConsumer, "issues")
		return pos == 5
	}, 2*time.Second, 5*time.Millisecond)

	msgs, err := qs["aggregation"].ReceiveBatch(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	var first models.ChangeNotification
	require.NoError(t, json.Unmarshal(msgs[0].Body, &first))
	assert.Equal(t, int64(4), first.Position)
}

func TestRelay_ExpiredCheckpointResyncs(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	feed := changefeed.NewMemoryFeed(changefeed.WithClock(clock), changefeed.WithRetention(time.Hour))
	cps := changefeed.NewMemoryCheckpoints()
	qs := newQueues("aggregation")
	relay := NewRelay(feed, cps, allRule(t, qs), WithRetryPolicy(noSleep))

	appendEvent(feed, "issues", "github", "1", 1)
	appendEvent(feed, "issues", "github", "1", 2)
	require.NoError(t, cps.Save(context.Background(), DefaultConsumer, "issues", 1))

	// Both entries age out, then a fresh one arrives.
	now = now.Add(2 * time.Hour)
	_, err := feed.Prune(context.Background(), now)
	require.NoError(t, err)
	appendEvent(feed, "issues", "github", "1", 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relay.RunPartition(ctx, "issues")

	require.Eventually(t, func() bool {
		pos, _, _ := cps.Load(context.Background(), DefaultConsumer, "issues")
		return pos == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, depth(t, qs["aggregation"]))
}

type flakyQueue struct {
	queue.Queue
	failures atomic.Int32
}

func (f *flakyQueue) Enqueue(ctx context.Context, body []byte, opts queue.EnqueueOptions) (string, error) {
	if f.failures.Add(-1) >= 0 {
		return "", errors.New("connection reset")
	}
	return f.Queue.Enqueue(ctx, body, opts)
}

func TestRelay_ForwardRetriesEnqueue(t *testing.T) {
	feed := changefeed.NewMemoryFeed()
	cps := changefeed.NewMemoryCheckpoints()
	inner := queue.NewMemoryQueue("aggregation", queue.Options{})
	fq := &flakyQueue{Queue: inner}
	fq.failures.Store(2)
	relay := NewRelay(feed, cps, allRule(t, map[string]queue.Queue{"aggregation": fq}), WithRetryPolicy(noSleep))

	n := appendEvent(feed, "issues", "github", "42", 1)
	require.NoError(t, relay.Forward(context.Background(), n))

	assert.Equal(t, 1, depth(t, inner))
	pos, ok, err := cps.Load(context.Background(), DefaultConsumer, "issues")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, changefeed.Position(1), pos)
}

func TestRelay_ForwardGivesUpWithoutCheckpoint(t *testing.T) {
	feed := changefeed.NewMemoryFeed()
	cps := changefeed.NewMemoryCheckpoints()
	fq := &flakyQueue{Queue: queue.NewMemoryQueue("aggregation", queue.Options{})}
	fq.failures.Store(100)
	relay := NewRelay(feed, cps, allRule(t, map[string]queue.Queue{"aggregation": fq}), WithRetryPolicy(noSleep))

	n := appendEvent(feed, "issues", "github", "42", 1)
	err := relay.Forward(context.Background(), n)

	var exhausted *retry.ExhaustedError
	assert.ErrorAs(t, err, &exhausted)
	_, ok, _ := cps.Load(context.Background(), DefaultConsumer, "issues")
	assert.False(t, ok)
}
