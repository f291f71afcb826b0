package correlation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvanalytics/pipeline/common/changefeed"
	"github.com/cvanalytics/pipeline/common/eventstore"
	"github.com/cvanalytics/pipeline/common/models"
)

var base = time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

func indexes(t *testing.T) map[string]Index {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]Index{
		"memory": NewMemoryIndex(),
		"redis":  NewRedisIndex(client),
	}
}

func TestIndex_OrdersByReceivedAtThenSequence(t *testing.T) {
	for name, idx := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			refs := []RecordRef{
				{Kind: KindEvent, Key: "c", ReceivedAt: base.Add(2 * time.Second), SequenceHint: 1},
				{Kind: KindEvent, Key: "b", ReceivedAt: base, SequenceHint: 9},
				{Kind: KindEvent, Key: "a", ReceivedAt: base, SequenceHint: 3},
			}
			for _, r := range refs {
				require.NoError(t, idx.Append(ctx, "42", r))
			}

			got, err := idx.Timeline(ctx, "42")
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, []string{"a", "b", "c"}, keys(got))
			assert.True(t, got[0].ReceivedAt.Equal(base))
			assert.Equal(t, int64(3), got[0].SequenceHint)
		})
	}
}

func TestIndex_AppendIsIdempotent(t *testing.T) {
	for name, idx := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ref := RecordRef{Kind: KindEvent, Key: "p/42/1", ReceivedAt: base, SequenceHint: 1}
			for i := 0; i < 3; i++ {
				require.NoError(t, idx.Append(ctx, "42", ref))
			}

			got, err := idx.Timeline(ctx, "42")
			require.NoError(t, err)
			assert.Len(t, got, 1)
		})
	}
}

func TestIndex_TimelinesAreSeparate(t *testing.T) {
	for name, idx := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, idx.Append(ctx, "1", RecordRef{Kind: KindEvent, Key: "x", ReceivedAt: base}))
			require.NoError(t, idx.Append(ctx, "2", RecordRef{Kind: KindEvent, Key: "y", ReceivedAt: base}))

			got, err := idx.Timeline(ctx, "1")
			require.NoError(t, err)
			assert.Equal(t, []string{"x"}, keys(got))

			empty, err := idx.Timeline(ctx, "unknown")
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestRedisIndex_KeyWithSeparators(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	idx := NewRedisIndex(client, WithKeyPrefix("test"), WithTTL(time.Hour))
	ctx := context.Background()

	key := models.EventKey("issues", "42", base, 7)
	require.NoError(t, idx.Append(ctx, "42", RecordRef{Kind: KindAggregate, Key: "2026-10-16:a:b", ReceivedAt: base}))
	require.NoError(t, idx.Append(ctx, "42", RecordRef{Kind: KindEvent, Key: key, ReceivedAt: base, SequenceHint: 7}))

	got, err := idx.Timeline(ctx, "42")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "2026-10-16:a:b", got[0].Key)
	assert.Equal(t, KindAggregate, got[0].Kind)
	assert.Equal(t, key, got[1].Key)

	assert.True(t, mr.Exists("test:42"))
	assert.Greater(t, mr.TTL("test:42"), time.Duration(0))
}

func TestRedisIndex_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	idx := NewRedisIndex(client)
	mr.Close()

	err := idx.Append(context.Background(), "42", RecordRef{Kind: KindEvent, Key: "k", ReceivedAt: base})
	assert.Error(t, err)
}

func TestIndex_SubMicrosecondEventsOrderBySequence(t *testing.T) {
	first := EventRef(&models.Event{Key: "late-ns", ReceivedAt: base.Add(900 * time.Nanosecond), SequenceHint: 1})
	second := EventRef(&models.Event{Key: "early-ns", ReceivedAt: base.Add(100 * time.Nanosecond), SequenceHint: 2})
	assert.True(t, first.ReceivedAt.Equal(base))
	assert.True(t, second.ReceivedAt.Equal(base))

	for name, idx := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, idx.Append(ctx, "sub-us", second))
			require.NoError(t, idx.Append(ctx, "sub-us", first))

			got, err := idx.Timeline(ctx, "sub-us")
			require.NoError(t, err)
			assert.Equal(t, []string{"late-ns", "early-ns"}, keys(got))
			assert.True(t, got[0].ReceivedAt.Equal(base))
		})
	}
}

func TestRebuild(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore(changefeed.NewMemoryFeed())
	for i := int64(1); i <= 3; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.Insert(ctx, &models.Event{
			Key:           models.EventKey("p", "42", at, i),
			Partition:     "p",
			CorrelationID: "42",
			Source:        "github",
			Payload:       []byte(`{}`),
			ReceivedAt:    at,
			SequenceHint:  i,
		}))
	}

	idx := NewMemoryIndex()
	require.NoError(t, idx.Append(ctx, "42", EventRef(&models.Event{
		Key: models.EventKey("p", "42", base.Add(time.Second), 1), ReceivedAt: base.Add(time.Second), SequenceHint: 1,
	})))

	n, err := Rebuild(ctx, idx, store, "42")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := idx.Timeline(ctx, "42")
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

type failingIndex struct {
	mu    sync.Mutex
	calls int
}

func (f *failingIndex) Append(context.Context, string, RecordRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return errors.New("index down")
}

func (f *failingIndex) Timeline(context.Context, string) ([]RecordRef, error) { return nil, nil }

func TestAsyncAppender_Drains(t *testing.T) {
	idx := NewMemoryIndex()
	a := NewAsyncAppender(idx, 16, nil)

	for i := 0; i < 10; i++ {
		assert.True(t, a.Append("42", RecordRef{Kind: KindEvent, Key: string(rune('a' + i)), ReceivedAt: base}))
	}
	require.NoError(t, a.Close(context.Background()))

	got, err := idx.Timeline(context.Background(), "42")
	require.NoError(t, err)
	assert.Len(t, got, 10)
	assert.Zero(t, a.Dropped())
}

func TestAsyncAppender_CountsFailures(t *testing.T) {
	idx := &failingIndex{}
	a := NewAsyncAppender(idx, 4, nil)

	a.Append("42", RecordRef{Kind: KindEvent, Key: "k", ReceivedAt: base})
	require.NoError(t, a.Close(context.Background()))

	assert.Equal(t, int64(1), a.Failed())
}

type blockingIndex struct{ release chan struct{} }

func (b *blockingIndex) Append(ctx context.Context, _ string, _ RecordRef) error {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil
}

func (b *blockingIndex) Timeline(context.Context, string) ([]RecordRef, error) { return nil, nil }

func TestAsyncAppender_DropsWhenFull(t *testing.T) {
	idx := &blockingIndex{release: make(chan struct{})}
	a := NewAsyncAppender(idx, 1, nil)

	// One in the worker, one in the buffer, the rest dropped.
	accepted := 0
	for i := 0; i < 10; i++ {
		if a.Append("42", RecordRef{Kind: KindEvent, Key: "k", ReceivedAt: base}) {
			accepted++
		}
	}
	assert.LessOrEqual(t, accepted, 2)
	assert.Equal(t, int64(10-accepted), a.Dropped())

	close(idx.release)
	require.NoError(t, a.Close(context.Background()))
}

func keys(refs []RecordRef) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.Key
	}
	return out
}
