package sourcestats

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

	"github.com/cvanalytics/pipeline/common/logging"
)

func newTestClient(t *testing.T, now *time.Time) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewClient(rdb, "ingest-1").WithClock(func() time.Time { return *now }), mr
}

func TestFlushAndGet(t *testing.T) {
	now := time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)
	c, mr := newTestClient(t, &now)
	ctx := context.Background()

	b := NewBatch("github")
	b.Add(true, "10.0.0.1")
	b.Add(true, "10.0.0.2")
	b.Add(false, "10.0.0.2")
	require.NoError(t, c.Flush(ctx, b))

	now = now.Add(2 * time.Hour)
	b = NewBatch("github")
	b.Add(true, "10.0.0.3")
	require.NoError(t, c.Flush(ctx, b))

	stats, err := c.Get(ctx, "github")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Accepted)
	assert.Equal(t, int64(1), stats.Rejected)
	assert.Equal(t, int64(1), stats.AcceptedLastHour)
	assert.Equal(t, int64(3), stats.AcceptedLast24h)
	assert.Equal(t, int64(3), stats.UniqueIPsToday)
	assert.Equal(t, "10.0.0.3", stats.LastRemoteIP)
	require.NotNil(t, stats.LastDeliveryAt)
	assert.True(t, stats.LastDeliveryAt.Equal(now))
	assert.Contains(t, stats.IngestInstances, "ingest-1")

	assert.True(t, mr.Exists("cv:src:hourly:github:2026101609"))
	assert.Equal(t, hourlyTTL, mr.TTL("cv:src:hourly:github:2026101609"))
	assert.Equal(t, dailyTTL, mr.TTL("cv:src:daily:github:20261016"))
}

func TestGet_UnknownSource(t *testing.T) {
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	c, _ := newTestClient(t, &now)

	stats, err := c.Get(context.Background(), "gitea")
	require.NoError(t, err)
	assert.Equal(t, "gitea", stats.Source)
	assert.Zero(t, stats.Accepted)
	assert.Nil(t, stats.LastDeliveryAt)
}

func TestFlush_EmptyBatchIsNoop(t *testing.T) {
	now := time.Now()
	c, mr := newTestClient(t, &now)
	require.NoError(t, c.Flush(context.Background(), NewBatch("github")))
	assert.Empty(t, mr.Keys())
}

func TestActiveSources(t *testing.T) {
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	c, _ := newTestClient(t, &now)
	ctx := context.Background()

	old := NewBatch("gitea")
	old.Add(true, "")
	require.NoError(t, c.Flush(ctx, old))

	now = now.Add(3 * time.Hour)
	for _, src := range []string{"github", "stripe"} {
		b := NewBatch(src)
		b.Add(false, "")
		require.NoError(t, c.Flush(ctx, b))
	}

	active, err := c.ActiveSources(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"github", "stripe"}, active)

	all, err := c.ActiveSources(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"gitea", "github", "stripe"}, all)
}

type flakyFlusher struct {
	mu      sync.Mutex
	fail    bool
	flushed map[string]*Batch
}

func (f *flakyFlusher) Flush(_ context.Context, b *Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("redis down")
	}
	if existing, ok := f.flushed[b.Source]; ok {
		existing.Merge(b)
	} else {
		f.flushed[b.Source] = b
	}
	return nil
}

func TestCollector_RetriesFailedBatches(t *testing.T) {
	f := &flakyFlusher{fail: true, flushed: map[string]*Batch{}}
	c := NewCollector(f, time.Hour, logging.Discard())
	defer c.Stop()

	c.Record("github", true, "10.0.0.1")
	c.Record("github", false, "10.0.0.1")
	c.FlushNow()
	assert.Equal(t, map[string]int64{"github": 2}, c.Pending())

	c.Record("github", true, "10.0.0.2")
	f.mu.Lock()
	f.fail = false
	f.mu.Unlock()
	c.FlushNow()
	assert.Empty(t, c.Pending())

	got := f.flushed["github"]
	require.NotNil(t, got)
	assert.Equal(t, int64(2), got.Accepted)
	assert.Equal(t, int64(1), got.Rejected)
	assert.Len(t, got.RemoteIPs, 2)
}

func TestCollector_StopFlushes(t *testing.T) {
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	client, _ := newTestClient(t, &now)
	c := NewCollector(client, time.Hour, logging.Discard())

	c.Record("github", true, "10.0.0.1")
	c.Stop()

	stats, err := client.Get(context.Background(), "github")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Accepted)
}
