package changefeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvanalytics/pipeline/common/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)}
}

func drain(t *testing.T, c Cursor, n int) []models.ChangeNotification {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out := make([]models.ChangeNotification, 0, n)
	for i := 0; i < n; i++ {
		got, err := c.Next(ctx)
		require.NoError(t, err)
		out = append(out, got)
	}
	return out
}

func TestMemoryFeed_OrderWithinPartition(t *testing.T) {
	feed := NewMemoryFeed()
	for i := 0; i < 20; i++ {
		feed.Append("issues", fmt.Sprintf("issues/1/%d", i), models.ChangeAdded, nil)
		feed.Append("pulls", fmt.Sprintf("pulls/1/%d", i), models.ChangeAdded, nil)
	}

	cur, err := feed.Open(context.Background(), "issues", PositionOldest)
	require.NoError(t, err)
	got := drain(t, cur, 20)
	for i, n := range got {
		assert.Equal(t, int64(i+1), n.Position)
		assert.Equal(t, fmt.Sprintf("issues/1/%d", i), n.EventKey)
		assert.Equal(t, "issues", n.Partition)
	}
}

func TestMemoryFeed_ConcurrentWritersKeepPositionOrder(t *testing.T) {
	feed := NewMemoryFeed()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				feed.Append("p", fmt.Sprintf("p/%d/%d", w, i), models.ChangeAdded, nil)
			}
		}(w)
	}
	wg.Wait()

	cur, err := feed.Open(context.Background(), "p", PositionOldest)
	require.NoError(t, err)
	got := drain(t, cur, 200)
	lastPerWriter := map[int]int{}
	for i, n := range got {
		assert.Equal(t, int64(i+1), n.Position)
		var w, seq int
		_, err := fmt.Sscanf(n.EventKey, "p/%d/%d", &w, &seq)
		require.NoError(t, err)
		prev, seen := lastPerWriter[w]
		if seen {
			assert.Greater(t, seq, prev, "writer %d order", w)
		}
		lastPerWriter[w] = seq
	}
}

func TestMemoryFeed_PositionNowSkipsHistory(t *testing.T) {
	feed := NewMemoryFeed()
	feed.Append("p", "old", models.ChangeAdded, nil)

	cur, err := feed.Open(context.Background(), "p", PositionNow)
	require.NoError(t, err)

	feed.Append("p", "new", models.ChangeAdded, nil)
	got := drain(t, cur, 1)
	assert.Equal(t, "new", got[0].EventKey)
	assert.Equal(t, int64(2), got[0].Position)
}

func TestMemoryFeed_NextBlocksUntilAppend(t *testing.T) {
	feed := NewMemoryFeed()
	cur, err := feed.Open(context.Background(), "p", PositionNow)
	require.NoError(t, err)

	done := make(chan models.ChangeNotification, 1)
	go func() {
		n, err := cur.Next(context.Background())
		if err == nil {
			done <- n
		}
	}()

	select {
	case <-done:
		t.Fatal("Next returned before any append")
	case <-time.After(20 * time.Millisecond):
	}

	feed.Append("p", "k", models.ChangeAdded, nil)
	select {
	case n := <-done:
		assert.Equal(t, "k", n.EventKey)
	case <-time.After(time.Second):
		t.Fatal("Next did not wake after append")
	}
}

func TestMemoryFeed_NextHonoursContext(t *testing.T) {
	feed := NewMemoryFeed()
	cur, err := feed.Open(context.Background(), "p", PositionNow)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = cur.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryFeed_ResumeFromRecordedPosition(t *testing.T) {
	feed := NewMemoryFeed()
	for i := 1; i <= 10; i++ {
		feed.Append("p", fmt.Sprintf("k%d", i), models.ChangeAdded, nil)
	}

	first, err := feed.Open(context.Background(), "p", PositionOldest)
	require.NoError(t, err)
	seen := drain(t, first, 4)
	recorded := Position(seen[len(seen)-1].Position)
	require.NoError(t, first.Close())

	// Resuming at the recorded position redelivers it (at-least-once) and
	// everything after it, with no omissions.
	resumed, err := feed.Open(context.Background(), "p", recorded)
	require.NoError(t, err)
	rest := drain(t, resumed, 7)
	for i, n := range rest {
		assert.Equal(t, int64(recorded)+int64(i), n.Position)
	}
}

func TestMemoryFeed_RetentionWindow(t *testing.T) {
	clock := newClock()
	feed := NewMemoryFeed(WithClock(clock.Now), WithRetention(time.Hour))

	feed.Append("p", "a", models.ChangeAdded, nil)
	feed.Append("p", "b", models.ChangeAdded, nil)
	clock.Advance(90 * time.Minute)
	feed.Append("p", "c", models.ChangeAdded, nil)

	_, err := feed.Open(context.Background(), "p", 1)
	assert.ErrorIs(t, err, ErrPositionExpired)

	cur, err := feed.Open(context.Background(), "p", 3)
	require.NoError(t, err)
	assert.Equal(t, "c", drain(t, cur, 1)[0].EventKey)

	cur, err = feed.Open(context.Background(), "p", PositionOldest)
	require.NoError(t, err)
	assert.Equal(t, "c", drain(t, cur, 1)[0].EventKey)
}

func TestMemoryFeed_LaggingCursorExpires(t *testing.T) {
	clock := newClock()
	feed := NewMemoryFeed(WithClock(clock.Now), WithRetention(time.Hour))
	feed.Append("p", "a", models.ChangeAdded, nil)

	cur, err := feed.Open(context.Background(), "p", PositionOldest)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	removed, err := feed.Prune(context.Background(), clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = cur.Next(context.Background())
	assert.True(t, errors.Is(err, ErrPositionExpired))
}

func TestMemoryFeed_Partitions(t *testing.T) {
	feed := NewMemoryFeed()
	feed.Append("pulls", "x", models.ChangeAdded, nil)
	feed.Append("issues", "y", models.ChangeAdded, nil)
	_, err := feed.Open(context.Background(), "empty", PositionNow)
	require.NoError(t, err)

	parts, err := feed.Partitions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"issues", "pulls"}, parts)
}

func TestMemoryCursor_Close(t *testing.T) {
	feed := NewMemoryFeed()
	cur, err := feed.Open(context.Background(), "p", PositionNow)
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := cur.Next(context.Background())
		errs <- err
	}()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, cur.Close())
	require.NoError(t, cur.Close())
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Close did not release a blocked Next")
	}
}
