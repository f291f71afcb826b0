package aggregate

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvanalytics/pipeline/common/database/dbtest"
)

func TestPostgresStore(t *testing.T) {
	pool := dbtest.StartPostgres(t)
	store := NewPostgresStore(pool)
	ctx := context.Background()

	t.Run("apply is idempotent", func(t *testing.T) {
		a := NewApplier(store)
		_, err := a.Apply(ctx, "2024-09-01", "m-1", delta("issues.opened"))
		require.NoError(t, err)
		res, err := a.Apply(ctx, "2024-09-01", "m-1", delta("issues.opened"))
		require.NoError(t, err)
		assert.True(t, res.Duplicate)

		rec, err := store.Get(ctx, "2024-09-01")
		require.NoError(t, err)
		assert.Equal(t, int64(1), rec.Count)
		assert.Equal(t, map[string]int64{"event_type:issues.opened": 1}, rec.DerivedFields)
		applied, err := store.Applied(ctx, "2024-09-01", "m-1")
		require.NoError(t, err)
		assert.True(t, applied)
	})

	t.Run("applied id and version move together", func(t *testing.T) {
		rec, err := store.Get(ctx, "2024-09-01")
		require.NoError(t, err)
		next := *rec
		next.Count++
		next.Version++
		assert.ErrorIs(t, store.CompareAndSwap(ctx, &next, rec.Version, "m-1"), ErrAlreadyApplied)

		// A stale version rolls back the applied row as well.
		assert.ErrorIs(t, store.CompareAndSwap(ctx, &next, rec.Version-1, "m-stale"), ErrConflict)
		applied, err := store.Applied(ctx, "2024-09-01", "m-stale")
		require.NoError(t, err)
		assert.False(t, applied)
	})

	t.Run("dedup survives long replay", func(t *testing.T) {
		a := NewApplier(store)
		for i := 0; i < 1100; i++ {
			_, err := a.Apply(ctx, "2024-09-03", fmt.Sprintf("r-%d", i), delta("push"))
			require.NoError(t, err)
		}
		for i := 0; i < 1100; i++ {
			res, err := a.Apply(ctx, "2024-09-03", fmt.Sprintf("r-%d", i), delta("push"))
			require.NoError(t, err)
			require.True(t, res.Duplicate)
		}
		rec, err := store.Get(ctx, "2024-09-03")
		require.NoError(t, err)
		assert.Equal(t, int64(1100), rec.Count)
	})

	t.Run("conditional write rejects stale version", func(t *testing.T) {
		rec, err := store.Get(ctx, "2024-09-01")
		require.NoError(t, err)
		stale := *rec
		stale.Version = rec.Version + 1
		assert.ErrorIs(t, store.CompareAndSwap(ctx, &stale, rec.Version-1, "m-x"), ErrConflict)
		assert.ErrorIs(t, store.CompareAndSwap(ctx, &Record{Key: "2024-09-01", Version: 1}, 0, "m-y"), ErrConflict)
	})

	t.Run("concurrent appliers", func(t *testing.T) {
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				a := NewApplier(store)
				for i := 0; i < 10; i++ {
					_, err := a.Apply(ctx, "2024-09-02", fmt.Sprintf("m-%d", i), delta("push"))
					assert.NoError(t, err)
				}
			}()
		}
		wg.Wait()

		rec, err := store.Get(ctx, "2024-09-02")
		require.NoError(t, err)
		assert.Equal(t, int64(10), rec.Count)
	})

	t.Run("list", func(t *testing.T) {
		recs, err := store.List(ctx, 10)
		require.NoError(t, err)
		require.Len(t, recs, 3)
		assert.Equal(t, "2024-09-01", recs[0].Key)
	})

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
