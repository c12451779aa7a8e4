// Package storagetest holds the behavioural suite every job store backend
// must pass.
package storagetest

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/itemq/internal/clock"
	"github.com/SirClappington/itemq/internal/domain"
	"github.com/SirClappington/itemq/internal/storage"
)

// Factory returns an empty store driven by clk with the given lease TTL.
type Factory func(t *testing.T, clk *clock.Fake, leaseTTL time.Duration) storage.Store

const leaseTTL = 5 * time.Minute

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// Run executes the suite against the backend produced by newStore.
func Run(t *testing.T, newStore Factory) {
	setup := func(t *testing.T) (storage.Store, *clock.Fake) {
		clk := clock.NewFake(epoch)
		return newStore(t, clk, leaseTTL), clk
	}

	t.Run("enqueue defaults", func(t *testing.T) {
		s, _ := setup(t)
		j := enqueue(t, s, "item-1", domain.TypeFetchExtract)

		assert.NotEmpty(t, j.ID)
		assert.Equal(t, "item-1", j.ItemID)
		assert.Equal(t, domain.TypeFetchExtract, j.Type)
		assert.Equal(t, domain.Pending, j.State)
		assert.Zero(t, j.Attempt)
		assertTime(t, epoch, j.RunAfter)
		assertTime(t, epoch, j.CreatedAt)
		assert.Nil(t, j.LockedBy)
		assert.Nil(t, j.LockExpiresAt)
		assert.Nil(t, j.StartedAt)
		assert.Nil(t, j.FinishedAt)
	})

	t.Run("enqueue validates input", func(t *testing.T) {
		s, _ := setup(t)
		_, err := s.Enqueue(context.Background(), domain.NewJob{Type: domain.TypeAITag})
		assert.Error(t, err)
		_, err = s.Enqueue(context.Background(), domain.NewJob{ItemID: "item-1"})
		assert.Error(t, err)
	})

	t.Run("acquire on empty store", func(t *testing.T) {
		s, _ := setup(t)
		j, err := s.Acquire(context.Background(), "w1")
		require.NoError(t, err)
		assert.Nil(t, j)
	})

	t.Run("acquire sets lease", func(t *testing.T) {
		s, _ := setup(t)
		created := enqueue(t, s, "item-1", domain.TypeFetchExtract)

		j := acquire(t, s, "w1")
		require.NotNil(t, j)
		assert.Equal(t, created.ID, j.ID)
		require.NotNil(t, j.LockedBy)
		assert.Equal(t, "w1", *j.LockedBy)
		require.NotNil(t, j.LockExpiresAt)
		assertTime(t, epoch.Add(leaseTTL), *j.LockExpiresAt)
		require.NotNil(t, j.StartedAt)
		assertTime(t, epoch, *j.StartedAt)
		assertTime(t, epoch, j.UpdatedAt)
		assert.Equal(t, domain.Pending, j.State)

		stored := get(t, s, j.ID)
		require.NotNil(t, stored.LockedBy)
		assert.Equal(t, "w1", *stored.LockedBy)
	})

	t.Run("leased job is not acquired twice", func(t *testing.T) {
		s, _ := setup(t)
		enqueue(t, s, "item-1", domain.TypeFetchExtract)

		require.NotNil(t, acquire(t, s, "w1"))
		assert.Nil(t, acquire(t, s, "w2"))
	})

	t.Run("future run_after is not leasable", func(t *testing.T) {
		s, clk := setup(t)
		later := epoch.Add(time.Minute)
		_, err := s.Enqueue(context.Background(), domain.NewJob{ItemID: "item-1", Type: domain.TypeAITag, RunAfter: &later})
		require.NoError(t, err)

		assert.Nil(t, acquire(t, s, "w1"))
		clk.Advance(time.Minute)
		assert.NotNil(t, acquire(t, s, "w1"))
	})

	t.Run("acquire orders by run_after", func(t *testing.T) {
		s, clk := setup(t)
		late := epoch.Add(-time.Minute)
		early := epoch.Add(-time.Hour)
		a, err := s.Enqueue(context.Background(), domain.NewJob{ItemID: "a", Type: domain.TypeAITag, RunAfter: &late})
		require.NoError(t, err)
		clk.Advance(time.Second)
		b, err := s.Enqueue(context.Background(), domain.NewJob{ItemID: "b", Type: domain.TypeAITag, RunAfter: &early})
		require.NoError(t, err)

		first := acquire(t, s, "w1")
		second := acquire(t, s, "w1")
		require.NotNil(t, first)
		require.NotNil(t, second)
		assert.Equal(t, b.ID, first.ID)
		assert.Equal(t, a.ID, second.ID)
	})

	t.Run("expired lease is taken over", func(t *testing.T) {
		s, clk := setup(t)
		enqueue(t, s, "item-1", domain.TypeFetchExtract)
		require.NotNil(t, acquire(t, s, "worker-a"))

		clk.Advance(leaseTTL)
		assert.Nil(t, acquire(t, s, "worker-b"), "lease is still valid at its expiry instant")

		clk.Advance(time.Second)
		j := acquire(t, s, "worker-b")
		require.NotNil(t, j)
		assert.Equal(t, "worker-b", *j.LockedBy)
		assertTime(t, clk.Now().Add(leaseTTL), *j.LockExpiresAt)
	})

	t.Run("complete is terminal and idempotent", func(t *testing.T) {
		s, clk := setup(t)
		enqueue(t, s, "item-1", domain.TypeFetchExtract)
		j := acquire(t, s, "w1")
		require.NotNil(t, j)

		clk.Advance(time.Second)
		require.NoError(t, s.Complete(context.Background(), j.ID))
		require.NoError(t, s.Complete(context.Background(), j.ID))

		done := get(t, s, j.ID)
		assert.Equal(t, domain.Completed, done.State)
		require.NotNil(t, done.FinishedAt)
		assertTime(t, clk.Now(), *done.FinishedAt)

		clk.Advance(time.Hour)
		assert.Nil(t, acquire(t, s, "w2"))
	})

	t.Run("fail is terminal", func(t *testing.T) {
		s, clk := setup(t)
		enqueue(t, s, "item-1", domain.TypeFetchExtract)
		j := acquire(t, s, "w1")
		require.NotNil(t, j)

		require.NoError(t, s.Fail(context.Background(), j.ID, "boom"))

		failed := get(t, s, j.ID)
		assert.Equal(t, domain.Failed, failed.State)
		require.NotNil(t, failed.LastErrorMessage)
		assert.Equal(t, "boom", *failed.LastErrorMessage)
		require.NotNil(t, failed.FinishedAt)

		clk.Advance(time.Hour)
		assert.Nil(t, acquire(t, s, "w2"))
	})

	t.Run("retry releases lease and reschedules", func(t *testing.T) {
		s, clk := setup(t)
		enqueue(t, s, "item-1", domain.TypeFetchExtract)
		j := acquire(t, s, "w1")
		require.NotNil(t, j)

		runAfter := epoch.Add(2 * time.Minute)
		require.NoError(t, s.Retry(context.Background(), j.ID, domain.RetrySchedule{
			Attempt: 1, RunAfter: runAfter, ErrorMessage: "timeout",
		}))

		r := get(t, s, j.ID)
		assert.Equal(t, domain.Pending, r.State)
		assert.Equal(t, 1, r.Attempt)
		assertTime(t, runAfter, r.RunAfter)
		assert.Nil(t, r.LockedBy)
		assert.Nil(t, r.LockExpiresAt)
		require.NotNil(t, r.LastErrorMessage)
		assert.Equal(t, "timeout", *r.LastErrorMessage)

		assert.Nil(t, acquire(t, s, "w2"))
		clk.Set(runAfter)
		again := acquire(t, s, "w2")
		require.NotNil(t, again)
		assert.Equal(t, 1, again.Attempt)
		assert.Equal(t, "w2", *again.LockedBy)
	})

	t.Run("transitions on terminal jobs are ignored", func(t *testing.T) {
		s, _ := setup(t)
		enqueue(t, s, "item-1", domain.TypeFetchExtract)
		j := acquire(t, s, "w1")
		require.NotNil(t, j)
		require.NoError(t, s.Complete(context.Background(), j.ID))

		require.NoError(t, s.Retry(context.Background(), j.ID, domain.RetrySchedule{Attempt: 1, RunAfter: epoch}))
		require.NoError(t, s.Fail(context.Background(), j.ID, "late"))

		got := get(t, s, j.ID)
		assert.Equal(t, domain.Completed, got.State)
		assert.Zero(t, got.Attempt)
		assert.Nil(t, got.LastErrorMessage)
	})

	t.Run("unknown job", func(t *testing.T) {
		s, _ := setup(t)
		ctx := context.Background()
		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, s.Complete(ctx, "missing"), storage.ErrNotFound)
		assert.ErrorIs(t, s.Fail(ctx, "missing", "x"), storage.ErrNotFound)
		assert.ErrorIs(t, s.Retry(ctx, "missing", domain.RetrySchedule{}), storage.ErrNotFound)
	})

	t.Run("error message is truncated", func(t *testing.T) {
		s, _ := setup(t)
		enqueue(t, s, "item-1", domain.TypeFetchExtract)
		j := acquire(t, s, "w1")
		require.NotNil(t, j)

		require.NoError(t, s.Fail(context.Background(), j.ID, strings.Repeat("e", 2000)))
		got := get(t, s, j.ID)
		require.NotNil(t, got.LastErrorMessage)
		assert.Len(t, *got.LastErrorMessage, 500)
	})

	t.Run("truncated error message stays valid UTF-8", func(t *testing.T) {
		s, clk := setup(t)
		enqueue(t, s, "item-1", domain.TypeFetchExtract)
		j := acquire(t, s, "w1")
		require.NotNil(t, j)

		msg := "status 503: " + strings.Repeat("サ", 200) + "\xff"
		require.NoError(t, s.Retry(context.Background(), j.ID, domain.RetrySchedule{
			Attempt: 1, RunAfter: clk.Now().Add(2 * time.Minute), DelayMinutes: 2, ErrorMessage: msg,
		}))
		got := get(t, s, j.ID)
		require.NotNil(t, got.LastErrorMessage)
		assert.True(t, utf8.ValidString(*got.LastErrorMessage))
		assert.LessOrEqual(t, len(*got.LastErrorMessage), 500)
		assert.Equal(t, 1, got.Attempt)
	})

	t.Run("concurrent acquire is exclusive", func(t *testing.T) {
		s, _ := setup(t)
		enqueue(t, s, "item-1", domain.TypeFetchExtract)

		const workers = 8
		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			won   []string
			errs  []error
			start = make(chan struct{})
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				<-start
				j, err := s.Acquire(context.Background(), id)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				if j != nil {
					won = append(won, id)
				}
			}(string(rune('a' + i)))
		}
		close(start)
		wg.Wait()

		assert.Empty(t, errs)
		assert.Len(t, won, 1)
	})

	t.Run("monotone attempts across retries", func(t *testing.T) {
		s, clk := setup(t)
		enqueue(t, s, "item-1", domain.TypeFetchExtract)

		for n := 1; n <= 4; n++ {
			j := acquire(t, s, "w1")
			require.NotNil(t, j)
			assert.Equal(t, n-1, j.Attempt)
			require.NoError(t, s.Retry(context.Background(), j.ID, domain.RetrySchedule{
				Attempt: n, RunAfter: clk.Now(), ErrorMessage: "again",
			}))
			assert.Equal(t, n, get(t, s, j.ID).Attempt)
		}
	})

	t.Run("list and stats", func(t *testing.T) {
		s, clk := setup(t)
		a := enqueue(t, s, "a", domain.TypeFetchExtract)
		clk.Advance(time.Second)
		enqueue(t, s, "b", domain.TypeAITag)
		clk.Advance(time.Second)
		c := enqueue(t, s, "c", domain.TypeAITag)

		leased := acquire(t, s, "w1")
		require.NotNil(t, leased)
		assert.Equal(t, a.ID, leased.ID)
		require.NoError(t, s.Complete(context.Background(), a.ID))
		require.NotNil(t, acquire(t, s, "w1"))
		require.NoError(t, s.Fail(context.Background(), c.ID, "bad"))

		st, err := s.Stats(context.Background())
		require.NoError(t, err)
		assert.Equal(t, domain.Stats{Pending: 1, Leased: 1, Completed: 1, Failed: 1}, st)

		all, err := s.List(context.Background(), storage.Filter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{"a", "b", "c"}, []string{all[0].ItemID, all[1].ItemID, all[2].ItemID})

		aiTag, err := s.List(context.Background(), storage.Filter{Type: domain.TypeAITag})
		require.NoError(t, err)
		assert.Len(t, aiTag, 2)

		failed, err := s.List(context.Background(), storage.Filter{State: domain.Failed})
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, c.ID, failed[0].ID)

		limited, err := s.List(context.Background(), storage.Filter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})

	t.Run("list leasable skips jobs outside the window", func(t *testing.T) {
		s, clk := setup(t)
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			_, err := s.Enqueue(ctx, domain.NewJob{
				ItemID: "later", Type: domain.TypeAITag, RunAfter: domain.Ptr(clk.Now().Add(time.Hour)),
			})
			require.NoError(t, err)
		}
		clk.Advance(time.Second)
		held := enqueue(t, s, "held", domain.TypeAITag)
		require.Equal(t, held.ID, acquire(t, s, "w1").ID)
		clk.Advance(time.Second)
		ready := enqueue(t, s, "ready", domain.TypeAITag)

		got, err := s.List(ctx, storage.Filter{LeasableAt: clk.Now(), Limit: 1})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, ready.ID, got[0].ID)

		clk.Advance(leaseTTL + time.Second)
		got, err = s.List(ctx, storage.Filter{LeasableAt: clk.Now()})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, []string{held.ID, ready.ID}, []string{got[0].ID, got[1].ID})
	})
}

func enqueue(t *testing.T, s storage.Store, itemID string, typ domain.Type) *domain.Job {
	t.Helper()
	j, err := s.Enqueue(context.Background(), domain.NewJob{ItemID: itemID, Type: typ})
	require.NoError(t, err)
	return j
}

func acquire(t *testing.T, s storage.Store, workerID string) *domain.Job {
	t.Helper()
	j, err := s.Acquire(context.Background(), workerID)
	require.NoError(t, err)
	return j
}

func get(t *testing.T, s storage.Store, id string) *domain.Job {
	t.Helper()
	j, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return j
}

func assertTime(t *testing.T, want, got time.Time) {
	t.Helper()
	assert.True(t, want.Equal(got), "want %s, got %s", want, got)
}
