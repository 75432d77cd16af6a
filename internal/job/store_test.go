package job

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().UTC().Truncate(time.Second)}
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

type storeFactory func(t *testing.T, clock *fakeClock) Store

func makeRecord(userID, id string, startedAt time.Time) *Record {
	return &Record{
		StartedAt:  startedAt.Unix(),
		ID:         id,
		UserID:     userID,
		SourceURL:  "https://www.youtube.com/watch?v=" + id,
		FolderID:   "folder-1",
		FolderName: "Music",
		Status:     StatusPending,
	}
}

// runStoreSuite checks the behaviour every Store backend shares.
func runStoreSuite(t *testing.T, newStore storeFactory) {
	t.Run("create and get", func(t *testing.T) {
		clock := newFakeClock()
		store := newStore(t, clock)
		ctx := context.Background()

		r := makeRecord("user-1", "job-1", clock.Now())
		require.NoError(t, store.Create(ctx, r))

		got, err := store.Get(ctx, "user-1", "job-1")
		require.NoError(t, err)
		assert.Equal(t, r, got)
		assert.Equal(t, StatusPending, got.Status)
	})

	t.Run("duplicate key", func(t *testing.T) {
		clock := newFakeClock()
		store := newStore(t, clock)
		ctx := context.Background()

		r := makeRecord("user-1", "job-1", clock.Now())
		require.NoError(t, store.Create(ctx, r))
		assert.ErrorIs(t, store.Create(ctx, r), ErrDuplicateKey)
	})

	t.Run("same id under another user", func(t *testing.T) {
		clock := newFakeClock()
		store := newStore(t, clock)
		ctx := context.Background()

		require.NoError(t, store.Create(ctx, makeRecord("user-1", "job-1", clock.Now())))
		require.NoError(t, store.Create(ctx, makeRecord("user-2", "job-1", clock.Now())))
	})

	t.Run("get missing", func(t *testing.T) {
		store := newStore(t, newFakeClock())
		_, err := store.Get(context.Background(), "user-1", "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("update to failed", func(t *testing.T) {
		clock := newFakeClock()
		store := newStore(t, clock)
		ctx := context.Background()

		r := makeRecord("user-1", "job-1", clock.Now())
		require.NoError(t, store.Create(ctx, r))

		upd := *r
		upd.Status = StatusFailed
		upd.Message = "transcode: Invalid data found when processing input"
		require.NoError(t, store.Update(ctx, &upd))

		got, err := store.Get(ctx, "user-1", "job-1")
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, got.Status)
		assert.Equal(t, upd.Message, got.Message)
		assert.Equal(t, r.StartedAt, got.StartedAt)
	})

	t.Run("terminal status is immutable", func(t *testing.T) {
		clock := newFakeClock()
		store := newStore(t, clock)
		ctx := context.Background()

		r := makeRecord("user-1", "job-1", clock.Now())
		require.NoError(t, store.Create(ctx, r))

		done := *r
		done.Status = StatusSuccess
		require.NoError(t, store.Update(ctx, &done))
		// same terminal status again: no-op
		require.NoError(t, store.Update(ctx, &done))

		failed := *r
		failed.Status = StatusFailed
		failed.Message = "late failure"
		assert.ErrorIs(t, store.Update(ctx, &failed), ErrTerminal)

		got, err := store.Get(ctx, "user-1", "job-1")
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, got.Status)
		assert.Empty(t, got.Message)
	})

	t.Run("update missing", func(t *testing.T) {
		clock := newFakeClock()
		store := newStore(t, clock)

		r := makeRecord("user-1", "ghost", clock.Now())
		r.Status = StatusSuccess
		assert.ErrorIs(t, store.Update(context.Background(), r), ErrNotFound)
	})

	t.Run("update after expiry", func(t *testing.T) {
		clock := newFakeClock()
		store := newStore(t, clock)
		ctx := context.Background()

		r := makeRecord("user-1", "job-1", clock.Now())
		require.NoError(t, store.Create(ctx, r))
		clock.Advance(DefaultRetention + time.Second)

		r.Status = StatusSuccess
		assert.ErrorIs(t, store.Update(ctx, r), ErrNotFound)
	})

	t.Run("list orders by started_at", func(t *testing.T) {
		clock := newFakeClock()
		store := newStore(t, clock)
		ctx := context.Background()
		base := clock.Now().Add(-10 * time.Minute)

		// interleaved insertion order
		require.NoError(t, store.Create(ctx, makeRecord("user-1", "c", base.Add(2*time.Second))))
		require.NoError(t, store.Create(ctx, makeRecord("user-1", "a", base)))
		require.NoError(t, store.Create(ctx, makeRecord("user-2", "x", base.Add(time.Second))))
		require.NoError(t, store.Create(ctx, makeRecord("user-1", "b", base.Add(time.Second))))

		list, err := store.ListForUser(ctx, "user-1")
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, []string{"a", "b", "c"}, ids(list))
	})

	t.Run("list empty", func(t *testing.T) {
		store := newStore(t, newFakeClock())
		list, err := store.ListForUser(context.Background(), "nobody")
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("sweep respects the retention window", func(t *testing.T) {
		clock := newFakeClock()
		store := newStore(t, clock)
		ctx := context.Background()

		old := makeRecord("user-1", "old", clock.Now().Add(-50*time.Minute))
		fresh := makeRecord("user-1", "fresh", clock.Now())
		require.NoError(t, store.Create(ctx, old))
		require.NoError(t, store.Create(ctx, fresh))

		n, err := store.SweepExpired(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
		_, err = store.Get(ctx, "user-1", "old")
		require.NoError(t, err, "record inside its window must survive a sweep")

		clock.Advance(11 * time.Minute)
		n, err = store.SweepExpired(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		_, err = store.Get(ctx, "user-1", "old")
		assert.ErrorIs(t, err, ErrNotFound)
		list, err := store.ListForUser(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"fresh"}, ids(list))
	})

	t.Run("list pending", func(t *testing.T) {
		clock := newFakeClock()
		store := newStore(t, clock)
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			require.NoError(t, store.Create(ctx, makeRecord(fmt.Sprintf("user-%d", i), "job", clock.Now())))
		}
		done := makeRecord("user-1", "job", clock.Now())
		done.Status = StatusSuccess
		require.NoError(t, store.Update(ctx, done))

		pending, err := store.ListPending(ctx, "")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"user-0", "user-2"}, userIDs(pending))
	})

	t.Run("list pending by worker", func(t *testing.T) {
		clock := newFakeClock()
		store := newStore(t, clock)
		ctx := context.Background()

		for i, w := range []string{"node-a", "node-b", "node-a"} {
			rec := makeRecord("user-1", fmt.Sprintf("job-%d", i), clock.Now())
			rec.Worker = w
			require.NoError(t, store.Create(ctx, rec))
		}

		mine, err := store.ListPending(ctx, "node-a")
		require.NoError(t, err)
		require.Len(t, mine, 2)
		for _, r := range mine {
			assert.Equal(t, "node-a", r.Worker)
		}

		others, err := store.ListPending(ctx, "node-b")
		require.NoError(t, err)
		assert.Len(t, others, 1)

		none, err := store.ListPending(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, none)

		// the worker survives the terminal transition
		done := makeRecord("user-1", "job-1", clock.Now())
		done.Status = StatusSuccess
		require.NoError(t, store.Update(ctx, done))
		got, err := store.Get(ctx, "user-1", "job-1")
		require.NoError(t, err)
		assert.Equal(t, "node-b", got.Worker)
	})
}

func ids(records []*Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

func userIDs(records []*Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.UserID
	}
	return out
}
