package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dDoc/lib/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var testNS = db.NewNamespace("test", "events")

func insertEvent(id int) ChangeEvent {
	return ChangeEvent{
		OperationType: OpInsert,
		Namespace:     testNS,
		DocumentKey:   db.DocumentKey(id),
		FullDocument:  bson.D{{Key: "_id", Value: id}},
	}
}

func TestAppendAssignsGaplessSequence(t *testing.T) {
	f := NewChangeFeed(0)
	var prev primitive.Timestamp
	for i := 1; i <= 100; i++ {
		ev := f.Append(insertEvent(i))
		require.Equal(t, uint64(i), ev.Sequence)
		require.Equal(t, 1, primitive.CompareTimestamp(ev.ClusterTime, prev), "cluster time must increase")
		prev = ev.ClusterTime
	}
	assert.Equal(t, uint64(100), f.LastSequence())
	assert.Equal(t, uint64(1), f.FirstSequence())
}

func TestSubscribeFrom(t *testing.T) {
	f := NewChangeFeed(0)
	for i := 1; i <= 5; i++ {
		f.Append(insertEvent(i))
	}

	sub, err := f.SubscribeFrom(2)
	require.NoError(t, err)
	defer sub.Cancel()

	ctx := context.Background()
	for want := uint64(3); want <= 5; want++ {
		ev, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, ev.Sequence)
	}

	_, ok, err := sub.TryNext()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(5), sub.Position())

	_, err = f.SubscribeFrom(9)
	assert.True(t, errors.Is(err, ErrHistoryLost))
}

func TestNextBlocksUntilAppend(t *testing.T) {
	f := NewChangeFeed(0)
	sub, err := f.SubscribeFrom(f.LastSequence())
	require.NoError(t, err)
	defer sub.Cancel()

	got := make(chan ChangeEvent, 1)
	go func() {
		ev, err := sub.Next(context.Background())
		if err == nil {
			got <- ev
		}
	}()

	select {
	case <-got:
		t.Fatal("Next returned before an event was appended")
	case <-time.After(50 * time.Millisecond):
	}

	f.Append(insertEvent(1))
	select {
	case ev := <-got:
		assert.Equal(t, uint64(1), ev.Sequence)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not wake up after append")
	}
}

func TestNextWakeups(t *testing.T) {
	t.Run("context", func(t *testing.T) {
		f := NewChangeFeed(0)
		sub, err := f.SubscribeFrom(0)
		require.NoError(t, err)
		defer sub.Cancel()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		_, err = sub.Next(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("cancel", func(t *testing.T) {
		f := NewChangeFeed(0)
		sub, err := f.SubscribeFrom(0)
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() {
			_, err := sub.Next(context.Background())
			done <- err
		}()
		time.Sleep(20 * time.Millisecond)
		sub.Cancel()
		sub.Cancel()

		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrCancelled)
		case <-time.After(2 * time.Second):
			t.Fatal("Cancel did not wake the subscriber")
		}
		assert.Equal(t, 0, f.Subscribers())
	})

	t.Run("close", func(t *testing.T) {
		f := NewChangeFeed(0)
		var wg sync.WaitGroup
		errs := make(chan error, 3)
		for i := 0; i < 3; i++ {
			sub, err := f.SubscribeFrom(0)
			require.NoError(t, err)
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := sub.Next(context.Background())
				errs <- err
			}()
		}
		time.Sleep(20 * time.Millisecond)
		f.Close()
		wg.Wait()
		close(errs)
		for err := range errs {
			assert.ErrorIs(t, err, ErrClosed)
		}

		_, err := f.SubscribeFrom(0)
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestRetention(t *testing.T) {
	f := NewChangeFeed(3)
	sub, err := f.SubscribeFrom(0)
	require.NoError(t, err)

	for i := 1; i <= 10; i++ {
		f.Append(insertEvent(i))
	}
	assert.Equal(t, uint64(8), f.FirstSequence())

	_, _, err = sub.TryNext()
	assert.ErrorIs(t, err, ErrHistoryLost)

	_, err = f.SubscribeFrom(2)
	assert.ErrorIs(t, err, ErrHistoryLost)

	late, err := f.SubscribeFrom(7)
	require.NoError(t, err)
	ev, err := late.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(8), ev.Sequence)
}

func TestConcurrentSubscribersSeeSameOrder(t *testing.T) {
	f := NewChangeFeed(0)
	const writers, perWriter, readers = 4, 250, 3
	total := writers * perWriter

	var rg sync.WaitGroup
	for r := 0; r < readers; r++ {
		sub, err := f.SubscribeFrom(0)
		require.NoError(t, err)
		rg.Add(1)
		go func() {
			defer rg.Done()
			defer sub.Cancel()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			for want := uint64(1); want <= uint64(total); want++ {
				ev, err := sub.Next(ctx)
				if err != nil {
					t.Errorf("reader failed at %d: %v", want, err)
					return
				}
				if ev.Sequence != want {
					t.Errorf("expected sequence %d, got %d", want, ev.Sequence)
					return
				}
			}
		}()
	}

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				f.Append(insertEvent(w*perWriter + i))
			}
		}(w)
	}
	wg.Wait()
	rg.Wait()
}

func TestPositionAt(t *testing.T) {
	f := NewChangeFeed(0)
	f.Append(insertEvent(1))
	second := f.Append(insertEvent(2))
	f.Append(insertEvent(3))

	assert.Equal(t, uint64(1), f.PositionAt(second.ClusterTime))
	assert.Equal(t, uint64(3), f.PositionAt(primitive.Timestamp{T: second.ClusterTime.T + 1000}))
}
