package lstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dDoc/lib/db"
	"github.com/ValentinKolb/dDoc/lib/db/engines/memdoc"
	"github.com/ValentinKolb/dDoc/lib/feed"
	"github.com/ValentinKolb/dDoc/lib/query"
	"github.com/ValentinKolb/dDoc/lib/store"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

var usersNS = db.NewNamespace("app", "users")

func newTestStore(t *testing.T) store.IStore {
	t.Helper()
	s := NewLocalStore(func() db.IDocDB { return memdoc.NewMemDocDB() }, feed.NewChangeFeed(0))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustCompile(t *testing.T, filter bson.D) query.Matcher {
	t.Helper()
	m, err := query.Compile(filter)
	require.NoError(t, err)
	return m
}

func updater(update bson.D) store.Updater {
	return func(doc bson.D, insert bool) (bson.D, error) {
		return query.ApplyUpdate(doc, update, insert)
	}
}

// drain returns every event currently in the feed after position from.
func drain(t *testing.T, f *feed.ChangeFeed, from uint64) []feed.ChangeEvent {
	t.Helper()
	sub, err := f.SubscribeFrom(from)
	require.NoError(t, err)
	defer sub.Cancel()
	var out []feed.ChangeEvent
	for {
		ev, ok, err := sub.TryNext()
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func retCode(err error) store.RetCode {
	var serr *store.Error
	if errors.As(err, &serr) {
		return serr.Code
	}
	return store.RetCSuccess
}

func TestInsert(t *testing.T) {
	s := newTestStore(t)

	id, err := s.Insert(usersNS, bson.D{{Key: "_id", Value: "ada"}, {Key: "age", Value: int32(36)}})
	require.NoError(t, err)
	assert.Equal(t, "ada", id)

	_, err = s.Insert(usersNS, bson.D{{Key: "_id", Value: "ada"}, {Key: "age", Value: int32(1)}})
	require.Error(t, err)
	assert.Equal(t, store.RetCDuplicateKey, retCode(err))

	generated, err := s.Insert(usersNS, bson.D{{Key: "name", Value: "no id"}})
	require.NoError(t, err)
	require.NotNil(t, generated)

	events := drain(t, s.Feed(), 0)
	require.Len(t, events, 2, "a rejected insert must not produce an event")
	assert.Equal(t, feed.OpInsert, events[0].OperationType)
	assert.Equal(t, db.DocumentKey("ada"), events[0].DocumentKey)
	assert.Equal(t, generated, events[1].DocumentKey[0].Value)
}

func TestUpdate(t *testing.T) {
	s := newTestStore(t)
	for i := 1; i <= 3; i++ {
		_, err := s.Insert(usersNS, bson.D{{Key: "_id", Value: i}, {Key: "group", Value: "a"}, {Key: "n", Value: int32(0)}})
		require.NoError(t, err)
	}
	start := s.Feed().LastSequence()

	res, err := s.Update(usersNS, mustCompile(t, bson.D{{Key: "group", Value: "a"}}), nil,
		updater(bson.D{{Key: "$inc", Value: bson.D{{Key: "n", Value: int32(1)}}}}), store.UpdateOptions{Multi: true})
	require.NoError(t, err)
	assert.Equal(t, store.UpdateResult{Matched: 3, Modified: 3}, res)

	events := drain(t, s.Feed(), start)
	require.Len(t, events, 3)
	for _, ev := range events {
		assert.Equal(t, feed.OpUpdate, ev.OperationType)
		n, _ := query.LookupFirst(ev.FullDocument, "n")
		assert.Equal(t, int32(1), n, "update events carry the full resulting document")
	}

	t.Run("single", func(t *testing.T) {
		res, err := s.Update(usersNS, mustCompile(t, bson.D{{Key: "group", Value: "a"}}), nil,
			updater(bson.D{{Key: "$set", Value: bson.D{{Key: "first", Value: true}}}}), store.UpdateOptions{})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Modified)
	})

	t.Run("no change produces no event", func(t *testing.T) {
		before := s.Feed().LastSequence()
		res, err := s.Update(usersNS, mustCompile(t, bson.D{{Key: "_id", Value: 2}}), nil,
			updater(bson.D{{Key: "$set", Value: bson.D{{Key: "n", Value: int32(1)}}}}), store.UpdateOptions{})
		require.NoError(t, err)
		assert.Equal(t, store.UpdateResult{Matched: 1}, res)
		assert.Equal(t, before, s.Feed().LastSequence())
	})

	t.Run("not found", func(t *testing.T) {
		_, err := s.Update(usersNS, mustCompile(t, bson.D{{Key: "_id", Value: 99}}), nil,
			updater(bson.D{{Key: "$set", Value: bson.D{{Key: "x", Value: 1}}}}), store.UpdateOptions{})
		assert.Equal(t, store.RetCNotFound, retCode(err))
	})

	t.Run("upsert", func(t *testing.T) {
		filter := bson.D{{Key: "_id", Value: 42}}
		res, err := s.Update(usersNS, mustCompile(t, filter), query.UpsertSeed(filter),
			updater(bson.D{{Key: "$set", Value: bson.D{{Key: "group", Value: "b"}}}}), store.UpdateOptions{Upsert: true})
		require.NoError(t, err)
		assert.Equal(t, 42, res.UpsertedID)

		doc, ok, err := s.Get(usersNS, 42)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, bson.D{{Key: "_id", Value: 42}, {Key: "group", Value: "b"}}, doc)
	})

	t.Run("invalid update", func(t *testing.T) {
		_, err := s.Update(usersNS, mustCompile(t, bson.D{{Key: "_id", Value: 1}}), nil,
			updater(bson.D{{Key: "$set", Value: bson.D{{Key: "_id", Value: 5}}}}), store.UpdateOptions{})
		assert.Equal(t, store.RetCInvalidOperation, retCode(err))
	})
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		_, err := s.Insert(usersNS, bson.D{{Key: "_id", Value: i}, {Key: "even", Value: i%2 == 0}})
		require.NoError(t, err)
	}

	n, err := s.Delete(usersNS, mustCompile(t, bson.D{{Key: "even", Value: true}}), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.Delete(usersNS, mustCompile(t, bson.D{{Key: "even", Value: true}}), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.Delete(usersNS, mustCompile(t, bson.D{{Key: "even", Value: true}}), 0)
	assert.Equal(t, store.RetCNotFound, retCode(err))

	count, err := s.Count(usersNS, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	events := drain(t, s.Feed(), 5)
	require.Len(t, events, 3)
	for _, ev := range events {
		assert.Equal(t, feed.OpDelete, ev.OperationType)
		assert.Nil(t, ev.FullDocument)
	}
}

func TestDrop(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Insert(db.NewNamespace("app", "a"), bson.D{{Key: "_id", Value: 1}})
	require.NoError(t, err)
	_, err = s.Insert(db.NewNamespace("app", "b"), bson.D{{Key: "_id", Value: 1}})
	require.NoError(t, err)
	created, err := s.CreateCollection(db.NewNamespace("other", "c"))
	require.NoError(t, err)
	assert.True(t, created)

	assert.Equal(t, []string{"app", "other"}, s.ListDatabases())

	dropped, err := s.DropCollection(db.NewNamespace("app", "missing"))
	require.NoError(t, err)
	assert.False(t, dropped)

	names, err := s.DropDatabase("app")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)
	assert.Equal(t, []string{"other"}, s.ListDatabases())

	events := drain(t, s.Feed(), 2)
	require.Len(t, events, 2)
	assert.Equal(t, feed.OpDrop, events[0].OperationType)
	assert.Equal(t, db.NewNamespace("app", "a"), events[0].Namespace)
}

func TestApplyChangeIsIdempotent(t *testing.T) {
	primary := newTestStore(t)
	secondary := newTestStore(t)

	_, err := primary.Insert(usersNS, bson.D{{Key: "_id", Value: 1}, {Key: "tags", Value: bson.A{"a"}}})
	require.NoError(t, err)
	_, err = primary.Update(usersNS, mustCompile(t, bson.D{{Key: "_id", Value: 1}}), nil,
		updater(bson.D{{Key: "$push", Value: bson.D{{Key: "tags", Value: "b"}}}}), store.UpdateOptions{})
	require.NoError(t, err)
	_, err = primary.Insert(usersNS, bson.D{{Key: "_id", Value: 2}})
	require.NoError(t, err)
	_, err = primary.Delete(usersNS, mustCompile(t, bson.D{{Key: "_id", Value: 2}}), 1)
	require.NoError(t, err)

	events := drain(t, primary.Feed(), 0)
	require.Len(t, events, 4)

	for _, ev := range events {
		changed, err := secondary.ApplyChange(ev)
		require.NoError(t, err)
		assert.True(t, changed)
		changed, err = secondary.ApplyChange(ev)
		require.NoError(t, err)
		assert.False(t, changed, "re-applying %s #%d must not change state", ev.OperationType, ev.Sequence)
	}
	assert.Equal(t, uint64(4), secondary.Feed().LastSequence(), "only changing applies reach the local feed")

	// replaying the whole history converges to the same state
	for _, ev := range events {
		_, err := secondary.ApplyChange(ev)
		require.NoError(t, err)
	}

	want, err := primary.Find(usersNS, nil, 0)
	require.NoError(t, err)
	got, err := secondary.Find(usersNS, nil, 0)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("stores differ (-primary +secondary):\n%s", diff)
	}

	changed, err := secondary.ApplyChange(feed.ChangeEvent{OperationType: feed.OpDrop, Namespace: usersNS})
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = secondary.ApplyChange(feed.ChangeEvent{OperationType: feed.OpDrop, Namespace: usersNS})
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestRetain(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 4; i++ {
		_, err := s.Insert(usersNS, bson.D{{Key: "_id", Value: int32(i)}})
		require.NoError(t, err)
	}
	removed, err := s.Retain(usersNS, []interface{}{int64(1), 3.0})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	docs, err := s.Find(usersNS, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []bson.D{{{Key: "_id", Value: int32(1)}}, {{Key: "_id", Value: int32(3)}}}, docs)
}

func TestMutationVisibleInFeedBeforeReturn(t *testing.T) {
	s := newTestStore(t)
	sub, err := s.Feed().SubscribeFrom(0)
	require.NoError(t, err)
	defer sub.Cancel()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := w*1000 + i
				if _, err := s.Insert(usersNS, bson.D{{Key: "_id", Value: id}}); err != nil {
					t.Errorf("insert %d: %v", id, err)
					return
				}
				// the event must already be in the feed when Insert returned
				if s.Feed().LastSequence() == 0 {
					t.Errorf("insert %d returned before its event was appended", id)
				}
			}
		}(w)
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	seen := map[interface{}]bool{}
	for i := 0; i < 200; i++ {
		ev, err := sub.Next(ctx)
		require.NoError(t, err)
		seen[ev.DocumentKey[0].Value] = true
	}
	assert.Len(t, seen, 200)
}
