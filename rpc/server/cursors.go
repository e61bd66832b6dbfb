package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dDoc/lib/db"
	"github.com/puzpuzpuz/xsync/v3"
	"go.mongodb.org/mongo-driver/bson"
)

const (
	defaultBatchSize = 101
	// batches stop growing at this size, leaving room for the reply envelope
	maxBatchBytes = 16*1024*1024 - 64*1024
)

// cursor is a server side cursor over the remaining documents of a find or
// aggregate, or over a change stream.
type cursor struct {
	id     int64
	ns     string
	mu     sync.Mutex // one getMore at a time
	docs   []bson.D
	stream *changeStream

	lastUsed atomic.Int64 // unix nanos
	killed   atomic.Bool
}

func (c *cursor) touch() {
	c.lastUsed.Store(time.Now().UnixNano())
}

// close releases the resources of the cursor. It may be called while a getMore
// is blocked on the cursor and wakes it.
func (c *cursor) close() {
	if c.killed.Swap(true) {
		return
	}
	if c.stream != nil {
		c.stream.close()
	}
}

// cursorRegistry holds the open cursors of one server.
type cursorRegistry struct {
	cursors *xsync.MapOf[int64, *cursor]
	nextID  atomic.Int64
	timeout time.Duration
}

func newCursorRegistry(timeout time.Duration) *cursorRegistry {
	return &cursorRegistry{
		cursors: xsync.NewMapOf[int64, *cursor](),
		timeout: timeout,
	}
}

// register assigns an id to c and stores it.
func (r *cursorRegistry) register(c *cursor) int64 {
	c.id = r.nextID.Add(1)
	c.touch()
	r.cursors.Store(c.id, c)
	return c.id
}

func (r *cursorRegistry) get(id int64) (*cursor, bool) {
	return r.cursors.Load(id)
}

// kill closes and removes a cursor, it reports whether the cursor existed.
func (r *cursorRegistry) kill(id int64) bool {
	c, ok := r.cursors.LoadAndDelete(id)
	if ok {
		c.close()
	}
	return ok
}

func (r *cursorRegistry) count() int {
	return r.cursors.Size()
}

// reap kills every cursor unused for longer than the timeout.
func (r *cursorRegistry) reap(now time.Time) int {
	if r.timeout <= 0 {
		return 0
	}
	limit := now.Add(-r.timeout).UnixNano()
	reaped := 0
	r.cursors.Range(func(id int64, c *cursor) bool {
		if c.lastUsed.Load() < limit && c.mu.TryLock() {
			c.mu.Unlock()
			if r.kill(id) {
				reaped++
			}
		}
		return true
	})
	return reaped
}

// run reaps idle cursors until ctx is done.
func (r *cursorRegistry) run(ctx context.Context) {
	if r.timeout <= 0 {
		return
	}
	interval := min(max(r.timeout/2, 10*time.Millisecond), time.Minute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := r.reap(now); n > 0 {
				Logger.Debugf("reaped %d idle cursors", n)
			}
		}
	}
}

// closeAll kills every cursor.
func (r *cursorRegistry) closeAll() {
	r.cursors.Range(func(id int64, _ *cursor) bool {
		r.kill(id)
		return true
	})
}

// takeBatch splits off the next batch of docs. size 0 takes as many documents
// as fit into a reply.
func takeBatch(docs []bson.D, size int) (batch bson.A, rest []bson.D) {
	batch = bson.A{}
	bytes := 0
	for i, doc := range docs {
		if size > 0 && i >= size {
			return batch, docs[i:]
		}
		bytes += db.DocumentSize(doc)
		if i > 0 && bytes > maxBatchBytes {
			return batch, docs[i:]
		}
		batch = append(batch, doc)
	}
	return batch, nil
}

// cursorDocument builds the cursor field of a reply.
func cursorDocument(id int64, ns string, batchField string, batch bson.A, extra ...bson.E) bson.D {
	doc := bson.D{
		{Key: batchField, Value: batch},
		{Key: "id", Value: id},
		{Key: "ns", Value: ns},
	}
	return append(doc, extra...)
}
