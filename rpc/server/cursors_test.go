package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func docsN(n int) []bson.D {
	docs := make([]bson.D, n)
	for i := range docs {
		docs[i] = bson.D{{Key: "_id", Value: int32(i)}}
	}
	return docs
}

func TestTakeBatch(t *testing.T) {
	batch, rest := takeBatch(docsN(5), 2)
	assert.Len(t, batch, 2)
	assert.Len(t, rest, 3)

	batch, rest = takeBatch(docsN(5), 0)
	assert.Len(t, batch, 5)
	assert.Nil(t, rest)

	batch, rest = takeBatch(nil, 10)
	assert.NotNil(t, batch)
	assert.Empty(t, batch)
	assert.Nil(t, rest)
}

func TestWindow(t *testing.T) {
	assert.Len(t, window(docsN(10), 3, 0), 7)
	assert.Len(t, window(docsN(10), 3, 4), 4)
	assert.Empty(t, window(docsN(10), 20, 1))
}

func TestCursorRegistry(t *testing.T) {
	r := newCursorRegistry(time.Minute)

	a := r.register(&cursor{ns: "shop.items", docs: docsN(3)})
	b := r.register(&cursor{ns: "shop.items"})
	require.NotEqual(t, a, b)
	assert.Equal(t, 2, r.count())

	c, ok := r.get(a)
	require.True(t, ok)
	assert.Len(t, c.docs, 3)

	assert.True(t, r.kill(a))
	assert.False(t, r.kill(a))
	assert.True(t, c.killed.Load())

	// nothing is idle yet
	assert.Equal(t, 0, r.reap(time.Now()))
	assert.Equal(t, 1, r.reap(time.Now().Add(2*time.Minute)))
	assert.Equal(t, 0, r.count())
}

func TestReapSkipsBusyCursors(t *testing.T) {
	r := newCursorRegistry(time.Millisecond)
	id := r.register(&cursor{ns: "shop.items"})
	c, _ := r.get(id)

	c.mu.Lock()
	assert.Equal(t, 0, r.reap(time.Now().Add(time.Second)))
	c.mu.Unlock()
	assert.Equal(t, 1, r.reap(time.Now().Add(time.Second)))
}
