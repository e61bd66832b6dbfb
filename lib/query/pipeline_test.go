package query

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func orders() []bson.D {
	return []bson.D{
		{{Key: "_id", Value: int32(1)}, {Key: "user", Value: "ann"}, {Key: "total", Value: int32(10)}, {Key: "items", Value: bson.A{"x", "y"}}},
		{{Key: "_id", Value: int32(2)}, {Key: "user", Value: "bob"}, {Key: "total", Value: int32(5)}, {Key: "items", Value: bson.A{"x"}}},
		{{Key: "_id", Value: int32(3)}, {Key: "user", Value: "ann"}, {Key: "total", Value: int32(20)}, {Key: "items", Value: bson.A{}}},
		{{Key: "_id", Value: int32(4)}, {Key: "user", Value: "cid"}, {Key: "total", Value: int32(1)}},
	}
}

func ids(docs []bson.D) []interface{} {
	out := make([]interface{}, 0, len(docs))
	for _, d := range docs {
		v, _ := LookupFirst(d, "_id")
		out = append(out, v)
	}
	return out
}

func TestRunPipeline(t *testing.T) {
	t.Run("match sort skip limit", func(t *testing.T) {
		out, err := RunPipeline(orders(), []bson.D{
			{{Key: "$match", Value: bson.D{{Key: "total", Value: bson.D{{Key: "$gte", Value: 5}}}}}},
			{{Key: "$sort", Value: bson.D{{Key: "total", Value: -1}}}},
			{{Key: "$skip", Value: 1}},
			{{Key: "$limit", Value: int64(1)}},
		})
		require.NoError(t, err)
		assert.Equal(t, []interface{}{int32(1)}, ids(out))
	})

	t.Run("group", func(t *testing.T) {
		out, err := RunPipeline(orders(), []bson.D{
			{{Key: "$group", Value: bson.D{
				{Key: "_id", Value: "$user"},
				{Key: "sum", Value: bson.D{{Key: "$sum", Value: "$total"}}},
				{Key: "n", Value: bson.D{{Key: "$sum", Value: 1}}},
				{Key: "max", Value: bson.D{{Key: "$max", Value: "$total"}}},
			}}},
			{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}},
		})
		require.NoError(t, err)
		want := []bson.D{
			{{Key: "_id", Value: "ann"}, {Key: "sum", Value: int32(30)}, {Key: "n", Value: int64(2)}, {Key: "max", Value: int32(20)}},
			{{Key: "_id", Value: "bob"}, {Key: "sum", Value: int32(5)}, {Key: "n", Value: int64(1)}, {Key: "max", Value: int32(5)}},
			{{Key: "_id", Value: "cid"}, {Key: "sum", Value: int32(1)}, {Key: "n", Value: int64(1)}, {Key: "max", Value: int32(1)}},
		}
		if diff := cmp.Diff(want, out); diff != "" {
			t.Errorf("unexpected groups (-want +got):\n%s", diff)
		}
	})

	t.Run("unwind and count", func(t *testing.T) {
		out, err := RunPipeline(orders(), []bson.D{
			{{Key: "$unwind", Value: "$items"}},
			{{Key: "$count", Value: "n"}},
		})
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, bson.D{{Key: "n", Value: int32(3)}}, out[0])
	})

	t.Run("project", func(t *testing.T) {
		out, err := RunPipeline(orders()[:1], []bson.D{
			{{Key: "$project", Value: bson.D{{Key: "_id", Value: 0}, {Key: "user", Value: 1}, {Key: "amount", Value: "$total"}}}},
		})
		require.NoError(t, err)
		assert.Equal(t, []bson.D{{{Key: "user", Value: "ann"}, {Key: "amount", Value: int32(10)}}}, out)
	})

	t.Run("unsupported stage", func(t *testing.T) {
		_, err := RunPipeline(orders(), []bson.D{{{Key: "$lookup", Value: bson.D{}}}})
		assert.ErrorIs(t, err, ErrInvalidQuery)
	})
}

func TestCompileProjection(t *testing.T) {
	doc := bson.D{
		{Key: "_id", Value: 7},
		{Key: "a", Value: 1},
		{Key: "b", Value: bson.D{{Key: "c", Value: 2}, {Key: "d", Value: 3}}},
	}

	include, err := CompileProjection(bson.D{{Key: "b.c", Value: 1}})
	require.NoError(t, err)
	assert.Equal(t, bson.D{{Key: "_id", Value: 7}, {Key: "b", Value: bson.D{{Key: "c", Value: 2}}}}, include(doc))

	exclude, err := CompileProjection(bson.D{{Key: "b.d", Value: 0}, {Key: "_id", Value: false}})
	require.NoError(t, err)
	assert.Equal(t, bson.D{{Key: "a", Value: 1}, {Key: "b", Value: bson.D{{Key: "c", Value: 2}}}}, exclude(doc))

	_, err = CompileProjection(bson.D{{Key: "a", Value: 1}, {Key: "b", Value: 0}})
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestCompileSort(t *testing.T) {
	docs := orders()
	sorter, err := CompileSort(bson.D{{Key: "user", Value: 1}, {Key: "total", Value: -1}})
	require.NoError(t, err)
	sorter(docs)
	assert.Equal(t, []interface{}{int32(3), int32(1), int32(2), int32(4)}, ids(docs))

	_, err = CompileSort(bson.D{{Key: "user", Value: 2}})
	assert.ErrorIs(t, err, ErrInvalidQuery)
}
