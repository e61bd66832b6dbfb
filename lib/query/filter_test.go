package query

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func sampleDoc() bson.D {
	return bson.D{
		{Key: "_id", Value: int32(1)},
		{Key: "name", Value: "alice"},
		{Key: "age", Value: int32(31)},
		{Key: "score", Value: 7.5},
		{Key: "tags", Value: bson.A{"admin", "ops"}},
		{Key: "address", Value: bson.D{{Key: "city", Value: "Ulm"}, {Key: "zip", Value: "89073"}}},
		{Key: "orders", Value: bson.A{
			bson.D{{Key: "sku", Value: "a1"}, {Key: "qty", Value: int32(2)}},
			bson.D{{Key: "sku", Value: "b7"}, {Key: "qty", Value: int32(5)}},
		}},
		{Key: "nothing", Value: nil},
	}
}

func TestCompile(t *testing.T) {
	tests := []struct {
		name   string
		filter bson.D
		want   bool
	}{
		{"empty", bson.D{}, true},
		{"equality", bson.D{{Key: "name", Value: "alice"}}, true},
		{"equality mismatch", bson.D{{Key: "name", Value: "bob"}}, false},
		{"numeric across types", bson.D{{Key: "age", Value: 31.0}}, true},
		{"array membership", bson.D{{Key: "tags", Value: "ops"}}, true},
		{"whole array", bson.D{{Key: "tags", Value: bson.A{"admin", "ops"}}}, true},
		{"dotted path", bson.D{{Key: "address.city", Value: "Ulm"}}, true},
		{"array of documents", bson.D{{Key: "orders.sku", Value: "b7"}}, true},
		{"array index", bson.D{{Key: "orders.0.sku", Value: "a1"}}, true},
		{"null matches missing", bson.D{{Key: "missing", Value: nil}}, true},
		{"null matches null", bson.D{{Key: "nothing", Value: nil}}, true},
		{"$gt", bson.D{{Key: "age", Value: bson.D{{Key: "$gt", Value: 30}}}}, true},
		{"$gt false", bson.D{{Key: "age", Value: bson.D{{Key: "$gt", Value: 31}}}}, false},
		{"$gte $lt range", bson.D{{Key: "age", Value: bson.D{{Key: "$gte", Value: 31}, {Key: "$lt", Value: 40}}}}, true},
		{"$lte on array elements", bson.D{{Key: "orders.qty", Value: bson.D{{Key: "$lte", Value: 2}}}}, true},
		{"comparison respects type bracket", bson.D{{Key: "name", Value: bson.D{{Key: "$gt", Value: 1}}}}, false},
		{"$ne", bson.D{{Key: "name", Value: bson.D{{Key: "$ne", Value: "bob"}}}}, true},
		{"$ne on array", bson.D{{Key: "tags", Value: bson.D{{Key: "$ne", Value: "ops"}}}}, false},
		{"$in", bson.D{{Key: "name", Value: bson.D{{Key: "$in", Value: bson.A{"bob", "alice"}}}}}, true},
		{"$in regex", bson.D{{Key: "name", Value: bson.D{{Key: "$in", Value: bson.A{primitive.Regex{Pattern: "^al"}}}}}}, true},
		{"$nin", bson.D{{Key: "tags", Value: bson.D{{Key: "$nin", Value: bson.A{"dev"}}}}}, true},
		{"$exists true", bson.D{{Key: "nothing", Value: bson.D{{Key: "$exists", Value: true}}}}, true},
		{"$exists false", bson.D{{Key: "missing", Value: bson.D{{Key: "$exists", Value: false}}}}, true},
		{"$exists numeric", bson.D{{Key: "name", Value: bson.D{{Key: "$exists", Value: 0}}}}, false},
		{"$regex with options", bson.D{{Key: "name", Value: bson.D{{Key: "$regex", Value: "ALI"}, {Key: "$options", Value: "i"}}}}, true},
		{"regex literal", bson.D{{Key: "address.city", Value: primitive.Regex{Pattern: "^U"}}}, true},
		{"$not", bson.D{{Key: "age", Value: bson.D{{Key: "$not", Value: bson.D{{Key: "$gt", Value: 40}}}}}}, true},
		{"$size", bson.D{{Key: "tags", Value: bson.D{{Key: "$size", Value: 2}}}}, true},
		{"$all", bson.D{{Key: "tags", Value: bson.D{{Key: "$all", Value: bson.A{"ops", "admin"}}}}}, true},
		{"$and", bson.D{{Key: "$and", Value: bson.A{
			bson.D{{Key: "name", Value: "alice"}},
			bson.D{{Key: "age", Value: int32(31)}},
		}}}, true},
		{"$or", bson.D{{Key: "$or", Value: bson.A{
			bson.D{{Key: "name", Value: "bob"}},
			bson.D{{Key: "age", Value: int32(31)}},
		}}}, true},
		{"$nor", bson.D{{Key: "$nor", Value: bson.A{
			bson.D{{Key: "name", Value: "bob"}},
			bson.D{{Key: "age", Value: int32(99)}},
		}}}, true},
		{"implicit and", bson.D{{Key: "name", Value: "alice"}, {Key: "age", Value: 32}}, false},
		{"embedded document equality", bson.D{{Key: "address", Value: bson.D{{Key: "city", Value: "Ulm"}, {Key: "zip", Value: "89073"}}}}, true},
		{"embedded document field order matters", bson.D{{Key: "address", Value: bson.D{{Key: "zip", Value: "89073"}, {Key: "city", Value: "Ulm"}}}}, false},
	}

	doc := sampleDoc()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Compile(tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, m(doc))
		})
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name   string
		filter bson.D
	}{
		{"unknown top level operator", bson.D{{Key: "$where", Value: "1"}}},
		{"unknown field operator", bson.D{{Key: "a", Value: bson.D{{Key: "$near", Value: 1}}}}},
		{"$in without array", bson.D{{Key: "a", Value: bson.D{{Key: "$in", Value: 1}}}}},
		{"$or without array", bson.D{{Key: "$or", Value: bson.D{}}}},
		{"bad regex", bson.D{{Key: "a", Value: bson.D{{Key: "$regex", Value: "("}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.filter)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidQuery))
		})
	}
}

func TestCompare(t *testing.T) {
	assert.Equal(t, 0, Compare(int32(5), 5.0))
	assert.Equal(t, 0, Compare(int64(5), int32(5)))
	assert.Less(t, Compare(nil, int32(0)), 0, "null sorts before numbers")
	assert.Less(t, Compare(int32(100), "a"), 0, "numbers sort before strings")
	assert.Less(t, Compare("a", "b"), 0)
	assert.Greater(t, Compare(bson.A{1, 2, 3}, bson.A{1, 2}), 0)
	assert.Less(t, Compare(false, true), 0)
	assert.Equal(t, 0, Compare(bson.M{"b": 1, "a": 2}, bson.D{{Key: "a", Value: 2}, {Key: "b", Value: 1}}))
}

func TestLookup(t *testing.T) {
	doc := sampleDoc()
	assert.Equal(t, []interface{}{"a1", "b7"}, Lookup(doc, "orders.sku"))
	assert.Equal(t, []interface{}{int32(5)}, Lookup(doc, "orders.1.qty"))
	assert.Empty(t, Lookup(doc, "address.street"))
	assert.Empty(t, Lookup(doc, "name.first"))

	v, ok := LookupFirst(doc, "address.zip")
	require.True(t, ok)
	assert.Equal(t, "89073", v)
}
