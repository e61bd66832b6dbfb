package query

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestApplyUpdate(t *testing.T) {
	base := bson.D{
		{Key: "_id", Value: "u1"},
		{Key: "name", Value: "alice"},
		{Key: "visits", Value: int32(1)},
		{Key: "tags", Value: bson.A{"a"}},
		{Key: "profile", Value: bson.D{{Key: "lang", Value: "de"}}},
	}

	tests := []struct {
		name   string
		update bson.D
		want   bson.D
	}{
		{
			name:   "$set existing and new field",
			update: bson.D{{Key: "$set", Value: bson.D{{Key: "name", Value: "bob"}, {Key: "age", Value: int32(40)}}}},
			want: bson.D{
				{Key: "_id", Value: "u1"},
				{Key: "name", Value: "bob"},
				{Key: "visits", Value: int32(1)},
				{Key: "tags", Value: bson.A{"a"}},
				{Key: "profile", Value: bson.D{{Key: "lang", Value: "de"}}},
				{Key: "age", Value: int32(40)},
			},
		},
		{
			name:   "$set dotted path creates documents",
			update: bson.D{{Key: "$set", Value: bson.D{{Key: "profile.theme.color", Value: "dark"}}}},
			want: bson.D{
				{Key: "_id", Value: "u1"},
				{Key: "name", Value: "alice"},
				{Key: "visits", Value: int32(1)},
				{Key: "tags", Value: bson.A{"a"}},
				{Key: "profile", Value: bson.D{
					{Key: "lang", Value: "de"},
					{Key: "theme", Value: bson.D{{Key: "color", Value: "dark"}}},
				}},
			},
		},
		{
			name:   "$inc keeps int32",
			update: bson.D{{Key: "$inc", Value: bson.D{{Key: "visits", Value: int32(2)}}}},
			want: bson.D{
				{Key: "_id", Value: "u1"},
				{Key: "name", Value: "alice"},
				{Key: "visits", Value: int32(3)},
				{Key: "tags", Value: bson.A{"a"}},
				{Key: "profile", Value: bson.D{{Key: "lang", Value: "de"}}},
			},
		},
		{
			name:   "$inc missing field",
			update: bson.D{{Key: "$inc", Value: bson.D{{Key: "credits", Value: 1.5}}}},
			want: bson.D{
				{Key: "_id", Value: "u1"},
				{Key: "name", Value: "alice"},
				{Key: "visits", Value: int32(1)},
				{Key: "tags", Value: bson.A{"a"}},
				{Key: "profile", Value: bson.D{{Key: "lang", Value: "de"}}},
				{Key: "credits", Value: 1.5},
			},
		},
		{
			name: "$push and $addToSet with $each",
			update: bson.D{
				{Key: "$push", Value: bson.D{{Key: "tags", Value: "b"}}},
				{Key: "$addToSet", Value: bson.D{{Key: "tags", Value: bson.D{{Key: "$each", Value: bson.A{"a", "c"}}}}}},
			},
			want: bson.D{
				{Key: "_id", Value: "u1"},
				{Key: "name", Value: "alice"},
				{Key: "visits", Value: int32(1)},
				{Key: "tags", Value: bson.A{"a", "b", "c"}},
				{Key: "profile", Value: bson.D{{Key: "lang", Value: "de"}}},
			},
		},
		{
			name:   "$unset",
			update: bson.D{{Key: "$unset", Value: bson.D{{Key: "profile", Value: ""}, {Key: "visits", Value: 1}}}},
			want: bson.D{
				{Key: "_id", Value: "u1"},
				{Key: "name", Value: "alice"},
				{Key: "tags", Value: bson.A{"a"}},
			},
		},
		{
			name:   "$setOnInsert ignored on update",
			update: bson.D{{Key: "$setOnInsert", Value: bson.D{{Key: "created", Value: true}}}},
			want:   base,
		},
		{
			name:   "replacement keeps _id",
			update: bson.D{{Key: "name", Value: "carol"}},
			want:   bson.D{{Key: "_id", Value: "u1"}, {Key: "name", Value: "carol"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := bson.D{}
			before = append(before, base...)
			got, err := ApplyUpdate(base, tt.update, false)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("unexpected document (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(before, base); diff != "" {
				t.Errorf("input document was modified (-before +after):\n%s", diff)
			}
		})
	}
}

func TestApplyUpdateErrors(t *testing.T) {
	doc := bson.D{{Key: "_id", Value: 1}, {Key: "name", Value: "x"}, {Key: "tags", Value: "no-array"}}

	tests := []struct {
		name   string
		update bson.D
	}{
		{"change _id via $set", bson.D{{Key: "$set", Value: bson.D{{Key: "_id", Value: 2}}}}},
		{"change _id via replacement", bson.D{{Key: "_id", Value: 2}, {Key: "name", Value: "y"}}},
		{"$inc on string", bson.D{{Key: "$inc", Value: bson.D{{Key: "name", Value: 1}}}}},
		{"$inc with string", bson.D{{Key: "$inc", Value: bson.D{{Key: "n", Value: "1"}}}}},
		{"$push on non array", bson.D{{Key: "$push", Value: bson.D{{Key: "tags", Value: "a"}}}}},
		{"unknown operator", bson.D{{Key: "$bogus", Value: bson.D{{Key: "a", Value: 1}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ApplyUpdate(doc, tt.update, false)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidQuery))
		})
	}
}

func TestUpsertSeed(t *testing.T) {
	filter := bson.D{
		{Key: "_id", Value: "k"},
		{Key: "kind", Value: bson.D{{Key: "$eq", Value: "job"}}},
		{Key: "age", Value: bson.D{{Key: "$gt", Value: 3}}},
		{Key: "meta.owner", Value: "ops"},
	}
	seed := UpsertSeed(filter)
	want := bson.D{
		{Key: "_id", Value: "k"},
		{Key: "kind", Value: "job"},
		{Key: "meta", Value: bson.D{{Key: "owner", Value: "ops"}}},
	}
	if diff := cmp.Diff(want, seed); diff != "" {
		t.Errorf("unexpected seed (-want +got):\n%s", diff)
	}

	got, err := ApplyUpdate(seed, bson.D{{Key: "$setOnInsert", Value: bson.D{{Key: "created", Value: true}}}}, true)
	require.NoError(t, err)
	v, ok := LookupFirst(got, "created")
	require.True(t, ok)
	assert.Equal(t, true, v)
}
