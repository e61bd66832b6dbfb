package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestWrapString(t *testing.T) {
	text := strings.Repeat("word ", 30)
	for _, line := range strings.Split(WrapString(text), "\n") {
		assert.LessOrEqual(t, len(line), Wrap)
	}
	assert.Equal(t, "short text", WrapString("  short   text "))
}

func TestParseDocument(t *testing.T) {
	doc, err := ParseDocument(`{"_id": 1, "tags": ["a"], "nested": {"x": true}}`)
	require.NoError(t, err)
	assert.Equal(t, bson.D{
		{Key: "_id", Value: int32(1)},
		{Key: "tags", Value: bson.A{"a"}},
		{Key: "nested", Value: bson.D{{Key: "x", Value: true}}},
	}, doc)

	doc, err = ParseDocument(" ")
	require.NoError(t, err)
	assert.Equal(t, bson.D{}, doc)

	_, err = ParseDocument(`{"unterminated": `)
	assert.Error(t, err)
}

func TestFormatDocument(t *testing.T) {
	assert.Equal(t, `{"a":1,"b":"x"}`, FormatDocument(bson.D{{Key: "a", Value: int32(1)}, {Key: "b", Value: "x"}}))
}
