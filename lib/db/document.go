package db

import (
	"bytes"
	"fmt"
	"math"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// IDField is the name of the identifying field of every document.
const IDField = "_id"

// IDOf returns the _id value of a document.
func IDOf(doc bson.D) (interface{}, bool) {
	for _, e := range doc {
		if e.Key == IDField {
			return e.Value, true
		}
	}
	return nil, false
}

// IDKey returns the canonical map key for an _id value.
// Integral numbers share one key regardless of their BSON number type,
// so 1, int64(1) and 1.0 address the same document.
func IDKey(id interface{}) (string, error) {
	t, data, err := bson.MarshalValue(normalizeNumber(id))
	if err != nil {
		return "", fmt.Errorf("invalid _id value: %w", err)
	}
	return string(append([]byte{byte(t)}, data...)), nil
}

// DocumentKey builds the {_id: ...} document identifying a document.
func DocumentKey(id interface{}) bson.D {
	return bson.D{{Key: IDField, Value: id}}
}

// EnsureID returns the document with its _id as the first field.
// A new ObjectID is generated when the document has none.
func EnsureID(doc bson.D) bson.D {
	for i, e := range doc {
		if e.Key != IDField {
			continue
		}
		if i == 0 {
			return doc
		}
		out := make(bson.D, 0, len(doc))
		out = append(out, e)
		out = append(out, doc[:i]...)
		return append(out, doc[i+1:]...)
	}
	out := make(bson.D, 0, len(doc)+1)
	out = append(out, bson.E{Key: IDField, Value: primitive.NewObjectID()})
	return append(out, doc...)
}

// CloneDocument returns a deep copy of a document.
func CloneDocument(doc bson.D) bson.D {
	if doc == nil {
		return nil
	}
	out := make(bson.D, len(doc))
	for i, e := range doc {
		out[i] = bson.E{Key: e.Key, Value: CloneValue(e.Value)}
	}
	return out
}

// CloneValue deep copies nested documents, arrays and binary values.
func CloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case bson.D:
		return CloneDocument(val)
	case bson.M:
		out := make(bson.M, len(val))
		for k, x := range val {
			out[k] = CloneValue(x)
		}
		return out
	case bson.A:
		out := make(bson.A, len(val))
		for i, x := range val {
			out[i] = CloneValue(x)
		}
		return out
	case []interface{}:
		out := make(bson.A, len(val))
		for i, x := range val {
			out[i] = CloneValue(x)
		}
		return out
	case []byte:
		return append([]byte(nil), val...)
	case primitive.Binary:
		return primitive.Binary{Subtype: val.Subtype, Data: append([]byte(nil), val.Data...)}
	default:
		return v
	}
}

// DocumentsEqual reports whether two documents have the same BSON encoding.
func DocumentsEqual(a, b bson.D) bool {
	ra, errA := bson.Marshal(a)
	rb, errB := bson.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ra, rb)
}

// DocumentSize returns the encoded size of a document in bytes (0 if it cannot be encoded).
func DocumentSize(doc bson.D) int {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return 0
	}
	return len(raw)
}

func normalizeNumber(v interface{}) interface{} {
	var f float64
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float32:
		f = float64(n)
	case float64:
		f = n
	default:
		return v
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return f
}
