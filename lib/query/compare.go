package query

import (
	"bytes"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// canonical type ranks, lowest first (the usual BSON comparison order)
const (
	rankMinKey = iota + 1
	rankNull
	rankNumber
	rankString
	rankDocument
	rankArray
	rankBinary
	rankObjectID
	rankBool
	rankDate
	rankTimestamp
	rankRegex
	rankOther
	rankMaxKey
)

func typeRank(v interface{}) int {
	switch v.(type) {
	case primitive.MinKey:
		return rankMinKey
	case nil, primitive.Null, primitive.Undefined:
		return rankNull
	case int, int8, int16, int32, int64, uint8, uint16, uint32, float32, float64, primitive.Decimal128:
		return rankNumber
	case string, primitive.Symbol:
		return rankString
	case bson.D, bson.M, primitive.E:
		return rankDocument
	case bson.A, []interface{}:
		return rankArray
	case primitive.Binary, []byte:
		return rankBinary
	case primitive.ObjectID:
		return rankObjectID
	case bool:
		return rankBool
	case primitive.DateTime, time.Time:
		return rankDate
	case primitive.Timestamp:
		return rankTimestamp
	case primitive.Regex:
		return rankRegex
	case primitive.MaxKey:
		return rankMaxKey
	default:
		return rankOther
	}
}

// Compare orders two BSON values: negative if a < b, zero if equal, positive if a > b.
// Values of different type brackets are ordered by bracket, numbers compare across
// their concrete types.
func Compare(a, b interface{}) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return ra - rb
	}

	switch ra {
	case rankMinKey, rankNull, rankMaxKey:
		return 0
	case rankNumber:
		return compareNumbers(a, b)
	case rankString:
		return strings.Compare(toString(a), toString(b))
	case rankDocument:
		return compareDocuments(toDocument(a), toDocument(b))
	case rankArray:
		return compareArrays(toArray(a), toArray(b))
	case rankBinary:
		return compareBinary(a, b)
	case rankObjectID:
		oa, ob := a.(primitive.ObjectID), b.(primitive.ObjectID)
		return bytes.Compare(oa[:], ob[:])
	case rankBool:
		return boolInt(a.(bool)) - boolInt(b.(bool))
	case rankDate:
		return compareInt64(toMillis(a), toMillis(b))
	case rankTimestamp:
		ta, tb := a.(primitive.Timestamp), b.(primitive.Timestamp)
		return primitive.CompareTimestamp(ta, tb)
	case rankRegex:
		xa, xb := a.(primitive.Regex), b.(primitive.Regex)
		if c := strings.Compare(xa.Pattern, xb.Pattern); c != 0 {
			return c
		}
		return strings.Compare(xa.Options, xb.Options)
	default:
		ba, _, errA := marshalValue(a)
		bb, _, errB := marshalValue(b)
		if errA != nil || errB != nil {
			return 0
		}
		return bytes.Compare(ba, bb)
	}
}

// Equal reports whether two BSON values compare as equal.
func Equal(a, b interface{}) bool {
	return Compare(a, b) == 0
}

// IsNumber reports whether v is a BSON number.
func IsNumber(v interface{}) bool {
	return typeRank(v) == rankNumber
}

// ToFloat converts a BSON number to float64.
func ToFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case primitive.Decimal128:
		f, err := strconv.ParseFloat(n.String(), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// toInt64 converts integral BSON numbers, reporting false for floats and non-numbers.
func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	default:
		return 0, false
	}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func compareNumbers(a, b interface{}) int {
	if ia, ok := toInt64(a); ok {
		if ib, ok := toInt64(b); ok {
			return compareInt64(ia, ib)
		}
	}
	fa, _ := ToFloat(a)
	fb, _ := ToFloat(b)
	switch {
	case math.IsNaN(fa) && math.IsNaN(fb):
		return 0
	case math.IsNaN(fa):
		return -1
	case math.IsNaN(fb):
		return 1
	case fa < fb:
		return -1
	case fa > fb:
		return 1
	default:
		return 0
	}
}

func compareDocuments(a, b bson.D) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := Compare(a[i].Value, b[i].Value); c != 0 {
			return c
		}
		if c := strings.Compare(a[i].Key, b[i].Key); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}

func compareArrays(a, b bson.A) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}

func compareBinary(a, b interface{}) int {
	sa, da := binaryParts(a)
	sb, db := binaryParts(b)
	if len(da) != len(db) {
		return len(da) - len(db)
	}
	if sa != sb {
		return int(sa) - int(sb)
	}
	return bytes.Compare(da, db)
}

func binaryParts(v interface{}) (byte, []byte) {
	switch b := v.(type) {
	case primitive.Binary:
		return b.Subtype, b.Data
	case []byte:
		return 0, b
	}
	return 0, nil
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case primitive.Symbol:
		return string(s)
	}
	return ""
}

func toMillis(v interface{}) int64 {
	switch t := v.(type) {
	case primitive.DateTime:
		return int64(t)
	case time.Time:
		return t.UnixMilli()
	}
	return 0
}

// toDocument converts document-like values to bson.D. Unordered maps are sorted by key.
func toDocument(v interface{}) bson.D {
	switch d := v.(type) {
	case bson.D:
		return d
	case primitive.E:
		return bson.D{d}
	case bson.M:
		keys := make([]string, 0, len(d))
		for k := range d {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(bson.D, 0, len(d))
		for _, k := range keys {
			out = append(out, bson.E{Key: k, Value: d[k]})
		}
		return out
	}
	return nil
}

func toArray(v interface{}) bson.A {
	switch a := v.(type) {
	case bson.A:
		return a
	case []interface{}:
		return a
	}
	return nil
}

func marshalValue(v interface{}) ([]byte, byte, error) {
	t, data, err := bson.MarshalValue(v)
	return data, byte(t), err
}
