package query

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/dDoc/lib/db"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// IsOperatorUpdate reports whether an update document consists of update operators
// (as opposed to a replacement document).
func IsOperatorUpdate(update bson.D) bool {
	return len(update) > 0 && strings.HasPrefix(update[0].Key, "$")
}

// ApplyUpdate returns the document that results from applying update to doc.
// The input document is not modified. isInsert marks the insert branch of an
// upsert, which enables $setOnInsert.
//
// Supported operators: $set $unset $inc $mul $min $max $rename $push (with $each)
// $addToSet (with $each) $pull $pop $currentDate $setOnInsert. A document without
// operators replaces everything except the _id.
func ApplyUpdate(doc bson.D, update bson.D, isInsert bool) (bson.D, error) {
	id, hasID := db.IDOf(doc)

	if !IsOperatorUpdate(update) {
		return replaceDocument(id, hasID, update)
	}

	out := db.CloneDocument(doc)
	for _, op := range update {
		fields := toDocument(op.Value)
		if fields == nil {
			return nil, invalidf("modifier %s expects a document", op.Key)
		}
		if op.Key == "$setOnInsert" && !isInsert {
			continue
		}
		apply, ok := modifiers[op.Key]
		if !ok {
			return nil, invalidf("unknown update operator: %s", op.Key)
		}
		for _, f := range fields {
			if f.Key == "" {
				return nil, invalidf("empty field name in %s", op.Key)
			}
			var err error
			if out, err = apply(out, f.Key, f.Value); err != nil {
				return nil, err
			}
		}
	}

	if hasID {
		if newID, ok := db.IDOf(out); !ok || !Equal(newID, id) {
			return nil, invalidf("performing an update would modify the immutable field '_id'")
		}
	}
	return out, nil
}

// UpsertSeed builds the base document of an upsert from the equality conditions of a filter.
func UpsertSeed(filter bson.D) bson.D {
	seed := bson.D{}
	var collect func(f bson.D)
	collect = func(f bson.D) {
		for _, e := range f {
			if e.Key == "$and" {
				for _, sub := range toArray(e.Value) {
					collect(toDocument(sub))
				}
				continue
			}
			if strings.HasPrefix(e.Key, "$") {
				continue
			}
			value := e.Value
			if ops, isOps := operatorDocument(e.Value); isOps {
				eq, found := lookupKey(ops, "$eq")
				if !found {
					continue
				}
				value = eq
			}
			if _, isRegex := value.(primitive.Regex); isRegex {
				continue
			}
			if next, err := setPath(seed, strings.Split(e.Key, "."), db.CloneValue(value)); err == nil {
				seed = next
			}
		}
	}
	collect(filter)
	return seed
}

// --------------------------------------------------------------------------
// Modifiers
// --------------------------------------------------------------------------

type modifier func(doc bson.D, path string, arg interface{}) (bson.D, error)

var modifiers map[string]modifier

func init() {
	modifiers = map[string]modifier{
		"$set":         modSet,
		"$setOnInsert": modSet,
		"$unset":       modUnset,
		"$inc":         modArith("$inc"),
		"$mul":         modArith("$mul"),
		"$min":         modMinMax(-1),
		"$max":         modMinMax(1),
		"$rename":      modRename,
		"$push":        modPush,
		"$addToSet":    modAddToSet,
		"$pull":        modPull,
		"$pop":         modPop,
		"$currentDate": modCurrentDate,
	}
}

func modSet(doc bson.D, path string, arg interface{}) (bson.D, error) {
	return setPath(doc, strings.Split(path, "."), db.CloneValue(arg))
}

func modUnset(doc bson.D, path string, _ interface{}) (bson.D, error) {
	return unsetPath(doc, strings.Split(path, ".")), nil
}

func modArith(op string) modifier {
	return func(doc bson.D, path string, arg interface{}) (bson.D, error) {
		if !IsNumber(arg) {
			return nil, invalidf("cannot %s with non-numeric argument: {%s: %v}", op[1:], path, arg)
		}
		parts := strings.Split(path, ".")
		cur, exists := getField(doc, parts)
		if !exists || cur == nil {
			if op == "$mul" {
				return setPath(doc, parts, zeroLike(arg))
			}
			return setPath(doc, parts, arg)
		}
		if !IsNumber(cur) {
			return nil, invalidf("cannot apply %s to a value of non-numeric type: {%s: %v}", op, path, cur)
		}
		return setPath(doc, parts, arith(op, cur, arg))
	}
}

func modMinMax(sign int) modifier {
	return func(doc bson.D, path string, arg interface{}) (bson.D, error) {
		parts := strings.Split(path, ".")
		cur, exists := getField(doc, parts)
		if !exists || Compare(arg, cur)*sign > 0 {
			return setPath(doc, parts, db.CloneValue(arg))
		}
		return doc, nil
	}
}

func modRename(doc bson.D, path string, arg interface{}) (bson.D, error) {
	target, ok := arg.(string)
	if !ok || target == "" {
		return nil, invalidf("$rename target must be a string")
	}
	parts := strings.Split(path, ".")
	cur, exists := getField(doc, parts)
	if !exists {
		return doc, nil
	}
	doc = unsetPath(doc, parts)
	return setPath(doc, strings.Split(target, "."), cur)
}

func modPush(doc bson.D, path string, arg interface{}) (bson.D, error) {
	parts := strings.Split(path, ".")
	arr, err := arrayAt(doc, parts, "$push")
	if err != nil {
		return nil, err
	}
	for _, v := range eachValues(arg) {
		arr = append(arr, db.CloneValue(v))
	}
	return setPath(doc, parts, arr)
}

func modAddToSet(doc bson.D, path string, arg interface{}) (bson.D, error) {
	parts := strings.Split(path, ".")
	arr, err := arrayAt(doc, parts, "$addToSet")
	if err != nil {
		return nil, err
	}
	for _, v := range eachValues(arg) {
		present := false
		for _, existing := range arr {
			if Equal(existing, v) {
				present = true
				break
			}
		}
		if !present {
			arr = append(arr, db.CloneValue(v))
		}
	}
	return setPath(doc, parts, arr)
}

func modPull(doc bson.D, path string, arg interface{}) (bson.D, error) {
	parts := strings.Split(path, ".")
	cur, exists := getField(doc, parts)
	if !exists {
		return doc, nil
	}
	arr := toArray(cur)
	if arr == nil {
		return nil, invalidf("cannot apply $pull to a non-array value")
	}

	keep := func(v interface{}) bool { return !Equal(v, arg) }
	if ops, isOps := operatorDocument(arg); isOps {
		m, err := compileOperators("v", ops)
		if err != nil {
			return nil, err
		}
		keep = func(v interface{}) bool { return !m(bson.D{{Key: "v", Value: v}}) }
	}

	out := make(bson.A, 0, len(arr))
	for _, v := range arr {
		if keep(v) {
			out = append(out, v)
		}
	}
	return setPath(doc, parts, out)
}

func modPop(doc bson.D, path string, arg interface{}) (bson.D, error) {
	parts := strings.Split(path, ".")
	cur, exists := getField(doc, parts)
	if !exists {
		return doc, nil
	}
	arr := toArray(cur)
	if arr == nil {
		return nil, invalidf("cannot apply $pop to a non-array value")
	}
	if len(arr) == 0 {
		return doc, nil
	}
	f, _ := ToFloat(arg)
	if f < 0 {
		return setPath(doc, parts, append(bson.A{}, arr[1:]...))
	}
	return setPath(doc, parts, append(bson.A{}, arr[:len(arr)-1]...))
}

func modCurrentDate(doc bson.D, path string, arg interface{}) (bson.D, error) {
	now := time.Now()
	var value interface{} = primitive.NewDateTimeFromTime(now)
	if spec := toDocument(arg); spec != nil {
		if t, _ := lookupKey(spec, "$type"); t == "timestamp" {
			value = primitive.Timestamp{T: uint32(now.Unix())}
		}
	}
	return setPath(doc, strings.Split(path, "."), value)
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func replaceDocument(id interface{}, hasID bool, replacement bson.D) (bson.D, error) {
	out := make(bson.D, 0, len(replacement)+1)
	if hasID {
		out = append(out, bson.E{Key: db.IDField, Value: id})
	}
	for _, e := range replacement {
		if strings.HasPrefix(e.Key, "$") {
			return nil, invalidf("replacement document must not contain operators: %s", e.Key)
		}
		if e.Key == db.IDField {
			if hasID {
				if !Equal(e.Value, id) {
					return nil, invalidf("the _id field cannot be changed from {_id: %v} to {_id: %v}", id, e.Value)
				}
				continue
			}
		}
		out = append(out, bson.E{Key: e.Key, Value: db.CloneValue(e.Value)})
	}
	return db.EnsureID(out), nil
}

// setPath sets a value at a dotted path, creating intermediate documents.
func setPath(doc bson.D, parts []string, value interface{}) (bson.D, error) {
	key := parts[0]
	for i, e := range doc {
		if e.Key != key {
			continue
		}
		if len(parts) == 1 {
			doc[i].Value = value
			return doc, nil
		}
		child, err := setIn(e.Value, parts[1:], value)
		if err != nil {
			return nil, err
		}
		doc[i].Value = child
		return doc, nil
	}

	if len(parts) == 1 {
		return append(doc, bson.E{Key: key, Value: value}), nil
	}
	child, err := setPath(bson.D{}, parts[1:], value)
	if err != nil {
		return nil, err
	}
	return append(doc, bson.E{Key: key, Value: child}), nil
}

func setIn(container interface{}, parts []string, value interface{}) (interface{}, error) {
	switch c := container.(type) {
	case bson.D:
		return setPath(c, parts, value)
	case bson.M:
		return setPath(toDocument(c), parts, value)
	case bson.A, []interface{}:
		arr := toArray(c)
		idx, err := strconv.Atoi(parts[0])
		if err != nil || idx < 0 {
			return nil, invalidf("cannot create field '%s' in an array", parts[0])
		}
		for len(arr) <= idx {
			arr = append(arr, nil)
		}
		if len(parts) == 1 {
			arr[idx] = value
			return arr, nil
		}
		next := arr[idx]
		if next == nil {
			next = bson.D{}
		}
		child, err := setIn(next, parts[1:], value)
		if err != nil {
			return nil, err
		}
		arr[idx] = child
		return arr, nil
	default:
		return nil, invalidf("cannot create field '%s' in element of type %T", parts[0], container)
	}
}

// unsetPath removes the value at a dotted path. Array elements are set to null.
func unsetPath(doc bson.D, parts []string) bson.D {
	for i, e := range doc {
		if e.Key != parts[0] {
			continue
		}
		if len(parts) == 1 {
			return append(doc[:i:i], doc[i+1:]...)
		}
		switch child := e.Value.(type) {
		case bson.D:
			doc[i].Value = unsetPath(child, parts[1:])
		case bson.A:
			idx, err := strconv.Atoi(parts[1])
			if err != nil || idx < 0 || idx >= len(child) {
				return doc
			}
			if len(parts) == 2 {
				child[idx] = nil
			} else if sub, ok := child[idx].(bson.D); ok {
				child[idx] = unsetPath(sub, parts[2:])
			}
		}
		return doc
	}
	return doc
}

func arrayAt(doc bson.D, parts []string, op string) (bson.A, error) {
	cur, exists := getField(doc, parts)
	if !exists || cur == nil {
		return bson.A{}, nil
	}
	arr := toArray(cur)
	if arr == nil {
		return nil, invalidf("the field '%s' must be an array to apply %s", strings.Join(parts, "."), op)
	}
	return append(bson.A{}, arr...), nil
}

// eachValues unwraps the {$each: [...]} form of $push and $addToSet.
func eachValues(arg interface{}) bson.A {
	if spec := toDocument(arg); len(spec) > 0 && spec[0].Key == "$each" {
		return toArray(spec[0].Value)
	}
	return bson.A{arg}
}

func lookupKey(doc bson.D, key string) (interface{}, bool) {
	for _, e := range doc {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

func zeroLike(v interface{}) interface{} {
	switch v.(type) {
	case int32:
		return int32(0)
	case int, int64:
		return int64(0)
	default:
		return float64(0)
	}
}

// arith adds or multiplies two numbers. Integer operands stay integers unless
// the result overflows, int32 is widened to int64 when needed.
func arith(op string, a, b interface{}) interface{} {
	ia, okA := toInt64(a)
	ib, okB := toInt64(b)
	if okA && okB {
		var r int64
		overflow := false
		if op == "$inc" {
			r = ia + ib
			overflow = (ib > 0 && r < ia) || (ib < 0 && r > ia)
		} else {
			r = ia * ib
			overflow = ia != 0 && r/ia != ib
		}
		if !overflow {
			_, a32 := a.(int32)
			_, b32 := b.(int32)
			if a32 && b32 && r >= math.MinInt32 && r <= math.MaxInt32 {
				return int32(r)
			}
			return r
		}
	}
	fa, _ := ToFloat(a)
	fb, _ := ToFloat(b)
	if op == "$inc" {
		return fa + fb
	}
	return fa * fb
}
