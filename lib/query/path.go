package query

import (
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// Lookup resolves a dotted path against a document. Arrays of sub documents are
// fanned out, so "items.sku" yields the sku of every element. Numeric path
// segments address array elements.
func Lookup(doc bson.D, path string) []interface{} {
	return resolve(doc, strings.Split(path, "."))
}

// LookupFirst returns the first value reached by a dotted path.
func LookupFirst(doc bson.D, path string) (interface{}, bool) {
	values := Lookup(doc, path)
	if len(values) == 0 {
		return nil, false
	}
	return values[0], true
}

func resolve(v interface{}, parts []string) []interface{} {
	if len(parts) == 0 {
		return []interface{}{v}
	}

	switch val := v.(type) {
	case bson.D:
		for _, e := range val {
			if e.Key == parts[0] {
				return resolve(e.Value, parts[1:])
			}
		}
		return nil
	case bson.M:
		child, ok := val[parts[0]]
		if !ok {
			return nil
		}
		return resolve(child, parts[1:])
	case bson.A, []interface{}:
		arr := toArray(val)
		var out []interface{}
		if idx, err := strconv.Atoi(parts[0]); err == nil {
			if idx >= 0 && idx < len(arr) {
				out = append(out, resolve(arr[idx], parts[1:])...)
			}
			return out
		}
		for _, elem := range arr {
			switch elem.(type) {
			case bson.D, bson.M:
				out = append(out, resolve(elem, parts)...)
			}
		}
		return out
	default:
		return nil
	}
}

// getField returns a direct (non fanned out) value for a dotted path.
func getField(doc bson.D, parts []string) (interface{}, bool) {
	var cur interface{} = doc
	for _, part := range parts {
		switch val := cur.(type) {
		case bson.D:
			found := false
			for _, e := range val {
				if e.Key == part {
					cur, found = e.Value, true
					break
				}
			}
			if !found {
				return nil, false
			}
		case bson.A:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(val) {
				return nil, false
			}
			cur = val[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}
