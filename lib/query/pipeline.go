package query

import (
	"strings"

	"github.com/ValentinKolb/dDoc/lib/db"
	"go.mongodb.org/mongo-driver/bson"
)

// Stage transforms a document stream.
type Stage func(docs []bson.D) ([]bson.D, error)

// CompilePipeline compiles the stages of a plain aggregation pipeline.
// Supported: $match $sort $skip $limit $project $addFields/$set $unset $count $group $unwind.
func CompilePipeline(pipeline []bson.D) ([]Stage, error) {
	stages := make([]Stage, 0, len(pipeline))
	for _, raw := range pipeline {
		if len(raw) != 1 {
			return nil, invalidf("a pipeline stage must have exactly one field")
		}
		s, err := compileStage(raw[0].Key, raw[0].Value)
		if err != nil {
			return nil, err
		}
		stages = append(stages, s)
	}
	return stages, nil
}

// RunPipeline applies a plain aggregation pipeline to docs.
func RunPipeline(docs []bson.D, pipeline []bson.D) ([]bson.D, error) {
	stages, err := CompilePipeline(pipeline)
	if err != nil {
		return nil, err
	}
	for _, s := range stages {
		if docs, err = s(docs); err != nil {
			return nil, err
		}
	}
	return docs, nil
}

func compileStage(name string, arg interface{}) (Stage, error) {
	switch name {
	case "$match":
		m, err := Compile(toDocument(arg))
		if err != nil {
			return nil, err
		}
		return func(docs []bson.D) ([]bson.D, error) {
			out := docs[:0:0]
			for _, d := range docs {
				if m(d) {
					out = append(out, d)
				}
			}
			return out, nil
		}, nil

	case "$sort":
		sorter, err := CompileSort(toDocument(arg))
		if err != nil {
			return nil, err
		}
		return func(docs []bson.D) ([]bson.D, error) {
			sorter(docs)
			return docs, nil
		}, nil

	case "$skip", "$limit":
		n, ok := toInt64(arg)
		if !ok {
			if f, isFloat := ToFloat(arg); isFloat && f == float64(int64(f)) {
				n, ok = int64(f), true
			}
		}
		if !ok || n < 0 {
			return nil, invalidf("%s needs a non negative integer", name)
		}
		if name == "$skip" {
			return func(docs []bson.D) ([]bson.D, error) {
				if int64(len(docs)) <= n {
					return nil, nil
				}
				return docs[n:], nil
			}, nil
		}
		return func(docs []bson.D) ([]bson.D, error) {
			if n > 0 && int64(len(docs)) > n {
				return docs[:n], nil
			}
			return docs, nil
		}, nil

	case "$project":
		p, err := CompileProjection(toDocument(arg))
		if err != nil {
			return nil, err
		}
		return mapStage(p), nil

	case "$addFields", "$set":
		fields := toDocument(arg)
		return mapStage(func(doc bson.D) bson.D {
			out := db.CloneDocument(doc)
			for _, f := range fields {
				next, err := setPath(out, strings.Split(f.Key, "."), evalExpr(doc, f.Value))
				if err == nil {
					out = next
				}
			}
			return out
		}), nil

	case "$unset":
		var paths []string
		switch v := arg.(type) {
		case string:
			paths = []string{v}
		default:
			for _, p := range toArray(arg) {
				if s, ok := p.(string); ok {
					paths = append(paths, s)
				}
			}
		}
		return mapStage(func(doc bson.D) bson.D {
			for _, p := range paths {
				doc = unsetPath(doc, strings.Split(p, "."))
			}
			return doc
		}), nil

	case "$count":
		field, ok := arg.(string)
		if !ok || field == "" || strings.HasPrefix(field, "$") {
			return nil, invalidf("$count needs a field name")
		}
		return func(docs []bson.D) ([]bson.D, error) {
			if len(docs) == 0 {
				return nil, nil
			}
			return []bson.D{{{Key: field, Value: int32(len(docs))}}}, nil
		}, nil

	case "$unwind":
		path, _ := arg.(string)
		preserve := false
		if spec := toDocument(arg); spec != nil {
			p, _ := lookupKey(spec, "path")
			path, _ = p.(string)
			if v, ok := lookupKey(spec, "preserveNullAndEmptyArrays"); ok {
				preserve = truthy(v)
			}
		}
		if !strings.HasPrefix(path, "$") {
			return nil, invalidf("$unwind path must be prefixed with $")
		}
		return unwindStage(path[1:], preserve), nil

	case "$group":
		return compileGroup(toDocument(arg))

	default:
		return nil, invalidf("unsupported pipeline stage: %s", name)
	}
}

func mapStage(fn func(bson.D) bson.D) Stage {
	return func(docs []bson.D) ([]bson.D, error) {
		out := make([]bson.D, len(docs))
		for i, d := range docs {
			out[i] = fn(d)
		}
		return out, nil
	}
}

func unwindStage(path string, preserve bool) Stage {
	parts := strings.Split(path, ".")
	return func(docs []bson.D) ([]bson.D, error) {
		var out []bson.D
		for _, d := range docs {
			v, exists := getField(d, parts)
			arr := toArray(v)
			if !exists || v == nil || (arr != nil && len(arr) == 0) {
				if preserve {
					out = append(out, d)
				}
				continue
			}
			if arr == nil {
				out = append(out, d)
				continue
			}
			for _, item := range arr {
				next, err := setPath(db.CloneDocument(d), parts, item)
				if err != nil {
					return nil, err
				}
				out = append(out, next)
			}
		}
		return out, nil
	}
}

// --------------------------------------------------------------------------
// $group
// --------------------------------------------------------------------------

type accumulator struct {
	field string
	op    string
	expr  interface{}
}

type group struct {
	key    interface{}
	values [][]interface{}
}

func compileGroup(spec bson.D) (Stage, error) {
	keyExpr, ok := lookupKey(spec, "_id")
	if !ok {
		return nil, invalidf("a group specification must include an _id")
	}
	var accs []accumulator
	for _, e := range spec {
		if e.Key == "_id" {
			continue
		}
		def := toDocument(e.Value)
		if len(def) != 1 {
			return nil, invalidf("the field '%s' must be an accumulator object", e.Key)
		}
		switch def[0].Key {
		case "$sum", "$avg", "$min", "$max", "$first", "$last", "$push", "$addToSet", "$count":
		default:
			return nil, invalidf("unknown group operator '%s'", def[0].Key)
		}
		accs = append(accs, accumulator{field: e.Key, op: def[0].Key, expr: def[0].Value})
	}

	return func(docs []bson.D) ([]bson.D, error) {
		var groups []*group
		for _, d := range docs {
			key := evalExpr(d, keyExpr)
			var g *group
			for _, existing := range groups {
				if Equal(existing.key, key) {
					g = existing
					break
				}
			}
			if g == nil {
				g = &group{key: key, values: make([][]interface{}, len(accs))}
				groups = append(groups, g)
			}
			for i, a := range accs {
				g.values[i] = append(g.values[i], evalExpr(d, a.expr))
			}
		}

		out := make([]bson.D, 0, len(groups))
		for _, g := range groups {
			doc := bson.D{{Key: "_id", Value: g.key}}
			for i, a := range accs {
				doc = append(doc, bson.E{Key: a.field, Value: accumulate(a.op, g.values[i])})
			}
			out = append(out, doc)
		}
		return out, nil
	}, nil
}

func accumulate(op string, values []interface{}) interface{} {
	switch op {
	case "$count":
		return int32(len(values))
	case "$sum", "$avg":
		var sum interface{} = int32(0)
		n := 0
		for _, v := range values {
			if IsNumber(v) {
				sum = arith("$inc", sum, v)
				n++
			}
		}
		if op == "$sum" {
			return sum
		}
		if n == 0 {
			return nil
		}
		f, _ := ToFloat(sum)
		return f / float64(n)
	case "$min", "$max":
		var best interface{}
		for _, v := range values {
			if v == nil {
				continue
			}
			if best == nil || (op == "$min" && Compare(v, best) < 0) || (op == "$max" && Compare(v, best) > 0) {
				best = v
			}
		}
		return best
	case "$first":
		if len(values) == 0 {
			return nil
		}
		return values[0]
	case "$last":
		if len(values) == 0 {
			return nil
		}
		return values[len(values)-1]
	case "$push":
		return append(bson.A{}, values...)
	case "$addToSet":
		set := bson.A{}
		for _, v := range values {
			dup := false
			for _, s := range set {
				if Equal(s, v) {
					dup = true
					break
				}
			}
			if !dup {
				set = append(set, v)
			}
		}
		return set
	}
	return nil
}

// evalExpr evaluates a minimal expression: "$path" references, nested
// documents of expressions and literals.
func evalExpr(doc bson.D, expr interface{}) interface{} {
	switch e := expr.(type) {
	case string:
		if strings.HasPrefix(e, "$") && len(e) > 1 {
			v, _ := LookupFirst(doc, e[1:])
			return v
		}
		return e
	case bson.D:
		if len(e) == 1 && e[0].Key == "$literal" {
			return e[0].Value
		}
		out := make(bson.D, 0, len(e))
		for _, f := range e {
			out = append(out, bson.E{Key: f.Key, Value: evalExpr(doc, f.Value)})
		}
		return out
	}
	return expr
}
