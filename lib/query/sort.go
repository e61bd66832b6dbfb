package query

import (
	"sort"
	"strings"

	"github.com/ValentinKolb/dDoc/lib/db"
	"go.mongodb.org/mongo-driver/bson"
)

// Sorter orders documents according to a sort specification.
type Sorter func(docs []bson.D)

type sortKey struct {
	path      string
	direction int
}

// CompileSort validates a sort document ({field: 1|-1, ...}) and returns a stable Sorter.
// Missing fields sort like null.
func CompileSort(spec bson.D) (Sorter, error) {
	keys := make([]sortKey, 0, len(spec))
	for _, e := range spec {
		f, ok := ToFloat(e.Value)
		if !ok || (f != 1 && f != -1) {
			return nil, invalidf("bad sort specification for %q", e.Key)
		}
		keys = append(keys, sortKey{path: e.Key, direction: int(f)})
	}
	if len(keys) == 0 {
		return func([]bson.D) {}, nil
	}
	return func(docs []bson.D) {
		sort.SliceStable(docs, func(i, j int) bool {
			for _, k := range keys {
				a, _ := LookupFirst(docs[i], k.path)
				b, _ := LookupFirst(docs[j], k.path)
				if c := Compare(a, b); c != 0 {
					return c*k.direction < 0
				}
			}
			return false
		})
	}, nil
}

// Projector shapes a document according to a projection.
type Projector func(doc bson.D) bson.D

type projectionNode struct {
	children map[string]*projectionNode
	// ref is a "$field" reference computed from the source document (inclusion mode only)
	ref string
}

// CompileProjection compiles an inclusion ({a: 1}) or exclusion ({a: 0}) projection.
// The _id field is included unless excluded explicitly. Inclusion projections may
// also compute fields from "$path" references.
func CompileProjection(spec bson.D) (Projector, error) {
	if len(spec) == 0 {
		return func(doc bson.D) bson.D { return doc }, nil
	}

	root := &projectionNode{children: map[string]*projectionNode{}}
	includeID := true
	mode := 0 // 1 inclusion, -1 exclusion

	for _, e := range spec {
		var ref string
		keep := false
		switch v := e.Value.(type) {
		case string:
			if !strings.HasPrefix(v, "$") || len(v) < 2 {
				return nil, invalidf("unsupported projection value for %q", e.Key)
			}
			ref, keep = v[1:], true
		case bool:
			keep = v
		default:
			f, ok := ToFloat(e.Value)
			if !ok {
				return nil, invalidf("unsupported projection value for %q", e.Key)
			}
			keep = f != 0
		}

		if e.Key == db.IDField && ref == "" {
			includeID = keep
			continue
		}
		want := -1
		if keep {
			want = 1
		}
		if mode != 0 && mode != want {
			return nil, invalidf("cannot mix inclusion and exclusion in a projection")
		}
		mode = want

		node := root
		for _, part := range strings.Split(e.Key, ".") {
			child, ok := node.children[part]
			if !ok {
				child = &projectionNode{children: map[string]*projectionNode{}}
				node.children[part] = child
			}
			node = child
		}
		node.ref = ref
	}

	if mode == -1 || mode == 0 {
		if !includeID {
			root.children[db.IDField] = &projectionNode{children: map[string]*projectionNode{}}
		}
		return func(doc bson.D) bson.D { return exclude(doc, root) }, nil
	}

	return func(doc bson.D) bson.D {
		out := bson.D{}
		if includeID {
			if id, ok := db.IDOf(doc); ok {
				out = append(out, bson.E{Key: db.IDField, Value: id})
			}
		}
		out = append(out, include(doc, root)...)
		for _, k := range sortedRefs(root) {
			if v, ok := LookupFirst(doc, root.children[k].ref); ok {
				out = append(out, bson.E{Key: k, Value: v})
			}
		}
		return out
	}, nil
}

func include(doc bson.D, node *projectionNode) bson.D {
	out := bson.D{}
	for _, e := range doc {
		child, ok := node.children[e.Key]
		if !ok || child.ref != "" {
			continue
		}
		if len(child.children) == 0 {
			out = append(out, e)
			continue
		}
		switch v := e.Value.(type) {
		case bson.D:
			out = append(out, bson.E{Key: e.Key, Value: include(v, child)})
		case bson.A:
			arr := bson.A{}
			for _, item := range v {
				if sub, ok := item.(bson.D); ok {
					arr = append(arr, include(sub, child))
				}
			}
			out = append(out, bson.E{Key: e.Key, Value: arr})
		}
	}
	return out
}

func exclude(doc bson.D, node *projectionNode) bson.D {
	out := bson.D{}
	for _, e := range doc {
		child, ok := node.children[e.Key]
		if !ok {
			out = append(out, e)
			continue
		}
		if len(child.children) == 0 {
			continue
		}
		switch v := e.Value.(type) {
		case bson.D:
			out = append(out, bson.E{Key: e.Key, Value: exclude(v, child)})
		case bson.A:
			arr := make(bson.A, 0, len(v))
			for _, item := range v {
				if sub, ok := item.(bson.D); ok {
					arr = append(arr, exclude(sub, child))
				} else {
					arr = append(arr, item)
				}
			}
			out = append(out, bson.E{Key: e.Key, Value: arr})
		default:
			out = append(out, e)
		}
	}
	return out
}

// sortedRefs returns the top level computed fields in a stable order.
func sortedRefs(root *projectionNode) []string {
	var keys []string
	for k, n := range root.children {
		if n.ref != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
