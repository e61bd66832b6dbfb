package testing

import (
	"fmt"
	"sync"
	"testing"

	"github.com/ValentinKolb/dDoc/lib/db"
	"github.com/google/go-cmp/cmp"
	"go.mongodb.org/mongo-driver/bson"
)

// DBFactory is a function that creates a new instance of an IDocDB implementation
type DBFactory func() db.IDocDB

// RunDocDBTests runs a comprehensive test suite for an IDocDB implementation.
func RunDocDBTests(t *testing.T, name string, factory DBFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Put&Get", func(t *testing.T) {
			testPutGet(t, factory())
		})

		t.Run("Replace", func(t *testing.T) {
			testReplace(t, factory())
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, factory())
		})

		t.Run("NumericIDs", func(t *testing.T) {
			testNumericIDs(t, factory())
		})

		t.Run("ScanOrder", func(t *testing.T) {
			testScanOrder(t, factory())
		})

		t.Run("Isolation", func(t *testing.T) {
			testIsolation(t, factory())
		})

		t.Run("Collections", func(t *testing.T) {
			testCollections(t, factory())
		})

		t.Run("EdgeCases", func(t *testing.T) {
			testEdgeCases(t, factory())
		})

		t.Run("Concurrent", func(t *testing.T) {
			testConcurrent(t, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

var testNS = db.NewNamespace("test", "docs")

func testPutGet(t *testing.T, database db.IDocDB) {
	defer database.Close()

	doc := bson.D{{Key: "_id", Value: "a"}, {Key: "name", Value: "alice"}, {Key: "age", Value: int32(30)}}
	if _, replaced, err := database.Put(testNS, doc); err != nil || replaced {
		t.Fatalf("Put() = replaced %v, err %v; want false, nil", replaced, err)
	}

	got, ok := database.Get(testNS, "a")
	if !ok {
		t.Fatalf("Get() did not find the document")
	}
	if diff := cmp.Diff(doc, got); diff != "" {
		t.Errorf("Get() mismatch (-want +got):\n%s", diff)
	}

	if _, ok := database.Get(testNS, "missing"); ok {
		t.Errorf("Get() found a document that was never written")
	}
	if n := database.Count(testNS); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func testReplace(t *testing.T, database db.IDocDB) {
	defer database.Close()

	first := bson.D{{Key: "_id", Value: 1}, {Key: "v", Value: "one"}}
	second := bson.D{{Key: "_id", Value: 1}, {Key: "v", Value: "two"}, {Key: "extra", Value: true}}

	if _, _, err := database.Put(testNS, first); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	old, replaced, err := database.Put(testNS, second)
	if err != nil || !replaced {
		t.Fatalf("Put() = replaced %v, err %v; want true, nil", replaced, err)
	}
	if diff := cmp.Diff(first, old); diff != "" {
		t.Errorf("Put() old document mismatch (-want +got):\n%s", diff)
	}

	got, _ := database.Get(testNS, 1)
	if diff := cmp.Diff(second, got); diff != "" {
		t.Errorf("Get() after replace mismatch (-want +got):\n%s", diff)
	}
	if n := database.Count(testNS); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func testDelete(t *testing.T, database db.IDocDB) {
	defer database.Close()

	doc := bson.D{{Key: "_id", Value: "x"}, {Key: "v", Value: 1}}
	_, _, _ = database.Put(testNS, doc)

	old, deleted := database.Delete(testNS, "x")
	if !deleted {
		t.Fatalf("Delete() did not delete an existing document")
	}
	if diff := cmp.Diff(doc, old); diff != "" {
		t.Errorf("Delete() old document mismatch (-want +got):\n%s", diff)
	}
	if _, ok := database.Get(testNS, "x"); ok {
		t.Errorf("Get() found a deleted document")
	}
	if _, deleted := database.Delete(testNS, "x"); deleted {
		t.Errorf("Delete() reported a second delete of the same document")
	}
	if _, deleted := database.Delete(db.NewNamespace("nope", "nope"), "x"); deleted {
		t.Errorf("Delete() in a missing collection reported success")
	}
}

func testNumericIDs(t *testing.T, database db.IDocDB) {
	defer database.Close()

	_, _, _ = database.Put(testNS, bson.D{{Key: "_id", Value: int32(7)}, {Key: "v", Value: "int32"}})

	for _, id := range []interface{}{int32(7), int64(7), 7.0, 7} {
		if _, ok := database.Get(testNS, id); !ok {
			t.Errorf("Get(%T(%v)) did not find the document stored with int32 id", id, id)
		}
	}

	_, replaced, _ := database.Put(testNS, bson.D{{Key: "_id", Value: int64(7)}, {Key: "v", Value: "int64"}})
	if !replaced {
		t.Errorf("Put() with int64 id did not replace the int32 document")
	}
	if _, ok := database.Get(testNS, 7.5); ok {
		t.Errorf("Get(7.5) must not match id 7")
	}
}

func testScanOrder(t *testing.T, database db.IDocDB) {
	defer database.Close()

	for i := 0; i < 20; i++ {
		_, _, _ = database.Put(testNS, bson.D{{Key: "_id", Value: fmt.Sprintf("doc-%02d", 19-i)}, {Key: "n", Value: i}})
	}
	// replacing keeps the natural position
	_, _, _ = database.Put(testNS, bson.D{{Key: "_id", Value: "doc-19"}, {Key: "n", Value: 100}})

	var seen []int
	database.Scan(testNS, func(doc bson.D) bool {
		for _, e := range doc {
			if e.Key == "n" {
				seen = append(seen, e.Value.(int))
			}
		}
		return true
	})
	if len(seen) != 20 {
		t.Fatalf("Scan() visited %d documents, want 20", len(seen))
	}
	if seen[0] != 100 {
		t.Errorf("Scan() first document n = %d, want the replaced value 100", seen[0])
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] != i {
			t.Errorf("Scan() position %d has n = %d, want %d", i, seen[i], i)
		}
	}

	visited := 0
	database.Scan(testNS, func(doc bson.D) bool {
		visited++
		return visited < 5
	})
	if visited != 5 {
		t.Errorf("Scan() did not stop early: visited %d, want 5", visited)
	}
}

func testIsolation(t *testing.T, database db.IDocDB) {
	defer database.Close()

	nested := bson.D{{Key: "k", Value: "orig"}}
	doc := bson.D{{Key: "_id", Value: "iso"}, {Key: "nested", Value: nested}, {Key: "arr", Value: bson.A{"a"}}}
	_, _, _ = database.Put(testNS, doc)

	// mutating the caller's copy must not leak into the engine
	nested[0].Value = "changed"
	doc[2].Value.(bson.A)[0] = "changed"

	got, _ := database.Get(testNS, "iso")
	if got[1].Value.(bson.D)[0].Value != "orig" {
		t.Errorf("engine shares nested documents with the caller")
	}
	if got[2].Value.(bson.A)[0] != "a" {
		t.Errorf("engine shares arrays with the caller")
	}

	// mutating a returned copy must not leak either
	got[1].Value.(bson.D)[0].Value = "changed"
	again, _ := database.Get(testNS, "iso")
	if again[1].Value.(bson.D)[0].Value != "orig" {
		t.Errorf("engine hands out shared documents")
	}
}

func testCollections(t *testing.T, database db.IDocDB) {
	defer database.Close()

	a := db.NewNamespace("alpha", "one")
	b := db.NewNamespace("alpha", "two")
	c := db.NewNamespace("beta", "one")

	_, _, _ = database.Put(a, bson.D{{Key: "_id", Value: 1}})
	_, _, _ = database.Put(b, bson.D{{Key: "_id", Value: 1}})
	if !database.CreateCollection(c) {
		t.Errorf("CreateCollection() did not report creation")
	}
	if database.CreateCollection(c) {
		t.Errorf("CreateCollection() reported creation of an existing collection")
	}

	if diff := cmp.Diff([]string{"alpha", "beta"}, database.ListDatabases()); diff != "" {
		t.Errorf("ListDatabases() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"one", "two"}, database.ListCollections("alpha")); diff != "" {
		t.Errorf("ListCollections() mismatch (-want +got):\n%s", diff)
	}

	if !database.DropCollection(a) {
		t.Errorf("DropCollection() did not drop an existing collection")
	}
	if database.HasCollection(a) || database.Count(a) != 0 {
		t.Errorf("collection still present after drop")
	}
	if database.DropCollection(a) {
		t.Errorf("DropCollection() dropped a missing collection")
	}

	database.DropCollection(c)
	if diff := cmp.Diff([]string{"alpha"}, database.ListDatabases()); diff != "" {
		t.Errorf("ListDatabases() after dropping the last collection of beta (-want +got):\n%s", diff)
	}

	info := database.GetInfo()
	if info.Databases != 1 || info.Collections != 1 || info.Documents != 1 || info.SizeBytes <= 0 {
		t.Errorf("GetInfo() = %+v, want 1 database, 1 collection, 1 document", info)
	}
}

func testEdgeCases(t *testing.T, database db.IDocDB) {
	defer database.Close()

	if _, _, err := database.Put(testNS, bson.D{{Key: "v", Value: 1}}); err == nil {
		t.Errorf("Put() without _id must fail")
	}
	if _, _, err := database.Put(db.Namespace{DB: "", Coll: "x"}, bson.D{{Key: "_id", Value: 1}}); err == nil {
		t.Errorf("Put() into an invalid namespace must fail")
	}

	compound := bson.D{{Key: "a", Value: 1}, {Key: "b", Value: "x"}}
	_, _, err := database.Put(testNS, bson.D{{Key: "_id", Value: compound}, {Key: "v", Value: 1}})
	if err != nil {
		t.Fatalf("Put() with a document _id failed: %v", err)
	}
	if _, ok := database.Get(testNS, bson.D{{Key: "a", Value: 1}, {Key: "b", Value: "x"}}); !ok {
		t.Errorf("Get() did not find the document with a document _id")
	}
	if _, ok := database.Get(testNS, bson.D{{Key: "b", Value: "x"}, {Key: "a", Value: 1}}); ok {
		t.Errorf("document ids with a different field order must not match")
	}

	if n := database.Count(db.NewNamespace("missing", "missing")); n != 0 {
		t.Errorf("Count() of a missing collection = %d", n)
	}
	database.Scan(db.NewNamespace("missing", "missing"), func(bson.D) bool {
		t.Errorf("Scan() of a missing collection visited a document")
		return true
	})
}

func testConcurrent(t *testing.T, database db.IDocDB) {
	defer database.Close()

	const workers = 8
	const perWorker = 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			ns := db.NewNamespace("conc", fmt.Sprintf("c%d", w%3))
			for i := 0; i < perWorker; i++ {
				id := fmt.Sprintf("%d-%d", w, i)
				if _, _, err := database.Put(ns, bson.D{{Key: "_id", Value: id}, {Key: "i", Value: i}}); err != nil {
					t.Errorf("Put() error: %v", err)
					return
				}
				if i%2 == 0 {
					database.Delete(ns, id)
				}
			}
		}(w)
	}
	wg.Wait()

	total := 0
	for _, coll := range database.ListCollections("conc") {
		total += database.Count(db.NewNamespace("conc", coll))
	}
	if total != workers*perWorker/2 {
		t.Errorf("document count after concurrent writes = %d, want %d", total, workers*perWorker/2)
	}
}
