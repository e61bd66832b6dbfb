package testing

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/dDoc/lib/db"
	"go.mongodb.org/mongo-driver/bson"
)

// RunDocDBBenchmarks runs all benchmarks for a document database implementation
func RunDocDBBenchmarks(b *testing.B, name string, factory DBFactory) {
	b.Run(name, func(b *testing.B) {
		b.Run("Put", func(b *testing.B) {
			benchmarkPut(b, factory())
		})

		b.Run("PutExisting", func(b *testing.B) {
			benchmarkPutExisting(b, factory())
		})

		b.Run("Get", func(b *testing.B) {
			benchmarkGet(b, factory())
		})

		b.Run("Scan1000", func(b *testing.B) {
			benchmarkScan(b, factory(), 1000)
		})

		b.Run("MixedUsage", func(b *testing.B) {
			benchmarkMixedUsage(b, factory())
		})
	})
}

func benchDoc(id int) bson.D {
	return bson.D{
		{Key: "_id", Value: id},
		{Key: "name", Value: fmt.Sprintf("user-%d", id)},
		{Key: "tags", Value: bson.A{"a", "b", "c"}},
		{Key: "address", Value: bson.D{{Key: "city", Value: "Ulm"}, {Key: "zip", Value: "89073"}}},
	}
}

func benchmarkPut(b *testing.B, database db.IDocDB) {
	defer database.Close()
	var counter atomic.Int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, _, _ = database.Put(testNS, benchDoc(int(counter.Add(1))))
		}
	})
}

func benchmarkPutExisting(b *testing.B, database db.IDocDB) {
	defer database.Close()
	for i := 0; i < 1000; i++ {
		_, _, _ = database.Put(testNS, benchDoc(i))
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			_, _, _ = database.Put(testNS, benchDoc(r.Intn(1000)))
		}
	})
}

func benchmarkGet(b *testing.B, database db.IDocDB) {
	defer database.Close()
	for i := 0; i < 1000; i++ {
		_, _, _ = database.Put(testNS, benchDoc(i))
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			database.Get(testNS, r.Intn(1000))
		}
	})
}

func benchmarkScan(b *testing.B, database db.IDocDB, size int) {
	defer database.Close()
	for i := 0; i < size; i++ {
		_, _, _ = database.Put(testNS, benchDoc(i))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		database.Scan(testNS, func(bson.D) bool { return true })
	}
}

func benchmarkMixedUsage(b *testing.B, database db.IDocDB) {
	defer database.Close()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			id := r.Intn(5000)
			switch r.Intn(10) {
			case 0, 1, 2:
				_, _, _ = database.Put(testNS, benchDoc(id))
			case 3:
				database.Delete(testNS, id)
			default:
				database.Get(testNS, id)
			}
		}
	})
}
