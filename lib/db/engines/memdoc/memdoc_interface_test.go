package memdoc

import (
	"testing"

	"github.com/ValentinKolb/dDoc/lib/db"
	dbtesting "github.com/ValentinKolb/dDoc/lib/db/testing"
)

func Test(t *testing.T) {
	dbtesting.RunDocDBTests(t, "MemDocDB", func() db.IDocDB {
		return NewMemDocDB()
	})
}

func Benchmark(b *testing.B) {
	dbtesting.RunDocDBBenchmarks(b, "MemDocDB", func() db.IDocDB {
		return NewMemDocDB()
	})
}
