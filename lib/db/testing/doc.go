// Package testing provides standardised tests and benchmarks for
// database engines that satisfy the db.IDocDB interface.
//
// The package contains:
//   - testing: a conformance suite for the IDocDB contract (id keyed upsert,
//     numeric id canonicalisation, natural scan order, copy isolation,
//     collection lifecycle, concurrent writers)
//   - benchmark: throughput benchmarks for common engine operations
//
// Example usage:
//
//	factory := func() db.IDocDB {
//		return NewMyEngine()
//	}
//
//	dbtesting.RunDocDBTests(t, "MyEngine", factory)
//	dbtesting.RunDocDBBenchmarks(b, "MyEngine", factory)
package testing
