// Package db provides the storage interface for document database engines.
// It defines the IDocDB interface that the store layer uses to keep databases,
// collections and documents, independent of the concrete engine.
//
// Key Components:
//
//   - IDocDB Interface: id-keyed upsert (Put), delete, point lookup, ordered scans
//     and collection/database enumeration. Engines are safe for concurrent use but
//     do not provide atomicity across calls.
//
//   - Namespace: the "database.collection" pair addressing a collection.
//
//   - Document helpers: documents are ordered bson.D values. IDKey maps an _id value
//     to a canonical key (integral numbers of different BSON types collapse to one key),
//     EnsureID moves or generates the _id field, CloneDocument deep-copies documents so
//     that engines never share memory with their callers.
//
// Engines live in the engines sub packages (currently memdoc), and the testing
// package contains a conformance suite every engine should pass.
package db
