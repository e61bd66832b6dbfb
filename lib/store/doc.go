// Package store provides the document store used by the command layer: a
// high-level interface over a db.IDocDB engine that couples every mutation
// with its change event.
//
// Key Components:
//
//   - IStore Interface: inserts, filtered updates and deletes, collection
//     lifecycle, reads and the idempotent ApplyChange used by replication.
//     Each call is atomic with respect to other calls on the same collection
//     and the change event of a mutation is appended to the feed inside the
//     same critical section, before the call returns.
//
//   - Error System: the storage error type (Error) with typed return codes, e.g.
//     RetCDuplicateKey for an insert of an existing _id and RetCNotFound for
//     an update or delete whose filter matched nothing.
//
//   - DBFactory: A function type that abstracts the creation of the underlying
//     db.IDocDB instance.
//
// Implementations:
//
//	- Local Store (lstore): a single node implementation guarding the engine with
//	  per-collection locks. Available in the "github.com/ValentinKolb/dDoc/lib/store/lstore" package.
package store
