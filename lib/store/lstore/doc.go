// Package lstore implements the local, in-memory document store based on the
// store.IStore interface. It wraps any db.IDocDB implementation and a change feed.
//
// Locking:
//
//	Every collection has its own read/write lock, kept in a concurrent map. Writers
//	hold the exclusive lock while they scan, mutate the engine and append the change
//	events, so a mutation and its event are never observed apart. Database wide
//	operations (DropDatabase) additionally take a store wide lock exclusively.
//
// Replication:
//
//	ApplyChange applies events of another node as full document upserts or deletes
//	by key. Events that do not change the local state are dropped, so replaying an
//	event is a no-op and the local feed only reports real changes.
//
// Usage Example:
//
//	changes := feed.NewChangeFeed(0)
//	s := lstore.NewLocalStore(func() db.IDocDB { return memdoc.NewMemDocDB() }, changes)
//
//	id, err := s.Insert(db.NewNamespace("app", "users"), bson.D{{Key: "name", Value: "ada"}})
package lstore
