// Package memdoc implements an in-memory document database engine satisfying
// the db.IDocDB interface.
//
// Databases and collections are held in concurrent xsync maps, every collection
// guards its documents with its own RWMutex. Documents are keyed by the canonical
// form of their _id (see db.IDKey) and remember an insertion counter, so scans
// return documents in natural (insertion) order and a replace keeps the original
// position.
//
// All documents are deep-copied on the way in and out. Nothing is persisted.
package memdoc
