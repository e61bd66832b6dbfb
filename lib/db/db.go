package db

import (
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplMemDoc Implementation = "memdoc"
)

var (
	// ErrMissingID is returned when a document without an _id field is written.
	ErrMissingID = errors.New("document has no _id field")
	// ErrInvalidNamespace is returned for empty database or collection names.
	ErrInvalidNamespace = errors.New("invalid namespace")
)

type DatabaseInfo struct {
	DbType      Implementation `json:"db_type"`
	Databases   int            `json:"databases"`
	Collections int            `json:"collections"`
	Documents   int            `json:"documents"`
	SizeBytes   int            `json:"size_bytes"`
}

// Namespace identifies a collection inside a database ("db.coll").
type Namespace struct {
	DB   string
	Coll string
}

// NewNamespace creates a namespace from a database and collection name.
func NewNamespace(database, collection string) Namespace {
	return Namespace{DB: database, Coll: collection}
}

// ParseNamespace splits a "db.coll" string at the first dot.
func ParseNamespace(s string) (Namespace, error) {
	database, collection, ok := strings.Cut(s, ".")
	ns := Namespace{DB: database, Coll: collection}
	if !ok || !ns.Valid() {
		return Namespace{}, fmt.Errorf("%w: %q", ErrInvalidNamespace, s)
	}
	return ns, nil
}

func (n Namespace) String() string {
	return n.DB + "." + n.Coll
}

// Valid reports whether both parts of the namespace are usable names.
func (n Namespace) Valid() bool {
	return n.DB != "" && n.Coll != "" && !strings.ContainsAny(n.DB, "/\\. \"$\x00")
}

// --------------------------------------------------------------------------
// Database Interface
// --------------------------------------------------------------------------

// IDocDB defines an interface for document database engines.
// Documents are ordered bson.D values keyed by their _id field inside a collection.
// Engines must be safe for concurrent use, but they give no atomicity across calls;
// multi-step operations are serialized by the store layer on top of them.
// Documents passed in or handed out are never shared with the engine: implementations
// store and return deep copies.
type IDocDB interface {

	// --------------------------------------------------------------------------
	// Write Operations
	// --------------------------------------------------------------------------

	// Put inserts or replaces the document with the same _id in the collection.
	// The collection (and its database) are created implicitly.
	// It returns the previous version if one was replaced.
	Put(ns Namespace, doc bson.D) (old bson.D, replaced bool, err error)

	// Delete removes the document with the given _id value.
	Delete(ns Namespace, id interface{}) (old bson.D, deleted bool)

	// CreateCollection creates an empty collection if it does not exist yet.
	CreateCollection(ns Namespace) (created bool)

	// DropCollection removes a collection and all of its documents.
	// An empty database is removed together with its last collection.
	DropCollection(ns Namespace) (dropped bool)

	// --------------------------------------------------------------------------
	// Query Operations
	// --------------------------------------------------------------------------

	// Get returns the document with the given _id value.
	Get(ns Namespace, id interface{}) (doc bson.D, loaded bool)

	// Scan calls fn for every document of the collection in insertion order
	// until fn returns false.
	Scan(ns Namespace, fn func(doc bson.D) bool)

	// Count returns the number of documents in the collection.
	Count(ns Namespace) int

	// HasCollection reports whether the collection exists.
	HasCollection(ns Namespace) bool

	// ListDatabases returns the sorted names of all non-empty databases.
	ListDatabases() []string

	// ListCollections returns the sorted collection names of a database.
	ListCollections(database string) []string

	// GetInfo returns information about the database.
	GetInfo() (info DatabaseInfo)

	// Close closes the database.
	Close() (err error)
}
