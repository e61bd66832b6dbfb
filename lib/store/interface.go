package store

import (
	"fmt"

	"github.com/ValentinKolb/dDoc/lib/db"
	"github.com/ValentinKolb/dDoc/lib/feed"
	"github.com/ValentinKolb/dDoc/lib/query"
	"go.mongodb.org/mongo-driver/bson"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// DBFactory is a function type that creates a new db used by the store.
// This is used to abstract the creation of the db from the store implementation.
type DBFactory func() db.IDocDB

// Updater computes the new version of a matched document. For the insert branch
// of an upsert it receives the seed document built from the filter and insert is true.
type Updater func(doc bson.D, insert bool) (bson.D, error)

// UpdateOptions controls which documents an update touches.
type UpdateOptions struct {
	Multi  bool // update every matching document instead of the first one
	Upsert bool // insert the seed document if nothing matched
}

// UpdateResult reports the outcome of an update.
type UpdateResult struct {
	Matched    int
	Modified   int
	UpsertedID interface{} // nil unless an upsert inserted a document
}

// IStore is the interface the command layer uses to read and mutate documents.
// Every mutation is atomic with respect to other calls on the same collection and
// its change event is appended to the feed before the call returns, so a caller
// that observed success can rely on the change being visible to feed subscribers.
// Write operations return a *Error on failure.
type IStore interface {

	// --------------------------------------------------------------------------
	// Client Write Operations
	// --------------------------------------------------------------------------

	// Insert stores a new document. A missing _id is generated. An existing _id
	// yields an error with RetCDuplicateKey.
	Insert(ns db.Namespace, doc bson.D) (id interface{}, err error)

	// Update applies fn to the documents matching filter. One update event with the
	// full resulting document is appended per modified document. If nothing matched
	// and no upsert happened, an error with RetCNotFound is returned together with the result.
	Update(ns db.Namespace, filter query.Matcher, seed bson.D, fn Updater, opts UpdateOptions) (res UpdateResult, err error)

	// Delete removes up to limit matching documents (0 means all) and appends one
	// delete event per removed document. If nothing matched an error with RetCNotFound is returned.
	Delete(ns db.Namespace, filter query.Matcher, limit int) (deleted int, err error)

	// CreateCollection creates an empty collection.
	CreateCollection(ns db.Namespace) (created bool, err error)

	// DropCollection removes a collection and appends a drop event if it existed.
	DropCollection(ns db.Namespace) (dropped bool, err error)

	// DropDatabase drops every collection of a database and returns their names.
	DropDatabase(database string) (dropped []string, err error)

	// --------------------------------------------------------------------------
	// Replication Operations
	// --------------------------------------------------------------------------

	// ApplyChange applies a change event of another node idempotently: insert and
	// update are full document upserts, delete removes by key and drop removes the
	// collection if present. Only events that change local state are appended to the
	// local feed. It reports whether the local state changed.
	ApplyChange(ev feed.ChangeEvent) (changed bool, err error)

	// Retain deletes every document of the collection whose _id is not in ids.
	Retain(ns db.Namespace, ids []interface{}) (removed int, err error)

	// --------------------------------------------------------------------------
	// Read Operations
	// --------------------------------------------------------------------------

	// Find returns up to limit matching documents (0 means all) in natural order.
	Find(ns db.Namespace, filter query.Matcher, limit int) (docs []bson.D, err error)

	// Get returns a document by its _id.
	Get(ns db.Namespace, id interface{}) (doc bson.D, loaded bool, err error)

	// Count returns the number of matching documents.
	Count(ns db.Namespace, filter query.Matcher) (n int, err error)

	// ListDatabases returns the names of all non-empty databases.
	ListDatabases() (names []string)

	// ListCollections returns the collection names of a database.
	ListCollections(database string) (names []string)

	// Feed returns the change feed this store appends to.
	Feed() *feed.ChangeFeed

	// GetDBInfo returns metadata about the database underlying the store.
	GetDBInfo() (info db.DatabaseInfo, err error)

	// Close closes the feed and the underlying database.
	Close() error
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is the storage error type. It wraps a return code (of type RetCode)
// and an error message.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message.
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("StorageError (code %s): %s", e.Code, e.Msg)
}

// NewError creates a new storage error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// Errorf creates a new storage error with a formatted message.
func Errorf(code RetCode, format string, args ...interface{}) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess          RetCode = iota // 0: Command executed successfully.
	RetCInternalError                   // 1: Command failed due to an internal error.
	RetCInvalidOperation                // 2: Invalid operation or argument.
	RetCDuplicateKey                    // 3: A document with the same _id already exists.
	RetCNotFound                        // 4: No document matched the target of a write.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCInvalidOperation:
		return "InvalidOperation"
	case RetCDuplicateKey:
		return "DuplicateKey"
	case RetCNotFound:
		return "NotFound"
	default:
		return "Unknown"
	}
}
