package server

import (
	"time"

	"github.com/ValentinKolb/dDoc/lib/db"
	"github.com/ValentinKolb/dDoc/lib/replset"
	"github.com/ValentinKolb/dDoc/rpc/common"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// CommandKind classifies a parsed command.
type CommandKind int

const (
	KindUnsupported CommandKind = iota
	KindFind
	KindInsert
	KindUpdate
	KindDelete
	KindAggregate
	KindChangeStream
	KindGetMore
	KindKillCursors
	KindCount
	KindListCollections
	KindListDatabases
	KindCreate
	KindDrop
	KindDropDatabase
	KindHello
	KindPing
	KindBuildInfo
	KindEndSessions
	KindIndexes
	KindReplSetGetStatus
	KindReplSetGetConfig
	KindReplSetReconfig
)

var kindNames = [...]string{
	KindUnsupported:      "unsupported",
	KindFind:             "find",
	KindInsert:           "insert",
	KindUpdate:           "update",
	KindDelete:           "delete",
	KindAggregate:        "aggregate",
	KindChangeStream:     "changeStream",
	KindGetMore:          "getMore",
	KindKillCursors:      "killCursors",
	KindCount:            "count",
	KindListCollections:  "listCollections",
	KindListDatabases:    "listDatabases",
	KindCreate:           "create",
	KindDrop:             "drop",
	KindDropDatabase:     "dropDatabase",
	KindHello:            "hello",
	KindPing:             "ping",
	KindBuildInfo:        "buildInfo",
	KindEndSessions:      "endSessions",
	KindIndexes:          "indexes",
	KindReplSetGetStatus: "replSetGetStatus",
	KindReplSetGetConfig: "replSetGetConfig",
	KindReplSetReconfig:  "replSetReconfig",
}

func (k CommandKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Command is a parsed command document. The set of implementations is closed,
// every command a client sends is parsed into exactly one of the types below.
type Command interface {
	Kind() CommandKind
}

// --------------------------------------------------------------------------
// CRUD
// --------------------------------------------------------------------------

type FindCommand struct {
	NS          db.Namespace
	Filter      bson.D
	Sort        bson.D
	Projection  bson.D
	Skip        int64
	Limit       int64 // a negative limit returns a single batch
	BatchSize   int32
	SingleBatch bool
}

type InsertCommand struct {
	NS        db.Namespace
	Documents []bson.D
	Ordered   bool
}

type UpdateSpec struct {
	Filter bson.D
	Update bson.D // operator update or replacement document
	Multi  bool
	Upsert bool
}

type UpdateCommand struct {
	NS      db.Namespace
	Updates []UpdateSpec
	Ordered bool
}

type DeleteSpec struct {
	Filter bson.D
	Limit  int // 0 removes every match, 1 the first one
}

type DeleteCommand struct {
	NS      db.Namespace
	Deletes []DeleteSpec
	Ordered bool
}

type CountCommand struct {
	NS    db.Namespace
	Query bson.D
	Skip  int64
	Limit int64
}

// AggregateCommand is a plain pipeline over one collection.
type AggregateCommand struct {
	NS        db.Namespace
	Pipeline  []bson.D
	BatchSize int32
}

// ChangeStreamCommand is an aggregate whose first stage is $changeStream.
// An empty Collection watches the whole database, AllChangesForCluster every database.
type ChangeStreamCommand struct {
	Database             string
	Collection           string
	AllChangesForCluster bool
	ResumeAfter          *common.ResumeToken
	StartAtOperationTime *primitive.Timestamp
	Pipeline             []bson.D // stages after $changeStream
	BatchSize            int32
}

// --------------------------------------------------------------------------
// Cursors
// --------------------------------------------------------------------------

type GetMoreCommand struct {
	CursorID  int64
	NS        db.Namespace
	BatchSize int32
	MaxTime   time.Duration
}

type KillCursorsCommand struct {
	NS        db.Namespace
	CursorIDs []int64
}

// --------------------------------------------------------------------------
// Databases and collections
// --------------------------------------------------------------------------

type ListCollectionsCommand struct {
	Database string
	Filter   bson.D
	NameOnly bool
}

type ListDatabasesCommand struct {
	Filter   bson.D
	NameOnly bool
}

type CreateCommand struct {
	NS db.Namespace
}

type DropCommand struct {
	NS db.Namespace
}

type DropDatabaseCommand struct {
	Database string
}

// IndexCommand covers createIndexes, listIndexes and dropIndexes. Indexes are
// accepted but not maintained, only the _id index is reported.
type IndexCommand struct {
	Name    string
	NS      db.Namespace
	Indexes []bson.D
}

// --------------------------------------------------------------------------
// Handshake and diagnostics
// --------------------------------------------------------------------------

// HelloCommand is the handshake. Legacy marks the isMaster spelling, whose
// reply uses the ismaster field.
type HelloCommand struct {
	Legacy bool
}

type PingCommand struct{}

type BuildInfoCommand struct{}

type EndSessionsCommand struct{}

// --------------------------------------------------------------------------
// Replica set
// --------------------------------------------------------------------------

type ReplSetGetStatusCommand struct{}

type ReplSetGetConfigCommand struct{}

type ReplSetReconfigCommand struct {
	Config replset.Config
}

// UnsupportedCommand is every command name without a parser.
type UnsupportedCommand struct {
	Name string
}

func (FindCommand) Kind() CommandKind             { return KindFind }
func (InsertCommand) Kind() CommandKind           { return KindInsert }
func (UpdateCommand) Kind() CommandKind           { return KindUpdate }
func (DeleteCommand) Kind() CommandKind           { return KindDelete }
func (CountCommand) Kind() CommandKind            { return KindCount }
func (AggregateCommand) Kind() CommandKind        { return KindAggregate }
func (ChangeStreamCommand) Kind() CommandKind     { return KindChangeStream }
func (GetMoreCommand) Kind() CommandKind          { return KindGetMore }
func (KillCursorsCommand) Kind() CommandKind      { return KindKillCursors }
func (ListCollectionsCommand) Kind() CommandKind  { return KindListCollections }
func (ListDatabasesCommand) Kind() CommandKind    { return KindListDatabases }
func (CreateCommand) Kind() CommandKind           { return KindCreate }
func (DropCommand) Kind() CommandKind             { return KindDrop }
func (DropDatabaseCommand) Kind() CommandKind     { return KindDropDatabase }
func (IndexCommand) Kind() CommandKind            { return KindIndexes }
func (HelloCommand) Kind() CommandKind            { return KindHello }
func (PingCommand) Kind() CommandKind             { return KindPing }
func (BuildInfoCommand) Kind() CommandKind        { return KindBuildInfo }
func (EndSessionsCommand) Kind() CommandKind      { return KindEndSessions }
func (ReplSetGetStatusCommand) Kind() CommandKind { return KindReplSetGetStatus }
func (ReplSetGetConfigCommand) Kind() CommandKind { return KindReplSetGetConfig }
func (ReplSetReconfigCommand) Kind() CommandKind  { return KindReplSetReconfig }
func (UnsupportedCommand) Kind() CommandKind      { return KindUnsupported }

// isWrite reports whether a command mutates data and therefore needs a primary.
func isWrite(cmd Command) bool {
	switch c := cmd.(type) {
	case InsertCommand, UpdateCommand, DeleteCommand, CreateCommand, DropCommand, DropDatabaseCommand:
		return true
	case IndexCommand:
		return c.Name != "listIndexes"
	}
	return false
}
