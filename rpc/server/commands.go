package server

import (
	"time"

	"github.com/ValentinKolb/dDoc/lib/db"
	"github.com/ValentinKolb/dDoc/lib/query"
	"github.com/ValentinKolb/dDoc/lib/replset"
	"github.com/ValentinKolb/dDoc/rpc/common"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// changeStreamStages are the stages allowed after $changeStream.
var changeStreamStages = map[string]bool{
	"$match":     true,
	"$project":   true,
	"$addFields": true,
	"$set":       true,
	"$unset":     true,
}

// ParseCommand classifies a command document by its first key and decodes its
// arguments. Names without a parser yield an UnsupportedCommand, malformed
// arguments a *common.CommandError.
func ParseCommand(database string, doc bson.D) (Command, error) {
	if len(doc) == 0 {
		return nil, common.NewCommandError(common.CodeBadValue, "empty command document")
	}
	if database == "" {
		return nil, common.NewCommandError(common.CodeBadValue, "command %s has no $db", doc[0].Key)
	}

	switch name := doc[0].Key; name {
	case "find":
		return parseFind(database, doc)
	case "insert":
		return parseInsert(database, doc)
	case "update":
		return parseUpdate(database, doc)
	case "delete":
		return parseDelete(database, doc)
	case "count":
		return parseCount(database, doc)
	case "aggregate":
		return parseAggregate(database, doc)
	case "getMore":
		return parseGetMore(database, doc)
	case "killCursors":
		return parseKillCursors(database, doc)
	case "listCollections":
		return parseListCollections(database, doc)
	case "listDatabases":
		return parseListDatabases(doc)
	case "create":
		ns, err := collectionNamespace(database, doc)
		return CreateCommand{NS: ns}, err
	case "drop":
		ns, err := collectionNamespace(database, doc)
		return DropCommand{NS: ns}, err
	case "dropDatabase":
		return DropDatabaseCommand{Database: database}, nil
	case "createIndexes", "listIndexes", "dropIndexes":
		return parseIndexCommand(name, database, doc)
	case "hello":
		return HelloCommand{}, nil
	case "isMaster", "ismaster":
		return HelloCommand{Legacy: true}, nil
	case "ping":
		return PingCommand{}, nil
	case "buildInfo", "buildinfo":
		return BuildInfoCommand{}, nil
	case "endSessions":
		return EndSessionsCommand{}, nil
	case "replSetGetStatus":
		return ReplSetGetStatusCommand{}, nil
	case "replSetGetConfig":
		return ReplSetGetConfigCommand{}, nil
	case "replSetReconfig", "replSetInitiate":
		return parseReconfig(doc)
	default:
		return UnsupportedCommand{Name: name}, nil
	}
}

// --------------------------------------------------------------------------
// Parsers
// --------------------------------------------------------------------------

func parseFind(database string, doc bson.D) (Command, error) {
	ns, err := collectionNamespace(database, doc)
	if err != nil {
		return nil, err
	}
	var args struct {
		Filter      bson.D `bson:"filter"`
		Sort        bson.D `bson:"sort"`
		Projection  bson.D `bson:"projection"`
		Skip        int64  `bson:"skip"`
		Limit       int64  `bson:"limit"`
		BatchSize   int32  `bson:"batchSize"`
		SingleBatch bool   `bson:"singleBatch"`
	}
	if err := decode("find", doc, &args); err != nil {
		return nil, err
	}
	if args.Skip < 0 || args.BatchSize < 0 {
		return nil, badValue("skip and batchSize must not be negative")
	}
	return FindCommand{
		NS:          ns,
		Filter:      args.Filter,
		Sort:        args.Sort,
		Projection:  args.Projection,
		Skip:        args.Skip,
		Limit:       args.Limit,
		BatchSize:   args.BatchSize,
		SingleBatch: args.SingleBatch,
	}, nil
}

func parseInsert(database string, doc bson.D) (Command, error) {
	ns, err := collectionNamespace(database, doc)
	if err != nil {
		return nil, err
	}
	var args struct {
		Documents []bson.D `bson:"documents"`
		Ordered   *bool    `bson:"ordered"`
	}
	if err := decode("insert", doc, &args); err != nil {
		return nil, err
	}
	if len(args.Documents) == 0 || len(args.Documents) > common.MaxWriteBatchSize {
		return nil, badValue("write batch sizes must be between 1 and %d", common.MaxWriteBatchSize)
	}
	return InsertCommand{NS: ns, Documents: args.Documents, Ordered: ordered(args.Ordered)}, nil
}

func parseUpdate(database string, doc bson.D) (Command, error) {
	ns, err := collectionNamespace(database, doc)
	if err != nil {
		return nil, err
	}
	var args struct {
		Updates []struct {
			Q      bson.D        `bson:"q"`
			U      bson.RawValue `bson:"u"`
			Multi  bool          `bson:"multi"`
			Upsert bool          `bson:"upsert"`
		} `bson:"updates"`
		Ordered *bool `bson:"ordered"`
	}
	if err := decode("update", doc, &args); err != nil {
		return nil, err
	}
	if len(args.Updates) == 0 || len(args.Updates) > common.MaxWriteBatchSize {
		return nil, badValue("write batch sizes must be between 1 and %d", common.MaxWriteBatchSize)
	}

	cmd := UpdateCommand{NS: ns, Ordered: ordered(args.Ordered)}
	for _, u := range args.Updates {
		if u.U.Type != bson.TypeEmbeddedDocument {
			return nil, badValue("update must be a document, pipeline updates are not supported")
		}
		var update bson.D
		if err := u.U.Unmarshal(&update); err != nil {
			return nil, badValue("invalid update document: %v", err)
		}
		if u.Multi && !query.IsOperatorUpdate(update) {
			return nil, badValue("multi update is only supported with $ operators")
		}
		cmd.Updates = append(cmd.Updates, UpdateSpec{Filter: u.Q, Update: update, Multi: u.Multi, Upsert: u.Upsert})
	}
	return cmd, nil
}

func parseDelete(database string, doc bson.D) (Command, error) {
	ns, err := collectionNamespace(database, doc)
	if err != nil {
		return nil, err
	}
	var args struct {
		Deletes []struct {
			Q     bson.D `bson:"q"`
			Limit int32  `bson:"limit"`
		} `bson:"deletes"`
		Ordered *bool `bson:"ordered"`
	}
	if err := decode("delete", doc, &args); err != nil {
		return nil, err
	}
	if len(args.Deletes) == 0 || len(args.Deletes) > common.MaxWriteBatchSize {
		return nil, badValue("write batch sizes must be between 1 and %d", common.MaxWriteBatchSize)
	}

	cmd := DeleteCommand{NS: ns, Ordered: ordered(args.Ordered)}
	for _, d := range args.Deletes {
		if d.Limit != 0 && d.Limit != 1 {
			return nil, badValue("the limit field in delete objects must be 0 or 1, got %d", d.Limit)
		}
		cmd.Deletes = append(cmd.Deletes, DeleteSpec{Filter: d.Q, Limit: int(d.Limit)})
	}
	return cmd, nil
}

func parseCount(database string, doc bson.D) (Command, error) {
	ns, err := collectionNamespace(database, doc)
	if err != nil {
		return nil, err
	}
	var args struct {
		Query bson.D `bson:"query"`
		Skip  int64  `bson:"skip"`
		Limit int64  `bson:"limit"`
	}
	if err := decode("count", doc, &args); err != nil {
		return nil, err
	}
	if args.Skip < 0 {
		return nil, badValue("skip must not be negative")
	}
	if args.Limit < 0 {
		args.Limit = -args.Limit
	}
	return CountCommand{NS: ns, Query: args.Query, Skip: args.Skip, Limit: args.Limit}, nil
}

func parseAggregate(database string, doc bson.D) (Command, error) {
	var args struct {
		Pipeline []bson.D `bson:"pipeline"`
		Cursor   struct {
			BatchSize int32 `bson:"batchSize"`
		} `bson:"cursor"`
	}
	if err := decode("aggregate", doc, &args); err != nil {
		return nil, err
	}

	collection, isCollection := doc[0].Value.(string)
	if len(args.Pipeline) > 0 && len(args.Pipeline[0]) > 0 && args.Pipeline[0][0].Key == "$changeStream" {
		return parseChangeStream(database, collection, args.Pipeline, args.Cursor.BatchSize)
	}
	if !isCollection {
		return nil, badValue("aggregate without a collection needs a $changeStream stage")
	}
	ns := db.NewNamespace(database, collection)
	if !ns.Valid() {
		return nil, common.NewCommandError(common.CodeInvalidNamespace, "invalid namespace %q", ns)
	}
	return AggregateCommand{NS: ns, Pipeline: args.Pipeline, BatchSize: args.Cursor.BatchSize}, nil
}

func parseChangeStream(database, collection string, pipeline []bson.D, batchSize int32) (Command, error) {
	stage, ok := pipeline[0][0].Value.(bson.D)
	if !ok {
		return nil, badValue("$changeStream expects a document")
	}
	var spec struct {
		ResumeAfter          bson.D               `bson:"resumeAfter"`
		StartAfter           bson.D               `bson:"startAfter"`
		StartAtOperationTime *primitive.Timestamp `bson:"startAtOperationTime"`
		AllChangesForCluster bool                 `bson:"allChangesForCluster"`
	}
	if err := decode("$changeStream", stage, &spec); err != nil {
		return nil, err
	}

	cmd := ChangeStreamCommand{
		Database:             database,
		Collection:           collection,
		AllChangesForCluster: spec.AllChangesForCluster,
		StartAtOperationTime: spec.StartAtOperationTime,
		Pipeline:             pipeline[1:],
		BatchSize:            batchSize,
	}
	if cmd.AllChangesForCluster && (database != "admin" || collection != "") {
		return nil, badValue("allChangesForCluster is only allowed with aggregate: 1 on the admin database")
	}

	token := spec.ResumeAfter
	if token == nil {
		token = spec.StartAfter
	}
	if token != nil {
		rt, err := common.ParseResumeToken(token)
		if err != nil {
			return nil, badValue("%v", err)
		}
		cmd.ResumeAfter = &rt
	}

	for _, st := range cmd.Pipeline {
		if len(st) != 1 || !changeStreamStages[st[0].Key] {
			return nil, badValue("stage %v is not allowed in a change stream pipeline", st)
		}
	}
	return cmd, nil
}

func parseGetMore(database string, doc bson.D) (Command, error) {
	var args struct {
		GetMore    int64  `bson:"getMore"`
		Collection string `bson:"collection"`
		BatchSize  int32  `bson:"batchSize"`
		MaxTimeMS  int64  `bson:"maxTimeMS"`
	}
	if err := decode("getMore", doc, &args); err != nil {
		return nil, err
	}
	if args.BatchSize < 0 || args.MaxTimeMS < 0 {
		return nil, badValue("batchSize and maxTimeMS must not be negative")
	}
	return GetMoreCommand{
		CursorID:  args.GetMore,
		NS:        db.NewNamespace(database, args.Collection),
		BatchSize: args.BatchSize,
		MaxTime:   time.Duration(args.MaxTimeMS) * time.Millisecond,
	}, nil
}

func parseKillCursors(database string, doc bson.D) (Command, error) {
	var args struct {
		KillCursors string  `bson:"killCursors"`
		Cursors     []int64 `bson:"cursors"`
	}
	if err := decode("killCursors", doc, &args); err != nil {
		return nil, err
	}
	return KillCursorsCommand{NS: db.NewNamespace(database, args.KillCursors), CursorIDs: args.Cursors}, nil
}

func parseListCollections(database string, doc bson.D) (Command, error) {
	var args struct {
		Filter   bson.D `bson:"filter"`
		NameOnly bool   `bson:"nameOnly"`
	}
	if err := decode("listCollections", doc, &args); err != nil {
		return nil, err
	}
	return ListCollectionsCommand{Database: database, Filter: args.Filter, NameOnly: args.NameOnly}, nil
}

func parseListDatabases(doc bson.D) (Command, error) {
	var args struct {
		Filter   bson.D `bson:"filter"`
		NameOnly bool   `bson:"nameOnly"`
	}
	if err := decode("listDatabases", doc, &args); err != nil {
		return nil, err
	}
	return ListDatabasesCommand{Filter: args.Filter, NameOnly: args.NameOnly}, nil
}

func parseIndexCommand(name, database string, doc bson.D) (Command, error) {
	ns, err := collectionNamespace(database, doc)
	if err != nil {
		return nil, err
	}
	var args struct {
		Indexes []bson.D `bson:"indexes"`
	}
	if err := decode(name, doc, &args); err != nil {
		return nil, err
	}
	return IndexCommand{Name: name, NS: ns, Indexes: args.Indexes}, nil
}

func parseReconfig(doc bson.D) (Command, error) {
	cfgDoc, ok := doc[0].Value.(bson.D)
	if !ok {
		return nil, common.NewCommandError(common.CodeInvalidReplicaSetConfig, "%s expects a config document", doc[0].Key)
	}
	var cfg replset.Config
	if err := decode(doc[0].Key, cfgDoc, &cfg); err != nil {
		return nil, common.NewCommandError(common.CodeInvalidReplicaSetConfig, "%v", err)
	}
	return ReplSetReconfigCommand{Config: cfg}, nil
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

// decode unmarshals the fields of doc into out. Unknown fields are ignored.
func decode(name string, doc bson.D, out interface{}) error {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return badValue("%s: invalid document: %v", name, err)
	}
	if err := bson.Unmarshal(raw, out); err != nil {
		return badValue("%s: %v", name, err)
	}
	return nil
}

// collectionNamespace returns the namespace named by the first field of a command.
func collectionNamespace(database string, doc bson.D) (db.Namespace, error) {
	coll, ok := doc[0].Value.(string)
	if !ok {
		return db.Namespace{}, common.NewCommandError(common.CodeInvalidNamespace,
			"collection name has invalid type %T", doc[0].Value)
	}
	ns := db.NewNamespace(database, coll)
	if !ns.Valid() {
		return db.Namespace{}, common.NewCommandError(common.CodeInvalidNamespace, "invalid namespace %q", ns)
	}
	return ns, nil
}

func ordered(v *bool) bool {
	return v == nil || *v
}

func badValue(format string, args ...interface{}) *common.CommandError {
	return common.NewCommandError(common.CodeBadValue, format, args...)
}
