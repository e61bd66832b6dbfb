package server

import (
	"runtime"
	"sort"
	"time"

	"github.com/ValentinKolb/dDoc/lib/query"
	"github.com/ValentinKolb/dDoc/lib/replset"
	"github.com/ValentinKolb/dDoc/rpc/common"
	"go.mongodb.org/mongo-driver/bson"
)

// Version is reported by buildInfo and the CLI.
const Version = "0.4.0"

// --------------------------------------------------------------------------
// Handshake
// --------------------------------------------------------------------------

func (s *DocServer) hello(c HelloCommand) bson.D {
	res := s.resolver.Current()
	primary := res.Role == replset.RolePrimary

	writable := "isWritablePrimary"
	if c.Legacy {
		writable = "ismaster"
	}
	reply := bson.D{
		{Key: "helloOk", Value: true},
		{Key: writable, Value: primary},
	}

	if !res.Standalone() {
		reply = append(reply,
			bson.E{Key: "secondary", Value: !primary},
			bson.E{Key: "setName", Value: res.Config.SetName},
			bson.E{Key: "setVersion", Value: int32(res.Config.Version)},
			bson.E{Key: "hosts", Value: stringArray(res.Config.Hosts())},
			bson.E{Key: "me", Value: s.Addr()},
		)
		if res.Primary != "" {
			reply = append(reply, bson.E{Key: "primary", Value: res.Primary})
		}
	}

	return append(reply,
		bson.E{Key: "maxBsonObjectSize", Value: int32(common.MaxBsonObjectSize)},
		bson.E{Key: "maxMessageSizeBytes", Value: int32(s.maxMessageSize())},
		bson.E{Key: "maxWriteBatchSize", Value: int32(common.MaxWriteBatchSize)},
		bson.E{Key: "localTime", Value: time.Now()},
		bson.E{Key: "minWireVersion", Value: int32(common.MinWireVersion)},
		bson.E{Key: "maxWireVersion", Value: int32(common.MaxWireVersion)},
		bson.E{Key: "readOnly", Value: false},
	)
}

func (s *DocServer) buildInfo() bson.D {
	return bson.D{
		{Key: "version", Value: Version},
		{Key: "gitVersion", Value: "ddoc"},
		{Key: "versionArray", Value: bson.A{int32(0), int32(4), int32(0), int32(0)}},
		{Key: "bits", Value: int32(64)},
		{Key: "maxBsonObjectSize", Value: int32(common.MaxBsonObjectSize)},
		{Key: "javascriptEngine", Value: "none"},
		{Key: "storageEngines", Value: bson.A{"memdoc"}},
		{Key: "buildEnvironment", Value: bson.D{
			{Key: "target_os", Value: runtime.GOOS},
			{Key: "target_arch", Value: runtime.GOARCH},
			{Key: "go", Value: runtime.Version()},
		}},
	}
}

// --------------------------------------------------------------------------
// Databases and Collections
// --------------------------------------------------------------------------

func (s *DocServer) listCollections(c ListCollectionsCommand) (bson.D, error) {
	matcher, err := query.Compile(c.Filter)
	if err != nil {
		return nil, err
	}

	names := s.store.ListCollections(c.Database)
	sort.Strings(names)

	var docs []bson.D
	for _, name := range names {
		doc := bson.D{{Key: "name", Value: name}, {Key: "type", Value: "collection"}}
		if !c.NameOnly {
			doc = append(doc,
				bson.E{Key: "options", Value: bson.D{}},
				bson.E{Key: "info", Value: bson.D{{Key: "readOnly", Value: false}}},
				bson.E{Key: "idIndex", Value: idIndex()},
			)
		}
		if matcher(doc) {
			docs = append(docs, doc)
		}
	}
	return s.cursorReply(c.Database+".$cmd.listCollections", docs, 0, false), nil
}

func (s *DocServer) listDatabases(c ListDatabasesCommand) (bson.D, error) {
	matcher, err := query.Compile(c.Filter)
	if err != nil {
		return nil, err
	}

	names := s.store.ListDatabases()
	sort.Strings(names)

	databases := bson.A{}
	for _, name := range names {
		doc := bson.D{{Key: "name", Value: name}}
		if !c.NameOnly {
			doc = append(doc,
				bson.E{Key: "sizeOnDisk", Value: int64(0)},
				bson.E{Key: "empty", Value: false},
			)
		}
		if matcher(doc) {
			databases = append(databases, doc)
		}
	}

	reply := bson.D{{Key: "databases", Value: databases}}
	if !c.NameOnly {
		reply = append(reply, bson.E{Key: "totalSize", Value: int64(0)})
	}
	return reply, nil
}

func (s *DocServer) create(c CreateCommand) (bson.D, error) {
	created, err := s.store.CreateCollection(c.NS)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, common.NewCommandError(common.CodeNamespaceExists, "collection %s already exists", c.NS)
	}
	return bson.D{}, nil
}

func (s *DocServer) drop(c DropCommand) (bson.D, error) {
	if _, err := s.store.DropCollection(c.NS); err != nil {
		return nil, err
	}
	return bson.D{{Key: "ns", Value: c.NS.String()}}, nil
}

func (s *DocServer) dropDatabase(c DropDatabaseCommand) (bson.D, error) {
	dropped, err := s.store.DropDatabase(c.Database)
	if err != nil {
		return nil, err
	}
	Logger.Debugf("dropped database %s (%d collections)", c.Database, len(dropped))
	return bson.D{{Key: "dropped", Value: c.Database}}, nil
}

// indexes accepts index commands without maintaining secondary indexes.
func (s *DocServer) indexes(c IndexCommand) (bson.D, error) {
	switch c.Name {
	case "createIndexes":
		created, err := s.store.CreateCollection(c.NS)
		if err != nil {
			return nil, err
		}
		return bson.D{
			{Key: "createdCollectionAutomatically", Value: created},
			{Key: "numIndexesBefore", Value: int32(1)},
			{Key: "numIndexesAfter", Value: int32(1 + len(c.Indexes))},
		}, nil
	case "dropIndexes":
		return bson.D{{Key: "nIndexesWas", Value: int32(1)}}, nil
	default:
		return s.cursorReply(c.NS.String(), []bson.D{idIndex()}, 0, false), nil
	}
}

func idIndex() bson.D {
	return bson.D{
		{Key: "v", Value: int32(2)},
		{Key: "key", Value: bson.D{{Key: "_id", Value: int32(1)}}},
		{Key: "name", Value: "_id_"},
	}
}

func stringArray(values []string) bson.A {
	out := make(bson.A, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
