package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/ValentinKolb/dDoc/lib/db"
	"github.com/ValentinKolb/dDoc/lib/repl"
	"github.com/ValentinKolb/dDoc/lib/replset"
	"github.com/ValentinKolb/dDoc/rpc/client"
	"github.com/ValentinKolb/dDoc/rpc/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

// freeAddr returns a loopback address nobody listens on. Replica set members
// have to be known before the servers start, so ports are picked up front.
func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func testConfig(addr string) common.ServerConfig {
	config := common.DefaultServerConfig()
	config.Transport.Endpoint = addr
	config.CursorTimeout = time.Minute
	config.SyncRetryMin = 50 * time.Millisecond
	config.SyncRetryMax = 250 * time.Millisecond
	config.Replication.ChangeStreamAwait = 100 * time.Millisecond
	return config
}

func startServer(t *testing.T, config common.ServerConfig) *DocServer {
	t.Helper()
	s := NewDocServer(config)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func startStandalone(t *testing.T) *DocServer {
	return startServer(t, testConfig(freeAddr(t)))
}

func connect(t *testing.T, addr string) *mongo.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Connect(ctx, common.DefaultClientConfig(), addr, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Disconnect(context.Background()) })
	return c
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func requireServerCode(t *testing.T, err error, code int32) {
	t.Helper()
	require.Error(t, err)
	var se mongo.ServerError
	require.True(t, errors.As(err, &se), "expected a server error, got %T: %v", err, err)
	assert.True(t, se.HasErrorCode(int(code)), "expected code %d in %v", code, err)
}

// --------------------------------------------------------------------------
// CRUD
// --------------------------------------------------------------------------

func TestCRUD(t *testing.T) {
	s := startStandalone(t)
	ctx := testContext(t)
	items := connect(t, s.Addr()).Database("shop").Collection("items")

	_, err := items.InsertMany(ctx, []interface{}{
		bson.D{{Key: "_id", Value: 1}, {Key: "name", Value: "apple"}, {Key: "qty", Value: 5}},
		bson.D{{Key: "_id", Value: 2}, {Key: "name", Value: "pear"}, {Key: "qty", Value: 1}},
		bson.D{{Key: "_id", Value: 3}, {Key: "name", Value: "plum"}, {Key: "qty", Value: 9}},
	})
	require.NoError(t, err)

	t.Run("find with filter and sort", func(t *testing.T) {
		cur, err := items.Find(ctx, bson.D{{Key: "qty", Value: bson.D{{Key: "$gte", Value: 2}}}},
			options.Find().SetSort(bson.D{{Key: "qty", Value: -1}}))
		require.NoError(t, err)
		var docs []struct {
			Name string `bson:"name"`
		}
		require.NoError(t, cur.All(ctx, &docs))
		require.Len(t, docs, 2)
		assert.Equal(t, "plum", docs[0].Name)
		assert.Equal(t, "apple", docs[1].Name)
	})

	t.Run("update", func(t *testing.T) {
		res, err := items.UpdateOne(ctx, bson.D{{Key: "_id", Value: 2}}, bson.D{{Key: "$inc", Value: bson.D{{Key: "qty", Value: 4}}}})
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.MatchedCount)
		assert.Equal(t, int64(1), res.ModifiedCount)

		var doc struct {
			Qty int `bson:"qty"`
		}
		require.NoError(t, items.FindOne(ctx, bson.D{{Key: "_id", Value: 2}}).Decode(&doc))
		assert.Equal(t, 5, doc.Qty)
	})

	t.Run("upsert", func(t *testing.T) {
		res, err := items.UpdateOne(ctx, bson.D{{Key: "name", Value: "fig"}},
			bson.D{{Key: "$set", Value: bson.D{{Key: "qty", Value: 2}}}}, options.Update().SetUpsert(true))
		require.NoError(t, err)
		assert.NotNil(t, res.UpsertedID)
	})

	t.Run("count", func(t *testing.T) {
		n, err := items.CountDocuments(ctx, bson.D{{Key: "qty", Value: bson.D{{Key: "$gt", Value: 4}}}})
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
	})

	t.Run("delete", func(t *testing.T) {
		res, err := items.DeleteOne(ctx, bson.D{{Key: "_id", Value: 3}})
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.DeletedCount)

		err = items.FindOne(ctx, bson.D{{Key: "_id", Value: 3}}).Err()
		assert.ErrorIs(t, err, mongo.ErrNoDocuments)
	})

	t.Run("update without match", func(t *testing.T) {
		_, err := items.UpdateOne(ctx, bson.D{{Key: "_id", Value: 99}}, bson.D{{Key: "$set", Value: bson.D{{Key: "qty", Value: 0}}}})
		requireServerCode(t, err, common.CodeNoMatchingDocument)
	})

	t.Run("aggregate", func(t *testing.T) {
		cur, err := items.Aggregate(ctx, mongo.Pipeline{
			{{Key: "$group", Value: bson.D{{Key: "_id", Value: nil}, {Key: "total", Value: bson.D{{Key: "$sum", Value: "$qty"}}}}}},
		})
		require.NoError(t, err)
		var out []struct {
			Total int `bson:"total"`
		}
		require.NoError(t, cur.All(ctx, &out))
		require.Len(t, out, 1)
		assert.Equal(t, 12, out[0].Total)
	})

	assert.Equal(t, 3, countDocs(t, s, db.NewNamespace("shop", "items")))
}

func TestDuplicateKey(t *testing.T) {
	s := startStandalone(t)
	ctx := testContext(t)
	items := connect(t, s.Addr()).Database("shop").Collection("items")

	_, err := items.InsertOne(ctx, bson.D{{Key: "_id", Value: "a"}})
	require.NoError(t, err)
	_, err = items.InsertOne(ctx, bson.D{{Key: "_id", Value: "a"}})
	assert.True(t, mongo.IsDuplicateKeyError(err), "expected duplicate key error, got %v", err)

	// unordered batches keep going after a failed statement
	_, err = items.InsertMany(ctx, []interface{}{
		bson.D{{Key: "_id", Value: "a"}},
		bson.D{{Key: "_id", Value: "b"}},
	}, options.InsertMany().SetOrdered(false))
	assert.True(t, mongo.IsDuplicateKeyError(err))
	assert.Equal(t, 2, countDocs(t, s, db.NewNamespace("shop", "items")))
}

func TestGetMoreBatches(t *testing.T) {
	s := startStandalone(t)
	ctx := testContext(t)
	items := connect(t, s.Addr()).Database("shop").Collection("items")

	docs := make([]interface{}, 250)
	for i := range docs {
		docs[i] = bson.D{{Key: "_id", Value: i}}
	}
	_, err := items.InsertMany(ctx, docs)
	require.NoError(t, err)

	cur, err := items.Find(ctx, bson.D{}, options.Find().SetBatchSize(40))
	require.NoError(t, err)
	n := 0
	for cur.Next(ctx) {
		n++
	}
	require.NoError(t, cur.Err())
	assert.Equal(t, 250, n)
	assert.Equal(t, 0, s.cursors.count())
}

func TestCollectionsAndDatabases(t *testing.T) {
	s := startStandalone(t)
	ctx := testContext(t)
	c := connect(t, s.Addr())

	require.NoError(t, c.Database("shop").CreateCollection(ctx, "orders"))
	_, err := c.Database("shop").Collection("items").InsertOne(ctx, bson.D{{Key: "x", Value: 1}})
	require.NoError(t, err)

	names, err := c.Database("shop").ListCollectionNames(ctx, bson.D{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"items", "orders"}, names)

	err = c.Database("shop").CreateCollection(ctx, "orders")
	requireServerCode(t, err, common.CodeNamespaceExists)

	require.NoError(t, c.Database("shop").Collection("orders").Drop(ctx))
	// dropping a missing collection is not an error
	require.NoError(t, c.Database("shop").Collection("orders").Drop(ctx))

	dbs, err := c.ListDatabaseNames(ctx, bson.D{})
	require.NoError(t, err)
	assert.Contains(t, dbs, "shop")

	require.NoError(t, c.Database("shop").Drop(ctx))
	names, err = c.Database("shop").ListCollectionNames(ctx, bson.D{})
	require.NoError(t, err)
	assert.Empty(t, names)
}

// --------------------------------------------------------------------------
// Commands and Errors
// --------------------------------------------------------------------------

func TestHandshake(t *testing.T) {
	s := startStandalone(t)
	ctx := testContext(t)
	c := connect(t, s.Addr())

	var hello struct {
		IsWritablePrimary bool   `bson:"isWritablePrimary"`
		SetName           string `bson:"setName"`
		MaxWireVersion    int32  `bson:"maxWireVersion"`
		MaxBsonObjectSize int32  `bson:"maxBsonObjectSize"`
	}
	require.NoError(t, c.Database("admin").RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&hello))
	assert.True(t, hello.IsWritablePrimary)
	assert.Empty(t, hello.SetName)
	assert.Equal(t, int32(common.MaxWireVersion), hello.MaxWireVersion)
	assert.Equal(t, int32(common.MaxBsonObjectSize), hello.MaxBsonObjectSize)

	var legacy bson.M
	require.NoError(t, c.Database("admin").RunCommand(ctx, bson.D{{Key: "isMaster", Value: 1}}).Decode(&legacy))
	assert.Equal(t, true, legacy["ismaster"])
}

func TestUnknownCommand(t *testing.T) {
	s := startStandalone(t)
	ctx := testContext(t)
	c := connect(t, s.Addr())

	err := c.Database("admin").RunCommand(ctx, bson.D{{Key: "frobnicate", Value: 1}}).Err()
	requireServerCode(t, err, common.CodeCommandNotFound)

	// the connection stays usable
	require.NoError(t, c.Database("admin").RunCommand(ctx, bson.D{{Key: "ping", Value: 1}}).Err())
}

func TestStandaloneHasNoReplicaSetStatus(t *testing.T) {
	s := startStandalone(t)
	ctx := testContext(t)
	c := connect(t, s.Addr())

	err := c.Database("admin").RunCommand(ctx, bson.D{{Key: "replSetGetStatus", Value: 1}}).Err()
	requireServerCode(t, err, common.CodeNoReplicationEnabled)
}

func TestSecondaryRejectsWrites(t *testing.T) {
	self := freeAddr(t)
	s := startServer(t, testConfig(self))
	// the other member is unreachable, the node stays a secondary without data
	require.NoError(t, s.ConfigureReplicaSet("rs0", []string{self, "127.0.0.1:1"}, map[string]int{"127.0.0.1:1": 5}))
	require.False(t, s.IsPrimary())

	ctx := testContext(t)
	c := connect(t, s.Addr())
	_, err := c.Database("shop").Collection("items").InsertOne(ctx, bson.D{{Key: "a", Value: 1}})
	requireServerCode(t, err, common.CodeNotWritablePrimary)

	var status struct {
		Role          string `bson:"role"`
		ConfigVersion int    `bson:"configVersion"`
		Primary       string `bson:"primary"`
	}
	require.NoError(t, c.Database("admin").RunCommand(ctx, bson.D{{Key: "replSetGetStatus", Value: 1}}).Decode(&status))
	assert.Equal(t, "SECONDARY", status.Role)
	assert.Equal(t, 1, status.ConfigVersion)
	assert.Equal(t, "127.0.0.1:1", status.Primary)
}

func TestReconfigOverTheWire(t *testing.T) {
	self := freeAddr(t)
	s := startServer(t, testConfig(self))
	ctx := testContext(t)
	c := connect(t, s.Addr())

	reconfig := func(members ...string) *mongo.SingleResult {
		arr := bson.A{}
		for i, m := range members {
			arr = append(arr, bson.D{{Key: "_id", Value: i}, {Key: "host", Value: m}, {Key: "priority", Value: 1}})
		}
		return c.Database("admin").RunCommand(ctx, bson.D{{Key: "replSetReconfig", Value: bson.D{
			{Key: "_id", Value: "rs0"},
			{Key: "members", Value: arr},
		}}})
	}

	var res struct {
		ConfigVersion int    `bson:"configVersion"`
		Role          string `bson:"role"`
		Warning       string `bson:"warning"`
	}
	require.NoError(t, reconfig(self).Decode(&res))
	assert.Equal(t, 1, res.ConfigVersion)
	assert.Equal(t, "PRIMARY", res.Role)
	assert.True(t, s.IsPrimary())

	// a config without this node is installed and reported
	require.NoError(t, reconfig("127.0.0.1:1").Decode(&res))
	assert.Contains(t, res.Warning, "ConfigurationError")
	assert.False(t, s.IsPrimary())

	requireServerCode(t, reconfig().Err(), common.CodeInvalidReplicaSetConfig)
}

func TestProtocolErrorClosesConnection(t *testing.T) {
	s := startStandalone(t)

	conn, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	defer conn.Close()

	// a length prefix of 8 is shorter than the header itself
	require.NoError(t, binary.Write(conn, binary.LittleEndian, int32(8)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	// other connections are not affected
	ctx := testContext(t)
	require.NoError(t, connect(t, s.Addr()).Ping(ctx, nil))
}

func TestMetrics(t *testing.T) {
	s := startStandalone(t)
	ctx := testContext(t)
	c := connect(t, s.Addr())
	require.NoError(t, c.Ping(ctx, nil))

	var buf bytes.Buffer
	s.WriteMetrics(&buf)
	assert.Contains(t, buf.String(), `ddoc_commands_total{command="ping"}`)
	assert.Contains(t, buf.String(), "ddoc_is_primary 1")
}

func TestShutdownIsIdempotent(t *testing.T) {
	s := NewDocServer(testConfig(freeAddr(t)))
	require.NoError(t, s.Start())
	require.NoError(t, s.Shutdown())
	require.NoError(t, s.Shutdown())
	assert.Equal(t, 0, s.ConnectionCount())
}

func TestFailedStartReleasesListener(t *testing.T) {
	addr := freeAddr(t)
	config := testConfig(addr)
	config.ReplicaSetName = "rs0"
	config.Members = []string{addr + "=high"}

	s := NewDocServer(config)
	t.Cleanup(func() { _ = s.Shutdown() })
	require.Error(t, s.Start())

	_, err := net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err, "nothing listens after a failed start")
	assert.Equal(t, 0, s.ConnectionCount())

	// a fixed configuration starts on the same server
	s.config.Members = []string{addr}
	require.NoError(t, s.Start())
	ctx := testContext(t)
	require.NoError(t, connect(t, s.Addr()).Ping(ctx, nil))
	assert.True(t, s.IsPrimary())
}

func TestStartRetriesAfterBindFailure(t *testing.T) {
	addr := freeAddr(t)
	blocker, err := net.Listen("tcp", addr)
	require.NoError(t, err)

	s := NewDocServer(testConfig(addr))
	t.Cleanup(func() { _ = s.Shutdown() })
	require.Error(t, s.Start())

	require.NoError(t, blocker.Close())
	require.NoError(t, s.Start())
	ctx := testContext(t)
	require.NoError(t, connect(t, s.Addr()).Ping(ctx, nil))
}

func TestNoReplicationAfterShutdown(t *testing.T) {
	self := freeAddr(t)
	other := freeAddr(t)
	s := NewDocServer(testConfig(self))
	require.NoError(t, s.Start())
	require.NoError(t, s.Shutdown())

	members := []string{other, self}
	priorities := map[string]int{other: 500, self: 200}
	assert.ErrorIs(t, s.ConfigureReplicaSet("rs0", members, priorities), ErrServerClosed)
	assert.ErrorIs(t, s.Start(), ErrServerClosed)

	// a role change racing the shutdown does not start a session either
	cfg, err := replset.NewConfig("rs0", members, priorities)
	require.NoError(t, err)
	_, err = s.resolver.Configure(cfg)
	require.NoError(t, err)
	require.False(t, s.IsPrimary())

	time.Sleep(3 * testConfig(self).SyncRetryMin)
	assert.Empty(t, s.Engine().Source())
	assert.Equal(t, repl.PhaseClosed, s.Engine().Status().Phase)
}

// --------------------------------------------------------------------------
// Change Streams
// --------------------------------------------------------------------------

func TestChangeStream(t *testing.T) {
	s := startStandalone(t)
	ctx := testContext(t)
	c := connect(t, s.Addr())
	items := c.Database("shop").Collection("items")

	cs, err := items.Watch(ctx, mongo.Pipeline{}, options.ChangeStream().SetMaxAwaitTime(100*time.Millisecond))
	require.NoError(t, err)
	defer cs.Close(context.Background())

	// changes of other collections are not part of the stream
	_, err = c.Database("shop").Collection("orders").InsertOne(ctx, bson.D{{Key: "_id", Value: "o1"}})
	require.NoError(t, err)
	_, err = items.InsertOne(ctx, bson.D{{Key: "_id", Value: "i1"}, {Key: "qty", Value: 1}})
	require.NoError(t, err)
	_, err = items.UpdateOne(ctx, bson.D{{Key: "_id", Value: "i1"}}, bson.D{{Key: "$set", Value: bson.D{{Key: "qty", Value: 2}}}})
	require.NoError(t, err)

	type event struct {
		OperationType string `bson:"operationType"`
		NS            struct {
			Coll string `bson:"coll"`
		} `bson:"ns"`
		FullDocument struct {
			Qty int `bson:"qty"`
		} `bson:"fullDocument"`
	}

	var ev event
	require.True(t, cs.Next(ctx), "stream ended: %v", cs.Err())
	require.NoError(t, cs.Decode(&ev))
	assert.Equal(t, "insert", ev.OperationType)
	assert.Equal(t, "items", ev.NS.Coll)
	insertToken := cs.ResumeToken()

	require.True(t, cs.Next(ctx), "stream ended: %v", cs.Err())
	require.NoError(t, cs.Decode(&ev))
	assert.Equal(t, "update", ev.OperationType)
	assert.Equal(t, 2, ev.FullDocument.Qty)

	t.Run("resume after", func(t *testing.T) {
		resumed, err := items.Watch(ctx, mongo.Pipeline{}, options.ChangeStream().SetResumeAfter(insertToken))
		require.NoError(t, err)
		defer resumed.Close(context.Background())

		require.True(t, resumed.Next(ctx), "stream ended: %v", resumed.Err())
		var ev event
		require.NoError(t, resumed.Decode(&ev))
		assert.Equal(t, "update", ev.OperationType)
	})

	t.Run("filtered", func(t *testing.T) {
		deletes, err := c.Database("shop").Watch(ctx, mongo.Pipeline{
			{{Key: "$match", Value: bson.D{{Key: "operationType", Value: "delete"}}}},
		}, options.ChangeStream().SetMaxAwaitTime(100*time.Millisecond))
		require.NoError(t, err)
		defer deletes.Close(context.Background())

		_, err = c.Database("shop").Collection("orders").DeleteOne(ctx, bson.D{{Key: "_id", Value: "o1"}})
		require.NoError(t, err)

		require.True(t, deletes.Next(ctx), "stream ended: %v", deletes.Err())
		var ev event
		require.NoError(t, deletes.Decode(&ev))
		assert.Equal(t, "delete", ev.OperationType)
		assert.Equal(t, "orders", ev.NS.Coll)
	})
}

func TestChangeStreamHistoryLost(t *testing.T) {
	s := startStandalone(t)
	ctx := testContext(t)
	items := connect(t, s.Addr()).Database("shop").Collection("items")

	token := common.NewResumeToken("another-feed", 1).Document()
	cs, err := items.Watch(ctx, mongo.Pipeline{}, options.ChangeStream().SetResumeAfter(token))
	if err == nil {
		cs.Next(ctx)
		err = cs.Err()
		cs.Close(context.Background())
	}
	requireServerCode(t, err, common.CodeChangeStreamHistoryLost)
}

func TestKillCursors(t *testing.T) {
	s := startStandalone(t)
	ctx := testContext(t)
	items := connect(t, s.Addr()).Database("shop").Collection("items")

	cs, err := items.Watch(ctx, mongo.Pipeline{})
	require.NoError(t, err)
	require.Equal(t, 1, s.cursors.count())
	require.NoError(t, cs.Close(ctx))
	assert.Eventually(t, func() bool { return s.cursors.count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestIdleCursorsAreReaped(t *testing.T) {
	config := testConfig(freeAddr(t))
	config.CursorTimeout = 50 * time.Millisecond
	s := startServer(t, config)
	ctx := testContext(t)
	items := connect(t, s.Addr()).Database("shop").Collection("items")

	_, err := items.Watch(ctx, mongo.Pipeline{})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return s.cursors.count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

// countDocs counts the documents of ns directly in the store of s.
func countDocs(t *testing.T, s *DocServer, ns db.Namespace) int {
	t.Helper()
	n, err := s.Store().Count(ns, nil)
	require.NoError(t, err, fmt.Sprintf("count %s", ns))
	return n
}
