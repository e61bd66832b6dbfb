package server

import (
	"fmt"
	"testing"
	"time"

	"github.com/ValentinKolb/dDoc/lib/db"
	"github.com/ValentinKolb/dDoc/lib/repl"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

// lateStart is the delay before a secondary joins in the catch up scenarios.
const lateStart = 3 * time.Second

var ordersNS = db.NewNamespace("shop", "orders")

// replicaSet picks one address per priority and returns the member list every
// node of the set is configured with.
func replicaSet(t *testing.T, priorities ...int) ([]string, []string) {
	hosts := make([]string, len(priorities))
	members := make([]string, len(priorities))
	for i, p := range priorities {
		hosts[i] = freeAddr(t)
		members[i] = fmt.Sprintf("%s=%d", hosts[i], p)
	}
	return hosts, members
}

func startMember(t *testing.T, host string, members []string) *DocServer {
	config := testConfig(host)
	config.ReplicaSetName = "rs0"
	config.Members = members
	return startServer(t, config)
}

func insertOrders(t *testing.T, s *DocServer, from, n int) {
	t.Helper()
	ctx := testContext(t)
	orders := connect(t, s.Addr()).Database(ordersNS.DB).Collection(ordersNS.Coll)
	for i := from; i < from+n; i++ {
		_, err := orders.InsertOne(ctx, bson.D{{Key: "_id", Value: i}, {Key: "item", Value: fmt.Sprintf("item-%d", i)}})
		require.NoError(t, err)
	}
}

func ordersOf(t *testing.T, s *DocServer) []bson.D {
	t.Helper()
	docs, err := s.Store().Find(ordersNS, nil, 0)
	require.NoError(t, err)
	return docs
}

// requireSynced waits until secondary holds the same orders as primary.
func requireSynced(t *testing.T, primary, secondary *DocServer, want int, within time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool {
		n, err := secondary.Store().Count(ordersNS, nil)
		return err == nil && n == want
	}, within, 20*time.Millisecond, "secondary %s did not catch up", secondary.Addr())

	assert.Empty(t, cmp.Diff(ordersOf(t, primary), ordersOf(t, secondary)))
}

func TestRoleByPriority(t *testing.T) {
	hosts, members := replicaSet(t, 300, 200)
	high := startMember(t, hosts[0], members)
	low := startMember(t, hosts[1], members)

	assert.True(t, high.IsPrimary())
	assert.False(t, low.IsPrimary())
	assert.Equal(t, high.Addr(), low.Role().Primary)
	assert.Equal(t, high.Addr(), high.Role().Primary)

	ctx := testContext(t)
	var hello struct {
		IsWritablePrimary bool     `bson:"isWritablePrimary"`
		Secondary         bool     `bson:"secondary"`
		SetName           string   `bson:"setName"`
		Primary           string   `bson:"primary"`
		Hosts             []string `bson:"hosts"`
	}
	require.NoError(t, connect(t, low.Addr()).Database("admin").RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&hello))
	assert.False(t, hello.IsWritablePrimary)
	assert.True(t, hello.Secondary)
	assert.Equal(t, "rs0", hello.SetName)
	assert.Equal(t, high.Addr(), hello.Primary)
	assert.ElementsMatch(t, hosts, hello.Hosts)
}

func TestSecondaryCatchesUpAfterLateStart(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a late secondary")
	}
	hosts, members := replicaSet(t, 300, 200)
	primary := startMember(t, hosts[0], members)
	insertOrders(t, primary, 0, 10)

	time.Sleep(lateStart)
	secondary := startMember(t, hosts[1], members)
	requireSynced(t, primary, secondary, 10, 3*time.Second)
}

func TestSecondaryStreamsLiveWrites(t *testing.T) {
	hosts, members := replicaSet(t, 300, 200)
	primary := startMember(t, hosts[0], members)
	secondary := startMember(t, hosts[1], members)

	require.Eventually(t, func() bool {
		return secondary.Engine().Status().Phase == repl.PhaseStreaming
	}, 5*time.Second, 20*time.Millisecond)

	insertOrders(t, primary, 0, 5)
	requireSynced(t, primary, secondary, 5, 2*time.Second)

	// updates and deletes follow the same path
	ctx := testContext(t)
	orders := connect(t, primary.Addr()).Database(ordersNS.DB).Collection(ordersNS.Coll)
	_, err := orders.UpdateOne(ctx, bson.D{{Key: "_id", Value: 1}}, bson.D{{Key: "$set", Value: bson.D{{Key: "item", Value: "changed"}}}})
	require.NoError(t, err)
	_, err = orders.DeleteOne(ctx, bson.D{{Key: "_id", Value: 4}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		doc, ok, err := secondary.Store().Get(ordersNS, int32(1))
		if err != nil || !ok {
			return false
		}
		n, _ := secondary.Store().Count(ordersNS, nil)
		return n == 4 && cmp.Equal(bson.E{Key: "item", Value: "changed"}, doc[1])
	}, 2*time.Second, 20*time.Millisecond)
}

func TestLateLowPrioritySecondary(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a late secondary")
	}
	hosts, members := replicaSet(t, 300, 200, 100)
	primary := startMember(t, hosts[0], members)
	first := startMember(t, hosts[1], members)
	insertOrders(t, primary, 0, 7)
	requireSynced(t, primary, first, 7, 3*time.Second)

	time.Sleep(lateStart)
	second := startMember(t, hosts[2], members)
	assert.False(t, second.IsPrimary())
	requireSynced(t, primary, second, 7, 3*time.Second)
	assert.Empty(t, cmp.Diff(ordersOf(t, first), ordersOf(t, second)))
}

func TestReplicationStatus(t *testing.T) {
	hosts, members := replicaSet(t, 2, 1)
	primary := startMember(t, hosts[0], members)
	secondary := startMember(t, hosts[1], members)
	insertOrders(t, primary, 0, 3)
	requireSynced(t, primary, secondary, 3, 3*time.Second)

	ctx := testContext(t)
	var status struct {
		Role           string `bson:"role"`
		SyncSourceHost string `bson:"syncSourceHost"`
		Feed           struct {
			Sequence int64 `bson:"sequence"`
		} `bson:"feed"`
		SyncStats struct {
			Phase string `bson:"phase"`
		} `bson:"syncStats"`
	}
	require.NoError(t, connect(t, secondary.Addr()).Database("admin").
		RunCommand(ctx, bson.D{{Key: "replSetGetStatus", Value: 1}}).Decode(&status))
	assert.Equal(t, "SECONDARY", status.Role)
	assert.Equal(t, primary.Addr(), status.SyncSourceHost)
	assert.GreaterOrEqual(t, status.Feed.Sequence, int64(3))
	assert.NotEmpty(t, status.SyncStats.Phase)
}

func TestFailoverByReconfig(t *testing.T) {
	hosts, members := replicaSet(t, 2, 1)
	a := startMember(t, hosts[0], members)
	b := startMember(t, hosts[1], members)
	insertOrders(t, a, 0, 4)
	requireSynced(t, a, b, 4, 3*time.Second)

	// swap the priorities on both nodes, b takes over and a follows it
	priorities := map[string]int{hosts[0]: 1, hosts[1]: 2}
	require.NoError(t, a.ConfigureReplicaSet("rs0", hosts, priorities))
	require.NoError(t, b.ConfigureReplicaSet("rs0", hosts, priorities))
	require.True(t, b.IsPrimary())
	require.False(t, a.IsPrimary())

	insertOrders(t, b, 4, 2)
	requireSynced(t, b, a, 6, 3*time.Second)
}
