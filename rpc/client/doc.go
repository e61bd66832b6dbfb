// Package client implements the wire protocol clients of dDoc.
//
// Key Components:
//
//   - NewSyncSourceDialer: returns the repl.Dialer used by a secondary. Every sync
//     session connects to its primary with the MongoDB Go driver (direct connection,
//     no discovery) and uses ordinary commands: replSetGetStatus for the feed position,
//     listDatabases/listCollections/find for the snapshot and a cluster wide change
//     stream resumed after the last applied position for catch up and streaming.
//     A ChangeStreamHistoryLost reply is reported as feed.ErrHistoryLost, so the
//     session falls back to a snapshot.
//
//   - Connect / ClientOptions: build driver clients from a common.ClientConfig
//     (pool sizes, idle time, heartbeat, server selection and connect timeouts).
//
//   - WireClient: runs single commands over a raw transport (tcp or unix) and the
//     wire serializer, without server monitoring.
//
// Usage Example:
//
//	c, _ := client.NewWireClient(ctx, "127.0.0.1:27017", common.DefaultClientConfig(),
//		tcp.NewTCPClientTransport(), serializer.NewWireSerializer(0))
//	defer c.Close()
//	status, err := c.RunCommand(ctx, "admin", bson.D{{Key: "replSetGetStatus", Value: 1}})
//
// Thread Safety:
//
//	All clients can be used concurrently from multiple goroutines.
package client
