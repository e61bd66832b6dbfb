// Package server implements the command side of a dDoc node.
//
// A DocServer owns the listeners (tcp and optionally a unix socket), the
// in-memory document store with its change feed, the cursor registry, the
// replica set role resolver and the replication engine of the node.
//
// Every wire message is decoded by the serializer, classified by ParseCommand
// into one of the Command types of interface.go and executed against the store.
// Failures are answered with {ok: 0, errmsg, code, codeName} and leave the
// connection open. Only malformed messages close it.
//
// Key Components:
//
//   - ParseCommand: turns a command document into a typed Command. Unknown names
//     become an UnsupportedCommand and are answered with CommandNotFound (59).
//
//   - DocServer: lifecycle (Start, Shutdown), replica set configuration
//     (ConfigureReplicaSet, replSetReconfig) and the command handlers.
//
//   - Cursors: find, aggregate and change stream replies larger than one batch
//     register a cursor which is continued with getMore. Idle cursors are reaped
//     after the configured cursor timeout.
//
// Usage Example:
//
//	config := common.DefaultServerConfig()
//	config.Transport.Endpoint = "127.0.0.1:27017"
//
//	s := server.NewDocServer(config)
//	if err := s.Start(); err != nil {
//	  log.Fatalf("failed to start: %v", err)
//	}
//	defer s.Shutdown()
//
//	// two node set, the member with the highest priority is primary
//	err := s.ConfigureReplicaSet("rs0",
//	  []string{"127.0.0.1:27017", "127.0.0.1:27018"},
//	  map[string]int{"127.0.0.1:27017": 2})
//
// Writes on a secondary are rejected with NotWritablePrimary (10107). A node
// without a replica set configuration is a standalone and accepts writes.
package server
