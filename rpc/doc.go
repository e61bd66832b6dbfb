// Package rpc is the communication layer of dDoc. Clients speak the wire
// protocol of the compatible document database, so ordinary drivers and shells
// can talk to a node.
//
// The package is organized into several subpackages:
//
//   - common: wire message model, error codes, resume tokens, configuration
//     structures and logging.
//
//   - serializer: OP_MSG, OP_QUERY and OP_REPLY encoding and decoding.
//
//   - transport: the connection listener (TCP and Unix sockets) with admission
//     control and idle eviction, plus a raw wire client.
//
//   - client: the driver based sync source used by secondaries and the raw
//     command client used by the CLI.
//
//   - server: command parsing and execution, cursors, change streams and the
//     DocServer lifecycle.
package rpc
