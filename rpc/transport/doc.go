// Package transport defines the interfaces of the Wire Connection Listener and
// of the raw wire client. Implementations live in the tcp and unix packages,
// both built on the shared base package.
//
// The package focuses on:
//   - Accepting connections and framing length prefixed wire messages
//   - Admission control (maxConnections) and idle eviction
//   - A bounded, idempotent shutdown that closes every connection
//
// Key Components:
//
//   - IRPCServerTransport: the listener. Every complete message of a connection is
//     handed to the registered ServerHandleFunc, in order. A malformed frame closes
//     only the connection it arrived on.
//
//   - IRPCClientTransport: a raw client sending encoded requests and correlating the
//     replies by request id.
//
//   - ServerHandleFunc: Function type for request handling callbacks.
package transport
