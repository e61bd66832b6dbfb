// Package tcp implements the TCP connectors of the wire transport. The server
// connector applies the configured socket options (no-delay, keep-alive, linger,
// buffer sizes) to every accepted connection.
//
// Key Components:
//
//   - clientConnector: TCP-specific implementation of base.IClientConnector
//
//   - serverConnector: TCP-specific implementation of base.IServerConnector
package tcp
