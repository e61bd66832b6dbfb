// Package unix implements the wire transport over Unix domain sockets, for
// clients running on the same machine as the server.
//
// Key Components:
//
//   - clientConnector: Establishes connections using Unix domain sockets
//
//   - serverConnector: Creates Unix socket listeners (an existing socket file is removed first)
package unix
