// Package cmd implements the command-line interface of dDoc. It provides a
// hierarchical command structure for running a server and for talking to one
// as a client.
//
// The package is organized into several subpackages:
//
//   - serve: starts and configures a dDoc server (flags or DDOC_* environment variables)
//   - doc: client commands (insert, find, count, delete, watch, status, reconfig, perf)
//   - util: shared helpers for flags, configuration and extended JSON (internal use)
//
// See ddoc -help for a list of all commands.
package cmd
