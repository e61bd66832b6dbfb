// Package common provides the data structures shared by the wire server, the
// transport layer and the clients of dDoc.
//
// The package focuses on:
//   - Wire message model (Header, Message, DocumentSequence) and op codes
//   - Configuration structures for the server and for wire clients
//   - Custom logging implementation integrated with Dragonboat's logger package
//   - Command error codes and resume tokens of change streams
//
// Key Components:
//
//   - Message: one wire message of any supported op code. Command folds the
//     sections of a request into the command document handed to the dispatcher.
//
//   - CommandError: structured command failure sent as {ok: 0, errmsg, code, codeName}.
//
//   - ResumeToken: {_data, epoch} identifying a change feed position. The epoch
//     ties the sequence number to one server process.
//
//   - ServerConfig / ClientConfig: configuration with tabular String() dumps.
//
//   - Logger: custom formatting for every package logger, installed by InitLoggers.
package common
