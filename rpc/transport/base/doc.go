// Package base provides the protocol-agnostic core of the wire transport,
// extended by the tcp and unix connectors.
//
// Server:
//
//   - Every accepted connection gets its own goroutine. With MaxConnections set,
//     connections beyond the limit are held (accepted but not read) until a slot
//     frees, using a weighted semaphore. Held connections are not rejected.
//
//   - Requests of one connection are handled sequentially. The read deadline is
//     reset before every frame, a connection without a frame for IdleTimeout is
//     closed.
//
//   - A frame with a length outside [16, MaxMessageSize] or a truncated frame is a
//     serializer.ProtocolError and closes that connection only.
//
//   - Shutdown cancels the handler context, closes the listener and every
//     connection (unblocking pending reads) and waits for all goroutines.
//
// Client:
//
//   - One connection, shared by concurrent requests. Replies are matched by their
//     responseTo field. A failed connection wakes all waiting requests and is
//     redialed by the next Send.
package base
