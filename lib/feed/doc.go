// Package feed implements the change feed of a server process: an
// append-only log of document mutations with gapless, strictly increasing
// sequence numbers.
//
// The same feed serves client change streams and the replication sessions
// of secondaries reading from this node. Subscriptions block on a condition
// variable while they are caught up with the tail and are woken by appends,
// context cancellation, Cancel or Close.
//
// Sequence numbers restart at 1 for every feed instance. Each feed carries a
// random epoch, so positions recorded against a previous instance (e.g. before
// a restart of the primary) are recognised and rejected instead of silently
// skipping events.
package feed
