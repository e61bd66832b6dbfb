/*
Package repl implements the replication engine of a secondary.

An Engine follows one primary at a time through a SyncSession:

	INIT       connect to the primary and read its feed position S0
	SNAPSHOT   copy every collection, drop local data the primary does not have
	CATCHUP    subscribe after S0 and apply events up to the position S1 read after the snapshot
	STREAMING  apply events as they arrive
	CLOSED     the session failed or was stopped

Events are applied in sequence order, duplicates are skipped and a gap fails
the session. A failed session is restarted from INIT with exponential backoff.
When the engine reconnects to the same feed (equal epoch) and the last applied
sequence is still served, the snapshot is skipped.

The primary is reached through a SyncSource created by a Dialer, see package
rpc/client for the wire implementation.
*/
package repl
