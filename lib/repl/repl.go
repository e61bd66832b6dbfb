package repl

import (
	"context"
	"errors"
	"fmt"

	"github.com/ValentinKolb/dDoc/lib/db"
	"github.com/ValentinKolb/dDoc/lib/feed"
	"github.com/lni/dragonboat/v4/logger"
	"go.mongodb.org/mongo-driver/bson"
)

var Logger = logger.GetLogger("repl")

// --------------------------------------------------------------------------
// Phases
// --------------------------------------------------------------------------

// Phase is the state of a SyncSession.
type Phase int32

const (
	PhaseInit Phase = iota
	PhaseSnapshot
	PhaseCatchup
	PhaseStreaming
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "INIT"
	case PhaseSnapshot:
		return "SNAPSHOT"
	case PhaseCatchup:
		return "CATCHUP"
	case PhaseStreaming:
		return "STREAMING"
	case PhaseClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// canTransition reports whether a session may move from p to next.
// Phases only move forward, a restart goes through CLOSED back to INIT.
func (p Phase) canTransition(next Phase) bool {
	switch {
	case next == PhaseClosed:
		return true
	case next == PhaseInit:
		return p == PhaseClosed || p == PhaseInit
	case p == PhaseInit && next == PhaseCatchup:
		// fast resume skips the snapshot
		return true
	default:
		return next == p+1
	}
}

// --------------------------------------------------------------------------
// Sync Source
// --------------------------------------------------------------------------

// Position is a position in the change feed of a sync source.
type Position struct {
	Epoch    string
	Sequence uint64
}

func (p Position) String() string {
	return fmt.Sprintf("%s/%d", p.Epoch, p.Sequence)
}

// SyncSource is the client side view of a primary used by a SyncSession.
type SyncSource interface {
	// Status returns the current feed position of the source.
	Status(ctx context.Context) (Position, error)
	// Collections lists every collection of the source.
	Collections(ctx context.Context) ([]db.Namespace, error)
	// Documents calls fn for every document of a collection.
	Documents(ctx context.Context, ns db.Namespace, fn func(doc bson.D) error) error
	// Subscribe opens a change stream yielding every event after from.
	// A position the source cannot serve yields an error wrapping feed.ErrHistoryLost.
	Subscribe(ctx context.Context, from Position) (EventStream, error)
	// Close releases the connection to the source.
	Close(ctx context.Context) error
}

// EventStream yields change events of a source in sequence order.
type EventStream interface {
	Next(ctx context.Context) (feed.ChangeEvent, error)
	Close(ctx context.Context) error
}

// Dialer opens a SyncSource to a host.
type Dialer func(ctx context.Context, host string) (SyncSource, error)

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

// ErrSequenceGap is wrapped when a source skips sequence numbers.
var ErrSequenceGap = errors.New("gap in change sequence")

// ReplicationError reports a failed SyncSession attempt. The session is closed
// and restarted from INIT after a backoff.
type ReplicationError struct {
	Phase  Phase
	Source string
	Err    error
}

func (e *ReplicationError) Error() string {
	return fmt.Sprintf("ReplicationError (phase %s, source %s): %v", e.Phase, e.Source, e.Err)
}

func (e *ReplicationError) Unwrap() error {
	return e.Err
}
