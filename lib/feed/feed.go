package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dDoc/lib/db"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var Logger = logger.GetLogger("feed")

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

type OperationType string

const (
	OpInsert OperationType = "insert"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
	// OpDrop reports a dropped collection, DocumentKey and FullDocument are empty.
	OpDrop OperationType = "drop"
)

var (
	// ErrHistoryLost is returned when a subscription position is no longer (or not yet) part of the feed.
	ErrHistoryLost = errors.New("change feed history lost")
	// ErrClosed is returned to every subscriber once the feed is closed.
	ErrClosed = errors.New("change feed closed")
	// ErrCancelled is returned by a subscription after Cancel.
	ErrCancelled = errors.New("subscription cancelled")
)

// ChangeEvent is one immutable entry of the feed.
// FullDocument is set for insert and update events and holds the complete
// document after the change. Consumers must not modify the documents of an event.
type ChangeEvent struct {
	Sequence      uint64
	OperationType OperationType
	Namespace     db.Namespace
	DocumentKey   bson.D
	FullDocument  bson.D
	WallTime      time.Time
	ClusterTime   primitive.Timestamp
}

// ChangeFeed is an append-only, gapless sequenced log of change events.
// Sequence numbers start at 1 for every feed. The epoch identifies one feed
// instance, so a position of another epoch (e.g. from before a restart) can be detected.
type ChangeFeed struct {
	mu        sync.Mutex
	cond      *sync.Cond
	epoch     uuid.UUID
	events    []ChangeEvent // events[i].Sequence == first+i
	first     uint64
	last      uint64
	retention int
	clock     primitive.Timestamp
	closed    bool
	subs      int
}

// NewChangeFeed creates an empty feed. A retention > 0 caps the number of
// retained events, older events are dropped and subscribers behind the cap
// receive ErrHistoryLost. 0 keeps every event.
func NewChangeFeed(retention int) *ChangeFeed {
	f := &ChangeFeed{
		epoch:     uuid.New(),
		first:     1,
		retention: retention,
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// --------------------------------------------------------------------------
// Feed Methods
// --------------------------------------------------------------------------

// Epoch returns the identity of this feed instance.
func (f *ChangeFeed) Epoch() uuid.UUID {
	return f.epoch
}

// Append assigns the next sequence number and cluster time to the event and
// publishes it to all subscribers. The stored event is returned.
func (f *ChangeFeed) Append(ev ChangeEvent) ChangeEvent {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		Logger.Warningf("append to closed feed ignored (%s %s)", ev.OperationType, ev.Namespace)
		return ev
	}

	f.last++
	ev.Sequence = f.last
	ev.WallTime = time.Now()
	ev.ClusterTime = f.tick(ev.WallTime)
	f.events = append(f.events, ev)

	if f.retention > 0 && len(f.events) > f.retention {
		drop := len(f.events) - f.retention
		clear(f.events[:drop])
		f.events = f.events[drop:]
		f.first += uint64(drop)
	}

	f.cond.Broadcast()
	return ev
}

// LastSequence returns the sequence number of the newest event (0 for an empty feed).
func (f *ChangeFeed) LastSequence() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// FirstSequence returns the sequence number of the oldest retained event.
func (f *ChangeFeed) FirstSequence() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.first
}

// ClusterTime returns the cluster time of the newest event.
func (f *ChangeFeed) ClusterTime() primitive.Timestamp {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clock
}

// PositionAt returns the subscription position that yields every event with
// a cluster time at or after ts.
func (f *ChangeFeed) PositionAt(ts primitive.Timestamp) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.events {
		if primitive.CompareTimestamp(ev.ClusterTime, ts) >= 0 {
			return ev.Sequence - 1
		}
	}
	return f.last
}

// Subscribers returns the number of open subscriptions.
func (f *ChangeFeed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs
}

// SubscribeFrom returns a subscription yielding every event with a sequence
// number greater than seq, in order.
func (f *ChangeFeed) SubscribeFrom(seq uint64) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrClosed
	}
	if seq+1 < f.first {
		return nil, fmt.Errorf("%w: position %d is older than the oldest retained event %d", ErrHistoryLost, seq, f.first)
	}
	if seq > f.last {
		return nil, fmt.Errorf("%w: position %d is ahead of the feed (%d)", ErrHistoryLost, seq, f.last)
	}
	f.subs++
	return &Subscription{feed: f, next: seq + 1}, nil
}

// Close wakes every subscriber, which then receive ErrClosed. Close is idempotent.
func (f *ChangeFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.cond.Broadcast()
}

// tick returns the next cluster time, strictly increasing even if the wall clock is not.
// Must be called with the lock held.
func (f *ChangeFeed) tick(now time.Time) primitive.Timestamp {
	sec := uint32(now.Unix())
	if sec > f.clock.T {
		f.clock = primitive.Timestamp{T: sec, I: 1}
	} else {
		f.clock.I++
	}
	return f.clock
}

// --------------------------------------------------------------------------
// Subscription
// --------------------------------------------------------------------------

// Subscription is a cursor over a ChangeFeed. It is not safe for concurrent use
// except for Cancel, which may be called from any goroutine.
type Subscription struct {
	feed      *ChangeFeed
	next      uint64
	cancelled bool // guarded by feed.mu
}

// Next blocks until the next event is available, the context is done,
// the subscription is cancelled or the feed is closed.
func (s *Subscription) Next(ctx context.Context) (ChangeEvent, error) {
	f := s.feed
	stop := context.AfterFunc(ctx, func() {
		f.mu.Lock()
		f.cond.Broadcast()
		f.mu.Unlock()
	})
	defer stop()

	f.mu.Lock()
	defer f.mu.Unlock()
	for {
		if ev, ok, err := s.poll(); ok || err != nil {
			return ev, err
		}
		if err := ctx.Err(); err != nil {
			return ChangeEvent{}, err
		}
		f.cond.Wait()
	}
}

// TryNext returns the next event if one is available without blocking.
func (s *Subscription) TryNext() (ChangeEvent, bool, error) {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	return s.poll()
}

// Position returns the sequence number of the last event handed out
// (or the start position if none was).
func (s *Subscription) Position() uint64 {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	return s.next - 1
}

// Cancel ends the subscription and wakes a blocked Next. Cancel is idempotent.
func (s *Subscription) Cancel() {
	f := s.feed
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.cancelled {
		return
	}
	s.cancelled = true
	f.subs--
	f.cond.Broadcast()
}

// poll must be called with the feed lock held.
func (s *Subscription) poll() (ChangeEvent, bool, error) {
	f := s.feed
	switch {
	case s.cancelled:
		return ChangeEvent{}, false, ErrCancelled
	case f.closed:
		return ChangeEvent{}, false, ErrClosed
	case s.next < f.first:
		return ChangeEvent{}, false, fmt.Errorf("%w: subscriber at %d fell behind the oldest retained event %d", ErrHistoryLost, s.next-1, f.first)
	case s.next <= f.last:
		ev := f.events[s.next-f.first]
		s.next++
		return ev, true, nil
	}
	return ChangeEvent{}, false, nil
}
