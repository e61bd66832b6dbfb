package repl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dDoc/lib/db"
	"github.com/ValentinKolb/dDoc/lib/feed"
	"github.com/ValentinKolb/dDoc/lib/store"
	"github.com/cenkalti/backoff/v4"
	"go.mongodb.org/mongo-driver/bson"
)

// SyncSession replicates one primary into the local store. It runs
// INIT -> SNAPSHOT -> CATCHUP -> STREAMING and restarts from INIT after
// a failure, until its context is cancelled.
type SyncSession struct {
	engine *Engine
	source string

	mu        sync.Mutex
	phase     Phase
	applied   Position // last applied position of the source feed
	target    uint64   // end of the catch up window
	lastError error

	done chan struct{}
}

func newSession(e *Engine, source string, resume Position) *SyncSession {
	return &SyncSession{
		engine:  e,
		source:  source,
		phase:   PhaseInit,
		applied: resume,
		done:    make(chan struct{}),
	}
}

// Source returns the host the session replicates from.
func (s *SyncSession) Source() string {
	return s.source
}

// Phase returns the current phase.
func (s *SyncSession) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Applied returns the position of the last applied event.
func (s *SyncSession) Applied() Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied
}

// Done is closed once the session stopped.
func (s *SyncSession) Done() <-chan struct{} {
	return s.done
}

// run drives the session until ctx is cancelled.
func (s *SyncSession) run(ctx context.Context) {
	defer close(s.done)
	defer s.setPhase(PhaseClosed)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.engine.opts.RetryMin
	b.MaxInterval = s.engine.opts.RetryMax
	b.MaxElapsedTime = 0

	op := func() error {
		err := s.runOnce(ctx, b)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.mu.Lock()
		s.lastError = err
		s.mu.Unlock()
		s.setPhase(PhaseClosed)
		s.engine.restarts.Inc(1)
		Logger.Warningf("%v (retry in %s)", err, wait.Round(time.Millisecond))
	}

	_ = backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	Logger.Infof("sync session with %s stopped at %s", s.source, s.Applied())
}

// runOnce performs one session attempt. It only returns with an error.
func (s *SyncSession) runOnce(ctx context.Context, b backoff.BackOff) error {
	s.setPhase(PhaseInit)

	src, err := s.engine.dial(ctx, s.source)
	if err != nil {
		return s.fail(PhaseInit, fmt.Errorf("connect: %w", err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = src.Close(closeCtx)
	}()

	s0, err := src.Status(ctx)
	if err != nil {
		return s.fail(PhaseInit, fmt.Errorf("status: %w", err))
	}

	from := s.Applied()
	if from.Epoch != s0.Epoch || from.Sequence > s0.Sequence {
		if err := s.snapshot(ctx, src, s0); err != nil {
			return err
		}
		from = s0
	} else {
		Logger.Infof("resuming %s from %s without snapshot", s.source, from)
	}

	s1, err := src.Status(ctx)
	if err != nil {
		return s.fail(s.Phase(), fmt.Errorf("status: %w", err))
	}
	if s1.Epoch != from.Epoch {
		return s.fail(s.Phase(), fmt.Errorf("source feed changed during sync (epoch %s -> %s)", from.Epoch, s1.Epoch))
	}

	s.mu.Lock()
	s.target = s1.Sequence
	s.mu.Unlock()
	s.setPhase(PhaseCatchup)

	stream, err := src.Subscribe(ctx, from)
	if err != nil {
		if errors.Is(err, feed.ErrHistoryLost) {
			s.resetPosition()
		}
		return s.fail(PhaseCatchup, fmt.Errorf("subscribe: %w", err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = stream.Close(closeCtx)
	}()

	if from.Sequence >= s1.Sequence {
		s.setPhase(PhaseStreaming)
		b.Reset()
	}

	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, feed.ErrHistoryLost) {
				s.resetPosition()
			}
			return s.fail(s.Phase(), fmt.Errorf("stream: %w", err))
		}

		applied := s.Applied()
		switch {
		case ev.Sequence <= applied.Sequence:
			continue
		case ev.Sequence != applied.Sequence+1:
			return s.fail(s.Phase(), fmt.Errorf("%w: expected %d, got %d", ErrSequenceGap, applied.Sequence+1, ev.Sequence))
		}

		if err := s.apply(ev); err != nil {
			return s.fail(s.Phase(), err)
		}

		if s.Phase() == PhaseCatchup && ev.Sequence >= s1.Sequence {
			s.setPhase(PhaseStreaming)
			b.Reset()
		}
	}
}

// snapshot copies every collection of the source and removes local data the
// source does not have.
func (s *SyncSession) snapshot(ctx context.Context, src SyncSource, s0 Position) error {
	s.setPhase(PhaseSnapshot)
	st := s.engine.store
	started := time.Now()

	namespaces, err := src.Collections(ctx)
	if err != nil {
		return s.fail(PhaseSnapshot, fmt.Errorf("list collections: %w", err))
	}

	remote := make(map[db.Namespace]bool, len(namespaces))
	total := 0
	for _, ns := range namespaces {
		remote[ns] = true
		if _, err := st.CreateCollection(ns); err != nil {
			return s.fail(PhaseSnapshot, err)
		}

		var ids []interface{}
		err := src.Documents(ctx, ns, func(doc bson.D) error {
			id, ok := db.IDOf(doc)
			if !ok {
				return fmt.Errorf("document without _id in %s", ns)
			}
			ids = append(ids, id)
			_, err := st.ApplyChange(feed.ChangeEvent{
				OperationType: feed.OpUpdate,
				Namespace:     ns,
				DocumentKey:   db.DocumentKey(id),
				FullDocument:  doc,
			})
			return err
		})
		if err != nil {
			return s.fail(PhaseSnapshot, fmt.Errorf("copy %s: %w", ns, err))
		}
		if _, err := st.Retain(ns, ids); err != nil {
			return s.fail(PhaseSnapshot, err)
		}
		total += len(ids)
		s.engine.snapshotDocs.Inc(int64(len(ids)))
	}

	for _, database := range st.ListDatabases() {
		for _, coll := range st.ListCollections(database) {
			ns := db.NewNamespace(database, coll)
			if !remote[ns] {
				if _, err := st.DropCollection(ns); err != nil {
					return s.fail(PhaseSnapshot, err)
				}
			}
		}
	}

	s.mu.Lock()
	s.applied = s0
	s.mu.Unlock()
	s.engine.lastApplied.Update(int64(s0.Sequence))

	Logger.Infof("snapshot of %s done: %d collections, %d documents in %s (position %s)",
		s.source, len(namespaces), total, time.Since(started).Round(time.Millisecond), s0)
	return nil
}

// apply applies one event and advances the applied position.
func (s *SyncSession) apply(ev feed.ChangeEvent) error {
	changed, err := s.engine.store.ApplyChange(ev)
	if err != nil {
		var serr *store.Error
		if errors.As(err, &serr) {
			return fmt.Errorf("apply event %d: %w", ev.Sequence, serr)
		}
		return fmt.Errorf("apply event %d: %w", ev.Sequence, err)
	}

	s.mu.Lock()
	s.applied.Sequence = ev.Sequence
	s.mu.Unlock()

	s.engine.applied.Inc(1)
	if !changed {
		s.engine.unchanged.Inc(1)
	}
	s.engine.lastApplied.Update(int64(ev.Sequence))
	if !ev.WallTime.IsZero() {
		s.engine.lag.Update(time.Since(ev.WallTime).Milliseconds())
	}
	return nil
}

func (s *SyncSession) setPhase(next Phase) {
	s.mu.Lock()
	prev := s.phase
	if prev == next {
		s.mu.Unlock()
		return
	}
	if !prev.canTransition(next) {
		Logger.Errorf("invalid sync phase transition %s -> %s", prev, next)
	}
	s.phase = next
	s.mu.Unlock()

	s.engine.phase.Update(int64(next))
	Logger.Infof("sync session with %s: %s -> %s", s.source, prev, next)
}

// resetPosition forces a snapshot on the next attempt.
func (s *SyncSession) resetPosition() {
	s.mu.Lock()
	s.applied = Position{}
	s.mu.Unlock()
}

func (s *SyncSession) fail(phase Phase, err error) error {
	return &ReplicationError{Phase: phase, Source: s.source, Err: err}
}
