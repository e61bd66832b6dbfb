package repl

import (
	"context"
	"sync"
	"time"

	"github.com/ValentinKolb/dDoc/lib/store"
	"github.com/rcrowley/go-metrics"
)

// Options configures the retry behaviour of an Engine.
type Options struct {
	RetryMin time.Duration // first retry delay after a failed session
	RetryMax time.Duration // upper bound of the retry delay
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		RetryMin: 100 * time.Millisecond,
		RetryMax: 2 * time.Second,
	}
}

// Status is a snapshot of the replication state of a node.
type Status struct {
	Source    string // empty if the engine follows nobody
	Phase     Phase
	Applied   Position
	Target    uint64 // source sequence that ends the catch up window
	LastError error
}

// Engine keeps the local store in sync with the current primary. At most one
// SyncSession runs at a time. The applied position survives a session restart,
// so a session reconnecting to the same feed resumes without a snapshot.
type Engine struct {
	store store.IStore
	dial  Dialer
	opts  Options

	mu      sync.Mutex
	session *SyncSession
	cancel  context.CancelFunc
	resume  Position
	closed  bool

	registry     metrics.Registry
	applied      metrics.Counter
	unchanged    metrics.Counter
	snapshotDocs metrics.Counter
	restarts     metrics.Counter
	lastApplied  metrics.Gauge
	phase        metrics.Gauge
	lag          metrics.Histogram
}

// NewEngine creates an idle engine applying changes to st.
func NewEngine(st store.IStore, dial Dialer, opts Options) *Engine {
	def := DefaultOptions()
	if opts.RetryMin <= 0 {
		opts.RetryMin = def.RetryMin
	}
	if opts.RetryMax < opts.RetryMin {
		opts.RetryMax = max(def.RetryMax, opts.RetryMin)
	}

	r := metrics.NewRegistry()
	return &Engine{
		store:        st,
		dial:         dial,
		opts:         opts,
		registry:     r,
		applied:      metrics.NewRegisteredCounter("repl.events.applied", r),
		unchanged:    metrics.NewRegisteredCounter("repl.events.unchanged", r),
		snapshotDocs: metrics.NewRegisteredCounter("repl.snapshot.documents", r),
		restarts:     metrics.NewRegisteredCounter("repl.session.restarts", r),
		lastApplied:  metrics.NewRegisteredGauge("repl.position.applied", r),
		phase:        metrics.NewRegisteredGauge("repl.session.phase", r),
		lag:          metrics.NewRegisteredHistogram("repl.lag.ms", r, metrics.NewUniformSample(1028)),
	}
}

// Follow starts replicating from primary. A running session to another host is
// stopped first. Following the current source again is a no-op, an empty host stops
// replication. A closed engine ignores Follow.
func (e *Engine) Follow(primary string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		Logger.Debugf("engine closed, not following %q", primary)
		return
	}
	if e.session != nil && e.session.Source() == primary {
		return
	}
	e.stopLocked()
	if primary == "" {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := newSession(e, primary, e.resume)
	e.session = s
	e.cancel = cancel
	Logger.Infof("following %s from %s", primary, e.resume)
	go s.run(ctx)
}

// Stop stops the running session and waits for it to close.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
}

// Close stops the running session for good. Later calls to Follow do nothing.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
	e.closed = true
}

func (e *Engine) stopLocked() {
	if e.session == nil {
		return
	}
	e.cancel()
	<-e.session.Done()
	e.resume = e.session.Applied()
	e.session = nil
	e.cancel = nil
}

// Source returns the host currently followed.
func (e *Engine) Source() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return ""
	}
	return e.session.Source()
}

// Status returns the replication state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	s := e.session
	resume := e.resume
	e.mu.Unlock()

	if s == nil {
		return Status{Phase: PhaseClosed, Applied: resume}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Source:    s.source,
		Phase:     s.phase,
		Applied:   s.applied,
		Target:    s.target,
		LastError: s.lastError,
	}
}

// Metrics returns the metrics registry of the engine.
func (e *Engine) Metrics() metrics.Registry {
	return e.registry
}
