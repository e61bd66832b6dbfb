package base

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dDoc/rpc/common"
	"github.com/ValentinKolb/dDoc/rpc/serializer"
	"github.com/ValentinKolb/dDoc/rpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/semaphore"
)

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IServerConnector defines the interface for transport-specific server operations
type IServerConnector interface {
	// Listen creates a listener and returns it
	Listen(config common.TransportConfig) (net.Listener, error)

	// UpgradeConnection applies protocol-specific settings to an accepted connection
	UpgradeConnection(conn net.Conn, config common.TransportConfig) error

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// serverConn is one admitted connection
type serverConn struct {
	net.Conn
	info transport.ConnInfo
}

// serverTransport implements the core server transport functionality
type serverTransport struct {
	connector IServerConnector
	handler   transport.ServerHandleFunc
	config    common.TransportConfig
	listener  net.Listener

	// admission control, nil if the number of connections is unlimited
	slots *semaphore.Weighted
	held  atomic.Int32

	conns  *xsync.MapOf[int64, *serverConn]
	nextID *atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseServerTransport creates a new base server transport. Connection ids are
// drawn from ids, so several transports of one server hand out unique ids.
func NewBaseServerTransport(connector IServerConnector, ids *atomic.Int64) transport.IRPCServerTransport {
	if ids == nil {
		ids = &atomic.Int64{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &serverTransport{
		connector: connector,
		conns:     xsync.NewMapOf[int64, *serverConn](),
		nextID:    ids,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCServerTransport)
// --------------------------------------------------------------------------

func (t *serverTransport) RegisterHandler(handler transport.ServerHandleFunc) {
	t.handler = handler
}

func (t *serverTransport) Listen(config common.TransportConfig) error {
	if t.handler == nil {
		return errors.New("no handler registered")
	}
	if t.ctx.Err() != nil {
		return errors.New("transport is shut down")
	}
	t.config = config
	if config.MaxConnections > 0 {
		t.slots = semaphore.NewWeighted(int64(config.MaxConnections))
	}

	listener, err := t.connector.Listen(config)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	t.listener = listener

	Logger.Infof("Starting %s listener on %s (max connections: %d, idle timeout: %s)",
		t.connector.GetName(), listener.Addr(), config.MaxConnections, config.IdleTimeout)

	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

func (t *serverTransport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *serverTransport) ConnectionCount() int {
	return t.conns.Size()
}

func (t *serverTransport) HeldCount() int {
	return int(t.held.Load())
}

func (t *serverTransport) Shutdown(ctx context.Context) error {
	t.shutdownOnce.Do(func() {
		t.cancel()
		if t.listener != nil {
			_ = t.listener.Close()
		}
		// unblocks every pending read of the connection handlers
		t.conns.Range(func(_ int64, c *serverConn) bool {
			_ = c.Close()
			return true
		})

		done := make(chan struct{})
		go func() {
			t.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			Logger.Infof("%s listener stopped", t.connector.GetName())
		case <-ctx.Done():
			t.shutdownErr = fmt.Errorf("%s listener: %d connections still open: %w", t.connector.GetName(), t.conns.Size(), ctx.Err())
		}
	})
	return t.shutdownErr
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (t *serverTransport) acceptLoop() {
	defer t.wg.Done()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			Logger.Errorf("Accept error on %s listener: %v", t.connector.GetName(), err)
			return
		}

		if err := t.connector.UpgradeConnection(conn, t.config); err != nil {
			Logger.Warningf("Failed to apply socket options to %s: %v", conn.RemoteAddr(), err)
		}

		t.wg.Add(1)
		go t.admit(conn)
	}
}

// admit holds a connection until a slot is free and then serves it.
func (t *serverTransport) admit(conn net.Conn) {
	defer t.wg.Done()

	if t.slots != nil {
		if !t.slots.TryAcquire(1) {
			t.held.Add(1)
			Logger.Debugf("Connection from %s held, %d connections active", conn.RemoteAddr(), t.conns.Size())
			err := t.slots.Acquire(t.ctx, 1)
			t.held.Add(-1)
			if err != nil {
				_ = conn.Close()
				return
			}
		}
		defer t.slots.Release(1)
	}

	c := &serverConn{
		Conn: conn,
		info: transport.ConnInfo{ID: t.nextID.Add(1), Remote: conn.RemoteAddr().String()},
	}
	t.conns.Store(c.info.ID, c)
	defer t.conns.Delete(c.info.ID)

	// shutdown may have run between admission and registration
	if t.ctx.Err() != nil {
		_ = conn.Close()
		return
	}
	t.handleConnection(c)
}

// handleConnection serves the requests of one connection in order
func (t *serverTransport) handleConnection(c *serverConn) {
	defer c.Close()
	Logger.Debugf("Connection %d from %s opened", c.info.ID, c.info.Remote)

	idle := t.config.IdleTimeout

	for {
		if idle > 0 {
			if err := c.SetReadDeadline(time.Now().Add(idle)); err != nil {
				Logger.Errorf("Failed to set read deadline: %v", err)
				return
			}
		}

		frame, err := readFrame(c, t.config.MaxMessageSize)
		if err != nil {
			t.logReadError(c, err)
			return
		}
		_ = c.SetReadDeadline(time.Time{})

		start := time.Now()
		resp, err := t.handler(t.ctx, c.info, frame)
		if err != nil {
			Logger.Warningf("Closing connection %d from %s: %v", c.info.ID, c.info.Remote, err)
			return
		}
		Logger.Debugf("Processed request %d of connection %d in %s", requestID(frame), c.info.ID, time.Since(start))

		if resp == nil {
			continue
		}
		if idle > 0 {
			if err := c.SetWriteDeadline(time.Now().Add(idle)); err != nil {
				Logger.Errorf("Failed to set write deadline: %v", err)
				return
			}
		}
		if err := writeFrame(c, resp); err != nil {
			if t.ctx.Err() == nil {
				Logger.Warningf("Failed to write response to connection %d: %v", c.info.ID, err)
			}
			return
		}
	}
}

func (t *serverTransport) logReadError(c *serverConn, err error) {
	var perr *serializer.ProtocolError
	var ne net.Error
	switch {
	case t.ctx.Err() != nil:
		Logger.Debugf("Connection %d closed by shutdown", c.info.ID)
	case errors.Is(err, io.EOF):
		Logger.Debugf("Connection %d closed by client", c.info.ID)
	case errors.As(err, &perr):
		Logger.Warningf("Connection %d from %s: %v", c.info.ID, c.info.Remote, err)
	case errors.As(err, &ne) && ne.Timeout():
		Logger.Infof("Connection %d from %s idle for %s, closing", c.info.ID, c.info.Remote, t.config.IdleTimeout)
	default:
		Logger.Debugf("Connection %d read error: %v", c.info.ID, err)
	}
}
