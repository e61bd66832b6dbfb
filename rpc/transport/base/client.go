package base

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/ValentinKolb/dDoc/rpc/common"
	"github.com/ValentinKolb/dDoc/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("transport")

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IClientConnector defines the interface for transport-specific connection operations
type IClientConnector interface {
	// Connect establishes a single connection to endpoint
	Connect(ctx context.Context, endpoint string) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// responseResult contains the result of a request
type responseResult struct {
	data []byte
	err  error
}

// clientConn is one net connection with its reader goroutine
type clientConn struct {
	conn    net.Conn
	writeMu sync.Mutex
	done    chan struct{}
	err     error // set before done is closed
}

// clientTransport implements a raw wire client over one connection, reconnecting
// lazily after the connection failed. Requests are correlated with replies by
// request id, so several goroutines can share the transport.
type clientTransport struct {
	connector IClientConnector
	config    common.ClientConfig
	endpoint  string

	mu      sync.Mutex
	current *clientConn
	closed  bool

	pending *xsync.MapOf[int32, chan responseResult]
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseClientTransport creates a new base client transport with the specified connector
func NewBaseClientTransport(connector IClientConnector) transport.IRPCClientTransport {
	return &clientTransport{
		connector: connector,
		pending:   xsync.NewMapOf[int32, chan responseResult](),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *clientTransport) Connect(ctx context.Context, endpoint string, config common.ClientConfig) error {
	if endpoint == "" {
		return fmt.Errorf("no endpoint provided")
	}

	t.mu.Lock()
	t.endpoint = endpoint
	t.config = config
	t.closed = false
	t.mu.Unlock()

	if _, err := t.connection(ctx); err != nil {
		return err
	}
	Logger.Infof("Connected to %s using %s transport", endpoint, t.connector.GetName())
	return nil
}

func (t *clientTransport) Send(ctx context.Context, req []byte) ([]byte, error) {
	if t.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.RequestTimeout)
		defer cancel()
	}

	c, err := t.connection(ctx)
	if err != nil {
		return nil, err
	}

	id := requestID(req)
	respCh := make(chan responseResult, 1)
	if _, loaded := t.pending.LoadOrStore(id, respCh); loaded {
		return nil, fmt.Errorf("request id %d already in flight", id)
	}
	defer t.pending.Delete(id)

	c.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	}
	err = writeFrame(c.conn, req)
	c.writeMu.Unlock()
	if err != nil {
		t.fail(c, err)
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case result := <-respCh:
		return result.data, result.err
	case <-c.done:
		return nil, fmt.Errorf("connection to %s lost: %w", t.endpoint, c.err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *clientTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	c := t.current
	t.current = nil
	t.mu.Unlock()

	if c != nil {
		t.fail(c, errors.New("transport closed"))
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// connection returns the current connection, dialing a new one if there is none
func (t *clientTransport) connection(ctx context.Context) (*clientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, errors.New("transport closed")
	}
	if t.current != nil {
		select {
		case <-t.current.done:
		default:
			return t.current, nil
		}
	}

	if t.config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.ConnectTimeout)
		defer cancel()
	}
	conn, err := t.connector.Connect(ctx, t.endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", t.endpoint, err)
	}

	c := &clientConn{conn: conn, done: make(chan struct{})}
	t.current = c
	go t.readResponses(c)
	return c, nil
}

// readResponses reads replies in a loop and hands them to the waiting requests
func (t *clientTransport) readResponses(c *clientConn) {
	for {
		frame, err := readFrame(c.conn, 0)
		if err != nil {
			t.fail(c, err)
			return
		}

		id := responseTo(frame)
		if respCh, ok := t.pending.Load(id); ok {
			select {
			case respCh <- responseResult{data: frame}:
			default:
				Logger.Warningf("Dropped duplicate response for request ID %d", id)
			}
		} else {
			Logger.Warningf("Received response for unknown request ID %d", id)
		}
	}
}

// fail closes a connection once, waking every request waiting on it
func (t *clientTransport) fail(c *clientConn, err error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return
	default:
	}
	c.err = err
	close(c.done)
	_ = c.conn.Close()
	Logger.Debugf("Connection to %s closed: %v", t.endpoint, err)
}
