package tcp

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dDoc/rpc/common"
	"github.com/ValentinKolb/dDoc/rpc/transport"
	"github.com/ValentinKolb/dDoc/rpc/transport/base"
)

// serverConnector implements the IServerConnector interface for TCP sockets
type serverConnector struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IServerConnector)
// --------------------------------------------------------------------------

func (c *serverConnector) GetName() string {
	return "tcp"
}

func (c *serverConnector) Listen(config common.TransportConfig) (net.Listener, error) {
	listener, err := net.Listen("tcp", config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to bind TCP socket %s: %w", config.Endpoint, err)
	}
	return listener, nil
}

// UpgradeConnection applies the socket options of config to a TCP connection
func (c *serverConnector) UpgradeConnection(conn net.Conn, config common.TransportConfig) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil // Not a TCP connection, nothing to upgrade
	}

	// Disable Nagle's algorithm if configured
	if err := tcpConn.SetNoDelay(config.TCPNoDelay); err != nil {
		return err
	}

	if config.WriteBufferSize > 0 {
		if err := tcpConn.SetWriteBuffer(config.WriteBufferSize); err != nil {
			return err
		}
	}

	if config.ReadBufferSize > 0 {
		if err := tcpConn.SetReadBuffer(config.ReadBufferSize); err != nil {
			return err
		}
	}

	if config.TCPKeepAliveSec > 0 {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			return err
		}
		if err := tcpConn.SetKeepAlivePeriod(time.Duration(config.TCPKeepAliveSec) * time.Second); err != nil {
			return err
		}
	}

	if config.TCPLingerSec >= 0 {
		if err := tcpConn.SetLinger(config.TCPLingerSec); err != nil {
			return err
		}
	}

	return nil
}

// --------------------------------------------------------------------------
// Server Transport Factory Method
// --------------------------------------------------------------------------

// NewTCPServerTransport creates a new TCP server transport drawing connection ids from ids
func NewTCPServerTransport(ids *atomic.Int64) transport.IRPCServerTransport {
	return base.NewBaseServerTransport(&serverConnector{}, ids)
}
