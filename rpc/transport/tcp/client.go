package tcp

import (
	"context"
	"net"

	"github.com/ValentinKolb/dDoc/rpc/transport"
	"github.com/ValentinKolb/dDoc/rpc/transport/base"
)

// clientConnector implements the IClientConnector interface for TCP sockets
type clientConnector struct {
	dialer net.Dialer
}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IClientConnector)
// --------------------------------------------------------------------------

func (c *clientConnector) GetName() string {
	return "tcp"
}

func (c *clientConnector) Connect(ctx context.Context, endpoint string) (net.Conn, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}
	return conn, nil
}

// --------------------------------------------------------------------------
// Client Transport Factory Method
// --------------------------------------------------------------------------

// NewTCPClientTransport creates a new TCP client transport
func NewTCPClientTransport() transport.IRPCClientTransport {
	return base.NewBaseClientTransport(&clientConnector{})
}
