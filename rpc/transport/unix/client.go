package unix

import (
	"context"
	"net"

	"github.com/ValentinKolb/dDoc/rpc/transport"
	"github.com/ValentinKolb/dDoc/rpc/transport/base"
)

// clientConnector implements the IClientConnector interface for Unix sockets
type clientConnector struct {
	dialer net.Dialer
}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IClientConnector)
// --------------------------------------------------------------------------

func (c *clientConnector) GetName() string {
	return "unix"
}

func (c *clientConnector) Connect(ctx context.Context, endpoint string) (net.Conn, error) {
	return c.dialer.DialContext(ctx, "unix", endpoint)
}

// --------------------------------------------------------------------------
// Client Transport Factory Method
// --------------------------------------------------------------------------

// NewUnixClientTransport creates a new Unix client transport
func NewUnixClientTransport() transport.IRPCClientTransport {
	return base.NewBaseClientTransport(&clientConnector{})
}
