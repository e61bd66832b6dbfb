package unix

import (
	"fmt"
	"net"
	"os"
	"sync/atomic"

	"github.com/ValentinKolb/dDoc/rpc/common"
	"github.com/ValentinKolb/dDoc/rpc/transport"
	"github.com/ValentinKolb/dDoc/rpc/transport/base"
)

// serverConnector implements the IServerConnector interface for Unix sockets
type serverConnector struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IServerConnector)
// --------------------------------------------------------------------------

func (c *serverConnector) GetName() string {
	return "unix"
}

func (c *serverConnector) Listen(config common.TransportConfig) (net.Listener, error) {
	socketPath := config.UnixSocket
	if socketPath == "" {
		return nil, fmt.Errorf("no unix socket path configured")
	}

	// Remove existing socket file if it exists
	if err := os.RemoveAll(socketPath); err != nil {
		return nil, fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create Unix socket: %w", err)
	}
	return listener, nil
}

func (c *serverConnector) UpgradeConnection(conn net.Conn, config common.TransportConfig) error {
	return nil
}

// --------------------------------------------------------------------------
// Server Transport Factory Method
// --------------------------------------------------------------------------

// NewUnixServerTransport creates a new Unix server transport drawing connection ids from ids
func NewUnixServerTransport(ids *atomic.Int64) transport.IRPCServerTransport {
	return base.NewBaseServerTransport(&serverConnector{}, ids)
}
