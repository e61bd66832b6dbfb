package transport

import (
	"context"
	"net"

	"github.com/ValentinKolb/dDoc/rpc/common"
)

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// ConnInfo identifies the connection a request was received on.
type ConnInfo struct {
	ID     int64
	Remote string
}

// ServerHandleFunc is a function type that handles incoming requests
// This function is called by a server transport layer for every complete wire message
// of a connection, in order. It returns the encoded reply (nil if none has to be sent).
// An error closes the connection. ctx is cancelled when the transport shuts down.
type ServerHandleFunc func(ctx context.Context, conn ConnInfo, req []byte) (resp []byte, err error)

// IRPCServerTransport is the interface of the Wire Connection Listener
type IRPCServerTransport interface {
	// RegisterHandler registers the handler called for every request
	RegisterHandler(handler ServerHandleFunc)
	// Listen binds the socket and starts accepting connections in the background.
	// An error is only returned if the bind fails.
	Listen(config common.TransportConfig) error
	// Addr returns the bound address (nil before Listen)
	Addr() net.Addr
	// ConnectionCount returns the number of admitted connections
	ConnectionCount() int
	// HeldCount returns the number of accepted connections waiting for admission
	HeldCount() int
	// Shutdown stops accepting, closes every connection and waits for all
	// connection handlers until ctx is done. Shutdown is idempotent.
	Shutdown(ctx context.Context) error
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// IRPCClientTransport is the interface for a raw wire client
type IRPCClientTransport interface {
	// Connect initializes the transport to endpoint
	Connect(ctx context.Context, endpoint string, config common.ClientConfig) error
	// Send writes one encoded request and waits for the reply whose responseTo
	// matches the request id of req
	Send(ctx context.Context, req []byte) (resp []byte, err error)
	// Close closes the transport connection
	Close() error
}
