package client

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ValentinKolb/dDoc/rpc/common"
	"github.com/ValentinKolb/dDoc/rpc/serializer"
	"github.com/ValentinKolb/dDoc/rpc/transport"
	"go.mongodb.org/mongo-driver/bson"
)

// WireClient runs commands over a raw transport without the driver's server
// monitoring. It is used for administrative commands such as replSetReconfig.
type WireClient struct {
	transport  transport.IRPCClientTransport
	serializer serializer.IRPCSerializer
	nextID     atomic.Int32
}

// NewWireClient connects the transport to endpoint and returns the client.
func NewWireClient(
	ctx context.Context,
	endpoint string,
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (*WireClient, error) {
	if err := transport.Connect(ctx, endpoint, config); err != nil {
		return nil, err
	}
	return &WireClient{transport: transport, serializer: serializer}, nil
}

// RunCommand runs cmd against database and returns the reply document. A reply
// with ok != 1 is returned as *common.CommandError.
func (c *WireClient) RunCommand(ctx context.Context, database string, cmd bson.D) (bson.D, error) {
	if len(cmd) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	body := make(bson.D, 0, len(cmd)+1)
	body = append(body, cmd...)
	body = append(body, bson.E{Key: "$db", Value: database})

	req := common.NewCommandRequest(c.nextID.Add(1), body)
	reqBytes, err := c.serializer.Serialize(*req)
	if err != nil {
		return nil, err
	}

	respBytes, err := c.transport.Send(ctx, reqBytes)
	if err != nil {
		return nil, err
	}

	var resp common.Message
	if err := c.serializer.Deserialize(respBytes, &resp); err != nil {
		return nil, fmt.Errorf("invalid reply to %s: %w", cmd[0].Key, err)
	}
	if resp.Header.OpCode != common.OpMsg {
		return nil, fmt.Errorf("unexpected reply op code %s", resp.Header.OpCode)
	}
	if cmdErr := common.CommandErrorFrom(resp.Body); cmdErr != nil {
		return resp.Body, cmdErr
	}
	return resp.Body, nil
}

// Close closes the underlying transport.
func (c *WireClient) Close() error {
	return c.transport.Close()
}
