package serializer

import (
	"fmt"

	"github.com/ValentinKolb/dDoc/rpc/common"
)

// IRPCSerializer is the interface for wire message codecs
type IRPCSerializer interface {
	// Serialize encodes a Message including its 16 byte header.
	// The header length and op code are derived from the message.
	Serialize(msg common.Message) ([]byte, error)
	// Deserialize decodes one complete wire message (header included) into msg.
	// Malformed input yields a *ProtocolError.
	Deserialize(b []byte, msg *common.Message) error
}

// ProtocolError reports a malformed or truncated wire message. The connection
// the message was read from is closed, the server keeps running.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ProtocolError: %s: %v", e.Reason, e.Err)
	}
	return "ProtocolError: " + e.Reason
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewProtocolError wraps err (may be nil) into a ProtocolError.
func NewProtocolError(err error, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...), Err: err}
}

func protocolErrorf(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}
