package base

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/ValentinKolb/dDoc/rpc/common"
	"github.com/ValentinKolb/dDoc/rpc/serializer"
)

// readFrame reads exactly one wire message. The frame format is:
// - 4 bytes: message length (int32, little endian), counting the whole message
// - 12 bytes: rest of the header (requestID, responseTo, opCode)
// - N bytes: body
//
// A clean EOF before the first byte is returned as io.EOF. A length outside
// [16, maxSize] or a truncated message is a *serializer.ProtocolError.
func readFrame(r io.Reader, maxSize int) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, serializer.NewProtocolError(err, "truncated length prefix")
		}
		return nil, err
	}

	length := int(int32(binary.LittleEndian.Uint32(prefix[:])))
	if length < common.HeaderSize {
		return nil, serializer.NewProtocolError(nil, "invalid message length %d", length)
	}
	if maxSize > 0 && length > maxSize {
		return nil, serializer.NewProtocolError(nil, "message length %d exceeds the limit of %d bytes", length, maxSize)
	}

	frame := make([]byte, length)
	copy(frame, prefix[:])
	if _, err := io.ReadFull(r, frame[4:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, serializer.NewProtocolError(err, "truncated message: expected %d bytes", length)
		}
		return nil, err
	}
	return frame, nil
}

// writeFrame writes an encoded message.
func writeFrame(w io.Writer, frame []byte) error {
	_, err := w.Write(frame)
	return err
}

// requestID returns the request id of an encoded message.
func requestID(frame []byte) int32 {
	if len(frame) < common.HeaderSize {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(frame[4:8]))
}

// responseTo returns the responseTo field of an encoded message.
func responseTo(frame []byte) int32 {
	if len(frame) < common.HeaderSize {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(frame[8:12]))
}
