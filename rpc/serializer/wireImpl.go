package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dDoc/rpc/common"
	"go.mongodb.org/mongo-driver/bson"
)

// NewWireSerializer creates the codec of the document wire protocol. Messages
// larger than maxMessageSize are rejected (0 disables the check).
func NewWireSerializer(maxMessageSize int) IRPCSerializer {
	return &wireSerializerImpl{maxMessageSize: maxMessageSize}
}

// wireSerializerImpl implements IRPCSerializer for OP_MSG, OP_QUERY and OP_REPLY
type wireSerializerImpl struct {
	maxMessageSize int
}

const (
	sectionBody     byte = 0
	sectionSequence byte = 1

	// flag bits 0-15 are required, a receiver must reject bits it does not know
	requiredFlagMask = 0xffff
	knownFlags       = common.FlagChecksumPresent | common.FlagMoreToCome
)

var le = binary.LittleEndian

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (w *wireSerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	buf := make([]byte, common.HeaderSize, 256)

	var err error
	switch msg.Header.OpCode {
	case common.OpMsg:
		buf, err = appendMsg(buf, &msg)
	case common.OpQuery:
		buf, err = appendQuery(buf, &msg)
	case common.OpReply:
		buf, err = appendReply(buf, &msg)
	default:
		return nil, fmt.Errorf("cannot serialize op code %s", msg.Header.OpCode)
	}
	if err != nil {
		return nil, err
	}
	if w.maxMessageSize > 0 && len(buf) > w.maxMessageSize {
		return nil, fmt.Errorf("message of %d bytes exceeds the limit of %d bytes", len(buf), w.maxMessageSize)
	}

	le.PutUint32(buf[0:4], uint32(len(buf)))
	le.PutUint32(buf[4:8], uint32(msg.Header.RequestID))
	le.PutUint32(buf[8:12], uint32(msg.Header.ResponseTo))
	le.PutUint32(buf[12:16], uint32(msg.Header.OpCode))
	return buf, nil
}

func (w *wireSerializerImpl) Deserialize(b []byte, msg *common.Message) error {
	if len(b) < common.HeaderSize {
		return protocolErrorf("message of %d bytes is shorter than the header", len(b))
	}

	h := common.Header{
		Length:     int32(le.Uint32(b[0:4])),
		RequestID:  int32(le.Uint32(b[4:8])),
		ResponseTo: int32(le.Uint32(b[8:12])),
		OpCode:     common.OpCode(le.Uint32(b[12:16])),
	}
	if int(h.Length) != len(b) {
		return protocolErrorf("length prefix %d does not match the %d bytes received", h.Length, len(b))
	}
	if w.maxMessageSize > 0 && len(b) > w.maxMessageSize {
		return protocolErrorf("message of %d bytes exceeds the limit of %d bytes", len(b), w.maxMessageSize)
	}

	*msg = common.Message{Header: h}
	r := &reader{b: b[common.HeaderSize:]}
	switch h.OpCode {
	case common.OpMsg:
		return readMsg(r, msg)
	case common.OpQuery:
		return readQuery(r, msg)
	case common.OpReply:
		return readReply(r, msg)
	default:
		return protocolErrorf("unsupported op code %s", h.OpCode)
	}
}

// --------------------------------------------------------------------------
// Encoding
// --------------------------------------------------------------------------

func appendMsg(buf []byte, msg *common.Message) ([]byte, error) {
	// checksums are never written
	buf = le.AppendUint32(buf, msg.Flags&^common.FlagChecksumPresent)

	buf = append(buf, sectionBody)
	buf, err := appendDocument(buf, msg.Body)
	if err != nil {
		return nil, err
	}

	for _, seq := range msg.Sequences {
		buf = append(buf, sectionSequence)
		start := len(buf)
		buf = le.AppendUint32(buf, 0)
		buf = appendCString(buf, seq.Identifier)
		for _, doc := range seq.Documents {
			if buf, err = appendDocument(buf, doc); err != nil {
				return nil, err
			}
		}
		le.PutUint32(buf[start:start+4], uint32(len(buf)-start))
	}
	return buf, nil
}

func appendQuery(buf []byte, msg *common.Message) ([]byte, error) {
	buf = le.AppendUint32(buf, msg.Flags)
	buf = appendCString(buf, msg.FullCollectionName)
	buf = le.AppendUint32(buf, uint32(msg.NumberToSkip))
	buf = le.AppendUint32(buf, uint32(msg.NumberToReturn))
	return appendDocument(buf, msg.Query)
}

func appendReply(buf []byte, msg *common.Message) ([]byte, error) {
	buf = le.AppendUint32(buf, msg.ResponseFlags)
	buf = le.AppendUint64(buf, uint64(msg.CursorID))
	buf = le.AppendUint32(buf, uint32(msg.StartingFrom))
	buf = le.AppendUint32(buf, uint32(len(msg.Documents)))
	var err error
	for _, doc := range msg.Documents {
		if buf, err = appendDocument(buf, doc); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func appendDocument(buf []byte, doc bson.D) ([]byte, error) {
	if doc == nil {
		doc = bson.D{}
	}
	out, err := bson.MarshalAppend(buf, doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return out, nil
}

func appendCString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	return append(buf, 0)
}

// --------------------------------------------------------------------------
// Decoding
// --------------------------------------------------------------------------

func readMsg(r *reader, msg *common.Message) error {
	flags, err := r.u32("flag bits")
	if err != nil {
		return err
	}
	if unknown := flags & requiredFlagMask &^ knownFlags; unknown != 0 {
		return protocolErrorf("unknown required flag bits %#x", unknown)
	}
	msg.Flags = flags

	if flags&common.FlagChecksumPresent != 0 {
		if len(r.b) < 4 {
			return protocolErrorf("missing checksum")
		}
		r.b = r.b[:len(r.b)-4]
	}

	bodies := 0
	for len(r.b) > 0 {
		kind, err := r.u8("section kind")
		if err != nil {
			return err
		}
		switch kind {
		case sectionBody:
			if bodies++; bodies > 1 {
				return protocolErrorf("more than one body section")
			}
			if msg.Body, err = r.document(); err != nil {
				return err
			}

		case sectionSequence:
			size, err := r.i32("section size")
			if err != nil {
				return err
			}
			if size < 5 || int(size)-4 > len(r.b) {
				return protocolErrorf("document sequence of %d bytes does not fit the message", size)
			}
			section := &reader{b: r.b[:size-4]}
			r.b = r.b[size-4:]

			seq := common.DocumentSequence{}
			if seq.Identifier, err = section.cstring(); err != nil {
				return err
			}
			for len(section.b) > 0 {
				doc, err := section.document()
				if err != nil {
					return err
				}
				seq.Documents = append(seq.Documents, doc)
			}
			msg.Sequences = append(msg.Sequences, seq)

		default:
			return protocolErrorf("unknown section kind %d", kind)
		}
	}
	if bodies == 0 {
		return protocolErrorf("message without body section")
	}
	return nil
}

func readQuery(r *reader, msg *common.Message) error {
	var err error
	if msg.Flags, err = r.u32("flags"); err != nil {
		return err
	}
	if msg.FullCollectionName, err = r.cstring(); err != nil {
		return err
	}
	if msg.NumberToSkip, err = r.i32("numberToSkip"); err != nil {
		return err
	}
	if msg.NumberToReturn, err = r.i32("numberToReturn"); err != nil {
		return err
	}
	if msg.Query, err = r.document(); err != nil {
		return err
	}
	// an optional return field selector may follow, it is ignored
	if len(r.b) > 0 {
		if _, err := r.document(); err != nil {
			return err
		}
	}
	return r.done()
}

func readReply(r *reader, msg *common.Message) error {
	var err error
	if msg.ResponseFlags, err = r.u32("responseFlags"); err != nil {
		return err
	}
	cursor, err := r.u64("cursorID")
	if err != nil {
		return err
	}
	msg.CursorID = int64(cursor)
	if msg.StartingFrom, err = r.i32("startingFrom"); err != nil {
		return err
	}
	n, err := r.i32("numberReturned")
	if err != nil {
		return err
	}
	for i := int32(0); i < n; i++ {
		doc, err := r.document()
		if err != nil {
			return err
		}
		msg.Documents = append(msg.Documents, doc)
	}
	return r.done()
}

// reader consumes a message body and reports every overrun as ProtocolError.
type reader struct {
	b []byte
}

func (r *reader) need(n int, what string) error {
	if n < 0 || len(r.b) < n {
		return protocolErrorf("truncated %s: need %d bytes, have %d", what, n, len(r.b))
	}
	return nil
}

func (r *reader) u8(what string) (byte, error) {
	if err := r.need(1, what); err != nil {
		return 0, err
	}
	v := r.b[0]
	r.b = r.b[1:]
	return v, nil
}

func (r *reader) u32(what string) (uint32, error) {
	if err := r.need(4, what); err != nil {
		return 0, err
	}
	v := le.Uint32(r.b)
	r.b = r.b[4:]
	return v, nil
}

func (r *reader) i32(what string) (int32, error) {
	v, err := r.u32(what)
	return int32(v), err
}

func (r *reader) u64(what string) (uint64, error) {
	if err := r.need(8, what); err != nil {
		return 0, err
	}
	v := le.Uint64(r.b)
	r.b = r.b[8:]
	return v, nil
}

func (r *reader) cstring() (string, error) {
	for i, c := range r.b {
		if c == 0 {
			s := string(r.b[:i])
			r.b = r.b[i+1:]
			return s, nil
		}
	}
	return "", protocolErrorf("unterminated cstring")
}

func (r *reader) document() (bson.D, error) {
	if err := r.need(4, "document length"); err != nil {
		return nil, err
	}
	size := int(int32(le.Uint32(r.b)))
	if size < 5 {
		return nil, protocolErrorf("invalid document length %d", size)
	}
	if err := r.need(size, "document"); err != nil {
		return nil, err
	}
	raw := bson.Raw(r.b[:size])
	r.b = r.b[size:]

	if err := raw.Validate(); err != nil {
		return nil, &ProtocolError{Reason: "invalid document", Err: err}
	}
	var doc bson.D
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, &ProtocolError{Reason: "invalid document", Err: err}
	}
	return doc, nil
}

func (r *reader) done() error {
	if len(r.b) != 0 {
		return protocolErrorf("%d trailing bytes after the last section", len(r.b))
	}
	return nil
}
