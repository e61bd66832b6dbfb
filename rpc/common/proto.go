package common

import (
	"fmt"
	"strconv"

	"go.mongodb.org/mongo-driver/bson"
)

// --------------------------------------------------------------------------
// Wire Constants
// --------------------------------------------------------------------------

const (
	HeaderSize        = 16
	MaxBsonObjectSize = 16 * 1024 * 1024
	MaxWriteBatchSize = 100000
	MinWireVersion    = 0
	MaxWireVersion    = 17
)

// OpCode identifies the layout of a wire message.
type OpCode int32

const (
	OpReply OpCode = 1
	OpQuery OpCode = 2004
	OpMsg   OpCode = 2013
)

func (o OpCode) String() string {
	switch o {
	case OpReply:
		return "OP_REPLY"
	case OpQuery:
		return "OP_QUERY"
	case OpMsg:
		return "OP_MSG"
	default:
		return "OP_" + strconv.Itoa(int(o))
	}
}

// OP_MSG flag bits
const (
	FlagChecksumPresent uint32 = 1 << 0
	FlagMoreToCome      uint32 = 1 << 1
	FlagExhaustAllowed  uint32 = 1 << 16
)

// OP_REPLY response flags
const (
	ReplyCursorNotFound uint32 = 1 << 0
	ReplyQueryFailure   uint32 = 1 << 1
	ReplyAwaitCapable   uint32 = 1 << 3
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Header is the 16 byte prefix of every wire message. Length counts the whole
// message including the header.
type Header struct {
	Length     int32
	RequestID  int32
	ResponseTo int32
	OpCode     OpCode
}

// DocumentSequence is a kind 1 section of an OP_MSG.
type DocumentSequence struct {
	Identifier string
	Documents  []bson.D
}

// Message represents a single wire message used for both requests and responses.
// Which fields are used depends on the OpCode.
type Message struct {
	Header Header

	// OP_MSG
	Flags     uint32
	Body      bson.D             // kind 0 section
	Sequences []DocumentSequence // kind 1 sections

	// OP_QUERY
	FullCollectionName string
	NumberToSkip       int32
	NumberToReturn     int32
	Query              bson.D

	// OP_REPLY
	ResponseFlags uint32
	CursorID      int64
	StartingFrom  int32
	Documents     []bson.D
}

// MoreToCome reports whether the sender expects no reply.
func (m *Message) MoreToCome() bool {
	return m.Header.OpCode == OpMsg && m.Flags&FlagMoreToCome != 0
}

// Command returns the command document of a request. Document sequences of an OP_MSG
// are folded into the body as array fields named by their identifier, the $query
// wrapper of a legacy OP_QUERY is removed.
func (m *Message) Command() bson.D {
	switch m.Header.OpCode {
	case OpQuery:
		for _, e := range m.Query {
			if e.Key == "$query" || e.Key == "query" {
				if inner, ok := e.Value.(bson.D); ok {
					return inner
				}
			}
		}
		return m.Query
	case OpMsg:
		if len(m.Sequences) == 0 {
			return m.Body
		}
		cmd := make(bson.D, len(m.Body), len(m.Body)+len(m.Sequences))
		copy(cmd, m.Body)
		for _, seq := range m.Sequences {
			arr := make(bson.A, len(seq.Documents))
			for i, doc := range seq.Documents {
				arr[i] = doc
			}
			cmd = append(cmd, bson.E{Key: seq.Identifier, Value: arr})
		}
		return cmd
	}
	return nil
}

// NewMsgReply creates the OP_MSG reply to req carrying body.
func NewMsgReply(req *Message, requestID int32, body bson.D) *Message {
	return &Message{
		Header: Header{RequestID: requestID, ResponseTo: req.Header.RequestID, OpCode: OpMsg},
		Body:   body,
	}
}

// NewQueryReply creates the OP_REPLY to a legacy OP_QUERY carrying one document.
func NewQueryReply(req *Message, requestID int32, doc bson.D) *Message {
	return &Message{
		Header:    Header{RequestID: requestID, ResponseTo: req.Header.RequestID, OpCode: OpReply},
		Documents: []bson.D{doc},
	}
}

// NewCommandRequest creates an OP_MSG request running cmd.
func NewCommandRequest(requestID int32, cmd bson.D) *Message {
	return &Message{
		Header: Header{RequestID: requestID, OpCode: OpMsg},
		Body:   cmd,
	}
}

// --------------------------------------------------------------------------
// Command Errors
// --------------------------------------------------------------------------

const (
	CodeInternalError           int32 = 1
	CodeBadValue                int32 = 2
	CodeNamespaceNotFound       int32 = 26
	CodeCursorNotFound          int32 = 43
	CodeNoMatchingDocument      int32 = 47
	CodeCommandNotFound         int32 = 59
	CodeInvalidNamespace        int32 = 73
	CodeNoReplicationEnabled    int32 = 76
	CodeInvalidReplicaSetConfig int32 = 93
	CodeChangeStreamHistoryLost int32 = 286
	CodeNotWritablePrimary      int32 = 10107
	CodeDuplicateKey            int32 = 11000
	CodeInvalidOptions          int32 = 72
	CodeIllegalOperation        int32 = 20
	CodeNamespaceExists         int32 = 48
	CodeInterrupted             int32 = 11601
)

var codeNames = map[int32]string{
	CodeInternalError:           "InternalError",
	CodeBadValue:                "BadValue",
	CodeIllegalOperation:        "IllegalOperation",
	CodeNamespaceNotFound:       "NamespaceNotFound",
	CodeNamespaceExists:         "NamespaceExists",
	CodeCursorNotFound:          "CursorNotFound",
	CodeNoMatchingDocument:      "NoMatchingDocument",
	CodeCommandNotFound:         "CommandNotFound",
	CodeInvalidOptions:          "InvalidOptions",
	CodeInvalidNamespace:        "InvalidNamespace",
	CodeNoReplicationEnabled:    "NoReplicationEnabled",
	CodeInvalidReplicaSetConfig: "InvalidReplicaSetConfig",
	CodeChangeStreamHistoryLost: "ChangeStreamHistoryLost",
	CodeNotWritablePrimary:      "NotWritablePrimary",
	CodeDuplicateKey:            "DuplicateKey",
	CodeInterrupted:             "Interrupted",
}

// CodeName returns the symbolic name of an error code.
func CodeName(code int32) string {
	if name, ok := codeNames[code]; ok {
		return name
	}
	return "UnknownError"
}

// CommandError is a structured command failure. It is sent as
// {ok: 0, errmsg, code, codeName} and leaves the connection open.
type CommandError struct {
	Code     int32
	CodeName string
	Msg      string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("CommandError %d (%s): %s", e.Code, e.CodeName, e.Msg)
}

// NewCommandError creates a CommandError with the code name looked up from code.
func NewCommandError(code int32, format string, args ...interface{}) *CommandError {
	return &CommandError{Code: code, CodeName: CodeName(code), Msg: fmt.Sprintf(format, args...)}
}

// Document returns the reply document of the error.
func (e *CommandError) Document() bson.D {
	return bson.D{
		{Key: "ok", Value: 0.0},
		{Key: "errmsg", Value: e.Msg},
		{Key: "code", Value: e.Code},
		{Key: "codeName", Value: e.CodeName},
	}
}

// CommandErrorFrom extracts a CommandError from a reply document, nil if the reply is ok.
func CommandErrorFrom(reply bson.D) *CommandError {
	var r struct {
		OK       float64 `bson:"ok"`
		ErrMsg   string  `bson:"errmsg"`
		Code     int32   `bson:"code"`
		CodeName string  `bson:"codeName"`
	}
	raw, err := bson.Marshal(reply)
	if err != nil {
		return NewCommandError(CodeInternalError, "invalid reply: %v", err)
	}
	if err := bson.Unmarshal(raw, &r); err != nil {
		return NewCommandError(CodeInternalError, "invalid reply: %v", err)
	}
	if r.OK == 1 {
		return nil
	}
	return &CommandError{Code: r.Code, CodeName: r.CodeName, Msg: r.ErrMsg}
}

// --------------------------------------------------------------------------
// Resume Tokens
// --------------------------------------------------------------------------

// ResumeToken identifies a position in the change feed of one server process.
// The epoch changes whenever the feed restarts, a token of another epoch cannot be resumed.
type ResumeToken struct {
	Data  string `bson:"_data"`
	Epoch string `bson:"epoch"`
}

// NewResumeToken creates the token of the event with sequence seq.
func NewResumeToken(epoch string, seq uint64) ResumeToken {
	return ResumeToken{Data: fmt.Sprintf("%016X", seq), Epoch: epoch}
}

// Sequence returns the sequence number encoded in the token.
func (t ResumeToken) Sequence() (uint64, error) {
	seq, err := strconv.ParseUint(t.Data, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid resume token %q: %w", t.Data, err)
	}
	return seq, nil
}

// Document returns the token as document.
func (t ResumeToken) Document() bson.D {
	return bson.D{{Key: "_data", Value: t.Data}, {Key: "epoch", Value: t.Epoch}}
}

// ParseResumeToken decodes a token from a command argument.
func ParseResumeToken(v interface{}) (ResumeToken, error) {
	var t ResumeToken
	switch doc := v.(type) {
	case bson.D:
		raw, err := bson.Marshal(doc)
		if err != nil {
			return t, err
		}
		if err := bson.Unmarshal(raw, &t); err != nil {
			return t, fmt.Errorf("invalid resume token: %w", err)
		}
	case bson.Raw:
		if err := bson.Unmarshal(doc, &t); err != nil {
			return t, fmt.Errorf("invalid resume token: %w", err)
		}
	default:
		return t, fmt.Errorf("invalid resume token of type %T", v)
	}
	if _, err := t.Sequence(); err != nil {
		return t, err
	}
	return t, nil
}
