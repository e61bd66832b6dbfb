// Package serializer provides the codec of the document wire protocol spoken by
// dDoc servers and the drivers connecting to them.
//
// The package focuses on:
//   - Encoding and decoding complete wire messages (16 byte header included)
//   - Strict validation: every malformed message is reported as *ProtocolError
//   - Supporting the op codes drivers use for commands
//
// Supported op codes:
//
//   - OP_MSG (2013): flag bits, one kind 0 body section and any number of kind 1
//     document sequences. A trailing checksum is stripped when checksumPresent is
//     set, it is never verified or written. moreToCome is exposed through
//     Message.MoreToCome so the server can skip the reply.
//
//   - OP_QUERY (2004): only used by drivers for the initial handshake against
//     <db>.$cmd. The command may be wrapped in $query.
//
//   - OP_REPLY (1): reply to an OP_QUERY.
//
// Message framing (reading exactly one length prefixed message from a stream) is
// done by the transport layer, see rpc/transport/base.
//
// Thread Safety:
//
//	The serializer is stateless and safe for concurrent use.
//
// Usage:
//
//	s := serializer.NewWireSerializer(48 * 1000 * 1000)
//	var msg common.Message
//	if err := s.Deserialize(frame, &msg); err != nil {
//		// *ProtocolError: close the connection
//	}
//	reply, err := s.Serialize(*common.NewMsgReply(&msg, nextID, bson.D{{Key: "ok", Value: 1.0}}))
package serializer
