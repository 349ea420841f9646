// Package wire implements the message codec of the RPC engine.
//
// A message consists of a fixed header, a table of segment lengths and the
// segment bodies:
//
//	+--------------------------------------+
//	| magic | version | type | opc | flags |
//	| status | handle | xid | transno      |
//	| last committed | bulk bits           |
//	| generation | segment count           |
//	+--------------------------------------+
//	| len[0] | len[1] | ... (padded to 8)  |
//	+--------------------------------------+
//	| body 0 (padded to 8)                 |
//	| body 1 (padded to 8)                 |
//	| ...                                  |
//	+--------------------------------------+
//
// The header is always little-endian. Bodies are written in the byte order of
// the sender, which is recorded in the MsgBodyBigEndian flag. A receiver
// converts a body with Message.SwabBuf, which runs the conversion at most
// once per segment and remembers this in a per message bit mask.
//
// Pack never returns a partially written buffer: a message that does not fit
// the limit fails with common.ErrMessageTooLarge before anything is written.
// Unpack validates magic, version, segment count and lengths and fails with
// common.ErrMalformedMessage.
package wire
