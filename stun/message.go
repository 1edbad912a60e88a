// Package stun implements the STUN (RFC 5389-family) client transaction
// engine that structurally mirrors the SIP transaction layer in
// [github.com/sipgox/sipstack/transact]: a geometric-then-capped retransmit
// schedule, response matching by a 96-bit transaction ID, and a single
// completion callback per request.
//
// Like [github.com/sipgox/sipstack/sipmsg], this package is deliberately
// not a STUN wire encoder/decoder — attribute TLV encoding (USERNAME,
// REALM, MESSAGE-INTEGRITY, FINGERPRINT) is out of scope. What it owns is
// the fixed 20-byte STUN header layout: the 96-bit transaction ID lives at
// a known byte offset regardless of which attributes follow it, so a
// transaction only ever needs to read/write that one field in an
// already-encoded buffer.
package stun

import "encoding/binary"

// MagicCookie is the fixed 32-bit value RFC 5389 §6 requires at bytes 4..8
// of every STUN header.
const MagicCookie uint32 = 0x2112A442

// headerLen is the fixed STUN header size: 2 bytes type, 2 bytes length,
// 4 bytes magic cookie, 12 bytes transaction ID.
const headerLen = 20

// TransactionID is the 96-bit STUN transaction ID of RFC 5389 §6.
type TransactionID [12]byte

// MessageClass is the two-bit class encoded in a STUN message's type field.
type MessageClass uint8

const (
	ClassRequest        MessageClass = 0x0
	ClassIndication     MessageClass = 0x1
	ClassSuccessResp    MessageClass = 0x2
	ClassErrorResp      MessageClass = 0x3
)

// Message is an already-encoded STUN packet: a buffer this package never
// mutates beyond what [SetTransactionID] is explicitly asked to do, plus
// the handful of header fields the client transaction and session need to
// read without a full attribute parse.
type Message struct {
	Method MessageMethod
	Class  MessageClass
	Raw    []byte // the full encoded packet, including the 20-byte header
}

// MessageMethod is the 12-bit method encoded in a STUN message's type
// field, e.g. 0x0001 for Binding.
type MessageMethod uint16

const MethodBinding MessageMethod = 0x0001

// TransactionID extracts the 96-bit transaction ID from bytes 8..20 of the
// encoded header, per RFC 5389 §6. It panics if Raw is shorter than the
// fixed header — the caller (a parser living outside this package) is
// expected to have validated that already.
func (m Message) TransactionID() TransactionID {
	var id TransactionID
	copy(id[:], m.Raw[8:headerLen])
	return id
}

// SetTransactionID overwrites bytes 8..20 of Raw in place. It is used once,
// by [NewClientTransaction], to stamp a freshly generated ID into a caller
// built request buffer; the buffer is never mutated again afterward.
func (m Message) SetTransactionID(id TransactionID) {
	copy(m.Raw[8:headerLen], id[:])
}

// HasMagicCookie reports whether bytes 4..8 of Raw carry [MagicCookie].
func (m Message) HasMagicCookie() bool {
	if len(m.Raw) < headerLen {
		return false
	}
	return binary.BigEndian.Uint32(m.Raw[4:8]) == MagicCookie
}

// IsSuccess reports whether m is a success-class response (0x0101 type
// field for Binding), the binding a client transaction matches a completed
// request against.
func (m Message) IsSuccess() bool { return m.Class == ClassSuccessResp }

// IsError reports whether m is an error-class response.
func (m Message) IsError() bool { return m.Class == ClassErrorResp }
