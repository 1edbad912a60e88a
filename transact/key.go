package transact

import (
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/sipgox/sipstack/internal/idutil"
	"github.com/sipgox/sipstack/sipmsg"
)

// Role distinguishes the UAC and UAS halves of a transaction key, per
// spec.md §3.1.
type Role byte

const (
	RoleUAC Role = 'c'
	RoleUAS Role = 's'
)

func (r Role) String() string { return string(r) }

// Key is a transaction key as defined in spec.md §3.1: an immutable,
// case-insensitively hashed byte string uniquely identifying a transaction
// within the registry.
type Key struct {
	raw  string
	hash uint32
}

// fnv1aUpper computes a 32-bit FNV-1a hash over the ASCII-uppercased bytes
// of s, giving the registry a case-insensitive hash without allocating an
// uppercased copy.
func fnv1aUpper(s string) uint32 {
	const (
		offset = 2166136261
		prime  = 16777619
	)
	h := uint32(offset)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		h ^= uint32(c)
		h *= prime
	}
	return h
}

func newKey(raw string) Key {
	return Key{raw: raw, hash: fnv1aUpper(raw)}
}

// String returns the canonical byte string of the key.
func (k Key) String() string { return k.raw }

// Hash returns the precomputed case-insensitive 32-bit hash.
func (k Key) Hash() uint32 { return k.hash }

// IsZero reports whether the key was never populated.
func (k Key) IsZero() bool { return k.raw == "" }

// Equal compares two keys case-insensitively over ASCII, as required by
// spec.md §3.1.
func (k Key) Equal(o Key) bool {
	return k.hash == o.hash && strings.EqualFold(k.raw, o.raw)
}

// ParseKey reconstructs a Key from its canonical string form. Since a Key's
// wire form *is* its canonical byte string (there is no separate encoding),
// ParseKey(k.String()) always reproduces an equal Key — the round-trip
// property required by spec.md §8.
func ParseKey(s string) Key { return newKey(s) }

const sep = "$"

// keyMethod applies the CANCEL/ACK matching rule from spec.md §4.1: CANCEL
// and ACK always key against the method of the request they act on
// (INVITE), never against their own method name.
func keyMethod(m sipmsg.Method) sipmsg.Method {
	if m.Equal(sipmsg.ACK) || m.Equal(sipmsg.CANCEL) {
		return sipmsg.INVITE
	}
	return m
}

// NewKey builds the RFC 3261 form of a transaction key:
// "<role>$[<method>$]<branch>", omitting the method segment when the
// (CANCEL/ACK-normalized) method is INVITE.
func NewKey(role Role, method sipmsg.Method, branch string) Key {
	m := keyMethod(method)
	var b strings.Builder
	b.WriteByte(byte(role))
	b.WriteString(sep)
	if !m.Equal(sipmsg.INVITE) {
		b.WriteString(string(m))
		b.WriteString(sep)
	}
	b.WriteString(branch)
	return newKey(b.String())
}

// NewLegacyKey builds the RFC 2543 fallback form used when the branch does
// not carry the RFC 3261 magic cookie:
// "<role>$[<method>$]<cseq-number>$<from-tag>$<call-id>$<via-host>:<via-port>".
func NewLegacyKey(
	role Role,
	method sipmsg.Method,
	cseqNum uint32,
	fromTag, callID string,
	viaHost string, viaPort int,
) Key {
	m := keyMethod(method)
	var b strings.Builder
	b.WriteByte(byte(role))
	b.WriteString(sep)
	if !m.Equal(sipmsg.INVITE) {
		b.WriteString(string(m))
		b.WriteString(sep)
	}
	b.WriteString(strconv.FormatUint(uint64(cseqNum), 10))
	b.WriteString(sep)
	b.WriteString(fromTag)
	b.WriteString(sep)
	b.WriteString(callID)
	b.WriteString(sep)
	b.WriteString(viaHost)
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(viaPort))
	return newKey(b.String())
}

// IsRFC3261Branch reports whether branch begins with the magic cookie and
// has at least one character after it, i.e. whether it identifies an
// RFC 3261-compliant transaction per spec.md §3.1.
func IsRFC3261Branch(branch string) bool {
	return strings.HasPrefix(branch, idutil.MagicCookie) &&
		len(branch) > len(idutil.MagicCookie)
}

// KeyFromMessage derives the key used to look up (or register) the
// transaction for msg, applying the RFC 3261 form when the top Via's branch
// carries the magic cookie and falling back to the RFC 2543 form otherwise.
// method is the method to key against before CANCEL/ACK normalization is
// applied — pass the transaction's own method for registration, or the
// CSeq method for matching an inbound message, exactly the raw values
// spec.md §4.1 says callers must supply.
func KeyFromMessage(role Role, method sipmsg.Method, msg sipmsg.Message) (Key, error) {
	via, ok := msg.TopVia()
	if !ok {
		return Key{}, errtrace.Wrap(ErrMissingHeader)
	}

	if branch, ok := via.Branch(); ok && IsRFC3261Branch(branch) {
		return NewKey(role, method, branch), nil
	}

	fromTag := msg.FromTag()
	if fromTag == "" {
		return Key{}, errtrace.Wrap(ErrMissingHeader)
	}
	callID := msg.CallID()
	if callID == "" {
		return Key{}, errtrace.Wrap(ErrMissingHeader)
	}

	return NewLegacyKey(role, method, msg.CSeq().Seq, fromTag, callID, via.Host, via.Port), nil
}
