// Package idutil generates the process-unique tokens used as SIP Via branch
// suffixes and STUN transaction IDs.
package idutil

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"os"
	"sync/atomic"
)

// pid is mixed into every generated token so that two processes racing to
// generate a branch at the same nanosecond still can't collide.
var pid = uint32(os.Getpid())

var counter uint64

// MagicCookie is the RFC 3261 §8.1.1.7 branch prefix identifying an
// RFC 3261-compliant transaction ID.
const MagicCookie = "z9hG4bK"

// NewBranch returns a new branch parameter value beginning with
// [MagicCookie], unique for the lifetime of the process. It combines a
// monotonic counter, the process id and a random nonce, matching the
// "counter + random nonce + stable process identifier" scheme described by
// the specification's branch-generation section.
func NewBranch() string {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], atomic.AddUint64(&counter, 1))
	binary.BigEndian.PutUint32(buf[8:12], pid)
	_, _ = rand.Read(buf[12:16])
	return MagicCookie + base32.HexEncoding.WithPadding(base32.NoPadding).EncodeToString(buf[:])
}

// NewTsxID returns 12 random bytes suitable for use as a STUN transaction ID
// (RFC 5389 §6: the 96 bits following the 32-bit magic cookie in the STUN
// header).
func NewTsxID() [12]byte {
	var id [12]byte
	_, _ = rand.Read(id[:])
	return id
}
