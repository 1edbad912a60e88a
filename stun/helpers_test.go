package stun_test

import (
	"context"
	"sync"

	"github.com/sipgox/sipstack/stun"
)

// newTestRequest builds a minimal, well-formed STUN Binding request header:
// type field (class=request, method=Binding), magic cookie, and a zero
// transaction ID left for [stun.NewClientTransaction] to fill in.
func newTestRequest() stun.Message {
	raw := make([]byte, 20)
	raw[0], raw[1] = 0x00, 0x01 // Binding request type field
	raw[2], raw[3] = 0x00, 0x00 // length: no attributes
	raw[4], raw[5], raw[6], raw[7] = 0x21, 0x12, 0xa4, 0x42
	return stun.Message{Method: stun.MethodBinding, Class: stun.ClassRequest, Raw: raw}
}

// newTestResponse builds a success response sharing id, as would arrive
// over the wire in reply to a request built by newTestRequest.
func newTestResponse(id stun.TransactionID) stun.Message {
	raw := make([]byte, 20)
	raw[0], raw[1] = 0x01, 0x01 // Binding success response type field
	raw[4], raw[5], raw[6], raw[7] = 0x21, 0x12, 0xa4, 0x42
	copy(raw[8:20], id[:])
	return stun.Message{Method: stun.MethodBinding, Class: stun.ClassSuccessResp, Raw: raw}
}

// fakeSender records every packet handed to it, standing in for
// [stun.Sender] the way fakeTransport stands in for transact.Transport.
type fakeSender struct {
	mu   sync.Mutex
	sent []string // destinations, in send order
	raw  [][]byte // packet bytes, in send order
}

func (f *fakeSender) SendPacket(ctx context.Context, raw []byte, dest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, dest)
	f.raw = append(f.raw, raw)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}
