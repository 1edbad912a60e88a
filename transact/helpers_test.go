package transact_test

import (
	"context"
	"sync"
	"testing"

	"github.com/sipgox/sipstack/sipmsg"
	"github.com/sipgox/sipstack/transact"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	return context.Background()
}

func newTestInviteRequest(t *testing.T, branch string) *sipmsg.Request {
	t.Helper()
	return &sipmsg.Request{
		RequestMethod: sipmsg.INVITE,
		RequestURI:    "sip:bob@example.com",
		Call:          "call-" + branch,
		From:          "sip:alice@example.com",
		FromTagVal:    "alicetag",
		To:            "sip:bob@example.com",
		Seq:           sipmsg.CSeq{Seq: 1, Method: sipmsg.INVITE},
		ViaList: []sipmsg.Via{
			{Transport: "UDP", Host: "10.0.0.1", Port: 5060, Params: map[string]string{"branch": branch}},
		},
		Payload: sipmsg.NewBody([]byte("INVITE sip:bob@example.com SIP/2.0\r\n\r\n")),
	}
}

func newTestNonInviteRequest(t *testing.T, method sipmsg.Method, branch string) *sipmsg.Request {
	t.Helper()
	return &sipmsg.Request{
		RequestMethod: method,
		RequestURI:    "sip:bob@example.com",
		Call:          "call-" + branch,
		From:          "sip:alice@example.com",
		FromTagVal:    "alicetag",
		To:            "sip:bob@example.com",
		Seq:           sipmsg.CSeq{Seq: 1, Method: method},
		ViaList: []sipmsg.Via{
			{Transport: "UDP", Host: "10.0.0.1", Port: 5060, Params: map[string]string{"branch": branch}},
		},
		Payload: sipmsg.NewBody([]byte(string(method) + " sip:bob@example.com SIP/2.0\r\n\r\n")),
	}
}

// fakeTransport is a minimal hand-rolled [transact.Transport] for tests that
// only need to observe/count sends, as opposed to the gomock-based
// [transactmock.MockTransport] used where call-order assertions matter.
type fakeTransport struct {
	reliable bool

	mu       sync.Mutex
	failNext bool
	sent     []sipmsg.Body
}

func newAlwaysOKTransport(t *testing.T) *fakeTransport {
	t.Helper()
	return &fakeTransport{}
}

func (f *fakeTransport) Flags() transact.TransportFlags {
	if f.reliable {
		return transact.FlagReliable
	}
	return 0
}

func (f *fakeTransport) Reliable() bool { return f.reliable }

func (f *fakeTransport) Send(ctx context.Context, body sipmsg.Body, addr string, token any, onSent transact.SendCallback) (transact.SendStatus, error) {
	f.mu.Lock()
	f.sent = append(f.sent, body)
	fail := f.failNext
	f.failNext = false
	f.mu.Unlock()
	if fail {
		return transact.SendCompleted, errSendFailed
	}
	return transact.SendCompleted, nil
}

// count reports how many sends the transport has observed so far. It takes
// the same lock Send uses, so it is safe to poll from a test goroutine while
// a transaction's own timer goroutine is still calling Send.
func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// failNextSend arms the transport to fail exactly its next Send call. Safe to
// call concurrently with Send, so a test can arm it after a transaction has
// already started its own timer goroutines.
func (f *fakeTransport) failNextSend() {
	f.mu.Lock()
	f.failNext = true
	f.mu.Unlock()
}

func (f *fakeTransport) AddStateListener(fn func(transact.TransportStateEvent)) func() {
	return func() {}
}

// fakeEndpoint adapts a fakeTransport to the [transact.Endpoint] fallback
// path used whenever a UAS response address has no sticky connection
// (i.e. the inbound transport is unreliable), mirroring how a real stack
// resolves a UDP response destination through its transport manager instead
// of the socket the request arrived on.
type fakeEndpoint struct {
	tp *fakeTransport
}

func (e *fakeEndpoint) SendRequestStateless(ctx context.Context, req *sipmsg.Request, body sipmsg.Body, token any, onSent transact.SendCallback) (transact.SendStatus, transact.Transport, error) {
	status, err := e.tp.Send(ctx, body, "", token, onSent)
	return status, e.tp, err
}

func (e *fakeEndpoint) SendResponse(ctx context.Context, addr transact.ResponseAddr, body sipmsg.Body, token any, onSent transact.SendCallback) (transact.SendStatus, transact.Transport, error) {
	status, err := e.tp.Send(ctx, body, addr.Raw, token, onSent)
	return status, e.tp, err
}

type sendFailedErr struct{}

func (sendFailedErr) Error() string { return "fake transport send failure" }

var errSendFailed = sendFailedErr{}
