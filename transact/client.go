package transact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/qmuntal/stateless"

	"braces.dev/errtrace"

	"github.com/sipgox/sipstack/internal/idutil"
	"github.com/sipgox/sipstack/internal/timeutil"
	"github.com/sipgox/sipstack/sipmsg"
)

// ClientTransaction is the UAC role of spec.md §3.2/§4.4.2: it owns the
// request it sent, the last transmit buffer, and the retransmit/timeout
// timers driving it toward a final outcome.
type ClientTransaction interface {
	Transaction
	// Request returns the request that started the transaction.
	Request() *sipmsg.Request
	// LastResponse returns the last response delivered to the TU, or nil.
	LastResponse() *sipmsg.Response
	// RecvResponse is called by the transport/transaction layer for every
	// inbound response whose transaction key matches this transaction.
	RecvResponse(ctx context.Context, res *sipmsg.Response) error
	// StopRetransmit cancels the retransmit timer without changing state
	// (UAC INVITE only — a no-op on non-INVITE), per spec.md §4.4.4.
	StopRetransmit()
	// SetTimeout overrides the remaining time before the overall timeout
	// fires. It fails with [ErrExists] if a final response was already
	// received, per spec.md §4.4.4.
	SetTimeout(ctx context.Context, d timeutil.Snapshot) error
}

// ClientTransactionOptions configures a new client transaction.
type ClientTransactionOptions struct {
	// Transport is the already-bound transport to send over. If nil,
	// Endpoint.SendRequestStateless is used for the first send and whatever
	// transport that resolves to is remembered for retransmissions.
	Transport Transport
	// Endpoint provides RFC 3263 stateless sending when Transport is nil.
	Endpoint Endpoint
	// Registry receives the transaction for inbound response dispatch. If
	// nil, the transaction is usable but never discoverable by a
	// [Layer].
	Registry *Registry
	Timings  Timings
	Logger   *slog.Logger
}

func (o *ClientTransactionOptions) logger() *slog.Logger {
	if o == nil {
		return nil
	}
	return o.Logger
}

func (o *ClientTransactionOptions) timings() Timings {
	if o == nil {
		return Timings{}
	}
	return o.Timings
}

// clientBase holds the fields shared by [InviteClientTransaction] and
// [NonInviteClientTransaction].
type clientBase struct {
	*base
	req     *sipmsg.Request
	lastTx  atomic.Pointer[sipmsg.Request] // the buffer actually on the wire (INVITE, or the generated ACK)
	tp      atomic.Pointer[transportRef]
	ep      Endpoint
	timings Timings
	reg     *Registry

	retransmit      *timeutil.Slot
	timeout         *timeutil.Slot
	retransmitCount atomic.Int32
	lastState       atomic.Int32 // TransactionState, updated by noteState around every notify

	fsm *stateless.StateMachine

	pendingResMu sync.Mutex
	onResponse   []*ResponseHandler

	destroyOnce sync.Once
}

// ResponseHandler receives every inbound response delivered to the TU.
type ResponseHandler func(ctx context.Context, res *sipmsg.Response)

type transportRef struct {
	tp       Transport
	addr     string
	reliable bool
}

func newClientBase(method sipmsg.Method, req *sipmsg.Request, opts *ClientTransactionOptions) (*clientBase, error) {
	if req == nil {
		return nil, errtrace.Wrap(fmt.Errorf("%w: nil request", ErrInvalid))
	}
	if method.Equal(sipmsg.ACK) {
		return nil, errtrace.Wrap(fmt.Errorf("%w: ACK is never a UAC transaction", ErrInvalidMethod))
	}

	if len(req.ViaList) == 0 {
		req.ViaList = append(req.ViaList, sipmsg.Via{Transport: "UDP"})
	}
	via := &req.ViaList[0]
	if branch, ok := via.Branch(); !ok || branch == "" || !strings.HasPrefix(branch, idutil.MagicCookie) {
		if via.Params == nil {
			via.Params = make(map[string]string)
		}
		via.Params["branch"] = idutil.NewBranch()
	}

	key := NewKey(RoleUAC, method, mustBranch(req))

	cb := &clientBase{
		base:    newBase(key, method, opts.logger()),
		req:     req,
		timings: opts.timings(),
	}
	if opts != nil {
		cb.ep = opts.Endpoint
		cb.reg = opts.Registry
		if opts.Transport != nil {
			cb.tp.Store(&transportRef{tp: opts.Transport, reliable: opts.Transport.Reliable()})
		}
	}
	cb.lastTx.Store(req)
	cb.retransmit = timeutil.NewSlot("retransmit")
	cb.timeout = timeutil.NewSlot("timeout")
	return cb, nil
}

func mustBranch(req *sipmsg.Request) string {
	via, _ := req.TopVia()
	b, _ := via.Branch()
	return b
}

// Request returns the request that started the transaction.
func (cb *clientBase) Request() *sipmsg.Request { return cb.req }

// LastResponse is overridden per-FSM-type where the value is actually
// tracked (both FSMs store it on their concrete type so the snapshot types
// stay distinct).

func (cb *clientBase) register(entry Entry) error {
	if cb.reg == nil {
		return nil
	}
	return errtrace.Wrap(cb.reg.Register(entry, cb.gl))
}

func (cb *clientBase) unregister() {
	cb.destroyOnce.Do(func() {
		cb.retransmit.Stop()
		cb.timeout.Stop()
		if cb.reg != nil {
			cb.reg.Unregister(cb.key)
		}
		cb.gl.MarkDestroyable()
	})
}

// OnResponse subscribes fn to every inbound response delivered to the TU.
func (cb *clientBase) OnResponse(fn ResponseHandler) (unsubscribe func()) {
	p := &fn
	cb.pendingResMu.Lock()
	cb.onResponse = append(cb.onResponse, p)
	cb.pendingResMu.Unlock()
	return func() {
		cb.pendingResMu.Lock()
		defer cb.pendingResMu.Unlock()
		for i, h := range cb.onResponse {
			if h == p {
				cb.onResponse = append(cb.onResponse[:i], cb.onResponse[i+1:]...)
				return
			}
		}
	}
}

func (cb *clientBase) deliverResponse(ctx context.Context, res *sipmsg.Response) {
	cb.pendingResMu.Lock()
	handlers := append([]*ResponseHandler(nil), cb.onResponse...)
	cb.pendingResMu.Unlock()
	for _, h := range handlers {
		(*h)(ctx, res)
	}
}

// send hands buf to the bound transport, or falls back to the endpoint's
// stateless sender and remembers whatever transport that resolves to, per
// spec.md §4.6.
func (cb *clientBase) send(ctx context.Context, buf *sipmsg.Request, onErr func(ctx context.Context, err error)) {
	if ref := cb.tp.Load(); ref != nil {
		cb.gl.AddRef() // kept alive while the async send is outstanding
		status, err := ref.tp.Send(ctx, buf.Payload, ref.addr, cb, func(ctx context.Context, err error) {
			cb.gl.DecRef()
			if err != nil {
				onErr(ctx, classifySendErr(err))
			}
		})
		if status == SendCompleted {
			cb.gl.DecRef()
		}
		if err != nil {
			onErr(ctx, classifySendErr(err))
		}
		return
	}

	if cb.ep == nil {
		onErr(ctx, errtrace.Wrap(fmt.Errorf("%w: no transport bound and no endpoint fallback configured", ErrInvalid)))
		return
	}

	cb.gl.AddRef()
	status, tp, err := cb.ep.SendRequestStateless(ctx, buf, buf.Payload, cb, func(ctx context.Context, err error) {
		cb.gl.DecRef()
		if err != nil {
			onErr(ctx, classifySendErr(err))
		}
	})
	if tp != nil {
		cb.tp.Store(&transportRef{tp: tp, reliable: tp.Reliable()})
	}
	if status == SendCompleted {
		cb.gl.DecRef()
	}
	if err != nil {
		onErr(ctx, classifySendErr(err))
	}
}

// priorState returns the state recorded by the last noteState call, or
// StateNull before the first one.
func (cb *clientBase) priorState() TransactionState {
	return TransactionState(cb.lastState.Load())
}

// noteState records to so the next transition's notify call can report an
// accurate "from", even when the trigger that caused it (e.g. Terminate) is
// permitted from more than one state.
func (cb *clientBase) noteState(to TransactionState) {
	cb.lastState.Store(int32(to))
}

func (cb *clientBase) isReliable() bool {
	if ref := cb.tp.Load(); ref != nil {
		return ref.reliable
	}
	return false
}

// classifySendErr maps a transport failure to the UAC terminal status
// spec.md §4.6 item 3 describes: DNS/resolution failures (errors wrapping
// [ErrNotFound], as produced by this package's DNS resolution) become
// "502 Bad Gateway"-equivalent, everything else is a generic
// "503 Service Unavailable"-equivalent transport error.
func classifySendErr(err error) error {
	code := 503
	if errors.Is(err, ErrNotFound) {
		code = 502
	}
	return &TransportError{Code: code, Err: err}
}
