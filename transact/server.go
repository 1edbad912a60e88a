package transact

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/qmuntal/stateless"

	"braces.dev/errtrace"

	"github.com/sipgox/sipstack/internal/timeutil"
	"github.com/sipgox/sipstack/sipmsg"
)

// ServerTransaction is the UAS role of spec.md §3.2/§4.5: it owns the
// request it answers, the response address computed at creation, and the
// last response transmit buffer.
type ServerTransaction interface {
	Transaction
	// Request returns the request that started the transaction.
	Request() *sipmsg.Request
	// Respond sends res as this transaction's response (or the next one, for
	// a provisional followed by a final), per spec.md §4.5.2/§4.5.3.
	Respond(ctx context.Context, res *sipmsg.Response) error
	// RecvRequest feeds a retransmission of the original request (or, for
	// INVITE, the matching ACK) into the transaction.
	RecvRequest(ctx context.Context, req *sipmsg.Request) error
}

// ServerTransactionOptions configures a new server transaction.
type ServerTransactionOptions struct {
	// Transport is the connection the request arrived on, when
	// connection-oriented. Leave nil for a datagram transport.
	Transport Transport
	Endpoint  Endpoint
	DNS       DNSResolver
	Registry  *Registry
	Timings   Timings
	Logger    *slog.Logger
}

func (o *ServerTransactionOptions) logger() *slog.Logger {
	if o == nil {
		return nil
	}
	return o.Logger
}

func (o *ServerTransactionOptions) timings() Timings {
	if o == nil {
		return Timings{}
	}
	return o.Timings
}

// serverBase holds the fields shared by [InviteServerTransaction] and
// [NonInviteServerTransaction].
type serverBase struct {
	*base
	req      *sipmsg.Request
	lastTx   atomic.Pointer[sipmsg.Response]
	addr     ResponseAddr
	ep       Endpoint
	timings  Timings
	reg      *Registry
	lastState atomic.Int32

	retransmit *timeutil.Slot // UAS Timer G and the periodic 1xx retransmit (INVITE only)
	timeout    *timeutil.Slot // UAS Timer H/I/J

	fsm *stateless.StateMachine

	destroyOnce sync.Once
}

func newServerBase(method sipmsg.Method, req *sipmsg.Request, opts *ServerTransactionOptions) (*serverBase, error) {
	if req == nil {
		return nil, errtrace.Wrap(fmt.Errorf("%w: nil request", ErrInvalid))
	}

	via, ok := req.TopVia()
	if !ok {
		return nil, errtrace.Wrap(fmt.Errorf("%w: request has no Via", ErrMissingHeader))
	}
	branch, _ := via.Branch()
	if branch == "" {
		return nil, errtrace.Wrap(fmt.Errorf("%w: request Via has no branch", ErrMissingHeader))
	}
	if !IsRFC3261Branch(branch) {
		return nil, errtrace.Wrap(fmt.Errorf("%w: non-RFC3261 branch %q unsupported for UAS creation", ErrInvalidHeader, branch))
	}

	key := NewKey(RoleUAS, method, branch)

	sb := &serverBase{
		base:    newBase(key, method, opts.logger()),
		req:     req,
		timings: opts.timings(),
	}
	if opts != nil {
		sb.ep = opts.Endpoint
		sb.reg = opts.Registry
		sb.addr = NewResponseAddr(req, opts.Transport, opts.DNS)
	}
	sb.retransmit = timeutil.NewSlot("retransmit")
	sb.timeout = timeutil.NewSlot("timeout")
	return sb, nil
}

// Request returns the request that started the transaction.
func (sb *serverBase) Request() *sipmsg.Request { return sb.req }

func (sb *serverBase) priorState() TransactionState {
	return TransactionState(sb.lastState.Load())
}

func (sb *serverBase) noteState(to TransactionState) {
	sb.lastState.Store(int32(to))
}

func (sb *serverBase) register(entry Entry) error {
	if sb.reg == nil {
		return nil
	}
	return errtrace.Wrap(sb.reg.Register(entry, sb.gl))
}

func (sb *serverBase) unregister() {
	sb.destroyOnce.Do(func() {
		sb.retransmit.Stop()
		sb.timeout.Stop()
		if sb.reg != nil {
			sb.reg.Unregister(sb.key)
		}
		sb.gl.MarkDestroyable()
	})
}

// send delivers res over the sticky connection when the request arrived on
// one, otherwise over the precomputed fallback address, per spec.md §4.5.1.
func (sb *serverBase) send(ctx context.Context, res *sipmsg.Response, onErr func(ctx context.Context, err error)) {
	if sb.addr.Sticky != nil {
		sb.gl.AddRef()
		status, err := sb.addr.Sticky.Send(ctx, res.Payload, "", sb, func(ctx context.Context, err error) {
			sb.gl.DecRef()
			if err != nil {
				onErr(ctx, err)
			}
		})
		if status == SendCompleted {
			sb.gl.DecRef()
		}
		if err != nil {
			onErr(ctx, err)
		}
		return
	}

	if sb.ep == nil {
		onErr(ctx, errtrace.Wrap(fmt.Errorf("%w: no sticky connection and no endpoint fallback configured", ErrInvalid)))
		return
	}

	sb.gl.AddRef()
	status, _, err := sb.ep.SendResponse(ctx, sb.addr, res.Payload, sb, func(ctx context.Context, err error) {
		sb.gl.DecRef()
		if err != nil {
			onErr(ctx, err)
		}
	})
	if status == SendCompleted {
		sb.gl.DecRef()
	}
	if err != nil {
		onErr(ctx, err)
	}
}

func (sb *serverBase) isReliable() bool { return sb.addr.IsReliable }

// matchesOriginal reports whether req is a retransmission of the request
// this transaction was created from, by branch comparison, as opposed to a
// CANCEL or an unrelated message sharing the same dialog.
func (sb *serverBase) matchesOriginal(req *sipmsg.Request) bool {
	via, ok := req.TopVia()
	if !ok {
		return false
	}
	reqBranch, _ := via.Branch()
	origVia, _ := sb.req.TopVia()
	origBranch, _ := origVia.Branch()
	return reqBranch != "" && reqBranch == origBranch
}
