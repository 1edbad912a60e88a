package transact

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/qmuntal/stateless"

	"braces.dev/errtrace"

	"github.com/sipgox/sipstack/sipmsg"
)

// InviteServerTransaction is the UAS INVITE transaction of RFC 3261
// §17.2.1, spec.md §4.5.2.
type InviteServerTransaction struct {
	*serverBase
	lastRes atomic.Pointer[sipmsg.Response]
}

const (
	evtRespond1xx    = "respond_1xx"
	evtRespond2xx    = "respond_2xx"
	evtRespond300699 = "respond_300_699"
	evtRecvReqRetx   = "recv_request_retransmit"
	evtRecvAck       = "recv_ack"
	evtTimerG        = "timer_g"
	evtTimerH        = "timer_h"
	evtTimerI        = "timer_i"
	evtTimer1xx      = "timer_1xx"
)

// NewInviteServerTransaction creates a UAS INVITE transaction for an
// already-received INVITE req. Unlike the client transactions, creation
// does not itself send anything: the TU supplies the first response via
// [InviteServerTransaction.Respond], per spec.md §4.5.2.
func NewInviteServerTransaction(req *sipmsg.Request, opts *ServerTransactionOptions) (*InviteServerTransaction, error) {
	if !req.RequestMethod.Equal(sipmsg.INVITE) {
		return nil, errtrace.Wrap(fmt.Errorf("%w: not an INVITE request", ErrInvalidMethod))
	}

	sb, err := newServerBase(sipmsg.INVITE, req, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	tx := &InviteServerTransaction{serverBase: sb}
	if err := tx.register(tx); err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.initFSM()
	tx.noteState(StateProceeding)
	return tx, nil
}

func (tx *InviteServerTransaction) initFSM() {
	tx.fsm = stateless.NewStateMachine(StateProceeding)
	tx.fsm.SetTriggerParameters(evtRespond1xx, reflect.TypeFor[*sipmsg.Response]())
	tx.fsm.SetTriggerParameters(evtRespond2xx, reflect.TypeFor[*sipmsg.Response]())
	tx.fsm.SetTriggerParameters(evtRespond300699, reflect.TypeFor[*sipmsg.Response]())
	tx.fsm.SetTriggerParameters(evtTranspErr, reflect.TypeFor[error]())
	tx.fsm.SetTriggerParameters(evtTimerG, reflect.TypeFor[time.Duration]())

	tx.fsm.Configure(StateProceeding).
		InternalTransition(evtRespond1xx, tx.actRespond1xx).
		InternalTransition(evtRecvReqRetx, tx.actResendLast).
		InternalTransition(evtTimer1xx, tx.actRetransmit1xx).
		Permit(evtRespond2xx, StateTerminated).
		Permit(evtRespond300699, StateCompleted).
		Permit(evtTranspErr, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateCompleted).
		OnEntryFrom(evtRespond300699, tx.actEnterCompleted).
		InternalTransition(evtTimerG, tx.actRetransmitG).
		InternalTransition(evtRecvReqRetx, tx.actResendLast).
		Permit(evtRecvAck, StateConfirmed).
		Permit(evtTimerH, StateTerminated).
		Permit(evtTranspErr, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateConfirmed).
		OnEntryFrom(evtRecvAck, tx.actEnterConfirmed).
		InternalTransition(evtRecvAck, tx.actAbsorbAck).
		Permit(evtTimerI, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateTerminated).
		OnEntryFrom(evtRespond2xx, tx.actFinal2xx).
		OnEntryFrom(evtTimerH, tx.actTimeout).
		OnEntryFrom(evtTranspErr, tx.actTranspErrTerminated).
		OnEntryFrom(evtTimerI, tx.actDone).
		OnEntryFrom(evtTerminate, tx.actDone).
		Ignore(evtTerminate)
}

func (tx *InviteServerTransaction) onTranspErr(ctx context.Context) func(context.Context, error) {
	return func(ctx context.Context, err error) {
		if fireErr := tx.fsm.FireCtx(ctx, evtTranspErr, err); fireErr != nil {
			tx.log.LogAttrs(ctx, slog.LevelWarn, "transport error delivered to a non-receptive state",
				slog.Any("key", tx.key), slog.Any("error", err))
		}
	}
}

func (tx *InviteServerTransaction) actRespond1xx(ctx context.Context, args ...any) error {
	res := args[0].(*sipmsg.Response) //nolint:forcetypeassert
	tx.lastRes.Store(res)
	tx.lastTx.Store(res)
	tx.statusCode.Store(int32(res.Status))
	tx.send(ctx, res, tx.onTranspErr(ctx))

	// RFC 3261 §17.2.1 / spec.md §4.4.3: a non-100 provisional is retransmitted
	// periodically every Timer1xx while Proceeding, on an unreliable transport.
	if !tx.isReliable() && res.Status > 100 {
		tx.retransmit.Reset(tx.timings.Timer1xx(), tx.makeRetransmit1xx(ctx))
	}

	tx.notify(ctx, StateProceeding, StateProceeding, EventTxMsg)
	return nil
}

func (tx *InviteServerTransaction) makeRetransmit1xx(ctx context.Context) func() {
	return func() {
		tx.fsm.FireCtx(ctx, evtTimer1xx) //nolint:errcheck
	}
}

// actRetransmit1xx resends the last provisional response and rearms the
// periodic Timer1xx retransmit, per spec.md §4.4.3.
func (tx *InviteServerTransaction) actRetransmit1xx(ctx context.Context, _ ...any) error {
	res := tx.lastTx.Load()
	if res == nil {
		return nil
	}
	tx.send(ctx, res, tx.onTranspErr(ctx))
	tx.retransmit.Reset(tx.timings.Timer1xx(), tx.makeRetransmit1xx(ctx))
	return nil
}

func (tx *InviteServerTransaction) actFinal2xx(ctx context.Context, args ...any) error {
	res := args[0].(*sipmsg.Response) //nolint:forcetypeassert
	tx.lastRes.Store(res)
	tx.lastTx.Store(res)
	tx.statusCode.Store(int32(res.Status))
	tx.send(ctx, res, tx.onTranspErr(ctx))
	// Per spec.md §4.5.2, a 2xx terminates the server transaction
	// immediately: retransmission of the 2xx and matching of the ACK
	// becomes the dialog layer's responsibility, not this transaction's.
	from := tx.priorState()
	tx.notify(ctx, from, StateTerminated, EventTxMsg)
	tx.noteState(StateTerminated)
	tx.finish(ctx)
	return nil
}

func (tx *InviteServerTransaction) actEnterCompleted(ctx context.Context, args ...any) error {
	res := args[0].(*sipmsg.Response) //nolint:forcetypeassert
	tx.lastRes.Store(res)
	tx.lastTx.Store(res)
	tx.statusCode.Store(int32(res.Status))
	tx.send(ctx, res, tx.onTranspErr(ctx))

	if !tx.isReliable() {
		tx.retransmit.Reset(tx.timings.T1(), tx.makeRetransmitG(ctx, tx.timings.T1()))
	}
	tx.timeout.Reset(tx.timings.Timeout(), func() {
		tx.fsm.FireCtx(ctx, evtTimerH) //nolint:errcheck
	})

	from := tx.priorState()
	tx.notify(ctx, from, StateCompleted, EventTxMsg)
	tx.noteState(StateCompleted)
	return nil
}

func (tx *InviteServerTransaction) makeRetransmitG(ctx context.Context, prevInterval time.Duration) func() {
	return func() {
		tx.fsm.FireCtx(ctx, evtTimerG, prevInterval) //nolint:errcheck
	}
}

// actRetransmitG resends the final response on Timer G, doubling the
// interval but capping at T2, per RFC 3261 §17.2.1.
func (tx *InviteServerTransaction) actRetransmitG(ctx context.Context, args ...any) error {
	prev := tx.timings.T1()
	if len(args) > 0 {
		if d, ok := args[0].(time.Duration); ok {
			prev = d
		}
	}
	res := tx.lastTx.Load()
	tx.send(ctx, res, tx.onTranspErr(ctx))

	next := prev * 2
	if t2 := tx.timings.T2(); next > t2 {
		next = t2
	}
	tx.retransmit.Reset(next, tx.makeRetransmitG(ctx, next))
	return nil
}

// actResendLast absorbs a retransmitted original INVITE by resending the
// last response sent so far, per spec.md §4.5.2/§8 absorption invariant.
// It is a no-op in Proceeding if no response has been sent yet.
func (tx *InviteServerTransaction) actResendLast(ctx context.Context, _ ...any) error {
	res := tx.lastTx.Load()
	if res == nil {
		return nil
	}
	tx.send(ctx, res, tx.onTranspErr(ctx))
	return nil
}

func (tx *InviteServerTransaction) actEnterConfirmed(ctx context.Context, _ ...any) error {
	tx.retransmit.Stop()

	d := tx.timings.T4()
	if tx.isReliable() {
		d = 0
	}
	tx.timeout.Reset(d, func() {
		tx.fsm.FireCtx(ctx, evtTimerI) //nolint:errcheck
	})

	from := tx.priorState()
	tx.notify(ctx, from, StateConfirmed, EventRxMsg)
	tx.noteState(StateConfirmed)
	return nil
}

func (tx *InviteServerTransaction) actAbsorbAck(ctx context.Context, _ ...any) error { return nil }

// actTimeout handles Timer H: the ACK confirming a non-2xx final response
// never arrived, reported to the TU as the TSX_TIMEOUT status 408, per
// spec.md §4.4.3/§6.5.
func (tx *InviteServerTransaction) actTimeout(ctx context.Context, _ ...any) error {
	tx.retransmit.Stop()
	tx.timeout.Stop()
	tx.statusCode.Store(408)
	from := tx.priorState()
	tx.notify(ctx, from, StateTerminated, EventTimer)
	tx.noteState(StateTerminated)
	tx.finish(ctx)
	return nil
}

func (tx *InviteServerTransaction) actTranspErrTerminated(ctx context.Context, args ...any) error {
	tx.retransmit.Stop()
	tx.timeout.Stop()
	tx.statusCode.Store(int32(transportErrCode(args)))
	from := tx.priorState()
	tx.notify(ctx, from, StateTerminated, EventTransportError)
	tx.noteState(StateTerminated)
	tx.finish(ctx)
	return nil
}

func (tx *InviteServerTransaction) actDone(ctx context.Context, _ ...any) error {
	tx.retransmit.Stop()
	tx.timeout.Stop()
	from := tx.priorState()
	tx.notify(ctx, from, StateTerminated, EventTimer)
	tx.noteState(StateTerminated)
	tx.finish(ctx)
	return nil
}

func (tx *InviteServerTransaction) finish(ctx context.Context) { tx.unregister() }

// State returns the current FSM state.
func (tx *InviteServerTransaction) State() TransactionState {
	st, err := tx.fsm.State(context.Background())
	if err != nil {
		return StateNull
	}
	return st.(TransactionState) //nolint:forcetypeassert
}

// Respond sends res as this transaction's response, dispatching on status
// class per spec.md §4.5.2.
func (tx *InviteServerTransaction) Respond(ctx context.Context, res *sipmsg.Response) error {
	switch {
	case res.IsProvisional():
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, evtRespond1xx, res))
	case res.IsSuccess():
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, evtRespond2xx, res))
	default:
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, evtRespond300699, res))
	}
}

// RecvRequest feeds an inbound request sharing this transaction's key into
// the FSM: a retransmitted INVITE, or the ACK terminating Completed, per
// spec.md §4.5.2.
func (tx *InviteServerTransaction) RecvRequest(ctx context.Context, req *sipmsg.Request) error {
	if req.RequestMethod.Equal(sipmsg.ACK) {
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, evtRecvAck))
	}
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, evtRecvReqRetx))
}

// LastResponse returns the last response sent, or nil.
func (tx *InviteServerTransaction) LastResponse() *sipmsg.Response { return tx.lastRes.Load() }

// Terminate forces the transaction to StateTerminated immediately. It is
// idempotent, per spec.md §4.5.4.
func (tx *InviteServerTransaction) Terminate(ctx context.Context) error {
	if tx.State().GEq(StateTerminated) {
		return nil
	}
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, evtTerminate))
}
