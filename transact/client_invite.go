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

	"github.com/sipgox/sipstack/internal/timeutil"
	"github.com/sipgox/sipstack/sipmsg"
)

// InviteClientTransaction is the UAC INVITE transaction of RFC 3261 §17.1.1,
// spec.md §4.4.2.
type InviteClientTransaction struct {
	*clientBase
	lastRes atomic.Pointer[sipmsg.Response]
}

const (
	evtSend         = "send"
	evtRecv1xx      = "recv_1xx"
	evtRecv2xx      = "recv_2xx"
	evtRecv300699   = "recv_300_699"
	evtTimerRetrans = "timer_retransmit"
	evtTimerTimeout = "timer_timeout"
	evtTimerD       = "timer_d"
	evtTranspErr    = "transport_error"
	evtTerminate    = "terminate"
)

// NewInviteClientTransaction creates and starts a UAC INVITE transaction:
// registers it (if opts.Registry is set), sends req, and arms the
// timeout timer (always) and the retransmit timer (unreliable transports
// only), per spec.md §4.4.2 steps 1-4.
func NewInviteClientTransaction(
	ctx context.Context,
	req *sipmsg.Request,
	opts *ClientTransactionOptions,
) (*InviteClientTransaction, error) {
	if !req.RequestMethod.Equal(sipmsg.INVITE) {
		return nil, errtrace.Wrap(fmt.Errorf("%w: not an INVITE request", ErrInvalidMethod))
	}

	cb, err := newClientBase(sipmsg.INVITE, req, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	tx := &InviteClientTransaction{clientBase: cb}
	if err := tx.register(tx); err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.initFSM()

	if err := tx.fsm.FireCtx(ctx, evtSend); err != nil {
		tx.unregister()
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

func (tx *InviteClientTransaction) initFSM() {
	tx.fsm = stateless.NewStateMachine(StateCalling)
	tx.fsm.SetTriggerParameters(evtRecv1xx, reflect.TypeFor[*sipmsg.Response]())
	tx.fsm.SetTriggerParameters(evtRecv2xx, reflect.TypeFor[*sipmsg.Response]())
	tx.fsm.SetTriggerParameters(evtRecv300699, reflect.TypeFor[*sipmsg.Response]())
	tx.fsm.SetTriggerParameters(evtTranspErr, reflect.TypeFor[error]())
	tx.fsm.SetTriggerParameters(evtTimerRetrans, reflect.TypeFor[time.Duration]())

	tx.fsm.Configure(StateCalling).
		OnEntryFrom(evtSend, tx.actSend).
		PermitReentry(evtSend).
		InternalTransition(evtTimerRetrans, tx.actRetransmit).
		Permit(evtRecv1xx, StateProceeding).
		Permit(evtRecv2xx, StateTerminated).
		Permit(evtRecv300699, StateCompleted).
		Permit(evtTimerTimeout, StateTerminated).
		Permit(evtTranspErr, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateProceeding).
		OnEntryFrom(evtRecv1xx, tx.actDeliver1xx).
		InternalTransition(evtRecv1xx, tx.actDeliver1xx).
		Permit(evtRecv2xx, StateTerminated).
		Permit(evtRecv300699, StateCompleted).
		Permit(evtTimerTimeout, StateTerminated).
		Permit(evtTranspErr, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateCompleted).
		OnEntryFrom(evtRecv300699, tx.actAckAndArmD).
		InternalTransition(evtRecv300699, tx.actResendAck).
		Permit(evtTimerD, StateTerminated).
		Permit(evtTranspErr, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateTerminated).
		OnEntryFrom(evtRecv2xx, tx.actFinal2xx).
		OnEntryFrom(evtTimerTimeout, tx.actTimeout).
		OnEntryFrom(evtTranspErr, tx.actTranspErrTerminated).
		OnEntryFrom(evtTimerD, tx.actDone).
		OnEntryFrom(evtTerminate, tx.actDone).
		Ignore(evtTerminate)
}

func (tx *InviteClientTransaction) armTimeout(ctx context.Context) {
	tx.timeout.Reset(tx.timings.Timeout(), func() {
		tx.fsm.FireCtx(ctx, evtTimerTimeout) //nolint:errcheck
	})
}

func (tx *InviteClientTransaction) actSend(ctx context.Context, _ ...any) error {
	tx.send(ctx, tx.req, tx.onTranspErr(ctx))
	tx.armTimeout(ctx)
	if !tx.isReliable() {
		tx.retransmit.Reset(tx.timings.T1(), tx.makeRetransmitFire(ctx, tx.timings.T1()))
	}
	tx.notify(ctx, tx.priorState(), StateCalling, EventTxMsg)
	tx.noteState(StateCalling)
	return nil
}

func (tx *InviteClientTransaction) makeRetransmitFire(ctx context.Context, prevInterval time.Duration) func() {
	return func() {
		tx.fsm.FireCtx(ctx, evtTimerRetrans, prevInterval) //nolint:errcheck
	}
}

func (tx *InviteClientTransaction) actRetransmit(ctx context.Context, args ...any) error {
	prev := tx.timings.T1()
	if len(args) > 0 {
		if d, ok := args[0].(time.Duration); ok {
			prev = d
		}
	}
	tx.retransmitCount.Add(1)
	tx.send(ctx, tx.req, tx.onTranspErr(ctx))

	// Uncapped exponential doubling for INVITE, per spec.md §4.4.2.
	next := prev * 2
	tx.retransmit.Reset(next, tx.makeRetransmitFire(ctx, next))
	tx.log.LogAttrs(ctx, slog.LevelDebug, "retransmit INVITE",
		slog.Any("key", tx.key), slog.Duration("next", next))
	return nil
}

func (tx *InviteClientTransaction) onTranspErr(ctx context.Context) func(context.Context, error) {
	return func(ctx context.Context, err error) {
		fireErr := tx.fsm.FireCtx(ctx, evtTranspErr, err)
		if fireErr != nil {
			tx.log.LogAttrs(ctx, slog.LevelWarn, "transport error delivered to a non-receptive state",
				slog.Any("key", tx.key), slog.Any("error", err))
		}
	}
}

func (tx *InviteClientTransaction) actDeliver1xx(ctx context.Context, args ...any) error {
	res := args[0].(*sipmsg.Response) //nolint:forcetypeassert
	tx.lastRes.Store(res)
	tx.statusCode.Store(int32(res.Status))
	tx.retransmit.Stop()
	tx.deliverResponse(ctx, res)
	tx.notify(ctx, tx.priorState(), StateProceeding, EventRxMsg)
	tx.noteState(StateProceeding)
	return nil
}

func (tx *InviteClientTransaction) actFinal2xx(ctx context.Context, args ...any) error {
	res := args[0].(*sipmsg.Response) //nolint:forcetypeassert
	tx.lastRes.Store(res)
	tx.statusCode.Store(int32(res.Status))
	tx.retransmit.Stop()
	tx.timeout.Stop()
	from := tx.priorState()
	tx.deliverResponse(ctx, res)
	// RFC 3261: the dialog layer, not this transaction, generates the ACK
	// for a 2xx. last_tx still holds the INVITE after Terminated.
	tx.notify(ctx, from, StateTerminated, EventRxMsg)
	tx.noteState(StateTerminated)
	tx.finish(ctx)
	return nil
}

func (tx *InviteClientTransaction) actAckAndArmD(ctx context.Context, args ...any) error {
	res := args[0].(*sipmsg.Response) //nolint:forcetypeassert
	tx.lastRes.Store(res)
	tx.statusCode.Store(int32(res.Status))
	tx.retransmit.Stop()
	tx.timeout.Stop()

	ack := sipmsg.NewAck(tx.req, res)
	tx.lastTx.Store(ack)
	tx.send(ctx, ack, tx.onTranspErr(ctx))

	d := tx.timings.TD()
	if tx.isReliable() {
		d = 0
	}
	tx.timeout.Reset(d, func() {
		tx.fsm.FireCtx(ctx, evtTimerD) //nolint:errcheck
	})

	from := tx.priorState()
	tx.deliverResponse(ctx, res)
	tx.notify(ctx, from, StateCompleted, EventRxMsg)
	tx.noteState(StateCompleted)
	return nil
}

// actResendAck absorbs a retransmitted non-2xx final response by resending
// the cached ACK, per spec.md §4.4.2 ("Completed: absorb late
// retransmissions ... ACK ... is retransmitted by reusing last_tx") and the
// absorption invariant of spec.md §8 — no TU notification here.
func (tx *InviteClientTransaction) actResendAck(ctx context.Context, _ ...any) error {
	ack := tx.lastTx.Load()
	tx.send(ctx, ack, tx.onTranspErr(ctx))
	return nil
}

// actTimeout handles Timer B: no final response arrived in time, reported to
// the TU as the TSX_TIMEOUT status 408, per spec.md §4.4.2/§6.5.
func (tx *InviteClientTransaction) actTimeout(ctx context.Context, _ ...any) error {
	tx.retransmit.Stop()
	tx.timeout.Stop()
	tx.statusCode.Store(408)
	from := tx.priorState()
	tx.notify(ctx, from, StateTerminated, EventTimer)
	tx.noteState(StateTerminated)
	tx.finish(ctx)
	return nil
}

func (tx *InviteClientTransaction) actTranspErrTerminated(ctx context.Context, args ...any) error {
	tx.retransmit.Stop()
	tx.timeout.Stop()
	tx.statusCode.Store(int32(transportErrCode(args)))
	from := tx.priorState()
	tx.notify(ctx, from, StateTerminated, EventTransportError)
	tx.noteState(StateTerminated)
	tx.finish(ctx)
	return nil
}

// actDone finishes the transaction from either Timer D firing in Completed
// or an explicit Terminate call from any reachable state.
func (tx *InviteClientTransaction) actDone(ctx context.Context, _ ...any) error {
	tx.retransmit.Stop()
	tx.timeout.Stop()
	from := tx.priorState()
	tx.notify(ctx, from, StateTerminated, EventTimer)
	tx.noteState(StateTerminated)
	tx.finish(ctx)
	return nil
}

func (tx *InviteClientTransaction) finish(ctx context.Context) {
	tx.unregister()
}

// State returns the current FSM state.
func (tx *InviteClientTransaction) State() TransactionState {
	st, err := tx.fsm.State(context.Background())
	if err != nil {
		return StateNull
	}
	return st.(TransactionState) //nolint:forcetypeassert
}

// LastResponse returns the last response delivered to the TU, or nil.
func (tx *InviteClientTransaction) LastResponse() *sipmsg.Response { return tx.lastRes.Load() }

// RecvResponse dispatches res to the FSM based on its status class, per
// spec.md §4.4.2.
func (tx *InviteClientTransaction) RecvResponse(ctx context.Context, res *sipmsg.Response) error {
	switch {
	case res.IsProvisional():
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, evtRecv1xx, res))
	case res.IsSuccess():
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, evtRecv2xx, res))
	default:
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, evtRecv300699, res))
	}
}

// StopRetransmit cancels the retransmit timer without changing state, so
// the TU can stop flooding the wire while still waiting up to the overall
// timeout, per spec.md §4.4.4.
func (tx *InviteClientTransaction) StopRetransmit() { tx.retransmit.Stop() }

// SetTimeout overrides the remaining time before the timeout timer fires.
// It fails with [ErrExists] once a final response has already been
// received, per spec.md §4.4.4.
func (tx *InviteClientTransaction) SetTimeout(ctx context.Context, snap timeutil.Snapshot) error {
	if tx.State().GEq(StateCompleted) {
		return errtrace.Wrap(ErrExists)
	}
	tx.timeout.Restore(snap, func() {
		tx.fsm.FireCtx(ctx, evtTimerTimeout) //nolint:errcheck
	})
	return nil
}

// Terminate forces the transaction to StateTerminated immediately. It is
// idempotent, per spec.md §4.4.4.
func (tx *InviteClientTransaction) Terminate(ctx context.Context) error {
	if tx.State().GEq(StateTerminated) {
		return nil
	}
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, evtTerminate))
}
