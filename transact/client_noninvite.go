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

// NonInviteClientTransaction is the UAC non-INVITE transaction of
// RFC 3261 §17.1.2, spec.md §4.4.3.
type NonInviteClientTransaction struct {
	*clientBase
	lastRes atomic.Pointer[sipmsg.Response]
}

const evtTimerK = "timer_k"

// NewNonInviteClientTransaction creates and starts a UAC non-INVITE
// transaction. Like [NewInviteClientTransaction], it registers, sends, and
// arms the timeout timer immediately; unlike INVITE, the retransmit
// interval caps at T2 and a final response is followed by a short linger
// (Timer K) before the transaction self-destroys, per spec.md §4.4.3.
func NewNonInviteClientTransaction(
	ctx context.Context,
	req *sipmsg.Request,
	opts *ClientTransactionOptions,
) (*NonInviteClientTransaction, error) {
	if req == nil {
		return nil, errtrace.Wrap(fmt.Errorf("%w: nil request", ErrInvalid))
	}
	if req.RequestMethod.Equal(sipmsg.INVITE) {
		return nil, errtrace.Wrap(fmt.Errorf("%w: use NewInviteClientTransaction for INVITE", ErrInvalidMethod))
	}

	cb, err := newClientBase(req.RequestMethod, req, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	tx := &NonInviteClientTransaction{clientBase: cb}
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

func (tx *NonInviteClientTransaction) initFSM() {
	tx.fsm = stateless.NewStateMachine(StateTrying)
	tx.fsm.SetTriggerParameters(evtRecv1xx, reflect.TypeFor[*sipmsg.Response]())
	tx.fsm.SetTriggerParameters(evtRecv2xx, reflect.TypeFor[*sipmsg.Response]())
	tx.fsm.SetTriggerParameters(evtRecv300699, reflect.TypeFor[*sipmsg.Response]())
	tx.fsm.SetTriggerParameters(evtTranspErr, reflect.TypeFor[error]())
	tx.fsm.SetTriggerParameters(evtTimerRetrans, reflect.TypeFor[time.Duration]())

	tx.fsm.Configure(StateTrying).
		OnEntryFrom(evtSend, tx.actSend).
		PermitReentry(evtSend).
		InternalTransition(evtTimerRetrans, tx.actRetransmit).
		Permit(evtRecv1xx, StateProceeding).
		Permit(evtRecv2xx, StateCompleted).
		Permit(evtRecv300699, StateCompleted).
		Permit(evtTimerTimeout, StateTerminated).
		Permit(evtTranspErr, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateProceeding).
		OnEntryFrom(evtRecv1xx, tx.actDeliver1xx).
		InternalTransition(evtRecv1xx, tx.actDeliver1xx).
		InternalTransition(evtTimerRetrans, tx.actRetransmit).
		Permit(evtRecv2xx, StateCompleted).
		Permit(evtRecv300699, StateCompleted).
		Permit(evtTimerTimeout, StateTerminated).
		Permit(evtTranspErr, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateCompleted).
		OnEntryFrom(evtRecv2xx, tx.actFinal).
		OnEntryFrom(evtRecv300699, tx.actFinal).
		InternalTransition(evtRecv2xx, tx.actAbsorb).
		InternalTransition(evtRecv300699, tx.actAbsorb).
		Permit(evtTimerK, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateTerminated).
		OnEntryFrom(evtTimerTimeout, tx.actTimeout).
		OnEntryFrom(evtTranspErr, tx.actTranspErrTerminated).
		OnEntryFrom(evtTimerK, tx.actDone).
		OnEntryFrom(evtTerminate, tx.actDone).
		Ignore(evtTerminate)
}

func (tx *NonInviteClientTransaction) armTimeout(ctx context.Context) {
	tx.timeout.Reset(tx.timings.Timeout(), func() {
		tx.fsm.FireCtx(ctx, evtTimerTimeout) //nolint:errcheck
	})
}

func (tx *NonInviteClientTransaction) actSend(ctx context.Context, _ ...any) error {
	tx.send(ctx, tx.req, tx.onTranspErr(ctx))
	tx.armTimeout(ctx)
	if !tx.isReliable() {
		tx.retransmit.Reset(tx.timings.T1(), tx.makeRetransmitFire(ctx, tx.timings.T1()))
	}
	tx.notify(ctx, tx.priorState(), StateTrying, EventTxMsg)
	tx.noteState(StateTrying)
	return nil
}

func (tx *NonInviteClientTransaction) makeRetransmitFire(ctx context.Context, prevInterval time.Duration) func() {
	return func() {
		tx.fsm.FireCtx(ctx, evtTimerRetrans, prevInterval) //nolint:errcheck
	}
}

// actRetransmit doubles the interval, capped at T2 in every state, per
// RFC 3261 §17.1.2.2 / spec.md §4.4.3. Once a provisional response has been
// seen, actDeliver1xx has already rescheduled at T2, so the interval stays T2.
func (tx *NonInviteClientTransaction) actRetransmit(ctx context.Context, args ...any) error {
	prev := tx.timings.T1()
	if len(args) > 0 {
		if d, ok := args[0].(time.Duration); ok {
			prev = d
		}
	}
	tx.retransmitCount.Add(1)
	tx.send(ctx, tx.req, tx.onTranspErr(ctx))

	next := prev * 2
	if t2 := tx.timings.T2(); next > t2 {
		next = t2
	}
	tx.retransmit.Reset(next, tx.makeRetransmitFire(ctx, next))
	tx.log.LogAttrs(ctx, slog.LevelDebug, "retransmit non-INVITE",
		slog.Any("key", tx.key), slog.Duration("next", next))
	return nil
}

func (tx *NonInviteClientTransaction) onTranspErr(ctx context.Context) func(context.Context, error) {
	return func(ctx context.Context, err error) {
		fireErr := tx.fsm.FireCtx(ctx, evtTranspErr, err)
		if fireErr != nil {
			tx.log.LogAttrs(ctx, slog.LevelWarn, "transport error delivered to a non-receptive state",
				slog.Any("key", tx.key), slog.Any("error", err))
		}
	}
}

// actDeliver1xx delivers a provisional response and, per RFC 3261 §17.1.2.2 /
// spec.md §4.4.2, reschedules the retransmit timer at T2 from here on — a
// 1xx signals the transaction no longer needs to double its own interval.
func (tx *NonInviteClientTransaction) actDeliver1xx(ctx context.Context, args ...any) error {
	res := args[0].(*sipmsg.Response) //nolint:forcetypeassert
	tx.lastRes.Store(res)
	tx.statusCode.Store(int32(res.Status))
	if !tx.isReliable() {
		t2 := tx.timings.T2()
		tx.retransmit.Reset(t2, tx.makeRetransmitFire(ctx, t2))
	}
	tx.deliverResponse(ctx, res)
	tx.notify(ctx, tx.priorState(), StateProceeding, EventRxMsg)
	tx.noteState(StateProceeding)
	return nil
}

// actFinal handles the first final response: deliver it, stop both timers,
// and arm Timer K (0 on a reliable transport) so late retransmissions of the
// same final response can still be absorbed before self-destruction, per
// spec.md §4.4.3.
func (tx *NonInviteClientTransaction) actFinal(ctx context.Context, args ...any) error {
	res := args[0].(*sipmsg.Response) //nolint:forcetypeassert
	tx.lastRes.Store(res)
	tx.statusCode.Store(int32(res.Status))
	tx.retransmit.Stop()
	tx.timeout.Stop()

	from := tx.priorState()
	tx.deliverResponse(ctx, res)
	tx.notify(ctx, from, StateCompleted, EventRxMsg)
	tx.noteState(StateCompleted)

	d := tx.timings.T4()
	if tx.isReliable() {
		d = 0
	}
	tx.timeout.Reset(d, func() {
		tx.fsm.FireCtx(ctx, evtTimerK) //nolint:errcheck
	})
	return nil
}

// actAbsorb drops a retransmitted final response without notifying the TU
// again, per the absorption invariant of spec.md §8.
func (tx *NonInviteClientTransaction) actAbsorb(ctx context.Context, _ ...any) error {
	return nil
}

// actTimeout handles Timer F: no final response arrived in time, reported to
// the TU as the TSX_TIMEOUT status 408, per spec.md §4.4.3/§6.5.
func (tx *NonInviteClientTransaction) actTimeout(ctx context.Context, _ ...any) error {
	tx.retransmit.Stop()
	tx.timeout.Stop()
	tx.statusCode.Store(408)
	from := tx.priorState()
	tx.notify(ctx, from, StateTerminated, EventTimer)
	tx.noteState(StateTerminated)
	tx.finish(ctx)
	return nil
}

func (tx *NonInviteClientTransaction) actTranspErrTerminated(ctx context.Context, args ...any) error {
	tx.retransmit.Stop()
	tx.timeout.Stop()
	tx.statusCode.Store(int32(transportErrCode(args)))
	from := tx.priorState()
	tx.notify(ctx, from, StateTerminated, EventTransportError)
	tx.noteState(StateTerminated)
	tx.finish(ctx)
	return nil
}

func (tx *NonInviteClientTransaction) actDone(ctx context.Context, _ ...any) error {
	tx.retransmit.Stop()
	tx.timeout.Stop()
	from := tx.priorState()
	tx.notify(ctx, from, StateTerminated, EventTimer)
	tx.noteState(StateTerminated)
	tx.finish(ctx)
	return nil
}

func (tx *NonInviteClientTransaction) finish(ctx context.Context) {
	tx.unregister()
}

// State returns the current FSM state.
func (tx *NonInviteClientTransaction) State() TransactionState {
	st, err := tx.fsm.State(context.Background())
	if err != nil {
		return StateNull
	}
	return st.(TransactionState) //nolint:forcetypeassert
}

// LastResponse returns the last response delivered to the TU, or nil.
func (tx *NonInviteClientTransaction) LastResponse() *sipmsg.Response { return tx.lastRes.Load() }

// RecvResponse dispatches res to the FSM based on its status class, per
// spec.md §4.4.3.
func (tx *NonInviteClientTransaction) RecvResponse(ctx context.Context, res *sipmsg.Response) error {
	if res.IsProvisional() {
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, evtRecv1xx, res))
	}
	if res.IsSuccess() {
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, evtRecv2xx, res))
	}
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, evtRecv300699, res))
}

// StopRetransmit is a no-op for non-INVITE transactions: RFC 3261 does not
// define a TU-driven way to stop retransmission short of a final response,
// per spec.md §4.4.4.
func (tx *NonInviteClientTransaction) StopRetransmit() {}

// SetTimeout overrides the remaining time before the timeout timer fires.
// It fails with [ErrExists] once a final response has already been
// received, per spec.md §4.4.4.
func (tx *NonInviteClientTransaction) SetTimeout(ctx context.Context, snap timeutil.Snapshot) error {
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
func (tx *NonInviteClientTransaction) Terminate(ctx context.Context) error {
	if tx.State().GEq(StateTerminated) {
		return nil
	}
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, evtTerminate))
}
