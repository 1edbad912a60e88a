package transact

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync/atomic"

	"github.com/qmuntal/stateless"

	"braces.dev/errtrace"

	"github.com/sipgox/sipstack/sipmsg"
)

// NonInviteServerTransaction is the UAS non-INVITE transaction of
// RFC 3261 §17.2.2, spec.md §4.5.3.
type NonInviteServerTransaction struct {
	*serverBase
	lastRes atomic.Pointer[sipmsg.Response]
}

const evtTimerJ = "timer_j"

// NewNonInviteServerTransaction creates a UAS non-INVITE transaction for an
// already-received req. Like the INVITE variant, creation does not itself
// send anything — the TU supplies the response via
// [NonInviteServerTransaction.Respond], per spec.md §4.5.3.
func NewNonInviteServerTransaction(req *sipmsg.Request, opts *ServerTransactionOptions) (*NonInviteServerTransaction, error) {
	if req == nil {
		return nil, errtrace.Wrap(fmt.Errorf("%w: nil request", ErrInvalid))
	}
	if req.RequestMethod.Equal(sipmsg.INVITE) || req.RequestMethod.Equal(sipmsg.ACK) {
		return nil, errtrace.Wrap(fmt.Errorf("%w: use NewInviteServerTransaction for INVITE/ACK", ErrInvalidMethod))
	}

	sb, err := newServerBase(req.RequestMethod, req, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	tx := &NonInviteServerTransaction{serverBase: sb}
	if err := tx.register(tx); err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.initFSM()
	tx.noteState(StateTrying)
	return tx, nil
}

func (tx *NonInviteServerTransaction) initFSM() {
	tx.fsm = stateless.NewStateMachine(StateTrying)
	tx.fsm.SetTriggerParameters(evtRespond1xx, reflect.TypeFor[*sipmsg.Response]())
	tx.fsm.SetTriggerParameters(evtRespond2xx, reflect.TypeFor[*sipmsg.Response]())
	tx.fsm.SetTriggerParameters(evtRespond300699, reflect.TypeFor[*sipmsg.Response]())
	tx.fsm.SetTriggerParameters(evtTranspErr, reflect.TypeFor[error]())

	tx.fsm.Configure(StateTrying).
		Ignore(evtRecvReqRetx). // RFC 3261 §17.2.2: no response yet, retransmissions are simply discarded
		Permit(evtRespond1xx, StateProceeding).
		Permit(evtRespond2xx, StateCompleted).
		Permit(evtRespond300699, StateCompleted).
		Permit(evtTranspErr, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateProceeding).
		OnEntryFrom(evtRespond1xx, tx.actEnterProceeding).
		InternalTransition(evtRespond1xx, tx.actResendLast).
		InternalTransition(evtRecvReqRetx, tx.actResendLast).
		Permit(evtRespond2xx, StateCompleted).
		Permit(evtRespond300699, StateCompleted).
		Permit(evtTranspErr, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateCompleted).
		OnEntryFrom(evtRespond2xx, tx.actEnterCompleted).
		OnEntryFrom(evtRespond300699, tx.actEnterCompleted).
		InternalTransition(evtRecvReqRetx, tx.actResendLast).
		Permit(evtTimerJ, StateTerminated).
		Permit(evtTranspErr, StateTerminated).
		Permit(evtTerminate, StateTerminated)

	tx.fsm.Configure(StateTerminated).
		OnEntryFrom(evtTimerJ, tx.actDone).
		OnEntryFrom(evtTranspErr, tx.actTranspErrTerminated).
		OnEntryFrom(evtTerminate, tx.actDone).
		Ignore(evtTerminate)
}

func (tx *NonInviteServerTransaction) onTranspErr(ctx context.Context) func(context.Context, error) {
	return func(ctx context.Context, err error) {
		if fireErr := tx.fsm.FireCtx(ctx, evtTranspErr, err); fireErr != nil {
			tx.log.LogAttrs(ctx, slog.LevelWarn, "transport error delivered to a non-receptive state",
				slog.Any("key", tx.key), slog.Any("error", err))
		}
	}
}

func (tx *NonInviteServerTransaction) actEnterProceeding(ctx context.Context, args ...any) error {
	res := args[0].(*sipmsg.Response) //nolint:forcetypeassert
	tx.lastRes.Store(res)
	tx.lastTx.Store(res)
	tx.statusCode.Store(int32(res.Status))
	tx.send(ctx, res, tx.onTranspErr(ctx))

	from := tx.priorState()
	tx.notify(ctx, from, StateProceeding, EventTxMsg)
	tx.noteState(StateProceeding)
	return nil
}

// actResendLast absorbs a retransmitted original request (or a TU-issued
// duplicate 1xx) by resending the last response sent so far, per the
// absorption invariant of spec.md §8.
func (tx *NonInviteServerTransaction) actResendLast(ctx context.Context, _ ...any) error {
	res := tx.lastTx.Load()
	if res == nil {
		return nil
	}
	tx.send(ctx, res, tx.onTranspErr(ctx))
	return nil
}

func (tx *NonInviteServerTransaction) actEnterCompleted(ctx context.Context, args ...any) error {
	res := args[0].(*sipmsg.Response) //nolint:forcetypeassert
	tx.lastRes.Store(res)
	tx.lastTx.Store(res)
	tx.statusCode.Store(int32(res.Status))
	tx.send(ctx, res, tx.onTranspErr(ctx))

	d := tx.timings.Timeout() // Timer J = 64*T1 on unreliable transports
	if tx.isReliable() {
		d = 0
	}
	tx.timeout.Reset(d, func() {
		tx.fsm.FireCtx(ctx, evtTimerJ) //nolint:errcheck
	})

	from := tx.priorState()
	tx.notify(ctx, from, StateCompleted, EventTxMsg)
	tx.noteState(StateCompleted)
	return nil
}

func (tx *NonInviteServerTransaction) actTranspErrTerminated(ctx context.Context, args ...any) error {
	tx.timeout.Stop()
	tx.statusCode.Store(int32(transportErrCode(args)))
	from := tx.priorState()
	tx.notify(ctx, from, StateTerminated, EventTransportError)
	tx.noteState(StateTerminated)
	tx.finish(ctx)
	return nil
}

func (tx *NonInviteServerTransaction) actDone(ctx context.Context, _ ...any) error {
	tx.timeout.Stop()
	from := tx.priorState()
	tx.notify(ctx, from, StateTerminated, EventTimer)
	tx.noteState(StateTerminated)
	tx.finish(ctx)
	return nil
}

func (tx *NonInviteServerTransaction) finish(ctx context.Context) { tx.unregister() }

// State returns the current FSM state.
func (tx *NonInviteServerTransaction) State() TransactionState {
	st, err := tx.fsm.State(context.Background())
	if err != nil {
		return StateNull
	}
	return st.(TransactionState) //nolint:forcetypeassert
}

// Respond sends res as this transaction's response, dispatching on status
// class per spec.md §4.5.3.
func (tx *NonInviteServerTransaction) Respond(ctx context.Context, res *sipmsg.Response) error {
	if res.IsProvisional() {
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, evtRespond1xx, res))
	}
	if res.IsSuccess() {
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, evtRespond2xx, res))
	}
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, evtRespond300699, res))
}

// RecvRequest feeds a retransmission of the original request into the FSM.
func (tx *NonInviteServerTransaction) RecvRequest(ctx context.Context, req *sipmsg.Request) error {
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, evtRecvReqRetx))
}

// LastResponse returns the last response sent, or nil.
func (tx *NonInviteServerTransaction) LastResponse() *sipmsg.Response { return tx.lastRes.Load() }

// Terminate forces the transaction to StateTerminated immediately. It is
// idempotent, per spec.md §4.5.4.
func (tx *NonInviteServerTransaction) Terminate(ctx context.Context) error {
	if tx.State().GEq(StateTerminated) {
		return nil
	}
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, evtTerminate))
}
