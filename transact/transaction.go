// Package transact implements the SIP transaction layer of RFC 3261 §17: the
// client/server, INVITE/non-INVITE transaction state machines, the
// transaction hash table that dispatches inbound messages to them, and the
// retransmission/timeout timer schedules that make an unreliable transport
// look reliable to a transaction user.
package transact

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sipgox/sipstack/internal/log"
	"github.com/sipgox/sipstack/sipmsg"
)

// TransactionState is the FSM state of a transaction, per spec.md §3.2. The
// zero value, StateNull, is never observed by a TU — transactions are
// always constructed already in Calling/Trying/Proceeding.
type TransactionState int

const (
	StateNull TransactionState = iota
	StateCalling
	StateTrying
	StateProceeding
	StateCompleted
	StateConfirmed
	StateTerminated
	StateDestroyed
)

var stateNames = map[TransactionState]string{
	StateNull:       "Null",
	StateCalling:    "Calling",
	StateTrying:     "Trying",
	StateProceeding: "Proceeding",
	StateCompleted:  "Completed",
	StateConfirmed:  "Confirmed",
	StateTerminated: "Terminated",
	StateDestroyed:  "Destroyed",
}

func (s TransactionState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "Unknown"
}

// rank gives the total order Null < Calling/Trying < Proceeding < Completed
// < Confirmed < Terminated < Destroyed used to assert the monotonic-state
// invariant of spec.md §8. Calling and Trying share a rank since they are
// the UAC-INVITE and UAC-non-INVITE names for the same initial-send state.
func (s TransactionState) rank() int {
	switch s {
	case StateNull:
		return 0
	case StateCalling, StateTrying:
		return 1
	case StateProceeding:
		return 2
	case StateCompleted:
		return 3
	case StateConfirmed:
		return 4
	case StateTerminated:
		return 5
	case StateDestroyed:
		return 6
	default:
		return -1
	}
}

// GEq reports whether s is reachable at or after o in the FSM's total
// order, i.e. s >= o.
func (s TransactionState) GEq(o TransactionState) bool { return s.rank() >= o.rank() }

// EventKind classifies why a [StateHandler] was invoked, mirroring the
// on_tsx_state event variants of spec.md §6.3.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventTxMsg             // the transaction sent a message
	EventRxMsg             // the transaction received a matching message
	EventTimer             // a retransmit or timeout timer fired
	EventTransportError
	EventUser // explicit TU call, e.g. Terminate
)

func (k EventKind) String() string {
	switch k {
	case EventTxMsg:
		return "tx_msg"
	case EventRxMsg:
		return "rx_msg"
	case EventTimer:
		return "timer"
	case EventTransportError:
		return "transport_error"
	case EventUser:
		return "user"
	default:
		return "unknown"
	}
}

// StateChange is delivered to a TU's [StateHandler] on every transition.
type StateChange struct {
	From, To   TransactionState
	Kind       EventKind
	StatusCode int // last observed/sent status code, 0 before the first response
}

// StateHandler is the TU callback invoked on every state transition, the
// on_tsx_state hook of spec.md §6.3. It is always invoked after any
// corresponding message-received callback for the same event, and at most
// once per transition.
type StateHandler func(ctx context.Context, change StateChange)

// Transaction is the behavior common to client and server transactions,
// spec.md §3.2.
type Transaction interface {
	// Key returns the transaction's registry key.
	Key() Key
	// Method returns the transaction's SIP method.
	Method() sipmsg.Method
	// State returns the current FSM state.
	State() TransactionState
	// StatusCode returns the last observed/sent response status, 0 before
	// the first response.
	StatusCode() int
	// OnStateChanged subscribes fn to every state transition. It returns an
	// unsubscribe function.
	OnStateChanged(fn StateHandler) (unsubscribe func())
	// Terminate forces the transaction to StateTerminated immediately. It is
	// idempotent: a second call on an already-terminated or destroyed
	// transaction is a no-op, per spec.md §4.4.4.
	Terminate(ctx context.Context) error
}

// base is embedded by both the client and server transaction types. It owns
// everything spec.md §3.2 lists that is not specific to the client/server
// role: the group lock, the registry key, the FSM's state-change fan-out,
// and the status code.
type base struct {
	gl     *groupLock
	key    Key
	method sipmsg.Method
	log    *slog.Logger

	statusCode atomic.Int32

	handlersMu sync.Mutex
	handlers   []*StateHandler

	onDestroy func() // not set or read; registry removal is done by clientBase/serverBase.unregister
}

func newBase(key Key, method sipmsg.Method, logger *slog.Logger) *base {
	if logger == nil {
		logger = log.Default
	}
	return &base{
		gl:     newGroupLock(),
		key:    key,
		method: method,
		log:    logger,
	}
}

func (b *base) Key() Key               { return b.key }
func (b *base) Method() sipmsg.Method   { return b.method }
func (b *base) StatusCode() int         { return int(b.statusCode.Load()) }

func (b *base) OnStateChanged(fn StateHandler) (unsubscribe func()) {
	p := &fn
	b.handlersMu.Lock()
	b.handlers = append(b.handlers, p)
	b.handlersMu.Unlock()
	return func() {
		b.handlersMu.Lock()
		defer b.handlersMu.Unlock()
		for i, h := range b.handlers {
			if h == p {
				b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
				break
			}
		}
	}
}

// notify fans StateChange out to every subscribed handler. Per spec.md §8
// ("single termination notification"), callers must only invoke this once
// per transition, including the Terminated transition.
func (b *base) notify(ctx context.Context, from, to TransactionState, kind EventKind) {
	change := StateChange{From: from, To: to, Kind: kind, StatusCode: b.StatusCode()}

	b.handlersMu.Lock()
	handlers := append([]*StateHandler(nil), b.handlers...)
	b.handlersMu.Unlock()

	for _, h := range handlers {
		(*h)(ctx, change)
	}
}

// scheduleDeferred runs fn on its own goroutine after a zero delay. Nothing
// in the package calls it: transport errors are fired into the FSM
// synchronously from the send path, and transport disconnects are not
// posted into transactions at all.
func scheduleDeferred(fn func()) {
	time.AfterFunc(0, fn)
}
