package stun

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sipgox/sipstack/internal/idutil"
	"github.com/sipgox/sipstack/internal/log"
	"github.com/sipgox/sipstack/internal/timeutil"
)

// Outcome is the terminal result delivered to [Callback.OnComplete], per
// spec.md §8 ("STUN round-trip": exactly one of SUCCESS, TIMEOUT, CANCELLED
// is ever delivered).
type Outcome int

const (
	Success Outcome = iota
	Timeout
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "SUCCESS"
	case Timeout:
		return "TIMEOUT"
	case Cancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Callback is supplied by the owning [Session] at transaction creation,
// spec.md §3.4.
type Callback struct {
	// OnSendMsg is invoked once immediately at creation and again on every
	// retransmit.
	OnSendMsg func(ctx context.Context, req Message, dest string)
	// OnComplete is invoked exactly once with the transaction's terminal
	// outcome.
	OnComplete func(ctx context.Context, outcome Outcome, resp *Message)
}

// ClientTransactionOptions configures retransmit timing, spec.md §4.7 /
// §9 ("implementers should expose both as configuration").
type ClientTransactionOptions struct {
	// T1 is the initial retransmit interval. Defaults to 500ms.
	T1 time.Duration
	// Cap is the retransmit interval ceiling. Defaults to 1.6s.
	Cap time.Duration
	// MaxRetransmits is the number of retransmits (after the initial send)
	// before the final wait begins. Defaults to 7.
	MaxRetransmits int
	// FinalWait is how long to wait, after the last retransmit, before
	// declaring [Timeout]. Defaults to Cap.
	FinalWait time.Duration
	Logger    *slog.Logger
}

func (o *ClientTransactionOptions) t1() time.Duration {
	if o == nil || o.T1 == 0 {
		return 500 * time.Millisecond
	}
	return o.T1
}

func (o *ClientTransactionOptions) cap_() time.Duration {
	if o == nil || o.Cap == 0 {
		return 1600 * time.Millisecond
	}
	return o.Cap
}

func (o *ClientTransactionOptions) maxRetransmits() int {
	if o == nil || o.MaxRetransmits == 0 {
		return 7
	}
	return o.MaxRetransmits
}

func (o *ClientTransactionOptions) finalWait() time.Duration {
	if o == nil || o.FinalWait == 0 {
		return o.cap_()
	}
	return o.FinalWait
}

func (o *ClientTransactionOptions) logger() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default
	}
	return o.Logger
}

// ClientTransaction is the STUN client transaction of spec.md §3.4/§4.7: a
// single request/response exchange with its own retransmit schedule,
// independent of any SIP transaction.
type ClientTransaction struct {
	id   TransactionID
	req  Message
	dest string
	cb   Callback
	opts *ClientTransactionOptions
	log  *slog.Logger

	mu              sync.Mutex
	retransmitCount int
	finalWaiting    bool
	timer           *timeutil.Slot
	complete        atomic.Bool
}

// NewClientTransaction derives the 96-bit transaction ID from bytes 8..20
// of req's header (stamping a freshly generated one in first if the
// caller left the field zero), sends req immediately, and arms the first
// retransmit timer at T1, per spec.md §4.7 steps 1-3.
func NewClientTransaction(ctx context.Context, req Message, dest string, cb Callback, opts *ClientTransactionOptions) *ClientTransaction {
	id := req.TransactionID()
	if id == (TransactionID{}) {
		id = NewTransactionID()
		req.SetTransactionID(id)
	}

	tx := &ClientTransaction{
		id:    id,
		req:   req,
		dest:  dest,
		cb:    cb,
		opts:  opts,
		log:   opts.logger(),
		timer: timeutil.NewSlot("stun-retransmit"),
	}

	cb.OnSendMsg(ctx, req, dest)
	tx.timer.Reset(tx.opts.t1(), tx.fireRetransmit(ctx, tx.opts.t1()))
	return tx
}

// NewTransactionID generates a random 96-bit transaction ID, per RFC 5389
// §6.
func NewTransactionID() TransactionID { return TransactionID(idutil.NewTsxID()) }

// ID returns the transaction's 96-bit identifier.
func (tx *ClientTransaction) ID() TransactionID { return tx.id }

func (tx *ClientTransaction) fireRetransmit(ctx context.Context, prevInterval time.Duration) func() {
	return func() {
		tx.mu.Lock()
		defer tx.mu.Unlock()
		tx.onTimerFire(ctx, prevInterval)
	}
}

// onTimerFire implements spec.md §4.7's "On retransmit timer fire" and the
// subsequent final-wait reuse of the same timer slot. Callers must hold
// tx.mu.
func (tx *ClientTransaction) onTimerFire(ctx context.Context, prevInterval time.Duration) {
	if tx.complete.Load() {
		return
	}

	if tx.finalWaiting {
		tx.finish(ctx, Timeout, nil)
		return
	}

	tx.retransmitCount++
	if tx.retransmitCount <= tx.opts.maxRetransmits() {
		tx.cb.OnSendMsg(ctx, tx.req, tx.dest)
		next := prevInterval * 2
		if c := tx.opts.cap_(); next > c {
			next = c
		}
		tx.timer.Reset(next, tx.fireRetransmit(ctx, next))
		return
	}

	tx.finalWaiting = true
	tx.timer.Reset(tx.opts.finalWait(), tx.fireRetransmit(ctx, tx.opts.finalWait()))
}

// Ingest delivers an inbound response to the transaction. It is a no-op if
// resp's transaction ID does not match, or if the transaction already has a
// terminal outcome, per spec.md §4.7 "On ingest(response)".
func (tx *ClientTransaction) Ingest(ctx context.Context, resp Message) {
	if resp.TransactionID() != tx.id {
		return
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.complete.Load() {
		return
	}
	tx.timer.Stop()
	r := resp
	tx.finishLocked(ctx, Success, &r)
}

// Destroy cancels the transaction, delivering [Cancelled] unless a terminal
// outcome was already latched, per spec.md §4.7 "Cancellation".
func (tx *ClientTransaction) Destroy(ctx context.Context) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.timer.Stop()
	if tx.complete.Load() {
		return
	}
	tx.finishLocked(ctx, Cancelled, nil)
}

// finish delegates to finishLocked without taking tx.mu; its only caller,
// onTimerFire, already holds the lock.
func (tx *ClientTransaction) finish(ctx context.Context, outcome Outcome, resp *Message) {
	tx.finishLocked(ctx, outcome, resp)
}

func (tx *ClientTransaction) finishLocked(ctx context.Context, outcome Outcome, resp *Message) {
	if !tx.complete.CompareAndSwap(false, true) {
		return
	}
	tx.log.LogAttrs(ctx, slog.LevelDebug, "stun transaction complete",
		slog.String("outcome", outcome.String()))
	tx.cb.OnComplete(ctx, outcome, resp)
}
