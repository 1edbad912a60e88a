package transact_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/sipgox/sipstack/internal/idutil"
	"github.com/sipgox/sipstack/sipmsg"
	"github.com/sipgox/sipstack/transact"
)

func TestInviteClientTransactionHappyPath(t *testing.T) {
	defer goleak.VerifyNone(t)

	tp := newAlwaysOKTransport(t)
	req := newTestInviteRequest(t, idutil.MagicCookie+"happy")

	var changes []transact.StateChange
	tx, err := transact.NewInviteClientTransaction(testCtx(t), req, &transact.ClientTransactionOptions{
		Transport: tp,
	})
	if err != nil {
		t.Fatalf("NewInviteClientTransaction() error = %v", err)
	}
	tx.OnStateChanged(func(_ context.Context, c transact.StateChange) { changes = append(changes, c) })

	if got, want := tx.State(), transact.StateCalling; got != want {
		t.Fatalf("State() after creation = %v, want %v", got, want)
	}
	if tp.count() != 1 {
		t.Fatalf("transport received %d sends after creation, want 1", tp.count())
	}

	ringing := sipmsg.NewResponse(req, 180, "Ringing", sipmsg.Body{})
	if err := tx.RecvResponse(testCtx(t), ringing); err != nil {
		t.Fatalf("RecvResponse(180) error = %v", err)
	}
	if got, want := tx.State(), transact.StateProceeding; got != want {
		t.Fatalf("State() after 180 = %v, want %v", got, want)
	}

	ok := sipmsg.NewResponse(req, 200, "OK", sipmsg.Body{})
	if err := tx.RecvResponse(testCtx(t), ok); err != nil {
		t.Fatalf("RecvResponse(200) error = %v", err)
	}
	if got, want := tx.State(), transact.StateTerminated; got != want {
		t.Fatalf("State() after 200 = %v, want %v", got, want)
	}
	if got, want := tx.LastResponse().Status, 200; got != want {
		t.Fatalf("LastResponse().Status = %d, want %d", got, want)
	}
}

func TestInviteClientTransactionNon2xxGeneratesAck(t *testing.T) {
	defer goleak.VerifyNone(t)

	tp := newAlwaysOKTransport(t)
	req := newTestInviteRequest(t, idutil.MagicCookie+"busy")

	tx, err := transact.NewInviteClientTransaction(testCtx(t), req, &transact.ClientTransactionOptions{
		Transport: tp,
	})
	if err != nil {
		t.Fatalf("NewInviteClientTransaction() error = %v", err)
	}

	busy := sipmsg.NewResponse(req, 486, "Busy Here", sipmsg.Body{})
	if err := tx.RecvResponse(testCtx(t), busy); err != nil {
		t.Fatalf("RecvResponse(486) error = %v", err)
	}
	if got, want := tx.State(), transact.StateCompleted; got != want {
		t.Fatalf("State() after 486 = %v, want %v", got, want)
	}
	if tp.count() != 2 {
		t.Fatalf("transport received %d sends after 486, want 2 (INVITE+ACK)", tp.count())
	}

	// A retransmitted 486 must be absorbed: the ACK is resent, but the
	// transaction does not leave Completed and the TU is not notified again.
	if err := tx.RecvResponse(testCtx(t), busy); err != nil {
		t.Fatalf("RecvResponse(486) retransmit error = %v", err)
	}
	if got, want := tx.State(), transact.StateCompleted; got != want {
		t.Fatalf("State() after retransmitted 486 = %v, want %v", got, want)
	}
	if tp.count() != 3 {
		t.Fatalf("transport received %d sends after retransmitted 486, want 3 (INVITE+ACK+ACK)", tp.count())
	}

	tx.Terminate(testCtx(t))
}

func TestInviteClientTransactionTransportErrorReportsStatus503(t *testing.T) {
	defer goleak.VerifyNone(t)

	tp := newAlwaysOKTransport(t)
	req := newTestInviteRequest(t, idutil.MagicCookie+"transporterr")

	tx, err := transact.NewInviteClientTransaction(testCtx(t), req, &transact.ClientTransactionOptions{
		Transport: tp,
		Timings:   transact.NewTimings(10*time.Millisecond, 60*time.Millisecond, 0, 0, 0),
	})
	if err != nil {
		t.Fatalf("NewInviteClientTransaction() error = %v", err)
	}

	// Let the initial INVITE go out clean, then fail the T1 retransmit so the
	// transport error is delivered from the timer's own goroutine.
	tp.failNextSend()

	deadline := time.Now().Add(time.Second)
	for tx.State() != transact.StateTerminated && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got, want := tx.State(), transact.StateTerminated; got != want {
		t.Fatalf("State() after transport error = %v, want %v", got, want)
	}
	if got, want := tx.StatusCode(), 503; got != want {
		t.Fatalf("StatusCode() after transport error = %d, want %d", got, want)
	}
}

func TestInviteClientTransactionTimerBReportsStatus408(t *testing.T) {
	defer goleak.VerifyNone(t)

	tp := newAlwaysOKTransport(t)
	req := newTestInviteRequest(t, idutil.MagicCookie+"timerb")

	tx, err := transact.NewInviteClientTransaction(testCtx(t), req, &transact.ClientTransactionOptions{
		Transport: tp,
		Timings:   transact.NewTimings(5*time.Millisecond, 10*time.Millisecond, 0, 0, 0),
	})
	if err != nil {
		t.Fatalf("NewInviteClientTransaction() error = %v", err)
	}

	// Timeout() = 64*T1; no response ever arrives, so Timer B fires.
	deadline := time.Now().Add(2 * time.Second)
	for tx.State() != transact.StateTerminated && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got, want := tx.State(), transact.StateTerminated; got != want {
		t.Fatalf("State() after Timer B = %v, want %v", got, want)
	}
	if got, want := tx.StatusCode(), 408; got != want {
		t.Fatalf("StatusCode() after Timer B = %d, want %d", got, want)
	}
}

func TestInviteClientTransactionTerminateIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	tp := newAlwaysOKTransport(t)
	req := newTestInviteRequest(t, idutil.MagicCookie+"term")

	tx, err := transact.NewInviteClientTransaction(testCtx(t), req, &transact.ClientTransactionOptions{
		Transport: tp,
	})
	if err != nil {
		t.Fatalf("NewInviteClientTransaction() error = %v", err)
	}

	if err := tx.Terminate(testCtx(t)); err != nil {
		t.Fatalf("first Terminate() error = %v", err)
	}
	if err := tx.Terminate(testCtx(t)); err != nil {
		t.Fatalf("second Terminate() error = %v, want nil (idempotent)", err)
	}
	if got, want := tx.State(), transact.StateTerminated; got != want {
		t.Fatalf("State() = %v, want %v", got, want)
	}
}
