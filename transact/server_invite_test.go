package transact_test

import (
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/sipgox/sipstack/internal/idutil"
	"github.com/sipgox/sipstack/sipmsg"
	"github.com/sipgox/sipstack/transact"
)

func TestInviteServerTransactionHappyPath(t *testing.T) {
	defer goleak.VerifyNone(t)

	tp := newAlwaysOKTransport(t)
	tp.reliable = true // sidesteps Timer G/H arming so the test need not wait on them
	req := newTestInviteRequest(t, idutil.MagicCookie+"srv")

	tx, err := transact.NewInviteServerTransaction(req, &transact.ServerTransactionOptions{
		Transport: tp,
	})
	if err != nil {
		t.Fatalf("NewInviteServerTransaction() error = %v", err)
	}
	if got, want := tx.State(), transact.StateProceeding; got != want {
		t.Fatalf("State() after creation = %v, want %v", got, want)
	}

	ringing := sipmsg.NewResponse(req, 180, "Ringing", sipmsg.Body{})
	if err := tx.Respond(testCtx(t), ringing); err != nil {
		t.Fatalf("Respond(180) error = %v", err)
	}
	if got, want := tx.State(), transact.StateProceeding; got != want {
		t.Fatalf("State() after 180 = %v, want %v", got, want)
	}

	ok := sipmsg.NewResponse(req, 200, "OK", sipmsg.Body{})
	if err := tx.Respond(testCtx(t), ok); err != nil {
		t.Fatalf("Respond(200) error = %v", err)
	}
	if got, want := tx.State(), transact.StateTerminated; got != want {
		t.Fatalf("State() after 200 = %v, want %v", got, want)
	}
	if tp.count() != 2 {
		t.Fatalf("transport received %d sends, want 2 (180+200)", tp.count())
	}
}

func TestInviteServerTransactionRetransmits1xxPeriodically(t *testing.T) {
	defer goleak.VerifyNone(t)

	tp := newAlwaysOKTransport(t) // unreliable: Timer1xx applies
	req := newTestInviteRequest(t, idutil.MagicCookie+"ringing")

	// An unreliable inbound transport carries no sticky connection, so the
	// response goes out through the endpoint fallback, per NewResponseAddr.
	tx, err := transact.NewInviteServerTransaction(req, &transact.ServerTransactionOptions{
		Transport: tp,
		Endpoint:  &fakeEndpoint{tp: tp},
		Timings:   transact.NewTimings(0, 0, 0, 0, 20*time.Millisecond),
	})
	if err != nil {
		t.Fatalf("NewInviteServerTransaction() error = %v", err)
	}

	ringing := sipmsg.NewResponse(req, 180, "Ringing", sipmsg.Body{})
	if err := tx.Respond(testCtx(t), ringing); err != nil {
		t.Fatalf("Respond(180) error = %v", err)
	}
	if tp.count() != 1 {
		t.Fatalf("transport received %d sends right after 180, want 1", tp.count())
	}

	deadline := time.Now().Add(time.Second)
	for tp.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := tp.count(); got < 3 {
		t.Fatalf("transport received %d sends within 1s, want at least 3 (initial + 2 periodic 1xx retransmits)", got)
	}

	ok := sipmsg.NewResponse(req, 200, "OK", sipmsg.Body{})
	if err := tx.Respond(testCtx(t), ok); err != nil {
		t.Fatalf("Respond(200) error = %v", err)
	}
	if got, want := tx.State(), transact.StateTerminated; got != want {
		t.Fatalf("State() after 200 = %v, want %v", got, want)
	}
}

func TestInviteServerTransactionTransportErrorReportsStatus503(t *testing.T) {
	defer goleak.VerifyNone(t)

	tp := newAlwaysOKTransport(t) // unreliable: Timer G applies
	req := newTestInviteRequest(t, idutil.MagicCookie+"srvtransporterr")

	tx, err := transact.NewInviteServerTransaction(req, &transact.ServerTransactionOptions{
		Transport: tp,
		Endpoint:  &fakeEndpoint{tp: tp},
		Timings:   transact.NewTimings(10*time.Millisecond, 60*time.Millisecond, 0, 0, 0),
	})
	if err != nil {
		t.Fatalf("NewInviteServerTransaction() error = %v", err)
	}

	decline := sipmsg.NewResponse(req, 603, "Decline", sipmsg.Body{})
	if err := tx.Respond(testCtx(t), decline); err != nil {
		t.Fatalf("Respond(603) error = %v", err)
	}

	// Let the first 603 go out clean, then fail the Timer G retransmit so the
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

func TestInviteServerTransactionTimerHReportsStatus408(t *testing.T) {
	defer goleak.VerifyNone(t)

	tp := newAlwaysOKTransport(t) // unreliable: Timer H applies
	req := newTestInviteRequest(t, idutil.MagicCookie+"timerh")

	tx, err := transact.NewInviteServerTransaction(req, &transact.ServerTransactionOptions{
		Transport: tp,
		Endpoint:  &fakeEndpoint{tp: tp},
		Timings:   transact.NewTimings(5*time.Millisecond, 10*time.Millisecond, 0, 0, 0),
	})
	if err != nil {
		t.Fatalf("NewInviteServerTransaction() error = %v", err)
	}

	decline := sipmsg.NewResponse(req, 603, "Decline", sipmsg.Body{})
	if err := tx.Respond(testCtx(t), decline); err != nil {
		t.Fatalf("Respond(603) error = %v", err)
	}

	// No ACK ever arrives, so Timer H (= Timeout() = 64*T1) fires.
	deadline := time.Now().Add(2 * time.Second)
	for tx.State() != transact.StateTerminated && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got, want := tx.State(), transact.StateTerminated; got != want {
		t.Fatalf("State() after Timer H = %v, want %v", got, want)
	}
	if got, want := tx.StatusCode(), 408; got != want {
		t.Fatalf("StatusCode() after Timer H = %d, want %d", got, want)
	}
}

func TestInviteServerTransactionAckConfirms(t *testing.T) {
	defer goleak.VerifyNone(t)

	tp := newAlwaysOKTransport(t)
	tp.reliable = true
	req := newTestInviteRequest(t, idutil.MagicCookie+"ack")

	tx, err := transact.NewInviteServerTransaction(req, &transact.ServerTransactionOptions{
		Transport: tp,
	})
	if err != nil {
		t.Fatalf("NewInviteServerTransaction() error = %v", err)
	}

	decline := sipmsg.NewResponse(req, 603, "Decline", sipmsg.Body{})
	if err := tx.Respond(testCtx(t), decline); err != nil {
		t.Fatalf("Respond(603) error = %v", err)
	}
	if got, want := tx.State(), transact.StateCompleted; got != want {
		t.Fatalf("State() after 603 = %v, want %v", got, want)
	}

	ack := newTestNonInviteRequest(t, sipmsg.ACK, idutil.MagicCookie+"ack")
	if err := tx.RecvRequest(testCtx(t), ack); err != nil {
		t.Fatalf("RecvRequest(ACK) error = %v", err)
	}

	// Timer I is armed with a zero delay on a reliable transport, firing
	// asynchronously via time.AfterFunc, so Terminated is reached shortly
	// after RecvRequest returns rather than synchronously within it.
	deadline := time.Now().Add(time.Second)
	for tx.State() != transact.StateTerminated && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got, want := tx.State(), transact.StateTerminated; got != want {
		t.Fatalf("State() after ACK on a reliable transport = %v, want %v (Timer I = 0)", got, want)
	}
}
