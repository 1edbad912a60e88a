package transact_test

import (
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/sipgox/sipstack/internal/idutil"
	"github.com/sipgox/sipstack/sipmsg"
	"github.com/sipgox/sipstack/transact"
)

func TestNonInviteServerTransactionHappyPath(t *testing.T) {
	defer goleak.VerifyNone(t)

	tp := newAlwaysOKTransport(t)
	tp.reliable = true // sidesteps Timer J's wait so the test need not wait on it
	req := newTestNonInviteRequest(t, sipmsg.REGISTER, idutil.MagicCookie+"srvreg")

	tx, err := transact.NewNonInviteServerTransaction(req, &transact.ServerTransactionOptions{
		Transport: tp,
	})
	if err != nil {
		t.Fatalf("NewNonInviteServerTransaction() error = %v", err)
	}
	if got, want := tx.State(), transact.StateTrying; got != want {
		t.Fatalf("State() after creation = %v, want %v", got, want)
	}

	trying := sipmsg.NewResponse(req, 100, "Trying", sipmsg.Body{})
	if err := tx.Respond(testCtx(t), trying); err != nil {
		t.Fatalf("Respond(100) error = %v", err)
	}
	if got, want := tx.State(), transact.StateProceeding; got != want {
		t.Fatalf("State() after 100 = %v, want %v", got, want)
	}

	ok := sipmsg.NewResponse(req, 200, "OK", sipmsg.Body{})
	if err := tx.Respond(testCtx(t), ok); err != nil {
		t.Fatalf("Respond(200) error = %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for tx.State() != transact.StateTerminated && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got, want := tx.State(), transact.StateTerminated; got != want {
		t.Fatalf("State() after 200 on a reliable transport = %v, want %v (Timer J = 0)", got, want)
	}
	if tp.count() != 2 {
		t.Fatalf("transport received %d sends, want 2 (100+200)", tp.count())
	}
}

func TestNonInviteServerTransactionTransportErrorReportsStatus503(t *testing.T) {
	defer goleak.VerifyNone(t)

	tp := newAlwaysOKTransport(t) // unreliable
	req := newTestNonInviteRequest(t, sipmsg.REGISTER, idutil.MagicCookie+"srvtransporterr")

	tx, err := transact.NewNonInviteServerTransaction(req, &transact.ServerTransactionOptions{
		Transport: tp,
		Endpoint:  &fakeEndpoint{tp: tp},
	})
	if err != nil {
		t.Fatalf("NewNonInviteServerTransaction() error = %v", err)
	}

	tp.failNextSend()

	ok := sipmsg.NewResponse(req, 200, "OK", sipmsg.Body{})
	if err := tx.Respond(testCtx(t), ok); err != nil {
		t.Fatalf("Respond(200) error = %v", err)
	}

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
