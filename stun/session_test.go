package stun_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/sipgox/sipstack/stun"
)

func TestSessionSendRequestSuccess(t *testing.T) {
	defer goleak.VerifyNone(t)

	sender := &fakeSender{}
	sess := stun.NewSession(sender, &stun.SessionOptions{
		Credentials: stun.Credentials{ShortTerm: &stun.ShortTermCredentials{Username: "u", Password: "p"}},
	})

	req := newTestRequest()
	resultCh := make(chan stun.RequestResult, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := sess.SendRequest(context.Background(), req, "203.0.113.1:3478")
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- res
	}()

	// Give SendRequest a moment to register the transaction, since it runs
	// on its own goroutine.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && sess.Count() != 1 {
		time.Sleep(time.Millisecond)
	}
	if sess.Count() != 1 {
		t.Fatal("session never registered the pending transaction")
	}

	if sender.count() != 1 {
		t.Fatalf("sender received %d packets, want 1", sender.count())
	}

	// We don't have direct access to the transaction id from outside the
	// session, so recover it the way a real transport would: by reading it
	// back out of the buffer SendPacket observed.
	sentID := extractTransactionID(t, sender)
	sess.OnRxMessage(context.Background(), newTestResponse(sentID))

	select {
	case res := <-resultCh:
		if res.Outcome != stun.Success {
			t.Fatalf("Outcome = %v, want Success", res.Outcome)
		}
	case err := <-errCh:
		t.Fatalf("SendRequest error = %v", err)
	case <-time.After(time.Second):
		t.Fatal("SendRequest did not return within timeout")
	}

	if got := sess.Count(); got != 0 {
		t.Fatalf("session still has %d pending transactions after completion, want 0", got)
	}
}

func TestSessionOnRxMessageUnmatchedDropped(t *testing.T) {
	defer goleak.VerifyNone(t)

	sender := &fakeSender{}
	sess := stun.NewSession(sender, nil)

	// No pending transaction at all: OnRxMessage must not panic and must
	// simply drop the response.
	sess.OnRxMessage(context.Background(), newTestResponse(stun.NewTransactionID()))
}

func TestSessionCloseCancelsPending(t *testing.T) {
	defer goleak.VerifyNone(t)

	sender := &fakeSender{}
	sess := stun.NewSession(sender, &stun.SessionOptions{
		Timings: &stun.ClientTransactionOptions{T1: time.Hour},
	})

	req := newTestRequest()
	resultCh := make(chan stun.RequestResult, 1)
	go func() {
		res, _ := sess.SendRequest(context.Background(), req, "dest")
		resultCh <- res
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && sess.Count() != 1 {
		time.Sleep(time.Millisecond)
	}

	sess.Close(context.Background())

	select {
	case res := <-resultCh:
		if res.Outcome != stun.Cancelled {
			t.Fatalf("Outcome = %v, want Cancelled", res.Outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("SendRequest did not return after Close")
	}
}

// extractTransactionID recovers the id stamped into the single packet a
// fakeSender observed. It exists only so this black-box test can drive
// OnRxMessage without a package-internal accessor.
func extractTransactionID(t *testing.T, sender *fakeSender) stun.TransactionID {
	t.Helper()
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.raw) == 0 {
		t.Fatal("fakeSender observed no packets")
	}
	msg := stun.Message{Raw: sender.raw[0]}
	return msg.TransactionID()
}
