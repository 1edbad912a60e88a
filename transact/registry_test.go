package transact_test

import (
	"testing"

	"github.com/sipgox/sipstack/internal/idutil"
	"github.com/sipgox/sipstack/sipmsg"
	"github.com/sipgox/sipstack/transact"
)

type fakeEntry struct{ key transact.Key }

func (e fakeEntry) Key() transact.Key { return e.key }

func TestRegistryEmptyFindUnregister(t *testing.T) {
	t.Parallel()

	reg := transact.NewRegistry()
	k := transact.NewKey(transact.RoleUAC, sipmsg.INVITE, idutil.MagicCookie+"1")
	entry := fakeEntry{key: k}

	// Find with addRef or lock set needs a live transaction group lock; a
	// bare nil would panic on AddRef or Lock. This test keeps to an empty
	// registry; Register itself is exercised by TestRegistryDuplicateKeyRejected.
	if reg.Count() != 0 {
		t.Fatalf("new registry Count() = %d, want 0", reg.Count())
	}

	_, _, ok := reg.Find(k, false, false)
	if ok {
		t.Fatal("Find on empty registry returned ok=true")
	}

	reg.Unregister(k) // idempotent no-op on an absent key
	_ = entry
}

func TestRegistryDuplicateKeyRejected(t *testing.T) {
	t.Parallel()

	req := newTestInviteRequest(t, idutil.MagicCookie+"dup")
	tx1, err := transact.NewInviteClientTransaction(testCtx(t), req, &transact.ClientTransactionOptions{
		Transport: newAlwaysOKTransport(t),
	})
	if err != nil {
		t.Fatalf("NewInviteClientTransaction() error = %v", err)
	}
	t.Cleanup(func() { tx1.Terminate(testCtx(t)) })

	reg := transact.NewRegistry()
	k := tx1.Key()
	if err := reg.Register(tx1, nil); err != nil {
		t.Fatalf("first Register() error = %v, want nil", err)
	}
	if err := reg.Register(tx1, nil); err == nil {
		t.Fatal("second Register() with the same key succeeded, want EEXISTS")
	}
	if reg.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", reg.Count())
	}

	reg.Unregister(k)
	if reg.Count() != 0 {
		t.Fatalf("Count() after Unregister = %d, want 0", reg.Count())
	}
}
