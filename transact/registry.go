package transact

import (
	"strings"
	"sync"

	"braces.dev/errtrace"
)

// Entry is the subset of a transaction the registry needs: its key and its
// group lock, so [Registry.Find] can add a reference before releasing the
// registry mutex, per the lock-ordering rule of spec.md §4.2.
type Entry interface {
	Key() Key
}

// registered pairs an Entry with the groupLock used to keep it alive across
// the registry-mutex-then-transaction-lock handoff.
type registered struct {
	entry Entry
	gl    *groupLock
}

// Registry is the transaction hash table of spec.md §4.2: it dispatches
// inbound messages to the transaction whose key matches. It has its own
// mutex, deliberately separate from any transaction's group lock, so that a
// lookup can release the registry mutex before touching the found
// transaction — the ordering spec.md §4.2 requires to avoid inversions with
// transport callbacks that might call back into the registry while holding
// a transport lock.
type Registry struct {
	mu sync.Mutex
	m  map[string]registered
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{m: make(map[string]registered)}
}

func normKey(k Key) string { return strings.ToUpper(k.String()) }

// Register inserts tx under its key. It returns [ErrExists] if a live
// transaction already holds that key — a collision that indicates either a
// branch-generator bug or a retransmission misrouted as a new transaction,
// per spec.md §4.2.
func (r *Registry) Register(tx Entry, gl *groupLock) error {
	nk := normKey(tx.Key())

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.m[nk]; exists {
		return errtrace.Wrap(ErrExists)
	}
	r.m[nk] = registered{entry: tx, gl: gl}
	return nil
}

// Unregister removes tx. It is idempotent: removing an already-absent key
// (e.g. after a full teardown) is a no-op, per spec.md §4.2.
func (r *Registry) Unregister(key Key) {
	nk := normKey(key)
	r.mu.Lock()
	delete(r.m, nk)
	r.mu.Unlock()
}

// Find looks up key. When addRef is true, the caller receives one
// additional reference on the found transaction's group lock (via the
// returned release func) so the transaction cannot be destroyed out from
// under the caller before it finishes using it. When lock is true, the
// transaction's group lock is also acquired before Find returns — callers
// must call release (which unlocks, if locked, then drops the reference)
// when done.
func (r *Registry) Find(key Key, lock, addRef bool) (tx Entry, release func(), ok bool) {
	r.mu.Lock()
	reg, found := r.m[normKey(key)]
	if found && addRef {
		reg.gl.AddRef()
	}
	r.mu.Unlock()

	if !found {
		return nil, func() {}, false
	}

	if lock {
		reg.gl.Lock()
	}

	release = func() {
		if lock {
			reg.gl.Unlock()
		}
		if addRef {
			reg.gl.DecRef()
		}
	}
	return reg.entry, release, true
}

// Count returns the number of registered transactions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}
