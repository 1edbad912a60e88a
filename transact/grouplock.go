package transact

import (
	"sync"
	"sync/atomic"
)

// groupLock guards a transaction's state mutation and defers its
// destruction until both the reference count reaches zero and no timer
// fire still holds one of those references, per spec.md §3.2/§5/§9.
//
// The mutex is a plain, non-reentrant [sync.Mutex]. It is taken only by
// [Registry.Find] with lock set, which is how [Layer] dispatch holds it
// around RecvRequest/RecvResponse. Timer fires, transport callbacks and
// direct TU calls (Respond, Terminate, RecvResponse) fire the FSM without
// taking it, and transport errors are delivered into the FSM synchronously
// rather than deferred.
type groupLock struct {
	mu        sync.Mutex
	refs      atomic.Int32
	destroyed atomic.Bool
	onZero    atomic.Pointer[func()]
}

func newGroupLock() *groupLock {
	gl := &groupLock{}
	gl.refs.Store(1) // the owning transaction's own reference
	return gl
}

// Lock acquires the group lock for the duration of an FSM mutation.
func (gl *groupLock) Lock() { gl.mu.Lock() }

// Unlock releases the group lock.
func (gl *groupLock) Unlock() { gl.mu.Unlock() }

// AddRef increments the reference count, e.g. when the registry hands out a
// found transaction, or a transport send is outstanding.
func (gl *groupLock) AddRef() { gl.refs.Add(1) }

// DecRef releases a reference previously taken with AddRef. If the count
// reaches zero after the transaction has been marked destroyable, the
// registered destroy callback runs exactly once.
func (gl *groupLock) DecRef() {
	if gl.refs.Add(-1) == 0 && gl.destroyed.Load() {
		gl.fireOnZero()
	}
}

// OnZero registers the callback to run once the transaction is both marked
// destroyable and has no outstanding references. If that condition already
// holds, it runs immediately on the calling goroutine.
func (gl *groupLock) OnZero(fn func()) {
	gl.onZero.Store(&fn)
	if gl.destroyed.Load() && gl.refs.Load() == 0 {
		gl.fireOnZero()
	}
}

func (gl *groupLock) fireOnZero() {
	if p := gl.onZero.Swap(nil); p != nil {
		(*p)()
	}
}

// MarkDestroyable drops the transaction's own initial reference and, once
// no other reference remains, triggers the OnZero callback.
func (gl *groupLock) MarkDestroyable() {
	if !gl.destroyed.CompareAndSwap(false, true) {
		return
	}
	gl.DecRef()
}
