// Package timeutil provides the timer primitive shared by the SIP and STUN
// transaction state machines: a single reusable slot that can be rearmed,
// cancelled and snapshotted, with a generation token so a fire that raced
// against a cancel/rearm can be recognized as stale and dropped.
package timeutil

import (
	"sync"
	"time"
)

// Snapshot is the serializable state of a [Slot] at a point in time. It
// carries enough information to recompute the remaining delay after a
// restore, but never the callback or the underlying [time.Timer].
type Snapshot struct {
	// Armed reports whether the slot was scheduled when the snapshot was taken.
	Armed bool `json:"armed"`
	// FiresAt is the absolute deadline, valid only when Armed is true.
	FiresAt time.Time `json:"fires_at,omitempty"`
	// Label is the caller-assigned name of the timer (e.g. "retransmit", "timeout").
	Label string `json:"label,omitempty"`
}

// Slot is one of the two timer slots a SIP transaction owns (retransmit,
// timeout) or the single slot a STUN client transaction owns. It is safe
// for concurrent use; Fire callbacks run on their own goroutine via
// time.AfterFunc. mu serializes each fire's generation check with
// Reset/Stop/Snapshot; the callback itself runs without mu held.
//
// The zero Slot is usable and unarmed.
type Slot struct {
	label string

	mu    sync.Mutex
	id    uint64 // generation token of the current arm; 0 means unarmed
	timer *time.Timer
	at    time.Time
}

// NewSlot creates a named timer slot. The label is cosmetic (used in
// snapshots and log output) and does not affect matching.
func NewSlot(label string) *Slot {
	return &Slot{label: label}
}

// Reset cancels any previously armed fire on this slot and schedules fn to
// run after d. It returns the generation token of this arm; fn will only
// run if the token is still current when the underlying timer fires, so a
// Stop or a later Reset silently supersedes it.
func (s *Slot) Reset(d time.Duration, fn func()) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.id++
	id := s.id
	s.at = time.Now().Add(d)
	s.timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		stale := id != s.id
		if !stale {
			s.timer = nil
			s.at = time.Time{}
		}
		s.mu.Unlock()
		if stale {
			return
		}
		fn()
	})
	return id
}

// Stop cancels the slot. It is idempotent and safe to call on an unarmed
// slot. After Stop returns, a pending fire that has not yet reached its
// generation check will not invoke its callback, even if the underlying
// [time.Timer] had already started it; a fire that had already passed that
// check may still run its callback.
func (s *Slot) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.id++ // bump generation so any in-flight fire becomes stale
	s.at = time.Time{}
}

// Armed reports whether the slot currently has a pending fire.
func (s *Slot) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Remaining returns the time left until the slot fires, or 0 if unarmed.
func (s *Slot) Remaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		return 0
	}
	if d := time.Until(s.at); d > 0 {
		return d
	}
	return 0
}

// Snapshot captures the slot's state for persistence. The returned value
// shares no memory with the slot.
func (s *Slot) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		return Snapshot{Label: s.label}
	}
	return Snapshot{Armed: true, FiresAt: s.at, Label: s.label}
}

// Restore rearms the slot from a snapshot taken earlier, calling fn at the
// recomputed remaining delay (or immediately, via a zero delay, if the
// deadline has already passed). It is a no-op if snap.Armed is false.
func (s *Slot) Restore(snap Snapshot, fn func()) {
	if !snap.Armed {
		return
	}
	d := time.Until(snap.FiresAt)
	if d < 0 {
		d = 0
	}
	s.Reset(d, fn)
}
