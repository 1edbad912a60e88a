package transact

import "time"

// Default SIP timer base values, RFC 3261 §17.1.1.1 / spec.md §4.4.1.
const (
	T1 = 500 * time.Millisecond
	T2 = 4 * time.Second
	T4 = 5 * time.Second
	TD = 32 * time.Second
	// Timer1xx is the INVITE provisional (>100) periodic retransmit
	// interval used while Proceeding on an unreliable transport.
	Timer1xx = 60 * time.Second
)

// Timings is the read-mostly, process-wide (or per-endpoint) set of SIP
// timer knobs from spec.md §6.6. Its zero value uses the package defaults
// T1/T2/T4/TD/Timer1xx. Changing it after a transaction is created never
// affects that transaction — only transactions created afterward observe
// the new values, per spec.md §6.6.
type Timings struct {
	t1, t2, t4, td, timer1xx time.Duration
}

// NewTimings builds a custom timing config. Passing 0 for any field keeps
// the package default for that base value.
func NewTimings(t1, t2, t4, td, timer1xx time.Duration) Timings {
	return Timings{t1: t1, t2: t2, t4: t4, td: td, timer1xx: timer1xx}
}

func (t Timings) T1() time.Duration {
	if t.t1 == 0 {
		return T1
	}
	return t.t1
}

func (t Timings) T2() time.Duration {
	if t.t2 == 0 {
		return T2
	}
	return t.t2
}

func (t Timings) T4() time.Duration {
	if t.t4 == 0 {
		return T4
	}
	return t.t4
}

func (t Timings) TD() time.Duration {
	if t.td == 0 {
		return TD
	}
	return t.td
}

// Timeout is the overall UAC/UAS deadline (timers B, F, H, J): 64*T1.
func (t Timings) Timeout() time.Duration { return 64 * t.T1() }

// Timer1xx is the periodic retransmit interval for a non-100 INVITE
// provisional response while Proceeding on an unreliable transport.
func (t Timings) Timer1xx() time.Duration {
	if t.timer1xx == 0 {
		return Timer1xx
	}
	return t.timer1xx
}
