package transact

import (
	"context"

	"github.com/sipgox/sipstack/sipmsg"
)

// SendStatus is returned by [Transport.Send] to distinguish a synchronously
// completed send from one that will report completion later through the
// supplied callback, per spec.md §4.6 and the PENDING sentinel of §6.5.
type SendStatus int

const (
	// SendCompleted means the buffer was already handed to the OS/peer;
	// the transaction proceeds immediately to its post-send housekeeping.
	SendCompleted SendStatus = iota
	// SendPending means completion will be reported asynchronously via the
	// on_sent callback passed to Send.
	SendPending
)

// TransportFlags is the bitset spec.md §6.1 requires every transport to
// expose.
type TransportFlags uint8

const (
	FlagReliable TransportFlags = 1 << iota
	FlagSecure
	FlagDatagram
	FlagIPv6
)

func (f TransportFlags) Has(flag TransportFlags) bool { return f&flag != 0 }

// SendCallback reports the asynchronous outcome of a [Transport.Send] call.
// A nil err means the buffer was delivered to the transport successfully;
// a non-nil err is classified by the transaction per spec.md §4.6 item 3.
type SendCallback func(ctx context.Context, err error)

// Transport is the transport-manager interface consumed by a transaction,
// spec.md §6.1. It does not open sockets itself (that is this module's
// explicit non-goal) — it is implemented by whatever owns the actual
// socket or stream.
type Transport interface {
	// Flags reports this transport's capability bitset.
	Flags() TransportFlags
	// Reliable is shorthand for Flags().Has(FlagReliable).
	Reliable() bool
	// Send hands body to the transport for delivery to addr. token is an
	// opaque value (typically the owning transaction) threaded through to
	// on_sent for correlation in transports that log or meter by caller.
	// Send returns SendCompleted when the write finished synchronously, in
	// which case on_sent is never called; otherwise it returns SendPending
	// and on_sent is guaranteed to be called exactly once, possibly from a
	// different goroutine.
	Send(ctx context.Context, body sipmsg.Body, addr string, token any, on_sent SendCallback) (SendStatus, error)
	// AddStateListener subscribes fn to transport state changes, in
	// particular "disconnected". No transaction in this package subscribes,
	// so a disconnect is not reported to the transactions bound to the
	// transport.
	AddStateListener(fn func(event TransportStateEvent)) (unsubscribe func())
}

// TransportStateEvent is emitted by a [Transport] when its underlying
// connection changes state.
type TransportStateEvent struct {
	Disconnected bool
}

// Endpoint is the minimal surface a transaction needs from the hosting
// endpoint when it has no transport bound yet, spec.md §6.2: stateless
// sending with RFC 3263 resolution for UAC requests, and response sending
// with the precomputed [ResponseAddr] for UAS responses.
type Endpoint interface {
	// SendRequestStateless resolves req's destination per RFC 3263 and
	// hands it to the resolved transport.
	SendRequestStateless(ctx context.Context, req *sipmsg.Request, body sipmsg.Body, token any, on_sent SendCallback) (SendStatus, Transport, error)
	// SendResponse sends body to the precomputed response address.
	SendResponse(ctx context.Context, addr ResponseAddr, body sipmsg.Body, token any, on_sent SendCallback) (SendStatus, Transport, error)
}

// ResponseAddr is the response-address record of spec.md §3.3: computed
// once at UAS transaction creation, it holds where responses for this
// transaction should be sent, independent of whether a transport is bound
// yet.
type ResponseAddr struct {
	// Sticky is set for connection-oriented transports: responses must go
	// back out over this exact connection, not a freshly resolved one.
	Sticky Transport
	// Raw is the resolved destination to use when Sticky is nil.
	Raw string
	// IsReliable is carried independently of Sticky so a transaction can
	// decide retransmission behavior before any transport is bound.
	IsReliable bool
}

// NewResponseAddr computes the response address for an inbound request, per
// RFC 3261 §18.2.2 / RFC 3263 §5: prefer the connection the request arrived
// on when the transport is connection-oriented, otherwise fall back to the
// Via-derived address resolved through dnsRslvr.
func NewResponseAddr(req *sipmsg.Request, inTp Transport, dnsRslvr DNSResolver) ResponseAddr {
	if inTp != nil && inTp.Flags().Has(FlagReliable) {
		return ResponseAddr{Sticky: inTp, IsReliable: true}
	}

	via, _ := req.TopVia()
	addr, reliable := ResolveViaAddr(via, dnsRslvr)
	return ResponseAddr{Raw: addr, IsReliable: reliable}
}
