package transact

import (
	"context"
	"fmt"
	"log/slog"

	"braces.dev/errtrace"

	"github.com/sipgox/sipstack/internal/log"
	"github.com/sipgox/sipstack/sipmsg"
)

// RequestHandler is invoked for an inbound request that does not match any
// existing server transaction — i.e. a new transaction the TU must decide
// whether to accept, per spec.md §4.3.
type RequestHandler func(ctx context.Context, req *sipmsg.Request, inTp Transport) (*InviteServerTransaction, *NonInviteServerTransaction, error)

// Layer is the transaction layer of spec.md §4.3: the single entry point a
// transport-facing component calls with every inbound message, and the
// shared registry/timing/DNS configuration new transactions are created
// with.
type Layer struct {
	reg     *Registry
	timings Timings
	dns     DNSResolver
	ep      Endpoint
	log     *slog.Logger

	onRequest RequestHandler
}

// LayerOptions configures a new [Layer].
type LayerOptions struct {
	Timings Timings
	DNS     DNSResolver
	Endpoint Endpoint
	Logger  *slog.Logger
}

// NewLayer creates a transaction layer with its own registry.
func NewLayer(opts LayerOptions) *Layer {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default
	}
	return &Layer{
		reg:     NewRegistry(),
		timings: opts.Timings,
		dns:     opts.DNS,
		ep:      opts.Endpoint,
		log:     logger,
	}
}

// Registry exposes the layer's transaction registry, e.g. for tests or
// metrics that want Count().
func (l *Layer) Registry() *Registry { return l.reg }

// OnRequest installs the handler invoked for requests that start a new
// server transaction. It must be set before the layer starts dispatching.
func (l *Layer) OnRequest(fn RequestHandler) { l.onRequest = fn }

// NewInviteClientTransaction creates a UAC INVITE transaction wired to this
// layer's registry, timings, endpoint and logger, letting the caller
// override Transport/Logger per-call via opts if non-nil.
func (l *Layer) NewInviteClientTransaction(ctx context.Context, req *sipmsg.Request, opts *ClientTransactionOptions) (*InviteClientTransaction, error) {
	return errtrace.Wrap2(NewInviteClientTransaction(ctx, req, l.mergeClientOpts(opts)))
}

// NewNonInviteClientTransaction creates a UAC non-INVITE transaction wired
// to this layer, per spec.md §4.3.
func (l *Layer) NewNonInviteClientTransaction(ctx context.Context, req *sipmsg.Request, opts *ClientTransactionOptions) (*NonInviteClientTransaction, error) {
	return errtrace.Wrap2(NewNonInviteClientTransaction(ctx, req, l.mergeClientOpts(opts)))
}

func (l *Layer) mergeClientOpts(opts *ClientTransactionOptions) *ClientTransactionOptions {
	merged := ClientTransactionOptions{Registry: l.reg, Timings: l.timings, Logger: l.log, Endpoint: l.ep}
	if opts != nil {
		if opts.Transport != nil {
			merged.Transport = opts.Transport
		}
		if opts.Endpoint != nil {
			merged.Endpoint = opts.Endpoint
		}
		if opts.Logger != nil {
			merged.Logger = opts.Logger
		}
	}
	return &merged
}

func (l *Layer) mergeServerOpts(inTp Transport) *ServerTransactionOptions {
	return &ServerTransactionOptions{
		Transport: inTp,
		Endpoint:  l.ep,
		DNS:       l.dns,
		Registry:  l.reg,
		Timings:   l.timings,
		Logger:    l.log,
	}
}

// OnRxRequest is the transport-facing entry point for an inbound request,
// spec.md §4.3 item 1: it dispatches a retransmission/ACK to its existing
// server transaction, or calls the installed [RequestHandler] to let the TU
// start a new one.
func (l *Layer) OnRxRequest(ctx context.Context, req *sipmsg.Request, inTp Transport) error {
	role := RoleUAS
	key, err := KeyFromMessage(role, req.RequestMethod, req)
	if err != nil {
		return errtrace.Wrap(fmt.Errorf("transact: deriving key for inbound request: %w", err))
	}

	if entry, release, ok := l.reg.Find(key, true, true); ok {
		defer release()
		switch tx := entry.(type) {
		case *InviteServerTransaction:
			return errtrace.Wrap(tx.RecvRequest(ctx, req))
		case *NonInviteServerTransaction:
			return errtrace.Wrap(tx.RecvRequest(ctx, req))
		default:
			return errtrace.Wrap(fmt.Errorf("%w: registry entry for key %q has unexpected type %T", ErrInvalidOp, key, entry))
		}
	}

	if l.onRequest == nil {
		l.log.LogAttrs(ctx, slog.LevelWarn, "no request handler installed, dropping unmatched request",
			slog.String("method", string(req.RequestMethod)))
		return nil
	}

	invTx, nonInvTx, err := l.onRequest(ctx, req, inTp)
	if err != nil {
		return errtrace.Wrap(err)
	}
	_ = invTx
	_ = nonInvTx
	return nil
}

// OnRxResponse is the transport-facing entry point for an inbound response,
// spec.md §4.3 item 2: it dispatches to the matching client transaction, or
// silently drops the response (per RFC 3261 §17.1.3) if none matches.
func (l *Layer) OnRxResponse(ctx context.Context, res *sipmsg.Response, cseqMethod sipmsg.Method) error {
	key, err := KeyFromMessage(RoleUAC, cseqMethod, res)
	if err != nil {
		return errtrace.Wrap(fmt.Errorf("transact: deriving key for inbound response: %w", err))
	}

	entry, release, ok := l.reg.Find(key, true, true)
	if !ok {
		l.log.LogAttrs(ctx, slog.LevelDebug, "no matching client transaction for response, dropping",
			slog.Any("key", key), slog.Int("status", res.Status))
		return nil
	}
	defer release()

	switch tx := entry.(type) {
	case *InviteClientTransaction:
		return errtrace.Wrap(tx.RecvResponse(ctx, res))
	case *NonInviteClientTransaction:
		return errtrace.Wrap(tx.RecvResponse(ctx, res))
	default:
		return errtrace.Wrap(fmt.Errorf("%w: registry entry for key %q has unexpected type %T", ErrInvalidOp, key, entry))
	}
}

// NewInviteServerTransaction creates a UAS INVITE transaction wired to this
// layer's registry/endpoint/DNS/timings/logger for the given inbound
// request and the transport it arrived on (nil for a datagram transport).
func (l *Layer) NewInviteServerTransaction(req *sipmsg.Request, inTp Transport) (*InviteServerTransaction, error) {
	return errtrace.Wrap2(NewInviteServerTransaction(req, l.mergeServerOpts(inTp)))
}

// NewNonInviteServerTransaction creates a UAS non-INVITE transaction wired
// to this layer, per spec.md §4.3.
func (l *Layer) NewNonInviteServerTransaction(req *sipmsg.Request, inTp Transport) (*NonInviteServerTransaction, error) {
	return errtrace.Wrap2(NewNonInviteServerTransaction(req, l.mergeServerOpts(inTp)))
}

// Count returns the number of live transactions tracked by this layer.
func (l *Layer) Count() int { return l.reg.Count() }
