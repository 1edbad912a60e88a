package stun

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"braces.dev/errtrace"

	"github.com/sipgox/sipstack/internal/log"
)

// LongTermCredentials is the long-term credential mechanism of RFC 5389
// §10.2: realm + username + password, used to compute MESSAGE-INTEGRITY
// once a 401 challenge supplies a realm and nonce.
type LongTermCredentials struct {
	Realm    string
	Username string
	Password string
}

// ShortTermCredentials is the short-term credential mechanism of RFC 5389
// §10.1, e.g. ICE connectivity checks: username + password known in
// advance by both sides.
type ShortTermCredentials struct {
	Username string
	Password string
}

// Credentials selects which of the two STUN authentication mechanisms a
// session applies to outgoing requests, spec.md §3.5. Attribute encoding
// itself (MESSAGE-INTEGRITY, USERNAME) is out of this package's scope, per
// the package doc in message.go; Credentials exists so a caller building
// the request buffer knows which attributes to add before handing it to
// [Session.SendRequest].
type Credentials struct {
	LongTerm  *LongTermCredentials
	ShortTerm *ShortTermCredentials
}

// SessionOptions configures a [Session].
type SessionOptions struct {
	Credentials Credentials
	Timings     *ClientTransactionOptions
	Logger      *slog.Logger
}

func (o *SessionOptions) credentials() Credentials {
	if o == nil {
		return Credentials{}
	}
	return o.Credentials
}

func (o *SessionOptions) timings() *ClientTransactionOptions {
	if o == nil {
		return nil
	}
	return o.Timings
}

func (o *SessionOptions) logger() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default
	}
	return o.Logger
}

// Sender is the outbound packet transport a [Session] drives, analogous to
// [github.com/sipgox/sipstack/transact.Endpoint] on the SIP side: a single
// stateless "send these bytes to this destination" operation.
type Sender interface {
	SendPacket(ctx context.Context, raw []byte, dest string) error
}

// RequestResult is delivered to the caller of [Session.SendRequest] once,
// carrying the same three-way outcome as [Callback.OnComplete].
type RequestResult struct {
	Outcome  Outcome
	Response *Message
}

// Session owns the pool of in-flight STUN client transactions for one
// local endpoint, spec.md §3.5/§4.8. Its pending-transaction list is
// protected by mu; each [ClientTransaction]'s own internal state is
// mutated without holding mu, per spec.md §5.
type Session struct {
	sender Sender
	creds  Credentials
	timing *ClientTransactionOptions
	log    *slog.Logger

	mu      sync.Mutex
	pending map[TransactionID]*ClientTransaction
}

// NewSession creates a session that sends through sender.
func NewSession(sender Sender, opts *SessionOptions) *Session {
	return &Session{
		sender:  sender,
		creds:   opts.credentials(),
		timing:  opts.timings(),
		log:     opts.logger(),
		pending: make(map[TransactionID]*ClientTransaction),
	}
}

// Credentials returns the authentication mechanism this session applies to
// outgoing requests.
func (s *Session) Credentials() Credentials { return s.creds }

// Count reports the number of in-flight client transactions.
func (s *Session) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// SendRequest starts a new client transaction for req against dest and
// blocks until it reaches a terminal outcome, per spec.md §4.8. req must
// already carry a well-formed STUN header; if its transaction ID field is
// zero, one is generated and stamped in before the first send.
//
// The session registers the transaction in its pending list right after
// the first send (which [NewClientTransaction] performs) and removes it the
// moment the transaction completes, regardless of outcome. A response that
// arrives before registration matches no pending transaction and is dropped. If ctx is cancelled first, the transaction is
// destroyed and ctx.Err() is returned instead of a RequestResult.
func (s *Session) SendRequest(ctx context.Context, req Message, dest string) (RequestResult, error) {
	resultCh := make(chan RequestResult, 1)

	var tx *ClientTransaction
	cb := Callback{
		OnSendMsg: func(ctx context.Context, msg Message, dest string) {
			if err := s.sender.SendPacket(ctx, msg.Raw, dest); err != nil {
				s.log.LogAttrs(ctx, slog.LevelWarn, "stun packet send failed",
					slog.String("dest", dest), slog.Any("error", err))
			}
		},
		OnComplete: func(ctx context.Context, outcome Outcome, resp *Message) {
			s.remove(tx.ID())
			resultCh <- RequestResult{Outcome: outcome, Response: resp}
		},
	}

	tx = NewClientTransaction(ctx, req, dest, cb, s.timing)
	s.add(tx)

	select {
	case res := <-resultCh:
		return res, nil
	case <-ctx.Done():
		tx.Destroy(ctx)
		return RequestResult{}, errtrace.Wrap(ctx.Err())
	}
}

func (s *Session) add(tx *ClientTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[tx.ID()] = tx
}

func (s *Session) remove(id TransactionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}

// OnRxMessage dispatches an inbound, already-demultiplexed STUN message to
// the pending transaction matching its transaction ID, per spec.md §4.8.
// Parsing the wire packet into a [Message] happens outside this package,
// consistent with the non-parser scope decision in message.go. Messages
// matching no pending transaction are dropped silently, per RFC 5389 §7.3.1.
func (s *Session) OnRxMessage(ctx context.Context, msg Message) {
	if !msg.IsSuccess() && !msg.IsError() {
		return // indications and requests are not this session's concern
	}

	id := msg.TransactionID()
	s.mu.Lock()
	tx, ok := s.pending[id]
	s.mu.Unlock()
	if !ok {
		s.log.LogAttrs(ctx, slog.LevelDebug, "stun response matches no pending transaction",
			slog.String("tsx_id", fmt.Sprintf("%x", id)))
		return
	}
	tx.Ingest(ctx, msg)
}

// Close cancels every in-flight transaction, delivering [Cancelled] to each
// via its own OnComplete callback.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	txs := make([]*ClientTransaction, 0, len(s.pending))
	for _, tx := range s.pending {
		txs = append(txs, tx)
	}
	s.mu.Unlock()

	for _, tx := range txs {
		tx.Destroy(ctx)
	}
}
