// Package sipmsg is the message model consumed by the transaction layer.
//
// It is deliberately not a wire parser/printer — spec.md places message
// parsing and printing out of scope for this core, so values here are built
// programmatically by a transaction user (or by a parser living in a
// separate package) rather than decoded from bytes. What it does provide is
// the handful of fields and behaviors the transaction FSMs actually read:
// method, CSeq, Call-ID, From/To tags, the Via list (branch, sent-by,
// received, rport) and a reference-counted body buffer that survives
// retransmission without being recopied.
package sipmsg

import (
	"maps"
	"strings"
	"sync/atomic"
)

// Method is a SIP request method.
type Method string

// Methods referenced directly by the transaction layer.
const (
	INVITE   Method = "INVITE"
	ACK      Method = "ACK"
	BYE      Method = "BYE"
	CANCEL   Method = "CANCEL"
	REGISTER Method = "REGISTER"
	OPTIONS  Method = "OPTIONS"
	PRACK    Method = "PRACK"
)

// Equal compares methods case-insensitively, as SIP methods are tokens but
// implementations have historically been lax about case.
func (m Method) Equal(o Method) bool {
	return strings.EqualFold(string(m), string(o))
}

// CSeq is the parsed CSeq header value.
type CSeq struct {
	Seq    uint32
	Method Method
}

// Via is one hop of the Via header list. Only the fields the transaction
// layer's key derivation and response-routing logic read are modeled.
type Via struct {
	Transport string // "UDP", "TCP", "TLS", ...
	Host      string // sent-by host
	Port      int    // sent-by port, 0 if not present
	Params    map[string]string
}

func (v Via) param(name string) (string, bool) {
	if v.Params == nil {
		return "", false
	}
	val, ok := v.Params[strings.ToLower(name)]
	return val, ok
}

// Branch returns the branch parameter, if any.
func (v Via) Branch() (string, bool) { return v.param("branch") }

// Received returns the received parameter (RFC 3261 §18.2.1), if any.
func (v Via) Received() (string, bool) { return v.param("received") }

// RPort returns the rport response parameter (RFC 3581), if present and numeric.
func (v Via) RPort() (int, bool) {
	s, ok := v.param("rport")
	if !ok || s == "" {
		return 0, false
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

// SentBy renders "host:port" (or just "host" when Port is 0), used by the
// RFC 2543 fallback transaction key.
func (v Via) SentBy() string {
	if v.Port == 0 {
		return v.Host
	}
	return v.Host + ":" + itoa(v.Port)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Body is a reference-counted transmit buffer. The transaction layer clones
// a Request/Response once into a Body when it first transmits it and then
// reuses that same Body for every retransmission, per spec.md §3.2
// (last_tx) — the bytes are never mutated after the first send.
type Body struct {
	refs *int32
	data []byte
}

// NewBody wraps data with a fresh reference count of 1.
func NewBody(data []byte) Body {
	n := int32(1)
	return Body{refs: &n, data: data}
}

// Clone increments the reference count and returns a Body sharing the same
// underlying bytes.
func (b Body) Clone() Body {
	if b.refs != nil {
		atomic.AddInt32(b.refs, 1)
	}
	return b
}

// Release decrements the reference count. It is safe to call multiple
// times; callers are not required to track whether they already released.
func (b Body) Release() {
	if b.refs != nil {
		atomic.AddInt32(b.refs, -1)
	}
}

// Bytes returns the underlying bytes. Callers must not mutate them.
func (b Body) Bytes() []byte { return b.data }

// Message is the common read surface the transaction layer needs from both
// requests and responses.
type Message interface {
	CallID() string
	CSeq() CSeq
	FromTag() string
	ToTag() string
	Vias() []Via
	TopVia() (Via, bool)
	Body() Body
}

// Request is an outbound or inbound SIP request.
type Request struct {
	RequestMethod Method
	RequestURI    string
	Call          string
	From          string
	FromTagVal    string
	To            string
	ToTagVal      string
	Seq           CSeq
	ViaList       []Via
	Payload       Body
}

func (r *Request) CallID() string      { return r.Call }
func (r *Request) CSeq() CSeq          { return r.Seq }
func (r *Request) FromTag() string     { return r.FromTagVal }
func (r *Request) ToTag() string       { return r.ToTagVal }
func (r *Request) Vias() []Via         { return r.ViaList }
func (r *Request) Body() Body          { return r.Payload }
func (r *Request) Method() Method      { return r.RequestMethod }

func (r *Request) TopVia() (Via, bool) {
	if len(r.ViaList) == 0 {
		return Via{}, false
	}
	return r.ViaList[0], true
}

// Clone returns a deep-enough copy suitable as a new transmit buffer (e.g.
// for a generated ACK): the Via list and params are copied, the body is
// shared via Body.Clone.
func (r *Request) Clone() *Request {
	cp := *r
	cp.ViaList = append([]Via(nil), r.ViaList...)
	for i := range cp.ViaList {
		cp.ViaList[i].Params = maps.Clone(cp.ViaList[i].Params)
	}
	cp.Payload = r.Payload.Clone()
	return &cp
}

// Response is an outbound or inbound SIP response.
type Response struct {
	Status     int
	Reason     string
	Call       string
	FromTagVal string
	ToTagVal   string
	Seq        CSeq
	ViaList    []Via
	Payload    Body
}

func (r *Response) CallID() string  { return r.Call }
func (r *Response) CSeq() CSeq      { return r.Seq }
func (r *Response) FromTag() string { return r.FromTagVal }
func (r *Response) ToTag() string   { return r.ToTagVal }
func (r *Response) Vias() []Via     { return r.ViaList }
func (r *Response) Body() Body      { return r.Payload }

func (r *Response) TopVia() (Via, bool) {
	if len(r.ViaList) == 0 {
		return Via{}, false
	}
	return r.ViaList[0], true
}

// IsProvisional reports whether the status is a 1xx.
func (r *Response) IsProvisional() bool { return r.Status >= 100 && r.Status < 200 }

// IsSuccess reports whether the status is a 2xx.
func (r *Response) IsSuccess() bool { return r.Status >= 200 && r.Status < 300 }

// NewResponse builds a response to req carrying the given status, sharing
// req's dialog-identifying headers (Via list, Call-ID, tags, CSeq) the way a
// TU constructs a response from a request it is asked to answer.
func NewResponse(req *Request, status int, reason string, body Body) *Response {
	return &Response{
		Status:     status,
		Reason:     reason,
		Call:       req.Call,
		FromTagVal: req.FromTagVal,
		ToTagVal:   req.ToTagVal,
		Seq:        req.Seq,
		ViaList:    append([]Via(nil), req.ViaList...),
		Payload:    body,
	}
}

// NewAck builds the ACK for a non-2xx final response to an INVITE, per
// RFC 3261 §17.1.1.3: same Call-ID, From tag, CSeq number (method ACK), and
// Via, and a To tag taken from the response.
func NewAck(req *Request, res *Response) *Request {
	return &Request{
		RequestMethod: ACK,
		RequestURI:    req.RequestURI,
		Call:          req.Call,
		From:          req.From,
		FromTagVal:    req.FromTagVal,
		To:            req.To,
		ToTagVal:      res.ToTagVal,
		Seq:           CSeq{Seq: req.Seq.Seq, Method: ACK},
		ViaList:       append([]Via(nil), req.ViaList...),
	}
}
