package transact

import (
	"context"
	"fmt"
	"net"

	"github.com/miekg/dns"

	"braces.dev/errtrace"

	"github.com/sipgox/sipstack/sipmsg"
)

// DNSResolver resolves the destination address a transaction falls back to
// when a request's top Via carries no usable "received" hint — the
// RFC 3263 §5 tail of the transport-coupling resolution chain in spec.md
// §4.6 item 4.
type DNSResolver interface {
	LookupSRV(ctx context.Context, service, proto, host string) ([]*net.SRV, error)
	LookupHost(ctx context.Context, host string) ([]net.IP, error)
}

// MiekgResolver implements [DNSResolver] against a specific DNS server using
// github.com/miekg/dns, rather than the process-wide resolver net.Resolver
// uses, so a SIP stack can point transaction fallback resolution at its own
// configured recursive resolver.
type MiekgResolver struct {
	// Server is "host:port" of the recursive resolver to query.
	Server string
	Client *dns.Client
}

// NewMiekgResolver returns a resolver querying server, creating a default
// *dns.Client (UDP, 2s timeout) if c is nil.
func NewMiekgResolver(server string, c *dns.Client) *MiekgResolver {
	if c == nil {
		c = new(dns.Client)
	}
	return &MiekgResolver{Server: server, Client: c}
}

func (r *MiekgResolver) exchange(ctx context.Context, m *dns.Msg) (*dns.Msg, error) {
	in, _, err := r.Client.ExchangeContext(ctx, m, r.Server)
	if err != nil {
		return nil, errtrace.Wrap(fmt.Errorf("dns exchange: %w", err))
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, errtrace.Wrap(fmt.Errorf("%w: dns exchange: rcode %s", ErrNotFound, dns.RcodeToString[in.Rcode]))
	}
	return in, nil
}

// LookupSRV issues "_service._proto.host" SRV queries, the mechanism behind
// RFC 3263 §4.1 transport selection (e.g. "_sip._udp.example.com").
func (r *MiekgResolver) LookupSRV(ctx context.Context, service, proto, host string) ([]*net.SRV, error) {
	name := dns.Fqdn(fmt.Sprintf("_%s._%s.%s", service, proto, host))
	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypeSRV)

	in, err := r.exchange(ctx, m)
	if err != nil {
		return nil, err
	}

	var out []*net.SRV
	for _, rr := range in.Answer {
		if srv, ok := rr.(*dns.SRV); ok {
			out = append(out, &net.SRV{Target: srv.Target, Port: srv.Port, Priority: srv.Priority, Weight: srv.Weight})
		}
	}
	return out, nil
}

// LookupHost resolves host's A/AAAA records, the final RFC 3263 §4.2
// fallback when no NAPTR/SRV record narrows the destination further.
func (r *MiekgResolver) LookupHost(ctx context.Context, host string) ([]net.IP, error) {
	var ips []net.IP
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), qtype)
		in, err := r.exchange(ctx, m)
		if err != nil {
			continue
		}
		for _, rr := range in.Answer {
			switch rec := rr.(type) {
			case *dns.A:
				ips = append(ips, rec.A)
			case *dns.AAAA:
				ips = append(ips, rec.AAAA)
			}
		}
	}
	if len(ips) == 0 {
		return nil, errtrace.Wrap(fmt.Errorf("%w: dns lookup host %q: no records", ErrNotFound, host))
	}
	return ips, nil
}

// ResolveViaAddr implements the RFC 3261 §18.2.2 / RFC 3263 §5 bullets used
// to compute where to send a response when no sticky connection applies:
// prefer "received"+"rport", then the Via's own host:port, resolving the
// host through dnsRslvr only when it is not already a literal address.
// It returns ("", false) if no address could be determined.
func ResolveViaAddr(via sipmsg.Via, dnsRslvr DNSResolver) (addr string, reliable bool) {
	host := via.Host
	port := via.Port

	if received, ok := via.Received(); ok && received != "" {
		host = received
	}
	if rport, ok := via.RPort(); ok && rport != 0 {
		port = rport
	}
	if port == 0 {
		port = defaultPortFor(via.Transport)
	}

	if net.ParseIP(host) == nil && dnsRslvr != nil {
		if ips, err := dnsRslvr.LookupHost(context.Background(), host); err == nil && len(ips) > 0 {
			host = ips[0].String()
		}
	}

	if host == "" {
		return "", false
	}
	return net.JoinHostPort(host, fmt.Sprint(port)), isReliableTransport(via.Transport)
}

func defaultPortFor(transport string) int {
	switch transport {
	case "TLS":
		return 5061
	default:
		return 5060
	}
}

func isReliableTransport(transport string) bool {
	switch transport {
	case "TCP", "TLS", "SCTP", "WSS", "WS":
		return true
	default:
		return false
	}
}
