// Package dnsresponder is the authoritative DNS responder for ACME
// DNS-01 validation: it answers TXT queries under the challenge zone
// from published AcmeChallenge tokens.
package dnsresponder

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/miekg/dns"

	"forge.static-hosting.dev/platform/internal/metadata"
)

// challengeTTL is the TTL every answered TXT record
// carries.
const challengeTTL = 3600

// Server answers DNS-01 TXT queries for one zone, e.g. "acme.example.com.".
type Server struct {
	Repo metadata.Repository
	Zone string // must be dns.Fqdn-normalized, e.g. "acme.example.com."
}

// ListenAndServe starts UDP and TCP listeners on addr and blocks until
// ctx is cancelled. Cancellation is expressed via context rather than a
// Consul lock-loss channel since the caller acquires the process-lifetime
// lock before ListenAndServe is ever called — see cmd/fairing.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := dns.NewServeMux()
	mux.HandleFunc(s.Zone, s.handle)

	udp := &dns.Server{Addr: addr, Net: "udp", Handler: mux}
	tcp := &dns.Server{Addr: addr, Net: "tcp", Handler: mux}

	errCh := make(chan error, 2)
	go func() { errCh <- udp.ListenAndServe() }()
	go func() { errCh <- tcp.ListenAndServe() }()

	select {
	case <-ctx.Done():
		_ = udp.ShutdownContext(context.Background())
		_ = tcp.ShutdownContext(context.Background())
		return nil
	case err := <-errCh:
		return fmt.Errorf("dnsresponder: listen: %w", err)
	}
}

func (s *Server) handle(w dns.ResponseWriter, r *dns.Msg) {
	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.Authoritative = true

	if len(r.Question) != 1 {
		msg.Rcode = dns.RcodeNotImplemented
		_ = w.WriteMsg(msg)
		return
	}
	q := r.Question[0]
	if q.Qtype != dns.TypeTXT && q.Qtype != dns.TypeANY {
		msg.Rcode = dns.RcodeNotImplemented
		_ = w.WriteMsg(msg)
		return
	}

	label, ok := challengeLabel(q.Name, s.Zone)
	if !ok {
		msg.Rcode = dns.RcodeNotImplemented
		_ = w.WriteMsg(msg)
		return
	}

	tokens, err := s.Repo.GetAcmeDNS01Challenges(context.Background(), label)
	if err != nil {
		log.Printf("dnsresponder: get acme dns-01 challenges %q: %v", label, err)
		msg.Rcode = dns.RcodeServerFailure
		_ = w.WriteMsg(msg)
		return
	}
	if len(tokens) == 0 {
		msg.Rcode = dns.RcodeNameError
		_ = w.WriteMsg(msg)
		return
	}

	for _, tok := range tokens {
		msg.Answer = append(msg.Answer, &dns.TXT{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: challengeTTL},
			Txt: []string{tok},
		})
	}
	_ = w.WriteMsg(msg)
}

// challengeLabel extracts the left-most label of a query name under
// zone (step 1), e.g. "abc123.acme.example.com." under zone
// "acme.example.com." yields "abc123".
func challengeLabel(name, zone string) (string, bool) {
	name = dns.Fqdn(strings.ToLower(name))
	zone = dns.Fqdn(strings.ToLower(zone))
	if !strings.HasSuffix(name, zone) {
		return "", false
	}
	rest := strings.TrimSuffix(name, zone)
	rest = strings.TrimSuffix(rest, ".")
	if rest == "" {
		return "", false
	}
	labels := strings.Split(rest, ".")
	return labels[0], true
}
