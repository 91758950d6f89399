// Package dnsprovider manages A records for exposed webservices through
// RFC 2136 dynamic updates against the authoritative server.
package dnsprovider

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/miekg/dns"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/config"
)

// Provider is what the workflow layer sees. CreateRecord is idempotent: a
// prior record with the same address is kept; a differing one is replaced.
type Provider interface {
	CreateRecord(ctx context.Context, name, ip, zone string) error
	DeleteRecord(ctx context.Context, name, zone string) error
}

// ErrNoServer is returned when the provider is used without a configured
// authoritative server.
var ErrNoServer = errors.New("dns: no server configured")

// Updater is the RFC 2136 Provider.
type Updater struct {
	server   string
	tsigName string
	ttl      uint32
	client   *dns.Client
	logger   *log.Logger
}

// NewUpdater builds an Updater from the dns config section.
func NewUpdater(cfg config.DNSConfig) *Updater {
	c := &dns.Client{Net: "tcp", Timeout: time.Duration(cfg.Timeout)}
	u := &Updater{
		server: cfg.Server,
		ttl:    uint32(time.Duration(cfg.RecordTTL) / time.Second),
		client: c,
		logger: log.New(os.Stderr, "[dns] ", log.LstdFlags|log.Lmsgprefix),
	}
	if cfg.TSIGKeyName != "" {
		u.tsigName = dns.Fqdn(cfg.TSIGKeyName)
		c.TsigSecret = map[string]string{u.tsigName: cfg.TSIGSecret}
	}
	return u
}

// CreateRecord ensures name.zone has an A record pointing at ip.
func (u *Updater) CreateRecord(ctx context.Context, name, ip, zone string) error {
	if u.server == "" {
		return ErrNoServer
	}
	addr := net.ParseIP(ip)
	if addr == nil || addr.To4() == nil {
		return fmt.Errorf("dns: %q is not an IPv4 address", ip)
	}
	fqdn := dns.Fqdn(name + "." + zone)

	existing, err := u.lookupA(ctx, fqdn, zone)
	if err != nil {
		return err
	}
	if existing != nil && existing.Equal(addr) {
		u.logger.Printf("record %s already points at %s", fqdn, ip)
		return nil
	}

	msg := new(dns.Msg)
	msg.SetUpdate(dns.Fqdn(zone))
	rr := &dns.A{
		Hdr: dns.RR_Header{Name: fqdn, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: u.ttl},
		A:   addr.To4(),
	}
	if existing != nil {
		// Replace, not append: one address per webservice name.
		msg.RemoveRRset([]dns.RR{rr})
	}
	msg.Insert([]dns.RR{rr})
	if err := u.exchange(ctx, msg); err != nil {
		return fmt.Errorf("dns: create %s: %w", fqdn, err)
	}
	u.logger.Printf("created record %s -> %s", fqdn, ip)
	return nil
}

// DeleteRecord removes the A records of name.zone. A missing record is not
// an error.
func (u *Updater) DeleteRecord(ctx context.Context, name, zone string) error {
	if u.server == "" {
		return ErrNoServer
	}
	fqdn := dns.Fqdn(name + "." + zone)

	msg := new(dns.Msg)
	msg.SetUpdate(dns.Fqdn(zone))
	rr := &dns.A{Hdr: dns.RR_Header{Name: fqdn, Rrtype: dns.TypeA, Class: dns.ClassINET}}
	msg.RemoveRRset([]dns.RR{rr})
	if err := u.exchange(ctx, msg); err != nil {
		return fmt.Errorf("dns: delete %s: %w", fqdn, err)
	}
	u.logger.Printf("deleted record %s", fqdn)
	return nil
}

// lookupA queries the authoritative server directly for the current A
// record, bypassing resolver caches.
func (u *Updater) lookupA(ctx context.Context, fqdn, zone string) (net.IP, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(fqdn, dns.TypeA)
	reply, _, err := u.client.ExchangeContext(ctx, msg, u.server)
	if err != nil {
		return nil, fmt.Errorf("dns: query %s: %w", fqdn, err)
	}
	for _, rr := range reply.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A, nil
		}
	}
	return nil, nil
}

func (u *Updater) exchange(ctx context.Context, msg *dns.Msg) error {
	if u.tsigName != "" {
		msg.SetTsig(u.tsigName, dns.HmacSHA256, 300, time.Now().Unix())
	}
	reply, _, err := u.client.ExchangeContext(ctx, msg, u.server)
	if err != nil {
		return err
	}
	if reply.Rcode != dns.RcodeSuccess {
		return fmt.Errorf("server refused update: %s", dns.RcodeToString[reply.Rcode])
	}
	return nil
}
