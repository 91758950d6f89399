package dnsprovider

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/config"
)

// fakeZone is an in-process authoritative server accepting dynamic updates
// into a map.
type fakeZone struct {
	mu      sync.Mutex
	records map[string]net.IP // fqdn -> A
	updates int
}

func (z *fakeZone) handle(w dns.ResponseWriter, r *dns.Msg) {
	z.mu.Lock()
	defer z.mu.Unlock()

	reply := new(dns.Msg)
	reply.SetReply(r)

	switch r.Opcode {
	case dns.OpcodeQuery:
		q := r.Question[0]
		if ip, ok := z.records[q.Name]; ok && q.Qtype == dns.TypeA {
			reply.Answer = append(reply.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
				A:   ip,
			})
		}
	case dns.OpcodeUpdate:
		z.updates++
		for _, rr := range r.Ns {
			a, ok := rr.(*dns.A)
			if !ok {
				continue
			}
			hdr := a.Header()
			if hdr.Class == dns.ClassANY {
				delete(z.records, hdr.Name)
				continue
			}
			z.records[hdr.Name] = a.A
		}
	}
	_ = w.WriteMsg(reply)
}

func newTestUpdater(t *testing.T) (*Updater, *fakeZone) {
	t.Helper()
	zone := &fakeZone{records: map[string]net.IP{}}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &dns.Server{
		Listener: l,
		Handler:  dns.HandlerFunc(zone.handle),
		// The default accept func rejects dynamic updates with NOTIMP
		// before they reach the handler.
		MsgAcceptFunc: func(dns.Header) dns.MsgAcceptAction { return dns.MsgAccept },
	}
	go srv.ActivateAndServe()
	t.Cleanup(func() { srv.Shutdown() })

	u := NewUpdater(config.DNSConfig{
		Server:    l.Addr().String(),
		RecordTTL: config.Duration(300 * time.Second),
		Timeout:   config.Duration(5 * time.Second),
	})
	return u, zone
}

func (z *fakeZone) get(fqdn string) net.IP {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.records[fqdn]
}

func TestCreateRecord_InsertAndIdempotentRepeat(t *testing.T) {
	u, zone := newTestUpdater(t)
	ctx := context.Background()

	if err := u.CreateRecord(ctx, "foo", "192.0.2.10", "ex.com"); err != nil {
		t.Fatal(err)
	}
	if ip := zone.get("foo.ex.com."); !ip.Equal(net.ParseIP("192.0.2.10")) {
		t.Fatalf("record not created, zone has %v", ip)
	}
	before := zone.updates

	// Identical record already present: no update is sent.
	if err := u.CreateRecord(ctx, "foo", "192.0.2.10", "ex.com"); err != nil {
		t.Fatal(err)
	}
	if zone.updates != before {
		t.Fatal("repeat create of an identical record must not send an update")
	}
}

func TestCreateRecord_ReplacesDifferingAddress(t *testing.T) {
	u, zone := newTestUpdater(t)
	ctx := context.Background()

	if err := u.CreateRecord(ctx, "foo", "192.0.2.10", "ex.com"); err != nil {
		t.Fatal(err)
	}
	if err := u.CreateRecord(ctx, "foo", "192.0.2.20", "ex.com"); err != nil {
		t.Fatal(err)
	}
	if ip := zone.get("foo.ex.com."); !ip.Equal(net.ParseIP("192.0.2.20")) {
		t.Fatalf("record not replaced, zone has %v", ip)
	}
}

func TestDeleteRecord(t *testing.T) {
	u, zone := newTestUpdater(t)
	ctx := context.Background()

	if err := u.CreateRecord(ctx, "foo", "192.0.2.10", "ex.com"); err != nil {
		t.Fatal(err)
	}
	if err := u.DeleteRecord(ctx, "foo", "ex.com"); err != nil {
		t.Fatal(err)
	}
	if ip := zone.get("foo.ex.com."); ip != nil {
		t.Fatalf("record survived delete: %v", ip)
	}
	// Deleting a missing record is fine.
	if err := u.DeleteRecord(ctx, "foo", "ex.com"); err != nil {
		t.Fatal(err)
	}
}

func TestCreateRecord_RejectsBadInput(t *testing.T) {
	u, _ := newTestUpdater(t)
	if err := u.CreateRecord(context.Background(), "foo", "not-an-ip", "ex.com"); err == nil {
		t.Fatal("expected an error for a non-IP address")
	}
	unconfigured := NewUpdater(config.DNSConfig{})
	if err := unconfigured.CreateRecord(context.Background(), "foo", "192.0.2.1", "ex.com"); err != ErrNoServer {
		t.Fatalf("expected ErrNoServer, got %v", err)
	}
}
