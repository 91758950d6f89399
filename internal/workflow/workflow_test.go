package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/dispatcher"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/model"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/portpool"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/state"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/testutil"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/vnet"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/wampbus"
)

type fakeDNS struct {
	mu      sync.Mutex
	records map[string]string // name.zone -> ip
}

func newFakeDNS() *fakeDNS { return &fakeDNS{records: map[string]string{}} }

func (d *fakeDNS) CreateRecord(_ context.Context, name, ip, zone string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records[name+"."+zone] = ip
	return nil
}

func (d *fakeDNS) DeleteRecord(_ context.Context, name, zone string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.records, name+"."+zone)
	return nil
}

func (d *fakeDNS) has(fqdn string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.records[fqdn]
	return ok
}

type fakeVNet struct {
	mu      sync.Mutex
	ports   map[string]bool
	created int
}

func newFakeVNet() *fakeVNet { return &fakeVNet{ports: map[string]bool{}} }

func (v *fakeVNet) CreatePort(_ context.Context, networkUUID, subnetUUID string) (*vnet.NetworkPort, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.created++
	p := &vnet.NetworkPort{
		UUID:        uuid.NewString(),
		NetworkUUID: networkUUID,
		SubnetUUID:  subnetUUID,
		MACAddr:     "aa:bb:cc:dd:ee:ff",
		IP:          "10.0.0.5",
	}
	v.ports[p.UUID] = true
	return p, nil
}

func (v *fakeVNet) DeletePort(_ context.Context, portUUID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.ports[portUUID] {
		return vnet.ErrNotFound
	}
	delete(v.ports, portUUID)
	return nil
}

func (v *fakeVNet) SubnetPrefixLen(context.Context, string) (int, error) { return 24, nil }

type fixture struct {
	repo *state.Repo
	bus  *testutil.FakeBus
	gw   *testutil.FakeGateway
	dns  *fakeDNS
	vnet *fakeVNet
	co   *Coordinator
}

// newFixture wires a Coordinator with a service pool exposing exactly
// usablePorts public ports.
func newFixture(t *testing.T, usablePorts int) *fixture {
	t.Helper()
	repo, err := state.Bootstrap(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cache := state.NewBoardCache(repo, 16)
	t.Cleanup(func() {
		cache.Close()
		repo.Close()
	})

	bus := testutil.NewFakeBus()
	gw := testutil.NewFakeGateway()
	dns := newFakeDNS()
	vn := newFakeVNet()
	co, err := New(Options{
		Repo:         repo,
		Boards:       cache,
		Dispatcher:   dispatcher.New(repo, cache, bus),
		Agents:       gw,
		DNS:          dns,
		VNet:         vn,
		ServicePorts: portpool.NewServicePool(50000, 50000+usablePorts+1),
		SocatPorts:   portpool.New(10000, 20000),
		PublicIP:     "198.51.100.7",
	})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{repo: repo, bus: bus, gw: gw, dns: dns, vnet: vn, co: co}
}

// connectedBoard creates a board wired to agent-1 with a valid session, so
// dispatches go through the fake bus.
func (f *fixture) connectedBoard(t *testing.T, name string) *model.Board {
	t.Helper()
	b := &model.Board{
		UUID:   uuid.NewString(),
		Code:   "code-" + name,
		Name:   name,
		Status: model.StatusRegistered,
	}
	if err := f.repo.CreateBoard(b, nil); err != nil {
		t.Fatal(err)
	}
	if err := f.repo.SetBoardConnection(b.UUID, "agent-1", "0.4.9"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.repo.CreateSession(b.ID, b.UUID, "42"); err != nil {
		t.Fatal(err)
	}
	b.Status = model.StatusOnline
	b.Agent = "agent-1"
	return b
}

func (f *fixture) addService(t *testing.T, name string, port int) *model.Service {
	t.Helper()
	s := &model.Service{UUID: uuid.NewString(), Name: name, Port: port, Protocol: "tcp"}
	if err := f.repo.CreateService(s); err != nil {
		t.Fatal(err)
	}
	return s
}

// seedWebserviceServices creates the two system service rows the webservice
// workflows depend on.
func (f *fixture) seedWebserviceServices(t *testing.T) {
	t.Helper()
	f.addService(t, webserviceService, 80)
	f.addService(t, webserviceSSLService, 443)
}

func TestActionService_EnableDisableRoundTrip(t *testing.T) {
	f := newFixture(t, 3)
	b := f.connectedBoard(t, "kitchen")
	s := f.addService(t, "ssh", 22)
	ctx := context.Background()

	if _, err := f.co.ActionService(ctx, s.UUID, b.UUID, model.ServiceEnable); err != nil {
		t.Fatal(err)
	}
	exposure, err := f.repo.GetExposedService(b.UUID, s.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if exposure.PublicPort < 50001 || exposure.PublicPort > 50004 {
		t.Fatalf("public port %d outside the pool", exposure.PublicPort)
	}
	if call, err := f.gw.LastOp("addin_allowlist"); err != nil || call.Agent != "agent-1" {
		t.Fatalf("allowlist not updated on agent-1: %+v %v", call, err)
	}

	// Enabling the same pair again is a conflict.
	if _, err := f.co.ActionService(ctx, s.UUID, b.UUID, model.ServiceEnable); !errors.Is(err, state.ErrServiceAlreadyExposed) {
		t.Fatalf("expected ErrServiceAlreadyExposed, got %v", err)
	}

	if _, err := f.co.ActionService(ctx, s.UUID, b.UUID, model.ServiceDisable); err != nil {
		t.Fatal(err)
	}
	if _, err := f.repo.GetExposedService(b.UUID, s.UUID); !errors.Is(err, state.ErrNotFound) {
		t.Fatal("exposure row should be gone after disable")
	}
	if f.gw.OpCount("remove_from_allowlist") != 1 {
		t.Fatal("allowlist entry not removed")
	}
}

func TestActionService_DisableLosingRaceKeepsPortClaimed(t *testing.T) {
	f := newFixture(t, 3)
	b := f.connectedBoard(t, "kitchen")
	s := f.addService(t, "ssh", 22)
	ctx := context.Background()

	if _, err := f.co.ActionService(ctx, s.UUID, b.UUID, model.ServiceEnable); err != nil {
		t.Fatal(err)
	}
	exposure, err := f.repo.GetExposedService(b.UUID, s.UUID)
	if err != nil {
		t.Fatal(err)
	}

	// A concurrent disable removes the exposure row between the device call
	// and the local bookkeeping.
	f.bus.Handle("s4t.agent-1.invoke_wamp", func([]any, map[string]any) (wampbus.Message, error) {
		if err := f.repo.DeleteExposedService(b.UUID, s.UUID); err != nil {
			t.Errorf("concurrent delete: %v", err)
		}
		return wampbus.Success("ok"), nil
	})

	if _, err := f.co.ActionService(ctx, s.UUID, b.UUID, model.ServiceDisable); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected the lost race to surface as not found, got %v", err)
	}
	// The loser must not free a port it did not tear down.
	if !f.co.servicePorts.InUse(exposure.PublicPort) {
		t.Fatal("port released even though this call deleted nothing")
	}
}

func TestActionService_PoolExhaustion(t *testing.T) {
	f := newFixture(t, 2)
	b := f.connectedBoard(t, "kitchen")
	ctx := context.Background()

	// A pre-existing exposure claimed one of the two usable ports before
	// this process started.
	other := f.addService(t, "telnet", 23)
	if err := f.repo.CreateExposedService(&model.ExposedService{
		BoardUUID: b.UUID, ServiceUUID: other.UUID, PublicPort: 50001,
	}); err != nil {
		t.Fatal(err)
	}
	f.co.servicePorts.Warm([]int{50001})

	s1 := f.addService(t, "ssh", 22)
	s2 := f.addService(t, "http", 80)
	if _, err := f.co.ActionService(ctx, s1.UUID, b.UUID, model.ServiceEnable); err != nil {
		t.Fatal(err)
	}
	e, err := f.repo.GetExposedService(b.UUID, s1.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if e.PublicPort == 50001 {
		t.Fatal("allocator reused a warmed port")
	}

	if _, err := f.co.ActionService(ctx, s2.UUID, b.UUID, model.ServiceEnable); !errors.Is(err, ErrNotEnoughPortForService) {
		t.Fatalf("expected ErrNotEnoughPortForService, got %v", err)
	}
}

func TestActionService_RejectsUnknownActionAndOfflineBoard(t *testing.T) {
	f := newFixture(t, 3)
	b := f.connectedBoard(t, "kitchen")
	s := f.addService(t, "ssh", 22)
	ctx := context.Background()

	if _, err := f.co.ActionService(ctx, s.UUID, b.UUID, "ServiceExplode"); !errors.Is(err, ErrInvalidServiceAction) {
		t.Fatalf("expected ErrInvalidServiceAction, got %v", err)
	}

	if err := f.repo.SetBoardOffline(b.UUID); err != nil {
		t.Fatal(err)
	}
	f.co.boards.Invalidate(b.UUID)
	if _, err := f.co.ActionService(ctx, s.UUID, b.UUID, model.ServiceEnable); !errors.Is(err, dispatcher.ErrBoardNotConnected) {
		t.Fatalf("expected ErrBoardNotConnected, got %v", err)
	}
}

func TestEnableWebservice_HappyPath(t *testing.T) {
	f := newFixture(t, 4)
	f.seedWebserviceServices(t)
	b := f.connectedBoard(t, "kitchen")
	ctx := context.Background()

	enabled, err := f.co.EnableWebservice(ctx, b.UUID, "foo", "ex.com", "a@b")
	if err != nil {
		t.Fatal(err)
	}
	if enabled.DNS != "foo" || enabled.Zone != "ex.com" {
		t.Fatalf("unexpected row: %+v", enabled)
	}
	if enabled.HTTPPort == enabled.HTTPSPort {
		t.Fatal("http and https ports must differ")
	}

	if !f.dns.has("foo.ex.com") {
		t.Fatal("dns record not created")
	}
	exposures, err := f.repo.ListExposedServices(b.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if len(exposures) != 2 {
		t.Fatalf("expected 2 exposures, got %+v", exposures)
	}

	// One parent bracketing three settled children.
	requests, err := f.repo.ListRequests(state.ListFilter{}, b.UUID)
	if err != nil {
		t.Fatal(err)
	}
	var parent *model.Request
	for i := range requests {
		if requests[i].Action == "enable_webservice" {
			parent = &requests[i]
		}
	}
	if parent == nil {
		t.Fatalf("no parent request: %+v", requests)
	}
	children, err := f.repo.ListChildRequests(parent.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 3 {
		t.Fatalf("expected 3 children, got %+v", children)
	}
	if parentNow, _ := f.repo.GetRequest(parent.UUID); parentNow.Status != model.RequestCompleted || parentNow.PendingRequests != 0 {
		t.Fatalf("parent should have settled: %+v", parentNow)
	}

	for _, op := range []string{"enable_webservice", "add_redirect", "reload_proxy"} {
		if f.gw.OpCount(op) != 1 {
			t.Fatalf("agent op %s not called", op)
		}
	}
	call, _ := f.gw.LastOp("enable_webservice")
	if call.Args[0] != "foo" || call.Args[3] != "ex.com" {
		t.Fatalf("unexpected proxy args: %+v", call.Args)
	}
}

func TestEnableWebservice_DNSCollision(t *testing.T) {
	f := newFixture(t, 6)
	f.seedWebserviceServices(t)
	first := f.connectedBoard(t, "first")
	second := f.connectedBoard(t, "second")
	ctx := context.Background()

	if _, err := f.co.EnableWebservice(ctx, first.UUID, "foo", "ex.com", "a@b"); err != nil {
		t.Fatal(err)
	}
	busCalls := len(f.bus.Calls)
	gwCalls := len(f.gw.Calls)

	_, err := f.co.EnableWebservice(ctx, second.UUID, "foo", "ex.com", "a@b")
	var conflict *DNSConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected DNSConflictError, got %v", err)
	}
	if !errors.Is(err, state.ErrDNSAlreadyExists) {
		t.Fatal("conflict must match the repository sentinel")
	}

	// The audit trail: a completed zero-pending parent plus the warning.
	parent, err := f.repo.GetRequest(conflict.ParentUUID)
	if err != nil {
		t.Fatal(err)
	}
	if parent.PendingRequests != 0 || parent.Status != model.RequestCompleted {
		t.Fatalf("unexpected parent: %+v", parent)
	}
	res, err := f.repo.GetResult(conflict.ParentUUID, second.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Result != model.ResultWarning || res.Message != "DNS already exists!" {
		t.Fatalf("unexpected result row: %+v", res)
	}

	// No side effects for the second board.
	if len(f.bus.Calls) != busCalls || len(f.gw.Calls) != gwCalls {
		t.Fatal("collision must not reach the bus or the agent")
	}
	if exposures, _ := f.repo.ListExposedServices(second.UUID); len(exposures) != 0 {
		t.Fatalf("collision must not create exposures: %+v", exposures)
	}

	// And the board keeps its shot at a different label.
	if _, err := f.co.EnableWebservice(ctx, second.UUID, "bar", "ex.com", "a@b"); err != nil {
		t.Fatal(err)
	}
}

func TestEnableWebservice_SecondExposureOnBoard(t *testing.T) {
	f := newFixture(t, 6)
	f.seedWebserviceServices(t)
	b := f.connectedBoard(t, "kitchen")
	ctx := context.Background()

	if _, err := f.co.EnableWebservice(ctx, b.UUID, "foo", "ex.com", "a@b"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.co.EnableWebservice(ctx, b.UUID, "bar", "ex.com", "a@b"); !errors.Is(err, state.ErrWebserviceAlreadyEnabled) {
		t.Fatalf("expected ErrWebserviceAlreadyEnabled, got %v", err)
	}
}

func TestDisableWebservice_OfflineBoardCleansCloudState(t *testing.T) {
	f := newFixture(t, 4)
	f.seedWebserviceServices(t)
	b := f.connectedBoard(t, "kitchen")
	ctx := context.Background()

	if _, err := f.co.EnableWebservice(ctx, b.UUID, "foo", "ex.com", "a@b"); err != nil {
		t.Fatal(err)
	}
	if err := f.repo.SetBoardOffline(b.UUID); err != nil {
		t.Fatal(err)
	}
	f.co.boards.Invalidate(b.UUID)
	busCalls := len(f.bus.Calls)

	if err := f.co.DisableWebservice(ctx, b.UUID); err != nil {
		t.Fatal(err)
	}

	if len(f.bus.Calls) != busCalls {
		t.Fatal("offline board must not receive device calls")
	}
	if _, err := f.repo.GetEnabledWebservice(b.UUID); !errors.Is(err, state.ErrNotFound) {
		t.Fatal("enabled webservice row should be gone")
	}
	if exposures, _ := f.repo.ListExposedServices(b.UUID); len(exposures) != 0 {
		t.Fatalf("exposures should be gone: %+v", exposures)
	}
	if f.dns.has("foo.ex.com") {
		t.Fatal("dns record should be deleted")
	}
}

func TestRenewWebservice(t *testing.T) {
	f := newFixture(t, 4)
	f.seedWebserviceServices(t)
	b := f.connectedBoard(t, "kitchen")
	ctx := context.Background()

	if err := f.co.RenewWebservice(ctx, b.UUID); !errors.Is(err, state.ErrEnabledWebserviceNotFound) {
		t.Fatalf("expected ErrEnabledWebserviceNotFound, got %v", err)
	}

	if _, err := f.co.EnableWebservice(ctx, b.UUID, "foo", "ex.com", "a@b"); err != nil {
		t.Fatal(err)
	}
	if err := f.co.RenewWebservice(ctx, b.UUID); err != nil {
		t.Fatal(err)
	}
	requests, err := f.repo.ListRequests(state.ListFilter{}, b.UUID)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, r := range requests {
		if r.Action == "renew_webservice" {
			found = true
		}
	}
	if !found {
		t.Fatalf("renew parent request missing: %+v", requests)
	}
}

func TestCreateWebservice_DuplicateNameWarnsAndReturnsExisting(t *testing.T) {
	f := newFixture(t, 4)
	f.seedWebserviceServices(t)
	b := f.connectedBoard(t, "kitchen")
	ctx := context.Background()

	if _, err := f.co.EnableWebservice(ctx, b.UUID, "foo", "ex.com", "a@b"); err != nil {
		t.Fatal(err)
	}
	first, err := f.co.CreateWebservice(ctx, b.UUID, "cam", 8080, false)
	if err != nil {
		t.Fatal(err)
	}
	if !f.dns.has("cam.foo.ex.com") {
		t.Fatal("webservice dns record not created")
	}
	if call, err := f.gw.LastOp("add_redirect"); err != nil || call.Args[2] != "cam" {
		t.Fatalf("redirect for cam not added: %+v %v", call, err)
	}

	again, err := f.co.CreateWebservice(ctx, b.UUID, "cam", 8080, false)
	if err != nil {
		t.Fatal(err)
	}
	if again.UUID != first.UUID {
		t.Fatal("duplicate create must return the existing row")
	}
	all, _ := f.repo.ListWebservices(b.UUID)
	if len(all) != 1 {
		t.Fatalf("duplicate create must not add rows: %+v", all)
	}
}

func TestDestroyWebservice_PassesRemainingNames(t *testing.T) {
	f := newFixture(t, 4)
	f.seedWebserviceServices(t)
	b := f.connectedBoard(t, "kitchen")
	ctx := context.Background()

	if _, err := f.co.EnableWebservice(ctx, b.UUID, "foo", "ex.com", "a@b"); err != nil {
		t.Fatal(err)
	}
	cam, err := f.co.CreateWebservice(ctx, b.UUID, "cam", 8080, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.co.CreateWebservice(ctx, b.UUID, "door", 8081, false); err != nil {
		t.Fatal(err)
	}

	if err := f.co.DestroyWebservice(ctx, cam.UUID); err != nil {
		t.Fatal(err)
	}
	call, ok := f.bus.LastCall("s4t.agent-1.invoke_wamp")
	if !ok {
		t.Fatal("no device call recorded")
	}
	// args: [uri, fqdn, remaining]
	if call.Args[2] != "door.foo.ex.com" {
		t.Fatalf("remaining list must exclude the removed name: %v", call.Args)
	}
	if f.dns.has("cam.foo.ex.com") {
		t.Fatal("dns record should be deleted")
	}
	if _, err := f.repo.GetWebservice(cam.UUID); !errors.Is(err, state.ErrNotFound) {
		t.Fatal("webservice row should be gone")
	}
}

func TestVIF_AttachDetach(t *testing.T) {
	f := newFixture(t, 4)
	b := f.connectedBoard(t, "kitchen")
	ctx := context.Background()

	port, err := f.co.CreatePortOnBoard(ctx, b.UUID, "net-1", "sub-1")
	if err != nil {
		t.Fatal(err)
	}
	if port.IP != "10.0.0.5" || port.MACAddr == "" {
		t.Fatalf("controller data not persisted: %+v", port)
	}
	if call, err := f.gw.LastOp("create_tap_interface"); err != nil || call.Args[0] != port.UUID {
		t.Fatalf("tap interface not created: %+v %v", call, err)
	}
	// Create_VIF then Configure_VIF on the device.
	if n := f.bus.CallCount("s4t.agent-1.invoke_wamp"); n != 2 {
		t.Fatalf("expected 2 device calls, got %d", n)
	}

	if err := f.co.RemoveVIFFromBoard(ctx, b.UUID, port.UUID); err != nil {
		t.Fatal(err)
	}
	if len(f.vnet.ports) != 0 {
		t.Fatal("network port not deleted at the controller")
	}
	if _, err := f.repo.GetPort(port.UUID); !errors.Is(err, state.ErrNotFound) {
		t.Fatal("port row should be gone")
	}
}

func TestInjectPlugin_IsIdempotent(t *testing.T) {
	f := newFixture(t, 4)
	b := f.connectedBoard(t, "kitchen")
	ctx := context.Background()

	p := &model.Plugin{Name: "reader", Code: "payload"}
	if err := f.co.CreatePlugin(p); err != nil {
		t.Fatal(err)
	}

	if err := f.co.InjectPlugin(ctx, b.UUID, p.UUID, true); err != nil {
		t.Fatal(err)
	}
	inj, err := f.repo.GetInjection(b.UUID, p.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if inj.Status != model.InjectionInjected {
		t.Fatalf("first injection should be %q, got %q", model.InjectionInjected, inj.Status)
	}

	if err := f.co.InjectPlugin(ctx, b.UUID, p.UUID, true); err != nil {
		t.Fatal(err)
	}
	inj, _ = f.repo.GetInjection(b.UUID, p.UUID)
	if inj.Status != model.InjectionUpdated {
		t.Fatalf("re-injection should flip to %q, got %q", model.InjectionUpdated, inj.Status)
	}
}

func TestActionBoard_ValidatesAction(t *testing.T) {
	f := newFixture(t, 4)
	b := f.connectedBoard(t, "kitchen")
	ctx := context.Background()

	if _, err := f.co.ActionBoard(ctx, b.UUID, "BoardSelfDestruct", nil); !errors.Is(err, ErrInvalidBoardAction) {
		t.Fatalf("expected ErrInvalidBoardAction, got %v", err)
	}
	if _, err := f.co.ActionBoard(ctx, b.UUID, model.BoardPing, nil); err != nil {
		t.Fatal(err)
	}
}

func TestDestroyBoard_CleansExposures(t *testing.T) {
	f := newFixture(t, 4)
	b := f.connectedBoard(t, "kitchen")
	s := f.addService(t, "ssh", 22)
	ctx := context.Background()

	if _, err := f.co.ActionService(ctx, s.UUID, b.UUID, model.ServiceEnable); err != nil {
		t.Fatal(err)
	}
	if err := f.co.DestroyBoard(ctx, b.UUID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.repo.GetBoard(b.UUID); !errors.Is(err, state.ErrNotFound) {
		t.Fatal("board should be gone")
	}
	if f.gw.OpCount("remove_from_allowlist") != 1 {
		t.Fatal("allowlist entry of the destroyed board not removed")
	}
	// Factory reset went out before the delete.
	if f.bus.CallCount("s4t.agent-1.invoke_wamp") < 2 {
		t.Fatal("factory reset not dispatched")
	}
}
