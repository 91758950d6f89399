package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/dispatcher"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/model"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/portpool"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/state"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/testutil"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/wampbus"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/workflow"
)

const testToken = "test-api-token"

type nopDNS struct{}

func (nopDNS) CreateRecord(context.Context, string, string, string) error { return nil }
func (nopDNS) DeleteRecord(context.Context, string, string) error         { return nil }

type fixture struct {
	repo  *state.Repo
	cache *state.BoardCache
	bus   *testutil.FakeBus
	srv   *Server
}

func newFixture(t *testing.T) *fixture {
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
	disp := dispatcher.New(repo, cache, bus)
	co, err := workflow.New(workflow.Options{
		Repo:         repo,
		Boards:       cache,
		Dispatcher:   disp,
		Agents:       testutil.NewFakeGateway(),
		DNS:          nopDNS{},
		ServicePorts: portpool.NewServicePool(50000, 50010),
		SocatPorts:   portpool.New(10000, 20000),
		PublicIP:     "198.51.100.7",
	})
	if err != nil {
		t.Fatal(err)
	}

	srv := NewServer("", 0, testToken, repo, co, 1<<20)
	return &fixture{repo: repo, cache: cache, bus: bus, srv: srv}
}

// do sends an authenticated request with an optional JSON body.
func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("unmarshal %s: %v", rec.Body.String(), err)
	}
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[ErrorResponse](t, rec).Error.Code
}

// connectBoard gives the board a valid session on agent-1 so device calls
// can be dispatched.
func (f *fixture) connectBoard(t *testing.T, boardUUID string) {
	t.Helper()
	if err := f.repo.SetBoardConnection(boardUUID, "agent-1", "0.4.9"); err != nil {
		t.Fatal(err)
	}
	b, err := f.repo.GetBoard(boardUUID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.repo.CreateSession(b.ID, b.UUID, "42"); err != nil {
		t.Fatal(err)
	}
	f.cache.Invalidate(boardUUID)
}

func (f *fixture) createBoard(t *testing.T) model.Board {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/v1/boards", CreateBoardRequest{
		Code: "CODE-1", Name: "kitchen", Project: "proj-a",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create board: %d %s", rec.Code, rec.Body.String())
	}
	return decode[model.Board](t, rec)
}

func TestHealthz_NoAuthRequired(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz should not require auth, got %d", rec.Code)
	}
	if decode[map[string]string](t, rec)["status"] != "ok" {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestAuth_MissingAndWrongToken(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/boards", nil)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/boards", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec = httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: got %d", rec.Code)
	}
}

func TestBoardCRUD(t *testing.T) {
	f := newFixture(t)
	b := f.createBoard(t)
	if b.UUID == "" || b.Status != model.StatusRegistered {
		t.Fatalf("unexpected created board: %+v", b)
	}

	rec := f.do(t, http.MethodGet, "/v1/boards/"+b.UUID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/v1/boards", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	page := decode[ListResponse[model.Board]](t, rec)
	if len(page.Items) != 1 || page.Items[0].UUID != b.UUID {
		t.Fatalf("unexpected list: %+v", page)
	}

	newName := "garage"
	rec = f.do(t, http.MethodPatch, "/v1/boards/"+b.UUID, UpdateBoardRequest{Name: &newName})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch: %d %s", rec.Code, rec.Body.String())
	}
	if decode[model.Board](t, rec).Name != "garage" {
		t.Fatal("rename not applied")
	}

	rec = f.do(t, http.MethodDelete, "/v1/boards/"+b.UUID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d %s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, http.MethodGet, "/v1/boards/"+b.UUID, nil)
	if rec.Code != http.StatusNotFound || errorCode(t, rec) != "NOT_FOUND" {
		t.Fatalf("get after delete: %d %s", rec.Code, rec.Body.String())
	}
}

func TestGetBoard_ResolvesName(t *testing.T) {
	f := newFixture(t)
	b := f.createBoard(t)

	rec := f.do(t, http.MethodGet, "/v1/boards/kitchen", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get by name: %d %s", rec.Code, rec.Body.String())
	}
	if decode[model.Board](t, rec).UUID != b.UUID {
		t.Fatalf("wrong board: %s", rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/v1/boards/no-such-board", nil)
	if rec.Code != http.StatusNotFound || errorCode(t, rec) != "NOT_FOUND" {
		t.Fatalf("unknown name: %d %s", rec.Code, rec.Body.String())
	}
}

func TestListBoards_SortParams(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"cellar", "attic", "balcony"} {
		rec := f.do(t, http.MethodPost, "/v1/boards", CreateBoardRequest{
			Code: "CODE-" + name, Name: name,
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("create %s: %d %s", name, rec.Code, rec.Body.String())
		}
	}

	rec := f.do(t, http.MethodGet, "/v1/boards?sort_key=name&sort_dir=desc", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sorted list: %d %s", rec.Code, rec.Body.String())
	}
	page := decode[ListResponse[model.Board]](t, rec)
	if len(page.Items) != 3 || page.Items[0].Name != "cellar" || page.Items[2].Name != "attic" {
		t.Fatalf("unexpected order: %+v", page.Items)
	}

	rec = f.do(t, http.MethodGet, "/v1/boards?sort_key=bogus", nil)
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "INVALID_ARGUMENT" {
		t.Fatalf("bad sort key: %d %s", rec.Code, rec.Body.String())
	}
}

func TestCreateBoard_DuplicateCodeConflicts(t *testing.T) {
	f := newFixture(t)
	f.createBoard(t)

	rec := f.do(t, http.MethodPost, "/v1/boards", CreateBoardRequest{Code: "CODE-1", Name: "other"})
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "CONFLICT" {
		t.Fatalf("duplicate code: %d %s", rec.Code, rec.Body.String())
	}
}

func TestCreateBoard_RejectsUnknownFields(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/boards", map[string]any{
		"code": "X", "name": "y", "bogus": true,
	})
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "INVALID_ARGUMENT" {
		t.Fatalf("unknown field: %d %s", rec.Code, rec.Body.String())
	}
}

func TestBoardAction(t *testing.T) {
	f := newFixture(t)
	b := f.createBoard(t)

	// Offline boards cannot receive actions.
	rec := f.do(t, http.MethodPost, "/v1/boards/"+b.UUID+"/action",
		BoardActionRequest{Action: model.BoardPing})
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "BOARD_OFFLINE" {
		t.Fatalf("offline action: %d %s", rec.Code, rec.Body.String())
	}

	f.connectBoard(t, b.UUID)
	f.bus.Reply("s4t.agent-1.invoke_wamp", wampbus.Success("pong"))

	rec = f.do(t, http.MethodPost, "/v1/boards/"+b.UUID+"/action",
		BoardActionRequest{Action: model.BoardPing})
	if rec.Code != http.StatusOK {
		t.Fatalf("action: %d %s", rec.Code, rec.Body.String())
	}
	if decode[ActionResponse](t, rec).Message != "pong" {
		t.Fatalf("unexpected reply: %s", rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/v1/boards/"+b.UUID+"/action",
		BoardActionRequest{Action: "BoardSelfDestruct"})
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "INVALID_ARGUMENT" {
		t.Fatalf("invalid action: %d %s", rec.Code, rec.Body.String())
	}
}

func TestServiceActionAndRequestLog(t *testing.T) {
	f := newFixture(t)
	b := f.createBoard(t)
	f.connectBoard(t, b.UUID)
	f.bus.Reply("s4t.agent-1.invoke_wamp", wampbus.Success("ok"))

	rec := f.do(t, http.MethodPost, "/v1/services", CreateServiceRequest{
		Name: "ssh", Port: 22, Protocol: "TCP",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create service: %d %s", rec.Code, rec.Body.String())
	}
	svc := decode[model.Service](t, rec)

	rec = f.do(t, http.MethodPost, "/v1/boards/"+b.UUID+"/services/"+svc.UUID+"/action",
		ServiceActionRequest{Action: model.ServiceEnable})
	if rec.Code != http.StatusOK {
		t.Fatalf("enable: %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/v1/boards/"+b.UUID+"/services", nil)
	exposures := decode[ListResponse[model.ExposedService]](t, rec)
	if len(exposures.Items) != 1 || exposures.Items[0].ServiceUUID != svc.UUID {
		t.Fatalf("unexpected exposures: %+v", exposures)
	}

	// Every dispatched call leaves a request row behind.
	rec = f.do(t, http.MethodGet, "/v1/requests?board="+b.UUID, nil)
	requests := decode[ListResponse[model.Request]](t, rec)
	if len(requests.Items) == 0 {
		t.Fatal("expected request rows after the action")
	}
	reqUUID := requests.Items[0].UUID

	rec = f.do(t, http.MethodGet, "/v1/requests/"+reqUUID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get request: %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/v1/requests/"+reqUUID+"/results", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list results: %d", rec.Code)
	}
}

func TestPluginInjectRequiresOnlineBoard(t *testing.T) {
	f := newFixture(t)
	b := f.createBoard(t)

	rec := f.do(t, http.MethodPost, "/v1/plugins", CreatePluginRequest{
		Name: "blinker", Code: "print('hi')",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create plugin: %d %s", rec.Code, rec.Body.String())
	}
	p := decode[model.Plugin](t, rec)

	rec = f.do(t, http.MethodPut, "/v1/boards/"+b.UUID+"/plugins",
		InjectPluginRequest{Plugin: p.UUID})
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "BOARD_OFFLINE" {
		t.Fatalf("offline inject: %d %s", rec.Code, rec.Body.String())
	}

	f.connectBoard(t, b.UUID)
	f.bus.Reply("s4t.agent-1.invoke_wamp", wampbus.Success("injected"))
	rec = f.do(t, http.MethodPut, "/v1/boards/"+b.UUID+"/plugins",
		InjectPluginRequest{Plugin: p.UUID})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("inject: %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/v1/boards/"+b.UUID+"/plugins", nil)
	injections := decode[ListResponse[model.InjectionPlugin]](t, rec)
	if len(injections.Items) != 1 || injections.Items[0].PluginUUID != p.UUID {
		t.Fatalf("unexpected injections: %+v", injections)
	}
}

func TestFleetAssignment(t *testing.T) {
	f := newFixture(t)
	b := f.createBoard(t)

	rec := f.do(t, http.MethodPost, "/v1/fleets", CreateFleetRequest{Name: "rooftop"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create fleet: %d %s", rec.Code, rec.Body.String())
	}
	fl := decode[model.Fleet](t, rec)

	rec = f.do(t, http.MethodPut, "/v1/fleets/"+fl.UUID+"/boards/"+b.UUID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("assign: %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/v1/fleets/"+fl.UUID+"/boards", nil)
	boards := decode[ListResponse[model.Board]](t, rec)
	if len(boards.Items) != 1 || boards.Items[0].UUID != b.UUID {
		t.Fatalf("unexpected fleet boards: %+v", boards)
	}
}

func TestGetRequest_InvalidUUID(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/requests/not-a-uuid", nil)
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "INVALID_ARGUMENT" {
		t.Fatalf("invalid uuid: %d %s", rec.Code, rec.Body.String())
	}
}
