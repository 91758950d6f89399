package dispatcher

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/model"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/state"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/testutil"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/wampbus"
)

const agentInvoke = "s4t.agent-1.invoke_wamp"

func newTestDispatcher(t *testing.T) (*Dispatcher, *state.Repo, *testutil.FakeBus) {
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
	return New(repo, cache, bus), repo, bus
}

func connectedBoard(t *testing.T, repo *state.Repo, lrVersion string) *model.Board {
	t.Helper()
	b := &model.Board{
		UUID:   uuid.NewString(),
		Code:   "code-" + uuid.NewString()[:8],
		Name:   "board-" + uuid.NewString()[:8],
		Status: model.StatusRegistered,
	}
	if err := repo.CreateBoard(b, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.CreateSession(b.ID, b.UUID, "42"); err != nil {
		t.Fatal(err)
	}
	if err := repo.SetBoardConnection(b.UUID, "agent-1", lrVersion); err != nil {
		t.Fatal(err)
	}
	return b
}

func TestExecuteOnBoard_SynchronousSuccess(t *testing.T) {
	d, repo, bus := newTestDispatcher(t)
	b := connectedBoard(t, repo, "0.4.9")
	bus.Reply(agentInvoke, wampbus.Success("pong"))

	out, err := d.ExecuteOnBoard(context.Background(), b.UUID, "BoardPing", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if out != "pong" {
		t.Fatalf("expected pong, got %q", out)
	}

	// The call went through the board's agent with the full device URI.
	call, ok := bus.LastCall(agentInvoke)
	if !ok {
		t.Fatal("no agent call recorded")
	}
	wantURI := "iotronic.42." + b.UUID + ".BoardPing"
	if call.Args[0] != wantURI {
		t.Fatalf("expected uri %s, got %v", wantURI, call.Args[0])
	}
	// lr 0.4.9 gets the request payload.
	if _, ok := call.Kwargs["req"]; !ok {
		t.Fatal("expected request payload for lr >= 0.4.9")
	}

	reqs, err := repo.ListRequests(state.ListFilter{}, b.UUID)
	if err != nil || len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d (%v)", len(reqs), err)
	}
	if reqs[0].Status != model.RequestCompleted {
		t.Fatalf("request should be completed, got %s", reqs[0].Status)
	}
	res, err := repo.GetResult(reqs[0].UUID, b.UUID)
	if err != nil || res.Result != model.ResultSuccess {
		t.Fatalf("expected SUCCESS result, got %+v (%v)", res, err)
	}
	if d.Pending() != 0 {
		t.Fatalf("expected no pending requests, got %d", d.Pending())
	}
}

func TestExecuteOnBoard_LegacyDeviceGetsBarePayload(t *testing.T) {
	d, repo, bus := newTestDispatcher(t)
	b := connectedBoard(t, repo, "0.4.8")
	bus.Reply(agentInvoke, wampbus.Success(nil))

	if _, err := d.ExecuteOnBoard(context.Background(), b.UUID, "BoardPing", nil, ""); err != nil {
		t.Fatal(err)
	}
	call, _ := bus.LastCall(agentInvoke)
	if call.Kwargs != nil {
		t.Fatalf("legacy device should get no request payload, got %v", call.Kwargs)
	}
}

func TestExecuteOnBoard_AsyncOutcomeViaNotify(t *testing.T) {
	d, repo, bus := newTestDispatcher(t)
	b := connectedBoard(t, repo, "0.4.9")
	bus.Reply(agentInvoke, wampbus.Running(""))

	out, err := d.ExecuteOnBoard(context.Background(), b.UUID, "PluginInject", []any{"code"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if out != "" {
		t.Fatalf("expected empty message while running, got %q", out)
	}
	if d.Pending() != 1 {
		t.Fatalf("expected 1 pending request, got %d", d.Pending())
	}

	reqs, _ := repo.ListRequests(state.ListFilter{}, b.UUID)
	if err := d.NotifyResult(b.UUID, map[string]any{
		"result":  "SUCCESS",
		"message": "injected",
		"req_id":  reqs[0].UUID,
	}); err != nil {
		t.Fatal(err)
	}
	if d.Pending() != 0 {
		t.Fatalf("expected drained pending set, got %d", d.Pending())
	}
	req, _ := repo.GetRequest(reqs[0].UUID)
	if req.Status != model.RequestCompleted {
		t.Fatalf("request should complete via notify, got %s", req.Status)
	}

	// Late duplicate changes nothing and raises nothing.
	if err := d.NotifyResult(b.UUID, map[string]any{
		"result": "ERROR", "message": "late", "req_id": reqs[0].UUID,
	}); err != nil {
		t.Fatalf("duplicate notify should be quiet, got %v", err)
	}
	res, _ := repo.GetResult(reqs[0].UUID, b.UUID)
	if res.Result != model.ResultSuccess {
		t.Fatalf("first outcome should stick, got %s", res.Result)
	}
}

func TestExecuteOnBoard_DeviceErrorIsRaised(t *testing.T) {
	d, repo, bus := newTestDispatcher(t)
	b := connectedBoard(t, repo, "0.4.9")
	bus.Reply(agentInvoke, wampbus.Error("no such plugin"))

	_, err := d.ExecuteOnBoard(context.Background(), b.UUID, "PluginKill", nil, "")
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}
	if execErr.Call != "PluginKill" || execErr.BoardUUID != b.UUID {
		t.Fatalf("unexpected error detail: %+v", execErr)
	}
	// The ERROR outcome is persisted before being raised.
	reqs, _ := repo.ListRequests(state.ListFilter{}, b.UUID)
	res, _ := repo.GetResult(reqs[0].UUID, b.UUID)
	if res.Result != model.ResultError {
		t.Fatalf("expected ERROR persisted, got %s", res.Result)
	}
}

func TestExecuteOnBoard_RequiresLiveSession(t *testing.T) {
	d, repo, _ := newTestDispatcher(t)

	b := &model.Board{
		UUID:   uuid.NewString(),
		Code:   "code-off",
		Name:   "board-off",
		Status: model.StatusOffline,
	}
	if err := repo.CreateBoard(b, nil); err != nil {
		t.Fatal(err)
	}

	_, err := d.ExecuteOnBoard(context.Background(), b.UUID, "BoardPing", nil, "")
	if !errors.Is(err, ErrBoardNotConnected) {
		t.Fatalf("expected ErrBoardNotConnected, got %v", err)
	}
	// No rows persisted for a refused dispatch.
	reqs, _ := repo.ListRequests(state.ListFilter{}, b.UUID)
	if len(reqs) != 0 {
		t.Fatalf("expected no requests, got %d", len(reqs))
	}
}
