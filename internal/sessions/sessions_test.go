package sessions

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/model"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/state"
)

func newTestManager(t *testing.T) (*Manager, *state.Repo) {
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
	return New(repo, cache), repo
}

func addBoard(t *testing.T, repo *state.Repo, name string) *model.Board {
	t.Helper()
	b := &model.Board{
		UUID:   uuid.NewString(),
		Code:   "code-" + name,
		Name:   name,
		Status: model.StatusOffline,
		Agent:  "agent-1",
	}
	if err := repo.CreateBoard(b, nil); err != nil {
		t.Fatal(err)
	}
	return b
}

func TestConnection_BringsBoardOnlineAndMergesInfo(t *testing.T) {
	m, repo := newTestManager(t)
	b := addBoard(t, repo, "kitchen")

	err := m.Connection(b.UUID, "42", map[string]any{
		"lr_version":   "0.4.9",
		"mac_addr":     "aa:bb:cc:dd:ee:ff",
		"connectivity": map[string]any{"iface": "wlan0"},
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := repo.GetBoard(b.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Online() || got.LRVersion != "0.4.9" {
		t.Fatalf("unexpected board: %+v", got)
	}
	if got.Connectivity["iface"] != "wlan0" || got.Connectivity["mac_addr"] != "aa:bb:cc:dd:ee:ff" {
		t.Fatalf("connectivity not merged: %v", got.Connectivity)
	}
	s, err := repo.GetValidSession(b.UUID)
	if err != nil || s.SessionID != "42" {
		t.Fatalf("expected valid session 42, got %+v (%v)", s, err)
	}
}

func TestConnection_UnknownBoardIsRejected(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.Connection(uuid.NewString(), "42", nil)
	if !errors.Is(err, state.ErrBoardNotFound) {
		t.Fatalf("expected ErrBoardNotFound, got %v", err)
	}
}

func TestConnection_ReconnectSupersedes(t *testing.T) {
	m, repo := newTestManager(t)
	b := addBoard(t, repo, "gate")

	if err := m.Connection(b.UUID, "42", nil); err != nil {
		t.Fatal(err)
	}
	if err := m.Connection(b.UUID, "99", nil); err != nil {
		t.Fatal(err)
	}

	s, err := repo.GetValidSession(b.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if s.SessionID != "99" {
		t.Fatalf("expected session 99 to win, got %s", s.SessionID)
	}

	// The stale leave event arriving late changes nothing.
	m.OnLeave("42")
	got, _ := repo.GetBoard(b.UUID)
	if !got.Online() {
		t.Fatal("board should stay online after stale leave")
	}
}

func TestConnection_ReconnectAfterLeaveKeepsAgent(t *testing.T) {
	m, repo := newTestManager(t)
	b := addBoard(t, repo, "van")

	if err := m.Connection(b.UUID, "42", nil); err != nil {
		t.Fatal(err)
	}
	m.OnLeave("42")
	if err := m.Connection(b.UUID, "99", nil); err != nil {
		t.Fatal(err)
	}

	got, err := repo.GetBoard(b.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Online() {
		t.Fatalf("board should be online after reconnect: %+v", got)
	}
	if got.Agent != "agent-1" {
		t.Fatalf("agent assignment must survive the offline interval, got %q", got.Agent)
	}
	if s, err := repo.GetValidSession(b.UUID); err != nil || s.SessionID != "99" {
		t.Fatalf("expected valid session 99, got %+v (%v)", s, err)
	}
}

func TestOnLeave_TakesBoardOffline(t *testing.T) {
	m, repo := newTestManager(t)
	b := addBoard(t, repo, "lamp")

	if err := m.Connection(b.UUID, "42", nil); err != nil {
		t.Fatal(err)
	}
	m.OnLeave("42")

	got, _ := repo.GetBoard(b.UUID)
	if got.Online() {
		t.Fatal("board should be offline after leave")
	}
	if _, err := repo.GetValidSession(b.UUID); !errors.Is(err, state.ErrSessionNotFound) {
		t.Fatalf("expected no valid session, got %v", err)
	}
}

func TestReconcile_DropsSessionsMissingFromBroker(t *testing.T) {
	m, repo := newTestManager(t)
	alive := addBoard(t, repo, "alive")
	dead := addBoard(t, repo, "dead")

	if err := m.Connection(alive.UUID, "1", nil); err != nil {
		t.Fatal(err)
	}
	if err := m.Connection(dead.UUID, "2", nil); err != nil {
		t.Fatal(err)
	}

	// Broker only knows session 1 plus an unrelated id.
	if err := m.Reconcile([]string{"1", "777"}, "agent-1"); err != nil {
		t.Fatal(err)
	}

	a, _ := repo.GetBoard(alive.UUID)
	if !a.Online() {
		t.Fatal("board with a live broker session should stay online")
	}
	d, _ := repo.GetBoard(dead.UUID)
	if d.Online() {
		t.Fatal("board whose session vanished should go offline")
	}
	if _, err := repo.GetValidSession(dead.UUID); !errors.Is(err, state.ErrSessionNotFound) {
		t.Fatalf("expected invalidated session, got %v", err)
	}
}
