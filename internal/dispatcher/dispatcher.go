// Package dispatcher sends RPCs to boards through their wamp agents and
// correlates the asynchronous results with the persisted Request/Result rows.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/model"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/state"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/wampbus"
)

// ErrBoardNotConnected is returned when a dispatch targets a board without a
// live session.
var ErrBoardNotConnected = errors.New("board is not connected")

// ExecutionError reports a device-side ERROR outcome or a transport failure
// for a call.
type ExecutionError struct {
	Call      string
	BoardUUID string
	Reason    string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("executing %s on board %s: %s", e.Call, e.BoardUUID, e.Reason)
}

// Dispatcher is the single path for device RPCs. Every call is persisted as
// a Request plus a RUNNING Result before anything hits the bus, so an
// outcome arriving after a crash still finds its rows.
type Dispatcher struct {
	repo   *state.Repo
	boards *state.BoardCache
	bus    wampbus.Bus

	// inflight maps request uuid to call name for requests whose terminal
	// outcome has not arrived yet. Drain watches it during shutdown.
	inflight *xsync.Map[string, string]
}

// New creates a Dispatcher.
func New(repo *state.Repo, boards *state.BoardCache, bus wampbus.Bus) *Dispatcher {
	return &Dispatcher{
		repo:     repo,
		boards:   boards,
		bus:      bus,
		inflight: xsync.NewMap[string, string](),
	}
}

// AgentProc builds the URI of a procedure exposed by a wamp agent.
func AgentProc(hostname, name string) string {
	return "s4t." + hostname + "." + name
}

// DeviceURI builds the fully qualified URI of a procedure on a board.
func DeviceURI(sessionID, boardUUID, call string) string {
	return "iotronic." + sessionID + "." + boardUUID + "." + call
}

// ExecuteOnBoard dispatches call(args...) to a board. The Request and its
// RUNNING Result are persisted first; the RPC then goes out through the
// board's agent. A synchronous terminal response settles immediately; a
// RUNNING response leaves settlement to the notify path. The returned string
// is the device's message for terminal SUCCESS/WARNING outcomes, empty when
// the outcome is still pending.
func (d *Dispatcher) ExecuteOnBoard(ctx context.Context, boardUUID, call string, args []any, mainRequestUUID string) (string, error) {
	board, err := d.boards.Get(boardUUID)
	if err != nil {
		return "", err
	}
	if !board.Online() || board.Agent == "" {
		return "", fmt.Errorf("board %s: %w", boardUUID, ErrBoardNotConnected)
	}
	session, err := d.repo.GetValidSession(boardUUID)
	if errors.Is(err, state.ErrSessionNotFound) {
		return "", fmt.Errorf("board %s: %w", boardUUID, ErrBoardNotConnected)
	}
	if err != nil {
		return "", err
	}

	req := &model.Request{
		UUID:            uuid.NewString(),
		DestinationUUID: boardUUID,
		MainRequestUUID: mainRequestUUID,
		Status:          model.RequestPending,
		Project:         board.Project,
		Type:            model.RequestTypeBoard,
		Action:          call,
	}
	if err := d.repo.CreateRequest(req); err != nil {
		return "", err
	}
	if err := d.repo.CreateResult(&model.Result{
		RequestUUID: req.UUID,
		BoardUUID:   boardUUID,
		Result:      model.ResultRunning,
	}); err != nil {
		return "", err
	}
	d.inflight.Store(req.UUID, call)

	callArgs := append([]any{DeviceURI(session.SessionID, boardUUID, call)}, args...)
	var kwargs map[string]any
	if supportsRequestPayload(board.LRVersion) {
		kwargs = map[string]any{"req": req}
	}

	msg, err := d.bus.Call(ctx, AgentProc(board.Agent, "invoke_wamp"), callArgs, kwargs)
	if err != nil {
		// Rows stay PENDING/RUNNING for the async path or the operator.
		d.inflight.Delete(req.UUID)
		return "", &ExecutionError{Call: call, BoardUUID: boardUUID, Reason: err.Error()}
	}

	if msg.Result == model.ResultRunning {
		return "", nil
	}

	d.inflight.Delete(req.UUID)
	if _, err := d.repo.SetResultAndSettle(req.UUID, boardUUID, msg.Result, msg.Text()); err != nil {
		return "", err
	}
	return d.manageResult(msg, call, boardUUID)
}

// NotifyResult handles an asynchronous outcome sent back by a board. The
// payload is a wamp message carrying req_id, result and message. Duplicate
// deliveries settle nothing and are acknowledged quietly; ERROR outcomes are
// surfaced to the caller after settling.
func (d *Dispatcher) NotifyResult(boardUUID string, payload any) error {
	msg, err := wampbus.Decode(payload)
	if err != nil {
		return err
	}
	if msg.RequestUUID == "" {
		return fmt.Errorf("notify from board %s: missing req_id", boardUUID)
	}
	if msg.Result == model.ResultRunning {
		// Progress ping; nothing to settle.
		return nil
	}

	req, err := d.repo.GetRequest(msg.RequestUUID)
	if err != nil {
		return err
	}
	settlement, err := d.repo.SetResultAndSettle(msg.RequestUUID, boardUUID, msg.Result, msg.Text())
	if err != nil {
		return err
	}
	if !settlement.Updated {
		log.Printf("[dispatcher] duplicate notify for request %s board %s ignored", msg.RequestUUID, boardUUID)
		return nil
	}
	d.inflight.Delete(msg.RequestUUID)

	_, err = d.manageResult(msg, req.Action, boardUUID)
	return err
}

// manageResult applies the outcome policy: SUCCESS returns the message,
// WARNING logs and returns it, ERROR is raised.
func (d *Dispatcher) manageResult(msg wampbus.Message, call, boardUUID string) (string, error) {
	switch msg.Result {
	case model.ResultSuccess:
		return msg.Text(), nil
	case model.ResultWarning:
		log.Printf("[dispatcher] board %s call %s warned: %s", boardUUID, call, msg.Text())
		return msg.Text(), nil
	case model.ResultError:
		return "", &ExecutionError{Call: call, BoardUUID: boardUUID, Reason: msg.Text()}
	default:
		return "", fmt.Errorf("board %s call %s: unexpected result %q", boardUUID, call, msg.Result)
	}
}

// Pending returns the number of requests still awaiting a terminal outcome.
func (d *Dispatcher) Pending() int {
	return d.inflight.Size()
}

// Drain waits for in-flight requests to settle, up to ctx's deadline.
// Requests still pending when the deadline hits stay PENDING in the
// database and are reported, not lost.
func (d *Dispatcher) Drain(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if d.inflight.Size() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("drain: %d request(s) still pending", d.inflight.Size())
		case <-ticker.C:
		}
	}
}
