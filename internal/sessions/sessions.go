// Package sessions tracks the logical connection between boards and the
// cloud: the device "connection" handshake, broker leave events, and the
// reconciliation run after an agent restart.
package sessions

import (
	"errors"
	"fmt"
	"log"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/model"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/state"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/wampbus"
)

// Manager owns session validity. All transitions funnel through here so the
// one-valid-session-per-board invariant has a single writer.
type Manager struct {
	repo   *state.Repo
	boards *state.BoardCache
}

// New creates a Manager.
func New(repo *state.Repo, boards *state.BoardCache) *Manager {
	return &Manager{repo: repo, boards: boards}
}

// Connection handles the device-originated handshake: the board announces
// its broker session id plus its current info (lr_version, connectivity,
// mac_addr). Any previous valid session is superseded atomically and the
// board flips ONLINE.
func (m *Manager) Connection(boardUUID, sessionID string, info map[string]any) error {
	board, err := m.repo.GetBoardByUUID(boardUUID)
	if err != nil {
		return err
	}

	if _, err := m.repo.CreateSession(board.ID, board.UUID, sessionID); err != nil {
		return fmt.Errorf("session for board %s: %w", boardUUID, err)
	}

	board.Status = model.StatusOnline
	if v, ok := info["lr_version"].(string); ok && v != "" {
		board.LRVersion = v
	}
	if board.Connectivity == nil {
		board.Connectivity = map[string]any{}
	}
	// The connectivity dict arrives in whatever shape the transport decoded.
	if conn := wampbus.Dict(info["connectivity"]); conn != nil {
		for k, v := range conn {
			board.Connectivity[k] = v
		}
	}
	if mac, ok := info["mac_addr"].(string); ok && mac != "" {
		board.Connectivity["mac_addr"] = mac
	}
	if err := m.repo.UpdateBoard(board); err != nil {
		return fmt.Errorf("update board %s: %w", boardUUID, err)
	}
	m.boards.Invalidate(boardUUID)

	log.Printf("[sessions] board %s connected with session %s (lr %s)", boardUUID, sessionID, board.LRVersion)
	return nil
}

// OnJoin handles the broker's join meta event. Join alone tells us nothing
// about which board arrived; the binding happens when the device sends its
// connection handshake.
func (m *Manager) OnJoin(sessionID string) {
	log.Printf("[sessions] broker session %s joined", sessionID)
}

// OnLeave handles the broker's leave meta event: an attached session going
// away takes its board offline. Leave events for unknown or already
// superseded sessions are no-ops; they race against reconnects.
func (m *Manager) OnLeave(sessionID string) {
	s, err := m.repo.InvalidateSession(sessionID)
	if errors.Is(err, state.ErrSessionNotFound) {
		return
	}
	if err != nil {
		log.Printf("[sessions] invalidate session %s: %v", sessionID, err)
		return
	}
	if err := m.repo.SetBoardOffline(s.BoardUUID); err != nil {
		log.Printf("[sessions] offline board %s: %v", s.BoardUUID, err)
		return
	}
	m.boards.Invalidate(s.BoardUUID)
	log.Printf("[sessions] board %s disconnected (session %s)", s.BoardUUID, sessionID)
}

// Reconcile aligns the database with the broker's live session list for one
// agent, typically after that agent restarts. Valid DB sessions missing from
// the broker are invalidated and their boards taken offline; live ids the DB
// does not know belong to other services and are ignored.
func (m *Manager) Reconcile(liveIDs []string, agentHost string) error {
	live := make(map[string]bool, len(liveIDs))
	for _, id := range liveIDs {
		live[id] = true
	}

	stale, err := m.repo.ListValidSessionsByAgent(agentHost)
	if err != nil {
		return err
	}
	for _, s := range stale {
		if live[s.SessionID] {
			continue
		}
		if _, err := m.repo.InvalidateSession(s.SessionID); err != nil {
			log.Printf("[sessions] reconcile: invalidate %s: %v", s.SessionID, err)
			continue
		}
		if err := m.repo.SetBoardOffline(s.BoardUUID); err != nil {
			log.Printf("[sessions] reconcile: offline board %s: %v", s.BoardUUID, err)
			continue
		}
		m.boards.Invalidate(s.BoardUUID)
		log.Printf("[sessions] reconcile: board %s lost its session on agent %s", s.BoardUUID, agentHost)
	}
	return nil
}
