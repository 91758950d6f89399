package state

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/model"
)

const sessionColumns = "id, board_id, board_uuid, session_id, valid, created_at_ns, updated_at_ns"

func scanSession(row interface{ Scan(...any) error }) (*model.Session, error) {
	var s model.Session
	err := row.Scan(&s.ID, &s.BoardID, &s.BoardUUID, &s.SessionID, &s.Valid,
		&s.CreatedAtNs, &s.UpdatedAtNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return &s, nil
}

// CreateSession invalidates any prior valid session of the board and inserts
// a new valid one, atomically. The partial unique index on
// sessions(board_uuid) WHERE valid=1 backstops the invariant.
func (r *Repo) CreateSession(boardID int64, boardUUID, sessionID string) (*model.Session, error) {
	now := nowNs()
	s := &model.Session{
		BoardID:     boardID,
		BoardUUID:   boardUUID,
		SessionID:   sessionID,
		Valid:       true,
		CreatedAtNs: now,
		UpdatedAtNs: now,
	}
	err := r.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			UPDATE sessions SET valid = 0, updated_at_ns = ?
			WHERE board_uuid = ? AND valid = 1
		`, now, boardUUID); err != nil {
			return fmt.Errorf("supersede session: %w", err)
		}
		res, err := tx.Exec(`
			INSERT INTO sessions (board_id, board_uuid, session_id, valid, created_at_ns, updated_at_ns)
			VALUES (?, ?, ?, 1, ?, ?)
		`, boardID, boardUUID, sessionID, now, now)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		if s.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("session id: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetValidSession returns the board's current valid session, if any.
func (r *Repo) GetValidSession(boardUUID string) (*model.Session, error) {
	row := r.db.QueryRow(
		"SELECT "+sessionColumns+" FROM sessions WHERE board_uuid = ? AND valid = 1", boardUUID)
	return scanSession(row)
}

// GetSessionByWampID returns the valid session with the given WAMP session id.
func (r *Repo) GetSessionByWampID(sessionID string) (*model.Session, error) {
	row := r.db.QueryRow(
		"SELECT "+sessionColumns+" FROM sessions WHERE session_id = ? AND valid = 1", sessionID)
	return scanSession(row)
}

// InvalidateSession flips the session with the given WAMP id to invalid.
// Already-invalid (superseded) sessions are a no-op, not an error: leave
// events for a stale session race against the board's reconnect.
func (r *Repo) InvalidateSession(sessionID string) (*model.Session, error) {
	s, err := r.GetSessionByWampID(sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.db.Exec(`
		UPDATE sessions SET valid = 0, updated_at_ns = ? WHERE session_id = ? AND valid = 1
	`, nowNs(), sessionID); err != nil {
		return nil, err
	}
	s.Valid = false
	return s, nil
}

// ListValidSessionsByAgent returns the valid sessions of boards attached to
// the given agent. Used to reconcile after an agent restart.
func (r *Repo) ListValidSessionsByAgent(agent string) ([]model.Session, error) {
	rows, err := r.db.Query(`
		SELECT s.id, s.board_id, s.board_uuid, s.session_id, s.valid, s.created_at_ns, s.updated_at_ns
		FROM sessions s JOIN boards b ON b.uuid = s.board_uuid
		WHERE s.valid = 1 AND b.agent = ?
	`, agent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	return result, rows.Err()
}

// ListValidSessions returns every valid session in the database.
func (r *Repo) ListValidSessions() ([]model.Session, error) {
	rows, err := r.db.Query("SELECT " + sessionColumns + " FROM sessions WHERE valid = 1")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	return result, rows.Err()
}
