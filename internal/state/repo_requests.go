package state

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/model"
)

const requestColumns = `id, uuid, destination_uuid, main_request_uuid, pending_requests,
	status, project, type, action, created_at_ns, updated_at_ns`

func scanRequest(row interface{ Scan(...any) error }) (*model.Request, error) {
	var (
		req  model.Request
		main sql.NullString
	)
	err := row.Scan(&req.ID, &req.UUID, &req.DestinationUUID, &main, &req.PendingRequests,
		&req.Status, &req.Project, &req.Type, &req.Action, &req.CreatedAtNs, &req.UpdatedAtNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan request: %w", err)
	}
	req.MainRequestUUID = main.String
	return &req, nil
}

func nullableUUID(u string) any {
	if u == "" {
		return nil
	}
	return u
}

// CreateRequest inserts a request row.
func (r *Repo) CreateRequest(req *model.Request) error {
	now := nowNs()
	req.CreatedAtNs, req.UpdatedAtNs = now, now

	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`
		INSERT INTO requests (uuid, destination_uuid, main_request_uuid, pending_requests,
		                      status, project, type, action, created_at_ns, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, req.UUID, req.DestinationUUID, nullableUUID(req.MainRequestUUID),
		req.PendingRequests, req.Status, req.Project, req.Type, req.Action,
		req.CreatedAtNs, req.UpdatedAtNs)
	if err != nil {
		return mapUniqueViolation(err)
	}
	req.ID, err = res.LastInsertId()
	return err
}

// GetRequest looks a request up by uuid.
func (r *Repo) GetRequest(requestUUID string) (*model.Request, error) {
	row := r.db.QueryRow("SELECT "+requestColumns+" FROM requests WHERE uuid = ?", requestUUID)
	return scanRequest(row)
}

var requestSortKeys = map[string]bool{
	"uuid": true, "destination_uuid": true, "status": true, "type": true,
	"action": true, "project": true, "created_at_ns": true, "updated_at_ns": true,
}

// ListRequests pages requests by (sort column, id) keyset, optionally
// filtered by destination board or fleet uuid.
func (r *Repo) ListRequests(f ListFilter, destinationUUID string) ([]model.Request, error) {
	order, err := f.order(requestSortKeys)
	if err != nil {
		return nil, err
	}
	var conds []string
	var args []any
	if f.Marker != 0 {
		bound, boundArgs := order.markerBound("requests", f.Marker)
		conds = append(conds, bound)
		args = append(args, boundArgs...)
	}
	if destinationUUID != "" {
		conds = append(conds, "destination_uuid = ?")
		args = append(args, destinationUUID)
	}
	if f.Project != "" {
		conds = append(conds, "project = ?")
		args = append(args, f.Project)
	}
	query := "SELECT " + requestColumns + " FROM requests" + whereClause(conds) + order.clause() + " LIMIT ?"
	args = append(args, f.limit())

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *req)
	}
	return result, rows.Err()
}

// ListChildRequests returns the children of a parent request.
func (r *Repo) ListChildRequests(parentUUID string) ([]model.Request, error) {
	rows, err := r.db.Query(
		"SELECT "+requestColumns+" FROM requests WHERE main_request_uuid = ? ORDER BY id", parentUUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *req)
	}
	return result, rows.Err()
}

// --- results ---

// CreateResult inserts a result row, typically RUNNING when the call goes
// out, or a final value when the outcome is known synchronously.
func (r *Repo) CreateResult(res *model.Result) error {
	res.UpdatedAtNs = nowNs()

	r.mu.Lock()
	defer r.mu.Unlock()

	row, err := r.db.Exec(`
		INSERT INTO results (request_uuid, board_uuid, result, message, updated_at_ns)
		VALUES (?, ?, ?, ?, ?)
	`, res.RequestUUID, res.BoardUUID, res.Result, res.Message, res.UpdatedAtNs)
	if err != nil {
		return mapUniqueViolation(err)
	}
	res.ID, err = row.LastInsertId()
	return err
}

// GetResult returns the result row for (request, board).
func (r *Repo) GetResult(requestUUID, boardUUID string) (*model.Result, error) {
	var res model.Result
	err := r.db.QueryRow(`
		SELECT id, request_uuid, board_uuid, result, message, updated_at_ns
		FROM results WHERE request_uuid = ? AND board_uuid = ?
	`, requestUUID, boardUUID).Scan(&res.ID, &res.RequestUUID, &res.BoardUUID,
		&res.Result, &res.Message, &res.UpdatedAtNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan result: %w", err)
	}
	return &res, nil
}

// ListResults returns all per-board results of a request.
func (r *Repo) ListResults(requestUUID string) ([]model.Result, error) {
	rows, err := r.db.Query(`
		SELECT id, request_uuid, board_uuid, result, message, updated_at_ns
		FROM results WHERE request_uuid = ? ORDER BY id
	`, requestUUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Result
	for rows.Next() {
		var res model.Result
		if err := rows.Scan(&res.ID, &res.RequestUUID, &res.BoardUUID, &res.Result,
			&res.Message, &res.UpdatedAtNs); err != nil {
			return nil, err
		}
		result = append(result, res)
	}
	return result, rows.Err()
}

// Settlement describes what a SetResultAndSettle call changed.
type Settlement struct {
	// Updated is false when the result had already left RUNNING; the whole
	// call was a no-op (duplicate completion notify).
	Updated bool
	// RequestCompleted is true when this was the request's last RUNNING
	// result and the request flipped to COMPLETED.
	RequestCompleted bool
	// ParentUUID is the parent request, when the completed request is a child.
	ParentUUID string
	// ParentCompleted is true when the parent's pending count reached zero
	// and the parent flipped to COMPLETED.
	ParentCompleted bool
}

// SetResultAndSettle records a final result value for (request, board) and
// settles the bookkeeping in one transaction: the request flips to COMPLETED
// when no RUNNING result remains, and a completed child decrements its
// parent's pending count, completing the parent at zero. A result that is
// not RUNNING anymore is left untouched, making duplicate notifications
// harmless.
func (r *Repo) SetResultAndSettle(requestUUID, boardUUID string, value model.ResultValue, message string) (*Settlement, error) {
	if !value.Terminal() {
		return nil, fmt.Errorf("settle %s/%s: %q is not a final result", requestUUID, boardUUID, value)
	}

	s := &Settlement{}
	err := r.inTx(func(tx *sql.Tx) error {
		now := nowNs()
		res, err := tx.Exec(`
			UPDATE results SET result = ?, message = ?, updated_at_ns = ?
			WHERE request_uuid = ? AND board_uuid = ? AND result = ?
		`, value, message, now, requestUUID, boardUUID, model.ResultRunning)
		if err != nil {
			return fmt.Errorf("update result: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Either the result never existed or it already settled.
			var one int
			err := tx.QueryRow(
				"SELECT 1 FROM results WHERE request_uuid = ? AND board_uuid = ?",
				requestUUID, boardUUID).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrResultNotFound
			}
			return err
		}
		s.Updated = true

		var running int
		if err := tx.QueryRow(
			"SELECT COUNT(*) FROM results WHERE request_uuid = ? AND result = ?",
			requestUUID, model.ResultRunning).Scan(&running); err != nil {
			return fmt.Errorf("count running results: %w", err)
		}
		if running > 0 {
			return nil
		}

		if _, err := tx.Exec(
			"UPDATE requests SET status = ?, updated_at_ns = ? WHERE uuid = ?",
			model.RequestCompleted, now, requestUUID); err != nil {
			return fmt.Errorf("complete request: %w", err)
		}
		s.RequestCompleted = true

		var parent sql.NullString
		if err := tx.QueryRow(
			"SELECT main_request_uuid FROM requests WHERE uuid = ?", requestUUID).Scan(&parent); err != nil {
			return fmt.Errorf("lookup parent: %w", err)
		}
		if !parent.Valid || parent.String == "" {
			return nil
		}
		s.ParentUUID = parent.String

		if _, err := tx.Exec(`
			UPDATE requests SET pending_requests = pending_requests - 1, updated_at_ns = ?
			WHERE uuid = ? AND pending_requests > 0
		`, now, parent.String); err != nil {
			return fmt.Errorf("decrement parent pending: %w", err)
		}

		var pending int
		if err := tx.QueryRow(
			"SELECT pending_requests FROM requests WHERE uuid = ?", parent.String).Scan(&pending); err != nil {
			return fmt.Errorf("read parent pending: %w", err)
		}
		if pending == 0 {
			if _, err := tx.Exec(
				"UPDATE requests SET status = ?, updated_at_ns = ? WHERE uuid = ?",
				model.RequestCompleted, now, parent.String); err != nil {
				return fmt.Errorf("complete parent: %w", err)
			}
			s.ParentCompleted = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
