package state

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/model"
)

const boardColumns = `id, uuid, code, name, type, status, agent, owner, project,
	fleet, lr_version, connectivity_json, mobile, config_json, extra_json,
	created_at_ns, updated_at_ns`

func scanBoard(row interface{ Scan(...any) error }) (*model.Board, error) {
	var (
		b            model.Board
		fleet        sql.NullString
		connectivity string
		configJSON   string
		extraJSON    string
	)
	err := row.Scan(&b.ID, &b.UUID, &b.Code, &b.Name, &b.Type, &b.Status, &b.Agent,
		&b.Owner, &b.Project, &fleet, &b.LRVersion, &connectivity, &b.Mobile,
		&configJSON, &extraJSON, &b.CreatedAtNs, &b.UpdatedAtNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBoardNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan board: %w", err)
	}
	b.Fleet = fleet.String
	if b.Connectivity, err = unmarshalMap(connectivity); err != nil {
		return nil, err
	}
	if b.Config, err = unmarshalMap(configJSON); err != nil {
		return nil, err
	}
	if b.Extra, err = unmarshalMap(extraJSON); err != nil {
		return nil, err
	}
	return &b, nil
}

func nullableFleet(fleet string) any {
	if fleet == "" {
		return nil
	}
	return fleet
}

// CreateBoard inserts a board together with its location in one transaction.
// The board starts in status REGISTERED with no agent.
func (r *Repo) CreateBoard(b *model.Board, loc *model.Location) error {
	connectivity, err := marshalMap(b.Connectivity)
	if err != nil {
		return err
	}
	configJSON, err := marshalMap(b.Config)
	if err != nil {
		return err
	}
	extraJSON, err := marshalMap(b.Extra)
	if err != nil {
		return err
	}

	now := nowNs()
	b.CreatedAtNs, b.UpdatedAtNs = now, now

	return r.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO boards (uuid, code, name, type, status, agent, owner, project,
			                    fleet, lr_version, connectivity_json, mobile, config_json,
			                    extra_json, created_at_ns, updated_at_ns)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, b.UUID, b.Code, b.Name, b.Type, b.Status, b.Agent, b.Owner, b.Project,
			nullableFleet(b.Fleet), b.LRVersion, connectivity, b.Mobile, configJSON,
			extraJSON, b.CreatedAtNs, b.UpdatedAtNs)
		if err != nil {
			return mapUniqueViolation(err)
		}
		if b.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("board id: %w", err)
		}
		if loc == nil {
			return nil
		}
		loc.BoardID = b.ID
		loc.UpdatedAtNs = now
		if _, err := tx.Exec(`
			INSERT INTO locations (board_id, longitude, latitude, altitude, updated_at_ns)
			VALUES (?, ?, ?, ?, ?)
		`, loc.BoardID, loc.Longitude, loc.Latitude, loc.Altitude, loc.UpdatedAtNs); err != nil {
			return fmt.Errorf("insert location: %w", err)
		}
		return nil
	})
}

// GetBoard resolves identity as a row id, a uuid or a board name.
func (r *Repo) GetBoard(identity string) (*model.Board, error) {
	col := identityOrNameColumn(identity)
	row := r.db.QueryRow("SELECT "+boardColumns+" FROM boards WHERE "+col+" = ?", identity)
	return scanBoard(row)
}

// GetBoardByUUID looks a board up by uuid only.
func (r *Repo) GetBoardByUUID(boardUUID string) (*model.Board, error) {
	row := r.db.QueryRow("SELECT "+boardColumns+" FROM boards WHERE uuid = ?", boardUUID)
	return scanBoard(row)
}

// GetBoardByCode looks a board up by its registration code.
func (r *Repo) GetBoardByCode(code string) (*model.Board, error) {
	row := r.db.QueryRow("SELECT "+boardColumns+" FROM boards WHERE code = ?", code)
	return scanBoard(row)
}

var boardSortKeys = map[string]bool{
	"uuid": true, "code": true, "name": true, "type": true, "status": true,
	"agent": true, "project": true, "created_at_ns": true, "updated_at_ns": true,
}

// ListBoards pages boards by (sort column, id) keyset, optionally filtered
// by status and project. Pass status "" for all.
func (r *Repo) ListBoards(f ListFilter, status model.BoardStatus) ([]model.Board, error) {
	order, err := f.order(boardSortKeys)
	if err != nil {
		return nil, err
	}
	var conds []string
	var args []any
	if f.Marker != 0 {
		bound, boundArgs := order.markerBound("boards", f.Marker)
		conds = append(conds, bound)
		args = append(args, boundArgs...)
	}
	if status != "" {
		conds = append(conds, "status = ?")
		args = append(args, status)
	}
	if f.Project != "" {
		conds = append(conds, "project = ?")
		args = append(args, f.Project)
	}
	query := "SELECT " + boardColumns + " FROM boards" + whereClause(conds) + order.clause() + " LIMIT ?"
	args = append(args, f.limit())

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Board
	for rows.Next() {
		b, err := scanBoard(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *b)
	}
	return result, rows.Err()
}

// ListBoardsByAgent returns all boards currently attached to the given agent.
func (r *Repo) ListBoardsByAgent(agent string) ([]model.Board, error) {
	rows, err := r.db.Query("SELECT "+boardColumns+" FROM boards WHERE agent = ? ORDER BY id", agent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Board
	for rows.Next() {
		b, err := scanBoard(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *b)
	}
	return result, rows.Err()
}

// ListBoardsInFleet returns all boards attached to a fleet.
func (r *Repo) ListBoardsInFleet(fleetUUID string) ([]model.Board, error) {
	rows, err := r.db.Query("SELECT "+boardColumns+" FROM boards WHERE fleet = ? ORDER BY id", fleetUUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Board
	for rows.Next() {
		b, err := scanBoard(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *b)
	}
	return result, rows.Err()
}

// UpdateBoard rewrites the mutable board columns. The uuid, code and
// created_at_ns columns never change after creation.
func (r *Repo) UpdateBoard(b *model.Board) error {
	connectivity, err := marshalMap(b.Connectivity)
	if err != nil {
		return err
	}
	configJSON, err := marshalMap(b.Config)
	if err != nil {
		return err
	}
	extraJSON, err := marshalMap(b.Extra)
	if err != nil {
		return err
	}
	b.UpdatedAtNs = nowNs()

	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`
		UPDATE boards SET name = ?, type = ?, status = ?, agent = ?, owner = ?,
		       project = ?, fleet = ?, lr_version = ?, connectivity_json = ?,
		       mobile = ?, config_json = ?, extra_json = ?, updated_at_ns = ?
		WHERE uuid = ?
	`, b.Name, b.Type, b.Status, b.Agent, b.Owner, b.Project, nullableFleet(b.Fleet),
		b.LRVersion, connectivity, b.Mobile, configJSON, extraJSON, b.UpdatedAtNs, b.UUID)
	if err != nil {
		return mapUniqueViolation(err)
	}
	return requireRow(res, ErrBoardNotFound)
}

// SetBoardConnection records a board coming online: status, serving agent and
// the Lightning-rod version it reported.
func (r *Repo) SetBoardConnection(boardUUID, agent, lrVersion string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`
		UPDATE boards SET status = ?, agent = ?, lr_version = ?, updated_at_ns = ?
		WHERE uuid = ?
	`, model.StatusOnline, agent, lrVersion, nowNs(), boardUUID)
	if err != nil {
		return err
	}
	return requireRow(res, ErrBoardNotFound)
}

// SetBoardOffline flips a board to OFFLINE. The assigned agent stays on the
// row: the assignment is made at onboarding and outlives individual sessions,
// so a reconnecting board is dispatchable again without re-registering.
func (r *Repo) SetBoardOffline(boardUUID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`
		UPDATE boards SET status = ?, updated_at_ns = ?
		WHERE uuid = ?
	`, model.StatusOffline, nowNs(), boardUUID)
	if err != nil {
		return err
	}
	return requireRow(res, ErrBoardNotFound)
}

// DestroyBoard deletes the board. Sessions, location, injected plugins,
// exposed services, webservices and virtual ports go with it (foreign keys
// cascade inside the same statement).
func (r *Repo) DestroyBoard(identity string) error {
	col := identityOrNameColumn(identity)

	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec("DELETE FROM boards WHERE "+col+" = ?", identity)
	if err != nil {
		return err
	}
	return requireRow(res, ErrBoardNotFound)
}

// GetLocation returns the single location row of a board.
func (r *Repo) GetLocation(boardID int64) (*model.Location, error) {
	var loc model.Location
	err := r.db.QueryRow(`
		SELECT id, board_id, longitude, latitude, altitude, updated_at_ns
		FROM locations WHERE board_id = ?
	`, boardID).Scan(&loc.ID, &loc.BoardID, &loc.Longitude, &loc.Latitude,
		&loc.Altitude, &loc.UpdatedAtNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan location: %w", err)
	}
	return &loc, nil
}

// UpdateLocation rewrites a board's location (mobile boards report moves).
func (r *Repo) UpdateLocation(boardID int64, loc *model.Location) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	loc.UpdatedAtNs = nowNs()
	res, err := r.db.Exec(`
		UPDATE locations SET longitude = ?, latitude = ?, altitude = ?, updated_at_ns = ?
		WHERE board_id = ?
	`, loc.Longitude, loc.Latitude, loc.Altitude, loc.UpdatedAtNs, boardID)
	if err != nil {
		return err
	}
	return requireRow(res, ErrNotFound)
}

// requireRow converts a zero-row write into the given not-found error.
func requireRow(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}
