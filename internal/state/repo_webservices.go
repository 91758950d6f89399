package state

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/model"
)

const webserviceColumns = "id, uuid, name, port, board_uuid, secure, extra_json, created_at_ns, updated_at_ns"

func scanWebservice(row interface{ Scan(...any) error }) (*model.Webservice, error) {
	var (
		w         model.Webservice
		extraJSON string
	)
	err := row.Scan(&w.ID, &w.UUID, &w.Name, &w.Port, &w.BoardUUID, &w.Secure,
		&extraJSON, &w.CreatedAtNs, &w.UpdatedAtNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWebserviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan webservice: %w", err)
	}
	if w.Extra, err = unmarshalMap(extraJSON); err != nil {
		return nil, err
	}
	return &w, nil
}

// CreateWebservice inserts a named HTTP endpoint of a board. The name is
// unique per board.
func (r *Repo) CreateWebservice(w *model.Webservice) error {
	extraJSON, err := marshalMap(w.Extra)
	if err != nil {
		return err
	}
	now := nowNs()
	w.CreatedAtNs, w.UpdatedAtNs = now, now

	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`
		INSERT INTO webservices (uuid, name, port, board_uuid, secure, extra_json, created_at_ns, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, w.UUID, w.Name, w.Port, w.BoardUUID, w.Secure, extraJSON, w.CreatedAtNs, w.UpdatedAtNs)
	if err != nil {
		return mapUniqueViolation(err)
	}
	w.ID, err = res.LastInsertId()
	return err
}

// GetWebservice resolves identity as either a row id or a uuid.
func (r *Repo) GetWebservice(identity string) (*model.Webservice, error) {
	col, err := identityColumn(identity)
	if err != nil {
		return nil, err
	}
	row := r.db.QueryRow("SELECT "+webserviceColumns+" FROM webservices WHERE "+col+" = ?", identity)
	return scanWebservice(row)
}

// ListWebservices returns the endpoints of one board, or of every board when
// boardUUID is empty.
func (r *Repo) ListWebservices(boardUUID string) ([]model.Webservice, error) {
	query := "SELECT " + webserviceColumns + " FROM webservices"
	var args []any
	if boardUUID != "" {
		query += " WHERE board_uuid = ?"
		args = append(args, boardUUID)
	}
	query += " ORDER BY id"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Webservice
	for rows.Next() {
		w, err := scanWebservice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *w)
	}
	return result, rows.Err()
}

// DeleteWebservice removes one endpoint.
func (r *Repo) DeleteWebservice(identity string) error {
	col, err := identityColumn(identity)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec("DELETE FROM webservices WHERE "+col+" = ?", identity)
	if err != nil {
		return err
	}
	return requireRow(res, ErrWebserviceNotFound)
}

// --- enabled webservices ---

// CreateEnabledWebservice records the per-board HTTP exposure. One row per
// board; the dns label is globally unique.
func (r *Repo) CreateEnabledWebservice(e *model.EnabledWebservice) error {
	e.UpdatedAtNs = nowNs()

	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`
		INSERT INTO enabled_webservices (board_uuid, http_port, https_port, dns, zone, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.BoardUUID, e.HTTPPort, e.HTTPSPort, e.DNS, e.Zone, e.UpdatedAtNs)
	if err != nil {
		return mapUniqueViolation(err)
	}
	e.ID, err = res.LastInsertId()
	return err
}

// GetEnabledWebservice returns the board's HTTP exposure, if any.
func (r *Repo) GetEnabledWebservice(boardUUID string) (*model.EnabledWebservice, error) {
	var e model.EnabledWebservice
	err := r.db.QueryRow(`
		SELECT id, board_uuid, http_port, https_port, dns, zone, updated_at_ns
		FROM enabled_webservices WHERE board_uuid = ?
	`, boardUUID).Scan(&e.ID, &e.BoardUUID, &e.HTTPPort, &e.HTTPSPort, &e.DNS,
		&e.Zone, &e.UpdatedAtNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEnabledWebserviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan enabled webservice: %w", err)
	}
	return &e, nil
}

// DNSInUse reports whether some board already claimed the dns label.
func (r *Repo) DNSInUse(dns string) (bool, error) {
	var one int
	err := r.db.QueryRow("SELECT 1 FROM enabled_webservices WHERE dns = ?", dns).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListEnabledWebservices returns every board exposure.
func (r *Repo) ListEnabledWebservices() ([]model.EnabledWebservice, error) {
	rows, err := r.db.Query(`
		SELECT id, board_uuid, http_port, https_port, dns, zone, updated_at_ns
		FROM enabled_webservices ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.EnabledWebservice
	for rows.Next() {
		var e model.EnabledWebservice
		if err := rows.Scan(&e.ID, &e.BoardUUID, &e.HTTPPort, &e.HTTPSPort, &e.DNS,
			&e.Zone, &e.UpdatedAtNs); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// DeleteEnabledWebservice removes the board's exposure.
func (r *Repo) DeleteEnabledWebservice(boardUUID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec("DELETE FROM enabled_webservices WHERE board_uuid = ?", boardUUID)
	if err != nil {
		return err
	}
	return requireRow(res, ErrEnabledWebserviceNotFound)
}
