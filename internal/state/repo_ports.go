package state

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/model"
)

const portColumns = "id, uuid, board_uuid, vif_name, mac_addr, ip, network, updated_at_ns"

func scanPort(row interface{ Scan(...any) error }) (*model.Port, error) {
	var p model.Port
	err := row.Scan(&p.ID, &p.UUID, &p.BoardUUID, &p.VIFName, &p.MACAddr,
		&p.IP, &p.Network, &p.UpdatedAtNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPortNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan port: %w", err)
	}
	return &p, nil
}

// CreatePort records a virtual interface attached to a board.
func (r *Repo) CreatePort(p *model.Port) error {
	p.UpdatedAtNs = nowNs()

	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`
		INSERT INTO ports_on_boards (uuid, board_uuid, vif_name, mac_addr, ip, network, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.UUID, p.BoardUUID, p.VIFName, p.MACAddr, p.IP, p.Network, p.UpdatedAtNs)
	if err != nil {
		return mapUniqueViolation(err)
	}
	p.ID, err = res.LastInsertId()
	return err
}

// GetPort looks a virtual interface up by uuid.
func (r *Repo) GetPort(portUUID string) (*model.Port, error) {
	row := r.db.QueryRow("SELECT "+portColumns+" FROM ports_on_boards WHERE uuid = ?", portUUID)
	return scanPort(row)
}

// ListPorts returns the virtual interfaces of one board, or of every board
// when boardUUID is empty.
func (r *Repo) ListPorts(boardUUID string) ([]model.Port, error) {
	query := "SELECT " + portColumns + " FROM ports_on_boards"
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

	var result []model.Port
	for rows.Next() {
		p, err := scanPort(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

// UpdatePortAddress stores the address the network controller assigned.
func (r *Repo) UpdatePortAddress(portUUID, macAddr, ip string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`
		UPDATE ports_on_boards SET mac_addr = ?, ip = ?, updated_at_ns = ? WHERE uuid = ?
	`, macAddr, ip, nowNs(), portUUID)
	if err != nil {
		return err
	}
	return requireRow(res, ErrPortNotFound)
}

// DeletePort removes a virtual interface record.
func (r *Repo) DeletePort(portUUID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec("DELETE FROM ports_on_boards WHERE uuid = ?", portUUID)
	if err != nil {
		return err
	}
	return requireRow(res, ErrPortNotFound)
}
