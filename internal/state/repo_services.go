package state

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/model"
)

const serviceColumns = "id, uuid, name, project, port, protocol, extra_json, created_at_ns, updated_at_ns"

func scanService(row interface{ Scan(...any) error }) (*model.Service, error) {
	var (
		s         model.Service
		extraJSON string
	)
	err := row.Scan(&s.ID, &s.UUID, &s.Name, &s.Project, &s.Port, &s.Protocol,
		&extraJSON, &s.CreatedAtNs, &s.UpdatedAtNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrServiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan service: %w", err)
	}
	if s.Extra, err = unmarshalMap(extraJSON); err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateService inserts a service definition.
func (r *Repo) CreateService(s *model.Service) error {
	extraJSON, err := marshalMap(s.Extra)
	if err != nil {
		return err
	}
	now := nowNs()
	s.CreatedAtNs, s.UpdatedAtNs = now, now

	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`
		INSERT INTO services (uuid, name, project, port, protocol, extra_json, created_at_ns, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.UUID, s.Name, s.Project, s.Port, s.Protocol, extraJSON, s.CreatedAtNs, s.UpdatedAtNs)
	if err != nil {
		return mapUniqueViolation(err)
	}
	s.ID, err = res.LastInsertId()
	return err
}

// GetService resolves identity as a row id, a uuid or a service name.
func (r *Repo) GetService(identity string) (*model.Service, error) {
	col := identityOrNameColumn(identity)
	row := r.db.QueryRow("SELECT "+serviceColumns+" FROM services WHERE "+col+" = ?", identity)
	return scanService(row)
}

// GetServiceByName looks a service definition up by its unique name.
func (r *Repo) GetServiceByName(name string) (*model.Service, error) {
	row := r.db.QueryRow("SELECT "+serviceColumns+" FROM services WHERE name = ?", name)
	return scanService(row)
}

var serviceSortKeys = map[string]bool{
	"uuid": true, "name": true, "project": true, "port": true, "protocol": true,
	"created_at_ns": true, "updated_at_ns": true,
}

// ListServices pages all service definitions by (sort column, id) keyset.
func (r *Repo) ListServices(f ListFilter) ([]model.Service, error) {
	order, err := f.order(serviceSortKeys)
	if err != nil {
		return nil, err
	}
	var conds []string
	var args []any
	if f.Marker != 0 {
		bound, boundArgs := order.markerBound("services", f.Marker)
		conds = append(conds, bound)
		args = append(args, boundArgs...)
	}
	if f.Project != "" {
		conds = append(conds, "project = ?")
		args = append(args, f.Project)
	}
	query := "SELECT " + serviceColumns + " FROM services" + whereClause(conds) + order.clause() + " LIMIT ?"
	args = append(args, f.limit())

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Service
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	return result, rows.Err()
}

// UpdateService rewrites the mutable service columns; uuid never changes.
func (r *Repo) UpdateService(s *model.Service) error {
	extraJSON, err := marshalMap(s.Extra)
	if err != nil {
		return err
	}
	s.UpdatedAtNs = nowNs()

	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`
		UPDATE services SET name = ?, project = ?, port = ?, protocol = ?,
		       extra_json = ?, updated_at_ns = ?
		WHERE uuid = ?
	`, s.Name, s.Project, s.Port, s.Protocol, extraJSON, s.UpdatedAtNs, s.UUID)
	if err != nil {
		return mapUniqueViolation(err)
	}
	return requireRow(res, ErrServiceNotFound)
}

// DestroyService deletes the service and any exposures referencing it.
func (r *Repo) DestroyService(identity string) error {
	col := identityOrNameColumn(identity)

	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec("DELETE FROM services WHERE "+col+" = ?", identity)
	if err != nil {
		return err
	}
	return requireRow(res, ErrServiceNotFound)
}

// --- exposed services ---

// CreateExposedService records a public-port tunnel for (board, service).
// A second exposure of the same pair or a public-port reuse surfaces as
// ErrAlreadyExists.
func (r *Repo) CreateExposedService(e *model.ExposedService) error {
	e.UpdatedAtNs = nowNs()

	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`
		INSERT INTO exposed_services (board_uuid, service_uuid, public_port, updated_at_ns)
		VALUES (?, ?, ?, ?)
	`, e.BoardUUID, e.ServiceUUID, e.PublicPort, e.UpdatedAtNs)
	if err != nil {
		return mapUniqueViolation(err)
	}
	e.ID, err = res.LastInsertId()
	return err
}

// GetExposedService returns the exposure for (board, service), if any.
func (r *Repo) GetExposedService(boardUUID, serviceUUID string) (*model.ExposedService, error) {
	var e model.ExposedService
	err := r.db.QueryRow(`
		SELECT id, board_uuid, service_uuid, public_port, updated_at_ns
		FROM exposed_services WHERE board_uuid = ? AND service_uuid = ?
	`, boardUUID, serviceUUID).Scan(&e.ID, &e.BoardUUID, &e.ServiceUUID,
		&e.PublicPort, &e.UpdatedAtNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExposedServiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan exposed service: %w", err)
	}
	return &e, nil
}

// ListExposedServices returns the exposures of one board, or of every board
// when boardUUID is empty.
func (r *Repo) ListExposedServices(boardUUID string) ([]model.ExposedService, error) {
	query := "SELECT id, board_uuid, service_uuid, public_port, updated_at_ns FROM exposed_services"
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

	var result []model.ExposedService
	for rows.Next() {
		var e model.ExposedService
		if err := rows.Scan(&e.ID, &e.BoardUUID, &e.ServiceUUID, &e.PublicPort, &e.UpdatedAtNs); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// AllPublicPorts returns every public port currently allocated to an
// exposure. Used to warm the port allocator at startup.
func (r *Repo) AllPublicPorts() ([]int, error) {
	rows, err := r.db.Query("SELECT public_port FROM exposed_services")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ports []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		ports = append(ports, p)
	}
	return ports, rows.Err()
}

// DeleteExposedService removes the exposure for (board, service).
func (r *Repo) DeleteExposedService(boardUUID, serviceUUID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(
		"DELETE FROM exposed_services WHERE board_uuid = ? AND service_uuid = ?",
		boardUUID, serviceUUID)
	if err != nil {
		return err
	}
	return requireRow(res, ErrExposedServiceNotFound)
}
