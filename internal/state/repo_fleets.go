package state

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/model"
)

const fleetColumns = "id, uuid, name, project, description, updated_at_ns"

func scanFleet(row interface{ Scan(...any) error }) (*model.Fleet, error) {
	var f model.Fleet
	err := row.Scan(&f.ID, &f.UUID, &f.Name, &f.Project, &f.Description, &f.UpdatedAtNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFleetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan fleet: %w", err)
	}
	return &f, nil
}

// CreateFleet inserts a fleet.
func (r *Repo) CreateFleet(f *model.Fleet) error {
	f.UpdatedAtNs = nowNs()

	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`
		INSERT INTO fleets (uuid, name, project, description, updated_at_ns)
		VALUES (?, ?, ?, ?, ?)
	`, f.UUID, f.Name, f.Project, f.Description, f.UpdatedAtNs)
	if err != nil {
		return mapUniqueViolation(err)
	}
	f.ID, err = res.LastInsertId()
	return err
}

// GetFleet resolves identity as a row id, a uuid or a fleet name.
func (r *Repo) GetFleet(identity string) (*model.Fleet, error) {
	col := identityOrNameColumn(identity)
	row := r.db.QueryRow("SELECT "+fleetColumns+" FROM fleets WHERE "+col+" = ?", identity)
	return scanFleet(row)
}

var fleetSortKeys = map[string]bool{
	"uuid": true, "name": true, "project": true, "updated_at_ns": true,
}

// ListFleets pages all fleets by (sort column, id) keyset.
func (r *Repo) ListFleets(f ListFilter) ([]model.Fleet, error) {
	order, err := f.order(fleetSortKeys)
	if err != nil {
		return nil, err
	}
	var conds []string
	var args []any
	if f.Marker != 0 {
		bound, boundArgs := order.markerBound("fleets", f.Marker)
		conds = append(conds, bound)
		args = append(args, boundArgs...)
	}
	if f.Project != "" {
		conds = append(conds, "project = ?")
		args = append(args, f.Project)
	}
	query := "SELECT " + fleetColumns + " FROM fleets" + whereClause(conds) + order.clause() + " LIMIT ?"
	args = append(args, f.limit())

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Fleet
	for rows.Next() {
		fl, err := scanFleet(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *fl)
	}
	return result, rows.Err()
}

// UpdateFleet rewrites the mutable fleet columns; uuid never changes.
func (r *Repo) UpdateFleet(f *model.Fleet) error {
	f.UpdatedAtNs = nowNs()

	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`
		UPDATE fleets SET name = ?, project = ?, description = ?, updated_at_ns = ?
		WHERE uuid = ?
	`, f.Name, f.Project, f.Description, f.UpdatedAtNs, f.UUID)
	if err != nil {
		return mapUniqueViolation(err)
	}
	return requireRow(res, ErrFleetNotFound)
}

// DestroyFleet deletes the fleet; member boards keep existing with the fleet
// reference cleared.
func (r *Repo) DestroyFleet(identity string) error {
	col := identityOrNameColumn(identity)

	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec("DELETE FROM fleets WHERE "+col+" = ?", identity)
	if err != nil {
		return err
	}
	return requireRow(res, ErrFleetNotFound)
}
