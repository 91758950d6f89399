package state

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/model"
)

const pluginColumns = `id, uuid, name, owner, public, code, callable,
	parameters_json, extra_json, created_at_ns, updated_at_ns`

func scanPlugin(row interface{ Scan(...any) error }) (*model.Plugin, error) {
	var (
		p         model.Plugin
		params    string
		extraJSON string
	)
	err := row.Scan(&p.ID, &p.UUID, &p.Name, &p.Owner, &p.Public, &p.Code,
		&p.Callable, &params, &extraJSON, &p.CreatedAtNs, &p.UpdatedAtNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPluginNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan plugin: %w", err)
	}
	if p.Parameters, err = unmarshalMap(params); err != nil {
		return nil, err
	}
	if p.Extra, err = unmarshalMap(extraJSON); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePlugin inserts a plugin.
func (r *Repo) CreatePlugin(p *model.Plugin) error {
	params, err := marshalMap(p.Parameters)
	if err != nil {
		return err
	}
	extraJSON, err := marshalMap(p.Extra)
	if err != nil {
		return err
	}

	now := nowNs()
	p.CreatedAtNs, p.UpdatedAtNs = now, now

	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`
		INSERT INTO plugins (uuid, name, owner, public, code, callable,
		                     parameters_json, extra_json, created_at_ns, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.UUID, p.Name, p.Owner, p.Public, p.Code, p.Callable, params, extraJSON,
		p.CreatedAtNs, p.UpdatedAtNs)
	if err != nil {
		return mapUniqueViolation(err)
	}
	p.ID, err = res.LastInsertId()
	return err
}

// GetPlugin resolves identity as a row id, a uuid or a plugin name. Plugin
// names are not unique; a name lookup returns the oldest match.
func (r *Repo) GetPlugin(identity string) (*model.Plugin, error) {
	col := identityOrNameColumn(identity)
	row := r.db.QueryRow("SELECT "+pluginColumns+" FROM plugins WHERE "+col+" = ? ORDER BY id LIMIT 1", identity)
	return scanPlugin(row)
}

var pluginSortKeys = map[string]bool{
	"uuid": true, "name": true, "owner": true, "created_at_ns": true, "updated_at_ns": true,
}

// ListPlugins pages plugins visible to owner: their own plus public ones.
// Pass owner "" for an unrestricted listing.
func (r *Repo) ListPlugins(f ListFilter, owner string) ([]model.Plugin, error) {
	order, err := f.order(pluginSortKeys)
	if err != nil {
		return nil, err
	}
	var conds []string
	var args []any
	if f.Marker != 0 {
		bound, boundArgs := order.markerBound("plugins", f.Marker)
		conds = append(conds, bound)
		args = append(args, boundArgs...)
	}
	if owner != "" {
		conds = append(conds, "(owner = ? OR public = 1)")
		args = append(args, owner)
	}
	query := "SELECT " + pluginColumns + " FROM plugins" + whereClause(conds) + order.clause() + " LIMIT ?"
	args = append(args, f.limit())

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Plugin
	for rows.Next() {
		p, err := scanPlugin(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

// UpdatePlugin rewrites the mutable plugin columns; uuid never changes.
func (r *Repo) UpdatePlugin(p *model.Plugin) error {
	params, err := marshalMap(p.Parameters)
	if err != nil {
		return err
	}
	extraJSON, err := marshalMap(p.Extra)
	if err != nil {
		return err
	}
	p.UpdatedAtNs = nowNs()

	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`
		UPDATE plugins SET name = ?, owner = ?, public = ?, code = ?, callable = ?,
		       parameters_json = ?, extra_json = ?, updated_at_ns = ?
		WHERE uuid = ?
	`, p.Name, p.Owner, p.Public, p.Code, p.Callable, params, extraJSON,
		p.UpdatedAtNs, p.UUID)
	if err != nil {
		return mapUniqueViolation(err)
	}
	return requireRow(res, ErrPluginNotFound)
}

// DestroyPlugin deletes the plugin and its injection records. Names are
// resolved to a single row first so a shared name never deletes more than
// one plugin.
func (r *Repo) DestroyPlugin(identity string) error {
	p, err := r.GetPlugin(identity)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec("DELETE FROM plugins WHERE uuid = ?", p.UUID)
	if err != nil {
		return err
	}
	return requireRow(res, ErrPluginNotFound)
}

// --- injection records ---

// UpsertInjection records a plugin landing on a board: first injection gets
// status "injected", re-injection flips it to "updated".
func (r *Repo) UpsertInjection(boardUUID, pluginUUID string, onboot bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`
		INSERT INTO injection_plugins (board_uuid, plugin_uuid, onboot, status, updated_at_ns)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(board_uuid, plugin_uuid) DO UPDATE SET
			onboot        = excluded.onboot,
			status        = ?,
			updated_at_ns = excluded.updated_at_ns
	`, boardUUID, pluginUUID, onboot, model.InjectionInjected, nowNs(), model.InjectionUpdated)
	return err
}

// GetInjection returns the injection record for (board, plugin).
func (r *Repo) GetInjection(boardUUID, pluginUUID string) (*model.InjectionPlugin, error) {
	var inj model.InjectionPlugin
	err := r.db.QueryRow(`
		SELECT id, board_uuid, plugin_uuid, onboot, status, updated_at_ns
		FROM injection_plugins WHERE board_uuid = ? AND plugin_uuid = ?
	`, boardUUID, pluginUUID).Scan(&inj.ID, &inj.BoardUUID, &inj.PluginUUID,
		&inj.OnBoot, &inj.Status, &inj.UpdatedAtNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInjectionPluginNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan injection: %w", err)
	}
	return &inj, nil
}

// ListInjections returns all plugins injected into a board.
func (r *Repo) ListInjections(boardUUID string) ([]model.InjectionPlugin, error) {
	rows, err := r.db.Query(`
		SELECT id, board_uuid, plugin_uuid, onboot, status, updated_at_ns
		FROM injection_plugins WHERE board_uuid = ? ORDER BY id
	`, boardUUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.InjectionPlugin
	for rows.Next() {
		var inj model.InjectionPlugin
		if err := rows.Scan(&inj.ID, &inj.BoardUUID, &inj.PluginUUID, &inj.OnBoot,
			&inj.Status, &inj.UpdatedAtNs); err != nil {
			return nil, err
		}
		result = append(result, inj)
	}
	return result, rows.Err()
}

// DeleteInjection removes the injection record after a device-side remove.
func (r *Repo) DeleteInjection(boardUUID, pluginUUID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(
		"DELETE FROM injection_plugins WHERE board_uuid = ? AND plugin_uuid = ?",
		boardUUID, pluginUUID)
	if err != nil {
		return err
	}
	return requireRow(res, ErrInjectionPluginNotFound)
}
