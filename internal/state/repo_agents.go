package state

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/model"
)

const agentColumns = "id, hostname, wsurl, online, ragent, created_at_ns, updated_at_ns"

func scanAgent(row interface{ Scan(...any) error }) (*model.Agent, error) {
	var a model.Agent
	err := row.Scan(&a.ID, &a.Hostname, &a.WSURL, &a.Online, &a.RAgent,
		&a.CreatedAtNs, &a.UpdatedAtNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan wamp agent: %w", err)
	}
	return &a, nil
}

// RegisterAgent upserts a wamp agent row by hostname and marks it online.
// When ragent is set, any other agent holding the registration role loses it
// in the same transaction: there is at most one registration agent.
func (r *Repo) RegisterAgent(hostname, wsurl string, ragent bool) error {
	now := nowNs()
	return r.inTx(func(tx *sql.Tx) error {
		if ragent {
			if _, err := tx.Exec(
				"UPDATE wampagents SET ragent = 0, updated_at_ns = ? WHERE ragent = 1 AND hostname != ?",
				now, hostname); err != nil {
				return fmt.Errorf("demote registration agent: %w", err)
			}
		}
		_, err := tx.Exec(`
			INSERT INTO wampagents (hostname, wsurl, online, ragent, created_at_ns, updated_at_ns)
			VALUES (?, ?, 1, ?, ?, ?)
			ON CONFLICT(hostname) DO UPDATE SET
				wsurl         = excluded.wsurl,
				online        = 1,
				ragent        = excluded.ragent,
				updated_at_ns = excluded.updated_at_ns
		`, hostname, wsurl, ragent, now, now)
		return err
	})
}

// TouchAgent refreshes an agent's liveness timestamp.
func (r *Repo) TouchAgent(hostname string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(
		"UPDATE wampagents SET updated_at_ns = ? WHERE hostname = ?", nowNs(), hostname)
	if err != nil {
		return err
	}
	return requireRow(res, ErrAgentNotFound)
}

// SetAgentOffline flips an agent offline without deleting its row.
func (r *Repo) SetAgentOffline(hostname string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(
		"UPDATE wampagents SET online = 0, updated_at_ns = ? WHERE hostname = ?",
		nowNs(), hostname)
	if err != nil {
		return err
	}
	return requireRow(res, ErrAgentNotFound)
}

// ExpireAgents flips online agents whose last heartbeat predates cutoffNs to
// offline and returns their hostnames.
func (r *Repo) ExpireAgents(cutoffNs int64) ([]string, error) {
	var expired []string
	err := r.inTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(
			"SELECT hostname FROM wampagents WHERE online = 1 AND updated_at_ns < ?", cutoffNs)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var h string
			if err := rows.Scan(&h); err != nil {
				return err
			}
			expired = append(expired, h)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		for _, h := range expired {
			if _, err := tx.Exec(
				"UPDATE wampagents SET online = 0, updated_at_ns = ? WHERE hostname = ?",
				nowNs(), h); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// GetAgent looks an agent up by hostname.
func (r *Repo) GetAgent(hostname string) (*model.Agent, error) {
	row := r.db.QueryRow("SELECT "+agentColumns+" FROM wampagents WHERE hostname = ?", hostname)
	return scanAgent(row)
}

// GetRegistrationAgent returns the online agent holding the registration role.
func (r *Repo) GetRegistrationAgent() (*model.Agent, error) {
	row := r.db.QueryRow("SELECT " + agentColumns + " FROM wampagents WHERE ragent = 1 AND online = 1")
	return scanAgent(row)
}

// ListOnlineAgents returns every online agent.
func (r *Repo) ListOnlineAgents() ([]model.Agent, error) {
	rows, err := r.db.Query("SELECT " + agentColumns + " FROM wampagents WHERE online = 1 ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

// --- conductors ---

// RegisterConductor upserts this conductor's row and marks it online.
func (r *Repo) RegisterConductor(hostname string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`
		INSERT INTO conductors (hostname, online, updated_at_ns)
		VALUES (?, 1, ?)
		ON CONFLICT(hostname) DO UPDATE SET
			online        = 1,
			updated_at_ns = excluded.updated_at_ns
	`, hostname, nowNs())
	return err
}

// DeregisterConductor marks the conductor offline. Called on clean shutdown.
func (r *Repo) DeregisterConductor(hostname string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(
		"UPDATE conductors SET online = 0, updated_at_ns = ? WHERE hostname = ?",
		nowNs(), hostname)
	return err
}

// ListConductors returns all known conductors.
func (r *Repo) ListConductors() ([]model.Conductor, error) {
	rows, err := r.db.Query("SELECT id, hostname, online, updated_at_ns FROM conductors ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Conductor
	for rows.Next() {
		var c model.Conductor
		if err := rows.Scan(&c.ID, &c.Hostname, &c.Online, &c.UpdatedAtNs); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}
