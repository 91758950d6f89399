package state

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/model"
)

// Bootstrap opens (or creates) the conductor database under stateDir, applies
// pending migrations, repairs state left over from an unclean shutdown, and
// returns a ready-to-use Repo.
//
// Steps:
//  1. Open/create iotronic.db with recommended pragmas.
//  2. Apply schema migrations.
//  3. Reconcile startup state: every board marked ONLINE at boot is stale
//     (its session died with the previous process), so boards flip to
//     OFFLINE and their sessions are invalidated.
func Bootstrap(stateDir string) (*Repo, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir %s: %w", stateDir, err)
	}

	db, err := OpenDB(filepath.Join(stateDir, "iotronic.db"))
	if err != nil {
		return nil, fmt.Errorf("open iotronic.db: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate iotronic.db: %w", err)
	}

	repo := NewRepo(db)
	if err := repo.repairStartupState(); err != nil {
		db.Close()
		return nil, fmt.Errorf("repair startup state: %w", err)
	}
	return repo, nil
}

// repairStartupState invalidates sessions and ONLINE flags persisted by a
// previous process. The live state is rebuilt from broker events afterwards.
func (r *Repo) repairStartupState() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := nowNs()
	res, err := r.db.Exec(
		"UPDATE sessions SET valid = 0, updated_at_ns = ? WHERE valid = 1", now)
	if err != nil {
		return fmt.Errorf("invalidate stale sessions: %w", err)
	}
	stale, _ := res.RowsAffected()

	// Status resets, agent assignments stay: they are made at onboarding and
	// must survive restarts for the boards to be dispatchable on reconnect.
	if _, err := r.db.Exec(`
		UPDATE boards SET status = ?, updated_at_ns = ?
		WHERE status = ?
	`, model.StatusOffline, now, model.StatusOnline); err != nil {
		return fmt.Errorf("reset online boards: %w", err)
	}

	if stale > 0 {
		log.Printf("[state] invalidated %d stale session(s) from previous run", stale)
	}
	return nil
}
