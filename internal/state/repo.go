package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repo wraps the conductor database and provides transactional CRUD for all
// entities. All writes are serialized by an internal mutex; SQLite runs in
// WAL mode with a single connection.
type Repo struct {
	db *sql.DB
	mu sync.Mutex
}

// NewRepo creates a Repo for the given database connection. The schema must
// already be migrated (MigrateDB).
func NewRepo(db *sql.DB) *Repo {
	return &Repo{db: db}
}

// DB exposes the underlying connection for read-only diagnostics.
func (r *Repo) DB() *sql.DB {
	return r.db
}

// Close closes the underlying database.
func (r *Repo) Close() error {
	return r.db.Close()
}

func nowNs() int64 {
	return time.Now().UnixNano()
}

// identityColumn decides whether an API identifier addresses the integer row
// id or the uuid column. Anything else is rejected before touching the DB.
func identityColumn(identity string) (string, error) {
	if _, err := strconv.ParseInt(identity, 10, 64); err == nil {
		return "id", nil
	}
	if _, err := uuid.Parse(identity); err == nil {
		return "uuid", nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidIdentity, identity)
}

// identityOrNameColumn additionally accepts a name: entities carrying a name
// column answer to it when the identifier is neither an id nor a uuid.
func identityOrNameColumn(identity string) string {
	if _, err := strconv.ParseInt(identity, 10, 64); err == nil {
		return "id"
	}
	if _, err := uuid.Parse(identity); err == nil {
		return "uuid"
	}
	return "name"
}

// marshalMap encodes a map column; nil maps store as the empty object so
// scans never deal with NULL.
func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal json column: %w", err)
	}
	return string(data), nil
}

func unmarshalMap(s string) (map[string]any, error) {
	if s == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("unmarshal json column: %w", err)
	}
	return m, nil
}

// inTx runs fn inside a transaction under the writer mutex, committing on nil
// and rolling back on error.
func (r *Repo) inTx(fn func(tx *sql.Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ListFilter is the common pagination envelope: keyset pagination on
// (sort column, id) with an optional upper bound on page size.
type ListFilter struct {
	Limit   int
	Marker  int64  // last row id of the previous page, 0 for the first page
	Project string
	SortKey string // sortable column, "" for id order
	SortDir string // "asc" (default) or "desc"
}

func (f ListFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return 1000
	}
	return f.Limit
}

// sortOrder is a validated sort: the column plus direction a listing pages
// over. The id column always breaks ties so the order is total.
type sortOrder struct {
	key  string
	desc bool
}

// order validates the requested sort against the entity's sortable columns.
func (f ListFilter) order(sortable map[string]bool) (sortOrder, error) {
	key := f.SortKey
	switch {
	case key == "" || key == "id":
		key = "id"
	case !sortable[key]:
		return sortOrder{}, fmt.Errorf("%w: sort_key %q", ErrInvalidSort, f.SortKey)
	}
	switch strings.ToLower(f.SortDir) {
	case "", "asc":
		return sortOrder{key: key}, nil
	case "desc":
		return sortOrder{key: key, desc: true}, nil
	default:
		return sortOrder{}, fmt.Errorf("%w: sort_dir %q", ErrInvalidSort, f.SortDir)
	}
}

func (o sortOrder) clause() string {
	dir := "ASC"
	if o.desc {
		dir = "DESC"
	}
	if o.key == "id" {
		return " ORDER BY id " + dir
	}
	return " ORDER BY " + o.key + " " + dir + ", id " + dir
}

// markerBound renders the keyset predicate placing the page after the marker
// row. Non-id sorts resolve the marker row's sort value in a subquery so the
// page continues in (sort column, id) order.
func (o sortOrder) markerBound(table string, marker int64) (string, []any) {
	op := ">"
	if o.desc {
		op = "<"
	}
	if o.key == "id" {
		return "id " + op + " ?", []any{marker}
	}
	pred := fmt.Sprintf("(%[1]s, id) %[2]s ((SELECT %[1]s FROM %[3]s WHERE id = ?), ?)",
		o.key, op, table)
	return pred, []any{marker, marker}
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}
