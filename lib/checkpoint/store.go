package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "embed"

	"github.com/mazen160/go-random"
	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var Schema string

// ErrPersist wraps any failure to durably record a state transition.
// Callers must treat it as fatal for the current run: proceeding as if
// the transition committed risks re-fetch/duplicate ambiguity.
var ErrPersist = fmt.Errorf("checkpoint persistence failure")

type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// NodeKind is the level of a node in the catalog hierarchy.
type NodeKind string

const (
	KindCategory NodeKind = "category"
	KindGroup    NodeKind = "group"
)

// Node identifies a category or group by its stable external identifier
// plus its parent chain. Immutable once discovered.
type Node struct {
	ID       string
	Kind     NodeKind
	ParentID string
}

func CategoryNode(categoryID int64) Node {
	return Node{
		ID:   fmt.Sprintf("category:%d", categoryID),
		Kind: KindCategory,
	}
}

func GroupNode(categoryID, groupID int64) Node {
	return Node{
		ID:       fmt.Sprintf("group:%d:%d", categoryID, groupID),
		Kind:     KindGroup,
		ParentID: fmt.Sprintf("category:%d", categoryID),
	}
}

// Store is the durable record of which hierarchy nodes have completed,
// which have permanently failed, and which are still pending. A single
// run owns the backing database for its duration.
type Store struct {
	db    *sql.DB
	runID string
}

func NewStore(database *sql.DB) *Store {
	return &Store{db: database}
}

// Open opens (creating if necessary) a checkpoint database at path.
func Open(path string) (*Store, error) {
	database, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	_, err = database.Exec(Schema)
	if err != nil {
		database.Close()
		return nil, err
	}
	return NewStore(database), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) RunID() string {
	return s.runID
}

// BeginRun starts a new checkpoint lineage entry. Any node left
// in_progress by a crashed run is demoted to pending so its fetch is
// retried from scratch: partial per-node results are not assumed
// durable.
func (s *Store) BeginRun(ctx context.Context) error {
	id, err := random.String(12)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`UPDATE nodes SET state = ?, updated_at = ? WHERE state = ?`,
		StatePending, time.Now().Unix(), StateInProgress,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	now := time.Now().Unix()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, updated_at) VALUES (?, ?, ?)`,
		id, now, now,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}

	s.runID = id
	return nil
}

// Discover records a node if it has not been seen before. Known nodes
// keep their state: discovery is idempotent across resumed runs.
func (s *Store) Discover(ctx context.Context, node Node) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO nodes (id, kind, parent_id, state, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		node.ID, node.Kind, node.ParentID, StatePending, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

// Claim transitions a node from pending to in_progress, returning false
// when the node is not claimable (already claimed, completed or
// failed). This is what keeps two workers off the same node.
func (s *Store) Claim(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET state = ?, attempts = attempts + 1, updated_at = ?
		 WHERE id = ? AND state = ?`,
		StateInProgress, time.Now().Unix(), id, StatePending,
	)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return n == 1, nil
}

// Mark durably persists a node's new state before returning. Completed
// is terminal: a mark against a completed node is a no-op.
func (s *Store) Mark(ctx context.Context, id string, state State) error {
	return s.MarkErr(ctx, id, state, "")
}

// MarkErr is Mark with an attached failure message.
func (s *Store) MarkErr(ctx context.Context, id string, state State, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET state = ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND state != ?`,
		state, lastError, time.Now().Unix(), id, StateCompleted,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

func (s *Store) stateOf(ctx context.Context, id string) (State, error) {
	var state State
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM nodes WHERE id = ?`, id,
	).Scan(&state)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return state, nil
}

func (s *Store) IsCompleted(ctx context.Context, id string) (bool, error) {
	state, err := s.stateOf(ctx, id)
	return state == StateCompleted, err
}

func (s *Store) IsFailed(ctx context.Context, id string) (bool, error) {
	state, err := s.stateOf(ctx, id)
	return state == StateFailed, err
}

// PendingNodes lists node ids under a parent that still need work.
// Completed nodes are always excluded; failed nodes are excluded too
// unless includeFailed is set, letting the operator separate fresh work
// from retrying previously failed work.
func (s *Store) PendingNodes(ctx context.Context, parentID string, includeFailed bool) ([]string, error) {
	states := []any{StatePending}
	query := `SELECT id FROM nodes WHERE parent_id = ? AND state IN (?)`
	if includeFailed {
		query = `SELECT id FROM nodes WHERE parent_id = ? AND state IN (?, ?)`
		states = append(states, StateFailed)
	}
	args := append([]any{parentID}, states...)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersist, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ResetFailed flips failed nodes back to pending, the one sanctioned
// non-monotonic transition. Used by the operator's retry pass.
func (s *Store) ResetFailed(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET state = ?, last_error = '', updated_at = ? WHERE state = ?`,
		StatePending, time.Now().Unix(), StateFailed,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return res.RowsAffected()
}

// Counts returns the node-state partition.
func (s *Store) Counts(ctx context.Context) (map[State]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM nodes GROUP BY state`,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	defer rows.Close()

	out := map[State]int{}
	for rows.Next() {
		var state State
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersist, err)
		}
		out[state] = n
	}
	return out, rows.Err()
}

// RunInfo is run metadata for the status report.
type RunInfo struct {
	ID        string
	StartedAt time.Time
	UpdatedAt time.Time
	Processed int
	Skipped   int
	Failed    int
	Records   int
}

// RecordSummary writes final run counters onto the run row.
func (s *Store) RecordSummary(ctx context.Context, processed, skipped, failed, records int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET processed = ?, skipped = ?, failed = ?, records = ?, updated_at = ?
		 WHERE id = ?`,
		processed, skipped, failed, records, time.Now().Unix(), s.runID,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

// LastRun returns the most recently started run, or nil when the
// checkpoint has never been used.
func (s *Store) LastRun(ctx context.Context) (*RunInfo, error) {
	var info RunInfo
	var started, updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, started_at, updated_at, processed, skipped, failed, records
		 FROM runs ORDER BY started_at DESC LIMIT 1`,
	).Scan(&info.ID, &started, &updated, &info.Processed, &info.Skipped, &info.Failed, &info.Records)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	info.StartedAt = time.Unix(started, 0)
	info.UpdatedAt = time.Unix(updated, 0)
	return &info, nil
}
