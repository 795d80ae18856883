package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// archetypeRankSQL orders claim candidates by archetype priority.
// Keep in sync with engine scheduling docs.
const archetypeRankSQL = `CASE archetype
	WHEN 'SEC' THEN 60
	WHEN 'DB' THEN 50
	WHEN 'API' THEN 40
	WHEN 'LOGIC' THEN 30
	WHEN 'TEST' THEN 20
	ELSE 10
END`

// sqliteDSNParams tunes the connection for a single-writer daemon: WAL keeps
// readers unblocked during writes, immediate transactions take the write lock
// up front, and the busy timeout rides out checkpoint pauses.
const sqliteDSNParams = "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate"

// SQLiteStore implements the Store interface on a local SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds the SQLite connection settings. Zero pool values fall back
// to defaults sized for a single warden daemon.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// withDefaults fills unset pool settings.
func (c Config) withDefaults() Config {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	return c
}

// NewSQLiteStore validates the configuration and returns an unopened store.
// Init establishes the connection.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{cfg: cfg.withDefaults()}, nil
}

// Init opens the database, sizes the pool, and verifies the connection.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.cfg.Path+sqliteDSNParams)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := checkConn(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

// checkConn pings a fresh connection and pins the connection-level pragmas
// the DSN alone does not guarantee.
func checkConn(ctx context.Context, db *sql.DB) error {
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return nil
}

// Close releases the connection pool. Safe before Init.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate brings the schema to the latest embedded migration. Running
// against an already-current database is a no-op.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

const taskColumns = `id, lane, goal, description, status, archetype, priority, urgent, effort,
	   source_ids, override_justification, worker_id, lease_id, lease_expires_at,
	   attempt_count, feedback, spawned_by, created_at, updated_at, status_updated_at`

func scanTask(row interface{ Scan(...interface{}) error }) (*Task, error) {
	task := &Task{}
	var sourceIDs string
	err := row.Scan(
		&task.ID,
		&task.Lane,
		&task.Goal,
		&task.Description,
		&task.Status,
		&task.Archetype,
		&task.Priority,
		&task.Urgent,
		&task.Effort,
		&sourceIDs,
		&task.OverrideJustification,
		&task.WorkerID,
		&task.LeaseID,
		&task.LeaseExpiresAt,
		&task.AttemptCount,
		&task.Feedback,
		&task.SpawnedBy,
		&task.CreatedAt,
		&task.UpdatedAt,
		&task.StatusUpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(sourceIDs), &task.SourceIDs); err != nil {
		return nil, fmt.Errorf("failed to decode source_ids: %w", err)
	}
	return task, nil
}

func encodeStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("failed to encode string list: %w", err)
	}
	return string(raw), nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE")
}

// CreateTask inserts a task and its declared dependency edges in one
// transaction. A uniqueness-constraint hit surfaces as ErrDuplicate.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *Task) error {
	sourceIDs, err := encodeStrings(task.SourceIDs)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO tasks (
			id, lane, goal, description, status, archetype, priority, urgent, effort,
			source_ids, override_justification, worker_id, lease_id, lease_expires_at,
			attempt_count, feedback, spawned_by, created_at, updated_at, status_updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = tx.ExecContext(ctx, query,
		task.ID,
		task.Lane,
		task.Goal,
		task.Description,
		task.Status,
		task.Archetype,
		task.Priority,
		task.Urgent,
		task.Effort,
		sourceIDs,
		task.OverrideJustification,
		task.WorkerID,
		task.LeaseID,
		task.LeaseExpiresAt,
		task.AttemptCount,
		task.Feedback,
		task.SpawnedBy,
		task.CreatedAt,
		task.UpdatedAt,
		task.StatusUpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("task %s/%s: %w", task.Lane, task.Goal, ErrDuplicate)
		}
		return fmt.Errorf("failed to create task: %w", err)
	}

	for _, dep := range task.Dependencies {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO task_dependencies (task_id, depends_on, created_at) VALUES (?, ?, ?)`,
			task.ID, dep, task.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to create dependency edge: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID, including its dependency ids.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`

	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	deps, err := s.ListDependencies(ctx, id)
	if err != nil {
		return nil, err
	}
	task.Dependencies = deps

	return task, nil
}

// ListTasks lists tasks with optional filters and pagination.
func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE (? IS NULL OR lane = ?)
		  AND (? IS NULL OR status = ?)
		  AND (? IS NULL OR worker_id = ?)
		ORDER BY created_at ASC
		LIMIT ? OFFSET ?
	`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, query,
		filter.Lane, filter.Lane,
		filter.Status, filter.Status,
		filter.WorkerID, filter.WorkerID,
		limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

// TransitionTask performs one conditional status change and appends its ledger
// record in the same transaction. It returns false, without writing anything,
// when the WHERE guards match no row.
func (s *SQLiteStore) TransitionTask(ctx context.Context, tr *TaskTransition) (bool, error) {
	set := []string{"status = ?", "updated_at = ?", "status_updated_at = ?"}
	args := []interface{}{tr.To, tr.At, tr.At}

	if tr.Lease != nil {
		set = append(set, "worker_id = ?", "lease_id = ?", "lease_expires_at = ?")
		args = append(args, tr.Lease.WorkerID, tr.Lease.LeaseID, tr.Lease.ExpiresAt)
	}
	if tr.ClearLease {
		set = append(set, "worker_id = NULL", "lease_id = NULL", "lease_expires_at = NULL")
	}
	if tr.IncrementAttempt {
		set = append(set, "attempt_count = attempt_count + 1")
	}
	if tr.ResetAttempt {
		set = append(set, "attempt_count = 0")
	}
	if tr.Feedback != nil {
		set = append(set, "feedback = ?")
		args = append(args, *tr.Feedback)
	}

	where := "id = ? AND status = ?"
	args = append(args, tr.TaskID, tr.From)
	if tr.ExpectWorker != nil {
		where += " AND worker_id = ?"
		args = append(args, *tr.ExpectWorker)
	}
	if tr.ExpectLeaseExpiry != nil {
		where += " AND lease_expires_at = ?"
		args = append(args, *tr.ExpectLeaseExpiry)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := "UPDATE tasks SET " + strings.Join(set, ", ") + " WHERE " + where
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition task: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger (ts, task_id, event, actor, notes, resolved_authority) VALUES (?, ?, ?, ?, ?, ?)`,
		tr.At, tr.TaskID, tr.Event, tr.Actor, tr.Notes, tr.ResolvedAuthority,
	); err != nil {
		return false, fmt.Errorf("failed to append ledger entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transition: %w", err)
	}
	return true, nil
}

// RenewLease extends the lease expiry if and only if workerID still owns the
// task and it is in a leased status. Returns false when nothing matched.
func (s *SQLiteStore) RenewLease(ctx context.Context, taskID, workerID string, expiresAt, now time.Time) (bool, error) {
	query := `
		UPDATE tasks
		SET lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND worker_id = ? AND status IN (?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		expiresAt, now, taskID, workerID, TaskStatusInProgress, TaskStatusReviewing)
	if err != nil {
		return false, fmt.Errorf("failed to renew lease: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// UpdateJustification records an override justification on a task.
func (s *SQLiteStore) UpdateJustification(ctx context.Context, taskID, text string, now time.Time) error {
	query := `UPDATE tasks SET override_justification = ?, updated_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, text, now, taskID)
	if err != nil {
		return fmt.Errorf("failed to update justification: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}

	return nil
}

// SelectClaimCandidates returns up to limit PENDING tasks in the lane whose
// dependencies are all COMPLETED, best first: archetype priority, then the
// urgency flag, then FIFO by creation time.
func (s *SQLiteStore) SelectClaimCandidates(ctx context.Context, lane string, limit int) ([]*Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = ? AND lane = ?
		  AND NOT EXISTS (
			SELECT 1 FROM task_dependencies d
			JOIN tasks dep ON dep.id = d.depends_on
			WHERE d.task_id = tasks.id AND dep.status != ?
		  )
		ORDER BY ` + archetypeRankSQL + ` DESC, urgent DESC, created_at ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		TaskStatusPending, lane, TaskStatusCompleted, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select claim candidates: %w", err)
	}
	defer rows.Close()

	tasks := []*Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candidates: %w", err)
	}

	return tasks, nil
}

// ListExpiredLeases returns IN_PROGRESS tasks whose lease expired at or before
// the cutoff.
func (s *SQLiteStore) ListExpiredLeases(ctx context.Context, cutoff time.Time) ([]*Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?
		ORDER BY lease_expires_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, TaskStatusInProgress, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired leases: %w", err)
	}
	defer rows.Close()

	tasks := []*Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan expired task: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating expired leases: %w", err)
	}

	return tasks, nil
}

// ListBlockedSince returns BLOCKED tasks whose status has not changed since
// the cutoff.
func (s *SQLiteStore) ListBlockedSince(ctx context.Context, cutoff time.Time) ([]*Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = ? AND status_updated_at <= ?
		ORDER BY status_updated_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, TaskStatusBlocked, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocked tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan blocked task: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blocked tasks: %w", err)
	}

	return tasks, nil
}

// FindPairedTest looks for a non-cancelled TEST task in the lane family whose
// cited sources overlap sourceIDs. The lane family match covers the family
// lane itself and any "family:sub" lane.
func (s *SQLiteStore) FindPairedTest(ctx context.Context, laneFamily string, sourceIDs []string) (*Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE archetype = ? AND status != ?
		  AND (lane = ? OR lane LIKE ?)
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query,
		ArchetypeTest, TaskStatusCancelled, laneFamily, laneFamily+":%")
	if err != nil {
		return nil, fmt.Errorf("failed to find paired test: %w", err)
	}
	defer rows.Close()

	cited := make(map[string]bool, len(sourceIDs))
	for _, id := range sourceIDs {
		cited[id] = true
	}

	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan test task: %w", err)
		}
		for _, id := range task.SourceIDs {
			if cited[id] {
				return task, nil
			}
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating test tasks: %w", err)
	}

	return nil, fmt.Errorf("paired test for %s: %w", laneFamily, ErrNotFound)
}

// FindTaskByGoal returns the task with the given (lane, goal), if any.
func (s *SQLiteStore) FindTaskByGoal(ctx context.Context, lane, goal string) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE lane = ? AND goal = ? LIMIT 1`

	task, err := scanTask(s.db.QueryRowContext(ctx, query, lane, goal))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s/%s: %w", lane, goal, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find task by goal: %w", err)
	}

	return task, nil
}

// AddDependencies inserts dependency edges. Existing edges are ignored.
// Cycle checking happens before this call; the store does not re-validate.
func (s *SQLiteStore) AddDependencies(ctx context.Context, taskID string, dependsOn []string) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, dep := range dependsOn {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO task_dependencies (task_id, depends_on, created_at) VALUES (?, ?, ?)`,
			taskID, dep, now,
		); err != nil {
			return fmt.Errorf("failed to add dependency edge: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dependencies: %w", err)
	}
	return nil
}

// ListDependencies returns the ids a task depends on.
func (s *SQLiteStore) ListDependencies(ctx context.Context, taskID string) ([]string, error) {
	query := `SELECT depends_on FROM task_dependencies WHERE task_id = ? ORDER BY depends_on ASC`

	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependencies: %w", err)
	}
	defer rows.Close()

	deps := []string{}
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		deps = append(deps, dep)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}

	return deps, nil
}

// DependencyStates returns each dependency of a task with its current status.
func (s *SQLiteStore) DependencyStates(ctx context.Context, taskID string) ([]DependencyState, error) {
	query := `
		SELECT d.depends_on, t.status
		FROM task_dependencies d
		JOIN tasks t ON t.id = d.depends_on
		WHERE d.task_id = ?
		ORDER BY d.depends_on ASC
	`

	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to get dependency states: %w", err)
	}
	defer rows.Close()

	states := []DependencyState{}
	for rows.Next() {
		var state DependencyState
		if err := rows.Scan(&state.TaskID, &state.Status); err != nil {
			return nil, fmt.Errorf("failed to scan dependency state: %w", err)
		}
		states = append(states, state)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependency states: %w", err)
	}

	return states, nil
}

// ListEdges returns every dependency edge in the graph.
func (s *SQLiteStore) ListEdges(ctx context.Context) ([]DependencyEdge, error) {
	query := `SELECT task_id, depends_on FROM task_dependencies ORDER BY task_id ASC, depends_on ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}
	defer rows.Close()

	edges := []DependencyEdge{}
	for rows.Next() {
		var edge DependencyEdge
		if err := rows.Scan(&edge.TaskID, &edge.DependsOn); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		edges = append(edges, edge)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating edges: %w", err)
	}

	return edges, nil
}

// AppendLedger appends an entry to the audit ledger.
func (s *SQLiteStore) AppendLedger(ctx context.Context, entry *LedgerEntry) error {
	query := `
		INSERT INTO ledger (ts, task_id, event, actor, notes, resolved_authority)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		entry.Timestamp,
		entry.TaskID,
		entry.Event,
		entry.Actor,
		entry.Notes,
		entry.ResolvedAuthority,
	)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}

	// Get the auto-generated ID
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get ledger entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListLedger retrieves ledger entries in insertion order with optional
// filters and pagination.
func (s *SQLiteStore) ListLedger(ctx context.Context, filter LedgerFilter) ([]*LedgerEntry, error) {
	query := `
		SELECT id, ts, task_id, event, actor, notes, resolved_authority
		FROM ledger
		WHERE (? IS NULL OR task_id = ?)
		  AND (? IS NULL OR event = ?)
		  AND (? IS NULL OR actor = ?)
		  AND (? IS NULL OR ts >= ?)
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}

	rows, err := s.db.QueryContext(ctx, query,
		filter.TaskID, filter.TaskID,
		filter.Event, filter.Event,
		filter.Actor, filter.Actor,
		filter.Since, filter.Since,
		limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	entries := []*LedgerEntry{}
	for rows.Next() {
		entry := &LedgerEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Timestamp,
			&entry.TaskID,
			&entry.Event,
			&entry.Actor,
			&entry.Notes,
			&entry.ResolvedAuthority,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}

	return entries, nil
}

// SavePacket inserts or replaces the review packet for a task.
func (s *SQLiteStore) SavePacket(ctx context.Context, packet *ReviewPacket) error {
	query := `
		INSERT INTO review_packets (task_id, generated_at, snapshot_hash, claims, evidence, result)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			generated_at = excluded.generated_at,
			snapshot_hash = excluded.snapshot_hash,
			claims = excluded.claims,
			evidence = excluded.evidence,
			result = excluded.result
	`

	_, err := s.db.ExecContext(ctx, query,
		packet.TaskID,
		packet.GeneratedAt,
		packet.SnapshotHash,
		packet.Claims,
		packet.Evidence,
		packet.Result,
	)
	if err != nil {
		return fmt.Errorf("failed to save review packet: %w", err)
	}

	return nil
}

// GetPacket retrieves the review packet for a task.
func (s *SQLiteStore) GetPacket(ctx context.Context, taskID string) (*ReviewPacket, error) {
	query := `
		SELECT task_id, generated_at, snapshot_hash, claims, evidence, result
		FROM review_packets
		WHERE task_id = ?
	`

	packet := &ReviewPacket{}
	err := s.db.QueryRowContext(ctx, query, taskID).Scan(
		&packet.TaskID,
		&packet.GeneratedAt,
		&packet.SnapshotHash,
		&packet.Claims,
		&packet.Evidence,
		&packet.Result,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("review packet %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get review packet: %w", err)
	}

	return packet, nil
}

// DeletePacket removes the review packet for a task. Deleting an absent
// packet is a no-op: orphan cleanup and decision cleanup may both run.
func (s *SQLiteStore) DeletePacket(ctx context.Context, taskID string) error {
	query := `DELETE FROM review_packets WHERE task_id = ?`

	if _, err := s.db.ExecContext(ctx, query, taskID); err != nil {
		return fmt.Errorf("failed to delete review packet: %w", err)
	}
	return nil
}

// ListPackets lists all in-flight review packets.
func (s *SQLiteStore) ListPackets(ctx context.Context) ([]*ReviewPacket, error) {
	query := `
		SELECT task_id, generated_at, snapshot_hash, claims, evidence, result
		FROM review_packets
		ORDER BY generated_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list review packets: %w", err)
	}
	defer rows.Close()

	return scanPackets(rows)
}

// ListOrphanPackets lists packets whose task is no longer REVIEWING. Such
// packets are leftovers of interrupted decisions and are safe to discard.
func (s *SQLiteStore) ListOrphanPackets(ctx context.Context) ([]*ReviewPacket, error) {
	query := `
		SELECT p.task_id, p.generated_at, p.snapshot_hash, p.claims, p.evidence, p.result
		FROM review_packets p
		JOIN tasks t ON t.id = p.task_id
		WHERE t.status != ?
		ORDER BY p.generated_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, TaskStatusReviewing)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphan packets: %w", err)
	}
	defer rows.Close()

	return scanPackets(rows)
}

func scanPackets(rows *sql.Rows) ([]*ReviewPacket, error) {
	packets := []*ReviewPacket{}
	for rows.Next() {
		packet := &ReviewPacket{}
		err := rows.Scan(
			&packet.TaskID,
			&packet.GeneratedAt,
			&packet.SnapshotHash,
			&packet.Claims,
			&packet.Evidence,
			&packet.Result,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan review packet: %w", err)
		}
		packets = append(packets, packet)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating review packets: %w", err)
	}

	return packets, nil
}

// UpsertWorker inserts or refreshes a worker health row. Heartbeats never
// touch active_tasks; that column moves through AdjustWorkerLoad.
func (s *SQLiteStore) UpsertWorker(ctx context.Context, worker *Worker) error {
	lanes, err := encodeStrings(worker.Lanes)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO workers (worker_id, lanes, tier, capacity_limit, active_tasks, last_seen, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			lanes = excluded.lanes,
			tier = excluded.tier,
			capacity_limit = excluded.capacity_limit,
			last_seen = excluded.last_seen,
			status = excluded.status
	`

	_, err = s.db.ExecContext(ctx, query,
		worker.WorkerID,
		lanes,
		worker.Tier,
		worker.CapacityLimit,
		worker.ActiveTasks,
		worker.LastSeen,
		worker.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert worker: %w", err)
	}

	return nil
}

// GetWorker retrieves a worker health row by ID.
func (s *SQLiteStore) GetWorker(ctx context.Context, workerID string) (*Worker, error) {
	query := `
		SELECT worker_id, lanes, tier, capacity_limit, active_tasks, last_seen, status
		FROM workers
		WHERE worker_id = ?
	`

	worker, err := scanWorker(s.db.QueryRowContext(ctx, query, workerID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("worker %s: %w", workerID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}

	return worker, nil
}

// ListWorkers lists all worker health rows.
func (s *SQLiteStore) ListWorkers(ctx context.Context) ([]*Worker, error) {
	query := `
		SELECT worker_id, lanes, tier, capacity_limit, active_tasks, last_seen, status
		FROM workers
		ORDER BY worker_id ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	workers := []*Worker{}
	for rows.Next() {
		worker, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		workers = append(workers, worker)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workers: %w", err)
	}

	return workers, nil
}

func scanWorker(row interface{ Scan(...interface{}) error }) (*Worker, error) {
	worker := &Worker{}
	var lanes string
	err := row.Scan(
		&worker.WorkerID,
		&lanes,
		&worker.Tier,
		&worker.CapacityLimit,
		&worker.ActiveTasks,
		&worker.LastSeen,
		&worker.Status,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(lanes), &worker.Lanes); err != nil {
		return nil, fmt.Errorf("failed to decode lanes: %w", err)
	}
	return worker, nil
}

// AdjustWorkerLoad shifts a worker's active task count and refreshes its
// busy/online status. Unregistered workers are a no-op: load tracking is
// advisory and a claim must not fail because the claimant never heartbeated.
func (s *SQLiteStore) AdjustWorkerLoad(ctx context.Context, workerID string, delta int, now time.Time) error {
	query := `
		UPDATE workers
		SET active_tasks = MAX(0, active_tasks + ?),
			status = CASE
				WHEN status = 'offline' THEN 'offline'
				WHEN MAX(0, active_tasks + ?) >= capacity_limit THEN 'busy'
				ELSE 'online'
			END,
			last_seen = ?
		WHERE worker_id = ?
	`

	if _, err := s.db.ExecContext(ctx, query, delta, delta, now, workerID); err != nil {
		return fmt.Errorf("failed to adjust worker load: %w", err)
	}
	return nil
}

// MarkWorkersOffline ages out workers whose last heartbeat is at or before
// the cutoff. Returns the number of workers transitioned.
func (s *SQLiteStore) MarkWorkersOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `UPDATE workers SET status = 'offline' WHERE status != 'offline' AND last_seen <= ?`

	result, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to mark workers offline: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
