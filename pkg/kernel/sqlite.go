package kernel

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/quorralabs/keel/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a local sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and runs migrations.
// Use ":memory:" for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("kernel: open sqlite: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY on concurrent handler writes.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an existing handle and runs migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS actions (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		payload JSON,
		priority INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_actions_state ON actions(state);

	CREATE TABLE IF NOT EXISTS staging (
		id TEXT PRIMARY KEY,
		action_kind TEXT NOT NULL,
		action_input JSON,
		project TEXT,
		requested_by TEXT,
		status TEXT NOT NULL,
		reason TEXT,
		decided_by TEXT,
		decided_at DATETIME,
		resulting_action_id TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS leases (
		id TEXT PRIMARY KEY,
		subject TEXT NOT NULL,
		capability TEXT NOT NULL,
		scope TEXT,
		ttl_until DATETIME NOT NULL,
		budget INTEGER,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_leases_subject_cap ON leases(subject, capability);

	CREATE TABLE IF NOT EXISTS contributions (
		subject TEXT PRIMARY KEY,
		decisions INTEGER NOT NULL DEFAULT 0
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("kernel: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) InsertAction(ctx context.Context, a *ActionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO actions (id, kind, payload, priority, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Kind, nullableJSON(a.Payload), a.Priority, string(a.State), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("kernel: insert action %s: %w", a.ID, err)
	}
	return nil
}

func (s *SQLiteStore) SetActionState(ctx context.Context, id string, state contracts.ActionState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE actions SET state = ?, updated_at = ? WHERE id = ?`,
		string(state), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("kernel: set action state %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetAction(ctx context.Context, id string) (*ActionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, payload, priority, state, created_at, updated_at
		FROM actions WHERE id = ?`, id)
	var a ActionRecord
	var payload sql.NullString
	var state string
	if err := row.Scan(&a.ID, &a.Kind, &payload, &a.Priority, &state, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kernel: get action %s: %w", id, err)
	}
	if payload.Valid {
		a.Payload = []byte(payload.String)
	}
	a.State = contracts.ActionState(state)
	return &a, nil
}

func (s *SQLiteStore) DeleteActionsByState(ctx context.Context, states []contracts.ActionState) (int64, error) {
	if len(states) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(states)), ",")
	args := make([]interface{}, len(states))
	for i, st := range states {
		args[i] = string(st)
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM actions WHERE state IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("kernel: delete actions: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) CountActionsByState(ctx context.Context, state contracts.ActionState) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM actions WHERE state = ?`, string(state)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("kernel: count actions: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) InsertStaging(ctx context.Context, e *contracts.StagingEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO staging (id, action_kind, action_input, project, requested_by,
			status, reason, decided_by, decided_at, resulting_action_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ActionKind, nullableJSON(e.ActionInput), e.Project, e.RequestedBy,
		string(e.Status), e.Reason, e.DecidedBy, e.DecidedAt, e.ResultingActionID, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("kernel: insert staging %s: %w", e.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetStaging(ctx context.Context, id string) (*contracts.StagingEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, action_kind, action_input, project, requested_by,
			status, reason, decided_by, decided_at, resulting_action_id, created_at
		FROM staging WHERE id = ?`, id)
	var e contracts.StagingEntry
	var input, reason, decidedBy, resultingID sql.NullString
	var decidedAt sql.NullTime
	var status string
	err := row.Scan(&e.ID, &e.ActionKind, &input, &e.Project, &e.RequestedBy,
		&status, &reason, &decidedBy, &decidedAt, &resultingID, &e.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kernel: get staging %s: %w", id, err)
	}
	if input.Valid {
		e.ActionInput = []byte(input.String)
	}
	e.Status = contracts.StagingStatus(status)
	e.Reason = reason.String
	e.DecidedBy = decidedBy.String
	e.ResultingActionID = resultingID.String
	if decidedAt.Valid {
		t := decidedAt.Time
		e.DecidedAt = &t
	}
	return &e, nil
}

// DecideStaging is a single conditional write: the WHERE clause on status
// makes the pending→terminal transition race-free without a transaction.
func (s *SQLiteStore) DecideStaging(ctx context.Context, id string, status contracts.StagingStatus, reason, decidedBy, resultingActionID string, decidedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE staging SET status = ?, reason = ?, decided_by = ?, decided_at = ?, resulting_action_id = ?
		WHERE id = ? AND status = ?`,
		string(status), reason, decidedBy, decidedAt, resultingActionID,
		id, string(contracts.StagingPending))
	if err != nil {
		return fmt.Errorf("kernel: decide staging %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return nil
	}
	// Distinguish missing from already-decided for the API error taxonomy.
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM staging WHERE id = ?`, id).Scan(&exists); err != nil {
		return fmt.Errorf("kernel: decide staging %s: %w", id, err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrNotPending
}

func (s *SQLiteStore) InsertLease(ctx context.Context, l *contracts.CapabilityLease) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (id, subject, capability, scope, ttl_until, budget, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.Subject, l.Capability, l.Scope, l.TTLUntil, l.Budget, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("kernel: insert lease %s: %w", l.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ListLeases(ctx context.Context) ([]*contracts.CapabilityLease, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject, capability, scope, ttl_until, budget, created_at
		FROM leases ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("kernel: list leases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var leases []*contracts.CapabilityLease
	for rows.Next() {
		var l contracts.CapabilityLease
		var scope sql.NullString
		var budget sql.NullInt64
		if err := rows.Scan(&l.ID, &l.Subject, &l.Capability, &scope, &l.TTLUntil, &budget, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("kernel: scan lease: %w", err)
		}
		l.Scope = scope.String
		if budget.Valid {
			v := budget.Int64
			l.Budget = &v
		}
		leases = append(leases, &l)
	}
	return leases, rows.Err()
}

func (s *SQLiteStore) RecordContribution(ctx context.Context, subject string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contributions (subject, decisions) VALUES (?, 1)
		ON CONFLICT(subject) DO UPDATE SET decisions = decisions + 1`, subject)
	if err != nil {
		return fmt.Errorf("kernel: record contribution: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
