package run

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/maraxen/pylabpraxis-sub009/internal/asset"
)

// Repository defines the interface for run persistence.
type Repository interface {
	// Create inserts a new run record.
	// Returns ErrRunExists if the ID is already taken.
	Create(ctx context.Context, r *Run) error

	// Get retrieves a run by ID.
	// Returns ErrRunNotFound if the run does not exist.
	Get(ctx context.Context, id string) (*Run, error)

	// List retrieves the most recent runs, newest first.
	List(ctx context.Context, limit int) ([]Run, error)

	// ListByStatus retrieves runs in any of the given statuses, oldest
	// first, so queued runs come back in submission order.
	ListByStatus(ctx context.Context, statuses ...Status) ([]Run, error)

	// UpdateStatus moves a run to a non-terminal status. The update is
	// optimistic: it only applies if the run's current status permits the
	// move, otherwise ErrInvalidTransition is returned.
	UpdateStatus(ctx context.Context, id string, status Status) error

	// Finish moves a run to a terminal status and records failure details.
	// kind and message are empty for completed and cleanly cancelled runs.
	// Enforces the same transition rules as UpdateStatus.
	Finish(ctx context.Context, id string, status Status, kind, message string) error

	// SetSteps records step progress. stepCount is written once the
	// protocol is resolved; currentStep advances as steps acknowledge.
	SetSteps(ctx context.Context, id string, currentStep, stepCount int) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed run repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// runColumns is the canonical column list shared by every run SELECT.
const runColumns = `id, protocol, params, requirements, status, current_step,
	step_count, error, error_kind, created_at, started_at, ended_at`

// Create inserts a new run record.
func (r *SQLiteRepository) Create(ctx context.Context, run *Run) error {
	if run.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRun)
	}
	if run.Protocol == "" {
		return fmt.Errorf("%w: protocol is required", ErrInvalidRun)
	}
	if run.Status == "" {
		run.Status = StatusQueued
	}
	if !run.Status.Valid() {
		return fmt.Errorf("%w: status %q is not recognised", ErrInvalidRun, run.Status)
	}

	paramsJSON, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("marshalling params: %w", err)
	}
	reqsJSON, err := json.Marshal(run.Requirements)
	if err != nil {
		return fmt.Errorf("marshalling requirements: %w", err)
	}

	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO runs (
			id, protocol, params, requirements, status, current_step,
			step_count, error, error_kind, created_at, started_at, ended_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		run.ID,
		run.Protocol,
		string(paramsJSON),
		string(reqsJSON),
		string(run.Status),
		run.CurrentStep,
		run.StepCount,
		nullableString(run.Error),
		nullableString(run.ErrorKind),
		run.CreatedAt.Format(time.RFC3339),
		nullableTime(run.StartedAt),
		nullableTime(run.EndedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrRunExists
		}
		return fmt.Errorf("inserting run: %w", err)
	}

	return nil
}

// Get retrieves a run by ID.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRunRow(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("querying run: %w", err)
	}
	return run, nil
}

// List retrieves the most recent runs, newest first.
func (r *SQLiteRepository) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`
	return r.queryRuns(ctx, query, limit)
}

// ListByStatus retrieves runs in any of the given statuses, oldest first.
func (r *SQLiteRepository) ListByStatus(ctx context.Context, statuses ...Status) ([]Run, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(
		`SELECT `+runColumns+` FROM runs WHERE status IN (%s) ORDER BY created_at, id`,
		placeholders(len(statuses)),
	)
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	return r.queryRuns(ctx, query, args...)
}

// UpdateStatus moves a run to a non-terminal status.
func (r *SQLiteRepository) UpdateStatus(ctx context.Context, id string, status Status) error {
	if status.Terminal() {
		return fmt.Errorf("%w: %q is terminal, use Finish", ErrInvalidTransition, status)
	}
	return r.transition(ctx, id, status, "", "")
}

// Finish moves a run to a terminal status and records failure details.
func (r *SQLiteRepository) Finish(ctx context.Context, id string, status Status, kind, message string) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %q is not terminal", ErrInvalidTransition, status)
	}
	return r.transition(ctx, id, status, kind, message)
}

// transition applies an optimistic status move: the UPDATE only matches rows
// whose current status is a legal source for the target status, which makes
// illegal moves (and races) harmless at the storage layer.
func (r *SQLiteRepository) transition(ctx context.Context, id string, status Status, kind, message string) error {
	sources := transitionSources(status)
	if len(sources) == 0 {
		return fmt.Errorf("%w: no path to %q", ErrInvalidTransition, status)
	}

	now := time.Now().UTC().Format(time.RFC3339)

	var sb strings.Builder
	sb.WriteString("UPDATE runs SET status = ?")
	args := []any{string(status)}

	if status == StatusPreparing {
		sb.WriteString(", started_at = COALESCE(started_at, ?)")
		args = append(args, now)
	}
	if status.Terminal() {
		sb.WriteString(", ended_at = ?")
		args = append(args, now)
		if message != "" {
			sb.WriteString(", error = ?, error_kind = ?")
			args = append(args, message, kind)
		}
	}

	sb.WriteString(" WHERE id = ? AND status IN (")
	sb.WriteString(placeholders(len(sources)))
	sb.WriteString(")")
	args = append(args, id)
	for _, s := range sources {
		args = append(args, string(s))
	}

	result, err := r.db.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return fmt.Errorf("updating run status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Distinguish a missing run from an illegal move.
		current, getErr := r.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, status)
	}

	return nil
}

// SetSteps records step progress.
func (r *SQLiteRepository) SetSteps(ctx context.Context, id string, currentStep, stepCount int) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE runs SET current_step = ?, step_count = ? WHERE id = ?",
		currentStep, stepCount, id,
	)
	if err != nil {
		return fmt.Errorf("updating run steps: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrRunNotFound
	}
	return nil
}

// queryRuns executes a query and returns a slice of runs.
func (r *SQLiteRepository) queryRuns(ctx context.Context, query string, args ...any) ([]Run, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRunRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, *run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}

	return runs, nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRunRow scans a row or rows result into a Run.
func scanRunRow(scanner rowScanner) (*Run, error) {
	var run Run
	var status string
	var paramsJSON, reqsJSON sql.NullString
	var errMsg, errKind sql.NullString
	var createdAt string
	var startedAt, endedAt sql.NullString

	err := scanner.Scan(
		&run.ID,
		&run.Protocol,
		&paramsJSON,
		&reqsJSON,
		&status,
		&run.CurrentStep,
		&run.StepCount,
		&errMsg,
		&errKind,
		&createdAt,
		&startedAt,
		&endedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Status = Status(status)

	if errMsg.Valid {
		run.Error = &errMsg.String
	}
	if errKind.Valid {
		run.ErrorKind = &errKind.String
	}

	var parseErr error
	run.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	if startedAt.Valid {
		t, err := time.Parse(time.RFC3339, startedAt.String)
		if err == nil {
			run.StartedAt = &t
		}
	}
	if endedAt.Valid {
		t, err := time.Parse(time.RFC3339, endedAt.String)
		if err == nil {
			run.EndedAt = &t
		}
	}

	if paramsJSON.Valid && paramsJSON.String != "" {
		if err := json.Unmarshal([]byte(paramsJSON.String), &run.Params); err != nil {
			return nil, fmt.Errorf("unmarshalling params: %w", err)
		}
	}
	if reqsJSON.Valid && reqsJSON.String != "" {
		var reqs []asset.Requirement
		if err := json.Unmarshal([]byte(reqsJSON.String), &reqs); err != nil {
			return nil, fmt.Errorf("unmarshalling requirements: %w", err)
		}
		run.Requirements = reqs
	}

	return &run, nil
}

// placeholders returns n comma-separated SQL placeholders.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// nullableString returns a sql.NullString for optional string pointers.
func nullableString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// nullableTime returns a sql.NullString for optional time pointers (as RFC3339 strings).
func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "unique constraint")
}
