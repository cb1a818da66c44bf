package runstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/maraxen/pylabpraxis-sub009/internal/run"
)

// Repository defines the persistence interface for run state and run logs.
// It is the storage seam only: event emission lives in Store.
type Repository interface {
	// SetVar merges one key into a run's variable map. The run's state
	// row is created on first write.
	SetVar(ctx context.Context, runID, key string, value any) error

	// Var retrieves a single run variable.
	// Returns ErrNoState if the run has no state row, ErrKeyNotFound if
	// the row exists but holds no value for the key.
	Var(ctx context.Context, runID, key string) (any, error)

	// Vars retrieves a run's full variable map.
	// Returns ErrNoState if the run has no state row.
	Vars(ctx context.Context, runID string) (map[string]any, error)

	// SetProgress records the last completed step and the completed
	// fraction, creating the state row if needed.
	SetProgress(ctx context.Context, runID string, currentStep int, fraction float64) error

	// Progress retrieves a run's execution position.
	// Returns ErrNoState if the run has no state row.
	Progress(ctx context.Context, runID string) (*Progress, error)

	// AppendLog appends one entry to a run's log, assigning the next
	// per-run sequence number. The entry's Seq and CreatedAt are filled
	// in on return.
	AppendLog(ctx context.Context, e *Entry) error

	// ReadLog retrieves a run's log entries with from <= seq <= to,
	// ordered by seq. A to of zero or less means no upper bound.
	ReadLog(ctx context.Context, runID string, from, to int64) ([]Entry, error)

	// Purge deletes state and log rows belonging to terminal runs that
	// ended before the cutoff. The runs rows themselves are kept as
	// history. Returns the number of rows removed.
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed run state repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// entryColumns is the canonical column list shared by every run_log SELECT.
const entryColumns = `run_id, seq, step_index, level, message, payload, created_at`

// SetVar merges one key into a run's variable map.
func (r *SQLiteRepository) SetVar(ctx context.Context, runID, key string, value any) error {
	if runID == "" {
		return ErrRunRequired
	}
	if key == "" {
		return ErrKeyRequired
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is no-op after commit

	var varsJSON sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT vars FROM run_state WHERE run_id = ?`, runID,
	).Scan(&varsJSON)

	now := time.Now().UTC().Format(time.RFC3339)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		merged, marshalErr := json.Marshal(map[string]any{key: value})
		if marshalErr != nil {
			return fmt.Errorf("marshalling vars: %w", marshalErr)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO run_state (run_id, current_step, progress, vars, updated_at)
			 VALUES (?, 0, 0, ?, ?)`,
			runID, string(merged), now,
		)
		if err != nil {
			return fmt.Errorf("inserting run state: %w", err)
		}
	case err != nil:
		return fmt.Errorf("querying run state: %w", err)
	default:
		vars, decodeErr := decodeVars(varsJSON)
		if decodeErr != nil {
			return decodeErr
		}
		vars[key] = value
		merged, marshalErr := json.Marshal(vars)
		if marshalErr != nil {
			return fmt.Errorf("marshalling vars: %w", marshalErr)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE run_state SET vars = ?, updated_at = ? WHERE run_id = ?`,
			string(merged), now, runID,
		)
		if err != nil {
			return fmt.Errorf("updating run state: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing run state: %w", err)
	}
	return nil
}

// Var retrieves a single run variable.
func (r *SQLiteRepository) Var(ctx context.Context, runID, key string) (any, error) {
	vars, err := r.Vars(ctx, runID)
	if err != nil {
		return nil, err
	}
	value, ok := vars[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	return value, nil
}

// Vars retrieves a run's full variable map.
func (r *SQLiteRepository) Vars(ctx context.Context, runID string) (map[string]any, error) {
	if runID == "" {
		return nil, ErrRunRequired
	}

	var varsJSON sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT vars FROM run_state WHERE run_id = ?`, runID,
	).Scan(&varsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNoState, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying run state: %w", err)
	}

	return decodeVars(varsJSON)
}

// SetProgress records the last completed step and the completed fraction.
func (r *SQLiteRepository) SetProgress(ctx context.Context, runID string, currentStep int, fraction float64) error {
	if runID == "" {
		return ErrRunRequired
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO run_state (run_id, current_step, progress, vars, updated_at)
		 VALUES (?, ?, ?, NULL, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
		 	current_step = excluded.current_step,
		 	progress = excluded.progress,
		 	updated_at = excluded.updated_at`,
		runID, currentStep, fraction, now,
	)
	if err != nil {
		return fmt.Errorf("upserting run progress: %w", err)
	}
	return nil
}

// Progress retrieves a run's execution position.
func (r *SQLiteRepository) Progress(ctx context.Context, runID string) (*Progress, error) {
	if runID == "" {
		return nil, ErrRunRequired
	}

	var p Progress
	var varsJSON sql.NullString
	var updatedAt string

	err := r.db.QueryRowContext(ctx,
		`SELECT run_id, current_step, progress, vars, updated_at
		 FROM run_state WHERE run_id = ?`, runID,
	).Scan(&p.RunID, &p.CurrentStep, &p.Fraction, &varsJSON, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNoState, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying run state: %w", err)
	}

	p.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if varsJSON.Valid && varsJSON.String != "" {
		if err := json.Unmarshal([]byte(varsJSON.String), &p.Vars); err != nil {
			return nil, fmt.Errorf("unmarshalling vars: %w", err)
		}
	}

	return &p, nil
}

// AppendLog appends one entry to a run's log.
func (r *SQLiteRepository) AppendLog(ctx context.Context, e *Entry) error {
	if e == nil {
		return ErrInvalidEntry
	}
	if e.RunID == "" {
		return ErrRunRequired
	}
	if e.Level == "" {
		e.Level = LevelInfo
	}
	if !validLevel(e.Level) {
		return fmt.Errorf("%w: level %q is not recognised", ErrInvalidEntry, e.Level)
	}
	if e.Message == "" {
		return fmt.Errorf("%w: message is required", ErrInvalidEntry)
	}
	if e.StepIndex < 0 {
		return fmt.Errorf("%w: step index must not be negative", ErrInvalidEntry)
	}

	var payloadJSON sql.NullString
	if len(e.Payload) > 0 {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("marshalling payload: %w", err)
		}
		payloadJSON = sql.NullString{String: string(raw), Valid: true}
	}

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is no-op after commit

	// The unique index on (run_id, seq) backstops this read in case two
	// writers ever race outside the store's lock.
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM run_log WHERE run_id = ?`, e.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("assigning log sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_log (run_id, seq, step_index, level, message, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, seq, e.StepIndex, e.Level, e.Message, payloadJSON,
		e.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting log entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing log entry: %w", err)
	}

	e.Seq = seq
	return nil
}

// ReadLog retrieves a run's log entries ordered by sequence number.
func (r *SQLiteRepository) ReadLog(ctx context.Context, runID string, from, to int64) ([]Entry, error) {
	if runID == "" {
		return nil, ErrRunRequired
	}
	if from < 1 {
		from = 1
	}

	query := `SELECT ` + entryColumns + ` FROM run_log WHERE run_id = ? AND seq >= ?`
	args := []any{runID, from}
	if to > 0 {
		query += ` AND seq <= ?`
		args = append(args, to)
	}
	query += ` ORDER BY seq`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying run log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntryRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning log entry: %w", err)
		}
		entries = append(entries, *entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating run log: %w", err)
	}

	return entries, nil
}

// Purge deletes state and log rows belonging to terminal runs that ended
// before the cutoff.
func (r *SQLiteRepository) Purge(ctx context.Context, before time.Time) (int64, error) {
	terminal := []run.Status{run.StatusCompleted, run.StatusFailed, run.StatusCancelled}

	expired := fmt.Sprintf(
		`SELECT id FROM runs
		 WHERE status IN (%s) AND ended_at IS NOT NULL AND ended_at < ?`,
		placeholders(len(terminal)),
	)
	args := make([]any, 0, len(terminal)+1)
	for _, s := range terminal {
		args = append(args, string(s))
	}
	args = append(args, before.UTC().Format(time.RFC3339))

	var total int64
	for _, table := range []string{"run_log", "run_state"} {
		result, err := r.db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE run_id IN (%s)`, table, expired),
			args...,
		)
		if err != nil {
			return total, fmt.Errorf("purging %s: %w", table, err)
		}
		removed, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("checking rows affected: %w", err)
		}
		total += removed
	}

	return total, nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanEntryRow scans a row or rows result into an Entry.
func scanEntryRow(scanner rowScanner) (*Entry, error) {
	var e Entry
	var payloadJSON sql.NullString
	var createdAt string

	err := scanner.Scan(
		&e.RunID,
		&e.Seq,
		&e.StepIndex,
		&e.Level,
		&e.Message,
		&payloadJSON,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	e.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if payloadJSON.Valid && payloadJSON.String != "" {
		if err := json.Unmarshal([]byte(payloadJSON.String), &e.Payload); err != nil {
			return nil, fmt.Errorf("unmarshalling payload: %w", err)
		}
	}

	return &e, nil
}

// decodeVars unmarshals a nullable vars column into a map, returning an
// empty map for runs that have progress but no variables yet.
func decodeVars(varsJSON sql.NullString) (map[string]any, error) {
	if !varsJSON.Valid || varsJSON.String == "" {
		return map[string]any{}, nil
	}
	var vars map[string]any
	if err := json.Unmarshal([]byte(varsJSON.String), &vars); err != nil {
		return nil, fmt.Errorf("unmarshalling vars: %w", err)
	}
	if vars == nil {
		vars = map[string]any{}
	}
	return vars, nil
}

// placeholders returns n comma-separated SQL placeholders.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
