package asset

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// maxPlacementDepth bounds ancestor walks so corrupt parent links cannot
// loop forever.
const maxPlacementDepth = 32

// Repository defines the interface for inventory and reservation persistence.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// CreateAsset inserts a new asset.
	// Returns ErrAssetExists if the ID or name is already taken.
	CreateAsset(ctx context.Context, a *Asset) error

	// GetAsset retrieves an asset by its unique identifier.
	// Returns ErrAssetNotFound if the asset does not exist.
	GetAsset(ctx context.Context, id string) (*Asset, error)

	// GetAssetByName retrieves an asset by its unique name.
	// Returns ErrAssetNotFound if the asset does not exist.
	GetAssetByName(ctx context.Context, name string) (*Asset, error)

	// ListAssets retrieves the full inventory.
	ListAssets(ctx context.Context) ([]Asset, error)

	// ListCandidates retrieves assets matching a type constraint exactly or,
	// when category is non-empty, belonging to that category.
	ListCandidates(ctx context.Context, typeConstraint, category string) ([]Asset, error)

	// GetAncestors returns the placement chain of an asset, nearest parent
	// first. Returns ErrPlacementCycle on corrupt parent links.
	GetAncestors(ctx context.Context, assetID string) ([]Asset, error)

	// UpdateAsset modifies an existing asset.
	// Returns ErrAssetNotFound if the asset does not exist.
	UpdateAsset(ctx context.Context, a *Asset) error

	// DeleteAsset removes an asset by ID.
	// Returns ErrAssetNotFound if the asset does not exist.
	DeleteAsset(ctx context.Context, id string) error

	// SetAvailability updates only the availability column.
	SetAvailability(ctx context.Context, id string, availability Availability) error

	// GrantReservations atomically records a run's reservations and marks
	// every granted asset reserved. All rows land or none do.
	GrantReservations(ctx context.Context, reservations []*Reservation) error

	// ReleaseRun releases every active reservation held by a run and frees
	// the underlying assets. Idempotent; returns the freed asset IDs.
	ReleaseRun(ctx context.Context, runID string, at time.Time) ([]string, error)

	// ReleaseReservation releases a single reservation and frees its asset.
	// Idempotent; returns the freed asset ID, or "" if nothing was held.
	ReleaseReservation(ctx context.Context, reservationID string, at time.Time) (string, error)

	// ListActiveReservations returns every unreleased reservation.
	ListActiveReservations(ctx context.Context) ([]Reservation, error)

	// ListReservationsByRun returns all reservations (active and released)
	// recorded for a run, oldest first.
	ListReservationsByRun(ctx context.Context, runID string) ([]Reservation, error)

	// RepairAvailability frees assets marked reserved that have no active
	// reservation row. Used by the recovery pass; returns repaired IDs.
	RepairAvailability(ctx context.Context) ([]string, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// assetColumns is the canonical column list shared by every asset SELECT.
const assetColumns = `id, name, kind, type, category, tags, parent_id,
	availability, metadata, last_reserved_at, created_at, updated_at`

// CreateAsset inserts a new asset.
func (r *SQLiteRepository) CreateAsset(ctx context.Context, a *Asset) error {
	tagsJSON, err := json.Marshal(NormaliseTags(a.Tags))
	if err != nil {
		return fmt.Errorf("marshalling tags: %w", err)
	}

	metadataJSON, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("marshalling metadata: %w", err)
	}

	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if a.Availability == "" {
		a.Availability = AvailabilityFree
	}

	query := `
		INSERT INTO assets (
			id, name, kind, type, category, tags, parent_id,
			availability, metadata, last_reserved_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		a.ID,
		a.Name,
		string(a.Kind),
		a.Type,
		a.Category,
		string(tagsJSON),
		nullableString(a.ParentID),
		string(a.Availability),
		string(metadataJSON),
		nullableTime(a.LastReservedAt),
		a.CreatedAt.Format(time.RFC3339),
		a.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrAssetExists
		}
		return fmt.Errorf("inserting asset: %w", err)
	}

	return nil
}

// GetAsset retrieves an asset by its unique identifier.
func (r *SQLiteRepository) GetAsset(ctx context.Context, id string) (*Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets WHERE id = ?`

	a, err := scanAssetRow(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAssetNotFound
		}
		return nil, fmt.Errorf("querying asset by id: %w", err)
	}
	return a, nil
}

// GetAssetByName retrieves an asset by its unique name.
func (r *SQLiteRepository) GetAssetByName(ctx context.Context, name string) (*Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets WHERE name = ?`

	a, err := scanAssetRow(r.db.QueryRowContext(ctx, query, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAssetNotFound
		}
		return nil, fmt.Errorf("querying asset by name: %w", err)
	}
	return a, nil
}

// ListAssets retrieves the full inventory ordered by name.
func (r *SQLiteRepository) ListAssets(ctx context.Context) ([]Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets ORDER BY name`
	return r.queryAssets(ctx, query)
}

// ListCandidates retrieves assets matching the type constraint exactly or,
// when category is non-empty, belonging to that category. Availability is
// deliberately not filtered here; the Manager layers availability and
// placement rules on top of this pure inventory query.
func (r *SQLiteRepository) ListCandidates(ctx context.Context, typeConstraint, category string) ([]Asset, error) {
	query := `SELECT ` + assetColumns + `
		FROM assets
		WHERE type = ? OR (? != '' AND category = ?)
		ORDER BY name`

	return r.queryAssets(ctx, query, typeConstraint, category, category)
}

// GetAncestors returns the placement chain of an asset, nearest parent first.
func (r *SQLiteRepository) GetAncestors(ctx context.Context, assetID string) ([]Asset, error) {
	a, err := r.GetAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}

	var ancestors []Asset
	seen := map[string]struct{}{a.ID: {}}
	for a.ParentID != nil {
		if len(ancestors) >= maxPlacementDepth {
			return nil, ErrPlacementCycle
		}
		parent, err := r.GetAsset(ctx, *a.ParentID)
		if err != nil {
			if errors.Is(err, ErrAssetNotFound) {
				// Dangling parent link; treat the chain as ending here.
				break
			}
			return nil, err
		}
		if _, dup := seen[parent.ID]; dup {
			return nil, ErrPlacementCycle
		}
		seen[parent.ID] = struct{}{}
		ancestors = append(ancestors, *parent)
		a = parent
	}

	return ancestors, nil
}

// UpdateAsset modifies an existing asset.
func (r *SQLiteRepository) UpdateAsset(ctx context.Context, a *Asset) error {
	tagsJSON, err := json.Marshal(NormaliseTags(a.Tags))
	if err != nil {
		return fmt.Errorf("marshalling tags: %w", err)
	}

	metadataJSON, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("marshalling metadata: %w", err)
	}

	a.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE assets SET
			name = ?, kind = ?, type = ?, category = ?, tags = ?,
			parent_id = ?, availability = ?, metadata = ?,
			last_reserved_at = ?, updated_at = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		a.Name,
		string(a.Kind),
		a.Type,
		a.Category,
		string(tagsJSON),
		nullableString(a.ParentID),
		string(a.Availability),
		string(metadataJSON),
		nullableTime(a.LastReservedAt),
		a.UpdatedAt.Format(time.RFC3339),
		a.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrAssetExists
		}
		return fmt.Errorf("updating asset: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrAssetNotFound
	}

	return nil
}

// DeleteAsset removes an asset by ID.
func (r *SQLiteRepository) DeleteAsset(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM assets WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting asset: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrAssetNotFound
	}

	return nil
}

// SetAvailability updates only the availability column.
func (r *SQLiteRepository) SetAvailability(ctx context.Context, id string, availability Availability) error {
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx,
		"UPDATE assets SET availability = ?, updated_at = ? WHERE id = ?",
		string(availability),
		now.Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating availability: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrAssetNotFound
	}

	return nil
}

// GrantReservations atomically records a run's reservations and marks every
// granted asset reserved. The partial unique index on active reservations
// backs up the in-memory mutual exclusion, so a conflicting concurrent grant
// fails the whole transaction.
func (r *SQLiteRepository) GrantReservations(ctx context.Context, reservations []*Reservation) error {
	if len(reservations) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	for _, res := range reservations {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO reservations (
				id, run_id, requirement_id, requirement_name,
				asset_id, acquired_at, released_at
			) VALUES (?, ?, ?, ?, ?, ?, NULL)`,
			res.ID,
			res.RunID,
			res.RequirementID,
			res.RequirementName,
			res.AssetID,
			res.AcquiredAt.UTC().Format(time.RFC3339),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return ErrReservationConflict
			}
			return fmt.Errorf("inserting reservation: %w", err)
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE assets
			SET availability = ?, last_reserved_at = ?, updated_at = ?
			WHERE id = ? AND availability = ?`,
			string(AvailabilityReserved),
			res.AcquiredAt.UTC().Format(time.RFC3339),
			res.AcquiredAt.UTC().Format(time.RFC3339),
			res.AssetID,
			string(AvailabilityFree),
		)
		if err != nil {
			return fmt.Errorf("marking asset reserved: %w", err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		if rowsAffected == 0 {
			// Asset vanished, went offline, or was reserved elsewhere.
			return ErrReservationConflict
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing reservations: %w", err)
	}
	return nil
}

// ReleaseRun releases every active reservation held by a run and frees the
// underlying assets. Safe to call when the run holds nothing.
func (r *SQLiteRepository) ReleaseRun(ctx context.Context, runID string, at time.Time) ([]string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	assetIDs, err := queryStringList(ctx, tx,
		"SELECT asset_id FROM reservations WHERE run_id = ? AND released_at IS NULL",
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing run reservations: %w", err)
	}
	if len(assetIDs) == 0 {
		return nil, tx.Commit()
	}

	released := at.UTC().Format(time.RFC3339)

	if _, err := tx.ExecContext(ctx,
		"UPDATE reservations SET released_at = ? WHERE run_id = ? AND released_at IS NULL",
		released, runID,
	); err != nil {
		return nil, fmt.Errorf("releasing reservations: %w", err)
	}

	query := fmt.Sprintf(`
		UPDATE assets SET availability = ?, updated_at = ?
		WHERE id IN (%s) AND availability = ?`,
		placeholders(len(assetIDs)),
	)
	args := make([]any, 0, len(assetIDs)+3)
	args = append(args, string(AvailabilityFree), released)
	for _, id := range assetIDs {
		args = append(args, id)
	}
	args = append(args, string(AvailabilityReserved))

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("freeing assets: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing release: %w", err)
	}
	return assetIDs, nil
}

// ReleaseReservation releases a single reservation and frees its asset.
func (r *SQLiteRepository) ReleaseReservation(ctx context.Context, reservationID string, at time.Time) (string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	var assetID string
	var releasedAt sql.NullString
	err = tx.QueryRowContext(ctx,
		"SELECT asset_id, released_at FROM reservations WHERE id = ?",
		reservationID,
	).Scan(&assetID, &releasedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", tx.Commit() // Already gone; release is idempotent.
		}
		return "", fmt.Errorf("querying reservation: %w", err)
	}
	if releasedAt.Valid {
		return "", tx.Commit() // Already released.
	}

	released := at.UTC().Format(time.RFC3339)

	if _, err := tx.ExecContext(ctx,
		"UPDATE reservations SET released_at = ? WHERE id = ?",
		released, reservationID,
	); err != nil {
		return "", fmt.Errorf("releasing reservation: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE assets SET availability = ?, updated_at = ? WHERE id = ? AND availability = ?",
		string(AvailabilityFree), released, assetID, string(AvailabilityReserved),
	); err != nil {
		return "", fmt.Errorf("freeing asset: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing release: %w", err)
	}
	return assetID, nil
}

// ListActiveReservations returns every unreleased reservation.
func (r *SQLiteRepository) ListActiveReservations(ctx context.Context) ([]Reservation, error) {
	query := `
		SELECT id, run_id, requirement_id, requirement_name, asset_id, acquired_at, released_at
		FROM reservations
		WHERE released_at IS NULL
		ORDER BY acquired_at`

	return r.queryReservations(ctx, query)
}

// ListReservationsByRun returns all reservations recorded for a run.
func (r *SQLiteRepository) ListReservationsByRun(ctx context.Context, runID string) ([]Reservation, error) {
	query := `
		SELECT id, run_id, requirement_id, requirement_name, asset_id, acquired_at, released_at
		FROM reservations
		WHERE run_id = ?
		ORDER BY acquired_at`

	return r.queryReservations(ctx, query, runID)
}

// RepairAvailability frees assets marked reserved with no active reservation
// row. This heals drift left behind by a crash between the reservation
// release and the availability update.
func (r *SQLiteRepository) RepairAvailability(ctx context.Context) ([]string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	orphaned, err := queryStringList(ctx, tx, `
		SELECT id FROM assets
		WHERE availability = ?
		  AND id NOT IN (SELECT asset_id FROM reservations WHERE released_at IS NULL)`,
		string(AvailabilityReserved),
	)
	if err != nil {
		return nil, fmt.Errorf("finding orphaned assets: %w", err)
	}
	if len(orphaned) == 0 {
		return nil, tx.Commit()
	}

	query := fmt.Sprintf(
		"UPDATE assets SET availability = ?, updated_at = ? WHERE id IN (%s)",
		placeholders(len(orphaned)),
	)
	args := make([]any, 0, len(orphaned)+2)
	args = append(args, string(AvailabilityFree), time.Now().UTC().Format(time.RFC3339))
	for _, id := range orphaned {
		args = append(args, id)
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("repairing availability: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing repair: %w", err)
	}
	return orphaned, nil
}

// queryAssets executes a query and returns a slice of assets.
func (r *SQLiteRepository) queryAssets(ctx context.Context, query string, args ...any) ([]Asset, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying assets: %w", err)
	}
	defer rows.Close()

	var assets []Asset
	for rows.Next() {
		a, err := scanAssetRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning asset: %w", err)
		}
		assets = append(assets, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating assets: %w", err)
	}

	return assets, nil
}

// queryReservations executes a query and returns a slice of reservations.
func (r *SQLiteRepository) queryReservations(ctx context.Context, query string, args ...any) ([]Reservation, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying reservations: %w", err)
	}
	defer rows.Close()

	var reservations []Reservation
	for rows.Next() {
		res, err := scanReservationRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning reservation: %w", err)
		}
		reservations = append(reservations, *res)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating reservations: %w", err)
	}

	return reservations, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// queryStringList executes a query returning a single string column.
func queryStringList(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// placeholders returns n comma-separated SQL placeholders.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanAssetRow scans a row or rows result into an Asset.
func scanAssetRow(scanner rowScanner) (*Asset, error) {
	var a Asset
	var kind string
	var tagsJSON, metadataJSON sql.NullString
	var parentID, lastReservedAt sql.NullString
	var availability string
	var createdAt, updatedAt string

	err := scanner.Scan(
		&a.ID,
		&a.Name,
		&kind,
		&a.Type,
		&a.Category,
		&tagsJSON,
		&parentID,
		&availability,
		&metadataJSON,
		&lastReservedAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Kind = Kind(kind)
	a.Availability = Availability(availability)

	if parentID.Valid {
		a.ParentID = &parentID.String
	}

	if lastReservedAt.Valid {
		t, err := time.Parse(time.RFC3339, lastReservedAt.String)
		if err == nil {
			a.LastReservedAt = &t
		}
	}

	var parseErr error
	a.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	a.UpdatedAt, parseErr = time.Parse(time.RFC3339, updatedAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", parseErr)
	}

	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &a.Tags); err != nil {
			return nil, fmt.Errorf("unmarshalling tags: %w", err)
		}
	}

	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &a.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshalling metadata: %w", err)
		}
	}

	return &a, nil
}

// scanReservationRow scans a row or rows result into a Reservation.
func scanReservationRow(scanner rowScanner) (*Reservation, error) {
	var res Reservation
	var acquiredAt string
	var releasedAt sql.NullString

	err := scanner.Scan(
		&res.ID,
		&res.RunID,
		&res.RequirementID,
		&res.RequirementName,
		&res.AssetID,
		&acquiredAt,
		&releasedAt,
	)
	if err != nil {
		return nil, err
	}

	var parseErr error
	res.AcquiredAt, parseErr = time.Parse(time.RFC3339, acquiredAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing acquired_at: %w", parseErr)
	}

	if releasedAt.Valid {
		t, err := time.Parse(time.RFC3339, releasedAt.String)
		if err == nil {
			res.ReleasedAt = &t
		}
	}

	return &res, nil
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
