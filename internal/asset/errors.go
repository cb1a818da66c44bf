package asset

import "errors"

// Domain errors for the asset package.
//
// Reservation failures are sentinel values so callers can branch with
// errors.Is():
//
//	if errors.Is(err, asset.ErrUnsatisfiable) {
//	    // no matching inventory exists; do not retry
//	}
var (
	// ErrAssetNotFound is returned when an asset ID does not exist.
	ErrAssetNotFound = errors.New("asset: not found")

	// ErrAssetExists is returned when creating an asset whose ID or name
	// already exists.
	ErrAssetExists = errors.New("asset: already exists")

	// ErrInvalidAsset is returned when asset validation fails.
	ErrInvalidAsset = errors.New("asset: invalid")

	// ErrInvalidRequirement is returned when a requirement is malformed.
	ErrInvalidRequirement = errors.New("asset: invalid requirement")

	// ErrUnsatisfiable is returned when no inventory item can ever satisfy
	// a requirement (nothing matches, or everything matching is offline).
	// Nothing is granted when any requirement is unsatisfiable.
	ErrUnsatisfiable = errors.New("asset: requirement unsatisfiable")

	// ErrReservationTimeout is returned when the wait budget for contended
	// assets expires before a grant could be made.
	ErrReservationTimeout = errors.New("asset: reservation wait timed out")

	// ErrReservationConflict is returned when a run that already holds or
	// awaits reservations asks for more. Runs reserve exactly once.
	ErrReservationConflict = errors.New("asset: reservation conflict")

	// ErrPlacementCycle is returned when walking a placement hierarchy
	// revisits an asset, indicating corrupt inventory data.
	ErrPlacementCycle = errors.New("asset: placement cycle detected")
)
