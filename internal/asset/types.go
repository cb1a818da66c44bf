package asset

import "time"

// Asset represents one reservable inventory item in the workcell: an
// instrument (machine), a piece of labware (resource), or a deck surface.
// This matches the assets table created by the initial migrations.
type Asset struct {
	// Identity
	ID   string `json:"id"`
	Name string `json:"name"`

	// Classification
	Kind     Kind     `json:"kind"`
	Type     string   `json:"type"`
	Category string   `json:"category,omitempty"`
	Tags     []string `json:"tags,omitempty"`

	// Placement hierarchy. A resource sits on a deck, a deck belongs to
	// a machine. Nil for top-level assets.
	ParentID *string `json:"parent_id,omitempty"`

	// Availability is mutated only by the Manager.
	Availability Availability `json:"availability"`

	// Metadata carries free-form commissioning data (vendor, serial,
	// well count, dead volume) that reservation logic never interprets.
	Metadata Metadata `json:"metadata,omitempty"`

	// LastReservedAt drives least-recently-used ranking between
	// otherwise equivalent candidates. Nil means never reserved.
	LastReservedAt *time.Time `json:"last_reserved_at,omitempty"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Metadata is a free-form bag of commissioning attributes.
type Metadata map[string]any

// Kind categorises an asset into the three inventory classes.
type Kind string

// Asset kinds.
const (
	KindMachine  Kind = "machine"
	KindResource Kind = "resource"
	KindDeck     Kind = "deck"
)

// AllKinds returns every valid asset kind.
func AllKinds() []Kind {
	return []Kind{KindMachine, KindResource, KindDeck}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindMachine, KindResource, KindDeck:
		return true
	}
	return false
}

// Availability describes whether an asset can be granted to a run.
type Availability string

// Availability states.
const (
	AvailabilityFree     Availability = "free"
	AvailabilityReserved Availability = "reserved"
	AvailabilityOffline  Availability = "offline"
)

// AllAvailabilities returns every valid availability state.
func AllAvailabilities() []Availability {
	return []Availability{AvailabilityFree, AvailabilityReserved, AvailabilityOffline}
}

// Requirement is a named, typed need declared by a protocol, produced once
// per run from the protocol's resolved requirement list and read-only
// during execution.
type Requirement struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Type is the exact asset type wanted (e.g. "ot2_gen2"). Candidates
	// matching Type exactly rank ahead of category matches.
	Type string `json:"type,omitempty"`

	// Category broadens the constraint to a class of equivalent assets
	// (e.g. "liquid_handler").
	Category string `json:"category,omitempty"`

	// Tags are compatibility labels the granted asset must carry.
	Tags []string `json:"tags,omitempty"`

	// Count is the number of distinct assets needed. Zero means one.
	Count int `json:"count,omitempty"`
}

// units returns the effective cardinality of the requirement.
func (r Requirement) units() int {
	if r.Count < 1 {
		return 1
	}
	return r.Count
}

// Reservation binds one requirement unit to one concrete asset for the
// lifetime of a run. At most one unreleased reservation may reference any
// asset at a time.
type Reservation struct {
	ID              string     `json:"id"`
	RunID           string     `json:"run_id"`
	RequirementID   string     `json:"requirement_id"`
	RequirementName string     `json:"requirement_name"`
	AssetID         string     `json:"asset_id"`
	AcquiredAt      time.Time  `json:"acquired_at"`
	ReleasedAt      *time.Time `json:"released_at,omitempty"`
}

// Active reports whether the reservation is still held.
func (r *Reservation) Active() bool {
	return r.ReleasedAt == nil
}

// DeepCopy creates a complete independent copy of the Asset.
// All map and slice fields are cloned so modifications to the copy
// do not affect the original. This is essential for cache isolation.
func (a *Asset) DeepCopy() *Asset {
	if a == nil {
		return nil
	}

	cpy := *a // Shallow copy of value fields

	cpy.Metadata = deepCopyMap(a.Metadata)

	if a.Tags != nil {
		cpy.Tags = make([]string, len(a.Tags))
		copy(cpy.Tags, a.Tags)
	}

	// Pointer fields (*string, *time.Time) don't need deep copy
	// because strings and time.Time are immutable in Go

	return &cpy
}

// HasTag reports whether the asset carries the given tag.
func (a *Asset) HasTag(tag string) bool {
	for _, t := range a.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// deepCopyMap creates a deep copy of a map[string]any.
// Nested maps and slices are recursively copied.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		// Primitives (string, bool, int, float64) are safe to copy by value
		return v
	}
}
