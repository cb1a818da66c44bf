package asset

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Validation constants.
const (
	maxNameLength = 100
	maxTypeLength = 100
	maxTags       = 20

	// maxMetadataKeys bounds the free-form metadata bag so a malformed
	// layout file cannot balloon the inventory cache.
	maxMetadataKeys = 50

	// maxRequirementUnits bounds cardinality per requirement.
	maxRequirementUnits = 32
)

// validKinds is built once for O(1) kind checks.
var validKinds map[Kind]struct{}

func init() {
	validKinds = make(map[Kind]struct{}, len(AllKinds()))
	for _, k := range AllKinds() {
		validKinds[k] = struct{}{}
	}
}

// ValidateAsset performs comprehensive validation on an asset.
// Returns an error describing the first validation failure found.
func ValidateAsset(a *Asset) error {
	if a == nil {
		return ErrInvalidAsset
	}

	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidAsset)
	}
	if len(a.Name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidAsset, maxNameLength)
	}

	if _, ok := validKinds[a.Kind]; !ok {
		return fmt.Errorf("%w: kind %q is not recognised", ErrInvalidAsset, a.Kind)
	}

	if strings.TrimSpace(a.Type) == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidAsset)
	}
	if len(a.Type) > maxTypeLength {
		return fmt.Errorf("%w: type exceeds %d characters", ErrInvalidAsset, maxTypeLength)
	}

	if len(a.Tags) > maxTags {
		return fmt.Errorf("%w: more than %d tags", ErrInvalidAsset, maxTags)
	}

	if len(a.Metadata) > maxMetadataKeys {
		return fmt.Errorf("%w: metadata exceeds %d keys", ErrInvalidAsset, maxMetadataKeys)
	}

	if a.Availability != "" {
		valid := false
		for _, av := range AllAvailabilities() {
			if a.Availability == av {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("%w: availability %q is not recognised", ErrInvalidAsset, a.Availability)
		}
	}

	return nil
}

// ValidateRequirements checks a run's full requirement list: each entry must
// be individually valid and logical names must not repeat.
func ValidateRequirements(reqs []Requirement) error {
	seen := make(map[string]struct{}, len(reqs))
	for i, req := range reqs {
		if err := ValidateRequirement(req); err != nil {
			return fmt.Errorf("requirement %d (%q): %w", i, req.Name, err)
		}
		if _, dup := seen[req.Name]; dup {
			return fmt.Errorf("%w: duplicate logical name %q", ErrInvalidRequirement, req.Name)
		}
		seen[req.Name] = struct{}{}
	}
	return nil
}

// ValidateRequirement checks a single requirement.
func ValidateRequirement(req Requirement) error {
	if strings.TrimSpace(req.Name) == "" {
		return fmt.Errorf("%w: logical name is required", ErrInvalidRequirement)
	}
	if req.Type == "" && req.Category == "" {
		return fmt.Errorf("%w: a type or category constraint is required", ErrInvalidRequirement)
	}
	if req.Count < 0 || req.Count > maxRequirementUnits {
		return fmt.Errorf("%w: count must be between 0 and %d", ErrInvalidRequirement, maxRequirementUnits)
	}
	if len(req.Tags) > maxTags {
		return fmt.Errorf("%w: more than %d tags", ErrInvalidRequirement, maxTags)
	}
	return nil
}

// NormaliseTags lowercases, trims, de-duplicates, and sorts a tag list.
// Empty tags are dropped; nil is returned for an empty result.
func NormaliseTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(tags))
	var normalised []string
	for _, tag := range tags {
		n := strings.ToLower(strings.TrimSpace(tag))
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		normalised = append(normalised, n)
	}

	sort.Strings(normalised)
	return normalised
}

// GenerateID creates a new UUID for an asset or reservation.
func GenerateID() string {
	return uuid.New().String()
}
