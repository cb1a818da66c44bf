package protocol

import (
	"fmt"
	"regexp"

	"github.com/maraxen/pylabpraxis-sub009/internal/asset"
)

// Validation constants.
const (
	maxNameLength        = 100
	maxDescriptionLength = 500
	maxSteps             = 500
	namePattern          = `^[a-z0-9]+(?:[-_][a-z0-9]+)*$`
)

var nameRegex = regexp.MustCompile(namePattern)

// Validate performs comprehensive validation on a protocol definition.
// Returns an error describing the first failure found.
func (p *Protocol) Validate() error {
	if p == nil {
		return ErrInvalidProtocol
	}

	if err := ValidateName(p.Name); err != nil {
		return err
	}
	if len(p.Description) > maxDescriptionLength {
		return fmt.Errorf("%w: description exceeds %d characters", ErrInvalidProtocol, maxDescriptionLength)
	}

	if err := asset.ValidateRequirements(p.Requirements); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProtocol, err)
	}

	if len(p.Steps) == 0 {
		return ErrNoSteps
	}
	if len(p.Steps) > maxSteps {
		return fmt.Errorf("%w: exceeds maximum of %d steps", ErrInvalidProtocol, maxSteps)
	}

	seen := make(map[string]struct{}, len(p.Steps))
	for i, step := range p.Steps {
		if step.Name == "" {
			return fmt.Errorf("step[%d]: %w: name is required", i, ErrInvalidStep)
		}
		if len(step.Name) > maxNameLength {
			return fmt.Errorf("step[%d]: %w: name exceeds %d characters", i, ErrInvalidStep, maxNameLength)
		}
		if step.Run == nil {
			return fmt.Errorf("step[%d] %q: %w: run function is required", i, step.Name, ErrInvalidStep)
		}
		if _, dup := seen[step.Name]; dup {
			return fmt.Errorf("step[%d]: %w: duplicate name %q", i, ErrInvalidStep, step.Name)
		}
		seen[step.Name] = struct{}{}
	}
	return nil
}

// ValidateName checks that a protocol name is non-empty, bounded, and
// machine-friendly (lowercase alphanumerics separated by - or _).
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidProtocol)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidProtocol, maxNameLength)
	}
	if !nameRegex.MatchString(name) {
		return fmt.Errorf("%w: name %q must match %s", ErrInvalidProtocol, name, namePattern)
	}
	return nil
}
