package asset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/maraxen/pylabpraxis-sub009/internal/infrastructure/logging"
)

// Layout describes the declared asset inventory of a workcell. Layout files
// are the source of truth for what exists; availability and reservations are
// runtime state and never appear here.
type Layout struct {
	Assets []LayoutAsset `yaml:"assets"`
}

// LayoutAsset is a single declared asset. Parent references the parent
// asset's name, not its ID, so layout files stay stable across databases.
type LayoutAsset struct {
	Name     string         `yaml:"name"`
	Kind     string         `yaml:"kind"`
	Type     string         `yaml:"type"`
	Category string         `yaml:"category"`
	Tags     []string       `yaml:"tags"`
	Parent   string         `yaml:"parent"`
	Metadata map[string]any `yaml:"metadata"`
}

// ImportStats summarises what an import changed.
type ImportStats struct {
	Created   int
	Updated   int
	Unchanged int
}

// LoadLayout reads and validates a workcell layout file.
func LoadLayout(path string) (*Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading layout file: %w", err)
	}

	var layout Layout
	if err := yaml.Unmarshal(data, &layout); err != nil {
		return nil, fmt.Errorf("parsing layout file: %w", err)
	}

	if err := layout.Validate(); err != nil {
		return nil, err
	}
	return &layout, nil
}

// Validate checks the layout for structural problems and returns all of them
// at once.
func (l *Layout) Validate() error {
	var errs []string

	if len(l.Assets) == 0 {
		errs = append(errs, "layout declares no assets")
	}

	names := make(map[string]struct{}, len(l.Assets))
	for i, la := range l.Assets {
		where := fmt.Sprintf("asset %d (%s)", i, la.Name)

		if la.Name == "" {
			errs = append(errs, fmt.Sprintf("asset %d: name is required", i))
		} else if _, dup := names[la.Name]; dup {
			errs = append(errs, where+": duplicate name")
		}
		names[la.Name] = struct{}{}

		if !Kind(la.Kind).Valid() {
			errs = append(errs, fmt.Sprintf("%s: invalid kind %q", where, la.Kind))
		}
		if la.Type == "" {
			errs = append(errs, where+": type is required")
		}
		if la.Parent == la.Name && la.Name != "" {
			errs = append(errs, where+": asset cannot be its own parent")
		}
	}

	// Parents must be declared in the same layout or already exist in the
	// database; declared-here references are checked now.
	for i, la := range l.Assets {
		if la.Parent == "" {
			continue
		}
		if _, ok := names[la.Parent]; !ok {
			errs = append(errs, fmt.Sprintf("asset %d (%s): parent %q not declared in layout", i, la.Name, la.Parent))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid layout: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ImportLayout reconciles the declared inventory into the repository. Assets
// are matched by name: unknown names are created, known names have their
// declared fields updated while availability, reservation history, and IDs
// are preserved. Parent links are resolved in a second pass so declaration
// order never matters. The placement chain of every declared asset is
// verified before returning.
func ImportLayout(ctx context.Context, repo Repository, layout *Layout, logger *logging.Logger) (*ImportStats, error) {
	if logger == nil {
		logger = logging.Default()
	}
	if err := layout.Validate(); err != nil {
		return nil, err
	}

	stats := &ImportStats{}
	idByName := make(map[string]string, len(layout.Assets))

	// First pass: upsert declared fields without parent links.
	for _, la := range layout.Assets {
		existing, err := repo.GetAssetByName(ctx, la.Name)
		switch {
		case err == nil:
			idByName[la.Name] = existing.ID
			if layoutMatchesAsset(la, existing) {
				stats.Unchanged++
				continue
			}
			existing.Kind = Kind(la.Kind)
			existing.Type = la.Type
			existing.Category = la.Category
			existing.Tags = NormaliseTags(la.Tags)
			existing.Metadata = la.Metadata
			if err := repo.UpdateAsset(ctx, existing); err != nil {
				return nil, fmt.Errorf("updating asset %q: %w", la.Name, err)
			}
			stats.Updated++

		case errors.Is(err, ErrAssetNotFound):
			a := &Asset{
				ID:           GenerateID(),
				Name:         la.Name,
				Kind:         Kind(la.Kind),
				Type:         la.Type,
				Category:     la.Category,
				Tags:         NormaliseTags(la.Tags),
				Metadata:     la.Metadata,
				Availability: AvailabilityFree,
				CreatedAt:    time.Now().UTC(),
			}
			if err := ValidateAsset(a); err != nil {
				return nil, fmt.Errorf("asset %q: %w", la.Name, err)
			}
			if err := repo.CreateAsset(ctx, a); err != nil {
				return nil, fmt.Errorf("creating asset %q: %w", la.Name, err)
			}
			idByName[la.Name] = a.ID
			stats.Created++

		default:
			return nil, fmt.Errorf("looking up asset %q: %w", la.Name, err)
		}
	}

	// Second pass: resolve parent names to IDs.
	for _, la := range layout.Assets {
		id := idByName[la.Name]
		a, err := repo.GetAsset(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("reloading asset %q: %w", la.Name, err)
		}

		var wantParent *string
		if la.Parent != "" {
			parentID, ok := idByName[la.Parent]
			if !ok {
				return nil, fmt.Errorf("asset %q: parent %q not found", la.Name, la.Parent)
			}
			wantParent = &parentID
		}

		if !sameParent(a.ParentID, wantParent) {
			a.ParentID = wantParent
			if err := repo.UpdateAsset(ctx, a); err != nil {
				return nil, fmt.Errorf("linking asset %q to parent: %w", la.Name, err)
			}
		}
	}

	// Placement chains must be acyclic before the inventory goes live.
	for _, la := range layout.Assets {
		if _, err := repo.GetAncestors(ctx, idByName[la.Name]); err != nil {
			return nil, fmt.Errorf("verifying placement of %q: %w", la.Name, err)
		}
	}

	logger.Info("layout imported",
		"declared", len(layout.Assets),
		"created", stats.Created,
		"updated", stats.Updated,
		"unchanged", stats.Unchanged,
	)
	return stats, nil
}

// layoutMatchesAsset reports whether the declared fields already match the
// stored asset, parent link aside.
func layoutMatchesAsset(la LayoutAsset, a *Asset) bool {
	if a.Kind != Kind(la.Kind) || a.Type != la.Type || a.Category != la.Category {
		return false
	}
	declared := NormaliseTags(la.Tags)
	if len(declared) != len(a.Tags) {
		return false
	}
	for i, tag := range declared {
		if a.Tags[i] != tag {
			return false
		}
	}
	// Metadata comparison is deliberately shallow on length: declared
	// metadata replaces stored metadata only when the declaration changes.
	if len(la.Metadata) != len(a.Metadata) {
		return false
	}
	for k, v := range la.Metadata {
		if fmt.Sprint(a.Metadata[k]) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

// sameParent compares optional parent IDs.
func sameParent(a, b *string) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}
