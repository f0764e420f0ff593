// Package catalog is the registry of runnable job definitions.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"medflow/internal/domain"
	"medflow/internal/store"
)

type Service struct {
	store store.Store
}

func New(st store.Store) *Service { return &Service{store: st} }

// Register adds a job definition. Names are unique across the catalog.
func (s *Service) Register(ctx context.Context, e domain.CatalogEntry) (string, error) {
	if e.Name == "" {
		return "", fmt.Errorf("%w: entry name is required", domain.ErrInvalidSchedule)
	}
	if e.ExecutableRef == "" {
		return "", fmt.Errorf("%w: executable_ref is required", domain.ErrInvalidSchedule)
	}
	return s.store.CreateEntry(ctx, e)
}

func (s *Service) Get(ctx context.Context, id string) (domain.CatalogEntry, error) {
	return s.store.GetEntry(ctx, id)
}

func (s *Service) List(ctx context.Context, activeOnly bool) ([]domain.CatalogEntry, error) {
	return s.store.ListEntries(ctx, activeOnly)
}

// Deactivate stops new schedules and manual triggers for the entry.
// Already-dispatched executions are not touched.
func (s *Service) Deactivate(ctx context.Context, id string) error {
	return s.store.SetEntryActive(ctx, id, false)
}

// RequireActive loads an entry and rejects inactive ones. Used by schedule
// creation and manual triggers.
func (s *Service) RequireActive(ctx context.Context, id string) (domain.CatalogEntry, error) {
	e, err := s.store.GetEntry(ctx, id)
	if err != nil {
		return domain.CatalogEntry{}, err
	}
	if !e.Active {
		return domain.CatalogEntry{}, fmt.Errorf("entry %s: %w", id, domain.ErrInactiveEntry)
	}
	return e, nil
}

// ValidateParams checks schedule overrides against the entry's declared
// parameter spec: every key must be declared and carry the declared type.
// Entries with no spec accept no overrides. Runs at schedule creation,
// never at dispatch.
func ValidateParams(e domain.CatalogEntry, overrides json.RawMessage) error {
	if len(overrides) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(overrides, &m); err != nil {
		return fmt.Errorf("%w: params: %v", domain.ErrInvalidSchedule, err)
	}
	for key, val := range m {
		want, ok := e.ParamsSpec[key]
		if !ok {
			return fmt.Errorf("%w: param %q not recognized by entry %q", domain.ErrInvalidSchedule, key, e.Name)
		}
		if !typeMatches(want, val) {
			return fmt.Errorf("%w: param %q must be %s", domain.ErrInvalidSchedule, key, want)
		}
	}
	return nil
}

func typeMatches(want domain.ParamType, val any) bool {
	switch want {
	case domain.ParamString:
		_, ok := val.(string)
		return ok
	case domain.ParamNumber:
		_, ok := val.(float64)
		return ok
	case domain.ParamBool:
		_, ok := val.(bool)
		return ok
	}
	return false
}

// ResolveParams merges schedule overrides over the entry defaults. Both
// sides were validated at creation so this cannot fail on well-formed rows.
func ResolveParams(e domain.CatalogEntry, overrides json.RawMessage) json.RawMessage {
	if len(overrides) == 0 {
		return e.DefaultParams
	}
	if len(e.DefaultParams) == 0 {
		return overrides
	}
	var base, over map[string]any
	if err := json.Unmarshal(e.DefaultParams, &base); err != nil {
		return overrides
	}
	if err := json.Unmarshal(overrides, &over); err != nil {
		return e.DefaultParams
	}
	for k, v := range over {
		base[k] = v
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return overrides
	}
	return merged
}
