package orchestrator

import (
	"cmp"
	"slices"

	"konvo/internal/domain"
)

// catalogView is the tool catalog as seen by one round of a turn. Tool
// names are offered to the model bare when unique and provider-qualified
// when two providers share a name.
type catalogView struct {
	qualified map[string]domain.CatalogEntry
	bare      map[string]domain.CatalogEntry
	schemas   []domain.ToolSchema
	known     map[string]struct{}
}

func newCatalogView(entries []domain.CatalogEntry) *catalogView {
	entries = slices.Clone(entries)
	slices.SortStableFunc(entries, func(a, b domain.CatalogEntry) int {
		return cmp.Compare(a.Provider, b.Provider)
	})

	counts := make(map[string]int, len(entries))
	for _, e := range entries {
		counts[e.Tool.Name]++
	}

	v := &catalogView{
		qualified: make(map[string]domain.CatalogEntry, len(entries)),
		bare:      make(map[string]domain.CatalogEntry, len(entries)),
		known:     make(map[string]struct{}, 2*len(entries)),
	}
	for _, e := range entries {
		q := e.QualifiedName()
		v.qualified[q] = e
		v.known[q] = struct{}{}
		if _, seen := v.bare[e.Tool.Name]; !seen {
			v.bare[e.Tool.Name] = e
			v.known[e.Tool.Name] = struct{}{}
		}

		name := e.Tool.Name
		if counts[name] > 1 {
			name = q
		}
		params := e.Tool.ParameterSchema
		if len(params) == 0 {
			params = []byte(`{"type":"object"}`)
		}
		v.schemas = append(v.schemas, domain.ToolSchema{
			Name:        name,
			Description: e.Tool.Description,
			Parameters:  params,
		})
	}
	return v
}

// resolve finds the catalog entry for a tool name, trying the qualified
// form first and then the bare name.
func (v *catalogView) resolve(name string) (domain.CatalogEntry, bool) {
	if e, ok := v.qualified[name]; ok {
		return e, true
	}
	e, ok := v.bare[name]
	return e, ok
}
