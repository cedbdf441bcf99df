package fleet

import (
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"konvo/internal/domain"
)

// entry is one running provider. Invocations hold a reference so that a
// superseded session is closed only after they finish.
type entry struct {
	spec    domain.ProviderSpecification
	session domain.ToolProviderSession
	tools   []domain.ToolDescriptor
	breaker *gobreaker.CircuitBreaker[string]
	limiter *rate.Limiter

	mu       sync.Mutex
	inflight int
	retired  bool
	idle     chan struct{}
}

func newEntry(spec domain.ProviderSpecification, session domain.ToolProviderSession, tools []domain.ToolDescriptor, opts Options, logger *slog.Logger) *entry {
	e := &entry{
		spec:    spec,
		session: session,
		tools:   tools,
		breaker: newBreaker(spec.Name, opts.Breaker, logger),
		idle:    make(chan struct{}),
	}
	if opts.InvokeRate > 0 {
		burst := opts.InvokeBurst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(opts.InvokeRate), burst)
	}
	return e
}

// acquire takes a reference. It fails once the entry has been retired.
func (e *entry) acquire() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.retired {
		return false
	}
	e.inflight++
	return true
}

func (e *entry) release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight--
	if e.retired && e.inflight == 0 {
		close(e.idle)
	}
}

// retire stops new references. The returned channel is closed when the
// last outstanding reference is released.
func (e *entry) retire() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.retired {
		e.retired = true
		if e.inflight == 0 {
			close(e.idle)
		}
	}
	return e.idle
}

// snapshot is an immutable view of the fleet. A new snapshot replaces the
// old one atomically after each reconciliation.
type snapshot struct {
	entries map[string]*entry
	catalog []domain.CatalogEntry
}

// newSnapshot builds the catalog of entries, marking each tool with the
// approval requirement reported by approve.
func newSnapshot(entries map[string]*entry, approve func(provider, tool string) bool) *snapshot {
	var catalog []domain.CatalogEntry
	for _, name := range slices.Sorted(maps.Keys(entries)) {
		for _, t := range entries[name].tools {
			if approve != nil {
				t.RequiresApproval = approve(name, t.Name)
			}
			catalog = append(catalog, domain.CatalogEntry{Provider: name, Tool: t})
		}
	}
	return &snapshot{entries: entries, catalog: catalog}
}

func (s *snapshot) specs() map[string]domain.ProviderSpecification {
	out := make(map[string]domain.ProviderSpecification, len(s.entries))
	for name, e := range s.entries {
		out[name] = e.spec
	}
	return out
}

func (s *snapshot) providers() []string {
	return slices.Sorted(maps.Keys(s.entries))
}
