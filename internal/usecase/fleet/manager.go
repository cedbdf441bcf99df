// Package fleet keeps the set of running tool-provider sessions in line
// with the desired configuration.
//
// The fleet is published as an immutable snapshot behind an atomic
// pointer. Readers never block; a reconciliation connects new sessions
// first, swaps the snapshot, and only then closes the sessions it
// replaced, so a provider whose specification did not change is never
// interrupted.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"konvo/internal/domain"
	"konvo/internal/infra/metrics"
)

// Default fleet settings.
const (
	defaultStartConcurrency  = 4
	defaultInvokeConcurrency = 16
	defaultConnectTimeout    = 30 * time.Second
	defaultDrainTimeout      = 10 * time.Second
)

// Options configures a Manager.
type Options struct {
	StartConcurrency  int           // concurrent session starts (default: 4)
	InvokeConcurrency int           // concurrent tool invocations (default: 16)
	ConnectTimeout    time.Duration // bound on start plus tool listing (default: 30s)
	DrainTimeout      time.Duration // wait for in-flight calls before closing (default: 10s)
	InvokeRate        float64       // per-provider calls per second; 0 disables limiting
	InvokeBurst       int
	Breaker           BreakerConfig

	Policy  domain.PermissionPolicy
	Bus     domain.EventBus
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.StartConcurrency <= 0 {
		o.StartConcurrency = defaultStartConcurrency
	}
	if o.InvokeConcurrency <= 0 {
		o.InvokeConcurrency = defaultInvokeConcurrency
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = defaultDrainTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Manager owns the running tool-provider sessions.
type Manager struct {
	start  domain.SessionStarter
	opts   Options
	logger *slog.Logger

	state atomic.Pointer[snapshot]

	// mu serializes reconciliations and guards desired, masked and policy.
	mu      sync.Mutex
	desired map[string]domain.ProviderSpecification
	masked  map[string]struct{}
	policy  domain.PermissionPolicy

	startSem  *semaphore.Weighted
	invokeSem *semaphore.Weighted

	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
	watching  sync.WaitGroup
	retiring  sync.WaitGroup
}

// NewManager creates an empty fleet that starts sessions with start.
func NewManager(start domain.SessionStarter, opts Options) *Manager {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		start:     start,
		opts:      opts,
		logger:    opts.Logger.With("component", "fleet"),
		desired:   map[string]domain.ProviderSpecification{},
		masked:    map[string]struct{}{},
		policy:    opts.Policy,
		startSem:  semaphore.NewWeighted(int64(opts.StartConcurrency)),
		invokeSem: semaphore.NewWeighted(int64(opts.InvokeConcurrency)),
		ctx:       ctx,
		cancel:    cancel,
	}
	m.state.Store(newSnapshot(map[string]*entry{}, nil))
	return m
}

// Start reconciles against the first configuration from source and then
// keeps following it in the background until ctx is done or the fleet is
// closed. Bursts of changes are coalesced into one reconciliation.
func (m *Manager) Start(ctx context.Context, source domain.ConfigurationSource) error {
	if m.closed.Load() {
		return m.closedError("Fleet.Start")
	}
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(m.ctx, cancel)

	ch := source.Specifications(ctx)
	var desired map[string]domain.ProviderSpecification
	select {
	case d, ok := <-ch:
		if !ok {
			stop()
			cancel()
			return domain.NewDomainError("Fleet.Start", domain.ErrConfigLoad, "configuration source closed")
		}
		desired = d
	case <-ctx.Done():
		stop()
		cancel()
		return ctx.Err()
	}

	if err := m.Reconcile(ctx, desired); err != nil {
		m.logger.Warn("initial reconciliation incomplete", "error", err)
	}

	m.watching.Add(1)
	go func() {
		defer m.watching.Done()
		defer stop()
		defer cancel()
		m.watch(ctx, ch)
	}()
	return nil
}

func (m *Manager) watch(ctx context.Context, ch <-chan map[string]domain.ProviderSpecification) {
	for {
		select {
		case <-ctx.Done():
			return
		case desired, ok := <-ch:
			if !ok {
				return
			}
			desired = latest(ch, desired)
			if err := m.Reconcile(ctx, desired); err != nil && ctx.Err() == nil {
				m.logger.Warn("reconciliation incomplete", "error", err)
			}
		}
	}
}

// latest drains values that are already queued and returns the newest.
func latest(ch <-chan map[string]domain.ProviderSpecification, cur map[string]domain.ProviderSpecification) map[string]domain.ProviderSpecification {
	for {
		select {
		case d, ok := <-ch:
			if !ok {
				return cur
			}
			cur = d
		default:
			return cur
		}
	}
}

// Reconcile brings the fleet in line with desired. Providers that fail to
// start are left out (or keep their previous session on restart); the
// returned error joins their startup failures. Masked providers are
// ignored until AddProvider re-enables them.
func (m *Manager) Reconcile(ctx context.Context, desired map[string]domain.ProviderSpecification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed.Load() {
		return m.closedError("Fleet.Reconcile")
	}
	m.desired = maps.Clone(desired)
	if m.desired == nil {
		m.desired = map[string]domain.ProviderSpecification{}
	}

	target := make(map[string]domain.ProviderSpecification, len(m.desired))
	for name, spec := range m.desired {
		if _, masked := m.masked[name]; !masked {
			target[name] = spec
		}
	}
	return joinFailures(m.reconcileLocked(ctx, target))
}

// AddProvider re-enables a provider that was removed with RemoveProvider
// and starts it from the latest desired specification. Other providers are
// left as they are.
func (m *Manager) AddProvider(ctx context.Context, name string) error {
	const op = "Fleet.AddProvider"
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed.Load() {
		return m.closedError(op)
	}
	spec, ok := m.desired[name]
	if !ok {
		return domain.NewDomainError(op, domain.ErrProviderNotFound, name)
	}
	delete(m.masked, name)

	target := m.state.Load().specs()
	target[name] = spec
	return m.reconcileLocked(ctx, target)[name]
}

// RemoveProvider stops a provider and keeps it out of later
// reconciliations until AddProvider is called.
func (m *Manager) RemoveProvider(ctx context.Context, name string) error {
	const op = "Fleet.RemoveProvider"
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed.Load() {
		return m.closedError(op)
	}
	target := m.state.Load().specs()
	_, running := target[name]
	_, wanted := m.desired[name]
	if !running && !wanted {
		return domain.NewDomainError(op, domain.ErrProviderNotFound, name)
	}
	m.masked[name] = struct{}{}
	delete(target, name)
	m.reconcileLocked(ctx, target)
	return nil
}

// reconcileLocked applies target to the current snapshot and returns the
// startup failure of every provider that could not be started.
func (m *Manager) reconcileLocked(ctx context.Context, target map[string]domain.ProviderSpecification) map[string]error {
	current := m.state.Load()

	var toAdd, toRemove, toRestart []string
	for name, spec := range target {
		e, ok := current.entries[name]
		switch {
		case !ok:
			toAdd = append(toAdd, name)
		case !e.spec.Equal(spec):
			toRestart = append(toRestart, name)
		}
	}
	for name := range current.entries {
		if _, ok := target[name]; !ok {
			toRemove = append(toRemove, name)
		}
	}
	slices.Sort(toAdd)
	slices.Sort(toRemove)
	slices.Sort(toRestart)

	if len(toAdd)+len(toRemove)+len(toRestart) == 0 {
		return nil
	}

	started, failures := m.startAll(ctx, target, slices.Concat(toAdd, toRestart))

	next := maps.Clone(current.entries)
	var retired []*entry
	for _, name := range toRemove {
		retired = append(retired, next[name])
		delete(next, name)
	}
	for _, name := range toRestart {
		if e, ok := started[name]; ok {
			retired = append(retired, next[name])
			next[name] = e
		}
	}
	for _, name := range toAdd {
		if e, ok := started[name]; ok {
			next[name] = e
		}
	}
	m.state.Store(newSnapshot(next, m.requiresApproval))

	for _, e := range retired {
		m.retire(e)
	}

	payload := domain.ReconcilePayload{
		Added:     startedOf(toAdd, started),
		Removed:   toRemove,
		Restarted: startedOf(toRestart, started),
		Failed:    slices.Sorted(maps.Keys(failures)),
	}
	m.opts.Metrics.SetProviders(len(next))
	m.opts.Metrics.Reconciled()
	domain.PublishEvent(ctx, m.opts.Bus, domain.EventFleetReconciled, payload)
	m.logger.Info("fleet reconciled",
		"providers", len(next),
		"added", payload.Added,
		"removed", payload.Removed,
		"restarted", payload.Restarted,
		"failed", payload.Failed,
	)
	return failures
}

func startedOf(names []string, started map[string]*entry) []string {
	var out []string
	for _, name := range names {
		if _, ok := started[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// startAll starts the named providers concurrently, bounded by the start
// semaphore. Closing the fleet cancels attempts still in progress.
func (m *Manager) startAll(ctx context.Context, target map[string]domain.ProviderSpecification, names []string) (map[string]*entry, map[string]error) {
	started := make(map[string]*entry, len(names))
	failures := make(map[string]error)
	if len(names) == 0 {
		return started, failures
	}

	sctx, cancel := context.WithCancel(m.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, name := range names {
		spec := target[name]
		g.Go(func() error {
			e, err := m.startOne(sctx, spec)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[name] = err
				return nil
			}
			started[name] = e
			return nil
		})
	}
	_ = g.Wait()

	// The fleet may have been closed while sessions were connecting.
	if m.ctx.Err() != nil {
		for name, e := range started {
			_ = e.session.Close()
			delete(started, name)
			failures[name] = m.closedError("Fleet.Start")
		}
	}
	return started, failures
}

func (m *Manager) startOne(ctx context.Context, spec domain.ProviderSpecification) (*entry, error) {
	const op = "Fleet.Start"
	if err := m.startSem.Acquire(ctx, 1); err != nil {
		return nil, m.startFailed(ctx, spec.Name, domain.NewDomainError(op, fmt.Errorf("%w: %w", domain.ErrProviderStartup, err), spec.Name))
	}
	defer m.startSem.Release(1)

	cctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	session, err := m.start(cctx, spec)
	if err != nil {
		return nil, m.startFailed(ctx, spec.Name, err)
	}
	tools, err := session.ListTools(cctx)
	if err != nil {
		_ = session.Close()
		return nil, m.startFailed(ctx, spec.Name, domain.NewDomainError(op,
			fmt.Errorf("%w: list tools: %w", domain.ErrProviderStartup, err), spec.Name))
	}
	m.opts.Metrics.ProviderStart("ok")
	domain.PublishEvent(ctx, m.opts.Bus, domain.EventProviderStarted, domain.ProviderPayload{
		Provider: spec.Name,
		Tools:    len(tools),
	})
	m.logger.Info("provider started", "provider", spec.Name, "tools", len(tools))
	return newEntry(spec, session, tools, m.opts, m.logger), nil
}

func (m *Manager) startFailed(ctx context.Context, name string, err error) error {
	m.opts.Metrics.ProviderStart("failed")
	domain.PublishEvent(ctx, m.opts.Bus, domain.EventProviderFailed, domain.ProviderPayload{
		Provider: name,
		Error:    err.Error(),
	})
	m.logger.Warn("provider start failed", "provider", name, "error", err)
	return err
}

// requiresApproval must be called with mu held.
func (m *Manager) requiresApproval(provider, tool string) bool {
	if m.policy == nil {
		return true
	}
	return m.policy.RequiresApproval(provider, tool)
}

// SetPolicy replaces the permission policy. The catalog of the running
// sessions is re-marked right away; sessions are not restarted.
func (m *Manager) SetPolicy(policy domain.PermissionPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy = policy
	if m.closed.Load() {
		return
	}
	m.state.Store(newSnapshot(m.state.Load().entries, m.requiresApproval))
	m.logger.Info("permission policy updated")
}

// retire closes e once its in-flight calls finish or the drain timeout
// expires, whichever comes first.
func (m *Manager) retire(e *entry) {
	m.retiring.Add(1)
	go func() {
		defer m.retiring.Done()
		idle := e.retire()
		timer := time.NewTimer(m.opts.DrainTimeout)
		defer timer.Stop()
		select {
		case <-idle:
		case <-timer.C:
			m.logger.Warn("closing provider with calls in flight", "provider", e.spec.Name)
		}
		if err := e.session.Close(); err != nil {
			m.logger.Debug("provider close error", "provider", e.spec.Name, "error", err)
		}
		domain.PublishEvent(context.Background(), m.opts.Bus, domain.EventProviderStopped, domain.ProviderPayload{
			Provider: e.spec.Name,
		})
		m.logger.Info("provider stopped", "provider", e.spec.Name)
	}()
}

// CurrentTools returns the aggregated catalog, ordered by provider name.
// It never blocks, even during a reconciliation.
func (m *Manager) CurrentTools() []domain.CatalogEntry {
	return slices.Clone(m.state.Load().catalog)
}

// Providers returns the names of the running providers in sorted order.
func (m *Manager) Providers() []string {
	return m.state.Load().providers()
}

// Session returns the running session for name.
func (m *Manager) Session(name string) (domain.ToolProviderSession, bool) {
	e, ok := m.state.Load().entries[name]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Invoke runs one tool on the named provider. A provider that is not
// running, is rate limited past ctx, or has an open circuit yields an
// ExecutionFailure error.
func (m *Manager) Invoke(ctx context.Context, provider, tool string, args *domain.Arguments) (string, error) {
	const op = "Fleet.Invoke"
	e := m.acquire(provider)
	if e == nil {
		return "", domain.NewDomainError(op,
			fmt.Errorf("%w: %w", domain.ErrExecutionFailure, domain.ErrProviderNotFound),
			fmt.Sprintf("tool provider %q is not running", provider))
	}
	defer e.release()

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return "", domain.NewDomainError(op, fmt.Errorf("%w: %w", domain.ErrExecutionFailure, err), "rate limit wait aborted")
		}
	}
	if err := m.invokeSem.Acquire(ctx, 1); err != nil {
		return "", domain.NewDomainError(op, fmt.Errorf("%w: %w", domain.ErrExecutionFailure, err), "no invocation slot")
	}
	defer m.invokeSem.Release(1)

	out, err := e.breaker.Execute(func() (string, error) {
		return e.session.Invoke(ctx, tool, args)
	})
	if err != nil {
		if isBreakerRejection(err) {
			return "", domain.NewDomainError(op, domain.ErrCircuitOpen,
				fmt.Sprintf("tool provider %q is failing repeatedly; try again later", provider))
		}
		return "", err
	}
	return out, nil
}

// acquire takes a reference on the named provider's current entry. A load
// that races with a swap retries against the new snapshot.
func (m *Manager) acquire(name string) *entry {
	for range 2 {
		e, ok := m.state.Load().entries[name]
		if !ok {
			return nil
		}
		if e.acquire() {
			return e
		}
	}
	return nil
}

// Close stops following the configuration, cancels pending starts, and
// closes every session after its in-flight calls drain. It is idempotent.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		m.cancel()
		m.watching.Wait()

		m.mu.Lock()
		current := m.state.Load()
		m.state.Store(newSnapshot(map[string]*entry{}, nil))
		for _, name := range current.providers() {
			m.retire(current.entries[name])
		}
		m.mu.Unlock()

		m.retiring.Wait()
		m.opts.Metrics.SetProviders(0)
		m.logger.Info("fleet closed")
	})
	return nil
}

func (m *Manager) closedError(op string) error {
	return domain.NewDomainError(op, domain.ErrSessionClosed, "fleet closed")
}

// joinFailures combines per-provider startup failures in name order.
func joinFailures(failures map[string]error) error {
	if len(failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(failures))
	for _, name := range slices.Sorted(maps.Keys(failures)) {
		errs = append(errs, failures[name])
	}
	return errors.Join(errs...)
}
