// Package settings feeds the fleet from the YAML config file. It converts
// provider sections into specifications and re-reads the file, along with
// its includes, whenever one of them changes on disk.
package settings

import (
	"context"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"konvo/internal/domain"
	"konvo/internal/infra/config"
	"konvo/internal/usecase/permission"
)

const defaultPollInterval = time.Second

// Options configures a Source.
type Options struct {
	// PollInterval is used by the polling watcher (default: 1s).
	PollInterval time.Duration
	// Poll forces the polling watcher even where inotify is available.
	Poll bool
	// OnReload, when set, is called with every configuration successfully
	// reloaded from disk, before its providers are sent.
	OnReload func(*config.Config)
	Logger   *slog.Logger
}

// Source is a domain.ConfigurationSource backed by a config file.
type Source struct {
	path   string
	opts   Options
	logger *slog.Logger

	mu  sync.Mutex
	cfg *config.Config
}

var _ domain.ConfigurationSource = (*Source)(nil)

// New loads path and returns a Source serving it. A file that fails to
// load is an error here; later reload failures are logged and the last
// good configuration stays in effect.
func New(path string, opts Options) (*Source, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, domain.NewDomainError("Settings.Load", domain.ErrConfigLoad, err.Error())
	}
	return NewWithConfig(path, cfg, opts), nil
}

// NewWithConfig returns a Source for path that starts from cfg, which
// must have been loaded from path.
func NewWithConfig(path string, cfg *config.Config, opts Options) *Source {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Source{
		path:   path,
		opts:   opts,
		logger: opts.Logger.With("component", "settings", "path", path),
		cfg:    cfg,
	}
}

// Config returns the configuration most recently loaded.
func (s *Source) Config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Specifications sends the current provider specifications, then a new
// map each time a reload changes them. The channel closes when ctx is
// done.
func (s *Source) Specifications(ctx context.Context) <-chan map[string]domain.ProviderSpecification {
	ch := make(chan map[string]domain.ProviderSpecification)
	go s.run(ctx, ch)
	return ch
}

func (s *Source) run(ctx context.Context, ch chan<- map[string]domain.ProviderSpecification) {
	defer close(ch)

	cfg := s.Config()
	paths := watchPaths(s.path, cfg)
	w := s.newWatcher(paths)
	defer func() { w.Close() }()

	last := Specifications(cfg)
	if !send(ctx, ch, last) {
		return
	}

	for {
		if !waitChange(ctx, w) {
			return
		}
		// Arm the next watch before reading so a write during the reload
		// is not missed.
		armed := s.newWatcher(paths)
		w.Close()
		w = armed

		next, err := config.Load(s.path)
		if err != nil {
			s.logger.Warn("config reload failed, keeping previous providers", "error", err)
			continue
		}
		s.mu.Lock()
		s.cfg = next
		s.mu.Unlock()
		if s.opts.OnReload != nil {
			s.opts.OnReload(next)
		}

		if np := watchPaths(s.path, next); !slices.Equal(np, paths) {
			paths = np
			w.Close()
			w = s.newWatcher(paths)
		}

		specs := Specifications(next)
		if domain.SpecificationsEqual(specs, last) {
			s.logger.Debug("config changed, providers unchanged")
			continue
		}
		s.logger.Info("provider configuration changed", "providers", len(specs))
		last = specs
		if !send(ctx, ch, specs) {
			return
		}
	}
}

func (s *Source) newWatcher(paths []string) watcher {
	if !s.opts.Poll {
		w, err := newNotifyWatcher(paths)
		if err == nil {
			return w
		}
		s.logger.Debug("file notifications unavailable, polling", "error", err)
	}
	return newPollWatcher(paths, s.opts.PollInterval)
}

func waitChange(ctx context.Context, w watcher) bool {
	select {
	case <-ctx.Done():
		return false
	case <-w.Changes():
		return true
	}
}

func send(ctx context.Context, ch chan<- map[string]domain.ProviderSpecification, specs map[string]domain.ProviderSpecification) bool {
	select {
	case ch <- specs:
		return true
	case <-ctx.Done():
		return false
	}
}

// watchPaths is the main file plus every include that contributed to cfg.
func watchPaths(path string, cfg *config.Config) []string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	paths := append([]string{path}, cfg.Files()...)
	slices.Sort(paths)
	return slices.Compact(paths)
}

// Specifications converts the enabled providers of cfg.
func Specifications(cfg *config.Config) map[string]domain.ProviderSpecification {
	specs := make(map[string]domain.ProviderSpecification, len(cfg.Providers))
	for _, name := range slices.Sorted(maps.Keys(cfg.Providers)) {
		p := cfg.Providers[name]
		if p.Disabled {
			continue
		}
		spec := domain.ProviderSpecification{
			Name:           name,
			ProcessCommand: slices.Clone(p.Command),
			Env:            maps.Clone(p.Env),
		}
		switch p.Transport {
		case "sse":
			spec.Transport = domain.SSETransport{URL: p.URL, ReconnectDelay: p.ReconnectDelay}
		default:
			spec.Transport = domain.StdioTransport{}
		}
		specs[name] = spec
	}
	return specs
}

// Policy builds the permission policy configured in cfg.
func Policy(cfg *config.Config) (*permission.Policy, error) {
	rules := make([]domain.PermissionRule, len(cfg.Permissions.Rules))
	for i, r := range cfg.Permissions.Rules {
		rules[i] = domain.PermissionRule{
			Pattern:    r.Pattern,
			Permission: domain.Permission(r.Permission),
		}
	}
	return permission.New(domain.Permission(cfg.Permissions.Default), rules)
}
