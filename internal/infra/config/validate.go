package config

import (
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// listing every problem found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateOrchestrator(cfg, ve)
	validateFleet(cfg, ve)
	validatePermissionRules(cfg, ve)
	validateProviders(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "debug", "info", "warn", "error":
	default:
		ve.Add("logger.level %q must be one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "text", "json":
	default:
		ve.Add("logger.format %q must be text or json", cfg.Logger.Format)
	}
	if cfg.Logger.Output == "" {
		ve.Add("logger.output must not be empty")
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q must be noop or stdout", cfg.Tracer.Exporter)
	}
}

func validateOrchestrator(cfg *Config, ve *ValidationError) {
	if cfg.Orchestrator.MaxToolRounds <= 0 {
		ve.Add("orchestrator.max_tool_rounds must be > 0")
	}
}

func validateFleet(cfg *Config, ve *ValidationError) {
	f := cfg.Fleet
	if f.StartConcurrency <= 0 {
		ve.Add("fleet.start_concurrency must be > 0")
	}
	if f.InvokeConcurrency <= 0 {
		ve.Add("fleet.invoke_concurrency must be > 0")
	}
	if f.ConnectTimeout <= 0 {
		ve.Add("fleet.connect_timeout must be > 0")
	}
	if f.CallTimeout <= 0 {
		ve.Add("fleet.call_timeout must be > 0")
	}
	if f.DrainTimeout < 0 {
		ve.Add("fleet.drain_timeout must be >= 0")
	}
	if f.CloseGrace < 0 {
		ve.Add("fleet.close_grace must be >= 0")
	}
	if f.InvokeRate < 0 {
		ve.Add("fleet.invoke_rate must be >= 0")
	}
	if f.InvokeBurst < 0 {
		ve.Add("fleet.invoke_burst must be >= 0")
	}
	if f.Breaker.Timeout < 0 || f.Breaker.Interval < 0 {
		ve.Add("fleet.breaker durations must be >= 0")
	}
}

func validatePermissionRules(cfg *Config, ve *ValidationError) {
	if !validPermission(cfg.Permissions.Default) {
		ve.Add("permissions.default %q must be allow or ask", cfg.Permissions.Default)
	}
	for i, r := range cfg.Permissions.Rules {
		if r.Pattern == "" {
			ve.Add("permissions.rules[%d].pattern is required", i)
		}
		if !validPermission(r.Permission) {
			ve.Add("permissions.rules[%d].permission %q must be allow or ask", i, r.Permission)
		}
	}
}

func validPermission(p string) bool {
	return p == "allow" || p == "ask"
}

func validateProviders(cfg *Config, ve *ValidationError) {
	for _, name := range slices.Sorted(maps.Keys(cfg.Providers)) {
		p := cfg.Providers[name]
		if name == "" || strings.Contains(name, "__") || strings.Contains(name, "/") {
			ve.Add("providers: name %q must be non-empty and contain neither \"__\" nor \"/\"", name)
		}
		switch p.Transport {
		case "", "stdio":
			if len(p.Command) == 0 {
				ve.Add("providers.%s.command is required for stdio transport", name)
			}
		case "sse":
			u, err := url.Parse(p.URL)
			if p.URL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				ve.Add("providers.%s.url %q must be an http(s) URL for sse transport", name, p.URL)
			}
			if p.ReconnectDelay < 0 {
				ve.Add("providers.%s.reconnect_delay must be >= 0", name)
			}
		default:
			ve.Add("providers.%s.transport %q must be stdio or sse", name, p.Transport)
		}
	}
}
