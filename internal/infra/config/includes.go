package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const maxIncludeDepth = 10

// fragment is the part of a config an included file may contribute.
// Included files add or replace providers by name and append permission
// rules; everything else belongs to the main file.
type fragment struct {
	Providers   map[string]ProviderConfig `yaml:"providers"`
	Permissions struct {
		Rules []PermissionRuleConfig `yaml:"rules"`
	} `yaml:"permissions"`
	Includes []string `yaml:"includes"`
}

// processIncludes merges the files named by cfg.Includes into cfg.
// basePath is the directory of the file holding the includes; visited
// tracks absolute paths to detect cycles.
func processIncludes(cfg *Config, basePath string, visited map[string]bool, depth int) error {
	includes := cfg.Includes
	cfg.Includes = nil
	return includeAll(cfg, includes, basePath, visited, depth)
}

func includeAll(cfg *Config, patterns []string, basePath string, visited map[string]bool, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("config includes: max depth %d exceeded", maxIncludeDepth)
	}
	for _, pattern := range patterns {
		paths, err := resolveIncludePaths(pattern, basePath)
		if err != nil {
			return err
		}
		for _, p := range paths {
			abs, err := filepath.Abs(p)
			if err != nil {
				return fmt.Errorf("config includes: abs path %q: %w", p, err)
			}
			if visited[abs] {
				return fmt.Errorf("config includes: circular include detected for %q", abs)
			}
			visited[abs] = true

			if err := mergeFile(cfg, abs, visited, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveIncludePaths expands pattern relative to baseDir. Matches must
// stay inside baseDir.
func resolveIncludePaths(pattern, baseDir string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(baseDir, pattern)
	}
	pattern = filepath.Clean(pattern)

	rel, err := filepath.Rel(baseDir, pattern)
	if err == nil && (rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
		return nil, fmt.Errorf("config includes: path %q escapes config directory", pattern)
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("config includes: glob %q: %w", pattern, err)
	}
	if len(matches) == 0 && !hasMeta(pattern) {
		// A literal path that does not exist is reported by mergeFile.
		return []string{pattern}, nil
	}
	return matches, nil
}

func hasMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[")
}

// mergeFile overlays the fragment in path onto cfg, following its own
// includes.
func mergeFile(cfg *Config, path string, visited map[string]bool, depth int) error {
	if err := validatePermissions(path); err != nil {
		return fmt.Errorf("config includes: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config includes: read %q: %w", path, err)
	}
	cfg.files = append(cfg.files, path)
	if len(data) == 0 {
		return nil
	}

	var frag fragment
	if err := yaml.Unmarshal(data, &frag); err != nil {
		return fmt.Errorf("config includes: parse %q: %w", path, err)
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderConfig{}
	}
	for name, p := range frag.Providers {
		cfg.Providers[name] = p
	}
	cfg.Permissions.Rules = append(cfg.Permissions.Rules, frag.Permissions.Rules...)

	if len(frag.Includes) > 0 {
		return includeAll(cfg, frag.Includes, filepath.Dir(path), visited, depth)
	}
	return nil
}
