// Package permission decides which tool calls need user approval.
package permission

import (
	"fmt"
	"time"

	"github.com/dlclark/regexp2"

	"konvo/internal/domain"
)

// matchTimeout bounds one pattern evaluation.
const matchTimeout = 50 * time.Millisecond

type rule struct {
	pattern    string
	re         *regexp2.Regexp
	permission domain.Permission
}

// Policy is an ordered list of pattern rules plus a default permission.
//
// Each pattern is a regular expression anchored to the whole subject. It is
// tried against "<provider>/<tool>" and then against the bare tool name;
// the first rule that matches either decides.
//
//	policy, _ := permission.New(domain.PermissionAsk, []domain.PermissionRule{
//	    {Pattern: "fs/read_.*", Permission: domain.PermissionAllow},
//	    {Pattern: "git/.*", Permission: domain.PermissionAllow},
//	})
type Policy struct {
	rules []rule
	def   domain.Permission
}

// New compiles rules. An empty default means PermissionAsk.
func New(def domain.Permission, rules []domain.PermissionRule) (*Policy, error) {
	if def == "" {
		def = domain.PermissionAsk
	}
	if !def.Valid() {
		return nil, fmt.Errorf("permission: invalid default %q", def)
	}
	p := &Policy{def: def, rules: make([]rule, 0, len(rules))}
	for i, r := range rules {
		if !r.Permission.Valid() {
			return nil, fmt.Errorf("permission: rule %d: invalid permission %q", i, r.Permission)
		}
		re, err := regexp2.Compile(`^(?:`+r.Pattern+`)$`, regexp2.None)
		if err != nil {
			return nil, fmt.Errorf("permission: rule %d: %w", i, err)
		}
		re.MatchTimeout = matchTimeout
		p.rules = append(p.rules, rule{pattern: r.Pattern, re: re, permission: r.Permission})
	}
	return p, nil
}

// Decide returns the permission for tool on provider.
func (p *Policy) Decide(provider, tool string) domain.Permission {
	if p == nil {
		return domain.PermissionAsk
	}
	qualified := provider + "/" + tool
	for _, r := range p.rules {
		if matches(r.re, qualified) || matches(r.re, tool) {
			return r.permission
		}
	}
	return p.def
}

// RequiresApproval reports whether a call to tool must be vetted.
func (p *Policy) RequiresApproval(provider, tool string) bool {
	return p.Decide(provider, tool) == domain.PermissionAsk
}

// matches treats evaluation errors, such as a timeout, as no match.
func matches(re *regexp2.Regexp, s string) bool {
	ok, err := re.MatchString(s)
	return err == nil && ok
}
