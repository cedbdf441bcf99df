package domain

// Permission decides whether a tool call needs user approval.
type Permission string

const (
	PermissionAllow Permission = "allow"
	PermissionAsk   Permission = "ask"
)

// Valid reports whether p is a known permission.
func (p Permission) Valid() bool {
	return p == PermissionAllow || p == PermissionAsk
}

// PermissionRule matches "<provider>/<tool>" (or the bare tool name)
// against Pattern. The first matching rule wins.
type PermissionRule struct {
	Pattern    string     `yaml:"pattern" json:"pattern"`
	Permission Permission `yaml:"permission" json:"permission"`
}

// PermissionPolicy tells whether a tool requires approval.
type PermissionPolicy interface {
	RequiresApproval(provider, tool string) bool
}
