package domain

import (
	"context"
	"maps"
	"slices"
	"time"
)

// Transport describes how a tool provider is reached. The set of
// implementations is closed: StdioTransport and SSETransport.
type Transport interface {
	Kind() string
	isTransport()
}

// StdioTransport speaks MCP over the standard streams of the spawned process.
type StdioTransport struct{}

// SSETransport speaks MCP over an outbound server-sent-events connection.
type SSETransport struct {
	URL            string
	ReconnectDelay time.Duration
}

func (StdioTransport) Kind() string { return "stdio" }
func (SSETransport) Kind() string   { return "sse" }

func (StdioTransport) isTransport() {}
func (SSETransport) isTransport()   {}

// ProviderSpecification is the desired configuration of one tool provider.
// Specifications are compared by value to decide whether a running
// provider has to be restarted.
type ProviderSpecification struct {
	Name           string
	Transport      Transport
	ProcessCommand []string
	Env            map[string]string
}

// Equal reports whether two specifications describe the same provider setup.
func (s ProviderSpecification) Equal(o ProviderSpecification) bool {
	if s.Name != o.Name {
		return false
	}
	if !transportEqual(s.Transport, o.Transport) {
		return false
	}
	if !slices.Equal(s.ProcessCommand, o.ProcessCommand) {
		return false
	}
	return maps.Equal(s.Env, o.Env)
}

func transportEqual(a, b Transport) bool {
	switch x := a.(type) {
	case StdioTransport:
		_, ok := b.(StdioTransport)
		return ok
	case SSETransport:
		y, ok := b.(SSETransport)
		return ok && x == y
	case nil:
		return b == nil
	default:
		return false
	}
}

// SpecificationsEqual compares two desired configurations by value.
func SpecificationsEqual(a, b map[string]ProviderSpecification) bool {
	return maps.EqualFunc(a, b, ProviderSpecification.Equal)
}

// ToolProviderSession is one live connection to a tool provider.
type ToolProviderSession interface {
	// ListTools returns the tools advertised by the provider.
	ListTools(ctx context.Context) ([]ToolDescriptor, error)
	// Invoke runs one tool and returns its text output.
	Invoke(ctx context.Context, toolName string, args *Arguments) (string, error)
	// Close tears the session down. It is idempotent.
	Close() error
}

// SessionStarter creates and connects a session for a specification.
// A failed start leaves no process or connection behind.
type SessionStarter func(ctx context.Context, spec ProviderSpecification) (ToolProviderSession, error)

// ConfigurationSource feeds the desired provider configuration.
// The channel receives the current configuration first and then every
// change; it is closed when ctx is done.
type ConfigurationSource interface {
	Specifications(ctx context.Context) <-chan map[string]ProviderSpecification
}
