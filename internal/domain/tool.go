package domain

import (
	"bytes"
	"encoding/json"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Arguments is the insertion-ordered argument object of a tool call.
// It marshals to a JSON object with keys in insertion order.
type Arguments = orderedmap.OrderedMap[string, any]

// NewArguments returns an empty argument object.
func NewArguments() *Arguments {
	return orderedmap.New[string, any]()
}

// ArgumentsFromJSON decodes a JSON object into ordered arguments.
// Empty input and "null" decode to an empty object.
func ArgumentsFromJSON(raw []byte) (*Arguments, error) {
	args := NewArguments()
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return args, nil
	}
	if trimmed[0] != '{' {
		return nil, fmt.Errorf("arguments must be a JSON object")
	}
	fields := orderedmap.New[string, json.RawMessage]()
	if err := json.Unmarshal(trimmed, fields); err != nil {
		return nil, err
	}
	for pair := fields.Oldest(); pair != nil; pair = pair.Next() {
		v, err := DecodeValue(pair.Value)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", pair.Key, err)
		}
		args.Set(pair.Key, v)
	}
	return args, nil
}

// DecodeValue decodes one JSON value. Numbers are kept as json.Number so
// that they encode back exactly as written.
func DecodeValue(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// ArgumentsJSON encodes args as a JSON object. A nil value encodes as "{}".
func ArgumentsJSON(args *Arguments) []byte {
	if args == nil || args.Len() == 0 {
		return []byte("{}")
	}
	data, err := json.Marshal(args)
	if err != nil {
		return []byte("{}")
	}
	return data
}

// ArgumentsMap copies args into a plain map, as expected by transports.
func ArgumentsMap(args *Arguments) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	out := make(map[string]any, args.Len())
	for pair := args.Oldest(); pair != nil; pair = pair.Next() {
		out[pair.Key] = pair.Value
	}
	return out
}

// ToolSchema describes a tool for the LLM function-calling protocol.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolDescriptor is a tool advertised by a tool provider. Descriptors are
// immutable for the lifetime of the session that listed them.
type ToolDescriptor struct {
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	ParameterSchema  json.RawMessage `json:"parameter_schema,omitempty"`
	RequiresApproval bool            `json:"requires_approval"`
}

// CatalogEntry is a tool together with the provider that owns it.
type CatalogEntry struct {
	Provider string         `json:"provider"`
	Tool     ToolDescriptor `json:"tool"`
}

// QualifiedName returns the provider-qualified tool name.
func (e CatalogEntry) QualifiedName() string {
	return QualifiedToolName(e.Provider, e.Tool.Name)
}

// QualifiedToolNameSeparator joins provider and tool names.
const QualifiedToolNameSeparator = "__"

// QualifiedToolName joins a provider and tool name.
func QualifiedToolName(provider, tool string) string {
	return provider + QualifiedToolNameSeparator + tool
}

// ToolCall represents a model's request to invoke a tool.
// A ToolCall is never mutated after it is created.
type ToolCall struct {
	ID        string     `json:"id"`
	ToolName  string     `json:"name"`
	Arguments *Arguments `json:"arguments"`
}

// ResultKind names a ToolCallResult variant.
type ResultKind string

const (
	ResultSuccess          ResultKind = "success"
	ResultNoSuchTool       ResultKind = "no_such_tool"
	ResultNotAllowed       ResultKind = "not_allowed"
	ResultExecutionFailure ResultKind = "execution_failure"
)

// ToolCallResult is the terminal outcome of one tool call. The set of
// implementations is closed: Success, NoSuchTool, NotAllowed and
// ExecutionFailure.
type ToolCallResult interface {
	Kind() ResultKind
	isToolCallResult()
}

// Success carries the text produced by the tool.
type Success struct {
	Text string
}

// NoSuchTool means the call named a tool absent from the catalog.
type NoSuchTool struct {
	Name string
}

// NotAllowed means the user rejected the call during vetting.
type NotAllowed struct{}

// ExecutionFailure means the provider failed or reported an error.
type ExecutionFailure struct {
	Reason string
}

func (Success) Kind() ResultKind          { return ResultSuccess }
func (NoSuchTool) Kind() ResultKind       { return ResultNoSuchTool }
func (NotAllowed) Kind() ResultKind       { return ResultNotAllowed }
func (ExecutionFailure) Kind() ResultKind { return ResultExecutionFailure }

func (Success) isToolCallResult()          {}
func (NoSuchTool) isToolCallResult()       {}
func (NotAllowed) isToolCallResult()       {}
func (ExecutionFailure) isToolCallResult() {}

// RenderResult converts a result into the text of a tool-role message.
// Failures are rendered as ordinary text so the model can adapt.
func RenderResult(r ToolCallResult) string {
	switch v := r.(type) {
	case Success:
		return v.Text
	case NoSuchTool:
		return fmt.Sprintf("Error: there is no tool named %q.", v.Name)
	case NotAllowed:
		return "Error: the user did not allow this tool call."
	case ExecutionFailure:
		return "Error: " + v.Reason
	default:
		return fmt.Sprintf("Error: unexpected tool result %T.", r)
	}
}
