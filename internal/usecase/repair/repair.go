// Package repair recovers structured tool calls from model output that
// describes them as plain text.
//
// Two strategies are tried in order: a lenient JSON object of the form
// {"name": tool, "parameters": {...}}, and a bracketed list of Python-like
// call expressions such as [search(query="go", limit=3)]. Every call must
// name a known tool; otherwise nothing is repaired.
package repair

import (
	"fmt"
	"strconv"
	"strings"

	"konvo/internal/domain"
)

// Repair turns rawText into tool calls. ok is false when the text is not a
// recognizable tool call; the caller then keeps it as a plain message.
func Repair(rawText string, known map[string]struct{}) ([]domain.ToolCall, bool) {
	text := stripFences(rawText)
	if text == "" {
		return nil, false
	}
	if calls, err := repairLenientJSON(text, known); err == nil {
		return calls, true
	}
	if calls, err := repairCallExpressions(text, known); err == nil {
		return calls, true
	}
	return nil, false
}

func repairLenientJSON(text string, known map[string]struct{}) ([]domain.ToolCall, error) {
	call, err := parseLenientJSON(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRepairFailed, err)
	}
	return buildCalls([]parsedCall{call}, known)
}

func repairCallExpressions(text string, known map[string]struct{}) ([]domain.ToolCall, error) {
	parsed, err := parseCalls(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRepairFailed, err)
	}
	return buildCalls(parsed, known)
}

func buildCalls(parsed []parsedCall, known map[string]struct{}) ([]domain.ToolCall, error) {
	if len(parsed) == 0 {
		return nil, fmt.Errorf("%w: no calls", domain.ErrRepairFailed)
	}
	calls := make([]domain.ToolCall, 0, len(parsed))
	for i, p := range parsed {
		if _, ok := known[p.name]; !ok {
			return nil, fmt.Errorf("%w: unknown tool %q", domain.ErrRepairFailed, p.name)
		}
		calls = append(calls, domain.ToolCall{
			ID:        CallID(p.name, p.args, i),
			ToolName:  p.name,
			Arguments: p.args,
		})
	}
	return calls, nil
}

// Normalize fills in missing IDs and argument objects of structured calls
// returned by a provider. A call keeps its ID unless an earlier call of
// the same response already used it; missing and repeated IDs are
// replaced with the deterministic ID of the call.
func Normalize(calls []domain.ToolCall) []domain.ToolCall {
	out := make([]domain.ToolCall, len(calls))
	seen := make(map[string]struct{}, len(calls))
	for i, c := range calls {
		if c.Arguments == nil {
			c.Arguments = domain.NewArguments()
		}
		if _, dup := seen[c.ID]; c.ID == "" || dup {
			c.ID = uniqueID(CallID(c.ToolName, c.Arguments, i), seen)
		}
		seen[c.ID] = struct{}{}
		out[i] = c
	}
	return out
}

// uniqueID returns id, or id with a numeric suffix when a provider
// already sent that exact ID for another call.
func uniqueID(id string, seen map[string]struct{}) string {
	if _, taken := seen[id]; !taken {
		return id
	}
	for n := 2; ; n++ {
		candidate := id + "_" + strconv.Itoa(n)
		if _, taken := seen[candidate]; !taken {
			return candidate
		}
	}
}

// stripFences removes surrounding whitespace and a single Markdown code
// fence, with or without a language tag.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	body := strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		tag := strings.TrimSpace(body[:nl])
		if !strings.ContainsAny(tag, "{[(") {
			body = body[nl+1:]
		}
	}
	body = strings.TrimSuffix(strings.TrimSpace(body), "```")
	return strings.TrimSpace(body)
}
