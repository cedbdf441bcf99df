package repair

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dlclark/regexp2"
	"github.com/tidwall/jsonc"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"konvo/internal/domain"
)

// bareNameValue matches an unquoted identifier used as a "name" value.
var bareNameValue = regexp2.MustCompile(
	`("name"\s*:\s*)(?!(?:true|false|null)\b)([A-Za-z_][A-Za-z0-9_.\-]*)(?=\s*[,}])`,
	regexp2.None,
)

// argumentKeys are the envelope keys that carry the argument object.
var argumentKeys = []string{"parameters", "arguments"}

// parseLenientJSON decodes one {"name": ..., ...} object. Comments,
// trailing commas and a bare identifier name are tolerated.
func parseLenientJSON(text string) (parsedCall, error) {
	if !strings.HasPrefix(text, "{") || !strings.HasSuffix(text, "}") {
		return parsedCall{}, fmt.Errorf("not a JSON object")
	}
	clean, err := quoteBareName(string(jsonc.ToJSON([]byte(text))))
	if err != nil {
		return parsedCall{}, err
	}

	fields := orderedmap.New[string, json.RawMessage]()
	if err := json.Unmarshal([]byte(clean), fields); err != nil {
		return parsedCall{}, err
	}

	rawName, ok := fields.Get("name")
	if !ok {
		return parsedCall{}, fmt.Errorf("missing name")
	}
	var name string
	if err := json.Unmarshal(rawName, &name); err != nil || name == "" {
		return parsedCall{}, fmt.Errorf("name must be a non-empty string")
	}

	for _, key := range argumentKeys {
		if raw, ok := fields.Get(key); ok {
			args, err := decodeArgumentObject(raw)
			if err != nil {
				return parsedCall{}, fmt.Errorf("%s: %w", key, err)
			}
			return parsedCall{name: name, args: args}, nil
		}
	}

	args := domain.NewArguments()
	for pair := fields.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Key == "name" {
			continue
		}
		v, err := domain.DecodeValue(pair.Value)
		if err != nil {
			return parsedCall{}, err
		}
		args.Set(pair.Key, v)
	}
	return parsedCall{name: name, args: args}, nil
}

// quoteBareName quotes an identifier given as the value of the envelope's
// own "name" key. Keys nested in the arguments are left alone.
func quoteBareName(text string) (string, error) {
	runes := []rune(text)
	var b strings.Builder
	last := 0
	m, err := bareNameValue.FindRunesMatch(runes)
	for ; m != nil && err == nil; m, err = bareNameValue.FindNextMatch(m) {
		if !topLevel(runes, m.Index) {
			continue
		}
		value := m.GroupByNumber(2)
		b.WriteString(string(runes[last:value.Index]))
		b.WriteString(`"` + value.String() + `"`)
		last = value.Index + value.Length
	}
	if err != nil {
		return "", err
	}
	b.WriteString(string(runes[last:]))
	return b.String(), nil
}

// topLevel reports whether position pos of a JSON text sits directly in
// the outermost object and outside any string.
func topLevel(runes []rune, pos int) bool {
	depth := 0
	inString, escaped := false, false
	for _, r := range runes[:pos] {
		switch {
		case escaped:
			escaped = false
		case inString && r == '\\':
			escaped = true
		case r == '"':
			inString = !inString
		case inString:
		case r == '{' || r == '[':
			depth++
		case r == '}' || r == ']':
			depth--
		}
	}
	return !inString && depth == 1
}

// decodeArgumentObject accepts an object, null, or a string holding an
// encoded object.
func decodeArgumentObject(raw json.RawMessage) (*domain.Arguments, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return nil, err
		}
		trimmed = jsonc.ToJSON([]byte(inner))
	}
	return domain.ArgumentsFromJSON(trimmed)
}
