package orchestrator

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/maypok86/otter"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/zeebo/blake3"

	"konvo/internal/domain"
)

const schemaCacheSize = 512

// compiledSchema holds a nil schema when the provider's schema does not
// compile; such tools are invoked without validation.
type compiledSchema struct {
	schema *jsonschema.Schema
}

// schemaValidator checks call arguments against tool parameter schemas.
// Compiled schemas are cached by content hash.
type schemaValidator struct {
	cache  otter.Cache[string, compiledSchema]
	logger *slog.Logger
}

func newSchemaValidator(logger *slog.Logger) (*schemaValidator, error) {
	cache, err := otter.MustBuilder[string, compiledSchema](schemaCacheSize).Build()
	if err != nil {
		return nil, fmt.Errorf("build schema cache: %w", err)
	}
	return &schemaValidator{cache: cache, logger: logger}, nil
}

// Validate returns an ErrInvalidArguments error when args violate raw.
// A missing or unusable schema accepts any arguments.
func (v *schemaValidator) Validate(tool string, raw json.RawMessage, args *domain.Arguments) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	compiled := v.compile(tool, raw)
	if compiled.schema == nil {
		return nil
	}

	doc, err := domain.DecodeValue(domain.ArgumentsJSON(args))
	if err != nil {
		return domain.NewDomainError("Orchestrator.Validate", domain.ErrInvalidArguments, err.Error())
	}
	if err := compiled.schema.Validate(doc); err != nil {
		return domain.NewDomainError("Orchestrator.Validate", domain.ErrInvalidArguments,
			fmt.Sprintf("invalid arguments for %s: %v", tool, err))
	}
	return nil
}

func (v *schemaValidator) compile(tool string, raw json.RawMessage) compiledSchema {
	sum := blake3.Sum256(raw)
	key := hex.EncodeToString(sum[:])
	if c, ok := v.cache.Get(key); ok {
		return c
	}

	var c compiledSchema
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		v.logger.Debug("tool schema not usable", "tool", tool, "error", err)
	} else if s, err := compiler.Compile("schema.json"); err != nil {
		v.logger.Debug("tool schema does not compile", "tool", tool, "error", err)
	} else {
		c.schema = s
	}
	v.cache.Set(key, c)
	return c
}
