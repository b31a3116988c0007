package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/skamble7/renova/internal/canonical"
)

// validatorPool compiles and caches JSON-Schema validators. Cache keys are
// kind@version#sha256(canonical(schema)) so a schema edit under the same
// version never serves a stale validator; the whole pool is cleared when
// the registry ETag moves.
type validatorPool struct {
	mu       sync.Mutex
	cache    map[string]*jsonschema.Schema
	broken   map[string]bool // compile failures already logged
	logger   *zap.Logger
}

func newValidatorPool(logger *zap.Logger) *validatorPool {
	return &validatorPool{
		cache:  make(map[string]*jsonschema.Schema),
		broken: make(map[string]bool),
		logger: logger,
	}
}

// clear drops every compiled validator. Called on ETag change.
func (p *validatorPool) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache = make(map[string]*jsonschema.Schema)
	p.broken = make(map[string]bool)
}

// get returns the compiled validator for the entry, compiling on miss.
// A schema that fails to compile degrades to nil (no-op validation) and
// logs once per cache generation.
func (p *validatorPool) get(kindID string, entry *SchemaVersion) (*jsonschema.Schema, error) {
	schemaFP, err := canonical.Fingerprint(entry.JSONSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint schema for %s@%s: %w", kindID, entry.Version, err)
	}
	key := fmt.Sprintf("%s@%s#%s", kindID, entry.Version, schemaFP)

	p.mu.Lock()
	defer p.mu.Unlock()

	if sch, ok := p.cache[key]; ok {
		return sch, nil
	}
	if p.broken[key] {
		return nil, nil
	}

	sch, err := compileSchema(kindID, entry)
	if err != nil {
		p.broken[key] = true
		p.logger.Warn("schema failed to compile, validation degraded to no-op",
			zap.String("kind", kindID),
			zap.String("version", entry.Version),
			zap.Error(err))
		return nil, nil
	}
	p.cache[key] = sch
	return sch, nil
}

func compileSchema(kindID string, entry *SchemaVersion) (*jsonschema.Schema, error) {
	schema := deepCopyMap(entry.JSONSchema)
	if schema == nil {
		return nil, fmt.Errorf("empty schema")
	}
	if entry.AdditionalPropsPolicy == PropsForbid {
		if _, ok := schema["additionalProperties"]; !ok {
			schema["additionalProperties"] = false
		}
	}

	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("renova://kinds/%s/%s.json", kindID, entry.Version)
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return compiler.Compile(url)
}

// validate checks data against the compiled schema and converts the first
// violation into a SchemaValidationError.
func (p *validatorPool) validate(kindID string, entry *SchemaVersion, data map[string]interface{}) error {
	sch, err := p.get(kindID, entry)
	if err != nil {
		return err
	}
	if sch == nil {
		// Degraded mode: schema did not compile.
		return nil
	}

	// Round-trip to plain interface{} values the validator understands.
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}
	var instance interface{}
	if err := json.Unmarshal(raw, &instance); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}

	if err := sch.Validate(instance); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			leaf := firstLeaf(ve)
			return &SchemaValidationError{
				Kind:    kindID,
				Version: entry.Version,
				Pointer: leaf.InstanceLocation,
				Message: leaf.Message,
			}
		}
		return &SchemaValidationError{Kind: kindID, Version: entry.Version, Message: err.Error()}
	}
	return nil
}

// firstLeaf walks to the deepest first cause, which carries the most
// specific instance location.
func firstLeaf(ve *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve
}
