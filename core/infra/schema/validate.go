package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	compileMu sync.Mutex
	compiled  = map[string]*jsonschema.Schema{}
)

// Validate checks a value against a JSON schema document. Compiled schemas are
// cached by id, so repeated builder validations don't recompile.
func Validate(id string, schemaDoc []byte, value any) error {
	if len(schemaDoc) == 0 {
		return fmt.Errorf("schema is empty")
	}
	sch, err := compile(id, schemaDoc)
	if err != nil {
		return err
	}
	payload, err := normalizeValue(value)
	if err != nil {
		return fmt.Errorf("normalize payload: %w", err)
	}
	if err := sch.Validate(payload); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

func compile(id string, schemaDoc []byte) (*jsonschema.Schema, error) {
	resourceID := schemaID(id)
	cacheKey := resourceID + ":" + string(schemaDoc)

	compileMu.Lock()
	defer compileMu.Unlock()
	if sch, ok := compiled[cacheKey]; ok {
		return sch, nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceID, bytes.NewReader(schemaDoc)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := compiler.Compile(resourceID)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	compiled[cacheKey] = sch
	return sch, nil
}

func normalizeValue(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(v) == 0 {
			return nil, nil
		}
		var out any
		if err := json.Unmarshal(v, &out); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		return out, nil
	case []byte:
		var out any
		if err := json.Unmarshal(v, &out); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		return out, nil
	default:
		return value, nil
	}
}

// schemaID turns a caller-supplied id into a resource URL the compiler
// accepts. Ids may carry characters like ':' that would otherwise make the
// URL unparseable, so anything outside a safe set becomes a path separator.
func schemaID(id string) string {
	if id == "" {
		id = "schema"
	}
	id = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.', r == '/':
			return r
		default:
			return '/'
		}
	}, id)
	return "inmemory:///" + id
}
