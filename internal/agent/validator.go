package agent

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ArgumentValidator checks final call arguments against the function's
// input schema. Compiled schemas are cached by content hash.
type ArgumentValidator struct {
	mu    sync.Mutex
	cache map[string]*jsonschema.Schema
}

// NewArgumentValidator creates a validator with an empty cache.
func NewArgumentValidator() *ArgumentValidator {
	return &ArgumentValidator{cache: make(map[string]*jsonschema.Schema)}
}

// Validate returns an error when args violate schema. An empty schema
// accepts anything; an uncompilable schema is skipped rather than
// blocking the call.
func (v *ArgumentValidator) Validate(name string, schema, args json.RawMessage) error {
	if len(bytes.TrimSpace(schema)) == 0 {
		return nil
	}
	compiled := v.compile(name, schema)
	if compiled == nil {
		return nil
	}

	var payload any
	if len(args) == 0 {
		payload = map[string]any{}
	} else {
		dec := json.NewDecoder(bytes.NewReader(args))
		dec.UseNumber()
		if err := dec.Decode(&payload); err != nil {
			return fmt.Errorf("invalid arguments: %w", err)
		}
	}
	if err := compiled.Validate(payload); err != nil {
		return fmt.Errorf("invalid arguments for %s: %w", name, err)
	}
	return nil
}

func (v *ArgumentValidator) compile(name string, schema json.RawMessage) *jsonschema.Schema {
	sum := sha256.Sum256(schema)
	key := hex.EncodeToString(sum[:])

	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.cache[key]; ok {
		return s
	}
	s, err := jsonschema.CompileString("tool_"+key[:12]+".json", string(schema))
	if err != nil {
		s = nil
	}
	v.cache[key] = s
	return s
}
