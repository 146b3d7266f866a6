package agent

import (
	"encoding/json"
	"fmt"
)

// Default names of the trusted parameters a function may declare.
const (
	DefaultActingUserParam = "acting_user"
	DefaultCatalogParam    = "tool_catalog"
)

// InjectionConfig names the trusted parameters.
type InjectionConfig struct {
	ActingUserParam string `yaml:"acting_user_param" json:"acting_user_param"`
	CatalogParam    string `yaml:"catalog_param" json:"catalog_param"`
}

// DefaultInjectionConfig returns the default parameter names.
func DefaultInjectionConfig() InjectionConfig {
	return InjectionConfig{
		ActingUserParam: DefaultActingUserParam,
		CatalogParam:    DefaultCatalogParam,
	}
}

func (c InjectionConfig) normalized() InjectionConfig {
	if c.ActingUserParam == "" {
		c.ActingUserParam = DefaultActingUserParam
	}
	if c.CatalogParam == "" {
		c.CatalogParam = DefaultCatalogParam
	}
	return c
}

// Injector overwrites trusted parameters in call arguments. A parameter is
// only touched when the function's input schema declares it, and any value
// supplied by the model or an editing user is discarded.
type Injector struct {
	cfg InjectionConfig
}

// NewInjector creates an injector. Empty names fall back to the defaults.
func NewInjector(cfg InjectionConfig) *Injector {
	return &Injector{cfg: cfg.normalized()}
}

// Params returns the configured parameter names.
func (i *Injector) Params() InjectionConfig {
	return i.cfg
}

type schemaProperties struct {
	Properties map[string]struct {
		Type any `json:"type"`
	} `json:"properties"`
}

// declaredParams returns declared property names mapped to whether their
// type is exactly "string".
func declaredParams(schema json.RawMessage) map[string]bool {
	if len(schema) == 0 {
		return nil
	}
	var s schemaProperties
	if err := json.Unmarshal(schema, &s); err != nil {
		return nil
	}
	out := make(map[string]bool, len(s.Properties))
	for name, prop := range s.Properties {
		t, _ := prop.Type.(string)
		out[name] = t == "string"
	}
	return out
}

// Inject returns args with the trusted parameters set. catalog is only
// called when the schema declares the catalog parameter.
func (i *Injector) Inject(args, schema json.RawMessage, identity Identity, catalog func() []CatalogEntry) (json.RawMessage, error) {
	obj, err := decodeArgs(args)
	if err != nil {
		return nil, err
	}
	declared := declaredParams(schema)
	if len(declared) == 0 {
		return encodeArgs(obj)
	}

	if isString, ok := declared[i.cfg.ActingUserParam]; ok {
		if isString {
			obj[i.cfg.ActingUserParam] = identity.Handle()
		} else {
			v, err := injectedValue(identity, false)
			if err != nil {
				return nil, err
			}
			obj[i.cfg.ActingUserParam] = v
		}
	}
	if isString, ok := declared[i.cfg.CatalogParam]; ok {
		var entries []CatalogEntry
		if catalog != nil {
			entries = catalog()
		}
		if entries == nil {
			entries = []CatalogEntry{}
		}
		v, err := injectedValue(entries, isString)
		if err != nil {
			return nil, err
		}
		obj[i.cfg.CatalogParam] = v
	}
	return encodeArgs(obj)
}

// ModelFacingSchema removes the trusted parameters from a schema so the
// model never sees or fills them.
func (i *Injector) ModelFacingSchema(schema json.RawMessage) json.RawMessage {
	if len(schema) == 0 {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	var s map[string]any
	if err := json.Unmarshal(schema, &s); err != nil {
		return schema
	}
	props, _ := s["properties"].(map[string]any)
	_, hasUser := props[i.cfg.ActingUserParam]
	_, hasCatalog := props[i.cfg.CatalogParam]
	if !hasUser && !hasCatalog {
		return schema
	}
	delete(props, i.cfg.ActingUserParam)
	delete(props, i.cfg.CatalogParam)
	if req, ok := s["required"].([]any); ok {
		kept := make([]any, 0, len(req))
		for _, r := range req {
			if name, _ := r.(string); name == i.cfg.ActingUserParam || name == i.cfg.CatalogParam {
				continue
			}
			kept = append(kept, r)
		}
		s["required"] = kept
	}
	out, err := json.Marshal(s)
	if err != nil {
		return schema
	}
	return out
}

func injectedValue(v any, asString bool) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode injected value: %w", err)
	}
	if asString {
		return string(raw), nil
	}
	return json.RawMessage(raw), nil
}

func decodeArgs(args json.RawMessage) (map[string]any, error) {
	obj := map[string]any{}
	if len(args) == 0 || string(args) == "null" {
		return obj, nil
	}
	if err := json.Unmarshal(args, &obj); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
	}
	if obj == nil {
		obj = map[string]any{}
	}
	return obj, nil
}

func encodeArgs(obj map[string]any) (json.RawMessage, error) {
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}
	return out, nil
}
