package config

import (
	"encoding/json"
	"reflect"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
)

// SchemaID identifies the published config schema.
const SchemaID = "https://github.com/haasonsaas/conductor/schemas/config.json"

var (
	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error
)

// durationPattern matches Go duration strings such as 30s, 1m30s or 250ms.
const durationPattern = `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`

// JSONSchema returns the JSON Schema for conductor config files, as
// served by `conductor config schema`. Durations are described as strings
// because that is how they are written in YAML.
func JSONSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			FieldNameTag:   "yaml",
			DoNotReference: true,
			Mapper:         mapDuration,
		}
		schema := r.Reflect(&Config{})
		schema.ID = SchemaID
		schema.Title = "conductor configuration"
		schema.Description = "Model provider, agent loop, tool approval and tool server settings for conductor."
		schemaJSON, schemaErr = json.MarshalIndent(schema, "", "  ")
	})
	return schemaJSON, schemaErr
}

func mapDuration(t reflect.Type) *jsonschema.Schema {
	if t != reflect.TypeOf(time.Duration(0)) {
		return nil
	}
	return &jsonschema.Schema{
		Type:        "string",
		Pattern:     durationPattern,
		Description: "Duration such as 30s or 5m.",
	}
}
