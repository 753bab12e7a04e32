package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Config is a plugin's validated configuration.
// Values are int64, float64, string, or bool according to the schema.
type Config map[string]any

// Int returns an int field.
func (c Config) Int(key string) (int64, bool) {
	v, ok := c[key].(int64)
	return v, ok
}

// String returns a string field.
func (c Config) String(key string) (string, bool) {
	v, ok := c[key].(string)
	return v, ok
}

// Bool returns a bool field.
func (c Config) Bool(key string) (bool, bool) {
	v, ok := c[key].(bool)
	return v, ok
}

// Float returns a float field.
func (c Config) Float(key string) (float64, bool) {
	v, ok := c[key].(float64)
	return v, ok
}

// Decode copies the config into a struct using its json tags.
func (c Config) Decode(v any) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// jsonTypes maps config_schema tags to JSON Schema types.
var jsonTypes = map[ConfigType]string{
	ConfigInt:   "integer",
	ConfigStr:   "string",
	ConfigBool:  "boolean",
	ConfigFloat: "number",
}

// BuildConfig validates raw against schema and returns the typed config.
//
// It returns nil when the plugin declares no schema or no raw config was
// supplied. Every schema field is required; fields outside the schema are
// dropped.
func BuildConfig(plugin string, schema map[string]ConfigType, raw map[string]any) (Config, error) {
	if len(schema) == 0 || raw == nil {
		return nil, nil
	}

	sch, err := compileConfigSchema(plugin, schema)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConfigInvalid, plugin, err)
	}

	inst, err := toJSONValue(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConfigInvalid, plugin, err)
	}
	if err := sch.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConfigInvalid, plugin, err)
	}

	values := inst.(map[string]any)
	cfg := make(Config, len(schema))
	for field, typ := range schema {
		v, err := normalizeConfigValue(typ, values[field])
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %w", ErrConfigInvalid, plugin, field, err)
		}
		cfg[field] = v
	}
	return cfg, nil
}

// compileConfigSchema turns a config_schema into a compiled JSON Schema.
func compileConfigSchema(plugin string, schema map[string]ConfigType) (*jsonschema.Schema, error) {
	fields := make([]string, 0, len(schema))
	props := make(map[string]any, len(schema))
	for field, typ := range schema {
		jt, ok := jsonTypes[typ]
		if !ok {
			return nil, fmt.Errorf("%w: %s has type %q", ErrInvalidConfigType, field, typ)
		}
		props[field] = map[string]any{"type": jt}
		fields = append(fields, field)
	}
	slices.Sort(fields)

	doc := map[string]any{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"properties": props,
		"required":   fields,
	}
	return compileSchemaDoc("mem://axon/config/"+plugin+".json", doc)
}

// compileSchemaDoc compiles a schema document held in memory.
func compileSchemaDoc(url string, doc any) (*jsonschema.Schema, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return compileSchemaJSON(url, data)
}

// compileSchemaJSON compiles an encoded schema.
func compileSchemaJSON(url string, data []byte) (*jsonschema.Schema, error) {
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, parsed); err != nil {
		return nil, fmt.Errorf("adding schema resource: %w", err)
	}
	return c.Compile(url)
}

// toJSONValue converts v into the generic form the validator expects.
func toJSONValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(data))
}

// normalizeConfigValue converts a validated JSON value to its Go type.
func normalizeConfigValue(typ ConfigType, v any) (any, error) {
	switch typ {
	case ConfigStr, ConfigBool:
		return v, nil
	case ConfigInt:
		n, ok := v.(json.Number)
		if !ok {
			return nil, fmt.Errorf("expected number, got %T", v)
		}
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return nil, err
		}
		// float64(math.MaxInt64) rounds up to 2^63.
		if f < math.MinInt64 || f >= math.MaxInt64 {
			return nil, fmt.Errorf("%s out of int64 range", n)
		}
		return int64(f), nil
	case ConfigFloat:
		n, ok := v.(json.Number)
		if !ok {
			return nil, fmt.Errorf("expected number, got %T", v)
		}
		return n.Float64()
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidConfigType, typ)
	}
}
