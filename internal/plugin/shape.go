package plugin

import (
	"encoding/json"
	"fmt"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// shapeReflector builds inline schemas from Go prototypes.
var shapeReflector = &invopop.Reflector{
	Anonymous:      true,
	DoNotReference: true,
}

// compileShape reflects proto into a JSON Schema and compiles it.
// A nil proto means the plugin declares no shape.
func compileShape(plugin, kind string, proto any) (*jsonschema.Schema, error) {
	if proto == nil {
		return nil, nil
	}

	data, err := shapeReflector.Reflect(proto).MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("reflecting %s shape: %w", kind, err)
	}
	sch, err := compileSchemaJSON(fmt.Sprintf("mem://axon/shape/%s/%s.json", plugin, kind), data)
	if err != nil {
		return nil, fmt.Errorf("compiling %s shape: %w", kind, err)
	}
	return sch, nil
}

// validateShape checks v against sch. A nil schema accepts anything.
func validateShape(sch *jsonschema.Schema, v any) error {
	if sch == nil {
		return nil
	}
	inst, err := toJSONValue(v)
	if err != nil {
		return err
	}
	return sch.Validate(inst)
}

// DecodeInput converts input to T through its JSON form. Inputs usually
// arrive as generic maps; a value that already is a T is returned as is.
func DecodeInput[T any](input any) (T, error) {
	var out T
	switch v := input.(type) {
	case T:
		return v, nil
	case *T:
		if v != nil {
			return *v, nil
		}
	}

	data, err := json.Marshal(input)
	if err != nil {
		return out, fmt.Errorf("%w: %w", ErrInputInvalid, err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("%w: %w", ErrInputInvalid, err)
	}
	return out, nil
}
