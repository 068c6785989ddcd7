package tools

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// compileSchema compiles a tool's argument schema at registration time so
// dispatch only pays for validation. A tool without a schema gets a nil
// validator and skips validation entirely.
func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	schema, err := jsonschema.CompileString("tool_"+name, string(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return schema, nil
}

// validateArgs checks the raw call arguments against the compiled schema.
// Missing arguments validate as an empty object so tools without required
// fields accept bare calls.
func validateArgs(schema *jsonschema.Schema, args json.RawMessage) error {
	var doc any = map[string]any{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &doc); err != nil {
			return err
		}
	}
	return schema.Validate(doc)
}
