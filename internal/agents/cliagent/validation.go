package cliagent

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/oac-sh/oac/internal/agents"
)

// resultValidator checks the final agent result against a JSON schema so
// malformed tool output fails loudly instead of flowing downstream.
type resultValidator struct {
	schema *jsonschema.Schema
}

func newResultValidator(schemaPath string) (*resultValidator, error) {
	absPath, err := filepath.Abs(schemaPath)
	if err != nil {
		return nil, fmt.Errorf("invalid schema path: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	schema, err := compiler.Compile(absPath)
	if err != nil {
		return nil, fmt.Errorf("compile result schema: %w", err)
	}
	return &resultValidator{schema: schema}, nil
}

func (v *resultValidator) validate(result *agents.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	var obj any
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("unmarshal result: %w", err)
	}
	if err := v.schema.Validate(obj); err != nil {
		return fmt.Errorf("result schema validation: %w", err)
	}
	return nil
}
