package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// probeResultSchema is the contract every probe result document must meet
// before the engine will accept it. Anything else is the
// "did not return a well-formed result" failure mode.
const probeResultSchema = `{
  "type": "object",
  "required": ["ok"],
  "properties": {
    "ok": {"type": "boolean"},
    "duration_ms": {"type": "integer", "minimum": 0},
    "response_preview": {"type": "string"},
    "tool_invoked": {"type": "boolean"},
    "tool_errored": {"type": "boolean"},
    "tool_command_preview": {"type": "string"},
    "tool_output_preview": {"type": "string"},
    "final_answer_preview": {"type": "string"},
    "error": {
      "type": "object",
      "required": ["type", "message"],
      "properties": {
        "type": {"type": "string"},
        "message": {"type": "string"},
        "status": {"type": "integer"}
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("probe_result.json", strings.NewReader(probeResultSchema)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("probe_result.json")
	})
	return schema, schemaErr
}

func validateProbeResult(doc []byte) error {
	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile probe result schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("result document violates probe contract: %w", err)
	}
	return nil
}
