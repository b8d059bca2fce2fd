package brain

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// turnOutputSchema is a defense-in-depth structural check ahead of the
// hand-rolled sanitizer: a parsed brain response that fails it is
// treated like unparseable JSON (a malformed turn with reason
// "invalid_json") and never reaches sanitize.
const turnOutputSchemaJSON = `{
	"type": "object",
	"properties": {
		"summary": {"type": "string"},
		"nextActions": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"type": {"type": "string"},
					"params": {"type": "object"},
					"reason": {"type": "string"}
				},
				"required": ["type"]
			}
		},
		"memoryWrites": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"key": {"type": "string"},
					"value": {"type": "string"},
					"confidence": {"type": "number"}
				},
				"required": ["key"]
			}
		},
		"sleepMs": {"type": "number"}
	}
}`

var compiledTurnOutputSchema *jsonschema.Schema

func init() {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(turnOutputSchemaJSON))
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("turn_output.json", doc); err != nil {
		panic(err)
	}
	schema, err := compiler.Compile("turn_output.json")
	if err != nil {
		panic(err)
	}
	compiledTurnOutputSchema = schema
}

// validateStructure reports whether parsed conforms to the expected
// brain-output shape. GenerateTurn returns a malformed output with
// reason "invalid_json" when it reports false.
func validateStructure(parsed map[string]any) bool {
	return compiledTurnOutputSchema.Validate(parsed) == nil
}
