package enginestream

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// eventSchemaJSON is the union of recognized event variants. Unknown
// additional properties are allowed so engine upgrades do not break parsing;
// an unknown "type" fails validation and the line is preserved as text.
const eventSchemaJSON = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {
      "enum": ["step_start", "step_finish", "text", "error", "tool_use", "result"]
    }
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"const": "tool_use"}}},
      "then": {"properties": {"name": {"type": "string"}, "input": {"type": "object"}}}
    },
    {
      "if": {"properties": {"type": {"const": "text"}}},
      "then": {"properties": {"text": {"type": "string"}}}
    },
    {
      "if": {"properties": {"type": {"const": "result"}}},
      "then": {
        "properties": {
          "usage": {
            "type": "object",
            "properties": {
              "input_tokens": {"type": "integer"},
              "output_tokens": {"type": "integer"}
            }
          }
        }
      }
    },
    {
      "if": {"properties": {"type": {"const": "step_finish"}}},
      "then": {
        "properties": {
          "part": {"type": "object"}
        }
      }
    }
  ]
}`

var eventSchema = mustCompileEventSchema()

func mustCompileEventSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("engine-event.json", strings.NewReader(eventSchemaJSON)); err != nil {
		panic(err)
	}
	schema, err := c.Compile("engine-event.json")
	if err != nil {
		panic(err)
	}
	return schema
}
