package upload

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// receiptSchemaJSON is the contract a nominal 2xx response must satisfy.
// Anything weaker is treated as a rejected upload.
const receiptSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": [
    "id",
    "capture_time",
    "location",
    "orientation",
    "trust_score",
    "user_id",
    "storage_path",
    "verification_status"
  ],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "capture_time": {"type": "string", "minLength": 1},
    "location": {"type": "string"},
    "orientation": {"type": "string"},
    "trust_score": {"type": "number"},
    "user_id": {"type": "string", "minLength": 1},
    "storage_path": {"type": "string", "minLength": 1},
    "verification_status": {
      "type": "string",
      "enum": ["verified", "pending", "rejected"]
    }
  }
}`

var receiptSchema = mustCompileReceiptSchema()

func mustCompileReceiptSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("receipt.json", strings.NewReader(receiptSchemaJSON)); err != nil {
		panic(err)
	}
	return compiler.MustCompile("receipt.json")
}
