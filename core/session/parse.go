package session

import (
	"encoding/json"
	"fmt"

	"github.com/filegram-io/filegram/core/infra/schema"
	"github.com/filegram-io/filegram/core/media"
)

// transformSchema constrains transform requests arriving as JSON before
// they reach the tagged-union dispatch.
const transformSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["kind"],
  "additionalProperties": false,
  "properties": {
    "kind": {
      "type": "string",
      "enum": ["screenshot", "random_screenshot", "clip", "watermark"]
    },
    "at_second": {"type": "integer", "minimum": 0},
    "start_second": {"type": "integer", "minimum": 0},
    "duration_seconds": {"type": "integer", "minimum": 1, "maximum": 60},
    "text": {"type": "string", "minLength": 1, "maxLength": 120}
  }
}`

// ParseSpec decodes and validates a JSON transform request.
func ParseSpec(data []byte) (media.Spec, error) {
	if err := schema.Validate("transform-request", []byte(transformSchema), json.RawMessage(data)); err != nil {
		return media.Spec{}, fmt.Errorf("invalid transform request: %w", err)
	}
	var spec media.Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return media.Spec{}, fmt.Errorf("decode transform request: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return media.Spec{}, err
	}
	return spec, nil
}
