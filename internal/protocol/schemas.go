package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const submitSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type", "protocol_version", "requester_id", "text"],
  "properties": {
    "type": {"const": "SUBMIT"},
    "protocol_version": {"type": "string"},
    "requester_id": {"type": "string", "minLength": 1, "maxLength": 64},
    "text": {"type": "string", "minLength": 1, "maxLength": 8192},
    "priority": {"type": "integer", "minimum": 0, "maximum": 9}
  },
  "additionalProperties": false
}`

const cancelSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type", "protocol_version", "task_id"],
  "properties": {
    "type": {"const": "CANCEL"},
    "protocol_version": {"type": "string"},
    "task_id": {"type": "string", "minLength": 1, "maxLength": 64}
  },
  "additionalProperties": false
}`

var (
	submitSchema = jsonschema.MustCompileString("submit.schema.json", submitSchemaJSON)
	cancelSchema = jsonschema.MustCompileString("cancel.schema.json", cancelSchemaJSON)
)

// ValidateSubmit checks a raw SUBMIT frame against the wire schema before any
// field is trusted. Returns a decoded message on success.
func ValidateSubmit(raw []byte) (SubmitMsg, error) {
	var m SubmitMsg
	if err := validate(submitSchema, raw); err != nil {
		return m, err
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("%s: %w", ErrProtoBadRequest, err)
	}
	return m, nil
}

// ValidateCancel checks a raw CANCEL frame against the wire schema.
func ValidateCancel(raw []byte) (CancelMsg, error) {
	var m CancelMsg
	if err := validate(cancelSchema, raw); err != nil {
		return m, err
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("%s: %w", ErrProtoBadRequest, err)
	}
	return m, nil
}

func validate(s *jsonschema.Schema, raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("%s: %w", ErrProtoBadRequest, err)
	}
	if err := s.Validate(v); err != nil {
		// The validator error is multi-line; keep the first line for clients.
		msg := err.Error()
		if i := strings.IndexByte(msg, '\n'); i > 0 {
			msg = msg[:i]
		}
		return fmt.Errorf("%s: %s", ErrProtoBadRequest, msg)
	}
	return nil
}
