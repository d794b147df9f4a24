package amppcontrol

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/axm06051/AmppControlSdk-0.9.32/errors"
)

// ValidatePayload checks a command payload against the command's published
// JSON schema before it is sent. A command with no schema, or the empty "{}"
// schema, accepts any payload.
func (c *Client) ValidatePayload(ctx context.Context, applicationType, command string, payload any) error {
	schema, err := c.ControlSchema(ctx, applicationType, command)
	if err != nil {
		return err
	}
	return ValidateAgainstSchema(schema, payload)
}

// ValidateAgainstSchema checks a payload against a raw JSON schema document.
func ValidateAgainstSchema(schema string, payload any) error {
	trimmed := strings.TrimSpace(schema)
	if trimmed == "" || trimmed == "{}" {
		return nil
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return errors.WrapInvalid(err, "Client", "ValidateAgainstSchema", "encode payload")
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(trimmed),
		gojsonschema.NewBytesLoader(encoded))
	if err != nil {
		return errors.WrapInvalid(err, "Client", "ValidateAgainstSchema", "compile schema")
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return errors.WrapInvalid(
			fmt.Errorf("payload rejected by schema: %s", strings.Join(details, "; ")),
			"Client", "ValidateAgainstSchema", "validate payload")
	}
	return nil
}
