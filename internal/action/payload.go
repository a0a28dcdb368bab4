package action

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/modulus/model"
)

// compileSchema reads an action's payloadSchema as an OpenAPI schema object.
func compileSchema(raw model.Value) (*openapi3.Schema, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var schema openapi3.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("payload schema: %w", err)
	}
	return &schema, nil
}

// checkPayload validates payload against schema and returns one FieldError
// per violation.
func checkPayload(schema *openapi3.Schema, payload model.Value) []model.FieldError {
	err := schema.VisitJSON(payload.Any(), openapi3.MultiErrors())
	if err == nil {
		return nil
	}

	var errs []error
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		errs = flatten(multi)
	} else {
		errs = []error{err}
	}

	out := make([]model.FieldError, 0, len(errs))
	for _, e := range errs {
		out = append(out, fieldError(e))
	}
	return out
}

func flatten(multi openapi3.MultiError) []error {
	var out []error
	for _, e := range multi {
		var nested openapi3.MultiError
		if errors.As(e, &nested) {
			out = append(out, flatten(nested)...)
			continue
		}
		out = append(out, e)
	}
	return out
}

func fieldError(err error) model.FieldError {
	var se *openapi3.SchemaError
	if !errors.As(err, &se) {
		return model.FieldError{Code: "INVALID", Message: err.Error()}
	}
	code := "INVALID"
	if se.SchemaField != "" {
		code = strings.ToUpper(se.SchemaField)
	}
	return model.FieldError{
		Field:   strings.Join(se.JSONPointer(), "."),
		Code:    code,
		Message: se.Reason,
	}
}
