package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

const submitSchemaFile = "schemas/submit.schema.json"

//go:embed schemas/*.json
var schemaFS embed.FS

// ValidationError reports a payload that does not satisfy its schema.
type ValidationError struct {
	Schema string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema validation failed: %v", e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidationError reports whether err carries a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validator is a compiled JSON schema safe for concurrent use.
type Validator struct {
	id       string
	compiled *jsonschema.Schema
}

// Compile compiles a JSON schema payload under the given id.
func Compile(id string, schema []byte) (*Validator, error) {
	if len(schema) == 0 {
		return nil, fmt.Errorf("schema is empty")
	}
	resourceID := schemaID(id)
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceID, bytes.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(resourceID)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Validator{id: id, compiled: compiled}, nil
}

// Validate checks value against the compiled schema. Raw JSON is decoded first.
func (v *Validator) Validate(value any) error {
	payload, err := normalizeValue(value)
	if err != nil {
		return &ValidationError{Schema: v.id, Err: err}
	}
	if err := v.compiled.Validate(payload); err != nil {
		return &ValidationError{Schema: v.id, Err: err}
	}
	return nil
}

// ValidateSchema validates a value against a JSON schema payload.
func ValidateSchema(id string, schema []byte, value any) error {
	v, err := Compile(id, schema)
	if err != nil {
		return err
	}
	return v.Validate(value)
}

var (
	submitOnce      sync.Once
	submitValidator *Validator
	submitErr       error
)

// Submit returns the validator for job submission requests.
func Submit() (*Validator, error) {
	submitOnce.Do(func() {
		data, err := schemaFS.ReadFile(submitSchemaFile)
		if err != nil {
			submitErr = fmt.Errorf("read submit schema: %w", err)
			return
		}
		submitValidator, submitErr = Compile("submit", data)
	})
	return submitValidator, submitErr
}

// ValidateSubmit validates a raw submit request body.
func ValidateSubmit(body []byte) error {
	v, err := Submit()
	if err != nil {
		return err
	}
	return v.Validate(body)
}

func normalizeValue(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return decodeJSON(v)
	case []byte:
		return decodeJSON(v)
	default:
		return value, nil
	}
}

func decodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

func schemaID(id string) string {
	if id == "" {
		id = "schema"
	}
	return "inmemory://" + id
}
