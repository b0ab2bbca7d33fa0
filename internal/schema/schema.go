// Package schema validates third-party JSON responses against a JSON Schema
// before any field is trusted.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrUnexpectedShape is returned when a body is not JSON or does not match its schema.
var ErrUnexpectedShape = errors.New("unexpected response shape")

// Validator checks documents against one compiled schema
type Validator struct {
	name   string
	schema *jsonschema.Schema
}

// Compile builds a Validator from a schema document.
func Compile(name, src string) (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", name, err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	sch, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}

	return &Validator{name: name, schema: sch}, nil
}

// MustCompile is Compile for package-level schemas known at build time.
func MustCompile(name, src string) *Validator {
	v, err := Compile(name, src)
	if err != nil {
		panic(err)
	}
	return v
}

// Decode validates body and, when it matches, unmarshals it into out.
func (v *Validator) Decode(body []byte, out any) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %s: invalid JSON: %v", ErrUnexpectedShape, v.name, err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnexpectedShape, v.name, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnexpectedShape, v.name, err)
	}
	return nil
}
