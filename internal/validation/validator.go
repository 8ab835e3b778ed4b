// Package validation checks metered-action payloads against per-feature JSON schemas.
package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrValidation can be used with errors.Is to detect validation failures (hard reject or soft flag).
var ErrValidation = errors.New("validation failed")

type Validator struct {
	inputSchemas  map[string]*jsonschema.Schema
	outputSchemas map[string]*jsonschema.Schema
}

// NewValidator loads all *.json files at the root of fsys and compiles
// input_schema and output_schema per feature. "image_generation.v1.json"
// registers feature "image_generation".
func NewValidator(fsys fs.FS) (*Validator, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read schema dir: %w", err)
	}
	inputSchemas := make(map[string]*jsonschema.Schema)
	outputSchemas := make(map[string]*jsonschema.Schema)

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		feature := strings.TrimSuffix(e.Name(), path.Ext(e.Name()))
		feature = strings.TrimSuffix(feature, ".v1")
		data, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", e.Name(), err)
		}
		var file struct {
			Properties struct {
				InputSchema  json.RawMessage `json:"input_schema"`
				OutputSchema json.RawMessage `json:"output_schema"`
			} `json:"properties"`
		}
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse %q: %w", e.Name(), err)
		}
		if len(file.Properties.InputSchema) == 0 || len(file.Properties.OutputSchema) == 0 {
			return nil, fmt.Errorf("%q: missing input_schema or output_schema", e.Name())
		}
		inputID := "https://imagecredits.dev/schemas/" + feature + ".input"
		outputID := "https://imagecredits.dev/schemas/" + feature + ".output"
		inputSchemas[feature], err = jsonschema.CompileString(inputID, string(file.Properties.InputSchema))
		if err != nil {
			return nil, fmt.Errorf("compile input schema %q: %w", feature, err)
		}
		outputSchemas[feature], err = jsonschema.CompileString(outputID, string(file.Properties.OutputSchema))
		if err != nil {
			return nil, fmt.Errorf("compile output schema %q: %w", feature, err)
		}
	}

	return &Validator{
		inputSchemas:  inputSchemas,
		outputSchemas: outputSchemas,
	}, nil
}

// ValidateInput performs hard reject: returns an error if input does not match the feature's input_schema.
func (v *Validator) ValidateInput(ctx context.Context, feature string, input json.RawMessage) error {
	return validate(v.inputSchemas, feature, input)
}

// ValidateOutput performs soft flag: callers log the mismatch rather than fail the request.
func (v *Validator) ValidateOutput(ctx context.Context, feature string, output json.RawMessage) error {
	return validate(v.outputSchemas, feature, output)
}

func validate(schemas map[string]*jsonschema.Schema, feature string, raw json.RawMessage) error {
	schema, ok := schemas[feature]
	if !ok {
		return fmt.Errorf("unknown feature %q", feature)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrValidation, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
