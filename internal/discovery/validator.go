package discovery

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema/td.schema.json
var tdSchema []byte

// ValidationResult is the validator's verdict on one description.
type ValidationResult struct {
	IsValid  bool     `json:"isValid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Validator checks a Thing Description. A malformed document is an invalid
// result, not an error; an error means the validator itself failed.
type Validator interface {
	Validate(td []byte) (ValidationResult, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(td []byte) (ValidationResult, error)

func (f ValidatorFunc) Validate(td []byte) (ValidationResult, error) { return f(td) }

// SchemaValidator validates against the embedded Thing Description schema.
type SchemaValidator struct {
	schema *gojsonschema.Schema
}

// NewSchemaValidator compiles the embedded schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(tdSchema))
	if err != nil {
		return nil, fmt.Errorf("compile thing description schema: %w", err)
	}
	return &SchemaValidator{schema: s}, nil
}

func (v *SchemaValidator) Validate(td []byte) (ValidationResult, error) {
	var doc map[string]any
	if err := json.Unmarshal(td, &doc); err != nil {
		return ValidationResult{Errors: []string{"not a JSON object: " + err.Error()}}, nil
	}

	res, err := v.schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return ValidationResult{}, fmt.Errorf("schema validation: %w", err)
	}

	out := ValidationResult{IsValid: res.Valid()}
	for _, e := range res.Errors() {
		out.Errors = append(out.Errors, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
	}
	sort.Strings(out.Errors)
	out.Warnings = tdWarnings(doc)
	return out, nil
}

func tdWarnings(doc map[string]any) []string {
	var w []string
	if !hasID(doc) {
		w = append(w, "no id; a synthesized id is not stable across discoveries")
	}
	if s, _ := doc["description"].(string); strings.TrimSpace(s) == "" {
		w = append(w, "no description")
	}
	if !hasAffordances(doc) {
		w = append(w, "no interaction affordances")
	}
	return w
}

func hasID(doc map[string]any) bool {
	for _, k := range []string{"id", "@id"} {
		if s, _ := doc[k].(string); strings.TrimSpace(s) != "" {
			return true
		}
	}
	return false
}

func hasAffordances(doc map[string]any) bool {
	for _, k := range []string{"properties", "actions", "events"} {
		if m, ok := doc[k].(map[string]any); ok && len(m) > 0 {
			return true
		}
	}
	return false
}
