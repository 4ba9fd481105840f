package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/invopop/jsonschema"
)

type ValidationError struct {
	Path     string
	Expected string
	Actual   string
	Message  string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		if e.Path == "" {
			return e.Message
		}
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	if e.Path == "" {
		return fmt.Sprintf("expected %s, got %s", e.Expected, e.Actual)
	}
	return fmt.Sprintf("%s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

// ValidateJSON checks a raw JSON document against the schema registered as
// name.
func ValidateJSON(name string, payload []byte) error {
	s, err := Resolve(name)
	if err != nil {
		return err
	}
	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		return &ValidationError{Message: "invalid JSON: " + err.Error()}
	}
	return Validate(s, value)
}

// Validate checks value, as produced by encoding/json, against s. Only the
// keywords the reflector emits are enforced.
func Validate(s *jsonschema.Schema, value any) error {
	return validateSchema(s, value, "")
}

func validateSchema(s *jsonschema.Schema, value any, path string) error {
	if s == nil {
		return nil
	}
	if value == nil {
		if s.Type == "null" {
			return nil
		}
		return &ValidationError{Path: path, Expected: typeName(s), Actual: "null"}
	}

	switch typeName(s) {
	case "object":
		object, ok := value.(map[string]any)
		if !ok {
			return &ValidationError{Path: path, Expected: "object", Actual: actualType(value)}
		}
		return validateObject(s, object, path)
	case "array":
		array, ok := value.([]any)
		if !ok {
			return &ValidationError{Path: path, Expected: "array", Actual: actualType(value)}
		}
		for index, entry := range array {
			if err := validateSchema(s.Items, entry, fmt.Sprintf("%s[%d]", path, index)); err != nil {
				return err
			}
		}
		return nil
	case "string":
		text, ok := value.(string)
		if !ok {
			return &ValidationError{Path: path, Expected: "string", Actual: actualType(value)}
		}
		if s.MinLength != nil && uint64(len(text)) < *s.MinLength {
			return &ValidationError{Path: path, Message: fmt.Sprintf("must be at least %d characters", *s.MinLength)}
		}
		return validateEnum(s, value, path)
	case "boolean":
		if _, ok := value.(bool); !ok {
			return &ValidationError{Path: path, Expected: "boolean", Actual: actualType(value)}
		}
	case "integer":
		number, ok := value.(float64)
		if !ok || number != float64(int64(number)) {
			return &ValidationError{Path: path, Expected: "integer", Actual: actualType(value)}
		}
	case "number":
		if _, ok := value.(float64); !ok {
			return &ValidationError{Path: path, Expected: "number", Actual: actualType(value)}
		}
	}
	return nil
}

func validateObject(s *jsonschema.Schema, object map[string]any, path string) error {
	for _, required := range s.Required {
		if _, ok := object[required]; !ok {
			return &ValidationError{Path: joinPath(path, required), Message: "missing required field"}
		}
	}
	properties := map[string]*jsonschema.Schema{}
	if s.Properties != nil {
		for pair := s.Properties.Oldest(); pair != nil; pair = pair.Next() {
			properties[pair.Key] = pair.Value
		}
	}
	for key, value := range object {
		propertyPath := joinPath(path, key)
		if property, ok := properties[key]; ok {
			if err := validateSchema(property, value, propertyPath); err != nil {
				return err
			}
			continue
		}
		if s.AdditionalProperties == nil {
			continue
		}
		if isFalseSchema(s.AdditionalProperties) {
			return &ValidationError{Path: propertyPath, Message: "unknown field"}
		}
		if err := validateSchema(s.AdditionalProperties, value, propertyPath); err != nil {
			return err
		}
	}
	return nil
}

func validateEnum(s *jsonschema.Schema, value any, path string) error {
	if len(s.Enum) == 0 {
		return nil
	}
	for _, candidate := range s.Enum {
		if reflect.DeepEqual(candidate, value) {
			return nil
		}
	}
	return &ValidationError{Path: path, Message: fmt.Sprintf("unsupported value %v", value)}
}

func typeName(s *jsonschema.Schema) string {
	if s.Type != "" {
		return s.Type
	}
	if s.Properties != nil {
		return "object"
	}
	if s.Items != nil {
		return "array"
	}
	return ""
}

func actualType(value any) string {
	switch value.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	}
	return fmt.Sprintf("%T", value)
}

func joinPath(base, field string) string {
	if base == "" {
		return field
	}
	return base + "." + field
}

func isFalseSchema(s *jsonschema.Schema) bool {
	marshaled, err := json.Marshal(s)
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(marshaled)) == "false"
}
