package schema

import "github.com/invopop/jsonschema"

func newReflector() *jsonschema.Reflector {
	return &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
		ExpandedStruct:            true,
	}
}

// Generate reflects a closed JSON schema from a Go value's json tags.
func Generate(value any) *jsonschema.Schema {
	s := newReflector().Reflect(value)
	if s.Version == "" {
		s.Version = jsonschema.Version
	}
	return s
}

// For returns a Provider that reflects the schema of value.
func For(value any) Provider {
	return func() *jsonschema.Schema {
		return Generate(value)
	}
}
