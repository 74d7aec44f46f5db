// Package schemas provides access to embedded JSON schemas.
package schemas

import (
	_ "embed"
)

// Embed the manifest JSON Schema into the binary for validation and tooling.
// The schema defines the structure of the build-time manifest and enables
// early validation and schema-based tools.
//
//go:embed manifest.schema.json
var manifestSchema []byte

// GetManifestSchema returns the embedded manifest JSON Schema as raw bytes.
// This schema can be used for validation, IDE integration, or schema export.
func GetManifestSchema() []byte {
	return manifestSchema
}

// GetManifestSchemaString returns the embedded manifest JSON Schema as a string.
// This is a convenience method for use cases that need the schema as a string.
func GetManifestSchemaString() string {
	return string(manifestSchema)
}
