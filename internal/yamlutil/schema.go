package yamlutil

import (
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"
)

// CurrentSchemaVersion is the schema version this build writes and reads.
const CurrentSchemaVersion = 1

var validFileTypes = map[string]bool{
	"escalator_state": true,
	"queue_snapshot":  true,
	"config":          true,
}

// SchemaHeader is the common {schema_version, file_type} header every
// on-disk document carries.
type SchemaHeader struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
}

// ValidateSchemaHeader reads path and validates its schema header.
func ValidateSchemaHeader(path, expectedFileType string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	return ValidateSchemaHeaderFromBytes(content, expectedFileType)
}

// ValidateSchemaHeaderFromBytes validates an in-memory document's header.
func ValidateSchemaHeaderFromBytes(content []byte, expectedFileType string) error {
	var header SchemaHeader
	if err := yamlv3.Unmarshal(content, &header); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}

	if header.SchemaVersion < 1 {
		return fmt.Errorf("invalid schema_version %d (must be >= 1)", header.SchemaVersion)
	}
	if header.SchemaVersion > CurrentSchemaVersion {
		return fmt.Errorf("unsupported schema_version %d (max supported: %d)", header.SchemaVersion, CurrentSchemaVersion)
	}
	if header.FileType == "" {
		return fmt.Errorf("missing file_type")
	}
	if !validFileTypes[header.FileType] {
		return fmt.Errorf("unknown file_type: %q", header.FileType)
	}
	if expectedFileType != "" && header.FileType != expectedFileType {
		return fmt.Errorf("file_type mismatch: got %q, expected %q", header.FileType, expectedFileType)
	}

	return nil
}

// NeedsMigration reports whether a document written at schemaVersion is
// behind CurrentSchemaVersion.
func NeedsMigration(schemaVersion int) bool {
	return schemaVersion < CurrentSchemaVersion
}
