package yamlutil

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
)

// Quarantine moves a corrupted file aside into dataDir/quarantine, tagged
// with a timestamp, so the caller can attempt recovery without losing the
// bad copy for later inspection.
func Quarantine(dataDir, filePath string) error {
	qDir := filepath.Join(dataDir, "quarantine")
	if err := os.MkdirAll(qDir, 0755); err != nil {
		return fmt.Errorf("create quarantine dir: %w", err)
	}
	ts := time.Now().UTC().Format("20060102T150405Z")
	dst := filepath.Join(qDir, fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), ts))
	if err := copyFile(filePath, dst); err != nil {
		return fmt.Errorf("copy to quarantine: %w", err)
	}
	return nil
}

// RestoreFromBackup restores filePath from its .bak sibling, after first
// validating the backup's own YAML is well-formed.
func RestoreFromBackup(filePath string) error {
	bakPath := filePath + ".bak"
	content, err := os.ReadFile(bakPath)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if err := validateYAML(content); err != nil {
		return fmt.Errorf("backup itself is invalid: %w", err)
	}
	return AtomicWriteRaw(filePath, content)
}

// GenerateSkeleton writes a minimal valid document of the given file type
// to filePath, for use when no backup is recoverable.
func GenerateSkeleton(filePath, fileType string) error {
	skeleton := generateSkeletonForType(fileType)
	content, err := yamlv3.Marshal(skeleton)
	if err != nil {
		return fmt.Errorf("marshal skeleton: %w", err)
	}
	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("write skeleton: %w", err)
	}
	log.Printf("generated skeleton: %s (type: %s)", filePath, fileType)
	return nil
}

// RecoverCorruptedFile quarantines a corrupted file, tries to restore it
// from backup, and falls back to a bare skeleton if no backup recovers.
func RecoverCorruptedFile(dataDir, filePath, fileType string) error {
	if err := Quarantine(dataDir, filePath); err != nil {
		return fmt.Errorf("quarantine failed: %w", err)
	}

	if err := RestoreFromBackup(filePath); err != nil {
		log.Printf("backup restore failed for %s: %v — falling back to skeleton generation", filePath, err)
	} else {
		return nil
	}

	if err := GenerateSkeleton(filePath, fileType); err != nil {
		return fmt.Errorf("skeleton generation failed: %w", err)
	}
	return nil
}

func generateSkeletonForType(fileType string) any {
	switch fileType {
	case "escalator_state":
		return map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      "escalator_state",
			"records":        []any{},
		}
	case "queue_snapshot":
		return map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      "queue_snapshot",
			"jobs":           []any{},
			"pipelines":      []any{},
		}
	default:
		return map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      fileType,
		}
	}
}
