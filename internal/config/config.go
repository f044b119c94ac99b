// Package config loads and saves the engine's model.Config from YAML,
// matching the teacher's direct yaml.Unmarshal-into-struct convention
// rather than a layered merge/override scheme.
package config

import (
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/pipelinecore/internal/model"
	"github.com/msageha/pipelinecore/internal/yamlutil"
)

// FileName is the conventional config filename inside a data directory.
const FileName = "config.yaml"

// Load reads and parses path, starting from model.DefaultConfig() so any
// field the file omits keeps its default rather than zeroing out.
func Load(path string) (model.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yamlutil.ValidateSchemaHeaderFromBytes(data, "config"); err != nil {
		return model.Config{}, fmt.Errorf("validate %s: %w", path, err)
	}

	cfg := model.DefaultConfig()
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save atomically writes cfg to path, keeping a .bak of the previous
// revision (internal/yamlutil's atomic-write-with-backup convention).
func Save(path string, cfg model.Config) error {
	return yamlutil.AtomicWrite(path, cfg)
}
