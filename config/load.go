package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/KSD-CO/rule-engine-postgres-sub003/errors"
)

// Load reads and validates a configuration file. The format is chosen by
// extension: .yaml/.yml parse as YAML, everything else as JSON.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapConfig(err, "File", "Load", "read config file")
	}

	var f File
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, errors.WrapConfig(fmt.Errorf("parse yaml: %w", err), "File", "Load", "parse config")
		}
	default:
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, errors.WrapConfig(fmt.Errorf("parse json: %w", err), "File", "Load", "parse config")
		}
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}

	return &f, nil
}
