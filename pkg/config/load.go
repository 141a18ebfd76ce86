package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file on top of Default(), so keys left out of the
// file keep their built-in values. Validation is left to the caller.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault loads path, falling back to Default() when the file does not
// exist and was not requested explicitly. The bool reports whether a file was read.
func LoadOrDefault(path string, explicit bool) (*AppConfig, bool, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		def := Default()
		return &def, false, nil
	}
	return nil, false, err
}
