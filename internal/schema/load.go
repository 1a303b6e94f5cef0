package schema

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// LoadFile reads a schema from a YAML file. An empty path returns Default.
func LoadFile(path string) (*Schema, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "schema: read %s", path)
	}

	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, eris.Wrapf(err, "schema: parse %s", path)
	}
	s.normalize()

	if err := s.Validate(); err != nil {
		return nil, eris.Wrapf(err, "schema: %s", path)
	}
	return &s, nil
}
