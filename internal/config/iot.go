package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadIotDescriptors reads the device capability declarations from a YAML
// file and returns them as the JSON document the server expects.
func LoadIotDescriptors(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var descriptors []map[string]any
	if err := yaml.Unmarshal(data, &descriptors); err != nil {
		return nil, fmt.Errorf("parse iot descriptors: %w", err)
	}
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("iot descriptor file %s declares no devices", path)
	}

	encoded, err := json.Marshal(descriptors)
	if err != nil {
		return nil, err
	}
	return encoded, nil
}
