package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	yaml "go.yaml.in/yaml/v3"
)

// Decode parses data by the extension of path and rejects unknown keys.
func Decode(path string, data []byte) (*Config, error) {
	jb, err := coerceToJSONBytes(path, data)
	if err != nil {
		return nil, err
	}
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}

// coerceToJSONBytes converts YAML and TOML to JSON so one strict decoder
// (DisallowUnknownFields) serves every format.
func coerceToJSONBytes(path string, data []byte) ([]byte, error) {
	var (
		v   any
		err error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err = yaml.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("yaml unmarshal: %w", err)
		}
	case ".toml":
		var m map[string]any
		if err = toml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("toml unmarshal: %w", err)
		}
		v = m
	default:
		return data, nil
	}

	j, err := json.Marshal(normalize(v))
	if err != nil {
		return nil, fmt.Errorf("%s->json marshal: %w", filepath.Ext(path), err)
	}
	return j, nil
}

// normalize ensures all map keys are strings so the result can be JSON-marshaled.
func normalize(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalize(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalize(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalize(x[i])
		}
		return x
	default:
		return in
	}
}
