package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// TaskTypeConfig declares one task type's static configuration: whether it
// is enabled, its default priority/max_attempts, and an opaque options
// blob passed through to the handler. Handlers must already be registered
// via HandlerRegistry.Register (by an init() call) before a config file
// naming them is loaded — this package never looks up handler code by
// name; it only resolves configuration onto already-registered handlers,
// per the static-registration re-architecture note in SPEC_FULL.md.
type TaskTypeConfig struct {
	Type        string          `json:"type" yaml:"type" toml:"type"`
	Enabled     bool            `json:"enabled" yaml:"enabled" toml:"enabled"`
	Priority    int             `json:"priority" yaml:"priority" toml:"priority"`
	MaxAttempts int             `json:"max_attempts" yaml:"max_attempts" toml:"max_attempts"`
	Options     json.RawMessage `json:"options" yaml:"options" toml:"options"`
}

// HandlerConfigFile is the top-level shape of a declarative handler-config
// file, in JSON, YAML, or TOML (detected by file extension).
type HandlerConfigFile struct {
	Tasks []TaskTypeConfig `json:"tasks" yaml:"tasks" toml:"tasks"`
}

// LoadHandlerConfig reads path (.json, .yaml/.yml, or .toml) and validates
// that every named task type resolves against registry. A config entry for
// a type with no registered handler is a fatal ErrHandlerConfigError —
// there is no dynamic fallback to load handler code by name.
func LoadHandlerConfig(path string, registry *HandlerRegistry) (map[string]TaskTypeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrHandlerConfigError, path, err)
	}

	var file HandlerConfigFile
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		err = json.Unmarshal(data, &file)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &file)
	case ".toml":
		err = toml.Unmarshal(data, &file)
	default:
		return nil, fmt.Errorf("%w: unsupported handler config extension %q", ErrHandlerConfigError, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrHandlerConfigError, path, err)
	}

	out := make(map[string]TaskTypeConfig, len(file.Tasks))
	for _, tc := range file.Tasks {
		if tc.Type == "" {
			return nil, fmt.Errorf("%w: task config entry missing type", ErrHandlerConfigError)
		}
		if _, err := registry.Get(tc.Type); err != nil {
			return nil, fmt.Errorf("%w: handler config names unregistered type %q", ErrHandlerConfigError, tc.Type)
		}
		out[tc.Type] = tc
	}
	return out, nil
}
