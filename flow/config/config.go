// Package config sizes the queues and workers of a view model.
//
// A Config can be built in code, read from a YAML file:
//
//	flow:
//	  buffer_size: 16
//	  num_workers: 4
//	  log_buffer_size: 64
//	  conflate: false
//
// or decoded from a flat map keyed by the dotted names in keys.go.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// BufferSize is the capacity of the action mailbox and the perform queues.
	BufferSize int `yaml:"buffer_size" mapstructure:"buffer_size"`
	// NumWorkers > 1 performs actions with different partition keys concurrently.
	NumWorkers int `yaml:"num_workers" mapstructure:"num_workers"`
	// LogBufferSize is the capacity of the log effect queue.
	LogBufferSize int `yaml:"log_buffer_size" mapstructure:"log_buffer_size"`
	// Conflate keeps only the latest pending action and drops repeats.
	Conflate bool `yaml:"conflate" mapstructure:"conflate"`
}

func Default() Config {
	return Config{
		BufferSize:    16,
		NumWorkers:    1,
		LogBufferSize: 64,
	}
}

// Normalize replaces non-positive sizes with their defaults.
func (c Config) Normalize() Config {
	def := Default()
	if c.BufferSize <= 0 {
		c.BufferSize = def.BufferSize
	}
	if c.NumWorkers <= 0 {
		c.NumWorkers = def.NumWorkers
	}
	if c.LogBufferSize <= 0 {
		c.LogBufferSize = def.LogBufferSize
	}
	return c
}

type file struct {
	Flow Config `yaml:"flow"`
}

// Load reads the flow section of the YAML file at path. Missing keys keep their defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML as Load does.
func Parse(data []byte) (Config, error) {
	f := file{Flow: Default()}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return f.Flow.Normalize(), nil
}

// FromMap decodes the FlowXxx keys of m. Other keys are ignored, values may be strings.
func FromMap(m map[string]any) (Config, error) {
	flow := make(map[string]any, len(m))
	for k, v := range m {
		if name, ok := strings.CutPrefix(k, FlowPrefix+delimiter); ok {
			flow[name] = v
		}
	}

	c := Default()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &c,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Config{}, err
	}
	if err := decoder.Decode(flow); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	return c.Normalize(), nil
}
