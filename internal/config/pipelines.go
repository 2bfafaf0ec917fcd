package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"frameforge/internal/frame"
	"frameforge/internal/stages"
)

// Pipelines maps each observation type to its ordered stage names.
type Pipelines struct {
	Pipelines     map[frame.ObservationType][]string `yaml:"pipelines"`
	NoFlatFilters []string                           `yaml:"no_flat_filters"`
}

// DefaultPipelines is the stage table used when no pipelines file exists.
func DefaultPipelines() *Pipelines {
	return &Pipelines{
		Pipelines: map[frame.ObservationType][]string{
			frame.Bias:    {stages.OverscanTrim},
			frame.Dark:    {stages.OverscanTrim, stages.BiasSubtract},
			frame.Flat:    {stages.OverscanTrim, stages.BiasSubtract, stages.DarkSubtract},
			frame.Science: {stages.OverscanTrim, stages.BiasSubtract, stages.DarkSubtract, stages.FlatCorrect, stages.CosmicRayReject},
		},
	}
}

// LoadPipelines reads a YAML pipelines file. A missing file yields the defaults.
func LoadPipelines(path string) (*Pipelines, error) {
	expanded, err := ExpandUser(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultPipelines(), nil
	}
	if err != nil {
		return nil, err
	}
	return ParsePipelines(data)
}

// ParsePipelines decodes and validates pipeline definitions.
func ParsePipelines(data []byte) (*Pipelines, error) {
	var raw struct {
		Pipelines     map[string][]string `yaml:"pipelines"`
		NoFlatFilters []string            `yaml:"no_flat_filters"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse pipelines: %w", err)
	}
	if len(raw.Pipelines) == 0 {
		return nil, errors.New("pipelines file defines no pipelines")
	}

	known := map[string]bool{}
	for _, n := range stages.Names() {
		known[n] = true
	}
	out := &Pipelines{Pipelines: map[frame.ObservationType][]string{}, NoFlatFilters: raw.NoFlatFilters}
	for typ, names := range raw.Pipelines {
		t, err := frame.ParseObservationType(typ)
		if err != nil {
			return nil, err
		}
		seen := map[string]bool{}
		for _, n := range names {
			if !known[n] {
				return nil, fmt.Errorf("pipeline %s: unknown stage %q", t, n)
			}
			if seen[n] {
				return nil, fmt.Errorf("pipeline %s: stage %q listed twice", t, n)
			}
			seen[n] = true
		}
		out.Pipelines[t] = names
	}
	return out, nil
}
