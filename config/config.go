// Package config - YAML run configuration for the CLI.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Run describes one evaluation or extraction run.
type Run struct {
	// Models lists registry model names to evaluate.
	Models []string `yaml:"models"`
	// Datasets lists benchmark dataset names.
	Datasets []string `yaml:"datasets"`
	// PrintPredictions enables CSV emission.
	PrintPredictions bool `yaml:"print_predictions"`
	// BatchSize overrides the dataset loader batch size.
	BatchSize int `yaml:"batch_size"`
	// OutputDir is where result CSVs are written.
	OutputDir string `yaml:"output_dir"`
	// DataDir overrides where benchmark stimuli are read from.
	DataDir string `yaml:"data_dir"`
	// CacheDir overrides the local model weights cache.
	CacheDir string `yaml:"cache_dir"`
}

// Load reads a run configuration from a YAML file.
func Load(path string) (*Run, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: reading %s", path)
	}
	var run Run
	if err := yaml.Unmarshal(raw, &run); err != nil {
		return nil, errors.Wrapf(err, "config: parsing %s", path)
	}
	return &run, nil
}

// Merge overlays non-zero fields of other onto the run.
func (r *Run) Merge(other Run) {
	if len(other.Models) > 0 {
		r.Models = other.Models
	}
	if len(other.Datasets) > 0 {
		r.Datasets = other.Datasets
	}
	if other.PrintPredictions {
		r.PrintPredictions = true
	}
	if other.BatchSize > 0 {
		r.BatchSize = other.BatchSize
	}
	if other.OutputDir != "" {
		r.OutputDir = other.OutputDir
	}
	if other.DataDir != "" {
		r.DataDir = other.DataDir
	}
	if other.CacheDir != "" {
		r.CacheDir = other.CacheDir
	}
}
