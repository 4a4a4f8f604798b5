// Package models - Registry mapping model names to loadable classifiers.
package models

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/percept-ai/go-psychbench/models/model"
	"github.com/percept-ai/go-psychbench/models/onnxcls"
	"github.com/percept-ai/go-psychbench/models/vitlite"
)

// Entry describes one loadable model.
type Entry struct {
	// Name is the registry name used on the command line.
	Name string
	// Backend decides which evaluator and tensor layout the model uses.
	Backend model.Backend
	// File is the weight file name inside the local weights cache.
	File string
	// Classes is the logit width.
	Classes int
	// Dim and Blocks size the gorgonia token networks; zero means the
	// vitlite defaults.
	Dim    int
	Blocks int
}

// entries lists the known pretrained classifiers. Weight files are expected
// in the local weights cache (see DefaultCacheDir).
var entries = []Entry{
	{Name: "vit-lite", Backend: model.BackendGorgonia, File: "vit_lite.weights", Classes: 1000},
	{Name: "vit-lite-small", Backend: model.BackendGorgonia, File: "vit_lite_small.weights", Classes: 1000, Dim: 96, Blocks: 4},
	{Name: "resnet50", Backend: model.BackendONNX, File: "resnet50.onnx", Classes: 1000},
	{Name: "resnet50-sin", Backend: model.BackendONNX, File: "resnet50_sin.onnx", Classes: 1000},
	{Name: "vgg16", Backend: model.BackendONNX, File: "vgg16.onnx", Classes: 1000},
	{Name: "mobilenet-v2", Backend: model.BackendONNX, File: "mobilenet_v2.onnx", Classes: 1000},
}

// Names returns all registered model names.
func Names() []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

// DefaultCacheDir returns the local directory holding downloaded model
// weight files. Overridable with $PSYCHBENCH_CACHE.
func DefaultCacheDir() string {
	if dir := os.Getenv("PSYCHBENCH_CACHE"); dir != "" {
		return dir
	}
	base, err := os.UserCacheDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, "psychbench", "weights")
}

// Load constructs a registered model by name.
//
// Returns:
//   - model.Model: The loaded classifier.
//   - model.Backend: The backend tag the evaluator dispatches on.
//   - error: An error if the name is unknown or the weights are missing.
func Load(name string) (model.Model, model.Backend, error) {
	var entry *Entry
	for i := range entries {
		if entries[i].Name == name {
			entry = &entries[i]
			break
		}
	}
	if entry == nil {
		return nil, "", errors.Errorf("models: unknown model %q", name)
	}

	path := filepath.Join(DefaultCacheDir(), entry.File)
	switch entry.Backend {
	case model.BackendGorgonia:
		m, err := vitlite.New(entry.Name, vitlite.Config{
			Path:    path,
			Classes: entry.Classes,
			Dim:     entry.Dim,
			Blocks:  entry.Blocks,
		})
		if err != nil {
			return nil, "", err
		}
		return m, entry.Backend, nil
	case model.BackendONNX:
		m, err := onnxcls.New(entry.Name, onnxcls.Config{Path: path, Classes: entry.Classes})
		if err != nil {
			return nil, "", err
		}
		return m, entry.Backend, nil
	default:
		return nil, "", errors.Errorf("models: entry %q has unsupported backend %q", entry.Name, entry.Backend)
	}
}
