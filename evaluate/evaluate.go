// Package evaluate - Orchestration of model evaluation runs.
package evaluate

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/percept-ai/go-psychbench/datasets"
	"github.com/percept-ai/go-psychbench/models"
	"github.com/percept-ai/go-psychbench/models/model"
	"github.com/percept-ai/go-psychbench/profiler"
)

// maxCachedModels is the number of models in a run above which weight files
// are evicted from the local cache after each model finishes.
const maxCachedModels = 3

// Options configures an evaluation run.
type Options struct {
	// PrintPredictions enables CSV emission: per-example prediction rows and
	// the per-run performance summary.
	PrintPredictions bool
	// DatasetOptions is forwarded to the dataset loader.
	DatasetOptions []datasets.Option
}

// evaluatorFunc evaluates one model on one dataset, mutating the dataset's
// metric accumulators in place.
type evaluatorFunc func(
	ctx context.Context,
	modelName string,
	m model.Model,
	ds *datasets.Dataset,
	opts Options,
	w *ResultWriter,
) error

// Evaluator runs models against benchmark datasets and records metrics.
//
// The loader functions and directories are fields so tests can substitute
// fakes; NewEvaluator wires the registry defaults.
type Evaluator struct {
	LoadModel   func(name string) (model.Model, model.Backend, error)
	LoadDataset func(name string, opts ...datasets.Option) (*datasets.Dataset, error)
	CacheDir    string
	OutputDir   string
	Log         *slog.Logger
	Profiler    *profiler.Profiler
}

// NewEvaluator creates an evaluator bound to the model and dataset
// registries.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		LoadModel:   models.Load,
		LoadDataset: datasets.Load,
		CacheDir:    models.DefaultCacheDir(),
		OutputDir:   "results",
		Log:         slog.Default(),
	}
}

// Run evaluates every model on every dataset.
//
// Datasets are loaded once and shared across models; metric accumulators
// are reset before each model's pass so no state leaks between models. For
// ONNX models the dataset list is deep-copied and each loader wrapped in
// the NHWC adapter.
func (e *Evaluator) Run(ctx context.Context, modelNames, datasetNames []string, opts Options) error {
	e.Log.Info("model evaluation", "models", len(modelNames), "datasets", len(datasetNames))

	all, err := e.loadDatasets(datasetNames, opts)
	if err != nil {
		return err
	}

	writer := NewResultWriter(e.OutputDir)
	defer writer.Close()

	for _, modelName := range modelNames {
		m, backend, err := e.LoadModel(modelName)
		if err != nil {
			return errors.Wrapf(err, "evaluate: loading model %q", modelName)
		}
		evaluator, err := e.evaluatorFor(backend)
		if err != nil {
			return err
		}

		run := all
		if backend == model.BackendONNX {
			run = cloneToNHWC(all)
		}
		e.Log.Info("loaded model", "model", modelName, "backend", string(backend))

		for _, ds := range run {
			started := time.Now()
			stop := e.startOperation("evaluate " + ds.Name)
			if err := evaluator(ctx, modelName, m, ds, opts, writer); err != nil {
				stop()
				return err
			}
			stop()

			for _, metric := range ds.Metrics {
				e.Log.Info(metric.String(), "model", modelName, "dataset", ds.Name)
			}
			// Duration is logged, never persisted.
			e.Log.Info("finished dataset",
				"model", modelName, "dataset", ds.Name, "duration", time.Since(started))

			if opts.PrintPredictions {
				for _, metric := range ds.Metrics {
					if err := writer.AppendPerformance(modelName, ds.Name, metric.Name(), metric.Value()); err != nil {
						return err
					}
				}
			}
		}

		if closer, ok := m.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				e.Log.Warn("closing model", "model", modelName, "error", err)
			}
		}
		if len(modelNames) >= maxCachedModels {
			removeModelFromCache(e.CacheDir, modelName)
		}
	}

	e.Log.Info("finished evaluation")
	return nil
}

func (e *Evaluator) loadDatasets(names []string, opts Options) ([]*datasets.Dataset, error) {
	out := make([]*datasets.Dataset, 0, len(names))
	for _, name := range names {
		ds, err := e.LoadDataset(name, opts.DatasetOptions...)
		if err != nil {
			return nil, errors.Wrapf(err, "evaluate: loading dataset %q", name)
		}
		out = append(out, ds)
	}
	return out, nil
}

func (e *Evaluator) evaluatorFor(backend model.Backend) (evaluatorFunc, error) {
	switch backend {
	case model.BackendGorgonia:
		return e.gorgoniaEvaluator, nil
	case model.BackendONNX:
		return e.onnxEvaluator, nil
	default:
		return nil, errors.Errorf("evaluate: unsupported evaluator backend %q", backend)
	}
}

// gorgoniaEvaluator evaluates a gorgonia-backed model. Batches are placed
// into the graph's device layout before inference and numeric targets are
// resolved to category labels.
func (e *Evaluator) gorgoniaEvaluator(
	ctx context.Context,
	modelName string,
	m model.Model,
	ds *datasets.Dataset,
	opts Options,
	w *ResultWriter,
) error {
	e.Log.Info("evaluating", "model", modelName, "dataset", ds.Name, "evaluator", "gorgonia")
	return e.evaluateBatches(ctx, modelName, m, ds, opts, w, true)
}

// onnxEvaluator evaluates an ONNX Runtime model. Batches are assumed to be
// in session layout already (the orchestrator wraps loaders in the NHWC
// adapter).
func (e *Evaluator) onnxEvaluator(
	ctx context.Context,
	modelName string,
	m model.Model,
	ds *datasets.Dataset,
	opts Options,
	w *ResultWriter,
) error {
	e.Log.Info("evaluating", "model", modelName, "dataset", ds.Name, "evaluator", "onnx")
	return e.evaluateBatches(ctx, modelName, m, ds, opts, w, false)
}

func (e *Evaluator) evaluateBatches(
	ctx context.Context,
	modelName string,
	m model.Model,
	ds *datasets.Dataset,
	opts Options,
	w *ResultWriter,
	place bool,
) error {
	for _, metric := range ds.Metrics {
		metric.Reset()
	}
	if err := ds.Loader.Reset(); err != nil {
		return errors.Wrapf(err, "evaluate: resetting loader for %q", ds.Name)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := ds.Loader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "evaluate: reading batch from %q", ds.Name)
		}

		images := batch.Images
		targets := batch.Targets
		if place {
			images = placeBatch(images)
			targets = resolveTargets(batch, ds.Loader.Categories())
		}

		logits, err := m.ForwardBatch(images)
		if err != nil {
			return errors.Wrapf(err, "evaluate: forward pass of %q on %q", modelName, ds.Name)
		}
		probs, err := model.Softmax(logits)
		if err != nil {
			return err
		}
		dec, err := ds.DecisionMapping.Decide(probs)
		if err != nil {
			return err
		}

		for _, metric := range ds.Metrics {
			metric.Update(dec.Decisions, targets, batch.Paths)
		}
		if opts.PrintPredictions {
			if err := w.AppendPredictions(modelName, ds.Name, dec.Decisions, targets, batch.Paths); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Evaluator) startOperation(name string) func() {
	if e.Profiler == nil {
		return func() {}
	}
	return e.Profiler.StartOperation(name)
}

// placeBatch materializes the batch in a fresh contiguous float32 backing,
// the layout the tape machine executes from.
func placeBatch(images *tensor.Dense) *tensor.Dense {
	data, ok := images.Data().([]float32)
	if !ok {
		return images
	}
	backing := make([]float32, len(data))
	copy(backing, data)
	return tensor.New(
		tensor.WithShape(images.Shape()...),
		tensor.Of(tensor.Float32),
		tensor.WithBacking(backing),
	)
}

// resolveTargets returns category labels for a batch, converting numeric
// target indices when the loader emits those instead of labels.
func resolveTargets(batch *datasets.Batch, categories []string) []string {
	if batch.Targets != nil {
		return batch.Targets
	}
	out := make([]string, len(batch.TargetIndices))
	for i, idx := range batch.TargetIndices {
		if idx >= 0 && idx < len(categories) {
			out[i] = categories[idx]
		}
	}
	return out
}

// cloneToNHWC deep-copies the dataset list and wraps every loader in the
// NHWC adapter, so per-model mutations never leak into the shared list.
func cloneToNHWC(all []*datasets.Dataset) []*datasets.Dataset {
	out := make([]*datasets.Dataset, len(all))
	for i, ds := range all {
		cloned := ds.Clone()
		cloned.Loader = datasets.ToNHWC(cloned.Loader)
		out[i] = cloned
	}
	return out
}

// removeModelFromCache deletes the model's cached weight files, matched by
// case-insensitive prefix on the normalized name. Eviction is advisory disk
// hygiene; every failure is swallowed.
func removeModelFromCache(cacheDir, modelName string) {
	entries, err := os.ReadDir(cacheDir)
	if err != nil {
		return
	}
	want := normalizeName(modelName)
	for _, entry := range entries {
		if strings.HasPrefix(normalizeName(entry.Name()), want) {
			_ = os.Remove(filepath.Join(cacheDir, entry.Name()))
		}
	}
}

func normalizeName(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "-", "_")
}
