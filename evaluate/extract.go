package evaluate

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/percept-ai/go-psychbench/datasets"
	"github.com/percept-ai/go-psychbench/decision"
	"github.com/percept-ai/go-psychbench/metrics"
	"github.com/percept-ai/go-psychbench/models"
	"github.com/percept-ai/go-psychbench/models/model"
	"github.com/percept-ai/go-psychbench/profiler"
)

// Extractor runs layer-wise metric extraction: instead of final-layer
// predictions it re-runs the classification head on every intermediate
// layer's token representations and accumulates the metric trio per layer.
//
// Only the gorgonia backend is supported; ONNX sessions do not expose
// intermediate tokens.
type Extractor struct {
	LoadModel   func(name string) (model.Model, model.Backend, error)
	LoadDataset func(name string, opts ...datasets.Option) (*datasets.Dataset, error)
	CacheDir    string
	OutputDir   string
	Log         *slog.Logger
	Profiler    *profiler.Profiler
}

// NewExtractor creates an extractor bound to the model and dataset
// registries.
func NewExtractor() *Extractor {
	return &Extractor{
		LoadModel:   models.Load,
		LoadDataset: datasets.Load,
		CacheDir:    models.DefaultCacheDir(),
		OutputDir:   "results",
		Log:         slog.Default(),
	}
}

// Run extracts per-layer metrics for every model on every dataset.
func (e *Extractor) Run(ctx context.Context, modelNames, datasetNames []string, opts Options) error {
	e.Log.Info("metric extraction", "models", len(modelNames), "datasets", len(datasetNames))

	all := make([]*datasets.Dataset, 0, len(datasetNames))
	for _, name := range datasetNames {
		ds, err := e.LoadDataset(name, opts.DatasetOptions...)
		if err != nil {
			return errors.Wrapf(err, "evaluate: loading dataset %q", name)
		}
		all = append(all, ds)
	}

	writer := NewResultWriter(e.OutputDir)
	defer writer.Close()

	for _, modelName := range modelNames {
		m, backend, err := e.LoadModel(modelName)
		if err != nil {
			return errors.Wrapf(err, "evaluate: loading model %q", modelName)
		}
		if err := checkExtractionBackend(backend); err != nil {
			return err
		}
		e.Log.Info("loaded model", "model", modelName, "backend", string(backend))

		for _, ds := range all {
			started := time.Now()
			stop := e.startOperation("extract " + ds.Name)
			if err := e.extractBatches(ctx, modelName, m, ds); err != nil {
				stop()
				return err
			}
			stop()

			for _, metric := range ds.LayerMetrics {
				e.Log.Info(metric.String(), "model", modelName, "dataset", ds.Name)
			}
			e.Log.Info("finished dataset",
				"model", modelName, "dataset", ds.Name, "duration", time.Since(started))

			if opts.PrintPredictions {
				for _, metric := range ds.LayerMetrics {
					if err := writer.AppendLayerValues(modelName, ds.Name, metric.Name(), metric.Value()); err != nil {
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

	e.Log.Info("finished extraction")
	return nil
}

// checkExtractionBackend rejects backends that cannot expose intermediate
// layers, before any batch is processed.
func checkExtractionBackend(backend model.Backend) error {
	switch backend {
	case model.BackendGorgonia:
		return nil
	case model.BackendONNX:
		return errors.New("evaluate: onnx models are not supported for layer extraction")
	default:
		return errors.Errorf("evaluate: unsupported extractor backend %q", backend)
	}
}

func (e *Extractor) extractBatches(
	ctx context.Context,
	modelName string,
	m model.Model,
	ds *datasets.Dataset,
) error {
	im, ok := m.(model.IntermediateModel)
	if !ok {
		return errors.Errorf("evaluate: model %q does not expose intermediate layers", modelName)
	}
	e.Log.Info("extracting", "model", modelName, "dataset", ds.Name, "extractor", "gorgonia")

	// Extraction replaces the dataset's configuration: the decision mapping
	// must return raw probabilities and the metric set is the fixed trio.
	if rp, ok := ds.DecisionMapping.(decision.RawProber); ok {
		rp.SetReturnRawProbs(true)
	}
	ds.LayerMetrics = []metrics.LayerMetric{
		metrics.NewReciprocalRank(),
		metrics.NewProbability(),
		metrics.NewEntropy(),
	}
	for _, metric := range ds.LayerMetrics {
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

		images := placeBatch(batch.Images)
		targets := resolveTargets(batch, ds.Loader.Categories())

		_, layers, err := im.ForwardIntermediates(images)
		if err != nil {
			return errors.Wrapf(err, "evaluate: intermediates of %q on %q", modelName, ds.Name)
		}

		for layer, lf := range layers {
			features, err := flattenTokens(lf)
			if err != nil {
				return err
			}
			logits, err := im.ForwardHead(features)
			if err != nil {
				return errors.Wrapf(err, "evaluate: head of %q at layer %d", modelName, layer)
			}
			probs, err := model.Softmax(logits)
			if err != nil {
				return err
			}
			dec, err := ds.DecisionMapping.Decide(probs)
			if err != nil {
				return err
			}
			for _, metric := range ds.LayerMetrics {
				metric.Update(dec, targets, batch.Paths, layer)
			}
		}
	}
	return nil
}

func (e *Extractor) startOperation(name string) func() {
	if e.Profiler == nil {
		return func() {}
	}
	return e.Profiler.StartOperation(name)
}

// flattenTokens reshapes a layer's spatial tokens to (N, S, D) and
// concatenates the prefix tokens in front, yielding (N, P+S, D) features for
// the classification head.
func flattenTokens(lf model.LayerFeatures) (*tensor.Dense, error) {
	pShape := lf.Prefix.Shape()
	sShape := lf.Spatial.Shape()
	if len(pShape) != 3 || len(sShape) < 3 {
		return nil, errors.Errorf("evaluate: unexpected token shapes %v / %v", pShape, sShape)
	}
	n, p, d := pShape[0], pShape[1], pShape[2]
	if sShape[0] != n || sShape[len(sShape)-1] != d {
		return nil, errors.Errorf("evaluate: mismatched token shapes %v / %v", pShape, sShape)
	}
	s := 1
	for _, dim := range sShape[1 : len(sShape)-1] {
		s *= dim
	}

	prefix, ok := lf.Prefix.Data().([]float32)
	if !ok {
		return nil, errors.New("evaluate: prefix tokens are not float32")
	}
	spatial, ok := lf.Spatial.Data().([]float32)
	if !ok {
		return nil, errors.New("evaluate: spatial tokens are not float32")
	}

	t := p + s
	backing := make([]float32, n*t*d)
	for i := 0; i < n; i++ {
		copy(backing[i*t*d:i*t*d+p*d], prefix[i*p*d:(i+1)*p*d])
		copy(backing[i*t*d+p*d:(i+1)*t*d], spatial[i*s*d:(i+1)*s*d])
	}
	return tensor.New(
		tensor.WithShape(n, t, d), tensor.Of(tensor.Float32), tensor.WithBacking(backing)), nil
}
