package evaluate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/percept-ai/go-psychbench/datasets"
	"github.com/percept-ai/go-psychbench/metrics"
	"github.com/percept-ai/go-psychbench/models/model"
)

// fakeIntermediateModel exposes a fixed number of layers whose prefix and
// spatial tokens are zeros; the head returns the shared ranked logits.
type fakeIntermediateModel struct {
	fakeModel
	layers int
	dim    int
	heads  int
}

func (m *fakeIntermediateModel) ForwardIntermediates(images *tensor.Dense) (*tensor.Dense, []model.LayerFeatures, error) {
	n := images.Shape()[0]
	out := make([]model.LayerFeatures, m.layers)
	for i := range out {
		out[i] = model.LayerFeatures{
			Prefix: tensor.New(
				tensor.WithShape(n, 1, m.dim),
				tensor.Of(tensor.Float32),
				tensor.WithBacking(make([]float32, n*m.dim)),
			),
			Spatial: tensor.New(
				tensor.WithShape(n, 2, 2, m.dim),
				tensor.Of(tensor.Float32),
				tensor.WithBacking(make([]float32, n*4*m.dim)),
			),
		}
	}
	logits, err := m.ForwardBatch(images)
	return logits, out, err
}

func (m *fakeIntermediateModel) ForwardHead(features *tensor.Dense) (*tensor.Dense, error) {
	m.heads++
	return m.ForwardBatch(features)
}

type extractHarness struct {
	ex     *Extractor
	loader *fakeLoader
	ds     *datasets.Dataset
	im     *fakeIntermediateModel
}

func newExtractHarness(t *testing.T, backend model.Backend, batches, layers int) *extractHarness {
	t.Helper()
	h := &extractHarness{
		loader: &fakeLoader{batches: batches, size: 2},
		im: &fakeIntermediateModel{
			fakeModel: fakeModel{logits: rankedLogits},
			layers:    layers,
			dim:       4,
		},
	}
	h.ds = &datasets.Dataset{
		Name:            "sketch",
		Loader:          h.loader,
		DecisionMapping: testMapping(),
		Metrics:         []metrics.Metric{&stubMetric{}},
	}
	h.ex = &Extractor{
		LoadModel: func(name string) (model.Model, model.Backend, error) {
			h.im.name = name
			return h.im, backend, nil
		},
		LoadDataset: func(name string, opts ...datasets.Option) (*datasets.Dataset, error) {
			return h.ds, nil
		},
		CacheDir:  t.TempDir(),
		OutputDir: filepath.Join(t.TempDir(), "results"),
		Log:       quietLogger(),
	}
	return h
}

func TestExtractRejectsONNXBeforeAnyBatch(t *testing.T) {
	h := newExtractHarness(t, model.BackendONNX, 2, 3)

	err := h.ex.Run(context.Background(), []string{"net-a"}, []string{"sketch"}, Options{})
	assert.ErrorContains(t, err, "not supported for layer extraction")
	assert.Zero(t, h.loader.produced)
}

func TestExtractRejectsUnknownBackend(t *testing.T) {
	h := newExtractHarness(t, model.Backend("tf"), 1, 1)

	err := h.ex.Run(context.Background(), []string{"net-a"}, []string{"sketch"}, Options{})
	assert.ErrorContains(t, err, "unsupported extractor backend")
}

func TestExtractInstallsLayerMetricTrio(t *testing.T) {
	h := newExtractHarness(t, model.BackendGorgonia, 2, 3)

	err := h.ex.Run(context.Background(), []string{"net-a"}, []string{"sketch"}, Options{})
	require.NoError(t, err)

	require.Len(t, h.ds.LayerMetrics, 3)
	assert.Equal(t, "reciprocal-rank", h.ds.LayerMetrics[0].Name())
	assert.Equal(t, "probability", h.ds.LayerMetrics[1].Name())
	assert.Equal(t, "entropy", h.ds.LayerMetrics[2].Name())

	// Head ran once per layer per batch.
	assert.Equal(t, 6, h.im.heads)

	for _, metric := range h.ds.LayerMetrics {
		values := metric.Value()
		require.Len(t, values, 3, metric.Name())
		for layer := 0; layer < 3; layer++ {
			_, ok := values[layer]
			assert.True(t, ok, "%s missing layer %d", metric.Name(), layer)
		}
	}

	rr := h.ds.LayerMetrics[0].Value()
	// Every target is "a" and the head always ranks "a" first.
	assert.InDelta(t, 1.0, rr[0], 1e-6)

	// Probability and entropy need the raw per-category distribution, so a
	// nonzero value proves the mapping was switched to raw probabilities.
	prob := h.ds.LayerMetrics[1].Value()
	assert.Greater(t, prob[0], 0.0)
	assert.LessOrEqual(t, prob[0], 1.0)

	entropy := h.ds.LayerMetrics[2].Value()
	assert.Greater(t, entropy[0], 0.0)
}

func TestExtractWritesLayerCSV(t *testing.T) {
	h := newExtractHarness(t, model.BackendGorgonia, 1, 2)

	err := h.ex.Run(context.Background(), []string{"net-a"}, []string{"sketch"},
		Options{PrintPredictions: true})
	require.NoError(t, err)

	rows := readCSV(t, filepath.Join(h.ex.OutputDir, "sketch_net-a_layers.csv"))
	// Header plus 3 metrics x 2 layers.
	require.Len(t, rows, 7)
	assert.Equal(t, []string{"model", "dataset", "metric", "layer", "value"}, rows[0])
	assert.Equal(t, "reciprocal-rank", rows[1][2])
	assert.Equal(t, "0", rows[1][3])
	assert.Equal(t, "1", rows[2][3])
}

func TestFlattenTokensConcatenatesPrefixFirst(t *testing.T) {
	prefix := tensor.New(tensor.WithShape(1, 1, 2), tensor.Of(tensor.Float32),
		tensor.WithBacking([]float32{1, 2}))
	spatial := tensor.New(tensor.WithShape(1, 2, 1, 2), tensor.Of(tensor.Float32),
		tensor.WithBacking([]float32{3, 4, 5, 6}))

	features, err := flattenTokens(model.LayerFeatures{Prefix: prefix, Spatial: spatial})
	require.NoError(t, err)

	assert.Equal(t, []int{1, 3, 2}, []int(features.Shape()))
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, features.Data().([]float32))
}

func TestFlattenTokensRejectsMismatchedDims(t *testing.T) {
	prefix := tensor.New(tensor.WithShape(1, 1, 2), tensor.Of(tensor.Float32),
		tensor.WithBacking([]float32{1, 2}))
	spatial := tensor.New(tensor.WithShape(2, 1, 1, 2), tensor.Of(tensor.Float32),
		tensor.WithBacking(make([]float32, 4)))

	_, err := flattenTokens(model.LayerFeatures{Prefix: prefix, Spatial: spatial})
	assert.Error(t, err)
}
