package evaluate

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/percept-ai/go-psychbench/datasets"
	"github.com/percept-ai/go-psychbench/decision"
	"github.com/percept-ai/go-psychbench/metrics"
	"github.com/percept-ai/go-psychbench/models/model"
)

// fakeLoader produces a fixed number of synthetic batches and counts how
// often it is reset and read.
type fakeLoader struct {
	batches  int
	size     int
	cursor   int
	resets   int
	produced int
}

func (l *fakeLoader) Reset() error {
	l.cursor = 0
	l.resets++
	return nil
}

func (l *fakeLoader) Categories() []string {
	return []string{"a", "b", "c", "d"}
}

func (l *fakeLoader) Next() (*datasets.Batch, error) {
	if l.cursor >= l.batches {
		return nil, io.EOF
	}
	l.cursor++
	l.produced++

	n := l.size
	batch := &datasets.Batch{
		Images: tensor.New(
			tensor.WithShape(n, 3, 2, 2),
			tensor.Of(tensor.Float32),
			tensor.WithBacking(make([]float32, n*12)),
		),
		Targets: make([]string, n),
		Paths:   make([]string, n),
	}
	for i := 0; i < n; i++ {
		batch.Targets[i] = "a"
		batch.Paths[i] = fmt.Sprintf("a/img-%d-%d.png", l.produced, i)
	}
	return batch, nil
}

// fakeModel returns the same logit row for every example.
type fakeModel struct {
	name   string
	logits []float32
}

func (m *fakeModel) Name() string { return m.name }

func (m *fakeModel) ForwardBatch(images *tensor.Dense) (*tensor.Dense, error) {
	n := images.Shape()[0]
	k := len(m.logits)
	backing := make([]float32, n*k)
	for i := 0; i < n; i++ {
		copy(backing[i*k:(i+1)*k], m.logits)
	}
	return tensor.New(
		tensor.WithShape(n, k), tensor.Of(tensor.Float32), tensor.WithBacking(backing)), nil
}

// stubMetric counts resets and updates; clones register themselves in a
// shared slice so tests can observe deep-copied metric state.
type stubMetric struct {
	resets  int
	updates int
	clones  *[]*stubMetric
}

func (s *stubMetric) Name() string { return "stub" }
func (s *stubMetric) Reset()       { s.resets++ }
func (s *stubMetric) Update(decisions [][]string, targets []string, paths []string) {
	s.updates++
}
func (s *stubMetric) Value() float64 { return 0 }
func (s *stubMetric) String() string { return "stub: 0" }
func (s *stubMetric) Clone() metrics.Metric {
	c := &stubMetric{clones: s.clones}
	if s.clones != nil {
		*s.clones = append(*s.clones, c)
	}
	return c
}

func testMapping() decision.Mapper {
	return decision.NewCategoryMapping(4, map[string][]int{
		"a": {0}, "b": {1}, "c": {2}, "d": {3},
	})
}

// rankedLogits yields decisions a > b > c > d under testMapping.
var rankedLogits = []float32{4, 3, 2, 1}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	ev       *Evaluator
	loader   *fakeLoader
	metric   *stubMetric
	loads    int
	datasets int
}

// newHarness builds an evaluator with one fake dataset and models of the
// given backend.
func newHarness(t *testing.T, backend model.Backend, batches int) *harness {
	t.Helper()
	h := &harness{
		loader: &fakeLoader{batches: batches, size: 2},
		metric: &stubMetric{},
	}
	ds := &datasets.Dataset{
		Name:            "sketch",
		Loader:          h.loader,
		DecisionMapping: testMapping(),
		Metrics:         []metrics.Metric{h.metric},
	}
	h.ev = &Evaluator{
		LoadModel: func(name string) (model.Model, model.Backend, error) {
			h.loads++
			return &fakeModel{name: name, logits: rankedLogits}, backend, nil
		},
		LoadDataset: func(name string, opts ...datasets.Option) (*datasets.Dataset, error) {
			h.datasets++
			return ds, nil
		},
		CacheDir:  t.TempDir(),
		OutputDir: filepath.Join(t.TempDir(), "results"),
		Log:       quietLogger(),
	}
	return h
}

func TestMetricsResetBeforeEachModel(t *testing.T) {
	h := newHarness(t, model.BackendGorgonia, 3)

	err := h.ev.Run(context.Background(), []string{"net-a", "net-b"}, []string{"sketch"}, Options{})
	require.NoError(t, err)

	// One reset per model pass, one update per batch per pass.
	assert.Equal(t, 2, h.metric.resets)
	assert.Equal(t, 6, h.metric.updates)
	assert.Equal(t, 2, h.loader.resets)
	// Datasets are loaded once and shared across models.
	assert.Equal(t, 1, h.datasets)
	assert.Equal(t, 2, h.loads)
}

func TestNoOutputAndNoEvictionBelowThreshold(t *testing.T) {
	h := newHarness(t, model.BackendGorgonia, 2)
	cached := filepath.Join(h.ev.CacheDir, "net_a_imagenet.weights")
	require.NoError(t, os.WriteFile(cached, []byte("w"), 0o644))

	err := h.ev.Run(context.Background(), []string{"net-a", "net-b"}, []string{"sketch"}, Options{})
	require.NoError(t, err)

	// print_predictions off: not even the output directory is created.
	_, statErr := os.Stat(h.ev.OutputDir)
	assert.True(t, os.IsNotExist(statErr))

	// Two models stay below the cache threshold; nothing is evicted.
	_, statErr = os.Stat(cached)
	assert.NoError(t, statErr)
}

func TestEvictionAndPerformanceRowsAtThreshold(t *testing.T) {
	h := newHarness(t, model.BackendGorgonia, 1)
	files := map[string]bool{
		"net_a_imagenet.weights": true,  // evicted for net-a
		"Net_B.onnx":             true,  // evicted for net-b (case-insensitive)
		"net_c.weights":          true,  // evicted for net-c
		"unrelated.bin":          false, // no model prefix, stays
	}
	for name := range files {
		require.NoError(t, os.WriteFile(filepath.Join(h.ev.CacheDir, name), []byte("w"), 0o644))
	}

	err := h.ev.Run(context.Background(),
		[]string{"net-a", "net-b", "net-c"}, []string{"sketch"},
		Options{PrintPredictions: true})
	require.NoError(t, err)

	for name, evicted := range files {
		_, statErr := os.Stat(filepath.Join(h.ev.CacheDir, name))
		if evicted {
			assert.True(t, os.IsNotExist(statErr), "expected %s to be evicted", name)
		} else {
			assert.NoError(t, statErr, "expected %s to survive", name)
		}
	}

	rows := readCSV(t, filepath.Join(h.ev.OutputDir, "performance.csv"))
	// Header plus one row per (model, dataset, metric).
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"model", "dataset", "metric", "value"}, rows[0])
	assert.Equal(t, "net-a", rows[1][0])
	assert.Equal(t, "sketch", rows[1][1])
	assert.Equal(t, "stub", rows[1][2])
}

func TestEvictionIsSilentWhenCacheDirMissing(t *testing.T) {
	h := newHarness(t, model.BackendGorgonia, 1)
	h.ev.CacheDir = filepath.Join(t.TempDir(), "absent")

	err := h.ev.Run(context.Background(),
		[]string{"net-a", "net-b", "net-c"}, []string{"sketch"}, Options{})
	assert.NoError(t, err)
}

func TestUnknownBackendFails(t *testing.T) {
	h := newHarness(t, model.Backend("mxnet"), 1)

	err := h.ev.Run(context.Background(), []string{"net-a"}, []string{"sketch"}, Options{})
	assert.ErrorContains(t, err, "unsupported evaluator backend")
	assert.Zero(t, h.loader.produced)
}

func TestONNXRunUsesClonedMetrics(t *testing.T) {
	h := newHarness(t, model.BackendONNX, 2)
	var clones []*stubMetric
	h.metric.clones = &clones

	err := h.ev.Run(context.Background(), []string{"net-a"}, []string{"sketch"}, Options{})
	require.NoError(t, err)

	// The shared dataset's metric is untouched; its clone took the updates.
	assert.Zero(t, h.metric.resets)
	assert.Zero(t, h.metric.updates)
	require.Len(t, clones, 1)
	assert.Equal(t, 1, clones[0].resets)
	assert.Equal(t, 2, clones[0].updates)
}

func TestPredictionRowsWrittenPerExample(t *testing.T) {
	h := newHarness(t, model.BackendGorgonia, 2)

	err := h.ev.Run(context.Background(), []string{"net-a"}, []string{"sketch"},
		Options{PrintPredictions: true})
	require.NoError(t, err)

	rows := readCSV(t, filepath.Join(h.ev.OutputDir, "sketch_net-a_predictions.csv"))
	// Header plus 2 batches x 2 examples.
	require.Len(t, rows, 5)
	assert.Equal(t,
		[]string{"model", "dataset", "object_response", "target", "image_path"}, rows[0])
	assert.Equal(t, []string{"net-a", "sketch", "a", "a", "a/img-1-0.png"}, rows[1])
}

func TestAccuracyEndToEnd(t *testing.T) {
	h := newHarness(t, model.BackendGorgonia, 2)
	acc := metrics.NewAccuracy(1)
	ds, err := h.ev.LoadDataset("sketch")
	require.NoError(t, err)
	ds.Metrics = []metrics.Metric{acc}

	err = h.ev.Run(context.Background(), []string{"net-a"}, []string{"sketch"}, Options{})
	require.NoError(t, err)

	// Logits rank "a" first and every target is "a".
	assert.Equal(t, 1.0, acc.Value())
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "resnet50_sin", normalizeName("ResNet50-SIN"))
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}
