// Package datasets - Benchmark datasets and their batch loaders.
package datasets

import (
	"gorgonia.org/tensor"

	"github.com/percept-ai/go-psychbench/decision"
	"github.com/percept-ai/go-psychbench/metrics"
)

// Batch is one batch of stimuli produced by a Loader.
type Batch struct {
	// Images holds the pixel data, (N,C,H,W) float32 for gorgonia-backed
	// models or (N,H,W,C) after NHWC conversion.
	Images *tensor.Dense
	// Targets holds the ground-truth category per example. May be nil when
	// the loader emits numeric targets instead.
	Targets []string
	// TargetIndices holds numeric ground-truth labels, indices into the
	// loader's Categories. Only consulted when Targets is nil.
	TargetIndices []int
	// Paths holds the stimulus file path per example.
	Paths []string
}

// Loader produces batches of stimuli. Next returns io.EOF after the last
// batch; Reset rewinds to the first batch.
type Loader interface {
	Reset() error
	Next() (*Batch, error)
	// Categories returns the category label set, indexed by TargetIndices.
	Categories() []string
}

// Dataset is one benchmark dataset: a batch loader, the decision mapping
// applied to model outputs, and the metric accumulators to fill.
type Dataset struct {
	Name            string
	Loader          Loader
	DecisionMapping decision.Mapper
	Metrics         []metrics.Metric
	// LayerMetrics is populated by the extraction orchestrator; it is empty
	// for plain evaluation runs.
	LayerMetrics []metrics.LayerMetric
}

// Clone returns a copy of the dataset with independent metric state. The
// underlying loader is shared (evaluation passes are sequential and reset
// the loader before iterating); the clone's loader may be re-wrapped without
// affecting the original. LayerMetrics are not carried over.
func (d *Dataset) Clone() *Dataset {
	cloned := &Dataset{
		Name:            d.Name,
		Loader:          d.Loader,
		DecisionMapping: d.DecisionMapping,
		Metrics:         make([]metrics.Metric, len(d.Metrics)),
	}
	for i, m := range d.Metrics {
		cloned.Metrics[i] = m.Clone()
	}
	return cloned
}
