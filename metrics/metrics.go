// Package metrics - Stateful accumulators for evaluation statistics.
package metrics

import "fmt"

// Metric is a running statistic accumulated over evaluation batches.
//
// Implementations are reset before every evaluation pass so results from a
// prior model never leak into the next.
type Metric interface {
	// Name is the stable identifier used in result files.
	Name() string
	// Reset returns the metric to its zero state.
	Reset()
	// Update folds one batch into the running statistic. decisions holds the
	// ranked category decisions per example, targets the ground-truth
	// category per example, and paths the stimulus file paths.
	Update(decisions [][]string, targets []string, paths []string)
	// Value is the current value of the statistic.
	Value() float64
	// String renders a human-readable summary for logging.
	String() string
	// Clone returns an independent metric with fresh state.
	Clone() Metric
}

// Accuracy tracks top-k classification accuracy.
type Accuracy struct {
	topK    int
	correct int
	total   int
}

// NewAccuracy creates a top-k accuracy accumulator. topK values below 1 are
// treated as top-1.
func NewAccuracy(topK int) *Accuracy {
	if topK < 1 {
		topK = 1
	}
	return &Accuracy{topK: topK}
}

// Name implements Metric.
func (a *Accuracy) Name() string {
	return fmt.Sprintf("accuracy (top-%d)", a.topK)
}

// Reset implements Metric.
func (a *Accuracy) Reset() {
	a.correct = 0
	a.total = 0
}

// Update implements Metric.
func (a *Accuracy) Update(decisions [][]string, targets []string, paths []string) {
	for i, ranked := range decisions {
		if i >= len(targets) {
			break
		}
		a.total++
		k := a.topK
		if k > len(ranked) {
			k = len(ranked)
		}
		for _, d := range ranked[:k] {
			if d == targets[i] {
				a.correct++
				break
			}
		}
	}
}

// Value implements Metric.
func (a *Accuracy) Value() float64 {
	if a.total == 0 {
		return 0
	}
	return float64(a.correct) / float64(a.total)
}

// String implements Metric.
func (a *Accuracy) String() string {
	return fmt.Sprintf("%s: %.4f", a.Name(), a.Value())
}

// Clone implements Metric.
func (a *Accuracy) Clone() Metric {
	return NewAccuracy(a.topK)
}
