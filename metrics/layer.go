package metrics

import (
	"fmt"
	"sort"

	"github.com/chewxy/math32"

	"github.com/percept-ai/go-psychbench/decision"
)

// LayerMetric is a running statistic accumulated per intermediate layer
// during representation extraction. Each update carries the layer index the
// batch's features were taken from.
type LayerMetric interface {
	Name() string
	Reset()
	// Update folds one batch at one layer into the statistic. dec carries
	// both the ranked decisions and the per-category probabilities.
	Update(dec *decision.Decision, targets []string, paths []string, layer int)
	// Value maps layer index to the mean statistic at that layer.
	Value() map[int]float64
	String() string
}

// layerMean accumulates a per-layer running mean.
type layerMean struct {
	sums   map[int]float64
	counts map[int]int
}

func newLayerMean() layerMean {
	return layerMean{sums: map[int]float64{}, counts: map[int]int{}}
}

func (l *layerMean) reset() {
	l.sums = map[int]float64{}
	l.counts = map[int]int{}
}

func (l *layerMean) add(layer int, v float64) {
	l.sums[layer] += v
	l.counts[layer]++
}

func (l *layerMean) value() map[int]float64 {
	out := make(map[int]float64, len(l.sums))
	for layer, sum := range l.sums {
		out[layer] = sum / float64(l.counts[layer])
	}
	return out
}

func (l *layerMean) summary(name string) string {
	v := l.value()
	layers := make([]int, 0, len(v))
	for layer := range v {
		layers = append(layers, layer)
	}
	sort.Ints(layers)
	s := name + ":"
	for _, layer := range layers {
		s += fmt.Sprintf(" L%d=%.4f", layer, v[layer])
	}
	return s
}

// ReciprocalRank tracks the mean reciprocal rank of the true category in the
// ranked decisions, per layer.
type ReciprocalRank struct {
	acc layerMean
}

// NewReciprocalRank creates a reciprocal-rank accumulator.
func NewReciprocalRank() *ReciprocalRank {
	return &ReciprocalRank{acc: newLayerMean()}
}

// Name implements LayerMetric.
func (r *ReciprocalRank) Name() string { return "reciprocal-rank" }

// Reset implements LayerMetric.
func (r *ReciprocalRank) Reset() { r.acc.reset() }

// Update implements LayerMetric.
func (r *ReciprocalRank) Update(dec *decision.Decision, targets []string, paths []string, layer int) {
	for i, ranked := range dec.Decisions {
		if i >= len(targets) {
			break
		}
		for rank, name := range ranked {
			if name == targets[i] {
				r.acc.add(layer, 1/float64(rank+1))
				break
			}
		}
	}
}

// Value implements LayerMetric.
func (r *ReciprocalRank) Value() map[int]float64 { return r.acc.value() }

// String implements LayerMetric.
func (r *ReciprocalRank) String() string { return r.acc.summary(r.Name()) }

// Probability tracks the mean probability mass assigned to the true
// category, per layer.
type Probability struct {
	acc layerMean
}

// NewProbability creates a true-category probability accumulator.
func NewProbability() *Probability {
	return &Probability{acc: newLayerMean()}
}

// Name implements LayerMetric.
func (p *Probability) Name() string { return "probability" }

// Reset implements LayerMetric.
func (p *Probability) Reset() { p.acc.reset() }

// Update implements LayerMetric.
func (p *Probability) Update(dec *decision.Decision, targets []string, paths []string, layer int) {
	for i, probs := range dec.Probabilities {
		if i >= len(targets) {
			break
		}
		for c, name := range dec.Categories {
			if name == targets[i] {
				p.acc.add(layer, float64(probs[c]))
				break
			}
		}
	}
}

// Value implements LayerMetric.
func (p *Probability) Value() map[int]float64 { return p.acc.value() }

// String implements LayerMetric.
func (p *Probability) String() string { return p.acc.summary(p.Name()) }

// Entropy tracks the mean Shannon entropy (in bits) of the per-category
// probability distribution, per layer.
type Entropy struct {
	acc layerMean
}

// NewEntropy creates an entropy accumulator.
func NewEntropy() *Entropy {
	return &Entropy{acc: newLayerMean()}
}

// Name implements LayerMetric.
func (e *Entropy) Name() string { return "entropy" }

// Reset implements LayerMetric.
func (e *Entropy) Reset() { e.acc.reset() }

// Update implements LayerMetric.
func (e *Entropy) Update(dec *decision.Decision, targets []string, paths []string, layer int) {
	for _, probs := range dec.Probabilities {
		var h float32
		for _, p := range probs {
			if p > 0 {
				h -= p * math32.Log2(p)
			}
		}
		e.acc.add(layer, float64(h))
	}
}

// Value implements LayerMetric.
func (e *Entropy) Value() map[int]float64 { return e.acc.value() }

// String implements LayerMetric.
func (e *Entropy) String() string { return e.acc.summary(e.Name()) }
