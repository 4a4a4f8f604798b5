package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/percept-ai/go-psychbench/decision"
)

func TestAccuracyTop1(t *testing.T) {
	acc := NewAccuracy(1)

	acc.Update(
		[][]string{{"dog", "cat"}, {"cat", "dog"}, {"dog", "cat"}},
		[]string{"dog", "dog", "dog"},
		[]string{"a.png", "b.png", "c.png"},
	)

	assert.InDelta(t, 2.0/3.0, acc.Value(), 1e-9)
	assert.Contains(t, acc.String(), "accuracy (top-1)")
}

func TestAccuracyTopK(t *testing.T) {
	acc := NewAccuracy(2)

	acc.Update(
		[][]string{{"cat", "dog"}, {"cat", "bird"}},
		[]string{"dog", "dog"},
		[]string{"a.png", "b.png"},
	)

	assert.InDelta(t, 0.5, acc.Value(), 1e-9)
}

func TestAccuracyResetClearsState(t *testing.T) {
	acc := NewAccuracy(1)
	acc.Update([][]string{{"dog"}}, []string{"dog"}, []string{"a.png"})
	assert.Equal(t, 1.0, acc.Value())

	acc.Reset()
	assert.Equal(t, 0.0, acc.Value())
}

func TestAccuracyCloneIsIndependent(t *testing.T) {
	acc := NewAccuracy(1)
	acc.Update([][]string{{"dog"}}, []string{"dog"}, []string{"a.png"})

	cloned := acc.Clone()
	assert.Equal(t, 0.0, cloned.Value())

	cloned.Update([][]string{{"cat"}}, []string{"dog"}, []string{"b.png"})
	assert.Equal(t, 1.0, acc.Value())
	assert.Equal(t, 0.0, cloned.Value())
}

func layerDecision() *decision.Decision {
	return &decision.Decision{
		Decisions:     [][]string{{"b", "a", "c", "d"}},
		Probabilities: [][]float32{{0.25, 0.25, 0.25, 0.25}},
		Categories:    []string{"a", "b", "c", "d"},
	}
}

func TestReciprocalRankPerLayer(t *testing.T) {
	rr := NewReciprocalRank()
	dec := layerDecision()

	rr.Update(dec, []string{"a"}, []string{"a.png"}, 0)
	rr.Update(dec, []string{"b"}, []string{"a.png"}, 0)
	rr.Update(dec, []string{"a"}, []string{"a.png"}, 1)

	values := rr.Value()
	assert.Len(t, values, 2)
	assert.InDelta(t, 0.75, values[0], 1e-9) // mean of 1/2 and 1/1
	assert.InDelta(t, 0.5, values[1], 1e-9)
}

func TestProbabilityTracksTrueCategoryMass(t *testing.T) {
	p := NewProbability()
	dec := &decision.Decision{
		Decisions:     [][]string{{"a", "b"}},
		Probabilities: [][]float32{{0.7, 0.3}},
		Categories:    []string{"a", "b"},
	}

	p.Update(dec, []string{"b"}, []string{"a.png"}, 2)

	values := p.Value()
	assert.InDelta(t, 0.3, values[2], 1e-6)
}

func TestEntropyOfUniformDistribution(t *testing.T) {
	e := NewEntropy()

	e.Update(layerDecision(), []string{"a"}, []string{"a.png"}, 0)

	// Uniform over 4 categories is exactly 2 bits.
	assert.InDelta(t, 2.0, e.Value()[0], 1e-5)
}

func TestLayerMetricResetClearsAllLayers(t *testing.T) {
	rr := NewReciprocalRank()
	rr.Update(layerDecision(), []string{"a"}, []string{"a.png"}, 0)
	rr.Update(layerDecision(), []string{"a"}, []string{"a.png"}, 1)
	assert.Len(t, rr.Value(), 2)

	rr.Reset()
	assert.Empty(t, rr.Value())
}
