package vitlite

import (
	"encoding/binary"
	"math"
	"os"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// loadWeights reads a flat little-endian float32 weights file. The layout
// is: embed W (patchDim x Dim), embed b (Dim), prefix token (Dim), then per
// block W (Dim x Dim) and b (Dim), then head W (Dim x Classes) and head b
// (Classes).
func (m *Model) loadWeights(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "vitlite: reading weights for %s", m.name)
	}
	if len(raw)%4 != 0 {
		return errors.Errorf("vitlite: weights file %s is not a float32 stream", path)
	}

	floats := make([]float32, len(raw)/4)
	for i := range floats {
		floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}

	pd := m.config.patchDim()
	d := m.config.Dim
	k := m.config.Classes
	expected := pd*d + d + d + m.config.Blocks*(d*d+d) + d*k + k
	if len(floats) != expected {
		return errors.Errorf("vitlite: weights file %s holds %d floats, want %d",
			path, len(floats), expected)
	}

	cursor := 0
	take := func(count int) []float32 {
		out := floats[cursor : cursor+count]
		cursor += count
		return out
	}
	matrix := func(rows, cols int) *tensor.Dense {
		return tensor.New(
			tensor.WithShape(rows, cols),
			tensor.Of(tensor.Float32),
			tensor.WithBacking(take(rows*cols)),
		)
	}

	m.embedW = matrix(pd, d)
	m.embedB = matrix(1, d)
	m.cls = take(d)
	m.blockW = make([]*tensor.Dense, m.config.Blocks)
	m.blockB = make([]*tensor.Dense, m.config.Blocks)
	for l := 0; l < m.config.Blocks; l++ {
		m.blockW[l] = matrix(d, d)
		m.blockB[l] = matrix(1, d)
	}
	m.headW = matrix(d, k)
	m.headB = matrix(1, k)
	return nil
}
