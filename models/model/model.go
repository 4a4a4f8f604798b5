// Package model - Core model interfaces shared by the inference backends.
package model

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Backend identifies the deep-learning backend a model runs on. It selects
// the evaluator and the tensor layout convention used for its batches.
type Backend string

const (
	// BackendGorgonia runs models as gorgonia graphs built in-process.
	// Batches are NCHW.
	BackendGorgonia Backend = "gorgonia"
	// BackendONNX runs models through ONNX Runtime sessions. Batches are
	// NHWC, matching graphs exported with channels-last input.
	BackendONNX Backend = "onnx"
)

// Backends is a list of all supported backends.
var Backends = []Backend{BackendGorgonia, BackendONNX}

// Model is a pretrained classifier.
type Model interface {
	// Name is the registry name of the model.
	Name() string
	// ForwardBatch runs inference on one batch of images and returns the
	// class logits with shape (N, classes).
	ForwardBatch(images *tensor.Dense) (*tensor.Dense, error)
}

// LayerFeatures holds one intermediate layer's token representations.
type LayerFeatures struct {
	// Prefix holds the prefix (class) tokens with shape (N, P, D).
	Prefix *tensor.Dense
	// Spatial holds the spatial tokens; any shape (N, ..., D). Callers
	// flatten the middle dimensions before concatenating with Prefix.
	Spatial *tensor.Dense
}

// IntermediateModel is implemented by models that can expose per-layer token
// representations and re-run their classification head on them.
type IntermediateModel interface {
	Model
	// ForwardIntermediates runs inference and returns the final feature
	// tokens (N, T, D) plus one LayerFeatures per encoder layer.
	ForwardIntermediates(images *tensor.Dense) (*tensor.Dense, []LayerFeatures, error)
	// ForwardHead runs the classification head on token features (N, T, D)
	// and returns logits (N, classes).
	ForwardHead(features *tensor.Dense) (*tensor.Dense, error)
}

// Softmax converts a (N, K) logit tensor into per-row probability
// distributions. Rows are shifted by their max before exponentiation.
func Softmax(logits *tensor.Dense) ([][]float32, error) {
	shape := logits.Shape()
	if len(shape) != 2 {
		return nil, errors.Errorf("model: softmax expects (N, K) logits, got %v", shape)
	}
	n, k := shape[0], shape[1]
	data, ok := logits.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("model: softmax expects float32 logits, got %T", logits.Data())
	}

	out := make([][]float32, n)
	for i := 0; i < n; i++ {
		row := data[i*k : (i+1)*k]
		max := row[0]
		for _, v := range row[1:] {
			if v > max {
				max = v
			}
		}
		probs := make([]float32, k)
		var sum float32
		for j, v := range row {
			probs[j] = math32.Exp(v - max)
			sum += probs[j]
		}
		for j := range probs {
			probs[j] /= sum
		}
		out[i] = probs
	}
	return out, nil
}
