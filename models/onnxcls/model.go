// Package onnxcls - Image classifiers served by ONNX Runtime.
package onnxcls

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"
)

var ortInit sync.Once

// initRuntime initializes the native ONNX Runtime once per process.
func initRuntime() error {
	var err error
	ortInit.Do(func() {
		if lib := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		err = ort.InitializeEnvironment()
	})
	if err != nil {
		return errors.Wrap(err, "onnxcls: initializing ONNX Runtime")
	}
	return nil
}

// Config configures an ONNX classifier session.
type Config struct {
	// Path to the .onnx graph in the local weights cache.
	Path string
	// InputName and OutputName are the graph's input and logit node names.
	InputName  string
	OutputName string
	// Classes is the width of the logit output.
	Classes int
}

// Model is a classifier backed by a dynamic ONNX Runtime session. Input
// batches use NHWC layout, matching graphs exported with channels-last
// input; use the datasets NHWC adapter when feeding it NCHW loaders.
type Model struct {
	name    string
	config  Config
	session *ort.DynamicAdvancedSession
}

// New creates an ONNX classifier from a graph file.
func New(name string, config Config) (*Model, error) {
	if _, err := os.Stat(config.Path); err != nil {
		return nil, errors.Wrapf(err, "onnxcls: model file for %s", name)
	}
	if err := initRuntime(); err != nil {
		return nil, err
	}
	if config.InputName == "" {
		config.InputName = "input"
	}
	if config.OutputName == "" {
		config.OutputName = "logits"
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "onnxcls: creating session options")
	}
	defer options.Destroy()
	options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended)

	session, err := ort.NewDynamicAdvancedSession(
		config.Path,
		[]string{config.InputName},
		[]string{config.OutputName},
		options,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "onnxcls: creating session for %s", name)
	}

	return &Model{name: name, config: config, session: session}, nil
}

// Name implements model.Model.
func (m *Model) Name() string {
	return m.name
}

// ForwardBatch implements model.Model. images must be (N,H,W,C) float32.
func (m *Model) ForwardBatch(images *tensor.Dense) (*tensor.Dense, error) {
	shape := images.Shape()
	if len(shape) != 4 {
		return nil, errors.Errorf("onnxcls: expected (N,H,W,C) batch, got %v", shape)
	}
	data, ok := images.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("onnxcls: expected float32 batch, got %T", images.Data())
	}

	dims := make([]int64, len(shape))
	for i, d := range shape {
		dims[i] = int64(d)
	}
	input, err := ort.NewTensor(ort.NewShape(dims...), data)
	if err != nil {
		return nil, errors.Wrap(err, "onnxcls: creating input tensor")
	}
	defer input.Destroy()

	outputs := []ort.Value{nil}
	if err := m.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, errors.Wrapf(err, "onnxcls: running %s", m.name)
	}
	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, errors.Errorf("onnxcls: unexpected output type %T", outputs[0])
	}
	defer out.Destroy()

	logits := out.GetData()
	n := shape[0]
	k := len(logits) / n
	if m.config.Classes > 0 && k != m.config.Classes {
		return nil, errors.Errorf("onnxcls: expected %d classes, got %d", m.config.Classes, k)
	}

	backing := make([]float32, len(logits))
	copy(backing, logits)
	return tensor.New(
		tensor.WithShape(n, k),
		tensor.Of(tensor.Float32),
		tensor.WithBacking(backing),
	), nil
}

// Close releases the native session.
func (m *Model) Close() error {
	if m.session == nil {
		return nil
	}
	err := m.session.Destroy()
	m.session = nil
	if err != nil {
		return errors.Wrapf(err, "onnxcls: destroying session for %s", m.name)
	}
	return nil
}
