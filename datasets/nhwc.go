package datasets

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// nhwcLoader wraps a Loader and transposes its batches from (N,C,H,W) to
// (N,H,W,C), the layout ONNX sessions exported with channels-last input
// expect.
type nhwcLoader struct {
	inner Loader
}

// ToNHWC wraps loader so every batch it produces is converted to NHWC.
func ToNHWC(loader Loader) Loader {
	return &nhwcLoader{inner: loader}
}

func (l *nhwcLoader) Reset() error {
	return l.inner.Reset()
}

func (l *nhwcLoader) Categories() []string {
	return l.inner.Categories()
}

func (l *nhwcLoader) Next() (*Batch, error) {
	batch, err := l.inner.Next()
	if err != nil {
		return nil, err
	}

	shape := batch.Images.Shape()
	if len(shape) != 4 {
		return nil, errors.Errorf("datasets: NHWC conversion expects (N,C,H,W), got %v", shape)
	}
	n, c, h, w := shape[0], shape[1], shape[2], shape[3]
	src, ok := batch.Images.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("datasets: NHWC conversion expects float32, got %T", batch.Images.Data())
	}

	dst := make([]float32, len(src))
	for i := 0; i < n; i++ {
		for ch := 0; ch < c; ch++ {
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					dst[((i*h+y)*w+x)*c+ch] = src[((i*c+ch)*h+y)*w+x]
				}
			}
		}
	}

	batch.Images = tensor.New(
		tensor.WithShape(n, h, w, c),
		tensor.Of(tensor.Float32),
		tensor.WithBacking(dst),
	)
	return batch, nil
}
