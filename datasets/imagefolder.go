package datasets

import (
	"io"
	"sort"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/percept-ai/go-psychbench/images"
	"github.com/percept-ai/go-psychbench/util"
)

// ImageFolder loads batches from a directory laid out as
// <root>/<category>/<image>, decoding and preprocessing stimuli to
// normalized (N,C,H,W) float32 on the fly.
type ImageFolder struct {
	root       string
	stimuli    []util.Stimulus
	categories []string
	batchSize  int
	width      int
	height     int
	norm       images.Normalization
	cursor     int
}

// ImageFolderConfig configures an ImageFolder loader.
type ImageFolderConfig struct {
	BatchSize     int
	Width         int
	Height        int
	Normalization images.Normalization
}

// NewImageFolder creates an image-folder loader rooted at root.
func NewImageFolder(root string, config ImageFolderConfig) (*ImageFolder, error) {
	if config.BatchSize <= 0 {
		config.BatchSize = 16
	}
	if config.Width <= 0 {
		config.Width = 224
	}
	if config.Height <= 0 {
		config.Height = 224
	}
	if config.Normalization == (images.Normalization{}) {
		config.Normalization = images.ImageNetNormalization
	}

	stimuli, err := util.ListStimuli(root)
	if err != nil {
		return nil, errors.Wrap(err, "datasets: listing stimuli")
	}

	seen := map[string]bool{}
	var categories []string
	for _, s := range stimuli {
		if !seen[s.Category] {
			seen[s.Category] = true
			categories = append(categories, s.Category)
		}
	}
	sort.Strings(categories)

	return &ImageFolder{
		root:       root,
		stimuli:    stimuli,
		categories: categories,
		batchSize:  config.BatchSize,
		width:      config.Width,
		height:     config.Height,
		norm:       config.Normalization,
	}, nil
}

// Categories implements Loader.
func (f *ImageFolder) Categories() []string {
	out := make([]string, len(f.categories))
	copy(out, f.categories)
	return out
}

// Reset implements Loader.
func (f *ImageFolder) Reset() error {
	f.cursor = 0
	return nil
}

// Next implements Loader.
func (f *ImageFolder) Next() (*Batch, error) {
	if f.cursor >= len(f.stimuli) {
		return nil, io.EOF
	}

	end := f.cursor + f.batchSize
	if end > len(f.stimuli) {
		end = len(f.stimuli)
	}
	window := f.stimuli[f.cursor:end]
	f.cursor = end

	n := len(window)
	channelSize := f.width * f.height
	backing := make([]float32, n*3*channelSize)
	batch := &Batch{
		Targets: make([]string, n),
		Paths:   make([]string, n),
	}

	for i, s := range window {
		img, err := images.ReadRGB(s.Path)
		if err != nil {
			return nil, errors.Wrap(err, "datasets: loading batch")
		}
		copy(backing[i*3*channelSize:(i+1)*3*channelSize],
			images.ToNCHW(img, f.width, f.height, f.norm))
		batch.Targets[i] = s.Category
		batch.Paths[i] = s.Path
	}

	batch.Images = tensor.New(
		tensor.WithShape(n, 3, f.height, f.width),
		tensor.Of(tensor.Float32),
		tensor.WithBacking(backing),
	)
	return batch, nil
}
