package datasets

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/percept-ai/go-psychbench/decision"
	"github.com/percept-ai/go-psychbench/metrics"
)

// benchmarks lists the recognized benchmark dataset names. Every benchmark
// uses the 16-category decision mapping and is scored with top-1 accuracy by
// default.
var benchmarks = []string{
	"colour",
	"contrast",
	"cue-conflict",
	"edge",
	"eidolonI",
	"eidolonII",
	"eidolonIII",
	"false-colour",
	"high-pass",
	"low-pass",
	"phase-scrambling",
	"power-equalisation",
	"rotation",
	"silhouette",
	"sketch",
	"stylized",
	"uniform-noise",
}

// Names returns all recognized benchmark dataset names.
func Names() []string {
	out := make([]string, len(benchmarks))
	copy(out, benchmarks)
	return out
}

// Option configures dataset loading.
type Option func(*loadConfig)

type loadConfig struct {
	dataRoot  string
	batchSize int
}

// WithDataRoot overrides the directory stimuli are read from. The default is
// $PSYCHBENCH_DATA, falling back to ./stimuli.
func WithDataRoot(root string) Option {
	return func(c *loadConfig) { c.dataRoot = root }
}

// WithBatchSize overrides the loader batch size.
func WithBatchSize(size int) Option {
	return func(c *loadConfig) { c.batchSize = size }
}

// DefaultDataRoot returns the directory benchmark stimuli are read from.
func DefaultDataRoot() string {
	if root := os.Getenv("PSYCHBENCH_DATA"); root != "" {
		return root
	}
	return "stimuli"
}

// Load constructs a named benchmark dataset.
//
// Arguments:
//   - name: One of the names returned by Names.
//   - opts: Optional loader configuration.
//
// Returns:
//   - *Dataset: The dataset with its loader, decision mapping and metrics.
//   - error: An error if the name is unknown or the stimuli are missing.
func Load(name string, opts ...Option) (*Dataset, error) {
	known := false
	for _, b := range benchmarks {
		if b == name {
			known = true
			break
		}
	}
	if !known {
		return nil, errors.Errorf("datasets: unknown benchmark %q", name)
	}

	config := loadConfig{dataRoot: DefaultDataRoot()}
	for _, opt := range opts {
		opt(&config)
	}

	loader, err := NewImageFolder(
		filepath.Join(config.dataRoot, name),
		ImageFolderConfig{BatchSize: config.batchSize},
	)
	if err != nil {
		return nil, errors.Wrapf(err, "datasets: loading %q", name)
	}

	return &Dataset{
		Name:            name,
		Loader:          loader,
		DecisionMapping: decision.ImageNet16(),
		Metrics:         []metrics.Metric{metrics.NewAccuracy(1)},
	}, nil
}
