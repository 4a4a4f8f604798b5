package evaluate

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// ResultWriter appends evaluation results to CSV files under a single
// output directory. Files (and the directory itself) are only created on
// first write, so a run without print-predictions leaves no trace.
type ResultWriter struct {
	dir   string
	files map[string]*csvFile
}

type csvFile struct {
	f *os.File
	w *csv.Writer
}

// NewResultWriter creates a writer rooted at dir.
func NewResultWriter(dir string) *ResultWriter {
	return &ResultWriter{dir: dir, files: map[string]*csvFile{}}
}

// open returns the CSV file with the given name, creating it (and writing
// the header) on first use.
func (rw *ResultWriter) open(name string, header []string) (*csv.Writer, error) {
	if file, ok := rw.files[name]; ok {
		return file.w, nil
	}
	if err := os.MkdirAll(rw.dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "evaluate: creating output directory")
	}
	f, err := os.Create(filepath.Join(rw.dir, name))
	if err != nil {
		return nil, errors.Wrapf(err, "evaluate: creating %s", name)
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "evaluate: writing header of %s", name)
	}
	rw.files[name] = &csvFile{f: f, w: w}
	return w, nil
}

// AppendPredictions writes one row per example in the batch to the
// dataset/model prediction file.
func (rw *ResultWriter) AppendPredictions(
	modelName, datasetName string,
	decisions [][]string,
	targets []string,
	paths []string,
) error {
	name := fmt.Sprintf("%s_%s_predictions.csv", datasetName, modelName)
	w, err := rw.open(name, []string{"model", "dataset", "object_response", "target", "image_path"})
	if err != nil {
		return err
	}
	for i, ranked := range decisions {
		response := ""
		if len(ranked) > 0 {
			response = ranked[0]
		}
		target, path := "", ""
		if i < len(targets) {
			target = targets[i]
		}
		if i < len(paths) {
			path = paths[i]
		}
		if err := w.Write([]string{modelName, datasetName, response, target, path}); err != nil {
			return errors.Wrapf(err, "evaluate: writing %s", name)
		}
	}
	w.Flush()
	return errors.Wrapf(w.Error(), "evaluate: flushing %s", name)
}

// AppendPerformance writes one performance summary row.
func (rw *ResultWriter) AppendPerformance(modelName, datasetName, metricName string, value float64) error {
	w, err := rw.open("performance.csv", []string{"model", "dataset", "metric", "value"})
	if err != nil {
		return err
	}
	if err := w.Write([]string{modelName, datasetName, metricName, formatValue(value)}); err != nil {
		return errors.Wrap(err, "evaluate: writing performance.csv")
	}
	w.Flush()
	return errors.Wrap(w.Error(), "evaluate: flushing performance.csv")
}

// AppendLayerValues writes the per-layer value mapping of one metric, one
// row per layer in ascending layer order.
func (rw *ResultWriter) AppendLayerValues(
	modelName, datasetName, metricName string,
	values map[int]float64,
) error {
	name := fmt.Sprintf("%s_%s_layers.csv", datasetName, modelName)
	w, err := rw.open(name, []string{"model", "dataset", "metric", "layer", "value"})
	if err != nil {
		return err
	}
	layers := make([]int, 0, len(values))
	for layer := range values {
		layers = append(layers, layer)
	}
	sort.Ints(layers)
	for _, layer := range layers {
		row := []string{modelName, datasetName, metricName, fmt.Sprintf("%d", layer), formatValue(values[layer])}
		if err := w.Write(row); err != nil {
			return errors.Wrapf(err, "evaluate: writing %s", name)
		}
	}
	w.Flush()
	return errors.Wrapf(w.Error(), "evaluate: flushing %s", name)
}

// Close flushes and closes all open result files.
func (rw *ResultWriter) Close() error {
	var first error
	for name, file := range rw.files {
		file.w.Flush()
		if err := file.w.Error(); err != nil && first == nil {
			first = errors.Wrapf(err, "evaluate: flushing %s", name)
		}
		if err := file.f.Close(); err != nil && first == nil {
			first = errors.Wrapf(err, "evaluate: closing %s", name)
		}
	}
	rw.files = map[string]*csvFile{}
	return first
}

func formatValue(v float64) string {
	return fmt.Sprintf("%.6f", v)
}
