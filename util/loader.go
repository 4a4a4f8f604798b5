package util

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// Stimulus is one benchmark image file together with its ground-truth
// category, taken from the name of the directory the file sits in.
type Stimulus struct {
	// Path is the path to the image file.
	Path string
	// Category is the ground-truth category label.
	Category string
}

// ListStimuli reads all stimulus image files from a benchmark directory laid
// out as <root>/<category>/<image>.
//
// Arguments:
// - root: Benchmark directory containing one subdirectory per category.
//
// Returns:
// - []Stimulus: Stimuli sorted by category, then file name.
// - error: Error if listing fails or no stimuli are found.
func ListStimuli(root string) ([]Stimulus, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "util: reading %s", root)
	}

	var stimuli []Stimulus
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		category := entry.Name()
		dir := filepath.Join(root, category)
		files, err := os.ReadDir(dir)
		if err != nil {
			return nil, errors.Wrapf(err, "util: reading %s", dir)
		}
		for _, file := range files {
			if file.IsDir() {
				continue
			}
			switch filepath.Ext(file.Name()) {
			case ".jpg", ".jpeg", ".png", ".bmp":
				stimuli = append(stimuli, Stimulus{
					Path:     filepath.Join(dir, file.Name()),
					Category: category,
				})
			}
		}
	}

	if len(stimuli) == 0 {
		return nil, errors.Errorf("util: no stimuli found under %s", root)
	}

	sort.Slice(stimuli, func(i, j int) bool {
		if stimuli[i].Category != stimuli[j].Category {
			return stimuli[i].Category < stimuli[j].Category
		}
		return stimuli[i].Path < stimuli[j].Path
	})

	return stimuli, nil
}
