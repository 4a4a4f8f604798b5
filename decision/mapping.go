// Package decision - Mappings from model output probabilities to category decisions.
package decision

import (
	"sort"

	"github.com/pkg/errors"
)

// Decision is the result of mapping a batch of class probabilities onto
// benchmark categories.
type Decision struct {
	// Decisions holds, per example, the category names ranked from most to
	// least probable.
	Decisions [][]string
	// Probabilities holds, per example, the normalized probability assigned
	// to each category. Only populated when the mapping is configured to
	// return raw probabilities; columns align with Categories.
	Probabilities [][]float32
	// Categories is the fixed category order for Probabilities columns.
	Categories []string
}

// Mapper converts class-level probabilities into category decisions.
type Mapper interface {
	Decide(probs [][]float32) (*Decision, error)
}

// RawProber is implemented by mappings that can additionally expose the
// per-category probability distribution, used by layer-wise extraction.
type RawProber interface {
	SetReturnRawProbs(raw bool)
}

// CategoryMapping aggregates class probabilities into category scores by
// averaging over each category's member class indices, then ranks the
// categories by score.
type CategoryMapping struct {
	categories []string
	members    map[string][]int
	numClasses int
	rawProbs   bool
}

// NewCategoryMapping creates a mapping over numClasses model outputs.
// members maps each category name to the class indices belonging to it.
func NewCategoryMapping(numClasses int, members map[string][]int) *CategoryMapping {
	categories := make([]string, 0, len(members))
	for name := range members {
		categories = append(categories, name)
	}
	sort.Strings(categories)
	return &CategoryMapping{
		categories: categories,
		members:    members,
		numClasses: numClasses,
	}
}

// Categories returns the category names in column order.
func (m *CategoryMapping) Categories() []string {
	out := make([]string, len(m.categories))
	copy(out, m.categories)
	return out
}

// SetReturnRawProbs toggles whether Decide attaches the normalized
// per-category probability distribution to its result.
func (m *CategoryMapping) SetReturnRawProbs(raw bool) {
	m.rawProbs = raw
}

// Decide maps a batch of class probabilities to ranked category decisions.
//
// Arguments:
//   - probs: Per-example class probabilities, each row of length numClasses.
//
// Returns:
//   - *Decision: Ranked decisions (and raw probabilities when enabled).
//   - error: An error if a row has the wrong width.
func (m *CategoryMapping) Decide(probs [][]float32) (*Decision, error) {
	dec := &Decision{
		Decisions:  make([][]string, len(probs)),
		Categories: m.Categories(),
	}
	if m.rawProbs {
		dec.Probabilities = make([][]float32, len(probs))
	}

	for i, row := range probs {
		if len(row) != m.numClasses {
			return nil, errors.Errorf(
				"decision: expected %d class probabilities, got %d", m.numClasses, len(row))
		}

		scores := make([]float32, len(m.categories))
		var total float32
		for c, name := range m.categories {
			idxs := m.members[name]
			var sum float32
			for _, idx := range idxs {
				sum += row[idx]
			}
			if len(idxs) > 0 {
				scores[c] = sum / float32(len(idxs))
			}
			total += scores[c]
		}

		order := make([]int, len(scores))
		for j := range order {
			order[j] = j
		}
		sort.SliceStable(order, func(a, b int) bool {
			return scores[order[a]] > scores[order[b]]
		})

		ranked := make([]string, len(order))
		for j, c := range order {
			ranked[j] = m.categories[c]
		}
		dec.Decisions[i] = ranked

		if m.rawProbs {
			normalized := make([]float32, len(scores))
			if total > 0 {
				for c := range scores {
					normalized[c] = scores[c] / total
				}
			}
			dec.Probabilities[i] = normalized
		}
	}

	return dec, nil
}
