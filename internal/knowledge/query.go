package knowledge

import (
	"iter"
	"slices"
	"strings"

	"github.com/cognitivecities/neuralhub/internal/core"
)

// Predicate selects items in a query
type Predicate func(core.KnowledgeItem) bool

// Query returns the items accepted by pred, ordered by id. The sequence is
// lazy and restartable: each iteration snapshots the store and evaluates
// pred only as far as the consumer reads. A nil pred matches everything.
func (s *Store) Query(pred Predicate) iter.Seq[core.KnowledgeItem] {
	return func(yield func(core.KnowledgeItem) bool) {
		for _, item := range s.snapshot() {
			if pred != nil && !pred(item) {
				continue
			}
			if !yield(item) {
				return
			}
		}
	}
}

func (s *Store) snapshot() []core.KnowledgeItem {
	s.mu.RLock()
	items := make([]core.KnowledgeItem, 0, len(s.items))
	for _, item := range s.items {
		items = append(items, item.Clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(items, func(a, b core.KnowledgeItem) int {
		return strings.Compare(a.ID, b.ID)
	})
	return items
}

// Matching selects items whose content or id contains text (case-insensitive)
// and that carry every tag. Empty text matches all content.
func Matching(text string, tags ...string) Predicate {
	needle := strings.ToLower(text)
	return func(item core.KnowledgeItem) bool {
		if needle != "" &&
			!strings.Contains(strings.ToLower(item.Content), needle) &&
			!strings.Contains(strings.ToLower(item.ID), needle) {
			return false
		}
		for _, tag := range tags {
			if !slices.Contains(item.Tags, tag) {
				return false
			}
		}
		return true
	}
}

// OfKind selects items of one kind
func OfKind(kind string) Predicate {
	return func(item core.KnowledgeItem) bool {
		return item.Kind == kind
	}
}

// MinConfidence selects items with at least the given stored confidence
func MinConfidence(min float64) Predicate {
	return func(item core.KnowledgeItem) bool {
		return item.Confidence >= min
	}
}

// All combines predicates; every one must hold
func All(preds ...Predicate) Predicate {
	return func(item core.KnowledgeItem) bool {
		for _, p := range preds {
			if p != nil && !p(item) {
				return false
			}
		}
		return true
	}
}

// Collect drains seq into a slice, stopping after limit items when limit > 0
func Collect(seq iter.Seq[core.KnowledgeItem], limit int) []core.KnowledgeItem {
	out := []core.KnowledgeItem{}
	for item := range seq {
		out = append(out, item)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
