// Package collection provides the in-memory ordered structures served by
// the keyspace: a score-ordered list (sorted set analogue) and an
// insertion-ordered unique list (set analogue). Neither type is safe for
// concurrent use.
package collection

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"slices"
	"sort"

	rayerrors "github.com/gitlab-az1/ray/internal/errors"
)

// KeepScore selects which duplicate survives RemoveDuplicates.
type KeepScore int

const (
	KeepHigher KeepScore = iota
	KeepLower
)

// Scored pairs a value with its score.
type Scored[T any] struct {
	Value T       `json:"value"`
	Score float64 `json:"score"`
}

// Element is yielded by iteration over a ScoreOrderedList.
type Element[T any] struct {
	Value T
	Score float64
	Index int
}

// ScoreOrderedList keeps values ascending by score. Equal scores keep their
// insertion order and duplicate values may coexist at different scores.
//
// When T is an interface type, values whose dynamic type is not comparable
// (slices, maps, funcs) are rejected by Add.
type ScoreOrderedList[T comparable] struct {
	items []item[T]
}

// NewScoreOrderedList creates an empty list.
func NewScoreOrderedList[T comparable]() *ScoreOrderedList[T] {
	return &ScoreOrderedList[T]{}
}

// Add inserts value at its score position. Zero, NaN and infinite scores
// and values that cannot be compared are rejected with InvalidArgument and
// leave the list unchanged.
func (l *ScoreOrderedList[T]) Add(value T, score float64) error {
	if score == 0 || math.IsNaN(score) || math.IsInf(score, 0) {
		return rayerrors.InvalidScore(score)
	}
	if !comparableValue(value) {
		return rayerrors.InvalidArgument("value is not comparable", nil).
			WithDetail("type", fmt.Sprintf("%T", value))
	}

	it := newItem(value, score)
	pos := sort.Search(len(l.items), func(i int) bool {
		return l.items[i].score > score
	})
	l.items = slices.Insert(l.items, pos, it)
	return nil
}

// Get returns the value at index.
func (l *ScoreOrderedList[T]) Get(index int) (T, bool) {
	if index < 0 || index >= len(l.items) {
		var zero T
		return zero, false
	}
	return l.items[index].plain(), true
}

// Select returns the values with start <= score <= end in list order.
func (l *ScoreOrderedList[T]) Select(start, end float64) []T {
	lo, hi := l.bounds(start, end)
	out := make([]T, 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = append(out, l.items[i].plain())
	}
	return out
}

// SelectWithScores is Select with each value paired with its score.
func (l *ScoreOrderedList[T]) SelectWithScores(start, end float64) []Scored[T] {
	lo, hi := l.bounds(start, end)
	out := make([]Scored[T], 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = append(out, Scored[T]{Value: l.items[i].plain(), Score: l.items[i].score})
	}
	return out
}

// bounds returns the half-open index range of items inside [start, end].
func (l *ScoreOrderedList[T]) bounds(start, end float64) (int, int) {
	if start > end || math.IsNaN(start) || math.IsNaN(end) {
		return 0, 0
	}
	lo := sort.Search(len(l.items), func(i int) bool {
		return l.items[i].score >= start
	})
	hi := sort.Search(len(l.items), func(i int) bool {
		return l.items[i].score > end
	})
	return lo, hi
}

// Remove deletes the first item whose value equals value.
func (l *ScoreOrderedList[T]) Remove(value T) bool {
	i := l.IndexOf(value)
	if i < 0 {
		return false
	}
	l.items = slices.Delete(l.items, i, i+1)
	return true
}

// IndexOf returns the position of the first item equal to value, or -1.
func (l *ScoreOrderedList[T]) IndexOf(value T) int {
	for i := range l.items {
		if l.items[i].peek() == value {
			return i
		}
	}
	return -1
}

// RemoveRange drops every item with start <= score <= end and returns how
// many were removed.
func (l *ScoreOrderedList[T]) RemoveRange(start, end float64) int {
	lo, hi := l.bounds(start, end)
	if hi > lo {
		l.items = slices.Delete(l.items, lo, hi)
	}
	return hi - lo
}

// MinScore returns the lowest score, or false on an empty list.
func (l *ScoreOrderedList[T]) MinScore() (float64, bool) {
	if len(l.items) == 0 {
		return 0, false
	}
	return l.items[0].score, true
}

// MaxScore returns the highest score, or false on an empty list.
func (l *ScoreOrderedList[T]) MaxScore() (float64, bool) {
	if len(l.items) == 0 {
		return 0, false
	}
	return l.items[len(l.items)-1].score, true
}

// IndexOfScore returns every position holding exactly score.
func (l *ScoreOrderedList[T]) IndexOfScore(score float64) []int {
	lo, hi := l.bounds(score, score)
	out := make([]int, 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = append(out, i)
	}
	return out
}

// RemoveDuplicates compares each item with its immediate predecessor and,
// when their values are equal, drops the one with the lower (KeepHigher) or
// higher (KeepLower) score. Duplicates that are not adjacent in score order
// are left alone. It returns the number of items removed.
func (l *ScoreOrderedList[T]) RemoveDuplicates(keep KeepScore) int {
	if len(l.items) < 2 {
		return 0
	}

	drop := make([]bool, len(l.items))
	for i := 1; i < len(l.items); i++ {
		prev, cur := &l.items[i-1], &l.items[i]
		if prev.peek() != cur.peek() {
			continue
		}

		switch keep {
		case KeepLower:
			if cur.score < prev.score {
				drop[i-1] = true
			} else {
				drop[i] = true
			}
		default:
			if cur.score > prev.score {
				drop[i-1] = true
			} else {
				drop[i] = true
			}
		}
	}

	kept := l.items[:0]
	removed := 0
	for i := range l.items {
		if drop[i] {
			removed++
			continue
		}
		kept = append(kept, l.items[i])
	}
	clear(l.items[len(kept):])
	l.items = kept
	return removed
}

// ToArray returns every value in score order.
func (l *ScoreOrderedList[T]) ToArray() []T {
	out := make([]T, len(l.items))
	for i := range l.items {
		out[i] = l.items[i].plain()
	}
	return out
}

// ToScored returns every value with its score, in score order.
func (l *ScoreOrderedList[T]) ToScored() []Scored[T] {
	out := make([]Scored[T], len(l.items))
	for i := range l.items {
		out[i] = Scored[T]{Value: l.items[i].plain(), Score: l.items[i].score}
	}
	return out
}

// MarshalJSON encodes the list as [{"value":..,"score":..}, ...].
func (l *ScoreOrderedList[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.ToScored())
}

// All iterates from the lowest score to the highest.
func (l *ScoreOrderedList[T]) All() iter.Seq[Element[T]] {
	return func(yield func(Element[T]) bool) {
		for i := 0; i < len(l.items); i++ {
			if !yield(Element[T]{Value: l.items[i].plain(), Score: l.items[i].score, Index: i}) {
				return
			}
		}
	}
}

// Backward iterates from the highest score to the lowest.
func (l *ScoreOrderedList[T]) Backward() iter.Seq[Element[T]] {
	return func(yield func(Element[T]) bool) {
		for i := len(l.items) - 1; i >= 0; i-- {
			if !yield(Element[T]{Value: l.items[i].plain(), Score: l.items[i].score, Index: i}) {
				return
			}
		}
	}
}

// ForEach calls fn for every element in score order. Returning ErrStop
// halts iteration; any other error is returned. A positive stopAt halts once
// the index reaches it.
func (l *ScoreOrderedList[T]) ForEach(fn func(Element[T]) error, stopAt int) error {
	for e := range l.All() {
		if stopAt > 0 && e.Index >= stopAt {
			return nil
		}
		if err := fn(e); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

// Len returns the number of items.
func (l *ScoreOrderedList[T]) Len() int {
	return len(l.items)
}

// Clear removes every item.
func (l *ScoreOrderedList[T]) Clear() {
	l.items = nil
}
