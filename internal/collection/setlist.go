package collection

import (
	"encoding/json"
	"errors"
	"iter"
	"slices"
)

// UniqueOrderedList holds distinct values in insertion order. When T is an
// interface type, values whose dynamic type is not comparable are never
// stored: Add refuses them and lookups report them absent.
type UniqueOrderedList[T comparable] struct {
	items []T
}

// NewUniqueOrderedList creates a list seeded with values, skipping repeats.
func NewUniqueOrderedList[T comparable](values ...T) *UniqueOrderedList[T] {
	l := &UniqueOrderedList[T]{}
	for _, v := range values {
		l.Add(v)
	}
	return l
}

// Add appends value unless it is already present or cannot be compared. It
// reports whether the list changed.
func (l *UniqueOrderedList[T]) Add(value T) bool {
	if !comparableValue(value) || l.Contains(value) {
		return false
	}
	l.items = append(l.items, value)
	return true
}

func (l *UniqueOrderedList[T]) Contains(value T) bool {
	return l.IndexOf(value) >= 0
}

func (l *UniqueOrderedList[T]) IndexOf(value T) int {
	if !comparableValue(value) {
		return -1
	}
	return slices.Index(l.items, value)
}

// Remove deletes value and reports whether it was present.
func (l *UniqueOrderedList[T]) Remove(value T) bool {
	i := l.IndexOf(value)
	if i < 0 {
		return false
	}
	l.items = slices.Delete(l.items, i, i+1)
	return true
}

// ForEach calls fn in insertion order. Returning ErrStop halts iteration;
// a positive stopAt halts once the index reaches it.
func (l *UniqueOrderedList[T]) ForEach(fn func(index int, value T) error, stopAt int) error {
	for i, v := range l.items {
		if stopAt > 0 && i >= stopAt {
			return nil
		}
		if err := fn(i, v); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (l *UniqueOrderedList[T]) All() iter.Seq2[int, T] {
	return slices.All(l.items)
}

func (l *UniqueOrderedList[T]) Backward() iter.Seq2[int, T] {
	return slices.Backward(l.items)
}

// ToArray returns a copy of the values.
func (l *UniqueOrderedList[T]) ToArray() []T {
	return slices.Clone(l.items)
}

func (l *UniqueOrderedList[T]) MarshalJSON() ([]byte, error) {
	if l.items == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l.items)
}

func (l *UniqueOrderedList[T]) Len() int {
	return len(l.items)
}

func (l *UniqueOrderedList[T]) Clear() {
	l.items = nil
}
