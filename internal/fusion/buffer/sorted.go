package buffer

import (
	"slices"
	"sort"
)

type entry[T any] struct {
	t float64
	v T
}

// Sorted holds values keyed by a continuous timestamp in strictly ascending
// order. Lookups that find nothing return the container's invalid value
// together with false.
//
// Sorted is not safe for concurrent use.
type Sorted[T any] struct {
	items   []entry[T]
	invalid T
}

// NewSorted returns an empty container whose failed lookups yield invalid.
func NewSorted[T any](invalid T) *Sorted[T] {
	return &Sorted[T]{invalid: invalid}
}

// Invalid returns the sentinel value.
func (s *Sorted[T]) Invalid() T { return s.invalid }

func (s *Sorted[T]) Len() int { return len(s.items) }

func (s *Sorted[T]) Clear() {
	clear(s.items)
	s.items = s.items[:0]
}

// search returns the index of the first entry with time >= t.
func (s *Sorted[T]) search(t float64) int {
	return sort.Search(len(s.items), func(i int) bool { return s.items[i].t >= t })
}

// Insert places v at time t. An existing entry at exactly t is replaced
// (latest wins) and Insert reports true.
func (s *Sorted[T]) Insert(t float64, v T) (replaced bool) {
	i := s.search(t)
	if i < len(s.items) && s.items[i].t == t {
		s.items[i].v = v
		return true
	}
	s.items = slices.Insert(s.items, i, entry[T]{t: t, v: v})
	return false
}

// Index returns the position of the entry at exactly t, or -1.
func (s *Sorted[T]) Index(t float64) int {
	i := s.search(t)
	if i < len(s.items) && s.items[i].t == t {
		return i
	}
	return -1
}

// Entry returns the time and value at position i.
func (s *Sorted[T]) Entry(i int) (float64, T) {
	e := s.items[i]
	return e.t, e.v
}

func (s *Sorted[T]) First() (float64, T, bool) {
	if len(s.items) == 0 {
		return 0, s.invalid, false
	}
	e := s.items[0]
	return e.t, e.v, true
}

func (s *Sorted[T]) Last() (float64, T, bool) {
	if len(s.items) == 0 {
		return 0, s.invalid, false
	}
	e := s.items[len(s.items)-1]
	return e.t, e.v, true
}

// At returns the entry at exactly t.
func (s *Sorted[T]) At(t float64) (T, bool) {
	if i := s.Index(t); i >= 0 {
		return s.items[i].v, true
	}
	return s.invalid, false
}

// AtOrBefore returns the newest entry with time <= t.
func (s *Sorted[T]) AtOrBefore(t float64) (T, bool) {
	i := s.search(t)
	if i < len(s.items) && s.items[i].t == t {
		return s.items[i].v, true
	}
	if i == 0 {
		return s.invalid, false
	}
	return s.items[i-1].v, true
}

// AtOrAfter returns the oldest entry with time >= t.
func (s *Sorted[T]) AtOrAfter(t float64) (T, bool) {
	i := s.search(t)
	if i == len(s.items) {
		return s.invalid, false
	}
	return s.items[i].v, true
}

// Before returns the newest entry with time strictly before t.
func (s *Sorted[T]) Before(t float64) (T, bool) {
	i := s.search(t)
	if i == 0 {
		return s.invalid, false
	}
	return s.items[i-1].v, true
}

// After returns the oldest entry with time strictly after t.
func (s *Sorted[T]) After(t float64) (T, bool) {
	i := sort.Search(len(s.items), func(i int) bool { return s.items[i].t > t })
	if i == len(s.items) {
		return s.invalid, false
	}
	return s.items[i].v, true
}

// Closest returns the entry nearest to t. Ties go to the earlier entry.
func (s *Sorted[T]) Closest(t float64) (T, bool) {
	if len(s.items) == 0 {
		return s.invalid, false
	}
	i := s.search(t)
	switch {
	case i == 0:
		return s.items[0].v, true
	case i == len(s.items):
		return s.items[i-1].v, true
	}
	before, after := s.items[i-1], s.items[i]
	if after.t-t < t-before.t {
		return after.v, true
	}
	return before.v, true
}

// Ascend calls fn for every entry with time >= from, oldest first, until fn
// returns false.
func (s *Sorted[T]) Ascend(from float64, fn func(t float64, v T) bool) {
	for i := s.search(from); i < len(s.items); i++ {
		if !fn(s.items[i].t, s.items[i].v) {
			return
		}
	}
}

// Descend calls fn for every entry with time strictly before from, newest
// first, until fn returns false.
func (s *Sorted[T]) Descend(from float64, fn func(t float64, v T) bool) {
	for i := s.search(from) - 1; i >= 0; i-- {
		if !fn(s.items[i].t, s.items[i].v) {
			return
		}
	}
}

// PruneBefore removes every entry with time strictly before t and returns
// how many were removed.
func (s *Sorted[T]) PruneBefore(t float64) int {
	n := s.search(t)
	if n == 0 {
		return 0
	}
	s.items = slices.Delete(s.items, 0, n)
	return n
}

// Times returns the timestamps in ascending order.
func (s *Sorted[T]) Times() []float64 {
	out := make([]float64, len(s.items))
	for i, e := range s.items {
		out[i] = e.t
	}
	return out
}
