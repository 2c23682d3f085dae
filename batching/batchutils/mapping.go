package batchutils

import "github.com/pkg/errors"

// Slot locates one flattened element in its original frame.
type Slot struct {
	Frame int
	Index int
}

// Mapping records how Flatten laid out per-frame elements so results can be scattered back.
type Mapping struct {
	slots  []Slot
	counts []int
}

// Flatten concatenates per-frame slices in frame order and records where each element came from.
func Flatten[T any](perFrame [][]T) ([]T, Mapping) {
	m := Mapping{counts: make([]int, len(perFrame))}
	var flat []T
	for f, elems := range perFrame {
		m.counts[f] = len(elems)
		for i, e := range elems {
			flat = append(flat, e)
			m.slots = append(m.slots, Slot{Frame: f, Index: i})
		}
	}
	return flat, m
}

// Len is the number of flattened elements.
func (m Mapping) Len() int {
	return len(m.slots)
}

// Frames is the number of frames that were flattened, including frames with no elements.
func (m Mapping) Frames() int {
	return len(m.counts)
}

// Slot returns the origin of flattened element i.
func (m Mapping) Slot(i int) Slot {
	return m.slots[i]
}

// MapResults scatters flat results back into per-frame slices shaped like the input to Flatten.
// Frames with no elements get an empty, non-nil slice.
func MapResults[R any](flat []R, m Mapping) ([][]R, error) {
	if len(flat) != len(m.slots) {
		return nil, errors.Errorf("have %d results for %d flattened elements", len(flat), len(m.slots))
	}
	out := make([][]R, len(m.counts))
	for f, n := range m.counts {
		out[f] = make([]R, n)
	}
	for i, r := range flat {
		s := m.slots[i]
		out[s.Frame][s.Index] = r
	}
	return out, nil
}
