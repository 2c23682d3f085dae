// Package batchutils holds the pure helpers the pipeline uses around the scheduler: grouping
// ROIs of similar size, padding them to a common size, recommending batch sizes, and flattening
// per-frame structures into batch slots and back.
package batchutils

import (
	"image"
	"sort"
)

// Group is a set of ROIs whose widths and heights all lie within maxDimDiff of each other.
type Group struct {
	// Indices are positions in the input slice, ascending.
	Indices []int
	// Min and Max are the smallest and largest width/height in the group, per axis.
	Min image.Point
	Max image.Point
}

// Size is the smallest size every member fits in without cropping.
func (g Group) Size() image.Point {
	return g.Max
}

func (g Group) admits(p image.Point, maxDimDiff int) bool {
	return max(g.Max.X, p.X)-min(g.Min.X, p.X) <= maxDimDiff &&
		max(g.Max.Y, p.Y)-min(g.Min.Y, p.Y) <= maxDimDiff
}

// GroupBySize partitions sizes so that any two members of a group differ in width and in height
// by at most maxDimDiff. Larger ROIs seed groups first, and each ROI joins the first group that
// admits it. The result is deterministic; groups are ordered by their first index.
func GroupBySize(sizes []image.Point, maxDimDiff int) []Group {
	if maxDimDiff < 0 {
		maxDimDiff = 0
	}
	order := make([]int, len(sizes))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return area(sizes[order[a]]) > area(sizes[order[b]])
	})

	var groups []Group
	for _, idx := range order {
		p := sizes[idx]
		placed := false
		for g := range groups {
			if groups[g].admits(p, maxDimDiff) {
				groups[g].Indices = append(groups[g].Indices, idx)
				groups[g].Min = image.Pt(min(groups[g].Min.X, p.X), min(groups[g].Min.Y, p.Y))
				groups[g].Max = image.Pt(max(groups[g].Max.X, p.X), max(groups[g].Max.Y, p.Y))
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, Group{Indices: []int{idx}, Min: p, Max: p})
		}
	}

	for g := range groups {
		sort.Ints(groups[g].Indices)
	}
	sort.Slice(groups, func(a, b int) bool {
		return groups[a].Indices[0] < groups[b].Indices[0]
	})
	return groups
}

func area(p image.Point) int {
	return p.X * p.Y
}
