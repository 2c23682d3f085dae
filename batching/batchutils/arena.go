package batchutils

import (
	"image"
	"image/draw"
	"sync"
)

// ChunkSize is the size in bytes of the pooled slabs an Arena carves crops from.
const ChunkSize = 4 << 20

var chunkPool = sync.Pool{
	New: func() interface{} {
		b := make([]uint8, ChunkSize)
		return &b
	},
}

// Arena hands out crops backed by a few large pooled slabs instead of one allocation per crop.
// Crops stay valid until Release. An Arena is not safe for concurrent use.
type Arena struct {
	chunks []*[]uint8
	cur    []uint8
	used   int
}

// NewArena returns an empty Arena.
func NewArena() *Arena {
	return &Arena{}
}

func (a *Arena) alloc(n int) []uint8 {
	if n > ChunkSize {
		a.used += n
		return make([]uint8, n)
	}
	if len(a.cur) < n {
		chunk := chunkPool.Get().(*[]uint8)
		a.chunks = append(a.chunks, chunk)
		a.cur = *chunk
	}
	buf := a.cur[:n:n]
	a.cur = a.cur[n:]
	a.used += n
	return buf
}

// Crop copies the part of src inside r into an arena-backed image whose bounds start at the
// origin. r is clipped to src's bounds; an empty intersection yields an empty image.
func (a *Arena) Crop(src image.Image, r image.Rectangle) *image.NRGBA {
	r = r.Intersect(src.Bounds())
	w, h := r.Dx(), r.Dy()
	dst := &image.NRGBA{
		Pix:    a.alloc(4 * w * h),
		Stride: 4 * w,
		Rect:   image.Rect(0, 0, w, h),
	}
	if w > 0 && h > 0 {
		draw.Draw(dst, dst.Rect, src, r.Min, draw.Src)
	}
	return dst
}

// Used returns the number of pixel bytes handed out since the last Release.
func (a *Arena) Used() int {
	return a.used
}

// Release returns the slabs to the pool. Crops taken from the arena must not be used afterwards.
func (a *Arena) Release() {
	for _, c := range a.chunks {
		chunkPool.Put(c)
	}
	a.chunks = nil
	a.cur = nil
	a.used = 0
}
