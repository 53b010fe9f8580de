package sageattn

import (
	"github.com/gomlx/exceptions"
)

// Swizzle classes for the on-chip data layout, selected by the tile's
// minor-dimension byte width. The class is fixed at descriptor build time;
// a minor width outside {32, 64, 128} bytes has no legal layout and fails
// descriptor construction.
const (
	Swizzle32B  = 32
	Swizzle64B  = 64
	Swizzle128B = 128
)

// RegionDesc is an opaque descriptor over a tiled 4-D row-major region,
// the software analogue of the hardware copy engine's tensor-map handle.
// It is built once per call by the host wrapper and consumed by the
// kernel's load primitive.
//
// Axes are in canonical order (batch, head, major, minor) regardless of
// the host tensor layout: the host folds the layout into the strides when
// it builds the descriptor.
type RegionDesc[E Element] struct {
	base    []E
	dims    [4]int
	strides [4]int

	tileMajor int
	tileMinor int
	elemSize  int
	swizzle   int
}

// NewRegionDesc builds a region descriptor over base with the given
// per-axis extents and element strides and a (major × minor) tile shape.
// Element width must be 1 or 2 bytes and the tile's minor byte width must
// be exactly 32, 64 or 128. Construction failure is a device-level fault:
// it aborts via panic rather than returning an error, distinct from the
// host wrapper's argument errors.
func NewRegionDesc[E Element](base []E, dims, strides [4]int, tileMajor, tileMinor, elemSize int) *RegionDesc[E] {
	if elemSize != 1 && elemSize != 2 {
		exceptions.Panicf("sageattn: region descriptor element width must be 1 or 2 bytes, got %d", elemSize)
	}
	minorBytes := tileMinor * elemSize
	if minorBytes != Swizzle32B && minorBytes != Swizzle64B && minorBytes != Swizzle128B {
		exceptions.Panicf("sageattn: tile minor width must be 32, 64 or 128 bytes, got %d", minorBytes)
	}
	for i, d := range dims {
		if d <= 0 {
			exceptions.Panicf("sageattn: region descriptor axis %d has extent %d", i, d)
		}
	}
	return &RegionDesc[E]{
		base:      base,
		dims:      dims,
		strides:   strides,
		tileMajor: tileMajor,
		tileMinor: tileMinor,
		elemSize:  elemSize,
		swizzle:   minorBytes,
	}
}

// TileBytes returns the byte count one Load contributes to its barrier,
// the value the kernel passes to Barrier.ExpectTx before issuing the load.
func (d *RegionDesc[E]) TileBytes() int {
	return d.tileMajor * d.tileMinor * d.elemSize
}

// Load issues a non-blocking transfer of one tile-shaped block starting at
// the given per-axis offsets into dst, which must hold tileMajor*tileMinor
// elements. Rows or columns that fall outside the region extents are
// zero-filled, as the hardware engine does for out-of-bounds coordinates.
// Completion is signalled asynchronously by crediting the full tile byte
// count to bar; the caller must have declared the expectation first or the
// arrival can be missed.
func (d *RegionDesc[E]) Load(dst []E, bar *Barrier, off [4]int) {
	go func() {
		var zero E
		for r := 0; r < d.tileMajor; r++ {
			dstRow := dst[r*d.tileMinor : (r+1)*d.tileMinor]
			major := off[2] + r
			if major >= d.dims[2] {
				for i := range dstRow {
					dstRow[i] = zero
				}
				continue
			}
			src := off[0]*d.strides[0] + off[1]*d.strides[1] + major*d.strides[2] + off[3]*d.strides[3]
			n := d.tileMinor
			if rem := d.dims[3] - off[3]; rem < n {
				n = rem
			}
			if n < 0 {
				n = 0
			}
			copy(dstRow[:n], d.base[src:src+n])
			for i := n; i < d.tileMinor; i++ {
				dstRow[i] = zero
			}
		}
		bar.CompleteTx(d.TileBytes())
	}()
}
