package sageattn

import (
	"testing"
)

func loadTile[E Element](d *RegionDesc[E], off [4]int) []E {
	dst := make([]E, d.tileMajor*d.tileMinor)
	var bar Barrier
	bar.Init(1)
	bar.ExpectTx(d.TileBytes())
	d.Load(dst, &bar, off)
	bar.Wait(0)
	return dst
}

func TestRegionDescLoad(t *testing.T) {
	// (1, 2, 8, 32) region of sequential values, one 4x32 tile at a time.
	data := make([]int8, 2*8*32)
	for i := range data {
		data[i] = int8(i % 127)
	}
	d := NewRegionDesc(data, [4]int{1, 2, 8, 32}, [4]int{2 * 8 * 32, 8 * 32, 32, 1}, 4, 32, 1)

	tile := loadTile(d, [4]int{0, 1, 4, 0})
	for r := 0; r < 4; r++ {
		for c := 0; c < 32; c++ {
			want := data[8*32+(4+r)*32+c]
			if tile[r*32+c] != want {
				t.Fatalf("tile[%d][%d] = %d, expected %d", r, c, tile[r*32+c], want)
			}
		}
	}
}

// Rows beyond the region's major extent must be zero-filled
func TestRegionDescZeroFillMajor(t *testing.T) {
	data := make([]int8, 5*32)
	for i := range data {
		data[i] = 1
	}
	d := NewRegionDesc(data, [4]int{1, 1, 5, 32}, [4]int{5 * 32, 5 * 32, 32, 1}, 4, 32, 1)

	tile := loadTile(d, [4]int{0, 0, 4, 0})
	for c := 0; c < 32; c++ {
		if tile[c] != 1 {
			t.Fatalf("row 0 col %d = %d, expected 1", c, tile[c])
		}
	}
	for i := 32; i < len(tile); i++ {
		if tile[i] != 0 {
			t.Fatalf("out-of-bounds element %d = %d, expected 0", i, tile[i])
		}
	}
}

// Columns beyond the region's minor extent must be zero-filled
func TestRegionDescZeroFillMinor(t *testing.T) {
	data := make([]FP8E4M3, 4*160)
	for i := range data {
		data[i] = FP8E4M3(0x38)
	}
	d := NewRegionDesc(data, [4]int{1, 1, 4, 160}, [4]int{4 * 160, 4 * 160, 160, 1}, 4, 128, 1)

	tile := loadTile(d, [4]int{0, 0, 0, 128})
	for r := 0; r < 4; r++ {
		for c := 0; c < 128; c++ {
			want := FP8E4M3(0)
			if c < 32 {
				want = 0x38
			}
			if tile[r*128+c] != want {
				t.Fatalf("tile[%d][%d] = 0x%02X, expected 0x%02X", r, c, tile[r*128+c], want)
			}
		}
	}
}

func TestRegionDescTileBytes(t *testing.T) {
	data := make([]int8, 64*64)
	d := NewRegionDesc(data, [4]int{1, 1, 64, 64}, [4]int{64 * 64, 64 * 64, 64, 1}, 64, 64, 1)
	if d.TileBytes() != 64*64 {
		t.Errorf("TileBytes = %d, expected %d", d.TileBytes(), 64*64)
	}
}

// Illegal descriptor geometry is a fatal fault, not an error return
func TestRegionDescInvalidMinorWidth(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for 48-byte minor width")
		}
	}()
	data := make([]int8, 48)
	NewRegionDesc(data, [4]int{1, 1, 1, 48}, [4]int{48, 48, 48, 1}, 1, 48, 1)
}
