package sageattn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randFloatTensor(r *rand.Rand, d0, d1, d2, d3 int) Tensor[float32] {
	t := NewTensor[float32](d0, d1, d2, d3)
	for i := range t.Data {
		t.Data[i] = r.Float32()*2 - 1
	}
	return t
}

func TestQuantizeInt8PerWarp(t *testing.T) {
	r := rand.New(rand.NewSource(21))
	q := randFloatTensor(r, 2, 3, 200, 64) // HND
	k := randFloatTensor(r, 2, 2, 300, 64)

	qi, qs, ki, ks, err := QuantizeInt8PerWarp(q, k, Scale3{}, LayoutHND)
	require.NoError(t, err)

	// ceil(200/64)=4 query tiles of 4 strips, ceil(300/128)=3 key tiles.
	assert.Equal(t, [3]int{2, 3, 16}, qs.Shape)
	assert.Equal(t, [3]int{2, 2, 3}, ks.Shape)

	// Dequantized values must sit within half a quantization step.
	for b := 0; b < 2; b++ {
		for h := 0; h < 3; h++ {
			for row := 0; row < 200; row++ {
				scale := qs.At(b, h, row/16)
				for c := 0; c < 64; c++ {
					got := float32(qi.At(b, h, row, c)) * scale
					want := q.At(b, h, row, c)
					require.LessOrEqual(t, math.Abs(float64(got-want)), float64(scale)*0.5+1e-6,
						"q[%d][%d][%d][%d]", b, h, row, c)
				}
			}
		}
	}
	for b := 0; b < 2; b++ {
		for h := 0; h < 2; h++ {
			for row := 0; row < 300; row++ {
				scale := ks.At(b, h, row/128)
				for c := 0; c < 64; c++ {
					got := float32(ki.At(b, h, row, c)) * scale
					want := k.At(b, h, row, c)
					require.LessOrEqual(t, math.Abs(float64(got-want)), float64(scale)*0.5+1e-6)
				}
			}
		}
	}
}

func TestQuantizeInt8PerThread(t *testing.T) {
	r := rand.New(rand.NewSource(22))
	q := randFloatTensor(r, 1, 130, 2, 128) // NHD: (batch, seq, head, dim)
	k := randFloatTensor(r, 1, 260, 2, 128)

	qi, qs, ki, ks, err := QuantizeInt8PerThread(q, k, Scale3{}, LayoutNHD)
	require.NoError(t, err)

	// ceil(130/64)=3 tiles -> 12 strips -> 96 query scale entries;
	// ceil(260/128)=3 key tiles -> 12 entries.
	assert.Equal(t, [3]int{1, 2, 96}, qs.Shape)
	assert.Equal(t, [3]int{1, 2, 12}, ks.Shape)

	for h := 0; h < 2; h++ {
		for row := 0; row < 130; row++ {
			scale := qs.At(0, h, refQScaleIdx(GranPerThread, row))
			for c := 0; c < 128; c++ {
				got := float32(qi.At(0, row, h, c)) * scale
				want := q.At(0, row, h, c)
				require.LessOrEqual(t, math.Abs(float64(got-want)), float64(scale)*0.5+1e-6)
			}
		}
		for row := 0; row < 260; row++ {
			scale := ks.At(0, h, refKScaleIdx(GranPerThread, row))
			for c := 0; c < 128; c++ {
				got := float32(ki.At(0, row, h, c)) * scale
				want := k.At(0, row, h, c)
				require.LessOrEqual(t, math.Abs(float64(got-want)), float64(scale)*0.5+1e-6)
			}
		}
	}
}

// Per-thread groups are finer than per-warp: each group's extremum should
// quantize to full range
func TestQuantizeInt8FullRange(t *testing.T) {
	r := rand.New(rand.NewSource(23))
	q := randFloatTensor(r, 1, 1, 64, 64)
	k := randFloatTensor(r, 1, 1, 128, 64)

	qi, _, ki, _, err := QuantizeInt8PerThread(q, k, Scale3{}, LayoutHND)
	require.NoError(t, err)

	maxAbs := func(data []int8) int {
		m := 0
		for _, v := range data {
			a := int(v)
			if a < 0 {
				a = -a
			}
			if a > m {
				m = a
			}
		}
		return m
	}
	// The epsilon in the scale pulls the extremum just below 127.
	assert.GreaterOrEqual(t, maxAbs(qi.Data), 126)
	assert.GreaterOrEqual(t, maxAbs(ki.Data), 126)
}

func TestQuantizeVFP8PerChannel(t *testing.T) {
	r := rand.New(rand.NewSource(24))
	v := randFloatTensor(r, 1, 2, 200, 64) // HND, seq 200 pads to 256

	vq, vs, err := QuantizeVFP8PerChannel(v, LayoutHND)
	require.NoError(t, err)
	require.Equal(t, [4]int{1, 2, 64, 256}, vq.Shape)
	require.Equal(t, [3]int{1, 2, 64}, vs.Shape)

	for h := 0; h < 2; h++ {
		for c := 0; c < 64; c++ {
			scale := vs.At(0, h, c)
			for row := 0; row < 200; row++ {
				got := vq.At(0, h, c, row).ToFloat32() * scale
				want := v.At(0, h, row, c)
				// e4m3 carries 3 mantissa bits: half-ULP relative error
				// plus the subnormal floor.
				bound := math.Abs(float64(want))/16 + float64(scale)*0.002
				assert.LessOrEqual(t, math.Abs(float64(got-want)), bound,
					"v[%d][%d][%d]", h, c, row)
			}
			for row := 200; row < 256; row++ {
				assert.Equal(t, FP8E4M3(0), vq.At(0, h, c, row))
			}
		}
	}
}

func TestSmoothKMean(t *testing.T) {
	k := NewTensor[float32](1, 1, 4, 2) // HND
	vals := [][]float32{{1, 10}, {2, 20}, {3, 30}, {4, 40}}
	for r, row := range vals {
		for c, v := range row {
			k.Set(0, 0, r, c, v)
		}
	}
	km, err := SmoothKMean(k, LayoutHND)
	require.NoError(t, err)
	assert.Equal(t, [3]int{1, 1, 2}, km.Shape)
	assert.InDelta(t, 2.5, km.At(0, 0, 0), 1e-6)
	assert.InDelta(t, 25.0, km.At(0, 0, 1), 1e-6)
}

// Key smoothing must leave attention output unchanged up to quantization
func TestSmoothKInvariance(t *testing.T) {
	r := rand.New(rand.NewSource(25))
	q := randFloatTensor(r, 1, 2, 64, 64)
	k := randFloatTensor(r, 1, 2, 128, 64)
	v := randFloatTensor(r, 1, 2, 128, 64)
	// Push a strong common-mode component into k.
	for i := range k.Data {
		k.Data[i] += 3.0
	}

	opts := DefaultSageOpts()
	opts.SMScale = 0.125

	opts.SmoothK = false
	plain, _, err := SageAttention(q, k, v, opts)
	require.NoError(t, err)

	opts.SmoothK = true
	smoothed, _, err := SageAttention(q, k, v, opts)
	require.NoError(t, err)

	vr := VerifyFloat32Array(plain.Data, smoothed.Data, QuantizationTolerance())
	assert.True(t, vr.IsAcceptable(), vr.String())
}
