package sageattn

import (
	"math"
)

// ScoreSentinel initializes the running row maximum and clamps masked
// scores. A large finite negative bound rather than -Inf, so the base-2
// exponential never sees an Inf-Inf. Masked entries must be clamped to the
// sentinel before the max/exp step, never after.
const ScoreSentinel = -5000000.0

// SoftmaxState holds the streaming softmax registers of one query tile:
// per thread and per row half, the running maximum m and normalizer d.
// Each thread covers two query rows; m is kept identical across the four
// threads sharing a row, while d holds the thread's partial sum over its
// own columns and is reduced once at finalization. The implicit-zero-row
// convention (row normalizer starts at 1, not 0) lives in the quad
// leader's partial.
type SoftmaxState struct {
	M [WarpGroupSize][2]float32
	D [WarpGroupSize][2]float32
}

// NewSoftmaxState returns the initial streaming state: m at the sentinel,
// and a row normalizer of 1.0 carried by the first thread of each quad.
func NewSoftmaxState() *SoftmaxState {
	st := &SoftmaxState{}
	for t := range st.M {
		for h := 0; h < 2; h++ {
			st.M[t][h] = ScoreSentinel
			if t%4 == 0 {
				st.D[t][h] = 1.0
			}
		}
	}
	return st
}

// exp2 is the base-2 exponential on float32, standing in for the hardware
// ex2 instruction. Scores are pre-scaled by log2(e) upstream so that all
// exponentials run in base 2.
func exp2(x float32) float32 {
	return float32(math.Exp2(float64(x)))
}

// rowFragIdx returns the fragment index of a thread's rowHalf-row value in
// column group g, column half c.
func rowFragIdx(g, rowHalf, c int) int {
	return g*4 + rowHalf*2 + c
}

// quadBase returns the first thread of the 4-thread quad sharing both rows
// of thread t.
func quadBase(t int) int {
	return t &^ 3
}

// DequantizeScores converts a raw int32 score tile into float32 applying
// the per-(thread, row-half) dequantization factor. The factor already
// carries the Q-scale, K-scale and the log2(e)-premultiplied softmax scale;
// granularity only changes how the factor was located, not this multiply.
func DequantizeScores(raw *AccumTileI32, out *AccumTileF32, factor func(thread, rowHalf int) float32) {
	for t := 0; t < WarpGroupSize; t++ {
		f0 := factor(t, 0)
		f1 := factor(t, 1)
		src := raw.Frag[t]
		dst := out.Frag[t]
		for i, v := range src {
			if (i/2)%2 == 0 {
				dst[i] = float32(v) * f0
			} else {
				dst[i] = float32(v) * f1
			}
		}
	}
}

// MaskScores clamps scores at invalid key positions to the sentinel. A key
// position is valid iff it is below kvLen and, under causal masking, does
// not exceed the absolute query position.
func MaskScores(s *AccumTileF32, kTileStart, qTileStart, kvLen int, causal bool) {
	for t := 0; t < WarpGroupSize; t++ {
		frag := s.Frag[t]
		for i := range frag {
			row, col := FragmentCoord(t, i, s.N)
			kv := kTileStart + col
			if kv >= kvLen || (causal && kv > qTileStart+row) {
				frag[i] = ScoreSentinel
			}
		}
	}
}

// Update folds a freshly dequantized score tile into the running state:
// per row, the new maximum, the rescale of the previous output accumulator
// and normalizer by 2^(m_old - m_new), and the base-2 exponentiation of
// the block in place. On return s holds the probability tile for the value
// matmul and acc has been rescaled; the value matmul's addition into acc
// must not be committed before this rescale.
func (st *SoftmaxState) Update(s *AccumTileF32, acc *AccumTileF32) {
	groups := s.N / 8
	var newM [WarpGroupSize][2]float32
	for t := 0; t < WarpGroupSize; t++ {
		frag := s.Frag[t]
		for h := 0; h < 2; h++ {
			local := st.M[t][h]
			for g := 0; g < groups; g++ {
				for c := 0; c < 2; c++ {
					v := frag[rowFragIdx(g, h, c)]
					if v > local {
						local = v
					}
				}
			}
			newM[t][h] = local
		}
	}
	// Butterfly step across the quad sharing each row, emulating the
	// shuffle reduction: every thread ends with the full row max.
	for t := 0; t < WarpGroupSize; t += 4 {
		for h := 0; h < 2; h++ {
			rowMax := newM[t][h]
			for q := 1; q < 4; q++ {
				if newM[t+q][h] > rowMax {
					rowMax = newM[t+q][h]
				}
			}
			for q := 0; q < 4; q++ {
				newM[t+q][h] = rowMax
			}
		}
	}
	accGroups := acc.N / 8
	for t := 0; t < WarpGroupSize; t++ {
		frag := s.Frag[t]
		accFrag := acc.Frag[t]
		for h := 0; h < 2; h++ {
			newMax := newM[t][h]
			scale := exp2(st.M[t][h] - newMax)
			for g := 0; g < accGroups; g++ {
				for c := 0; c < 2; c++ {
					accFrag[rowFragIdx(g, h, c)] *= scale
				}
			}
			d := st.D[t][h] * scale
			for g := 0; g < groups; g++ {
				for c := 0; c < 2; c++ {
					i := rowFragIdx(g, h, c)
					p := exp2(frag[i] - newMax)
					frag[i] = p
					d += p
				}
			}
			st.D[t][h] = d
			st.M[t][h] = newMax
		}
	}
}

// RequantizeProbs narrows the exponentiated probability tile to e4m3 and
// repacks four values per 32-bit register lane in the order the value
// matmul consumes. This runs after exponentiation and before the
// probability-value matmul is issued.
func RequantizeProbs(p *AccumTileF32, out *RegOperandFP8) {
	for t := 0; t < WarpGroupSize; t++ {
		src := p.Frag[t]
		dst := out.Frag[t]
		for g := range dst {
			var packed uint32
			for b := 0; b < 4; b++ {
				packed |= uint32(FP8FromFloat32(src[g*4+b])) << (8 * b)
			}
			dst[g] = packed
		}
	}
}

// RowNorm returns the reduced normalizer and running max of an absolute
// tile row: the quad-distributed partial sums folded together. Used at
// finalization, exactly once per row.
func (st *SoftmaxState) RowNorm(row int) (d, m float32) {
	thread, _ := fragmentOwner(row, 0)
	h := (row % 16) / 8
	base := quadBase(thread)
	for q := 0; q < 4; q++ {
		d += st.D[base+q][h]
	}
	return d, st.M[thread][h]
}
