package sageattn

import (
	"math"
)

// Tile geometry. One thread block owns a 64-row query tile and walks the
// key/value sequence in 128-row tiles; the query tile is never wider than
// the key/value tile.
const (
	CTAQ = 64
	CTAK = 128
)

// blockParams is the launch-time state shared by every thread block of one
// attention call: region descriptors, output targets and geometry. It is
// read-only during the grid walk.
type blockParams[O OutputElem] struct {
	spec KernelSpec

	qDesc *RegionDesc[int8]
	kDesc *RegionDesc[int8]
	vDesc *RegionDesc[FP8E4M3]

	out     Tensor[O]
	outDims seqDims

	qScale Scale3
	kScale Scale3
	vScale Scale3 // fused variant only
	lse    Scale3 // only when spec.ReturnLSE

	qoLen, kvLen int
	groupSize    int // qo heads per kv head

	// softmax scale premultiplied by log2(e) so exponentiation runs in
	// base 2 throughout.
	smScaleLog2e float32
}

// numKVTiles returns the key/value tile count this query tile traverses.
// Causal masking shrinks the walk: tiles past the query tile's last row
// contribute nothing.
func (p *blockParams[O]) numKVTiles(qTile int) int {
	n := (p.kvLen + CTAK - 1) / CTAK
	if p.spec.Causal {
		causal := (qTile*CTAQ + CTAQ + CTAK - 1) / CTAK
		if causal < n {
			n = causal
		}
	}
	if n < 1 {
		n = 1
	}
	return n
}

// scaleFactor returns the dequantization factor locator for key tile i:
// Q-scale × K-scale × softmax scale per (thread, row half). Granularity
// changes only this index arithmetic, never the multiply itself.
func (p *blockParams[O]) scaleFactor(bz, head, kvHead, qTile, i int) func(t, h int) float32 {
	switch p.spec.Gran {
	case GranPerThread:
		return func(t, _ int) float32 {
			warp, lane := t/WarpSize, t%WarpSize
			qs := p.qScale.At(bz, head, (qTile*NumWarps+warp)*8+lane/4)
			ks := p.kScale.At(bz, kvHead, i*4+lane%4)
			return qs * ks * p.smScaleLog2e
		}
	default: // GranPerWarp
		return func(t, _ int) float32 {
			warp := t / WarpSize
			qs := p.qScale.At(bz, head, qTile*NumWarps+warp)
			ks := p.kScale.At(bz, kvHead, i)
			return qs * ks * p.smScaleLog2e
		}
	}
}

// runBlock executes one thread block: one query tile for one (batch, head)
// pair, from prologue load to output writeback. The caller provides the
// scratch-free geometry; all scratch, barriers and accumulator state are
// created here and die with the block.
func runBlock[O OutputElem](p *blockParams[O], qTile, head, bz int) {
	kvHead := head / p.groupSize
	headDim := p.spec.HeadDim
	numTiles := p.numKVTiles(qTile)

	// On-chip scratch: one query tile, one key tile, one value tile. A
	// single slot per tensor, reused across the loop under the barrier
	// parity discipline.
	sQ := make([]int8, CTAQ*headDim)
	sK := make([]int8, CTAK*headDim)
	sV := make([]FP8E4M3, headDim*CTAK)

	var barQ, barK, barV Barrier
	barQ.Init(1)
	barK.Init(1)
	barV.Init(1)

	wg := NewWarpGroup()
	defer wg.Close()

	rawS := NewAccumTileI32(CTAK)
	scores := NewAccumTileF32(CTAK)
	probs := NewRegOperandFP8(CTAK)
	acc := NewAccumTileF32(headDim)
	st := NewSoftmaxState()

	// Prologue: expectation must be declared before the matching load is
	// issued, or the byte-arrival signal can be missed.
	barQ.ExpectTx(p.qDesc.TileBytes())
	p.qDesc.Load(sQ, &barQ, [4]int{bz, head, qTile * CTAQ, 0})
	barK.ExpectTx(p.kDesc.TileBytes())
	p.kDesc.Load(sK, &barK, [4]int{bz, kvHead, 0, 0})
	barV.ExpectTx(p.vDesc.TileBytes())
	p.vDesc.Load(sV, &barV, [4]int{bz, kvHead, 0, 0})

	// The query tile is read-only for the rest of the block's life: one
	// wait, no reuse.
	barQ.Wait(0)

	kSteps := headDim / MMAK
	var kPhase, vPhase uint32

	computeQK := func() {
		wg.Arrive()
		for j := 0; j < kSteps; j++ {
			wg.MMAI8SS(rawS, sQ, NewMatrixDesc(j*MMAK, headDim), sK, NewMatrixDesc(j*MMAK, headDim), j > 0)
		}
		wg.CommitBatch()
		wg.Wait(0)
	}
	computePV := func() {
		wg.Arrive()
		for s := 0; s < CTAK/MMAK; s++ {
			wg.MMAFP8RS(acc, probs, s, sV, NewMatrixDesc(s*MMAK, CTAK), true)
		}
		wg.CommitBatch()
		wg.Wait(0)
	}

	for i := 0; i < numTiles-1; i++ {
		barK.Wait(kPhase)
		kPhase ^= 1
		computeQK()
		// Key scratch is free again: overlap the next key tile's flight
		// with the softmax and value work below.
		barK.ExpectTx(p.kDesc.TileBytes())
		p.kDesc.Load(sK, &barK, [4]int{bz, kvHead, (i + 1) * CTAK, 0})

		DequantizeScores(rawS, scores, p.scaleFactor(bz, head, kvHead, qTile, i))
		st.Update(scores, acc)
		RequantizeProbs(scores, probs)

		barV.Wait(vPhase)
		vPhase ^= 1
		computePV()
		barV.ExpectTx(p.vDesc.TileBytes())
		p.vDesc.Load(sV, &barV, [4]int{bz, kvHead, 0, (i + 1) * CTAK})
	}

	// Epilogue tile: masked for causal/length bounds, no further loads.
	last := numTiles - 1
	barK.Wait(kPhase)
	computeQK()
	DequantizeScores(rawS, scores, p.scaleFactor(bz, head, kvHead, qTile, last))
	MaskScores(scores, last*CTAK, qTile*CTAQ, p.kvLen, p.spec.Causal)
	st.Update(scores, acc)
	RequantizeProbs(scores, probs)
	barV.Wait(vPhase)
	computePV()

	p.finalize(st, acc, qTile, head, bz, kvHead)
}

// finalize normalizes the accumulated output by the row normalizer,
// applies the fused per-channel value scale when active, and writes the
// rows that fall inside the true query length. Runs exactly once per
// block, after the last key/value tile.
func (p *blockParams[O]) finalize(st *SoftmaxState, acc *AccumTileF32, qTile, head, bz, kvHead int) {
	d := p.outDims
	headDim := p.spec.HeadDim
	for row := 0; row < CTAQ; row++ {
		absRow := qTile*CTAQ + row
		if absRow >= p.qoLen {
			continue
		}
		norm, m := st.RowNorm(row)
		inv := 1.0 / norm
		base := bz*d.StrideBatch + head*d.StrideHead + absRow*d.StrideSeq
		for c := 0; c < headDim; c++ {
			v := acc.At(row, c) * inv
			if p.spec.FuseVScale {
				v *= p.vScale.At(bz, kvHead, c)
			}
			p.out.Data[base+c] = narrowOutput[O](v)
		}
		if p.spec.ReturnLSE {
			p.lse.Set(bz, head, absRow, float32(math.Log2(float64(norm)))+m)
		}
	}
}
