// Package sageattn reference implementations for verification
package sageattn

import (
	"math"
)

// Reference contains simple, correct implementations used for testing and
// verification of the tiled kernel. Everything runs in float64 with a
// plain two-pass softmax; no tiling, no online rescaling.
type Reference struct{}

// Attention computes quantized attention directly from the int8/e4m3
// inputs and their scale arrays. Scale lookups use the row and column
// position alone, independent of any tile or fragment bookkeeping:
// per-warp groups every 16 query rows and every 128 key rows, per-thread
// subdivides those by the row pattern within an 8-row repeat.
//
// vScale may be empty, in which case v is taken at face value. The
// returned log-sum-exp is in base 2, matching the kernel output.
func (r Reference) Attention(q, k Tensor[int8], v Tensor[FP8E4M3],
	qScale, kScale, vScale Scale3,
	layout TensorLayout, causal bool, gran QuantGranularity,
	smScale float32) (Tensor[float32], Scale3) {

	qd, _ := deriveSeqDims(q.Shape, layout)
	kd, _ := deriveSeqDims(k.Shape, layout)
	headDim := qd.HeadDim
	groupSize := qd.Heads / kd.Heads

	out := Tensor[float32]{Data: make([]float32, q.Numel()), Shape: q.Shape}
	lse := NewScale3(qd.Batch, qd.Heads, qd.SeqLen)

	scores := make([]float64, kd.SeqLen)
	probs := make([]float64, kd.SeqLen)

	for b := 0; b < qd.Batch; b++ {
		for h := 0; h < qd.Heads; h++ {
			kvHead := h / groupSize
			qBase := b*qd.StrideBatch + h*qd.StrideHead
			kBase := b*kd.StrideBatch + kvHead*kd.StrideHead
			for i := 0; i < qd.SeqLen; i++ {
				qs := float64(qScale.At(b, h, refQScaleIdx(gran, i)))

				limit := kd.SeqLen
				if causal && i+1 < limit {
					limit = i + 1
				}
				for j := 0; j < limit; j++ {
					acc := 0.0
					qi := qBase + i*qd.StrideSeq
					kj := kBase + j*kd.StrideSeq
					for c := 0; c < headDim; c++ {
						acc += float64(q.Data[qi+c]) * float64(k.Data[kj+c])
					}
					ks := float64(kScale.At(b, kvHead, refKScaleIdx(gran, j)))
					scores[j] = acc * qs * ks * float64(smScale)
				}

				m := math.Inf(-1)
				for j := 0; j < limit; j++ {
					if scores[j] > m {
						m = scores[j]
					}
				}
				d := 0.0
				for j := 0; j < limit; j++ {
					probs[j] = math.Exp(scores[j] - m)
					d += probs[j]
				}
				lse.Set(b, h, i, float32((math.Log(d)+m)*log2e))

				oBase := qBase + i*qd.StrideSeq
				for c := 0; c < headDim; c++ {
					sum := 0.0
					for j := 0; j < limit; j++ {
						sum += probs[j] * float64(v.At(b, kvHead, c, j).ToFloat32())
					}
					o := sum / d
					if !vScale.Empty() {
						o *= float64(vScale.At(b, kvHead, c))
					}
					out.Data[oBase+c] = float32(o)
				}
			}
		}
	}
	return out, lse
}

// AttentionFloat computes plain full-precision attention on float32
// inputs, the ground truth for end-to-end quantization accuracy checks.
// v shares the layout of q and k here, unlike the kernel's transposed
// operand.
func (r Reference) AttentionFloat(q, k, v Tensor[float32],
	layout TensorLayout, causal bool, smScale float32) Tensor[float32] {

	qd, _ := deriveSeqDims(q.Shape, layout)
	kd, _ := deriveSeqDims(k.Shape, layout)
	vd, _ := deriveSeqDims(v.Shape, layout)
	headDim := qd.HeadDim
	groupSize := qd.Heads / kd.Heads

	out := Tensor[float32]{Data: make([]float32, q.Numel()), Shape: q.Shape}
	scores := make([]float64, kd.SeqLen)

	for b := 0; b < qd.Batch; b++ {
		for h := 0; h < qd.Heads; h++ {
			kvHead := h / groupSize
			qBase := b*qd.StrideBatch + h*qd.StrideHead
			kBase := b*kd.StrideBatch + kvHead*kd.StrideHead
			vBase := b*vd.StrideBatch + kvHead*vd.StrideHead
			for i := 0; i < qd.SeqLen; i++ {
				limit := kd.SeqLen
				if causal && i+1 < limit {
					limit = i + 1
				}
				m := math.Inf(-1)
				for j := 0; j < limit; j++ {
					acc := 0.0
					qi := qBase + i*qd.StrideSeq
					kj := kBase + j*kd.StrideSeq
					for c := 0; c < headDim; c++ {
						acc += float64(q.Data[qi+c]) * float64(k.Data[kj+c])
					}
					scores[j] = acc * float64(smScale)
					if scores[j] > m {
						m = scores[j]
					}
				}
				d := 0.0
				for j := 0; j < limit; j++ {
					scores[j] = math.Exp(scores[j] - m)
					d += scores[j]
				}
				oBase := qBase + i*qd.StrideSeq
				for c := 0; c < headDim; c++ {
					sum := 0.0
					for j := 0; j < limit; j++ {
						sum += scores[j] * float64(v.Data[vBase+j*vd.StrideSeq+c])
					}
					out.Data[oBase+c] = float32(sum / d)
				}
			}
		}
	}
	return out
}

// refQScaleIdx maps a query row to its scale entry.
func refQScaleIdx(gran QuantGranularity, row int) int {
	strip := row / 16
	if gran == GranPerThread {
		return strip*8 + row%8
	}
	return strip
}

// refKScaleIdx maps a key row to its scale entry.
func refKScaleIdx(gran QuantGranularity, col int) int {
	tile := col / CTAK
	if gran == GranPerThread {
		return tile*4 + col%8/2
	}
	return tile
}
