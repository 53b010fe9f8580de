package sageattn

import (
	"fmt"
	"math"
)

// log2e converts natural-base exponent scaling to base 2: the softmax
// scale is premultiplied by it so the kernel's exponentials and the
// log-sum-exp output all run in base-2 space.
const log2e = 1.4426950408889634

// Attention computes fused quantized attention over one batch of query,
// key and value tensors:
//
//	O = softmax(dequant(Q·Kᵀ) * smScale) · dequant(V)
//
// q and k hold int8 elements quantized upstream with the matching scale
// arrays; v holds e4m3 elements, pre-transposed to (batch, kv_heads,
// head_dim, padded_kv_len) with the sequence axis padded to a multiple of
// 128. o is caller-allocated with q's shape and layout. layout selects the
// (batch, seq, head, dim) or (batch, head, seq, dim) axis order for q, k
// and o. smScale <= 0 selects the conventional 1/sqrt(head_dim).
//
// When returnLSE is set, the returned tensor holds the base-2 log-sum-exp
// per (batch, head, query position): log2 of the softmax normalizer plus
// the running max. Otherwise an empty placeholder is returned.
//
// All precondition violations are reported before any kernel launch.
func Attention[O OutputElem](
	q, k Tensor[int8], v Tensor[FP8E4M3], o Tensor[O],
	qScale, kScale Scale3,
	layout TensorLayout, isCausal bool, gran QuantGranularity,
	smScale float32, returnLSE bool,
) (Scale3, error) {
	return attention(q, k, v, o, qScale, kScale, Scale3{}, layout, isCausal, gran, smScale, returnLSE, false)
}

// AttentionFusedVScale is Attention with the per-channel value
// dequantization folded into the kernel's output rescale: vScale has shape
// (batch, kv_heads, head_dim) and multiplies the normalized output before
// writeback.
func AttentionFusedVScale[O OutputElem](
	q, k Tensor[int8], v Tensor[FP8E4M3], o Tensor[O],
	qScale, kScale, vScale Scale3,
	layout TensorLayout, isCausal bool, gran QuantGranularity,
	smScale float32, returnLSE bool,
) (Scale3, error) {
	return attention(q, k, v, o, qScale, kScale, vScale, layout, isCausal, gran, smScale, returnLSE, true)
}

func attention[O OutputElem](
	q, k Tensor[int8], v Tensor[FP8E4M3], o Tensor[O],
	qScale, kScale, vScale Scale3,
	layout TensorLayout, isCausal bool, gran QuantGranularity,
	smScale float32, returnLSE bool, fuseVScale bool,
) (Scale3, error) {
	const op = "Attention"

	if err := checkDense("query", q); err != nil {
		return Scale3{}, err
	}
	if err := checkDense("key", k); err != nil {
		return Scale3{}, err
	}
	if err := checkDense("value", v); err != nil {
		return Scale3{}, err
	}
	if err := checkDense("output", o); err != nil {
		return Scale3{}, err
	}

	qd, err := deriveSeqDims(q.Shape, layout)
	if err != nil {
		return Scale3{}, newInvalidArgError(op, err.Error())
	}
	kd, _ := deriveSeqDims(k.Shape, layout)
	od, _ := deriveSeqDims(o.Shape, layout)

	if qd.Batch != kd.Batch || qd.Batch != v.Shape[0] {
		return Scale3{}, newInvalidArgError(op, fmt.Sprintf(
			"batch sizes differ: q=%d k=%d v=%d", qd.Batch, kd.Batch, v.Shape[0]))
	}
	if qd.HeadDim != kd.HeadDim || qd.HeadDim != v.Shape[2] {
		return Scale3{}, newInvalidArgError(op, fmt.Sprintf(
			"head_dim differs: q=%d k=%d v=%d", qd.HeadDim, kd.HeadDim, v.Shape[2]))
	}
	if kd.Heads != v.Shape[1] {
		return Scale3{}, newInvalidArgError(op, fmt.Sprintf(
			"kv head counts differ: k=%d v=%d", kd.Heads, v.Shape[1]))
	}
	if kd.Heads == 0 || qd.Heads%kd.Heads != 0 {
		return Scale3{}, newInvalidArgError(op, fmt.Sprintf(
			"num_qo_heads (%d) must be a multiple of num_kv_heads (%d)", qd.Heads, kd.Heads))
	}
	if o.Shape != q.Shape {
		return Scale3{}, newShapeError(op, fmt.Errorf(
			"output shape %v must match query shape %v", o.Shape, q.Shape))
	}
	if v.Shape[3]%CTAK != 0 {
		return Scale3{}, newInvalidArgError(op, fmt.Sprintf(
			"value sequence axis (%d) must be padded to a multiple of %d", v.Shape[3], CTAK))
	}
	if v.Shape[3] < kd.SeqLen {
		return Scale3{}, newInvalidArgError(op, fmt.Sprintf(
			"value sequence axis (%d) shorter than kv_len (%d)", v.Shape[3], kd.SeqLen))
	}

	spec, err := SelectKernel(qd.HeadDim, isCausal, gran, dtypeOf[O](), returnLSE, fuseVScale)
	if err != nil {
		return Scale3{}, err
	}

	numQTiles := (qd.SeqLen + CTAQ - 1) / CTAQ
	numKTiles := (kd.SeqLen + CTAK - 1) / CTAK
	if err := checkScaleShape("query_scale", qScale,
		scaleShapeQ(gran, qd.Batch, qd.Heads, numQTiles)); err != nil {
		return Scale3{}, err
	}
	if err := checkScaleShape("key_scale", kScale,
		scaleShapeK(gran, qd.Batch, kd.Heads, numKTiles)); err != nil {
		return Scale3{}, err
	}
	if fuseVScale {
		if err := checkScaleShape("value_scale", vScale,
			[3]int{qd.Batch, kd.Heads, qd.HeadDim}); err != nil {
			return Scale3{}, err
		}
	}

	if smScale <= 0 {
		smScale = float32(1.0 / math.Sqrt(float64(qd.HeadDim)))
	}

	lse := Scale3{}
	if returnLSE {
		lse = NewScale3(qd.Batch, qd.Heads, qd.SeqLen)
	}

	p := &blockParams[O]{
		spec: spec,
		qDesc: NewRegionDesc(q.Data,
			[4]int{qd.Batch, qd.Heads, qd.SeqLen, qd.HeadDim},
			[4]int{qd.StrideBatch, qd.StrideHead, qd.StrideSeq, 1},
			CTAQ, qd.HeadDim, 1),
		kDesc: NewRegionDesc(k.Data,
			[4]int{kd.Batch, kd.Heads, kd.SeqLen, kd.HeadDim},
			[4]int{kd.StrideBatch, kd.StrideHead, kd.StrideSeq, 1},
			CTAK, kd.HeadDim, 1),
		vDesc: NewRegionDesc(v.Data,
			v.Shape, v.Strides(),
			qd.HeadDim, CTAK, 1),
		out:          o,
		outDims:      od,
		qScale:       qScale,
		kScale:       kScale,
		vScale:       vScale,
		lse:          lse,
		qoLen:        qd.SeqLen,
		kvLen:        kd.SeqLen,
		groupSize:    qd.Heads / kd.Heads,
		smScaleLog2e: smScale * log2e,
	}

	launchGrid(p, numQTiles, qd.Heads, qd.Batch)
	return lse, nil
}

// dtypeOf maps the generic output element type to its DType tag.
func dtypeOf[O OutputElem]() DType {
	var zero O
	switch any(zero).(type) {
	case Float16:
		return Float16DType
	default:
		return BFloat16DType
	}
}

// scaleShapeQ returns the required query-scale shape for the granularity
// and tile geometry: one entry per warp strip, further split 8 ways per
// thread row group under per-thread granularity.
func scaleShapeQ(gran QuantGranularity, batch, heads, numQTiles int) [3]int {
	n := numQTiles * NumWarps
	if gran == GranPerThread {
		n *= 8
	}
	return [3]int{batch, heads, n}
}

// scaleShapeK returns the required key-scale shape: one entry per key
// tile, split 4 ways per thread column group under per-thread granularity.
func scaleShapeK(gran QuantGranularity, batch, heads, numKTiles int) [3]int {
	n := numKTiles
	if gran == GranPerThread {
		n *= 4
	}
	return [3]int{batch, heads, n}
}
