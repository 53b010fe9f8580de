package sageattn

import (
	"math"
)

// SageOpts configures the high-level SageAttention entry point.
type SageOpts struct {
	// Layout is the axis ordering of q, k and v.
	Layout TensorLayout
	// Causal applies the lower-triangular mask. Requires qo_len == kv_len.
	Causal bool
	// Gran selects the Q/K quantization granularity.
	Gran QuantGranularity
	// SMScale is the softmax scale; zero or negative selects
	// 1/sqrt(head_dim) with head_dim taken before any padding.
	SMScale float32
	// SmoothK subtracts the per-channel key mean before quantization.
	// Softmax is invariant to the shift, so only the log-sum-exp output
	// needs a correction, applied here.
	SmoothK bool
	// ReturnLSE requests the natural-log log-sum-exp per query position.
	ReturnLSE bool
}

// DefaultSageOpts returns the recommended configuration: HND layout,
// per-thread granularity, key smoothing on.
func DefaultSageOpts() SageOpts {
	return SageOpts{
		Layout:  LayoutHND,
		Gran:    GranPerThread,
		SmoothK: true,
	}
}

// SageAttention runs the full quantized attention pipeline on float32
// inputs: key smoothing, int8 quantization of Q and K, per-channel e4m3
// quantization of V with sequence padding, the fused kernel, and widening
// of the half-precision output back to float32. Head dimensions other than
// 64 and 128 are zero-padded up to the next supported size and sliced back
// afterwards; head dimensions above 128 are rejected.
//
// q, k and v share opts.Layout; k and v carry the kv heads, and the qo
// head count must be a multiple of the kv head count. The returned tensor
// has q's shape. When opts.ReturnLSE is set the second return value holds
// the natural-log log-sum-exp, shaped (batch, qo_heads, qo_len), including
// the smoothing correction; otherwise it is empty.
func SageAttention(q, k, v Tensor[float32], opts SageOpts) (Tensor[float32], Scale3, error) {
	const op = "SageAttention"

	if err := checkDense("query", q); err != nil {
		return Tensor[float32]{}, Scale3{}, err
	}
	if err := checkDense("key", k); err != nil {
		return Tensor[float32]{}, Scale3{}, err
	}
	if err := checkDense("value", v); err != nil {
		return Tensor[float32]{}, Scale3{}, err
	}
	qd, err := deriveSeqDims(q.Shape, opts.Layout)
	if err != nil {
		return Tensor[float32]{}, Scale3{}, newInvalidArgError(op, err.Error())
	}

	headDimOG := qd.HeadDim
	target := 0
	switch {
	case headDimOG <= 64:
		target = 64
	case headDimOG <= 128:
		target = 128
	default:
		return Tensor[float32]{}, Scale3{}, newDispatchError(op,
			"head_dim above 128 is not supported")
	}
	if target != headDimOG {
		q = padHeadDim(q, opts.Layout, target)
		k = padHeadDim(k, opts.Layout, target)
		v = padHeadDim(v, opts.Layout, target)
		qd, _ = deriveSeqDims(q.Shape, opts.Layout)
	}
	kd, err := deriveSeqDims(k.Shape, opts.Layout)
	if err != nil {
		return Tensor[float32]{}, Scale3{}, newInvalidArgError(op, err.Error())
	}
	if kd.Heads == 0 || qd.Heads%kd.Heads != 0 {
		return Tensor[float32]{}, Scale3{}, newInvalidArgError(op,
			"num_qo_heads must be a multiple of num_kv_heads")
	}

	smScale := opts.SMScale
	if smScale <= 0 {
		smScale = float32(1.0 / math.Sqrt(float64(headDimOG)))
	}

	km := Scale3{}
	if opts.SmoothK {
		km, err = SmoothKMean(k, opts.Layout)
		if err != nil {
			return Tensor[float32]{}, Scale3{}, err
		}
	}

	var qi, ki Tensor[int8]
	var qs, ks Scale3
	switch opts.Gran {
	case GranPerWarp:
		qi, qs, ki, ks, err = QuantizeInt8PerWarp(q, k, km, opts.Layout)
	case GranPerThread:
		qi, qs, ki, ks, err = QuantizeInt8PerThread(q, k, km, opts.Layout)
	default:
		err = newDispatchError(op, "per_block granularity has no kernel specialization")
	}
	if err != nil {
		return Tensor[float32]{}, Scale3{}, err
	}

	vq, vs, err := QuantizeVFP8PerChannel(v, opts.Layout)
	if err != nil {
		return Tensor[float32]{}, Scale3{}, err
	}

	o := Tensor[Float16]{Data: make([]Float16, q.Numel()), Shape: q.Shape}
	lse, err := AttentionFusedVScale(qi, ki, vq, o, qs, ks, vs,
		opts.Layout, opts.Causal, opts.Gran, smScale, opts.ReturnLSE)
	if err != nil {
		return Tensor[float32]{}, Scale3{}, err
	}

	out := sliceHeadDim(o, headDimOG)

	if opts.ReturnLSE {
		// The kernel reports log-sum-exp in base 2. Convert to natural
		// log and undo the key-mean shift: subtracting km from k shifts
		// every score in a row by q·km*smScale, which adds straight
		// through the log-sum-exp.
		groupSize := qd.Heads / kd.Heads
		for b := 0; b < qd.Batch; b++ {
			for h := 0; h < qd.Heads; h++ {
				for r := 0; r < qd.SeqLen; r++ {
					nat := lse.At(b, h, r) / log2e
					if opts.SmoothK {
						kvHead := h / groupSize
						dot := float32(0)
						off := b*qd.StrideBatch + h*qd.StrideHead + r*qd.StrideSeq
						for c := 0; c < qd.HeadDim; c++ {
							dot += q.Data[off+c] * km.At(b, kvHead, c)
						}
						nat += dot * smScale
					}
					lse.Set(b, h, r, nat)
				}
			}
		}
	}
	return out, lse, nil
}

// padHeadDim returns a copy of t with the innermost axis zero-extended to
// target. The dim axis is innermost under both layouts.
func padHeadDim(t Tensor[float32], layout TensorLayout, target int) Tensor[float32] {
	shape := t.Shape
	shape[3] = target
	out := NewTensor[float32](shape[0], shape[1], shape[2], shape[3])
	for i0 := 0; i0 < t.Shape[0]; i0++ {
		for i1 := 0; i1 < t.Shape[1]; i1++ {
			for i2 := 0; i2 < t.Shape[2]; i2++ {
				for i3 := 0; i3 < t.Shape[3]; i3++ {
					out.Set(i0, i1, i2, i3, t.At(i0, i1, i2, i3))
				}
			}
		}
	}
	return out
}

// sliceHeadDim widens a half-precision output to float32, keeping only the
// first headDim channels of the innermost axis.
func sliceHeadDim(t Tensor[Float16], headDim int) Tensor[float32] {
	shape := t.Shape
	shape[3] = headDim
	out := NewTensor[float32](shape[0], shape[1], shape[2], shape[3])
	for i0 := 0; i0 < shape[0]; i0++ {
		for i1 := 0; i1 < shape[1]; i1++ {
			for i2 := 0; i2 < shape[2]; i2++ {
				for i3 := 0; i3 < headDim; i3++ {
					out.Set(i0, i1, i2, i3, widenOutput(t.At(i0, i1, i2, i3)))
				}
			}
		}
	}
	return out
}
